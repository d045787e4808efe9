package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"rampart/backup"
	"rampart/protocol"
)

func TestRampartCollector_BackupMetrics(t *testing.T) {
	store, err := backup.NewStore("", nil)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	master := protocol.MakeServerID(1, 0)
	if err := store.OpenSegment(protocol.OpenSegmentReq{
		MasterID: master, SegmentID: 1, Data: []byte("ABCD")}); err != nil {
		t.Fatalf("OpenSegment failed: %v", err)
	}

	collector := NewRampartCollector(nil, store)
	reg := prometheus.NewRegistry()
	if err := reg.Register(collector); err != nil {
		t.Fatalf("Failed to register collector: %v", err)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatalf("Expected metrics, got none")
	}

	found := make(map[string]float64)
	for _, mf := range mfs {
		if strings.HasPrefix(mf.GetName(), "rampart_backup_") {
			for _, m := range mf.GetMetric() {
				if m.GetGauge() != nil {
					found[mf.GetName()] = m.GetGauge().GetValue()
				} else if m.GetCounter() != nil {
					found[mf.GetName()] = m.GetCounter().GetValue()
				}
			}
		}
	}
	if found["rampart_backup_replicas_stored"] != 1 {
		t.Errorf("replicas_stored = %v, want 1", found["rampart_backup_replicas_stored"])
	}
	if found["rampart_backup_replicas_open"] != 1 {
		t.Errorf("replicas_open = %v, want 1", found["rampart_backup_replicas_open"])
	}
	if found["rampart_backup_bytes_stored_total"] != 4 {
		t.Errorf("bytes_stored_total = %v, want 4", found["rampart_backup_bytes_stored_total"])
	}
}

func TestRampartCollector_NilSourcesAreQuiet(t *testing.T) {
	collector := NewRampartCollector(nil, nil)
	reg := prometheus.NewRegistry()
	if err := reg.Register(collector); err != nil {
		t.Fatalf("Failed to register collector: %v", err)
	}
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather with nil sources failed: %v", err)
	}
}
