// Package backup implements the backup node service: it durably stores
// segment replicas on behalf of masters and serves the open/write/free
// replication verbs plus recovery reads.
package backup

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"rampart/protocol"
)

var segmentsBucket = []byte("segments")

const (
	frameFlagOpen    = 1 << 0
	frameFlagClosed  = 1 << 1
	frameFlagPrimary = 1 << 2
)

type frameKey struct {
	master  protocol.ServerID
	segment uint64
}

func (k frameKey) bytes() []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(k.master))
	binary.BigEndian.PutUint64(buf[8:16], k.segment)
	return buf
}

// frame is one stored replica: the byte image plus its lifecycle flags.
type frame struct {
	data    []byte
	open    bool
	closed  bool
	primary bool
}

// Store holds the replicas entrusted to this backup. Mutations are applied
// to memory and written through to a bolt database so a restarted backup
// can still serve recovery; with an empty dir the store is memory-only,
// which is what the tests and the benchmark's local mode use.
type Store struct {
	mu     sync.Mutex
	frames map[frameKey]*frame
	db     *bolt.DB
	logger *slog.Logger

	// Counters for the metrics collector.
	writeCount uint64
	byteCount  uint64
}

// NewStore opens (or creates) the replica store under dir. An empty dir
// keeps everything in memory.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		frames: make(map[frameKey]*frame),
		logger: logger,
	}
	if dir == "" {
		return s, nil
	}

	db, err := bolt.Open(filepath.Join(dir, "backup.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening replica store: %w", err)
	}
	s.db = db

	err = db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(segmentsBucket)
		if err != nil {
			return err
		}
		return bucket.ForEach(func(k, v []byte) error {
			if len(k) != 16 || len(v) < 1 {
				return fmt.Errorf("corrupt replica record")
			}
			key := frameKey{
				master:  protocol.ServerID(binary.BigEndian.Uint64(k[0:8])),
				segment: binary.BigEndian.Uint64(k[8:16]),
			}
			flags := v[0]
			data := make([]byte, len(v)-1)
			copy(data, v[1:])
			s.frames[key] = &frame{
				data:    data,
				open:    flags&frameFlagOpen != 0,
				closed:  flags&frameFlagClosed != 0,
				primary: flags&frameFlagPrimary != 0,
			}
			return nil
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("loading replica store: %w", err)
	}
	if len(s.frames) > 0 {
		logger.Info("recovered replicas from disk", "count", len(s.frames))
	}
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) persist(key frameKey, f *frame) error {
	if s.db == nil {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(segmentsBucket)
		if f == nil {
			return bucket.Delete(key.bytes())
		}
		var flags byte
		if f.open {
			flags |= frameFlagOpen
		}
		if f.closed {
			flags |= frameFlagClosed
		}
		if f.primary {
			flags |= frameFlagPrimary
		}
		value := make([]byte, 1+len(f.data))
		value[0] = flags
		copy(value[1:], f.data)
		return bucket.Put(key.bytes(), value)
	})
}

// OpenSegment creates a replica with the request's first bytes. A second
// open for the same (master, segment) is a protocol error.
func (s *Store) OpenSegment(req protocol.OpenSegmentReq) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := frameKey{master: req.MasterID, segment: req.SegmentID}
	if _, ok := s.frames[key]; ok {
		return protocol.ErrSegmentAlreadyOpen
	}
	f := &frame{
		data:    append([]byte(nil), req.Data...),
		open:    true,
		primary: req.Primary,
	}
	s.frames[key] = f
	s.writeCount++
	s.byteCount += uint64(len(req.Data))
	if err := s.persist(key, f); err != nil {
		return err
	}
	s.logger.Debug("replica opened",
		"master", req.MasterID, "segment", req.SegmentID, "primary", req.Primary)
	return nil
}

// WriteSegment appends bytes at the request offset. Writes must arrive in
// strict append order; anything else is a protocol error.
func (s *Store) WriteSegment(req protocol.WriteSegmentReq) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := frameKey{master: req.MasterID, segment: req.SegmentID}
	f, ok := s.frames[key]
	if !ok || !f.open {
		return protocol.ErrSegmentNotOpen
	}
	if int(req.Offset) != len(f.data) {
		return protocol.ErrSegmentOutOfOrder
	}
	f.data = append(f.data, req.Data...)
	if req.Close {
		f.closed = true
		f.open = false
	}
	s.writeCount++
	s.byteCount += uint64(len(req.Data))
	return s.persist(key, f)
}

// FreeSegment discards a replica. Freeing an unknown replica is fine; the
// master retries frees against backups that may never have heard of it.
func (s *Store) FreeSegment(req protocol.FreeSegmentReq) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := frameKey{master: req.MasterID, segment: req.SegmentID}
	if _, ok := s.frames[key]; !ok {
		return nil
	}
	delete(s.frames, key)
	return s.persist(key, nil)
}

// SegmentData returns a copy of a stored replica image, as a recovery
// module would read it back.
func (s *Store) SegmentData(master protocol.ServerID, segment uint64) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.frames[frameKey{master: master, segment: segment}]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), f.data...), true
}

// Stats is a snapshot of store internals for metrics.
type Stats struct {
	Replicas     int
	OpenReplicas int
	Writes       uint64
	BytesStored  uint64
}

// Snapshot gathers a Stats.
func (s *Store) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Replicas: len(s.frames), Writes: s.writeCount, BytesStored: s.byteCount}
	for _, f := range s.frames {
		if f.open {
			st.OpenReplicas++
		}
	}
	return st
}
