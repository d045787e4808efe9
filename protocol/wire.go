package protocol

import (
	"bytes"
	"encoding/binary"
)

// ServerEntry is the wire form of one server-directory row. SegmentID and
// UserData are payload for higher layers and opaque to the replication core.
type ServerEntry struct {
	Services    ServiceMask
	ServerID    ServerID
	SegmentID   uint64
	Locator     string
	UserData    uint64
	IsInCluster bool
}

// AppendServerEntry serializes e onto buf in big-endian wire form.
func AppendServerEntry(buf *bytes.Buffer, e ServerEntry) {
	var scratch [8]byte

	binary.BigEndian.PutUint32(scratch[:4], uint32(e.Services))
	buf.Write(scratch[:4])
	binary.BigEndian.PutUint64(scratch[:], uint64(e.ServerID))
	buf.Write(scratch[:8])
	binary.BigEndian.PutUint64(scratch[:], e.SegmentID)
	buf.Write(scratch[:8])
	binary.BigEndian.PutUint32(scratch[:4], uint32(len(e.Locator)))
	buf.Write(scratch[:4])
	buf.WriteString(e.Locator)
	binary.BigEndian.PutUint64(scratch[:], e.UserData)
	buf.Write(scratch[:8])
	if e.IsInCluster {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

// DecodeServerEntry parses one entry from p, returning the entry and the
// number of bytes consumed.
func DecodeServerEntry(p []byte) (ServerEntry, int, error) {
	var e ServerEntry
	if len(p) < 4+8+8+4 {
		return e, 0, ErrMalformedRequest
	}
	off := 0
	e.Services = ServiceMask(binary.BigEndian.Uint32(p[off:]))
	off += 4
	e.ServerID = ServerID(binary.BigEndian.Uint64(p[off:]))
	off += 8
	e.SegmentID = binary.BigEndian.Uint64(p[off:])
	off += 8
	locLen := int(binary.BigEndian.Uint32(p[off:]))
	off += 4
	if len(p) < off+locLen+8+1 {
		return e, 0, ErrMalformedRequest
	}
	e.Locator = string(p[off : off+locLen])
	off += locLen
	e.UserData = binary.BigEndian.Uint64(p[off:])
	off += 8
	e.IsInCluster = p[off] == 1
	off++
	return e, off, nil
}

// EncodeServerList serializes a directory version plus its entries.
func EncodeServerList(version uint64, entries []ServerEntry) []byte {
	buf := new(bytes.Buffer)
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], version)
	buf.Write(scratch[:8])
	binary.BigEndian.PutUint32(scratch[:4], uint32(len(entries)))
	buf.Write(scratch[:4])
	for _, e := range entries {
		AppendServerEntry(buf, e)
	}
	return buf.Bytes()
}

// DecodeServerList parses the payload produced by EncodeServerList.
func DecodeServerList(p []byte) (uint64, []ServerEntry, error) {
	if len(p) < 12 {
		return 0, nil, ErrMalformedRequest
	}
	version := binary.BigEndian.Uint64(p[0:8])
	count := int(binary.BigEndian.Uint32(p[8:12]))
	entries := make([]ServerEntry, 0, count)
	off := 12
	for i := 0; i < count; i++ {
		e, n, err := DecodeServerEntry(p[off:])
		if err != nil {
			return 0, nil, err
		}
		entries = append(entries, e)
		off += n
	}
	return version, entries, nil
}
