package protocol

import (
	"bytes"
	"encoding/binary"
)

// Request payload layouts, one codec pair per verb. Every frame on the wire
// is [OpCode(1)][Length(4)][payload]; replies carry a status byte first.

// OpenSegmentReq opens a replica on a backup with the first openLen bytes.
type OpenSegmentReq struct {
	MasterID  ServerID
	SegmentID uint64
	Primary   bool
	Data      []byte
}

// WriteSegmentReq appends bytes at Offset; Close marks the replica closed
// once the write is applied.
type WriteSegmentReq struct {
	MasterID  ServerID
	SegmentID uint64
	Offset    uint32
	Close     bool
	Data      []byte
}

// FreeSegmentReq discards a replica. Idempotent.
type FreeSegmentReq struct {
	MasterID  ServerID
	SegmentID uint64
}

// EnlistReq registers a new server process with the coordinator.
type EnlistReq struct {
	Services     ServiceMask
	Locator      string
	ReadSpeedMB  uint32
	WriteSpeedMB uint32
}

func EncodeOpenSegment(r OpenSegmentReq) []byte {
	buf := make([]byte, 0, 17+len(r.Data))
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.MasterID))
	buf = binary.BigEndian.AppendUint64(buf, r.SegmentID)
	if r.Primary {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return append(buf, r.Data...)
}

func DecodeOpenSegment(p []byte) (OpenSegmentReq, error) {
	if len(p) < 17 {
		return OpenSegmentReq{}, ErrMalformedRequest
	}
	return OpenSegmentReq{
		MasterID:  ServerID(binary.BigEndian.Uint64(p[0:8])),
		SegmentID: binary.BigEndian.Uint64(p[8:16]),
		Primary:   p[16] == 1,
		Data:      p[17:],
	}, nil
}

func EncodeWriteSegment(r WriteSegmentReq) []byte {
	buf := make([]byte, 0, 21+len(r.Data))
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.MasterID))
	buf = binary.BigEndian.AppendUint64(buf, r.SegmentID)
	buf = binary.BigEndian.AppendUint32(buf, r.Offset)
	if r.Close {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return append(buf, r.Data...)
}

func DecodeWriteSegment(p []byte) (WriteSegmentReq, error) {
	if len(p) < 21 {
		return WriteSegmentReq{}, ErrMalformedRequest
	}
	return WriteSegmentReq{
		MasterID:  ServerID(binary.BigEndian.Uint64(p[0:8])),
		SegmentID: binary.BigEndian.Uint64(p[8:16]),
		Offset:    binary.BigEndian.Uint32(p[16:20]),
		Close:     p[20] == 1,
		Data:      p[21:],
	}, nil
}

func EncodeFreeSegment(r FreeSegmentReq) []byte {
	buf := make([]byte, 0, 16)
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.MasterID))
	buf = binary.BigEndian.AppendUint64(buf, r.SegmentID)
	return buf
}

func DecodeFreeSegment(p []byte) (FreeSegmentReq, error) {
	if len(p) < 16 {
		return FreeSegmentReq{}, ErrMalformedRequest
	}
	return FreeSegmentReq{
		MasterID:  ServerID(binary.BigEndian.Uint64(p[0:8])),
		SegmentID: binary.BigEndian.Uint64(p[8:16]),
	}, nil
}

// EncodePing carries a random nonce; the reply echoes it alongside the
// responder's directory version.
func EncodePing(nonce uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, nonce)
}

func DecodePing(p []byte) (uint64, error) {
	if len(p) < 8 {
		return 0, ErrMalformedRequest
	}
	return binary.BigEndian.Uint64(p), nil
}

func EncodePingReply(nonce, version uint64) []byte {
	buf := binary.BigEndian.AppendUint64(nil, nonce)
	return binary.BigEndian.AppendUint64(buf, version)
}

func DecodePingReply(p []byte) (nonce, version uint64, err error) {
	if len(p) < 16 {
		return 0, 0, ErrMalformedRequest
	}
	return binary.BigEndian.Uint64(p[0:8]), binary.BigEndian.Uint64(p[8:16]), nil
}

func EncodeEnlist(r EnlistReq) []byte {
	buf := new(bytes.Buffer)
	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], uint32(r.Services))
	buf.Write(scratch[:])
	binary.BigEndian.PutUint32(scratch[:], uint32(len(r.Locator)))
	buf.Write(scratch[:])
	buf.WriteString(r.Locator)
	binary.BigEndian.PutUint32(scratch[:], r.ReadSpeedMB)
	buf.Write(scratch[:])
	binary.BigEndian.PutUint32(scratch[:], r.WriteSpeedMB)
	buf.Write(scratch[:])
	return buf.Bytes()
}

func DecodeEnlist(p []byte) (EnlistReq, error) {
	if len(p) < 8 {
		return EnlistReq{}, ErrMalformedRequest
	}
	services := ServiceMask(binary.BigEndian.Uint32(p[0:4]))
	locLen := int(binary.BigEndian.Uint32(p[4:8]))
	if len(p) < 8+locLen+8 {
		return EnlistReq{}, ErrMalformedRequest
	}
	locator := string(p[8 : 8+locLen])
	off := 8 + locLen
	return EnlistReq{
		Services:     services,
		Locator:      locator,
		ReadSpeedMB:  binary.BigEndian.Uint32(p[off : off+4]),
		WriteSpeedMB: binary.BigEndian.Uint32(p[off+4 : off+8]),
	}, nil
}

// EncodeServerID serializes a bare server id payload, used by
// hint-server-down and request-server-list.
func EncodeServerID(id ServerID) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(id))
}

func DecodeServerID(p []byte) (ServerID, error) {
	if len(p) < 8 {
		return InvalidServerID, ErrMalformedRequest
	}
	return ServerID(binary.BigEndian.Uint64(p)), nil
}
