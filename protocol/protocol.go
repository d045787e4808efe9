package protocol

import (
	"errors"
	"time"
)

// --- Constants ---

const (
	DefaultCoordinatorPort = ":7070"
	DefaultBackupPort      = ":7071"
	DefaultMasterPort      = ":7072"

	DefaultReadTimeout  = 5 * time.Second
	DefaultWriteTimeout = 5 * time.Second
	ShutdownTimeout     = 10 * time.Second

	// MaxRPCPayload bounds the data carried by a single segment write.
	// Larger committed prefixes are replicated as a series of writes.
	MaxRPCPayload = 1024 * 1024

	// MaxSegmentSize is the nominal size of a segment's in-memory image,
	// used by the backup selector's read-time estimates. Segment images
	// are not checked against it.
	MaxSegmentSize = 8 * 1024 * 1024

	ProtoHeaderSize = 5 // OpCode(1) + Length(4)
)

// OpCodes define the available commands in the rampart wire protocol.
const (
	OpCodePing uint8 = 0x01

	// Backup service verbs. Each carries (master_id, segment_id).
	OpCodeOpenSegment  uint8 = 0x60
	OpCodeWriteSegment uint8 = 0x61
	OpCodeFreeSegment  uint8 = 0x62
	OpCodeGetSegment   uint8 = 0x63 // Recovery read of a stored replica.

	// Coordinator verbs.
	OpCodeEnlist            uint8 = 0x70
	OpCodeHintServerDown    uint8 = 0x71
	OpCodeRequestServerList uint8 = 0x72
	OpCodeGetServerList     uint8 = 0x73

	OpCodeReply uint8 = 0x80

	OpCodeQuit uint8 = 0xFF
)

// Status codes carried in the first byte of every reply payload.
const (
	StatusOK                 uint8 = 0
	StatusSegmentAlreadyOpen uint8 = 1
	StatusSegmentNotOpen     uint8 = 2
	StatusSegmentOutOfOrder  uint8 = 3
	StatusUnknownServer      uint8 = 4
	StatusRetry              uint8 = 5
	StatusMalformedRequest   uint8 = 6
)

// ServiceMask describes which services a server process offers.
type ServiceMask uint32

const (
	MasterService ServiceMask = 1 << iota
	BackupService
	MembershipService
	PingService
)

// Has reports whether every service in m is offered.
func (s ServiceMask) Has(m ServiceMask) bool {
	return s&m == m
}

// Sentinel errors shared across the repository. The backup-side protocol
// errors cross the wire as status codes and are rehydrated by the client.
var (
	ErrSegmentAlreadyOpen = errors.New("segment already open on backup")
	ErrSegmentNotOpen     = errors.New("segment not open on backup")
	ErrSegmentOutOfOrder  = errors.New("segment write out of order")
	ErrUnknownServer      = errors.New("server id not in directory")
	ErrMalformedRequest   = errors.New("malformed request")
	ErrClosed             = errors.New("shutting down")
)

// StatusFor maps an error to its wire status code.
func StatusFor(err error) uint8 {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrSegmentAlreadyOpen):
		return StatusSegmentAlreadyOpen
	case errors.Is(err, ErrSegmentNotOpen):
		return StatusSegmentNotOpen
	case errors.Is(err, ErrSegmentOutOfOrder):
		return StatusSegmentOutOfOrder
	case errors.Is(err, ErrUnknownServer):
		return StatusUnknownServer
	case errors.Is(err, ErrMalformedRequest):
		return StatusMalformedRequest
	default:
		return StatusRetry
	}
}

// ErrorFor maps a wire status code back to its sentinel error.
func ErrorFor(status uint8) error {
	switch status {
	case StatusOK:
		return nil
	case StatusSegmentAlreadyOpen:
		return ErrSegmentAlreadyOpen
	case StatusSegmentNotOpen:
		return ErrSegmentNotOpen
	case StatusSegmentOutOfOrder:
		return ErrSegmentOutOfOrder
	case StatusUnknownServer:
		return ErrUnknownServer
	case StatusMalformedRequest:
		return ErrMalformedRequest
	default:
		return errors.New("backup requested retry")
	}
}
