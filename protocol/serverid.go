package protocol

import "fmt"

// ServerID identifies an exact server process enlisted with the coordinator.
// The low 32 bits are a densely reused index; the high 32 bits are a
// generation number that is never reused for a given index. If the process
// behind an index crashes and a new one enlists at the same index, the
// generation differs, so stale ids never alias a live server.
//
// The dense index space lets the directory and trackers use plain slice
// indexing with a generation check instead of a hash table.
type ServerID uint64

// InvalidGeneration marks a ServerID as invalid regardless of its index.
const InvalidGeneration = uint32(0xFFFFFFFF)

// InvalidServerID is the sentinel returned when no server can be named.
const InvalidServerID = ServerID(uint64(InvalidGeneration) << 32)

// MakeServerID builds a ServerID from its index and generation parts.
// Index 0 is reserved; the coordinator never allocates it.
func MakeServerID(index, generation uint32) ServerID {
	return ServerID(uint64(generation)<<32 | uint64(index))
}

// Index returns the reusable index part of the id.
func (id ServerID) Index() uint32 {
	return uint32(id & 0xFFFFFFFF)
}

// Generation returns the generation part of the id.
func (id ServerID) Generation() uint32 {
	return uint32(id >> 32)
}

// IsValid reports whether the id names a real server.
func (id ServerID) IsValid() bool {
	return id.Generation() != InvalidGeneration
}

// Equals compares two ids. Any two invalid ids compare equal regardless
// of their index parts.
func (id ServerID) Equals(other ServerID) bool {
	if !id.IsValid() && !other.IsValid() {
		return true
	}
	return id == other
}

// String renders the id as "index.generation", or "invalid".
func (id ServerID) String() string {
	if !id.IsValid() {
		return "invalid"
	}
	return fmt.Sprintf("%d.%d", id.Index(), id.Generation())
}
