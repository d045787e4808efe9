package protocol

import "testing"

func TestServerID_RoundTrip(t *testing.T) {
	cases := []struct {
		index, generation uint32
	}{
		{1, 0},
		{1, 1},
		{0xFFFFFFFF, 0},
		{42, 0xFFFFFFFE},
	}
	for _, c := range cases {
		id := MakeServerID(c.index, c.generation)
		if !id.IsValid() {
			t.Errorf("ServerID(%d, %d) reported invalid", c.index, c.generation)
		}
		if id.Index() != c.index || id.Generation() != c.generation {
			t.Errorf("ServerID(%d, %d) decomposed to (%d, %d)",
				c.index, c.generation, id.Index(), id.Generation())
		}
		if ServerID(uint64(id)) != id {
			t.Errorf("ServerID(%d, %d) did not survive the uint64 round trip",
				c.index, c.generation)
		}
	}
}

func TestServerID_InvalidSentinel(t *testing.T) {
	if InvalidServerID.IsValid() {
		t.Errorf("InvalidServerID reported valid")
	}
	// Any two invalid ids compare equal regardless of index.
	otherInvalid := MakeServerID(123, InvalidGeneration)
	if otherInvalid.IsValid() {
		t.Errorf("Id with invalid generation reported valid")
	}
	if !InvalidServerID.Equals(otherInvalid) {
		t.Errorf("Two invalid ids compared unequal")
	}
	if InvalidServerID.Equals(MakeServerID(1, 0)) {
		t.Errorf("Invalid id compared equal to a valid one")
	}
	if InvalidServerID.String() != "invalid" {
		t.Errorf("Invalid id renders as %q", InvalidServerID.String())
	}
}

func TestServerID_String(t *testing.T) {
	if got := MakeServerID(7, 3).String(); got != "7.3" {
		t.Errorf("String() = %q, want \"7.3\"", got)
	}
}
