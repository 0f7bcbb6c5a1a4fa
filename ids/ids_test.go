package ids

import "testing"

func TestNewMessageIDMonotonicOrdering(t *testing.T) {
	a, err := NewMessageID()
	if err != nil {
		t.Fatalf("NewMessageID: %v", err)
	}
	b, err := NewMessageID()
	if err != nil {
		t.Fatalf("NewMessageID: %v", err)
	}
	if !Less(a, b) && a != b {
		t.Errorf("expected %q <= %q lexicographically", a, b)
	}
}

func TestNewRoomCodeShape(t *testing.T) {
	code, err := NewRoomCode()
	if err != nil {
		t.Fatalf("NewRoomCode: %v", err)
	}
	if len(code) != roomCodeLen {
		t.Fatalf("len(code) = %d, want %d", len(code), roomCodeLen)
	}
	for _, c := range code {
		found := false
		for _, a := range roomCodeAlphabet {
			if c == a {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("code %q contains %q, not in alphabet", code, c)
		}
	}
}
