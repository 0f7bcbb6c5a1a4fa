package search

import (
	"testing"

	"github.com/n0remac/meshchat/protocol"
)

func TestQueryMatchesContent(t *testing.T) {
	idx, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	msgs := []protocol.WireMessage{
		{ID: "m1", ChannelID: "chan1", Username: "alice", Content: "let's grab coffee tomorrow"},
		{ID: "m2", ChannelID: "chan1", Username: "bob", Content: "the deploy finished successfully"},
		{ID: "m3", ChannelID: "chan2", Username: "alice", Content: "coffee break in chan2"},
	}
	for _, m := range msgs {
		if err := idx.Put(m); err != nil {
			t.Fatalf("Put(%s): %v", m.ID, err)
		}
	}

	ids, err := idx.Query("", "coffee")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("Query(coffee) = %v, want 2 hits", ids)
	}

	scoped, err := idx.Query("chan1", "coffee")
	if err != nil {
		t.Fatalf("Query scoped: %v", err)
	}
	if len(scoped) != 1 || scoped[0] != "m1" {
		t.Fatalf("Query(chan1, coffee) = %v, want [m1]", scoped)
	}
}

func TestDeleteRemovesFromResults(t *testing.T) {
	idx, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	msg := protocol.WireMessage{ID: "m1", ChannelID: "chan1", Username: "alice", Content: "secret plans"}
	if err := idx.Put(msg); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := idx.Delete("m1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	ids, err := idx.Query("", "secret")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("Query after delete = %v, want none", ids)
	}
}
