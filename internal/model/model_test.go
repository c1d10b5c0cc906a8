package model

import (
	"strconv"
	"testing"
	"time"
)

func TestShortCode(t *testing.T) {
	if got := ShortCode("6f1c2d3e-aaaa-bbbb-cccc-0123456789ab"); got != "456789AB" {
		t.Fatalf("ShortCode = %q", got)
	}
	if got := ShortCode("ab-c"); got != "ABC" {
		t.Fatalf("short id = %q", got)
	}
}

func TestAddNoteKeepsNewest(t *testing.T) {
	var o Order
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < MaxNotes+5; i++ {
		o.AddNote("system", strconv.Itoa(i), at)
	}
	if len(o.Notes) != MaxNotes {
		t.Fatalf("notes = %d, want %d", len(o.Notes), MaxNotes)
	}
	if o.Notes[0].Text != "5" || o.Notes[MaxNotes-1].Text != strconv.Itoa(MaxNotes+4) {
		t.Fatalf("oldest kept = %q newest = %q", o.Notes[0].Text, o.Notes[MaxNotes-1].Text)
	}
}

func TestStatusAndChainHelpers(t *testing.T) {
	for s, want := range map[OrderStatus]bool{
		StatusPending: false, StatusSent: false, StatusApproved: true, StatusRejected: true,
	} {
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v", s, !want)
		}
	}

	o := Order{ChainPath: []string{"alpha", "beta"}}
	if !o.InChain("beta") || o.InChain("gamma") {
		t.Fatal("InChain mismatch")
	}
	if o.ExternalID() != "" {
		t.Fatal("unset external id should be empty")
	}
	ext := StubPrefix + "child"
	o.ExternalOrderID = &ext
	if o.ExternalID() != "stub-child" || !o.IsOrigin() {
		t.Fatalf("external=%q origin=%v", o.ExternalID(), o.IsOrigin())
	}
}
