package xid

import (
	"strings"
	"testing"
	"time"
)

func TestNewUsesPrefixAndMillis(t *testing.T) {
	at := time.UnixMilli(1718000000123)
	id := New("SALE", at)
	if !strings.HasPrefix(id, "SALE-1718000000123-") {
		t.Fatalf("unexpected id %q", id)
	}
	if New("SALE", at) == id {
		t.Fatalf("expected random suffix to differ")
	}
}

func TestUIDIsOrderedUUID(t *testing.T) {
	first := UID()
	second := UID()
	if !Valid(first) || !Valid(second) {
		t.Fatalf("expected valid uuids, got %q %q", first, second)
	}
	if first == second {
		t.Fatalf("expected unique ids")
	}
	if Valid("not-a-uuid") {
		t.Fatalf("expected invalid id to be rejected")
	}
}
