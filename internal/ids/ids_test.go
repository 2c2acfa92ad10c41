package ids

import (
	"sort"
	"testing"
)

func TestNewLength(t *testing.T) {
	id := New()
	if len(id) != 26 {
		t.Fatalf("expected 26-char ulid, got %q (%d)", id, len(id))
	}
}

func TestNewBatchSortsInGenerationOrder(t *testing.T) {
	batch := NewBatch(100)
	if len(batch) != 100 {
		t.Fatalf("expected 100 ids, got %d", len(batch))
	}
	if !sort.StringsAreSorted(batch) {
		t.Fatal("batch is not sorted in generation order")
	}
	seen := make(map[string]struct{}, len(batch))
	for _, id := range batch {
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
}

func TestNewBatchEmpty(t *testing.T) {
	if got := NewBatch(0); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}
