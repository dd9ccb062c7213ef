package hashroute

import (
	"math/rand"
	"testing"
	"testing/quick"
	"time"
)

func TestPartitionForDeterministic(t *testing.T) {
	keys := []string{"d1", "driver-45", "550e8400-e29b-41d4-a716-446655440000", "1234567890"}
	for _, key := range keys {
		p1 := PartitionFor(key, 12)
		p2 := PartitionFor(key, 12)
		if p1 != p2 {
			t.Fatalf("partition should be deterministic for %q", key)
		}
		if p1 >= 12 {
			t.Fatalf("partition out of range for %q: %d", key, p1)
		}
	}
}

func TestPartitionForZeroCount(t *testing.T) {
	if got := PartitionFor("d1", 0); got != 0 {
		t.Fatalf("zero partition count should map to 0, got %d", got)
	}
	if got := PartitionFor("d1", 1); got != 0 {
		t.Fatalf("single partition should map to 0, got %d", got)
	}
}

func TestPartitionRangeProperty(t *testing.T) {
	cfg := &quick.Config{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
	if err := quick.Check(func(s string, n uint32) bool {
		n = n%64 + 1
		p := PartitionFor(s, n)
		return p < n && p == PartitionFor(s, n)
	}, cfg); err != nil {
		t.Fatalf("partition property failed: %v", err)
	}
}

func TestPartitionSpreadsDrivers(t *testing.T) {
	seen := map[uint32]bool{}
	for i := 0; i < 500; i++ {
		seen[PartitionFor("driver-"+string(rune('a'+i%26))+time.Duration(i).String(), 8)] = true
	}
	if len(seen) != 8 {
		t.Fatalf("expected all 8 partitions used, got %d", len(seen))
	}
}

func TestAdvancePinsPartitionAndFirstSeen(t *testing.T) {
	r := NewRouter(12)
	t0 := time.Date(2026, 1, 2, 0, 30, 0, 0, time.UTC)
	r.Advance("d1", t0)
	a, ok := r.GetRoute("d1")
	if !ok {
		t.Fatal("route missing after Advance")
	}
	r.Advance("d1", t0.Add(time.Minute))
	b, _ := r.GetRoute("d1")

	if a.FirstSeenUTC.IsZero() || a.FirstSeenUTC.Location() != time.UTC {
		t.Fatalf("unexpected first seen: %v", a.FirstSeenUTC)
	}
	if a.PartitionID != b.PartitionID || !a.FirstSeenUTC.Equal(b.FirstSeenUTC) {
		t.Fatalf("route changed: %+v vs %+v", a, b)
	}
	if uint32(a.PartitionID) != PartitionFor("d1", 12) {
		t.Fatalf("route partition disagrees with PartitionFor")
	}
}

func TestAdvanceRejectsRegression(t *testing.T) {
	r := NewRouter(4)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if !r.Advance("d1", t0) {
		t.Fatal("first timestamp must be accepted")
	}
	if !r.Advance("d1", t0) {
		t.Fatal("equal timestamp must be accepted")
	}
	if r.Advance("d1", t0.Add(-time.Second)) {
		t.Fatal("older timestamp must be rejected")
	}
	route, ok := r.GetRoute("d1")
	if !ok || !route.LastTimestamp.Equal(t0) {
		t.Fatalf("unexpected route after regression: %+v", route)
	}
	if !r.Advance("d2", t0.Add(-time.Hour)) {
		t.Fatal("drivers are tracked independently")
	}
}
