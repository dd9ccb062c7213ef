package sequence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
)

func TestMemoryStartsAtOne(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for want := uint64(1); want <= 3; want++ {
		got, err := m.Next(ctx, "d1")
		if err != nil || got != want {
			t.Fatalf("next = %d, %v; want %d", got, err, want)
		}
	}
	if got, _ := m.Next(ctx, "d2"); got != 1 {
		t.Fatalf("independent driver got %d", got)
	}
}

func TestMemorySeedOnlyRaises(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Seed(ctx, "d1", 10)
	_ = m.Seed(ctx, "d1", 4)
	if got, _ := m.Next(ctx, "d1"); got != 11 {
		t.Fatalf("next after seed = %d, want 11", got)
	}
	if m.Last("d1") != 11 {
		t.Fatalf("last = %d", m.Last("d1"))
	}
}

func TestMemoryConcurrentNoGaps(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	const workers, per = 16, 200
	var mu sync.Mutex
	got := map[string][]uint64{}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			driver := fmt.Sprintf("d%d", w%4)
			for i := 0; i < per; i++ {
				seq, _ := m.Next(ctx, driver)
				mu.Lock()
				got[driver] = append(got[driver], seq)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	for driver, seqs := range got {
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		for i, s := range seqs {
			if s != uint64(i+1) {
				t.Fatalf("%s: position %d has %d", driver, i, s)
			}
		}
	}
}
