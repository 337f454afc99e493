package pricing

import (
	"reflect"
	"sync"
	"testing"
)

func TestEstimate_TableAndDefault(t *testing.T) {
	tbl := NewTable(map[string]int64{"x": 500, "y": 1200}, 0)
	if got := tbl.Estimate([]string{"x", "y"}, nil); got != 1700 {
		t.Fatalf("expected 1700, got %d", got)
	}
	if got := tbl.Estimate([]string{"x", "unknown"}, nil); got != 500+DefaultCost {
		t.Fatalf("expected default applied, got %d", got)
	}
}

func TestEstimate_ReportedPriceWins(t *testing.T) {
	tbl := NewTable(map[string]int64{"perf-images": 9999}, 100)
	got := tbl.Estimate([]string{"perf-images", "a11y-contrast"}, map[string]int64{"perf-images": 2200})
	if got != 2200+100 {
		t.Fatalf("expected 2300, got %d", got)
	}
}

func TestEstimate_DuplicatesChargedOnce(t *testing.T) {
	tbl := NewTable(map[string]int64{"x": 10}, 1)
	if got := tbl.Estimate([]string{"x", "x", ""}, nil); got != 10 {
		t.Fatalf("expected 10, got %d", got)
	}
}

func TestEstimate_Empty(t *testing.T) {
	tbl := NewTable(nil, 0)
	if got := tbl.Estimate(nil, nil); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestUpdate_ConcurrentWithReads(t *testing.T) {
	tbl := NewTable(map[string]int64{"x": 1}, 1)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			tbl.Update(map[string]int64{"x": int64(i)}, 1)
		}(i)
		go func() {
			defer wg.Done()
			_ = tbl.Cost("x")
		}()
	}
	wg.Wait()
}

func TestDedupe(t *testing.T) {
	got := Dedupe([]string{"b", "a", "b", ""})
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("unexpected %v", got)
	}
}
