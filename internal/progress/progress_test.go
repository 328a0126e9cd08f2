package progress

import (
	"testing"
	"time"
)

func TestThrottlePassesFirstAndFinal(t *testing.T) {
	var seen []Progress
	sink := Throttle(func(p Progress) { seen = append(seen, p) }, time.Hour, 1.0)

	sink(Progress{Stage: StageEncoding, Current: 0, Total: 100})
	sink(Progress{Stage: StageEncoding, Current: 1, Total: 100})
	sink(Progress{Stage: StageEncoding, Current: 100, Total: 100})

	if len(seen) != 2 {
		t.Fatalf("expected first + final record to pass, got %d records: %+v", len(seen), seen)
	}
	if seen[0].Current != 0 || seen[1].Current != 100 {
		t.Fatalf("unexpected records: %+v", seen)
	}
}

func TestThrottlePassesOnPercentThreshold(t *testing.T) {
	var seen []Progress
	// A zero interval is always satisfied, so the percent threshold alone
	// decides whether a record passes.
	sink := Throttle(func(p Progress) { seen = append(seen, p) }, 0, 0.1)

	sink(Progress{Current: 0, Total: 100})
	sink(Progress{Current: 5, Total: 100})  // under 10%, suppressed
	sink(Progress{Current: 11, Total: 100}) // over 10% since last emit, passes

	if len(seen) != 2 {
		t.Fatalf("expected 2 records, got %d: %+v", len(seen), seen)
	}
	if seen[1].Current != 11 {
		t.Fatalf("expected second record at current=11, got %+v", seen[1])
	}
}
