package metrics

import (
	"testing"
	"time"
)

func TestSnapshotSortedAndAggregated(t *testing.T) {
	m := New()
	m.RecordDuration("turn", "", 10*time.Millisecond)
	m.RecordDuration("turn", "", 30*time.Millisecond)
	m.AddCounter("llm", "input_tokens", 5)
	m.AddCounter("llm", "input_tokens", 7)
	m.RecordOutcome("llm", "stop_reason", "end_turn")
	m.RecordOutcome("llm", "stop_reason", "tool_use")
	m.RecordOutcome("llm", "stop_reason", "tool_use")

	snap := m.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 metrics, got %d", len(snap))
	}
	if snap[0].Path != "llm/input_tokens" || snap[0].Value != 12 {
		t.Errorf("unexpected counter %+v", snap[0])
	}
	if snap[1].Path != "llm/stop_reason" || snap[1].Outcomes["tool_use"] != 2 || snap[1].Last != "tool_use" {
		t.Errorf("unexpected outcome %+v", snap[1])
	}
	turn := snap[2]
	if turn.Count != 2 || turn.AvgMs != 20 || turn.MinMs != 10 || turn.MaxMs != 30 || turn.LastMs != 30 {
		t.Errorf("unexpected timing %+v", turn)
	}
}

func TestPercentile(t *testing.T) {
	var samples []time.Duration
	for i := 1; i <= 100; i++ {
		samples = append(samples, time.Duration(i)*time.Millisecond)
	}
	if p := calculatePercentile(samples, 95); p != 96 {
		t.Errorf("expected p95 of 96ms, got %v", p)
	}
	if p := calculatePercentile(nil, 95); p != 0 {
		t.Errorf("expected 0 for no samples, got %v", p)
	}
}
