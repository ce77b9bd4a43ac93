package observe

import (
	"testing"
	"time"
)

func TestTurnRecorder_StagesAccumulate(t *testing.T) {
	r := NewTurnRecorder()
	r.Add("tool_loop_step", 120*time.Millisecond)
	r.Add("tool_loop_step", 80*time.Millisecond)
	r.Add("prompt_assembly", 30*time.Millisecond)

	got := r.Stages()
	if got["tool_loop_step"] != 200 {
		t.Errorf("tool_loop_step = %dms, want 200", got["tool_loop_step"])
	}
	if got["prompt_assembly"] != 30 {
		t.Errorf("prompt_assembly = %dms, want 30", got["prompt_assembly"])
	}
}

func TestTurnRecorder_HotPath(t *testing.T) {
	r := NewTurnRecorder()
	if r.HotPath() != "" {
		t.Error("empty recorder produced a hot path")
	}

	r.Add("provider_call", 900*time.Millisecond)
	r.Add("enrichment", 200*time.Millisecond)
	if got := r.HotPath(); got != "hot_path_provider_call" {
		t.Errorf("HotPath = %q, want hot_path_provider_call", got)
	}
}

func TestTurnRecorder_Track(t *testing.T) {
	r := NewTurnRecorder()
	base := time.Now()
	calls := 0
	r.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * 50 * time.Millisecond)
	}

	stop := r.Track("stage")
	stop()
	if got := r.Stages()["stage"]; got != 50 {
		t.Errorf("tracked stage = %dms, want 50", got)
	}
}
