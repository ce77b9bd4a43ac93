package observe

import (
	"sync"
	"time"
)

// TurnRecorder accumulates stage durations for one turn. Stages may repeat
// (tool-loop steps); durations for the same label add up. The recorder is
// safe for use from the enrichment fan-out goroutines.
type TurnRecorder struct {
	mu     sync.Mutex
	stages map[string]time.Duration
	now    func() time.Time
}

// NewTurnRecorder creates an empty recorder.
func NewTurnRecorder() *TurnRecorder {
	return &TurnRecorder{stages: make(map[string]time.Duration), now: time.Now}
}

// Track starts timing a stage and returns the stop function. Typical use:
//
//	defer rec.Track("prompt_assembly")()
func (r *TurnRecorder) Track(stage string) func() {
	start := r.now()
	return func() { r.Add(stage, r.now().Sub(start)) }
}

// Add records an externally measured duration for a stage.
func (r *TurnRecorder) Add(stage string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages[stage] += d
}

// Stages snapshots the accumulated durations in milliseconds.
func (r *TurnRecorder) Stages() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.stages))
	for k, v := range r.stages {
		out[k] = v.Milliseconds()
	}
	return out
}

// HotPath names the slowest recorded stage, prefixed "hot_path_". Empty
// when nothing was recorded.
func (r *TurnRecorder) HotPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		maxStage string
		maxD     time.Duration
	)
	for k, v := range r.stages {
		if v > maxD || (v == maxD && maxStage != "" && k < maxStage) {
			maxStage, maxD = k, v
		}
	}
	if maxStage == "" {
		return ""
	}
	return "hot_path_" + maxStage
}
