package report

import (
	"encoding/json"
	"sync"
	"time"
)

// Stage names aggregated into the job trace.
const (
	StageDownload  = "download"
	StageConvert   = "convert"
	StageParse     = "parse"
	StageAnalyze   = "analyze"
	StageMapping   = "mapping"
	StageEmbedding = "embedding"
	StagePackaging = "packaging"
	StageUpload    = "upload"
	StagePreview   = "preview"
	StageTotal     = "total"
)

// Trace is the stage timing document stored in Job.Metadata.
type Trace struct {
	StagesMS  map[string]float64 `json:"stages_ms"`
	Converter json.RawMessage    `json:"converter,omitempty"`
}

// Tracer records stage start/end pairs for one job invocation.
type Tracer struct {
	mu       sync.Mutex
	started  time.Time
	open     map[string]time.Time
	elapsed  map[string]time.Duration
	now      func() time.Time
}

// NewTracer starts the total clock immediately.
func NewTracer() *Tracer {
	t := &Tracer{
		open:    make(map[string]time.Time),
		elapsed: make(map[string]time.Duration),
		now:     time.Now,
	}
	t.started = t.now()
	return t
}

// Start marks a stage's beginning and returns the function that ends it.
func (t *Tracer) Start(stage string) func() {
	t.mu.Lock()
	t.open[stage] = t.now()
	t.mu.Unlock()
	return func() { t.End(stage) }
}

// End closes a stage, accumulating into any earlier spans of the same
// stage. Ending a stage that was never started is a no-op.
func (t *Tracer) End(stage string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	start, ok := t.open[stage]
	if !ok {
		return
	}
	delete(t.open, stage)
	t.elapsed[stage] += t.now().Sub(start)
}

// Snapshot builds the trace document, closing the total clock. The
// converter's own trace blob rides along untouched.
func (t *Tracer) Snapshot(converterTrace json.RawMessage) *Trace {
	t.mu.Lock()
	defer t.mu.Unlock()

	stages := make(map[string]float64, len(t.elapsed)+1)
	for stage, d := range t.elapsed {
		stages[stage] = float64(d.Microseconds()) / 1000.0
	}
	stages[StageTotal] = float64(t.now().Sub(t.started).Microseconds()) / 1000.0

	return &Trace{StagesMS: stages, Converter: converterTrace}
}
