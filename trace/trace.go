// Package trace records the execution trace of one outlet request.
//
// A Tracer owns one Trace. Spans are opened with RecordSpan, which also closes whatever span
// was current, so the common case reads as a sequence of steps:
//
//	inputValidation ─▶ connectToServer ─▶ executeCall
//	                                        └─ executeCall.<child spans from the server>
//
// Traces returned by a downstream server are folded in with MergeChildTrace. That input is
// untrusted: merging never fails, malformed data ends up in spans marked IsValid=false.
package trace

import (
	"maps"
	"sync"
	"time"
)

type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

func statusFor(success bool) Status {
	if success {
		return StatusSuccess
	}
	return StatusError
}

// Span is one timed unit of work. StartTime and Duration are milliseconds.
type Span struct {
	Seq       string         `json:"seq"`
	ParentSeq *string        `json:"parentSeq"`
	StartTime float64        `json:"startTime"`
	Duration  *float64       `json:"duration"`
	Status    Status         `json:"status"`
	Error     *string        `json:"error"`
	Data      map[string]any `json:"data"`
	IsValid   bool           `json:"isValid"`
}

func (s *Span) running() bool { return s.Status == StatusRunning }

func (s *Span) finish(status Status, errMsg string, now time.Time) {
	d := millis(now) - s.StartTime
	if d < 0 {
		d = 0
	}
	s.Duration = &d
	s.Status = status
	if errMsg != "" {
		s.Error = &errMsg
	}
}

func (s Span) clone() Span {
	out := s
	if s.ParentSeq != nil {
		p := *s.ParentSeq
		out.ParentSeq = &p
	}
	if s.Duration != nil {
		d := *s.Duration
		out.Duration = &d
	}
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	out.Data = cloneMap(s.Data)
	return out
}

// Trace is the finalized snapshot returned by GetTrace.
type Trace struct {
	TraceID   string         `json:"traceId"`
	StartTime time.Time      `json:"startTime"`
	EndTime   *time.Time     `json:"endTime"`
	Data      map[string]any `json:"data"`
	Spans     []Span         `json:"spans"`
	IsValid   bool           `json:"isValid"`
}

// Find returns the first span with the given seq.
func (t Trace) Find(seq string) (Span, bool) {
	for _, s := range t.Spans {
		if s.Seq == seq {
			return s, true
		}
	}
	return Span{}, false
}

type Tracer struct {
	mu sync.Mutex

	traceID       string
	startTime     time.Time
	endTime       *time.Time
	defaultParent *string
	spans         []*Span
	current       *Span
	data          map[string]any
	now           func() time.Time
}

type Option func(*Tracer)

// WithDefaultParent sets the parent of spans recorded without WithParent.
func WithDefaultParent(seq string) Option {
	return func(t *Tracer) { t.defaultParent = &seq }
}

func WithTraceData(data map[string]any) Option {
	return func(t *Tracer) { t.data = maps.Clone(data) }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracer) { t.now = now }
}

func New(traceID string, opts ...Option) *Tracer {
	t := &Tracer{traceID: traceID, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	t.startTime = t.now()
	return t
}

func (t *Tracer) TraceID() string { return t.traceID }

type spanConfig struct {
	parent *string
	data   map[string]any
}

type SpanOption func(*spanConfig)

func WithParent(seq string) SpanOption {
	return func(c *spanConfig) { c.parent = &seq }
}

func WithData(data map[string]any) SpanOption {
	return func(c *spanConfig) { c.data = maps.Clone(data) }
}

// RecordSpan closes the current span as successful and opens a new one.
func (t *Tracer) RecordSpan(name string, opts ...SpanOption) *SpanHandle {
	var cfg spanConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.current != nil && t.current.running() {
		t.current.finish(StatusSuccess, "", now)
	}

	parent := cfg.parent
	if parent == nil && t.defaultParent != nil {
		p := *t.defaultParent
		parent = &p
	}
	span := &Span{
		Seq:       name,
		ParentSeq: parent,
		StartTime: millis(now),
		Status:    StatusRunning,
		Data:      cfg.data,
		IsValid:   true,
	}
	t.spans = append(t.spans, span)
	t.current = span
	return &SpanHandle{tracer: t, span: span}
}

// AnnotateCurrent merges data into the current span, or into the last span when none is
// open. It is a no-op on an empty tracer.
func (t *Tracer) AnnotateCurrent(data map[string]any) {
	if len(data) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	target := t.current
	if target == nil && len(t.spans) > 0 {
		target = t.spans[len(t.spans)-1]
	}
	if target == nil {
		return
	}
	if target.Data == nil {
		target.Data = make(map[string]any, len(data))
	}
	maps.Copy(target.Data, data)
}

// GetTrace closes every open span with the given outcome, stamps the end time on the first
// call and returns a deep copy. Later calls return the same end time.
func (t *Tracer) GetTrace(lastSpanSuccess bool) Trace {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for _, s := range t.spans {
		if s.running() {
			s.finish(statusFor(lastSpanSuccess), "", now)
		}
	}
	if t.endTime == nil {
		t.endTime = &now
	}

	end := *t.endTime
	out := Trace{
		TraceID:   t.traceID,
		StartTime: t.startTime,
		EndTime:   &end,
		Data:      cloneMap(t.data),
		Spans:     make([]Span, len(t.spans)),
		IsValid:   true,
	}
	for i, s := range t.spans {
		out.Spans[i] = s.clone()
	}
	return out
}

// SpanHandle refers to one recorded span.
type SpanHandle struct {
	tracer *Tracer
	span   *Span
}

func (h *SpanHandle) Seq() string { return h.span.Seq }

// End closes the span. A nil err marks it successful. Ending a closed span does nothing.
func (h *SpanHandle) End(err error) {
	h.tracer.mu.Lock()
	defer h.tracer.mu.Unlock()

	if !h.span.running() {
		return
	}
	if err != nil {
		h.span.finish(StatusError, err.Error(), h.tracer.now())
		return
	}
	h.span.finish(StatusSuccess, "", h.tracer.now())
}

// Set stores one data key on the span.
func (h *SpanHandle) Set(key string, value any) {
	h.tracer.mu.Lock()
	defer h.tracer.mu.Unlock()

	if h.span.Data == nil {
		h.span.Data = make(map[string]any)
	}
	h.span.Data[key] = value
}

func millis(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Millisecond)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	default:
		return v
	}
}
