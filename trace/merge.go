package trace

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

const (
	unknownSpan = "unknown_span"
	parseError  = "parse_error"
)

// MergeChildTrace folds a trace produced by a nested operation into t.
//
// candidate is usually the decoded result._meta.trace of a proxied call, so it may be a
// Trace, a *Trace, a []Span, a generic JSON value or nil. Spans of a well-formed trace are
// renamed baseSeq.<seq>; their roots are parented to parentSeq. Spans without a status get
// the status implied by isSuccess. Each merged span carries extra in its data.
//
// A nil candidate means there was no nested trace: extra is attached to the current span so
// captured data is not lost. MergeChildTrace never panics.
func (t *Tracer) MergeChildTrace(baseSeq, parentSeq string, isSuccess bool, candidate any, extra map[string]any) {
	if candidate == nil {
		t.AnnotateCurrent(extra)
		return
	}

	now := t.now()
	status := statusFor(isSuccess)

	spans, childData, err := buildChildSpans(baseSeq, parentSeq, status, candidate, extra, now)
	if err != nil {
		spans = []*Span{errorSpan(baseSeq, parentSeq, status, candidate, extra, now, err)}
		childData = nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.spans = append(t.spans, spans...)
	if childData != nil {
		if t.data == nil {
			t.data = make(map[string]any)
		}
		list, _ := t.data["childTraces"].([]any)
		t.data["childTraces"] = append(list, childData)
	}
}

func buildChildSpans(baseSeq, parentSeq string, status Status, candidate any, extra map[string]any, now time.Time) (spans []*Span, childData map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			spans, childData, err = nil, nil, fmt.Errorf("%v", r)
		}
	}()

	generic, err := toGeneric(candidate)
	if err != nil {
		return nil, nil, err
	}

	switch v := generic.(type) {
	case map[string]any:
		list, hasSpans := v["spans"].([]any)
		if !hasSpans {
			return []*Span{fallbackSpan(baseSeq, parentSeq, status, v, extra, now)}, nil, nil
		}
		valid := isValidTrace(v)
		spans = spansFromList(baseSeq, parentSeq, status, list, extra, now, valid)
		if len(spans) == 0 && !valid {
			spans = []*Span{fallbackSpan(baseSeq, parentSeq, status, v, extra, now)}
		}
		if data, ok := v["data"].(map[string]any); ok {
			childData = data
		}
		return spans, childData, nil
	case []any:
		spans = spansFromList(baseSeq, parentSeq, status, v, extra, now, false)
		if len(spans) == 0 {
			spans = []*Span{fallbackSpan(baseSeq, parentSeq, status, v, extra, now)}
		}
		return spans, nil, nil
	default:
		return []*Span{fallbackSpan(baseSeq, parentSeq, status, v, extra, now)}, nil, nil
	}
}

// toGeneric round-trips typed candidates through JSON so every shape is inspected the
// same way a trace received off the wire would be.
func toGeneric(candidate any) (any, error) {
	switch v := candidate.(type) {
	case map[string]any, []any, string, float64, bool:
		return v, nil
	case json.RawMessage:
		var out any
		if err := json.Unmarshal(v, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	raw, err := json.Marshal(candidate)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func isValidTrace(v map[string]any) bool {
	if _, ok := v["traceId"].(string); !ok {
		return false
	}
	if valid, ok := v["isValid"]; ok {
		if _, isBool := valid.(bool); !isBool {
			return false
		}
	}
	list, ok := v["spans"].([]any)
	if !ok {
		return false
	}
	for _, item := range list {
		if !isValidSpan(item) {
			return false
		}
	}
	return true
}

func isValidSpan(item any) bool {
	s, ok := item.(map[string]any)
	if !ok {
		return false
	}
	if _, ok := s["seq"].(string); !ok {
		return false
	}
	if _, ok := s["startTime"].(float64); !ok {
		return false
	}
	if st, ok := s["status"]; ok && st != nil {
		str, isString := st.(string)
		if !isString || !knownStatus(Status(str)) {
			return false
		}
	}
	if valid, ok := s["isValid"]; ok {
		if _, isBool := valid.(bool); !isBool {
			return false
		}
	}
	for _, key := range []string{"parentSeq", "error"} {
		if val, ok := s[key]; ok && val != nil {
			if _, isString := val.(string); !isString {
				return false
			}
		}
	}
	if d, ok := s["duration"]; ok && d != nil {
		if _, isNumber := d.(float64); !isNumber {
			return false
		}
	}
	if d, ok := s["data"]; ok && d != nil {
		if _, isMap := d.(map[string]any); !isMap {
			return false
		}
	}
	return true
}

func knownStatus(s Status) bool {
	return s == StatusRunning || s == StatusSuccess || s == StatusError
}

// spansFromList converts span-like objects. When the list belongs to a valid trace, each
// span keeps its own isValid flag; otherwise every produced span is marked invalid.
func spansFromList(baseSeq, parentSeq string, status Status, list []any, extra map[string]any, now time.Time, valid bool) []*Span {
	spans := make([]*Span, 0, len(list))
	for _, item := range list {
		s, ok := item.(map[string]any)
		if !ok {
			continue
		}

		seq, _ := s["seq"].(string)
		if seq == "" {
			seq = unknownSpan
		}
		parent := parentSeq
		if p, ok := s["parentSeq"].(string); ok && p != "" {
			parent = baseSeq + "." + p
		}

		span := &Span{
			Seq:       baseSeq + "." + seq,
			ParentSeq: &parent,
			StartTime: millis(now),
			Status:    status,
			Data:      maps.Clone(extra),
			IsValid:   false,
		}
		if st, ok := s["startTime"].(float64); ok {
			span.StartTime = st
		}
		if d, ok := s["duration"].(float64); ok {
			span.Duration = &d
		}
		if st, ok := s["status"].(string); ok && knownStatus(Status(st)) && Status(st) != StatusRunning {
			span.Status = Status(st)
		}
		if e, ok := s["error"].(string); ok {
			span.Error = &e
		}
		if d, ok := s["data"].(map[string]any); ok && len(d) > 0 {
			if span.Data == nil {
				span.Data = make(map[string]any, len(d))
			}
			maps.Copy(span.Data, d)
		}
		if valid {
			span.IsValid = true
			if v, ok := s["isValid"].(bool); ok {
				span.IsValid = v
			}
		}
		spans = append(spans, span)
	}
	return spans
}

func fallbackSpan(baseSeq, parentSeq string, status Status, candidate any, extra map[string]any, now time.Time) *Span {
	name := unknownSpan
	if m, ok := candidate.(map[string]any); ok {
		if id, ok := m["traceId"].(string); ok && id != "" {
			name = id
		} else if seq, ok := m["seq"].(string); ok && seq != "" {
			name = seq
		}
	}

	data := maps.Clone(extra)
	if data == nil {
		data = make(map[string]any, 1)
	}
	data["childTrace"] = candidate

	zero := 0.0
	parent := parentSeq
	return &Span{
		Seq:       baseSeq + "." + name,
		ParentSeq: &parent,
		StartTime: millis(now),
		Duration:  &zero,
		Status:    status,
		Data:      data,
		IsValid:   false,
	}
}

func errorSpan(baseSeq, parentSeq string, status Status, candidate any, extra map[string]any, now time.Time, err error) *Span {
	data := maps.Clone(extra)
	if data == nil {
		data = make(map[string]any, 1)
	}
	data["childTrace"] = fmt.Sprintf("%v", candidate)

	zero := 0.0
	parent := parentSeq
	msg := err.Error()
	return &Span{
		Seq:       baseSeq + "." + parseError,
		ParentSeq: &parent,
		StartTime: millis(now),
		Duration:  &zero,
		Status:    status,
		Error:     &msg,
		Data:      data,
		IsValid:   false,
	}
}
