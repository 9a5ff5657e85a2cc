// Package tracing provides lightweight span tracing for vtpmd.
//
// It is compatible with OpenTelemetry concepts but does not require the
// OpenTelemetry SDK: spans carry attributes, events and a status, trace
// context propagates through context.Context, and span context can be
// exchanged in the W3C Trace Context format. Tracing is disabled by
// default; enabling it exports spans as JSON lines.
package tracing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// TraceID is a unique identifier for a trace.
type TraceID [16]byte

// String returns the hex representation of the TraceID.
func (t TraceID) String() string {
	return hex.EncodeToString(t[:])
}

// IsValid returns true if the TraceID is non-zero.
func (t TraceID) IsValid() bool {
	for _, b := range t {
		if b != 0 {
			return true
		}
	}
	return false
}

// SpanID is a unique identifier for a span.
type SpanID [8]byte

// String returns the hex representation of the SpanID.
func (s SpanID) String() string {
	return hex.EncodeToString(s[:])
}

// IsValid returns true if the SpanID is non-zero.
func (s SpanID) IsValid() bool {
	for _, b := range s {
		if b != 0 {
			return true
		}
	}
	return false
}

// StatusCode represents the status of a span.
type StatusCode int

const (
	// StatusUnset is the default status.
	StatusUnset StatusCode = iota
	// StatusOK indicates success.
	StatusOK
	// StatusError indicates an error occurred.
	StatusError
)

// String returns the string representation of StatusCode.
func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "unset"
	}
}

// Attribute represents a key-value pair attached to a span.
type Attribute struct {
	Key   string
	Value any
}

// Event represents an event that occurred during a span.
type Event struct {
	Name       string
	Timestamp  time.Time
	Attributes []Attribute
}

// SpanContext contains the trace context information.
type SpanContext struct {
	TraceID    TraceID
	SpanID     SpanID
	TraceFlags byte
	Remote     bool
}

// IsValid returns true if the SpanContext is valid.
func (sc SpanContext) IsValid() bool {
	return sc.TraceID.IsValid() && sc.SpanID.IsValid()
}

// IsSampled returns true if the span should be sampled.
func (sc SpanContext) IsSampled() bool {
	return sc.TraceFlags&0x01 != 0
}

// Span represents a unit of work or operation.
type Span struct {
	mu         sync.RWMutex
	tracer     *Tracer
	name       string
	context    SpanContext
	parent     SpanContext
	startTime  time.Time
	endTime    time.Time
	attributes []Attribute
	events     []Event
	status     StatusCode
	statusMsg  string
	ended      atomic.Bool
}

// Context returns the span's context.
func (s *Span) Context() SpanContext {
	return s.context
}

// SetAttribute sets an attribute on the span.
func (s *Span) SetAttribute(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attributes = append(s.attributes, Attribute{Key: key, Value: value})
}

// AddEvent adds an event to the span.
func (s *Span) AddEvent(name string, attrs ...Attribute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, Event{
		Name:       name,
		Timestamp:  time.Now(),
		Attributes: attrs,
	})
}

// SetStatus sets the span status.
func (s *Span) SetStatus(code StatusCode, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = code
	s.statusMsg = message
}

// RecordError records an error on the span.
func (s *Span) RecordError(err error) {
	if err == nil {
		return
	}
	s.AddEvent("exception",
		Attribute{Key: "exception.type", Value: fmt.Sprintf("%T", err)},
		Attribute{Key: "exception.message", Value: err.Error()},
	)
	s.SetStatus(StatusError, err.Error())
}

// End ends the span and exports it.
func (s *Span) End() {
	if s.ended.Swap(true) {
		return // Already ended
	}

	s.mu.Lock()
	s.endTime = time.Now()
	s.mu.Unlock()

	if s.tracer != nil && s.tracer.exporter != nil {
		s.tracer.exporter.ExportSpan(s)
	}
}

// SpanData is a serializable snapshot of a span.
type SpanData struct {
	Name       string         `json:"name"`
	TraceID    string         `json:"trace_id"`
	SpanID     string         `json:"span_id"`
	ParentID   string         `json:"parent_id,omitempty"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    time.Time      `json:"end_time"`
	Duration   time.Duration  `json:"duration_ns"`
	Status     string         `json:"status"`
	StatusMsg  string         `json:"status_message,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Events     []EventData    `json:"events,omitempty"`
}

// EventData is a serializable event.
type EventData struct {
	Name       string         `json:"name"`
	Timestamp  time.Time      `json:"timestamp"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Data returns the span data as a SpanData struct.
func (s *Span) Data() SpanData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	attrs := make(map[string]any, len(s.attributes))
	for _, a := range s.attributes {
		attrs[a.Key] = a.Value
	}

	events := make([]EventData, len(s.events))
	for i, e := range s.events {
		eventAttrs := make(map[string]any, len(e.Attributes))
		for _, a := range e.Attributes {
			eventAttrs[a.Key] = a.Value
		}
		events[i] = EventData{
			Name:       e.Name,
			Timestamp:  e.Timestamp,
			Attributes: eventAttrs,
		}
	}

	parentID := ""
	if s.parent.SpanID.IsValid() {
		parentID = s.parent.SpanID.String()
	}

	return SpanData{
		Name:       s.name,
		TraceID:    s.context.TraceID.String(),
		SpanID:     s.context.SpanID.String(),
		ParentID:   parentID,
		StartTime:  s.startTime,
		EndTime:    s.endTime,
		Duration:   s.endTime.Sub(s.startTime),
		Status:     s.status.String(),
		StatusMsg:  s.statusMsg,
		Attributes: attrs,
		Events:     events,
	}
}

// Exporter exports spans.
type Exporter interface {
	ExportSpan(span *Span)
	Shutdown() error
}

// FileExporter exports spans to a file as JSON lines.
type FileExporter struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
}

// NewFileExporter creates a new FileExporter.
func NewFileExporter(path string) (*FileExporter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, err
	}
	return &FileExporter{
		file:    f,
		encoder: json.NewEncoder(f),
	}, nil
}

// ExportSpan exports a span to the file.
func (e *FileExporter) ExportSpan(span *Span) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.encoder.Encode(span.Data())
}

// Shutdown closes the file.
func (e *FileExporter) Shutdown() error {
	return e.file.Close()
}

// NoopExporter is an exporter that does nothing.
type NoopExporter struct{}

// ExportSpan does nothing.
func (e *NoopExporter) ExportSpan(span *Span) {}

// Shutdown does nothing.
func (e *NoopExporter) Shutdown() error { return nil }

// TracerConfig configures a tracer.
type TracerConfig struct {
	ServiceName string
	Exporter    Exporter
	Enabled     bool
}

// Tracer creates spans.
type Tracer struct {
	serviceName string
	exporter    Exporter
	enabled     bool
}

// NewTracer creates a new Tracer.
func NewTracer(cfg *TracerConfig) *Tracer {
	if cfg == nil {
		cfg = &TracerConfig{}
	}

	exporter := cfg.Exporter
	if exporter == nil {
		exporter = &NoopExporter{}
	}

	return &Tracer{
		serviceName: cfg.ServiceName,
		exporter:    exporter,
		enabled:     cfg.Enabled,
	}
}

// Start starts a new span. On a disabled tracer the returned span is
// inert: attributes and End are accepted and dropped.
func (t *Tracer) Start(ctx context.Context, name string) (context.Context, *Span) {
	if !t.enabled {
		return ctx, &Span{name: name}
	}

	parent := SpanFromContext(ctx)
	var parentContext SpanContext
	if parent != nil {
		parentContext = parent.Context()
	}

	var traceID TraceID
	if parentContext.TraceID.IsValid() {
		traceID = parentContext.TraceID
	} else {
		rand.Read(traceID[:])
	}

	var spanID SpanID
	rand.Read(spanID[:])

	span := &Span{
		tracer: t,
		name:   name,
		context: SpanContext{
			TraceID:    traceID,
			SpanID:     spanID,
			TraceFlags: 0x01,
		},
		parent:    parentContext,
		startTime: time.Now(),
	}

	if t.serviceName != "" {
		span.SetAttribute("service.name", t.serviceName)
	}

	return ContextWithSpan(ctx, span), span
}

// Context key for spans.
type spanContextKey struct{}

// ContextWithSpan returns a new context with the span.
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	return context.WithValue(ctx, spanContextKey{}, span)
}

// SpanFromContext returns the span from the context.
func SpanFromContext(ctx context.Context) *Span {
	if ctx == nil {
		return nil
	}
	if span, ok := ctx.Value(spanContextKey{}).(*Span); ok {
		return span
	}
	return nil
}

// Global tracer.
var (
	globalMu     sync.RWMutex
	globalTracer *Tracer
)

// GetTracer returns the global tracer, disabled by default.
func GetTracer() *Tracer {
	globalMu.RLock()
	t := globalTracer
	globalMu.RUnlock()
	if t != nil {
		return t
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalTracer == nil {
		globalTracer = NewTracer(&TracerConfig{ServiceName: "vtpmd"})
	}
	return globalTracer
}

// InitTracer initializes the global tracer with the given config.
func InitTracer(cfg *TracerConfig) *Tracer {
	t := NewTracer(cfg)
	globalMu.Lock()
	globalTracer = t
	globalMu.Unlock()
	return t
}

// Shutdown shuts down the global tracer.
func Shutdown() error {
	globalMu.RLock()
	t := globalTracer
	globalMu.RUnlock()
	if t != nil && t.exporter != nil {
		return t.exporter.Shutdown()
	}
	return nil
}

// StartSpan starts a span using the global tracer.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	return GetTracer().Start(ctx, name)
}

// Trace is a convenience function for tracing a function.
func Trace(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := StartSpan(ctx, name)
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
	} else {
		span.SetStatus(StatusOK, "")
	}
	return err
}

// W3C Trace Context parsing and formatting.

// ParseTraceParent parses a W3C traceparent header.
func ParseTraceParent(header string) (SpanContext, error) {
	// Format: version-traceId-parentId-flags
	// Example: 00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01

	if len(header) != 55 {
		return SpanContext{}, fmt.Errorf("invalid traceparent length")
	}

	if header[2] != '-' || header[35] != '-' || header[52] != '-' {
		return SpanContext{}, fmt.Errorf("invalid traceparent format")
	}

	version := header[0:2]
	if version != "00" {
		return SpanContext{}, fmt.Errorf("unsupported traceparent version: %s", version)
	}

	var traceID TraceID
	traceIDBytes, err := hex.DecodeString(header[3:35])
	if err != nil {
		return SpanContext{}, fmt.Errorf("invalid trace ID: %w", err)
	}
	copy(traceID[:], traceIDBytes)

	var spanID SpanID
	spanIDBytes, err := hex.DecodeString(header[36:52])
	if err != nil {
		return SpanContext{}, fmt.Errorf("invalid span ID: %w", err)
	}
	copy(spanID[:], spanIDBytes)

	flags := byte(0)
	if header[53:55] == "01" {
		flags = 0x01
	}

	return SpanContext{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	}, nil
}

// FormatTraceParent formats a SpanContext as a W3C traceparent header.
func FormatTraceParent(sc SpanContext) string {
	flags := "00"
	if sc.IsSampled() {
		flags = "01"
	}
	return fmt.Sprintf("00-%s-%s-%s", sc.TraceID.String(), sc.SpanID.String(), flags)
}
