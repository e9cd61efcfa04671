package tracing

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawworker/internal/store"
)

const (
	flushInterval = 5 * time.Second
	flushAt       = 200  // pending spans that trigger an early flush
	maxPending    = 1000 // spans beyond this are dropped until the next flush
	flushTimeout  = 10 * time.Second
	previewMaxLen = 500
)

// SpanExporter receives every flushed batch in addition to the store.
// otelexport provides the OTLP implementation.
type SpanExporter interface {
	ExportSpans(ctx context.Context, spans []store.SpanData)
	Shutdown(ctx context.Context) error
}

// Collector writes one trace row per run synchronously and batches the
// run's spans, flushing them on a timer or once flushAt accumulate. Either
// sink may be absent: with a nil store spans only reach the exporter.
type Collector struct {
	store    store.TracingStore
	exporter SpanExporter
	verbose  bool

	mu      sync.Mutex
	pending []store.SpanData
	dirty   map[uuid.UUID]struct{}
	dropped int

	kick chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewCollector returns a collector over ts, which may be nil. Setting
// CLAW_TRACE_VERBOSE records the last prompt message on LLM spans.
func NewCollector(ts store.TracingStore) *Collector {
	c := &Collector{
		store:   ts,
		verbose: os.Getenv("CLAW_TRACE_VERBOSE") != "",
		dirty:   make(map[uuid.UUID]struct{}),
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	if c.verbose {
		slog.Info("tracing: verbose LLM spans enabled")
	}
	return c
}

func (c *Collector) Verbose() bool { return c.verbose }

// SetExporter must be called before Start.
func (c *Collector) SetExporter(exp SpanExporter) { c.exporter = exp }

func (c *Collector) Start() {
	c.wg.Go(c.run)
	slog.Info("tracing collector started")
}

// Stop flushes what is pending, then shuts the exporter down.
func (c *Collector) Stop() {
	close(c.stop)
	c.wg.Wait()

	if c.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.exporter.Shutdown(ctx); err != nil {
			slog.Warn("tracing: exporter shutdown", "error", err)
		}
	}
	slog.Info("tracing collector stopped")
}

// CreateTrace assigns an ID when missing and inserts the trace row.
func (c *Collector) CreateTrace(ctx context.Context, trace *store.TraceData) error {
	if trace.ID == uuid.Nil {
		trace.ID = store.GenNewID()
	}
	if c.store == nil {
		return nil
	}
	return c.store.CreateTrace(ctx, trace)
}

func (c *Collector) UpdateTrace(ctx context.Context, traceID uuid.UUID, updates map[string]any) error {
	if c.store == nil {
		return nil
	}
	return c.store.UpdateTrace(ctx, traceID, updates)
}

// EmitSpan queues a span without blocking. Spans past maxPending are
// counted and dropped.
func (c *Collector) EmitSpan(span store.SpanData) {
	if span.ID == uuid.Nil {
		span.ID = store.GenNewID()
	}
	if span.CreatedAt.IsZero() {
		span.CreatedAt = time.Now().UTC()
	}

	c.mu.Lock()
	if len(c.pending) >= maxPending {
		c.dropped++
		c.mu.Unlock()
		return
	}
	c.pending = append(c.pending, span)
	c.dirty[span.TraceID] = struct{}{}
	full := len(c.pending) >= flushAt
	c.mu.Unlock()

	if full {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
}

// FinishTrace records the final status and queues the trace for an
// aggregate refresh on the next flush.
func (c *Collector) FinishTrace(ctx context.Context, traceID uuid.UUID, status, errMsg, outputPreview string) {
	updates := map[string]any{"status": status, "end_time": time.Now().UTC()}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	if outputPreview != "" {
		updates["output_preview"] = truncatePreview(outputPreview)
	}
	if err := c.UpdateTrace(ctx, traceID, updates); err != nil {
		slog.Warn("tracing: finish trace", "trace_id", traceID, "error", err)
	}

	c.mu.Lock()
	c.dirty[traceID] = struct{}{}
	c.mu.Unlock()
}

func (c *Collector) run() {
	t := time.NewTicker(flushInterval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			c.flush()
			return
		case <-t.C:
		case <-c.kick:
		}
		c.flush()
	}
}

// drain takes the pending spans.
func (c *Collector) drain() []store.SpanData {
	c.mu.Lock()
	defer c.mu.Unlock()
	spans := c.pending
	c.pending = nil
	if c.dropped > 0 {
		slog.Warn("tracing: span buffer full, spans dropped", "count", c.dropped)
		c.dropped = 0
	}
	return spans
}

func (c *Collector) takeDirty() map[uuid.UUID]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	dirty := c.dirty
	c.dirty = make(map[uuid.UUID]struct{})
	return dirty
}

// flush writes spans to both sinks concurrently, then refreshes trace
// aggregates once the span rows are in.
func (c *Collector) flush() {
	spans := c.drain()
	dirty := c.takeDirty()
	if len(spans) == 0 && len(dirty) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	var wg sync.WaitGroup
	if len(spans) > 0 && c.store != nil {
		wg.Go(func() {
			if err := c.store.BatchCreateSpans(ctx, spans); err != nil {
				slog.Warn("tracing: span insert", "count", len(spans), "error", err)
				return
			}
			slog.Debug("tracing: flushed spans", "count", len(spans))
		})
	}
	if len(spans) > 0 && c.exporter != nil {
		wg.Go(func() { c.exporter.ExportSpans(ctx, spans) })
	}
	wg.Wait()

	if c.store == nil {
		return
	}
	for id := range dirty {
		if err := c.store.BatchUpdateTraceAggregates(ctx, id); err != nil {
			slog.Warn("tracing: aggregate update", "trace_id", id, "error", err)
		}
	}
}

// truncatePreview drops invalid UTF-8 and caps s at previewMaxLen bytes on
// a rune boundary.
func truncatePreview(s string) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= previewMaxLen {
		return s
	}
	cut := previewMaxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
