// Package audit writes per-request guardrail decisions as JSON Lines to
// stdout or a file. Records are fed through a buffered channel and written
// by a single background goroutine; when the channel is full the record is
// dropped and counted, never blocking the request path.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/aimguard/gateway/internal/domain/guardrail"
)

// Record is one audit entry: the guardrail decision for one side of one
// request. Content itself is never recorded; identities are stored as
// xxhash digests so the audit stream carries no raw user identifiers.
type Record struct {
	ID             string                 `json:"id"`
	Time           time.Time              `json:"time"`
	RequestID      string                 `json:"request_id,omitempty"`
	IdentityHash   string                 `json:"identity_hash,omitempty"`
	Side           guardrail.Side         `json:"side"`
	UseCase        guardrail.UseCase      `json:"use_case"`
	Allowed        bool                   `json:"allowed"`
	BlockedBy      *guardrail.GuardrailType `json:"blocked_by,omitempty"`
	BudgetExceeded bool                   `json:"budget_exceeded"`
	LatencyMS      int64                  `json:"latency_ms"`
	Checks         []CheckSummary         `json:"checks,omitempty"`
}

// CheckSummary is the per-checker slice of a Record.
type CheckSummary struct {
	Type      guardrail.GuardrailType `json:"type"`
	Variant   string                  `json:"variant,omitempty"`
	Passed    bool                    `json:"passed"`
	Action    guardrail.Action        `json:"action,omitempty"`
	ErrorKind string                  `json:"error_kind,omitempty"`
}

// Config configures the writer.
type Config struct {
	// Output is "stdout" or "file://<absolute-path>".
	Output string
	// ChannelSize is the buffer between request goroutines and the writer.
	ChannelSize int
	// FlushInterval bounds how long a record may sit in the bufio layer.
	FlushInterval time.Duration
}

// Writer is the async audit sink.
type Writer struct {
	ch      chan Record
	done    chan struct{}
	once    sync.Once
	drops   atomic.Int64
	out     io.WriteCloser
	closeFn func() error
	logger  *slog.Logger
}

// NewWriter opens the configured output and starts the writer goroutine.
func NewWriter(cfg Config, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChannelSize <= 0 {
		cfg.ChannelSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}

	var out io.WriteCloser
	closeFn := func() error { return nil }
	switch {
	case cfg.Output == "" || cfg.Output == "stdout":
		out = os.Stdout
	case strings.HasPrefix(cfg.Output, "file://"):
		path := strings.TrimPrefix(cfg.Output, "file://")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("audit: open %s: %w", path, err)
		}
		out = f
		closeFn = f.Close
	default:
		return nil, fmt.Errorf("audit: unsupported output %q", cfg.Output)
	}

	w := &Writer{
		ch:      make(chan Record, cfg.ChannelSize),
		done:    make(chan struct{}),
		out:     out,
		closeFn: closeFn,
		logger:  logger,
	}
	go w.run(cfg.FlushInterval)
	return w, nil
}

// RecordOutcome builds and enqueues a Record for one pipeline run. It never
// blocks: a full channel drops the record and increments the drop counter.
func (w *Writer) RecordOutcome(requestID string, reqCtx guardrail.RequestContext, outcome guardrail.PipelineOutcome, latency time.Duration) {
	rec := Record{
		ID:             uuid.New().String(),
		Time:           time.Now().UTC(),
		RequestID:      requestID,
		Side:           reqCtx.Side,
		UseCase:        reqCtx.UseCase,
		Allowed:        outcome.Allowed,
		BlockedBy:      outcome.BlockedBy,
		BudgetExceeded: outcome.BudgetExceeded,
		LatencyMS:      latency.Milliseconds(),
	}
	if reqCtx.Identity != "" {
		rec.IdentityHash = HashIdentity(string(reqCtx.Identity))
	}
	for _, r := range outcome.Results {
		cs := CheckSummary{Type: r.Type, Variant: r.VariantID, Passed: r.Passed, Action: r.Action}
		if r.Error != nil {
			cs.ErrorKind = string(r.Error.Kind)
		}
		rec.Checks = append(rec.Checks, cs)
	}

	select {
	case w.ch <- rec:
	default:
		w.drops.Add(1)
	}
}

// HashIdentity returns the stable pseudonymous form of an identity used in
// audit records and the hash-identity CLI command.
func HashIdentity(identity string) string {
	return "xxh64:" + strconv.FormatUint(xxhash.Sum64String(identity), 16)
}

// Drops reports how many records were dropped due to backpressure.
func (w *Writer) Drops() int64 {
	return w.drops.Load()
}

// run drains the channel, writing one JSON line per record and flushing on
// the configured interval.
func (w *Writer) run(flushInterval time.Duration) {
	defer close(w.done)

	enc := json.NewEncoder(w.out)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-w.ch:
			if !ok {
				return
			}
			if err := enc.Encode(rec); err != nil {
				w.logger.Warn("audit write failed", "error", err)
			}
		case <-ticker.C:
			if f, ok := w.out.(*os.File); ok {
				_ = f.Sync()
			}
		}
	}
}

// Close stops the writer, drains buffered records, and closes the output.
// Safe to call multiple times.
func (w *Writer) Close() error {
	var err error
	w.once.Do(func() {
		close(w.ch)
		<-w.done
		err = w.closeFn()
	})
	return err
}
