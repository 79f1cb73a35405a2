package pagination

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/dataset-loader/pkg/dataset"
	"github.com/Sternrassler/dataset-loader/pkg/logging"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/Sternrassler/dataset-loader/pkg/pagination"

// Prometheus metrics for fetch sessions.
var (
	fetchPagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dataset_fetch_pages_total",
		Help: "Total number of pages received",
	})

	fetchRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dataset_fetch_records_total",
		Help: "Total number of normalized records appended",
	})

	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dataset_fetch_duration_seconds",
		Help:    "Full fetch duration by outcome",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"outcome"})
)

// Config holds fetcher configuration.
type Config struct {
	// PageSize is the fixed number of records requested per page
	PageSize int

	// Retry is the per-page retry policy
	Retry RetryConfig

	// Progress, if set, is called after every page with the session state
	Progress func(Progress)
}

// DefaultConfig returns the default fetcher configuration.
func DefaultConfig() Config {
	return Config{
		PageSize: 1000,
		Retry:    DefaultRetryConfig(),
	}
}

// PageSource fetches one raw page. Implemented by client.Client.
type PageSource interface {
	FetchPage(ctx context.Context, offset, limit int) ([]json.RawMessage, error)
}

// Page is one successfully received page.
type Page struct {
	SessionID string
	Number    int // 1-based
	Offset    int
	Items     []json.RawMessage
}

// Progress is a snapshot of a running fetch session.
type Progress struct {
	SessionID string
	Offset    int
	Pages     int
	Records   int
	Retries   int
}

// Result is the outcome of FetchAll. It is returned for every outcome,
// including terminal failure and cancellation.
type Result struct {
	SessionID string
	Records   []dataset.Record
	Pages     int
	Requests  int
	Retries   int
	Cancelled bool
}

// TerminalError reports a page that failed after all retry attempts.
// errors.Is(err, ErrRetryExhausted) holds, and the last cause is reachable
// through errors.As.
type TerminalError struct {
	SessionID string
	Offset    int
	Err       error
}

// Error implements the error interface.
func (e *TerminalError) Error() string {
	return fmt.Sprintf("fetch failed at offset %d: %v", e.Offset, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TerminalError) Unwrap() error {
	return e.Err
}

// Fetcher retrieves every page of a dataset sequentially.
// At most one FetchAll runs at a time.
type Fetcher struct {
	source PageSource
	config Config
	logger zerolog.Logger
	tracer trace.Tracer

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFetcher creates a new sequential fetcher.
func NewFetcher(source PageSource, config Config) *Fetcher {
	if source == nil {
		panic("page source cannot be nil")
	}
	if config.PageSize <= 0 {
		config.PageSize = DefaultConfig().PageSize
	}
	config.Retry = config.Retry.withDefaults()

	return &Fetcher{
		source: source,
		config: config,
		logger: logging.NewLogger("fetcher"),
		tracer: otel.Tracer(tracerName),
	}
}

// Config returns the fetcher configuration.
func (f *Fetcher) Config() Config {
	return f.config
}

// Cancel stops the active fetch, if any. The active FetchAll returns its
// partial result with Cancelled set.
func (f *Fetcher) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
	}
}

// Active reports whether a fetch is running.
func (f *Fetcher) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done != nil
}

// Stop cancels the active fetch, if any, and waits for FetchAll to return.
func (f *Fetcher) Stop() {
	f.mu.Lock()
	f.drainLocked()
	f.mu.Unlock()
}

// drainLocked must be called with f.mu held; it returns with f.mu held and
// no fetch running.
func (f *Fetcher) drainLocked() {
	for f.done != nil {
		f.cancel()
		prev := f.done
		f.mu.Unlock()
		<-prev
		f.mu.Lock()
	}
}

// begin cancels and waits for any running fetch, then claims the fetcher.
func (f *Fetcher) begin(ctx context.Context) (context.Context, func()) {
	f.mu.Lock()
	f.drainLocked()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	f.cancel, f.done = cancel, done
	f.mu.Unlock()

	return runCtx, func() {
		cancel()
		f.mu.Lock()
		f.cancel, f.done = nil, nil
		f.mu.Unlock()
		close(done)
	}
}

// FetchAll requests pages from offset 0 until a page shorter than PageSize
// arrives. onPage turns each raw page into records, which are appended to
// the result in offset order.
//
// A page that still fails after the retry policy ends the fetch with a
// *TerminalError; the Result then holds the records of all earlier pages.
// Cancellation (ctx or Cancel) is not an error: the partial Result is
// returned with Cancelled set.
func (f *Fetcher) FetchAll(ctx context.Context, onPage func(Page) []dataset.Record) (*Result, error) {
	runCtx, end := f.begin(ctx)
	defer end()

	start := time.Now()
	result := &Result{SessionID: uuid.NewString()}
	logger := logging.WithSession(f.logger, result.SessionID)

	runCtx, span := f.tracer.Start(runCtx, "pagination.FetchAll", trace.WithAttributes(
		attribute.String("session_id", result.SessionID),
		attribute.Int("page_size", f.config.PageSize),
	))
	defer span.End()

	logger.Info().
		Int("page_size", f.config.PageSize).
		Msg("Starting fetch")

	offset := 0
	for {
		if runCtx.Err() != nil {
			return f.cancelled(result, logger, span, start)
		}

		items, attempts, err := f.fetchPage(runCtx, logger, result.SessionID, offset)
		result.Requests += attempts
		if attempts > 1 {
			result.Retries += attempts - 1
		}
		if err != nil {
			if runCtx.Err() != nil {
				return f.cancelled(result, logger, span, start)
			}

			fetchDuration.WithLabelValues("failed").Observe(time.Since(start).Seconds())
			span.RecordError(err)
			span.SetStatus(codes.Error, "page retries exhausted")
			logger.Error().
				Err(err).
				Int("offset", offset).
				Int("pages", result.Pages).
				Int("records", len(result.Records)).
				Msg("Fetch failed, returning partial data")

			return result, &TerminalError{SessionID: result.SessionID, Offset: offset, Err: err}
		}

		result.Pages++
		fetchPagesTotal.Inc()

		records := onPage(Page{
			SessionID: result.SessionID,
			Number:    result.Pages,
			Offset:    offset,
			Items:     items,
		})
		result.Records = append(result.Records, records...)
		fetchRecordsTotal.Add(float64(len(records)))

		logger.Debug().
			Int("page", result.Pages).
			Int("offset", offset).
			Int("items", len(items)).
			Int("records", len(records)).
			Msg("Page received")

		if f.config.Progress != nil {
			f.config.Progress(Progress{
				SessionID: result.SessionID,
				Offset:    offset,
				Pages:     result.Pages,
				Records:   len(result.Records),
				Retries:   result.Retries,
			})
		}

		if len(items) < f.config.PageSize {
			break
		}
		offset += f.config.PageSize
	}

	fetchDuration.WithLabelValues("complete").Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("pages", result.Pages),
		attribute.Int("records", len(result.Records)),
	)
	logger.Info().
		Int("pages", result.Pages).
		Int("records", len(result.Records)).
		Int("requests", result.Requests).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return result, nil
}

// fetchPage requests one page with retries and returns the attempts made.
func (f *Fetcher) fetchPage(ctx context.Context, logger zerolog.Logger, sessionID string, offset int) ([]json.RawMessage, int, error) {
	ctx, span := f.tracer.Start(ctx, "pagination.page", trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.Int("offset", offset),
	))
	defer span.End()

	pageLogger := logger.With().Int("offset", offset).Logger()

	var items []json.RawMessage
	attempts, err := retryWithBackoff(ctx, f.config.Retry, pageLogger, func(int) error {
		page, err := f.source.FetchPage(ctx, offset, f.config.PageSize)
		if err != nil {
			return err
		}
		items = page
		return nil
	})

	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, attempts, err
	}
	span.SetAttributes(attribute.Int("items", len(items)))
	return items, attempts, nil
}

func (f *Fetcher) cancelled(result *Result, logger zerolog.Logger, span trace.Span, start time.Time) (*Result, error) {
	result.Cancelled = true
	fetchDuration.WithLabelValues("cancelled").Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Bool("cancelled", true))
	logger.Info().
		Int("pages", result.Pages).
		Int("records", len(result.Records)).
		Msg("Fetch cancelled, returning partial data")
	return result, nil
}
