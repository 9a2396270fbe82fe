// Package batch aggregates pending analysis requests into time-bounded
// windows and flushes each window as a single multi-part upstream call,
// demultiplexing the combined answer back to the waiting callers.
package batch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crowdsense/crowdsense-go/internal/domain"
	"github.com/crowdsense/crowdsense-go/internal/infra/observability"
	"github.com/crowdsense/crowdsense-go/internal/port"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FlushFunc issues one combined upstream call for a window's fragments and
// returns per-fragment people counts in input order. The orchestrator
// wires in a closure that applies breaker, key-rotation and quota checks.
type FlushFunc func(ctx context.Context, fragments []string) ([]int, error)

type entry struct {
	id  string
	req *domain.AnalysisRequest
	ch  chan *domain.AnalysisResult // buffered; delivery never blocks
}

type window struct {
	entries []entry
	timer   *time.Timer
	flushed bool // one-shot: size and timer triggers may race
	started time.Time
}

// Coordinator batches requests for one upstream service. A window flushes
// when it reaches maxSize entries or timeout elapses since its first entry,
// whichever comes first. Every admitted entry receives exactly one result:
// the parsed upstream segment, or a fallback estimate if the combined call
// fails.
type Coordinator struct {
	service   string
	maxSize   int
	timeout   time.Duration
	flush     FlushFunc
	estimator port.Estimator
	metrics   *observability.Metrics
	logger    *zap.Logger

	mu      sync.Mutex
	current *window
	waiters map[string]chan *domain.AnalysisResult
	stats   domain.BatchStats
}

// NewCoordinator creates a coordinator for one service.
func NewCoordinator(service string, maxSize int, timeout time.Duration, flush FlushFunc, estimator port.Estimator, metrics *observability.Metrics, logger *zap.Logger) *Coordinator {
	if maxSize <= 0 {
		maxSize = 5
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Coordinator{
		service:   service,
		maxSize:   maxSize,
		timeout:   timeout,
		flush:     flush,
		estimator: estimator,
		metrics:   metrics,
		logger:    logger,
		waiters:   make(map[string]chan *domain.AnalysisResult),
	}
}

// Enqueue admits a request into the current window (opening one if needed)
// and returns the ID to wait on.
func (c *Coordinator) Enqueue(req *domain.AnalysisRequest) string {
	c.mu.Lock()

	id := uuid.NewString()
	ch := make(chan *domain.AnalysisResult, 1)
	c.waiters[id] = ch
	c.stats.TotalRequests++

	if c.current == nil {
		w := &window{started: time.Now()}
		w.timer = time.AfterFunc(c.timeout, func() { c.flushWindow(w) })
		c.current = w
	}
	w := c.current
	w.entries = append(w.entries, entry{id: id, req: req, ch: ch})
	full := len(w.entries) >= c.maxSize

	c.mu.Unlock()

	if full {
		c.flushWindow(w)
	}
	return id
}

// Await blocks until the request's result arrives, the timeout elapses, or
// the caller's context is cancelled. Abandoning a wait does not affect the
// window's processing of other members.
func (c *Coordinator) Await(ctx context.Context, id string, timeout time.Duration) (*domain.AnalysisResult, error) {
	c.mu.Lock()
	ch, ok := c.waiters[id]
	c.mu.Unlock()
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "batch request", ID: id}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		c.forget(id)
		return res, nil
	case <-timer.C:
		c.forget(id)
		return nil, &domain.ErrBatchTimeout{RequestID: id}
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// Stats returns batching counters since startup.
func (c *Coordinator) Stats() domain.BatchStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Coordinator) forget(id string) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

// flushWindow executes the combined call for a window. Guarded so that the
// size trigger and the timer firing together still produce exactly one
// flush.
func (c *Coordinator) flushWindow(w *window) {
	c.mu.Lock()
	if w.flushed {
		c.mu.Unlock()
		return
	}
	w.flushed = true
	w.timer.Stop()
	if c.current == w {
		c.current = nil
	}
	entries := w.entries
	c.mu.Unlock()

	if len(entries) == 0 {
		return
	}

	// Higher-priority members go first in the combined prompt. The
	// response contract follows fragment order, so demux stays aligned.
	sort.SliceStable(entries, func(i, j int) bool {
		return priorityRank(entries[i].req.Priority) < priorityRank(entries[j].req.Priority)
	})

	fragments := make([]string, len(entries))
	for i, e := range entries {
		fragments[i] = e.req.Prompt
	}

	start := time.Now()
	counts, err := c.flush(context.Background(), fragments)
	elapsed := time.Since(start)

	c.metrics.RecordBatchFlush(len(entries))

	c.mu.Lock()
	if len(entries) > 1 {
		c.stats.BatchedRequests += int64(len(entries))
		c.stats.CallsSaved += int64(len(entries) - 1)
	}
	if err != nil {
		c.stats.FailedWindows++
	}
	c.mu.Unlock()

	if err != nil || len(counts) != len(entries) {
		c.logger.Warn("batch window failed, resolving members via fallback",
			zap.String("service", c.service),
			zap.Int("members", len(entries)),
			zap.Error(err),
		)
		for _, e := range entries {
			res := c.estimator.Estimate(context.Background(), e.req)
			res.ResponseTime = elapsed
			e.ch <- res
		}
		return
	}

	perMember := elapsed / time.Duration(len(entries))
	now := time.Now()
	for i, e := range entries {
		e.ch <- &domain.AnalysisResult{
			PeopleCount:     counts[i],
			ConfidenceLevel: domain.ConfidenceHigh,
			Source:          domain.SourceAPI,
			DataQuality:     domain.QualityExcellent,
			ResponseTime:    perMember,
			Timestamp:       now,
		}
	}
}

func priorityRank(p string) int {
	switch p {
	case "high":
		return 0
	case "", "medium":
		return 1
	default:
		return 2
	}
}
