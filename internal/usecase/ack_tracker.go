package usecase

import (
	"context"
	"sync"

	"CandleFlow/internal/domain/models"
	domrepo "CandleFlow/internal/domain/repository"
	"CandleFlow/pkg/logger"
)

type ackEntry struct {
	commit  func(ctx context.Context) error
	lastSeq uint64           // records handed to the dispatcher up to and including this delivery
	windows map[string]int64 // symbol -> latest window start the delivery's trades fell into
}

// AckTracker holds source acknowledgements until the output derived from
// them has been flushed, then commits them in arrival order.
//
// Records handed straight to the dispatcher are covered once the flushed
// record count reaches the delivery's sequence number. Trades that went
// through the aggregator are covered once a candle for each window they
// touched has been flushed.
type AckTracker struct {
	metrics domrepo.Metrics
	log     *logger.Logger

	mu         sync.Mutex
	queue      []*ackEntry
	flushedSeq uint64
	watermark  map[string]int64
}

func NewAckTracker(metrics domrepo.Metrics, log *logger.Logger) *AckTracker {
	return &AckTracker{
		metrics:   metrics,
		log:       log,
		watermark: make(map[string]int64),
	}
}

// Track queues a delivery's commit. addedSeq is the dispatcher sequence after
// the delivery's records were added; windows may be nil. A delivery that
// becomes the head and is already covered is committed at once; one queued
// behind an existing head waits for the next flush or Release, so a head
// whose commit failed is not retried on every arrival.
func (t *AckTracker) Track(ctx context.Context, commit func(ctx context.Context) error, addedSeq uint64, windows map[string]int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	waiting := len(t.queue) > 0
	t.queue = append(t.queue, &ackEntry{commit: commit, lastSeq: addedSeq, windows: windows})
	if !waiting {
		t.releaseLocked(ctx)
	}
}

// OnFlushed records a successful flush and releases covered acknowledgements.
// It matches FlushHook.
func (t *AckTracker) OnFlushed(ctx context.Context, batch []models.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.flushedSeq += uint64(len(batch))
	for _, rec := range batch {
		c, ok := rec.(models.Candle)
		if !ok {
			continue
		}
		if w, seen := t.watermark[c.Symbol]; !seen || c.WindowStartMs > w {
			t.watermark[c.Symbol] = c.WindowStartMs
		}
	}
	t.releaseLocked(ctx)
}

// Release retries commits that are covered but were not yet acknowledged.
func (t *AckTracker) Release(ctx context.Context) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.releaseLocked(ctx)
}

// Outstanding returns the number of deliveries waiting for acknowledgement.
func (t *AckTracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

func (t *AckTracker) releaseLocked(ctx context.Context) int {
	released := 0
	for len(t.queue) > 0 {
		head := t.queue[0]
		if !t.coveredLocked(head) {
			break
		}
		if head.commit != nil {
			if err := head.commit(ctx); err != nil {
				t.metrics.RecordError("ack_commit")
				t.log.Error("failed to acknowledge delivery", logger.Error(err))
				break
			}
		}
		t.queue[0] = nil
		t.queue = t.queue[1:]
		released++
	}
	return released
}

func (t *AckTracker) coveredLocked(e *ackEntry) bool {
	if t.flushedSeq < e.lastSeq {
		return false
	}
	for sym, start := range e.windows {
		w, ok := t.watermark[sym]
		if !ok || w < start {
			return false
		}
	}
	return true
}
