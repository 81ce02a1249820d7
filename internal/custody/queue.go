package custody

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"
)

const (
	defaultQueueDepth  = 256
	defaultMaxAttempts = 5
	baseRetryDelay     = 2 * time.Second
)

// Settlement is a mirroring job awaiting a successful custody submission.
type Settlement struct {
	TradeID     string
	From        string
	To          string
	AgreementID string
	Amount      *big.Int
	attempts    int
}

// RetryQueue replays failed custody mirrorings out-of-band. A single worker
// drains the queue with per-job exponential backoff; after the attempt budget
// is exhausted the job is dropped and logged for manual reconciliation.
type RetryQueue struct {
	custody  Custody
	onSettle func(ctx context.Context, tradeID, reference string)
	logger   *slog.Logger

	jobs   chan Settlement
	done   chan struct{}
	wg     sync.WaitGroup
	closed sync.Once
}

// NewRetryQueue starts the retry worker. onSettle is invoked once a replay
// finally succeeds, letting the marketplace backfill the trade's settlement
// reference; it may be nil.
func NewRetryQueue(c Custody, onSettle func(ctx context.Context, tradeID, reference string), logger *slog.Logger) *RetryQueue {
	q := &RetryQueue{
		custody:  c,
		onSettle: onSettle,
		logger:   logger,
		jobs:     make(chan Settlement, defaultQueueDepth),
		done:     make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Enqueue schedules a failed mirroring for replay. A full queue drops the job
// rather than blocking the request path.
func (q *RetryQueue) Enqueue(job Settlement) {
	select {
	case q.jobs <- job:
	default:
		q.logger.Error("custody retry queue full, dropping settlement",
			"trade_id", job.TradeID, "agreement_id", job.AgreementID)
	}
}

// Close stops the worker after the in-flight job completes.
func (q *RetryQueue) Close() {
	q.closed.Do(func() {
		close(q.done)
	})
	q.wg.Wait()
}

func (q *RetryQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case job := <-q.jobs:
			q.attempt(job)
		}
	}
}

func (q *RetryQueue) attempt(job Settlement) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ref, err := q.custody.RecordSettlement(ctx, job.From, job.To, job.AgreementID, job.Amount)
	if err == nil {
		q.logger.Info("custody settlement mirrored on retry",
			"trade_id", job.TradeID, "reference", ref, "attempts", job.attempts+1)
		if q.onSettle != nil {
			q.onSettle(ctx, job.TradeID, ref)
		}
		return
	}

	job.attempts++
	if job.attempts >= defaultMaxAttempts {
		q.logger.Error("custody settlement abandoned after retries",
			"trade_id", job.TradeID, "agreement_id", job.AgreementID, "error", err)
		return
	}

	delay := baseRetryDelay << (job.attempts - 1)
	q.logger.Warn("custody settlement retry failed, rescheduling",
		"trade_id", job.TradeID, "attempt", job.attempts, "delay", delay, "error", err)

	select {
	case <-q.done:
	case <-time.After(delay):
		q.Enqueue(job)
	}
}
