package transactions

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-transactions/core/kv"
)

const (
	initialBackoff = 1 * time.Millisecond
	maxBackoff     = 100 * time.Millisecond
)

// transactionContext owns one logical transaction across its attempts:
// identity, deadline, attempt count and the backoff schedule between
// attempts.
type transactionContext struct {
	id        string
	config    *Config
	executor  kv.Executor
	atr       *atrManager
	startTime time.Time
	deadline  time.Time
	attempts  int
	backoff   time.Duration
	logger    *zap.Logger
	metrics   *engineMetrics
}

func newTransactionContext(executor kv.Executor, config *Config, metrics *engineMetrics) *transactionContext {
	id := uuid.NewString()
	now := time.Now()
	return &transactionContext{
		id:        id,
		config:    config,
		executor:  executor,
		atr:       newATRManager(executor, config.metadataCollection, config.numATRs, config.durability, config.logger),
		startTime: now,
		deadline:  now.Add(config.timeout),
		backoff:   initialBackoff,
		logger:    config.logger.With(zap.String("txn_id", id)),
		metrics:   metrics,
	}
}

func (t *transactionContext) expired() bool {
	return time.Now().After(t.deadline)
}

// nextBackoff returns the delay to apply before the next attempt:
// starts at 1ms, doubles each attempt, capped at 100ms, and never
// extends past twice the configured timeout in total spent backoff.
func (t *transactionContext) nextBackoff() time.Duration {
	d := t.backoff
	t.backoff *= 2
	if t.backoff > maxBackoff {
		t.backoff = maxBackoff
	}
	if limit := 2 * t.config.timeout; d > limit {
		d = limit
	}
	return d
}

// newAttempt constructs a fresh AttemptContext for the next iteration of
// the retry loop.
func (t *transactionContext) newAttempt() *AttemptContext {
	t.attempts++
	attemptID := uuid.NewString()
	return &AttemptContext{
		id:       attemptID,
		txnID:    t.id,
		config:   t.config,
		executor: t.executor,
		atr:      t.atr,
		atrLoc:   t.atr.locationFor(t.id),
		deadline: t.deadline,
		logger:   t.logger.With(zap.String("attempt_id", attemptID), zap.Int("attempt", t.attempts)),
		metrics:  t.metrics,
		hooks:    t.config.hooks,
		staged:   newStagedMutationArena(),
	}
}
