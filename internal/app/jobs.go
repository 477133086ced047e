/**
 * @description
 * Scheduled job implementations: reconciliation of signed payments that nobody
 * polled, and sweeping of expired in-memory limiter windows and cache entries.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/transfa/payment-service/internal/store"
)

const (
	defaultReconcileBatch = 100
	defaultReconcileAge   = 30 * time.Second
	reconcileJobTimeout   = 50 * time.Second
)

// Sweeper is implemented by registries whose expired entries need dropping.
type Sweeper interface {
	Sweep() int
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo         store.Repository
	verifier     *Verifier
	sweepers     map[string]Sweeper
	logger       *slog.Logger
	batchSize    int
	untouchedFor time.Duration
	now          func() time.Time
}

// NewJobs creates a new Jobs runner. sweepers is keyed by a name used in logs.
func NewJobs(repo store.Repository, verifier *Verifier, sweepers map[string]Sweeper, logger *slog.Logger) *Jobs {
	if logger == nil {
		logger = slog.Default()
	}
	return &Jobs{
		repo:         repo,
		verifier:     verifier,
		sweepers:     sweepers,
		logger:       logger,
		batchSize:    defaultReconcileBatch,
		untouchedFor: defaultReconcileAge,
		now:          time.Now,
	}
}

// ReconcilePayments verifies signed, non-terminal payments that have not
// changed recently, so payments settle even when no client is watching.
func (j *Jobs) ReconcilePayments() {
	ctx, cancel := context.WithTimeout(context.Background(), reconcileJobTimeout)
	defer cancel()

	advanced, err := j.reconcile(ctx)
	if err != nil {
		j.logger.Error("payment reconciliation failed", "error", err)
		return
	}
	j.logger.Info("payment reconciliation finished", "advanced", advanced)
}

func (j *Jobs) reconcile(ctx context.Context) (int, error) {
	payments, err := j.repo.FindReconcilablePayments(ctx, j.now().Add(-j.untouchedFor), j.batchSize)
	if err != nil {
		return 0, err
	}

	advanced := 0
	for _, payment := range payments {
		if ctx.Err() != nil {
			break
		}
		if !payment.NeedsVerification() {
			continue
		}
		result, err := j.verifier.Verify(ctx, payment.TxSignature, payment.ReferenceKey, payment.AmountLamports)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				break
			}
			j.logger.Warn("reconcile verification failed", "payment_id", payment.ID, "error", err)
			continue
		}
		if result.Status != payment.Status {
			advanced++
		}
	}
	return advanced, nil
}

// SweepExpired drops expired entries from every registered registry.
func (j *Jobs) SweepExpired() {
	for name, sweeper := range j.sweepers {
		if sweeper == nil {
			continue
		}
		if removed := sweeper.Sweep(); removed > 0 {
			j.logger.Info("swept expired entries", "registry", name, "removed", removed)
		}
	}
}
