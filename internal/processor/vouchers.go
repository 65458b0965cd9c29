package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/bridge-relayer/internal/models"
	"github.com/smartdevs17/bridge-relayer/internal/storage"
)

const sweepBatchSize = 500

// voucherQueue holds voucher jobs. A job is queued at most once until a
// worker has finished it.
type voucherQueue struct {
	jobs chan models.PendingVoucher

	mu       sync.Mutex
	queued   map[models.PendingVoucher]bool
	attempts map[models.PendingVoucher]int
}

func newVoucherQueue(size int) *voucherQueue {
	return &voucherQueue{
		jobs:     make(chan models.PendingVoucher, size),
		queued:   make(map[models.PendingVoucher]bool),
		attempts: make(map[models.PendingVoucher]int),
	}
}

// push queues job unless it is already queued or the queue is full. A
// dropped job keeps its pending flag and is picked up by the next sweep.
func (q *voucherQueue) push(job models.PendingVoucher) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.queued[job] {
		return false
	}
	select {
	case q.jobs <- job:
		q.queued[job] = true
		return true
	default:
		return false
	}
}

func (q *voucherQueue) done(job models.PendingVoucher) {
	q.mu.Lock()
	delete(q.queued, job)
	q.mu.Unlock()
}

func (q *voucherQueue) fail(job models.PendingVoucher) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.attempts[job]++
	return q.attempts[job]
}

func (q *voucherQueue) succeed(job models.PendingVoucher) {
	q.mu.Lock()
	delete(q.attempts, job)
	q.mu.Unlock()
}

func (q *voucherQueue) failing(threshold int) []models.PendingVoucher {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.PendingVoucher
	for job, n := range q.attempts {
		if n >= threshold {
			out = append(out, job)
		}
	}
	return out
}

func (q *voucherQueue) len() int {
	return len(q.jobs)
}

func (ep *EventProcessor) enqueueVoucher(job models.PendingVoucher) {
	ep.vouchers.push(job)
}

func (ep *EventProcessor) voucherWorker(ctx context.Context, id int) {
	defer ep.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ep.stopChan:
			return
		case job := <-ep.vouchers.jobs:
			retry := ep.issueVoucher(ctx, job)
			ep.vouchers.done(job)
			if retry {
				ep.enqueueVoucher(job)
			}
		}
	}
}

// issueVoucher signs and stores the voucher of job. It reports whether the
// ledger moved during signing so the job should run again right away.
func (ep *EventProcessor) issueVoucher(ctx context.Context, job models.PendingVoucher) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ep.config.ProcessTimeout)
	defer cancel()

	logger := ep.logger.WithFields(logrus.Fields{
		"action": job.Action,
		"user":   job.Key.User.Hex(),
		"token":  job.Key.Token.Hex(),
	})

	entry, err := ep.storage.GetLedgerEntry(ctx, job.Key)
	if errors.Is(err, storage.ErrNotFound) {
		return false
	}
	if err != nil {
		ep.voucherFailed(ctx, job, err)
		return false
	}
	if !entry.Pending(job.Action) {
		return false
	}

	amount := entry.Outstanding(job.Action)
	voucher := &models.Voucher{IssuedForAction: job.Action}
	if amount.Sign() > 0 {
		voucher, err = ep.issuer.Issue(ctx, job.Action, job.Key, amount)
		if err != nil {
			ep.voucherFailed(ctx, job, err)
			return false
		}
	}

	stored, err := ep.storage.StoreVoucher(ctx, job.Key, voucher)
	if err != nil {
		ep.voucherFailed(ctx, job, err)
		return false
	}
	if amount.Sign() > 0 && !stored {
		logger.Debug("Ledger changed while signing, reissuing voucher")
		return true
	}

	ep.vouchers.succeed(job)
	if stored {
		ep.recordVoucher(true)
		logger.WithFields(logrus.Fields{
			"amount": voucher.IssuedAmount,
			"nonce":  voucher.Nonce,
		}).Info("Voucher issued")
	}
	return false
}

// voucherFailed counts a failed issuance and alerts once the failure
// persists. The pending flag stays set so the sweep retries the job.
func (ep *EventProcessor) voucherFailed(ctx context.Context, job models.PendingVoucher, err error) {
	ep.recordVoucher(false)
	attempts := ep.vouchers.fail(job)

	logger := ep.logger.WithError(err).WithFields(logrus.Fields{
		"action":   job.Action,
		"user":     job.Key.User.Hex(),
		"token":    job.Key.Token.Hex(),
		"attempts": attempts,
	})

	if attempts < ep.config.VoucherAlertAfter {
		logger.Warn("Voucher issuance failed, will retry")
		return
	}

	logger.Error("Voucher issuance keeps failing")
	if attempts == ep.config.VoucherAlertAfter {
		ep.alerter.Alert(ctx, models.AlertVoucherFailing, models.SeverityWarning,
			"Voucher issuance failing",
			fmt.Sprintf("%s voucher for %s on token %s failed %d times; ledger accounting is unaffected",
				job.Action, job.Key.User.Hex(), job.Key.Token.Hex(), attempts),
			map[string]interface{}{
				"action":   string(job.Action),
				"user":     job.Key.User.Hex(),
				"token":    job.Key.Token.Hex(),
				"attempts": attempts,
				"error":    err.Error(),
			})
	}
}

// sweepLoop retries deferred events and then queues every pending voucher,
// on start and on each retry interval. Deferred events go first so a
// voucher is never signed for an amount a parked claim already took.
func (ep *EventProcessor) sweepLoop(ctx context.Context) {
	defer ep.wg.Done()

	ticker := time.NewTicker(ep.config.VoucherRetryInterval)
	defer ticker.Stop()

	ep.RedriveDeferredEvents(ctx)
	ep.SweepPendingVouchers(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ep.stopChan:
			return
		case <-ticker.C:
			ep.RedriveDeferredEvents(ctx)
			ep.SweepPendingVouchers(ctx)
		}
	}
}

// SweepPendingVouchers queues vouchers left pending by failures or restarts
func (ep *EventProcessor) SweepPendingVouchers(ctx context.Context) int {
	pending, err := ep.storage.ListPendingVouchers(ctx, sweepBatchSize)
	if err != nil {
		ep.logger.WithError(err).Warn("Failed to list pending vouchers")
		return 0
	}

	queued := 0
	for _, job := range pending {
		if ep.vouchers.push(job) {
			queued++
		}
	}
	ep.metricsManager.GetPrometheusMetrics().UpdatePendingVouchers(len(pending))
	if queued > 0 {
		ep.logger.WithField("queued", queued).Debug("Pending vouchers queued")
	}
	return queued
}
