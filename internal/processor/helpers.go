// File: internal/processor/helpers.go
package processor

import (
	"time"

	"github.com/smartdevs17/bridge-relayer/internal/models"
)

// updateStats updates processor statistics after a batch
func (ep *EventProcessor) updateStats(processingTime time.Duration) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.stats.BatchesProcessed++

	// Update average processing time
	if ep.stats.BatchesProcessed == 1 {
		ep.stats.AverageProcessingTime = processingTime
	} else {
		ep.stats.AverageProcessingTime = (ep.stats.AverageProcessingTime + processingTime) / 2
	}
}

// recordOutcome counts the result of applying one event
func (ep *EventProcessor) recordOutcome(event *models.EventRecord, outcome string, duration time.Duration) {
	ep.mu.Lock()
	switch outcome {
	case "applied":
		ep.stats.EventsApplied++
	case "duplicate":
		ep.stats.EventsDuplicate++
	case "deferred":
		ep.stats.EventsDeferred++
	case "invalid":
		ep.stats.EventsInvalid++
	}
	ep.mu.Unlock()

	ep.metricsManager.GetPrometheusMetrics().RecordEventProcessed(string(event.Chain), string(event.Kind), outcome, duration)
}

// recordVoucher counts a voucher attempt
func (ep *EventProcessor) recordVoucher(issued bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if issued {
		ep.stats.VouchersIssued++
	} else {
		ep.stats.VoucherFailures++
	}
}

// recordError records the last processing error
func (ep *EventProcessor) recordError(err error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.stats.ErrorCount++
	errorStr := err.Error()
	ep.stats.LastError = &errorStr
	now := time.Now()
	ep.stats.LastErrorTime = &now
}
