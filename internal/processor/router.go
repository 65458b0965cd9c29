// File: internal/processor/router.go
package processor

import (
	"github.com/smartdevs17/bridge-relayer/internal/models"
)

// EventRouter splits a batch into per-ledger-key queues. Events of one key
// keep their batch order; queues of different keys are independent.
type EventRouter struct{}

// KeyQueue is the ordered events of one ledger key
type KeyQueue struct {
	Key    models.LedgerKey
	Events []*models.EventRecord
}

// NewEventRouter creates a new event router
func NewEventRouter() *EventRouter {
	return &EventRouter{}
}

// RouteEvents groups events by ledger key in order of first appearance
func (er *EventRouter) RouteEvents(events []*models.EventRecord) []*KeyQueue {
	index := make(map[models.LedgerKey]*KeyQueue)
	queues := make([]*KeyQueue, 0, len(events))

	for _, event := range events {
		key := event.LedgerKey()
		q, ok := index[key]
		if !ok {
			q = &KeyQueue{Key: key}
			index[key] = q
			queues = append(queues, q)
		}
		q.Events = append(q.Events, event)
	}
	return queues
}
