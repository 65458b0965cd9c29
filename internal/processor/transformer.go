// File: internal/processor/transformer.go
package processor

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/smartdevs17/bridge-relayer/internal/models"
)

// TokenResolver maps wrapped tokens back to their source token
type TokenResolver interface {
	SourceTokenFor(ctx context.Context, destinationToken common.Address) (common.Address, bool, error)
}

// EventTransformer rewrites destination events so that every ledger key
// uses the source token address.
type EventTransformer struct {
	resolver TokenResolver
}

// NewEventTransformer creates a new event transformer
func NewEventTransformer(resolver TokenResolver) *EventTransformer {
	return &EventTransformer{resolver: resolver}
}

// TransformEvent returns event keyed by its source token. Destination
// events name either the wrapped token or, when emitted by a destination
// bridge, the token field; both are looked up. Unknown tokens are assumed
// to be source tokens already.
func (et *EventTransformer) TransformEvent(ctx context.Context, event *models.EventRecord) (*models.EventRecord, error) {
	if event.Chain != models.ChainDestination || et.resolver == nil {
		return event, nil
	}

	for _, candidate := range []common.Address{event.TokenAddress, event.ContractAddress} {
		source, ok, err := et.resolver.SourceTokenFor(ctx, candidate)
		if err != nil {
			return nil, err
		}
		if ok {
			transformed := *event
			transformed.TokenAddress = source
			return &transformed, nil
		}
	}
	return event, nil
}
