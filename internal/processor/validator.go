// File: internal/processor/validator.go
package processor

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/smartdevs17/bridge-relayer/internal/models"
	"github.com/smartdevs17/bridge-relayer/pkg/utils"
)

// EventValidator checks that an event can be applied to the ledger
type EventValidator struct{}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// ValidationResult contains validation results
type ValidationResult struct {
	Valid  bool               `json:"valid"`
	Errors []*ValidationError `json:"errors,omitempty"`
}

// NewEventValidator creates a new event validator
func NewEventValidator() *EventValidator {
	return &EventValidator{}
}

// expectedChain is the chain each event kind is emitted on
var expectedChain = map[models.EventKind]models.Chain{
	models.EventLocked:   models.ChainSource,
	models.EventReleased: models.ChainSource,
	models.EventClaimed:  models.ChainDestination,
	models.EventBurned:   models.ChainDestination,
}

// ValidateEvent validates an event and returns a VALIDATION_ERROR listing
// every problem found
func (ev *EventValidator) ValidateEvent(event *models.EventRecord) error {
	result := ev.ValidateEventDetailed(event)
	if !result.Valid {
		var errorMessages []string
		for _, err := range result.Errors {
			errorMessages = append(errorMessages, fmt.Sprintf("%s: %s", err.Field, err.Message))
		}
		return utils.NewAppError(utils.ErrCodeValidation,
			"Event validation failed",
			strings.Join(errorMessages, "; "))
	}
	return nil
}

// ValidateEventDetailed performs the checks of ValidateEvent
func (ev *EventValidator) ValidateEventDetailed(event *models.EventRecord) *ValidationResult {
	result := &ValidationResult{Valid: true}
	fail := func(field, message string, value interface{}) {
		result.Valid = false
		result.Errors = append(result.Errors, &ValidationError{Field: field, Message: message, Value: value})
	}

	if !event.Kind.Valid() {
		fail("kind", "unknown event kind", event.Kind)
	} else if want := expectedChain[event.Kind]; event.Chain != want {
		fail("chain", fmt.Sprintf("%s events are only emitted on the %s chain", event.Kind, want), event.Chain)
	}

	if event.Amount == nil {
		fail("amount", "amount is required", nil)
	} else if event.Amount.Sign() <= 0 {
		fail("amount", "amount must be positive", event.Amount.String())
	}

	if event.UserAddress == (common.Address{}) {
		fail("user", "user address is required", nil)
	}
	if event.TokenAddress == (common.Address{}) {
		fail("token", "token address is required", nil)
	}
	if event.TxHash == (common.Hash{}) {
		fail("tx_hash", "transaction hash is required", nil)
	}

	return result
}
