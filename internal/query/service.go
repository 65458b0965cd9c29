// File: internal/query/service.go
package query

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/bridge-relayer/internal/models"
	"github.com/smartdevs17/bridge-relayer/pkg/utils"
)

const maxPageSize = 1000

// LedgerReader is the read side of the ledger store
type LedgerReader interface {
	ListLedgerEntries(ctx context.Context, filter models.LedgerFilter) ([]*models.LedgerEntry, error)
}

// Page bounds a projection
type Page struct {
	Limit  int
	Offset int
}

// Service serves read-only projections of the ledger. Every projection is
// a single SELECT, so it never observes a half-applied event.
type Service struct {
	store  LedgerReader
	logger *logrus.Entry
}

// NewService creates a query service over store
func NewService(store LedgerReader) *Service {
	return &Service{
		store:  store,
		logger: utils.ComponentLogger("query"),
	}
}

// ListClaimable returns entries where bridged < locked
func (s *Service) ListClaimable(ctx context.Context, page Page) ([]*models.LedgerEntry, error) {
	return s.list(ctx, models.LedgerFilter{Claimable: true}, page)
}

// ListReleasable returns entries where released < burned
func (s *Service) ListReleasable(ctx context.Context, page Page) ([]*models.LedgerEntry, error) {
	return s.list(ctx, models.LedgerFilter{Releasable: true}, page)
}

// GetUserTokens returns the entries of user with bridged > 0
func (s *Service) GetUserTokens(ctx context.Context, user common.Address) ([]*models.LedgerEntry, error) {
	if user == (common.Address{}) {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "User address is required", "")
	}
	return s.list(ctx, models.LedgerFilter{User: &user, HasBridged: true}, Page{})
}

// ListBridged returns every entry with bridged > 0
func (s *Service) ListBridged(ctx context.Context, page Page) ([]*models.LedgerEntry, error) {
	return s.list(ctx, models.LedgerFilter{HasBridged: true}, page)
}

func (s *Service) list(ctx context.Context, filter models.LedgerFilter, page Page) ([]*models.LedgerEntry, error) {
	if page.Limit < 0 || page.Offset < 0 {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid page", "limit and offset must not be negative")
	}
	if page.Limit > maxPageSize {
		page.Limit = maxPageSize
	}
	filter.Limit = page.Limit
	filter.Offset = page.Offset

	entries, err := s.store.ListLedgerEntries(ctx, filter)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"claimable":   filter.Claimable,
			"releasable":  filter.Releasable,
			"has_bridged": filter.HasBridged,
		}).Error("Ledger projection failed")
		return nil, err
	}
	return entries, nil
}
