// File: internal/registry/registry.go
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/bridge-relayer/internal/connection"
	"github.com/smartdevs17/bridge-relayer/internal/metrics"
	"github.com/smartdevs17/bridge-relayer/internal/models"
	"github.com/smartdevs17/bridge-relayer/internal/monitor"
	"github.com/smartdevs17/bridge-relayer/internal/storage"
	"github.com/smartdevs17/bridge-relayer/pkg/utils"
	"golang.org/x/sync/singleflight"
)

// ErrNotMapped is returned while the bridge has no wrapped token for a source token
var ErrNotMapped = errors.New("bridge has no wrapped token for source token")

// Store is the persistence surface of the registry
type Store interface {
	GetTokenRegistration(ctx context.Context, sourceToken common.Address) (*models.TokenRegistration, error)
	GetRegistrationByDestination(ctx context.Context, destinationToken common.Address) (*models.TokenRegistration, error)
	RegisterToken(ctx context.Context, registration *models.TokenRegistration) (*models.TokenRegistration, error)
	ListTokenRegistrations(ctx context.Context) ([]*models.TokenRegistration, error)
}

// WatcherStarter starts watchers idempotently
type WatcherStarter interface {
	AddContract(spec monitor.WatchSpec) (bool, error)
}

// wrappedTokenKinds are the events a wrapped token contract emits
var wrappedTokenKinds = []models.EventKind{models.EventClaimed, models.EventBurned}

// Registry maps source tokens to wrapped tokens and keeps exactly one
// destination watcher per wrapped token.
type Registry struct {
	store    Store
	client   connection.ChainClient
	bridge   common.Address
	watchers WatcherStarter
	interval time.Duration
	logger   *logrus.Entry

	metricsManager *metrics.Manager

	group singleflight.Group

	mu         sync.RWMutex
	forward    map[common.Address]common.Address
	reverse    map[common.Address]common.Address
	unresolved map[common.Address]struct{}
}

// New creates a registry resolving through the source bridge at bridge
func New(store Store, sourceClient connection.ChainClient, bridge common.Address, watchers WatcherStarter, resolveInterval time.Duration, metricsManager *metrics.Manager) *Registry {
	if resolveInterval <= 0 {
		resolveInterval = time.Minute
	}
	return &Registry{
		store:          store,
		client:         sourceClient,
		bridge:         bridge,
		watchers:       watchers,
		interval:       resolveInterval,
		logger:         utils.ComponentLogger("registry"),
		metricsManager: metricsManager,
		forward:        make(map[common.Address]common.Address),
		reverse:        make(map[common.Address]common.Address),
		unresolved:     make(map[common.Address]struct{}),
	}
}

// Restore loads persisted registrations and starts their watchers
func (r *Registry) Restore(ctx context.Context) error {
	regs, err := r.store.ListTokenRegistrations(ctx)
	if err != nil {
		return err
	}

	for _, reg := range regs {
		r.remember(reg)
		if err := r.EnsureWatcher(reg.DestinationToken); err != nil {
			return err
		}
	}

	r.logger.WithField("registrations", len(regs)).Info("Token registry restored")
	return nil
}

// Resolve returns the wrapped token of sourceToken, querying the bridge and
// persisting the mapping on first sight. Concurrent calls for one token
// share a single resolution.
func (r *Registry) Resolve(ctx context.Context, sourceToken common.Address) (common.Address, error) {
	if dest, ok := r.lookup(sourceToken); ok {
		return dest, nil
	}

	res, err, _ := r.group.Do(utils.AddressKey(sourceToken), func() (interface{}, error) {
		if dest, ok := r.lookup(sourceToken); ok {
			return dest, nil
		}

		reg, err := r.store.GetTokenRegistration(ctx, sourceToken)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if reg == nil {
			dest, err := r.queryBridge(ctx, sourceToken)
			if err != nil {
				return nil, err
			}
			// The stored registration wins if another process got there first
			reg, err = r.store.RegisterToken(ctx, &models.TokenRegistration{
				SourceToken:      sourceToken,
				DestinationToken: dest,
				CreatedAt:        time.Now().UTC(),
			})
			if err != nil {
				return nil, err
			}
			r.logger.WithFields(logrus.Fields{
				"source_token":      sourceToken.Hex(),
				"destination_token": reg.DestinationToken.Hex(),
			}).Info("New token registered")
		}

		r.remember(reg)
		if err := r.EnsureWatcher(reg.DestinationToken); err != nil {
			return nil, err
		}
		return reg.DestinationToken, nil
	})
	if err != nil {
		return common.Address{}, err
	}

	dest, ok := res.(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("singleflight returned unexpected type %T", res)
	}
	return dest, nil
}

// Observe resolves sourceToken after a Locked event. Failures are kept for
// the periodic retry rather than returned.
func (r *Registry) Observe(ctx context.Context, sourceToken common.Address) {
	if _, err := r.Resolve(ctx, sourceToken); err != nil {
		r.mu.Lock()
		r.unresolved[sourceToken] = struct{}{}
		r.mu.Unlock()
		r.logger.WithError(err).WithField("source_token", sourceToken.Hex()).Warn("Token resolution failed, will retry")
	}
}

// EnsureWatcher starts the destination watcher of a wrapped token. It is a
// no-op when the watcher already exists.
func (r *Registry) EnsureWatcher(destinationToken common.Address) error {
	added, err := r.watchers.AddContract(monitor.WatchSpec{
		Chain:    models.ChainDestination,
		Contract: destinationToken,
		Kinds:    wrappedTokenKinds,
	})
	if err != nil {
		return err
	}
	if added {
		r.logger.WithField("destination_token", destinationToken.Hex()).Info("Destination watcher started")
	}
	return nil
}

// SourceTokenFor maps a wrapped token back to its source token
func (r *Registry) SourceTokenFor(ctx context.Context, destinationToken common.Address) (common.Address, bool, error) {
	r.mu.RLock()
	source, ok := r.reverse[destinationToken]
	r.mu.RUnlock()
	if ok {
		return source, true, nil
	}

	reg, err := r.store.GetRegistrationByDestination(ctx, destinationToken)
	if errors.Is(err, storage.ErrNotFound) {
		return common.Address{}, false, nil
	}
	if err != nil {
		return common.Address{}, false, err
	}
	r.remember(reg)
	return reg.SourceToken, true, nil
}

// Run retries failed resolutions every resolve interval until ctx ends
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.retryUnresolved(ctx)
		}
	}
}

func (r *Registry) retryUnresolved(ctx context.Context) {
	r.mu.Lock()
	pending := make([]common.Address, 0, len(r.unresolved))
	for token := range r.unresolved {
		pending = append(pending, token)
	}
	r.mu.Unlock()

	for _, token := range pending {
		if _, err := r.Resolve(ctx, token); err != nil {
			r.logger.WithError(err).WithField("source_token", token.Hex()).Debug("Token still unresolved")
			continue
		}
		r.mu.Lock()
		delete(r.unresolved, token)
		r.mu.Unlock()
	}
}

// Unresolved returns the number of tokens awaiting resolution
func (r *Registry) Unresolved() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.unresolved)
}

// Registrations returns the number of known registrations
func (r *Registry) Registrations() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.forward)
}

func (r *Registry) lookup(sourceToken common.Address) (common.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dest, ok := r.forward[sourceToken]
	return dest, ok
}

func (r *Registry) remember(reg *models.TokenRegistration) {
	r.mu.Lock()
	r.forward[reg.SourceToken] = reg.DestinationToken
	r.reverse[reg.DestinationToken] = reg.SourceToken
	delete(r.unresolved, reg.SourceToken)
	count := len(r.forward)
	r.mu.Unlock()

	r.metricsManager.GetPrometheusMetrics().UpdateTokenRegistrations(count)
}

func (r *Registry) queryBridge(ctx context.Context, sourceToken common.Address) (common.Address, error) {
	bridgeABI := monitor.ParsedBridgeABI()
	data, err := bridgeABI.Pack("destinationTokenAddressOf", sourceToken)
	if err != nil {
		return common.Address{}, err
	}

	out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &r.bridge, Data: data}, nil)
	if err != nil {
		return common.Address{}, utils.WrapError(utils.ErrCodeBlockchain, "Failed to query wrapped token", err)
	}

	values, err := bridgeABI.Unpack("destinationTokenAddressOf", out)
	if err != nil || len(values) != 1 {
		return common.Address{}, utils.NewAppError(utils.ErrCodeBlockchain, "Unexpected wrapped token response", sourceToken.Hex())
	}
	dest, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, utils.NewAppError(utils.ErrCodeBlockchain, "Unexpected wrapped token type", fmt.Sprintf("%T", values[0]))
	}
	if dest == (common.Address{}) {
		return common.Address{}, ErrNotMapped
	}
	return dest, nil
}
