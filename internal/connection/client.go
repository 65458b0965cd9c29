package connection

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/bridge-relayer/internal/config"
	"github.com/smartdevs17/bridge-relayer/internal/metrics"
	"github.com/smartdevs17/bridge-relayer/pkg/utils"
	"golang.org/x/time/rate"
)

// ChainClient is the subset of the Ethereum JSON-RPC API the relayer uses.
// *ethclient.Client satisfies it.
type ChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ErrSubscriptionUnsupported is returned when the endpoint cannot push logs
var ErrSubscriptionUnsupported = rpc.ErrNotificationsUnsupported

// RelayClient paces and instruments calls to a chain through its Manager,
// reconnecting after transport failures.
type RelayClient struct {
	manager        Manager
	limiter        *rate.Limiter
	timeout        time.Duration
	logger         *logrus.Entry
	metricsManager *metrics.Manager
}

// NewRelayClient creates a client over manager
func NewRelayClient(manager Manager, rpcCfg config.RPCConfig, metricsManager *metrics.Manager) *RelayClient {
	limit := rate.Inf
	burst := 1
	if rpcCfg.RequestsPerSecond > 0 {
		limit = rate.Limit(rpcCfg.RequestsPerSecond)
		burst = int(rpcCfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}

	return &RelayClient{
		manager:        manager,
		limiter:        rate.NewLimiter(limit, burst),
		timeout:        rpcCfg.RequestTimeout,
		logger:         utils.ComponentLogger("rpc").WithField("chain", manager.Chain()),
		metricsManager: metricsManager,
	}
}

// do runs call against the current client, applying rate limit, timeout and
// metrics. Transport failures drop the connection so the next call redials.
func (rc *RelayClient) do(ctx context.Context, method string, timeout bool, call func(ctx context.Context, client *ethclient.Client) error) error {
	if err := rc.limiter.Wait(ctx); err != nil {
		return err
	}

	client, err := rc.manager.GetClient(ctx)
	if err != nil {
		return err
	}

	callCtx := ctx
	if timeout && rc.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, rc.timeout)
		defer cancel()
	}

	start := time.Now()
	err = call(callCtx, client)

	status := "success"
	if err != nil {
		status = "error"
	}
	rc.metricsManager.GetPrometheusMetrics().RecordRPCRequest(string(rc.manager.Chain()), method, status, time.Since(start))

	if err == nil {
		return nil
	}
	if errors.Is(err, rpc.ErrNotificationsUnsupported) {
		return err
	}
	if ctx.Err() == nil && isTransportError(err) {
		rc.logger.WithError(err).WithField("method", method).Warn("RPC transport error, dropping connection")
		if _, rerr := rc.manager.Reconnect(ctx); rerr != nil {
			rc.logger.WithError(rerr).Warn("Reconnect failed")
		}
	}
	return utils.WrapError(utils.ErrCodeConnection, method+" failed", err)
}

// isTransportError separates connection problems from JSON-RPC level errors
func isTransportError(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return false
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}
	return !errors.Is(err, ethereum.NotFound)
}

// ChainID returns the chain id reported by the node
func (rc *RelayClient) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := rc.do(ctx, "eth_chainId", true, func(ctx context.Context, c *ethclient.Client) error {
		var err error
		id, err = c.ChainID(ctx)
		return err
	})
	return id, err
}

// BlockNumber returns the current chain head
func (rc *RelayClient) BlockNumber(ctx context.Context) (uint64, error) {
	var head uint64
	err := rc.do(ctx, "eth_blockNumber", true, func(ctx context.Context, c *ethclient.Client) error {
		var err error
		head, err = c.BlockNumber(ctx)
		return err
	})
	if err == nil {
		rc.metricsManager.GetPrometheusMetrics().UpdateChainHead(string(rc.manager.Chain()), head)
	}
	return head, err
}

// FilterLogs returns historical logs matching q
func (rc *RelayClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := rc.do(ctx, "eth_getLogs", true, func(ctx context.Context, c *ethclient.Client) error {
		var err error
		logs, err = c.FilterLogs(ctx, q)
		return err
	})
	if err == nil {
		rc.logger.WithField("count", len(logs)).Debug("Filtered logs")
	}
	return logs, err
}

// SubscribeFilterLogs opens a live log subscription. The subscription
// outlives the request timeout, so none is applied.
func (rc *RelayClient) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	var sub ethereum.Subscription
	err := rc.do(ctx, "eth_subscribe", false, func(ctx context.Context, c *ethclient.Client) error {
		var err error
		sub, err = c.SubscribeFilterLogs(ctx, q, ch)
		return err
	})
	return sub, err
}

// CallContract executes a read-only contract call
func (rc *RelayClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := rc.do(ctx, "eth_call", true, func(ctx context.Context, c *ethclient.Client) error {
		var err error
		out, err = c.CallContract(ctx, msg, blockNumber)
		return err
	})
	return out, err
}

var _ ChainClient = (*RelayClient)(nil)
var _ ChainClient = (*ethclient.Client)(nil)
