package monitor

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/smartdevs17/bridge-relayer/internal/connection"
	"github.com/smartdevs17/bridge-relayer/internal/models"
	"github.com/smartdevs17/bridge-relayer/internal/storage"
)

var (
	bridgeAddr = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	tokenAddr  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	aliceAddr  = common.HexToAddress("0x000000000000000000000000000000000000a11c")
)

func bridgeLog(kind models.EventKind, contract common.Address, amount int64, block uint64, index uint) types.Log {
	event := ParsedBridgeABI().Events[string(kind)]
	data, err := event.Inputs.NonIndexed().Pack(big.NewInt(amount))
	if err != nil {
		panic(err)
	}
	return types.Log{
		Address: contract,
		Topics: []common.Hash{
			event.ID,
			common.BytesToHash(tokenAddr.Bytes()),
			common.BytesToHash(aliceAddr.Bytes()),
		},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block*1000 + uint64(index))),
		Index:       index,
	}
}

type fakeSubscription struct {
	errCh chan error
	once  sync.Once
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{errCh: make(chan error, 1)}
}

func (s *fakeSubscription) Unsubscribe() {
	s.once.Do(func() { close(s.errCh) })
}

func (s *fakeSubscription) Err() <-chan error { return s.errCh }

type fakeChain struct {
	mu          sync.Mutex
	head        uint64
	logs        []types.Log
	filterErrs  int
	filterCalls []ethereum.FilterQuery
	subscribe   bool
	subs        []chan<- types.Log
	sub         *fakeSubscription
}

func (c *fakeChain) ChainID(context.Context) (*big.Int, error) { return big.NewInt(31), nil }

func (c *fakeChain) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *fakeChain) setHead(head uint64) {
	c.mu.Lock()
	c.head = head
	c.mu.Unlock()
}

func (c *fakeChain) addLogs(logs ...types.Log) {
	c.mu.Lock()
	c.logs = append(c.logs, logs...)
	c.mu.Unlock()
}

func (c *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.filterCalls = append(c.filterCalls, q)
	if c.filterErrs > 0 {
		c.filterErrs--
		return nil, errors.New("connection reset")
	}

	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	var out []types.Log
	for _, lg := range c.logs {
		if lg.BlockNumber < from || lg.BlockNumber > to {
			continue
		}
		if len(q.Addresses) > 0 && lg.Address != q.Addresses[0] {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func (c *fakeChain) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.subscribe {
		return nil, connection.ErrSubscriptionUnsupported
	}
	c.subs = append(c.subs, ch)
	c.sub = newFakeSubscription()
	return c.sub, nil
}

func (c *fakeChain) push(lg types.Log) {
	c.mu.Lock()
	subs := append([]chan<- types.Log(nil), c.subs...)
	c.mu.Unlock()
	for _, ch := range subs {
		ch <- lg
	}
}

// dropSubscription fails the current subscription the way a closed
// websocket does
func (c *fakeChain) dropSubscription(err error) {
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()
	sub.errCh <- err
}

func (c *fakeChain) subscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *fakeChain) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeChain) filterCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.filterCalls)
}

type fakeCheckpoints struct {
	mu          sync.Mutex
	checkpoints map[common.Address]uint64
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{checkpoints: make(map[common.Address]uint64)}
}

func (s *fakeCheckpoints) GetCheckpoint(_ context.Context, chainID uint64, contract common.Address) (*models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	block, ok := s.checkpoints[contract]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &models.Checkpoint{ChainID: chainID, ContractAddress: contract, LastProcessedBlock: block}, nil
}

func (s *fakeCheckpoints) AdvanceCheckpoint(_ context.Context, _ uint64, contract common.Address, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if block > s.checkpoints[contract] {
		s.checkpoints[contract] = block
	}
	return nil
}

func (s *fakeCheckpoints) get(contract common.Address) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	block, ok := s.checkpoints[contract]
	return block, ok
}

// recordingHandler advances checkpoints the way the reconciliation engine does
type recordingHandler struct {
	mu      sync.Mutex
	store   *fakeCheckpoints
	batches []models.EventBatch
}

func (h *recordingHandler) ProcessBatch(ctx context.Context, batch *models.EventBatch) error {
	h.mu.Lock()
	h.batches = append(h.batches, *batch)
	h.mu.Unlock()

	if batch.SkipCheckpoint {
		return nil
	}
	block := batch.Block
	if !batch.Complete {
		block--
	}
	return h.store.AdvanceCheckpoint(ctx, batch.ChainID, batch.ContractAddress, block)
}

func (h *recordingHandler) snapshot() []models.EventBatch {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.EventBatch(nil), h.batches...)
}

func (h *recordingHandler) events() []*models.EventRecord {
	var out []*models.EventRecord
	for _, b := range h.snapshot() {
		out = append(out, b.Events...)
	}
	return out
}

type recordingAlerter struct {
	mu    sync.Mutex
	kinds []models.AlertKind
}

func (a *recordingAlerter) Alert(_ context.Context, kind models.AlertKind, _ models.Severity, _, _ string, _ map[string]interface{}) {
	a.mu.Lock()
	a.kinds = append(a.kinds, kind)
	a.mu.Unlock()
}

func (a *recordingAlerter) has(kind models.AlertKind) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, k := range a.kinds {
		if k == kind {
			return true
		}
	}
	return false
}
