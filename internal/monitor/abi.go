package monitor

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/smartdevs17/bridge-relayer/internal/models"
)

// BridgeABI is the event and view surface shared by the bridge and the
// wrapped token contracts.
const BridgeABI = `[
	{"type":"event","name":"Locked","anonymous":false,"inputs":[
		{"name":"token","type":"address","indexed":true},
		{"name":"user","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"Released","anonymous":false,"inputs":[
		{"name":"token","type":"address","indexed":true},
		{"name":"user","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"Claimed","anonymous":false,"inputs":[
		{"name":"token","type":"address","indexed":true},
		{"name":"user","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"Burned","anonymous":false,"inputs":[
		{"name":"token","type":"address","indexed":true},
		{"name":"user","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"function","name":"destinationTokenAddressOf","stateMutability":"view",
		"inputs":[{"name":"token","type":"address"}],
		"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"nonceOf","stateMutability":"view",
		"inputs":[{"name":"user","type":"address"}],
		"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	bridgeABIOnce sync.Once
	bridgeABI     abi.ABI
)

// ParsedBridgeABI returns the parsed BridgeABI
func ParsedBridgeABI() abi.ABI {
	bridgeABIOnce.Do(func() {
		parsed, err := abi.JSON(strings.NewReader(BridgeABI))
		if err != nil {
			panic("invalid bridge ABI: " + err.Error())
		}
		bridgeABI = parsed
	})
	return bridgeABI
}

// EventTopic returns the topic0 of kind
func EventTopic(kind models.EventKind) common.Hash {
	return ParsedBridgeABI().Events[string(kind)].ID
}

// EventTopics returns the topic0 values of kinds
func EventTopics(kinds []models.EventKind) []common.Hash {
	topics := make([]common.Hash, 0, len(kinds))
	for _, k := range kinds {
		topics = append(topics, EventTopic(k))
	}
	return topics
}
