// File: internal/voucher/issuer.go
package voucher

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/bridge-relayer/internal/config"
	"github.com/smartdevs17/bridge-relayer/internal/connection"
	"github.com/smartdevs17/bridge-relayer/internal/metrics"
	"github.com/smartdevs17/bridge-relayer/internal/models"
	"github.com/smartdevs17/bridge-relayer/internal/monitor"
	"github.com/smartdevs17/bridge-relayer/internal/storage"
	"github.com/smartdevs17/bridge-relayer/pkg/utils"
)

var (
	// ErrZeroAmount is returned when a voucher would authorize nothing
	ErrZeroAmount = errors.New("voucher amount must be positive")
	// ErrTokenNotRegistered is returned for claims of a token with no wrapped counterpart yet
	ErrTokenNotRegistered = errors.New("token has no registered wrapped token")
)

const (
	claimPrimaryType   = "Claim"
	releasePrimaryType = "Release"
)

var eip712DomainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// Domain is the typed-data domain of a verifying contract
type Domain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract common.Address
}

// RegistrationLookup resolves a source token to its wrapped token
type RegistrationLookup interface {
	GetTokenRegistration(ctx context.Context, sourceToken common.Address) (*models.TokenRegistration, error)
}

// Chain binds a chain client to the domain settings of its contracts
type Chain struct {
	Client        connection.ChainClient
	ChainID       uint64
	DomainName    string
	DomainVersion string
	Bridge        common.Address
}

// Issuer assembles and signs claim and release vouchers. It is the only
// place the typed-data schema is defined.
type Issuer struct {
	key    *ecdsa.PrivateKey
	signer common.Address

	source        Chain
	destination   Chain
	registrations RegistrationLookup

	logger         *logrus.Entry
	metricsManager *metrics.Manager
}

// ParsePrivateKey decodes a hex secp256k1 key with or without 0x prefix
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Invalid voucher private key", err.Error())
	}
	return key, nil
}

// NewIssuer creates an issuer signing with key
func NewIssuer(key *ecdsa.PrivateKey, source, destination Chain, registrations RegistrationLookup, metricsManager *metrics.Manager) *Issuer {
	return &Issuer{
		key:            key,
		signer:         crypto.PubkeyToAddress(key.PublicKey),
		source:         source,
		destination:    destination,
		registrations:  registrations,
		logger:         utils.ComponentLogger("voucher"),
		metricsManager: metricsManager,
	}
}

// ChainFromConfig builds the issuer view of a configured chain
func ChainFromConfig(cfg config.ChainConfig, client connection.ChainClient) Chain {
	return Chain{
		Client:        client,
		ChainID:       cfg.ChainID,
		DomainName:    cfg.DomainName,
		DomainVersion: cfg.DomainVersion,
		Bridge:        cfg.Bridge(),
	}
}

// Signer returns the address vouchers are signed by
func (i *Issuer) Signer() common.Address {
	return i.signer
}

// Issue produces a voucher for action covering amount. The claimant's nonce
// is read from the verifying contract on every call.
func (i *Issuer) Issue(ctx context.Context, action models.VoucherAction, key models.LedgerKey, amount *big.Int) (*models.Voucher, error) {
	start := time.Now()
	v, err := i.issue(ctx, action, key, amount)

	status := "issued"
	if err != nil {
		status = "failed"
	}
	i.metricsManager.GetPrometheusMetrics().RecordVoucher(string(action), status, time.Since(start))
	return v, err
}

func (i *Issuer) issue(ctx context.Context, action models.VoucherAction, key models.LedgerKey, amount *big.Int) (*models.Voucher, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}

	var (
		chain    Chain
		contract common.Address
	)
	switch action {
	case models.ActionClaim:
		reg, err := i.registrations.GetTokenRegistration(ctx, key.Token)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrTokenNotRegistered
		}
		if err != nil {
			return nil, err
		}
		chain, contract = i.destination, reg.DestinationToken
	case models.ActionRelease:
		chain, contract = i.source, i.source.Bridge
	default:
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Unknown voucher action", string(action))
	}

	nonce, err := i.fetchNonce(ctx, chain.Client, contract, key.User)
	if err != nil {
		return nil, err
	}

	domain := Domain{
		Name:              chain.DomainName,
		Version:           chain.DomainVersion,
		ChainID:           chain.ChainID,
		VerifyingContract: contract,
	}

	var typedData apitypes.TypedData
	if action == models.ActionClaim {
		typedData = ClaimTypedData(domain, key.User, amount, nonce)
	} else {
		typedData = ReleaseTypedData(domain, key.User, key.Token, amount, nonce)
	}

	r, s, v, err := i.Sign(typedData)
	if err != nil {
		return nil, err
	}

	i.logger.WithFields(logrus.Fields{
		"action": action,
		"user":   key.User.Hex(),
		"token":  key.Token.Hex(),
		"amount": amount.String(),
		"nonce":  nonce.String(),
	}).Debug("Voucher signed")

	return &models.Voucher{
		R:               r,
		S:               s,
		V:               v,
		IssuedForAction: action,
		IssuedAmount:    amount.String(),
		Nonce:           nonce.String(),
		IssuedAt:        time.Now().UTC(),
	}, nil
}

func (i *Issuer) fetchNonce(ctx context.Context, client connection.ChainClient, contract, user common.Address) (*big.Int, error) {
	bridgeABI := monitor.ParsedBridgeABI()
	data, err := bridgeABI.Pack("nonceOf", user)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeVoucher, "Failed to encode nonce call", err)
	}

	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeVoucher, "Failed to fetch nonce", err)
	}

	values, err := bridgeABI.Unpack("nonceOf", out)
	if err != nil || len(values) != 1 {
		return nil, utils.NewAppError(utils.ErrCodeVoucher, "Unexpected nonce response", fmt.Sprintf("contract=%s", contract.Hex()))
	}
	nonce, ok := values[0].(*big.Int)
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeVoucher, "Unexpected nonce type", fmt.Sprintf("%T", values[0]))
	}
	return nonce, nil
}

func typedDataDomain(d Domain) apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           (*math.HexOrDecimal256)(new(big.Int).SetUint64(d.ChainID)),
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

// ClaimTypedData is the authorization to mint wrapped tokens on the
// destination chain.
func ClaimTypedData(d Domain, claimer common.Address, amount, nonce *big.Int) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": eip712DomainType,
			claimPrimaryType: {
				{Name: "claimer", Type: "address"},
				{Name: "amount", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		PrimaryType: claimPrimaryType,
		Domain:      typedDataDomain(d),
		Message: apitypes.TypedDataMessage{
			"claimer": claimer.Hex(),
			"amount":  amount.String(),
			"nonce":   nonce.String(),
		},
	}
}

// ReleaseTypedData is the authorization to unlock source tokens from the
// bridge. It also binds the token being released.
func ReleaseTypedData(d Domain, claimer, token common.Address, amount, nonce *big.Int) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": eip712DomainType,
			releasePrimaryType: {
				{Name: "claimer", Type: "address"},
				{Name: "token", Type: "address"},
				{Name: "amount", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		PrimaryType: releasePrimaryType,
		Domain:      typedDataDomain(d),
		Message: apitypes.TypedDataMessage{
			"claimer": claimer.Hex(),
			"token":   token.Hex(),
			"amount":  amount.String(),
			"nonce":   nonce.String(),
		},
	}
}

// Sign hashes typedData per EIP-712 and returns the r, s and v components
// as hex strings. v is 27 or 28.
func (i *Issuer) Sign(typedData apitypes.TypedData) (r, s, v string, err error) {
	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", "", "", utils.WrapError(utils.ErrCodeVoucher, "Failed to hash typed data", err)
	}

	sig, err := crypto.Sign(hash, i.key)
	if err != nil {
		return "", "", "", utils.WrapError(utils.ErrCodeVoucher, "Failed to sign voucher", err)
	}
	sig[crypto.RecoveryIDOffset] += 27

	return hexutil.Encode(sig[:32]), hexutil.Encode(sig[32:64]), hexutil.Encode(sig[64:]), nil
}
