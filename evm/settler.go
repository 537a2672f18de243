package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	x402 "github.com/agentmesh/x402-engine"
)

// Stable settlement failure reasons. Operator-facing diagnostic text,
// not control-flow signals.
const (
	ReasonWalletNotConfigured = "settlement wallet not configured"
	ReasonInsufficientGas     = "insufficient gas funds"
	ReasonNonceConflict       = "nonce conflict"
	ReasonTransactionReverted = "transaction reverted"
	ReasonUserRejected        = "user rejected"
	ReasonNetworkError        = "network error"
)

// transferWithAuthorizationABI is the EIP-3009 meta-transaction entry point
// on the asset contract.
const transferWithAuthorizationABI = `[{
	"name": "transferWithAuthorization",
	"type": "function",
	"stateMutability": "nonpayable",
	"inputs": [
		{"name": "from", "type": "address"},
		{"name": "to", "type": "address"},
		{"name": "value", "type": "uint256"},
		{"name": "validAfter", "type": "uint256"},
		{"name": "validBefore", "type": "uint256"},
		{"name": "nonce", "type": "bytes32"},
		{"name": "v", "type": "uint8"},
		{"name": "r", "type": "bytes32"},
		{"name": "s", "type": "bytes32"}
	],
	"outputs": []
}]`

// Backend is the chain access the settler needs. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Wallet holds the settlement key: an account with transfer authority that
// pays gas for transferWithAuthorization transactions.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewWallet parses a hex-encoded secp256k1 private key.
func NewWallet(hexKey string) (*Wallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid settlement private key: %w", err)
	}
	return &Wallet{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the wallet's account address.
func (w *Wallet) Address() common.Address {
	return w.address
}

// Settler broadcasts verified transfer authorizations to the asset contract
// and waits for the mined receipt. One blockchain round trip per settlement;
// a settlement is never retried once its transaction has been broadcast
// (the on-chain nonce makes replays revert).
type Settler struct {
	backend Backend
	wallet  *Wallet
	chainID *big.Int
	abi     abi.ABI
}

// NewSettler dials the RPC endpoint and returns a settler ready to submit
// settlement transactions signed by wallet.
func NewSettler(ctx context.Context, rpcURL string, wallet *Wallet, chainID int64) (*Settler, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("rpc url is required for direct settlement")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc endpoint: %w", err)
	}
	return NewSettlerWithBackend(client, wallet, chainID)
}

// NewSettlerWithBackend builds a settler on an existing chain backend.
func NewSettlerWithBackend(backend Backend, wallet *Wallet, chainID int64) (*Settler, error) {
	if chainID <= 0 {
		return nil, fmt.Errorf("chain id is required for direct settlement")
	}
	parsed, err := abi.JSON(strings.NewReader(transferWithAuthorizationABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse transfer ABI: %w", err)
	}
	return &Settler{
		backend: backend,
		wallet:  wallet,
		chainID: big.NewInt(chainID),
		abi:     parsed,
	}, nil
}

// Settle submits the authorization to the asset contract's
// transferWithAuthorization entry point and waits for confirmation.
// Success means the mined receipt reports success, not merely that the
// transaction was broadcast. All failures come back as result values with
// the payer attached for diagnostics.
func (s *Settler) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.SettlementResult, error) {
	if s == nil || s.wallet == nil {
		return failure("", "", payload, ReasonWalletNotConfigured), nil
	}

	if payload == nil || payload.Payload == nil || payload.Payload.Authorization == nil || payload.Payload.Signature == "" {
		return failure("", "", payload, ReasonMissingAuthorization), nil
	}
	if requirements == nil {
		return failure("", "", payload, ReasonMissingAuthorization), nil
	}

	auth := payload.Payload.Authorization
	network := requirements.Network

	value, err := auth.Value.BigInt()
	if err != nil {
		return failure(network, auth.From, payload, fmt.Sprintf("%s: %v", ReasonInvalidAmount, err)), nil
	}
	validAfter, err := auth.ValidAfter.BigInt()
	if err != nil {
		return failure(network, auth.From, payload, fmt.Sprintf("%s: %v", ReasonInvalidTiming, err)), nil
	}
	validBefore, err := auth.ValidBefore.BigInt()
	if err != nil {
		return failure(network, auth.From, payload, fmt.Sprintf("%s: %v", ReasonInvalidTiming, err)), nil
	}
	nonce, err := parseNonce(auth.Nonce)
	if err != nil {
		return failure(network, auth.From, payload, fmt.Sprintf("invalid nonce: %v", err)), nil
	}
	sigV, sigR, sigS, err := SplitSignature(payload.Payload.Signature)
	if err != nil {
		return failure(network, auth.From, payload, fmt.Sprintf("malformed signature: %v", err)), nil
	}

	opts, err := bind.NewKeyedTransactorWithChainID(s.wallet.key, s.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to build transactor: %w", err)
	}
	opts.Context = ctx

	contract := bind.NewBoundContract(common.HexToAddress(requirements.Asset), s.abi, s.backend, s.backend, s.backend)
	tx, err := contract.Transact(opts, "transferWithAuthorization",
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		validAfter,
		validBefore,
		nonce,
		sigV,
		sigR,
		sigS,
	)
	if err != nil {
		return failure(network, auth.From, payload, classifyError(err)), nil
	}

	receipt, err := bind.WaitMined(ctx, s.backend, tx)
	if err != nil {
		result := failure(network, auth.From, payload, classifyError(err))
		result.TransactionHash = tx.Hash().Hex()
		return result, nil
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		result := failure(network, auth.From, payload, ReasonTransactionReverted)
		result.TransactionHash = tx.Hash().Hex()
		return result, nil
	}

	return &x402.SettlementResult{
		Success:          true,
		TransactionHash:  tx.Hash().Hex(),
		Network:          network,
		PayerAddress:     auth.From,
		RecipientAddress: auth.To,
		Amount:           value.String(),
		SettledAt:        time.Now().UTC(),
	}, nil
}

// classifyError maps chain errors onto the stable failure reasons.
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ReasonNetworkError
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return ReasonInsufficientGas
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "replacement transaction underpriced"),
		strings.Contains(msg, "already known"):
		return ReasonNonceConflict
	case strings.Contains(msg, "revert"):
		return ReasonTransactionReverted
	case strings.Contains(msg, "user denied"), strings.Contains(msg, "user rejected"):
		return ReasonUserRejected
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return ReasonNetworkError
	default:
		return fmt.Sprintf("settlement failed: %v", err)
	}
}

func failure(network, payer string, payload *x402.PaymentPayload, reason string) *x402.SettlementResult {
	if payer == "" && payload != nil && payload.Payload != nil && payload.Payload.Authorization != nil {
		payer = payload.Payload.Authorization.From
	}
	return &x402.SettlementResult{
		Success:      false,
		Network:      network,
		PayerAddress: payer,
		ErrorReason:  reason,
	}
}
