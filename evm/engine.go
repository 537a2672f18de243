package evm

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	x402 "github.com/agentmesh/x402-engine"
	"github.com/agentmesh/x402-engine/facilitator"
)

// Mode selects how the engine verifies and settles payments.
type Mode string

const (
	// ModeFacilitator delegates verify/settle to an external facilitator,
	// falling back to the local path when the delegate fails.
	ModeFacilitator Mode = "facilitator"

	// ModeDirect always verifies locally and settles on-chain itself.
	ModeDirect Mode = "direct"
)

// delegateTimeout bounds one delegated facilitator call before the engine
// falls back to the local path.
const delegateTimeout = 10 * time.Second

// EngineConfig is the configuration consumed (not owned) by the engine.
type EngineConfig struct {
	// PayTo is the address that receives payments. Required.
	PayTo string

	// Network is the settlement network id (e.g. "base-sepolia"). Required.
	Network string

	// Price is the default decimal price for the engine's resource. Required.
	Price string

	// Resource identifies what is being sold; Description and MimeType
	// annotate the 402 requirement.
	Resource    string
	Description string
	MimeType    string

	// Mode overrides mode inference. When empty, a configured PrivateKey
	// implies ModeDirect, otherwise ModeFacilitator.
	Mode Mode

	// FacilitatorURL and FacilitatorAPIKey configure the delegate.
	// URL defaults to the public facilitator.
	FacilitatorURL    string
	FacilitatorAPIKey string

	// RPCURL and PrivateKey configure direct settlement. RPCURL falls back
	// to the registry default for the network.
	RPCURL     string
	PrivateKey string

	// Asset, AssetName and ChainID override registry defaults.
	Asset     string
	AssetName string
	ChainID   int64

	// Registry supplies per-network asset defaults; NewRegistry() when nil.
	Registry *x402.Registry

	// Logger receives fallback and settlement logs; the logrus standard
	// logger when nil.
	Logger *logrus.Logger
}

// Engine orchestrates requirement building, verification and settlement for
// one payee on one network. It implements x402.ChainVerifier.
//
// Concurrency: an Engine is safe for unlimited concurrent Verify/Settle
// calls for different payloads; all its state is read-only after
// construction. Settling the same authorization twice is a caller error —
// the on-chain nonce makes the second attempt revert, and the engine
// reports that revert rather than deduplicating.
type Engine struct {
	cfg         EngineConfig
	mode        Mode
	requirement *x402.PaymentRequirements
	delegate    *facilitator.Client
	verifier    *Verifier
	settler     *Settler
	log         *logrus.Entry
}

// NewEngine validates the configuration and builds the engine. Configuration
// errors (unknown network without asset overrides, direct mode without
// RPC/chain id, bad key material) are fatal here so a misconfigured engine
// never starts.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.PayTo == "" {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidConfig, "payTo address is required", nil)
	}
	if cfg.Network == "" {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidConfig, "network is required", nil)
	}
	if cfg.Price == "" {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidConfig, "price is required", nil)
	}

	registry := cfg.Registry
	if registry == nil {
		registry = x402.NewRegistry()
	}

	network, _ := registry.Lookup(cfg.Network)
	chainID := cfg.ChainID
	if chainID == 0 {
		chainID = network.ChainID
	}
	rpcURL := cfg.RPCURL
	if rpcURL == "" {
		rpcURL = network.DefaultRPCURL
	}

	mode := cfg.Mode
	switch mode {
	case "":
		if cfg.PrivateKey != "" {
			mode = ModeDirect
		} else {
			mode = ModeFacilitator
		}
	case ModeFacilitator, ModeDirect:
	default:
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidConfig,
			fmt.Sprintf("unknown settlement mode %q", cfg.Mode), nil)
	}

	requirement, err := x402.BuildRequirements(registry, x402.RequirementSpec{
		Price:       cfg.Price,
		PayTo:       cfg.PayTo,
		Network:     cfg.Network,
		Resource:    cfg.Resource,
		Description: cfg.Description,
		MimeType:    cfg.MimeType,
		Asset:       cfg.Asset,
		AssetName:   cfg.AssetName,
	})
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	e := &Engine{
		cfg:         cfg,
		mode:        mode,
		requirement: requirement,
		verifier:    NewVerifier(chainID),
		log: logger.WithFields(logrus.Fields{
			"component": "x402",
			"network":   cfg.Network,
			"mode":      string(mode),
		}),
	}

	if mode == ModeFacilitator {
		e.delegate = facilitator.NewClient(cfg.FacilitatorURL, cfg.FacilitatorAPIKey)
	}

	if cfg.PrivateKey != "" {
		if chainID <= 0 {
			return nil, x402.NewPaymentError(x402.ErrCodeInvalidConfig,
				fmt.Sprintf("chain id is required for direct settlement on %q", cfg.Network), nil)
		}
		if rpcURL == "" {
			return nil, x402.NewPaymentError(x402.ErrCodeInvalidConfig,
				fmt.Sprintf("rpc url is required for direct settlement on %q", cfg.Network), nil)
		}
		wallet, err := NewWallet(cfg.PrivateKey)
		if err != nil {
			return nil, x402.NewPaymentError(x402.ErrCodeInvalidConfig, "invalid settlement key", err)
		}
		settler, err := NewSettler(context.Background(), rpcURL, wallet, chainID)
		if err != nil {
			return nil, x402.NewPaymentError(x402.ErrCodeInvalidConfig, "failed to initialize settler", err)
		}
		e.settler = settler
	} else if mode == ModeDirect {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidConfig,
			"direct mode requires a settlement private key", nil)
	}

	return e, nil
}

// Mode reports the settlement mode chosen at construction.
func (e *Engine) Mode() Mode {
	return e.mode
}

// Requirement returns a copy of the requirement built from the engine's
// configuration.
func (e *Engine) Requirement() *x402.PaymentRequirements {
	r := *e.requirement
	return &r
}

// BuildRequirements builds a fresh requirement for a per-request price and
// resource, using the engine's payee, network and asset configuration.
func (e *Engine) BuildRequirements(price, resource, description string) (*x402.PaymentRequirements, error) {
	registry := e.cfg.Registry
	if registry == nil {
		registry = x402.NewRegistry()
	}
	return x402.BuildRequirements(registry, x402.RequirementSpec{
		Price:       price,
		PayTo:       e.cfg.PayTo,
		Network:     e.cfg.Network,
		Resource:    resource,
		Description: description,
		MimeType:    e.cfg.MimeType,
		Asset:       e.cfg.Asset,
		AssetName:   e.cfg.AssetName,
	})
}

// Verify validates a payment against the requirements. In facilitator mode
// the delegate is asked first with a bounded timeout; any delegate failure
// falls back to local verification transparently. Verification has no side
// effects, so callers may retry with a corrected payload.
func (e *Engine) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerificationResult, error) {
	if requirements == nil {
		requirements = e.requirement
	}

	if e.mode == ModeFacilitator {
		dctx, cancel := context.WithTimeout(ctx, delegateTimeout)
		resp, err := e.delegate.Verify(dctx, payload, requirements)
		cancel()
		if err == nil {
			result := &x402.VerificationResult{
				Valid:        resp.IsValid,
				Reason:       resp.InvalidReason,
				PayerAddress: resp.Payer,
			}
			if result.PayerAddress == "" && payload != nil && payload.Payload != nil && payload.Payload.Authorization != nil {
				result.PayerAddress = payload.Payload.Authorization.From
			}
			return result, nil
		}
		e.log.WithError(err).Warn("facilitator verify failed, falling back to local verification")
	}

	return e.verifier.Verify(ctx, payload, requirements)
}

// Settle executes the verified payment. In facilitator mode the delegate is
// asked first; on delegate failure the engine settles locally. A local
// settlement is never retried automatically once broadcast.
func (e *Engine) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.SettlementResult, error) {
	if requirements == nil {
		requirements = e.requirement
	}

	if e.mode == ModeFacilitator {
		dctx, cancel := context.WithTimeout(ctx, delegateTimeout)
		resp, err := e.delegate.Settle(dctx, payload, requirements)
		cancel()
		if err == nil {
			result := &x402.SettlementResult{
				Success:         resp.Success,
				TransactionHash: resp.Transaction,
				Network:         resp.Network,
				PayerAddress:    resp.Payer,
				ErrorReason:     resp.ErrorReason,
			}
			if result.Network == "" {
				result.Network = requirements.Network
			}
			if resp.Success {
				result.SettledAt = time.Now().UTC()
			}
			return result, nil
		}
		e.log.WithError(err).Warn("facilitator settle failed, falling back to local settlement")
	}

	if e.settler == nil {
		result := &x402.SettlementResult{
			Success:     false,
			Network:     requirements.Network,
			ErrorReason: ReasonWalletNotConfigured,
		}
		if payload != nil && payload.Payload != nil && payload.Payload.Authorization != nil {
			result.PayerAddress = payload.Payload.Authorization.From
		}
		return result, nil
	}

	result, err := e.settler.Settle(ctx, payload, requirements)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		e.log.WithField("reason", result.ErrorReason).Warn("settlement failed")
	}
	return result, nil
}
