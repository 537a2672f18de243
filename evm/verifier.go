package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	x402 "github.com/agentmesh/x402-engine"
)

// Failure reasons reported by the verifier. These strings are part of the
// caller-facing contract and match what standard x402 facilitators report,
// so delegated and local verification agree for well-formed inputs.
const (
	ReasonMissingAuthorization = "missing authorization data"
	ReasonNetworkMismatch      = "network mismatch"
	ReasonRecipientMismatch    = "recipient mismatch"
	ReasonInvalidAmount        = "invalid amount"
	ReasonInsufficientAmount   = "insufficient amount"
	ReasonInvalidTiming        = "invalid timing window"
	ReasonNotYetValid          = "not yet valid"
	ReasonExpired              = "expired"
	ReasonSignatureMismatch    = "signature does not match payer"
	ReasonRecoveryFailed       = "signature verification failed"
)

// Verifier performs local verification of "exact" scheme payments on EVM
// chains: EIP-712 signature recovery plus recipient, amount, timing and
// network checks against a payment requirement. It is deterministic and
// side-effect free apart from reading the clock; it never touches the
// network.
type Verifier struct {
	chainID int64

	// now is the clock; overridable in tests.
	now func() time.Time
}

// NewVerifier creates a verifier bound to one chain id.
func NewVerifier(chainID int64) *Verifier {
	return &Verifier{chainID: chainID, now: time.Now}
}

// Verify validates an inbound authorization+signature pair against a
// requirement. Checks run in order and short-circuit on the first failure;
// the outcome is always a result value, never an error.
func (v *Verifier) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerificationResult, error) {
	if payload == nil || payload.Payload == nil || payload.Payload.Authorization == nil || payload.Payload.Signature == "" {
		return invalid(ReasonMissingAuthorization), nil
	}
	if requirements == nil {
		return invalid(ReasonMissingAuthorization), nil
	}

	if payload.Scheme != "" && payload.Scheme != requirements.Scheme {
		return invalid(fmt.Sprintf("unsupported scheme: %s", payload.Scheme)), nil
	}

	auth := payload.Payload.Authorization

	if payload.Network != requirements.Network {
		return invalid(ReasonNetworkMismatch), nil
	}

	if !strings.EqualFold(auth.To, requirements.PayTo) {
		return invalid(ReasonRecipientMismatch), nil
	}

	value, err := auth.Value.BigInt()
	if err != nil {
		return invalid(ReasonInvalidAmount), nil
	}
	required, ok := new(big.Int).SetString(requirements.MaxAmountRequired, 10)
	if !ok || required.Sign() < 0 {
		return invalid(ReasonInvalidAmount), nil
	}
	if value.Cmp(required) < 0 {
		return invalid(ReasonInsufficientAmount), nil
	}

	validAfter, err := auth.ValidAfter.BigInt()
	if err != nil {
		return invalid(ReasonInvalidTiming), nil
	}
	validBefore, err := auth.ValidBefore.BigInt()
	if err != nil {
		return invalid(ReasonInvalidTiming), nil
	}

	// validAfter is inclusive, validBefore is exclusive.
	now := big.NewInt(v.now().Unix())
	if now.Cmp(validAfter) < 0 {
		return invalid(ReasonNotYetValid), nil
	}
	if now.Cmp(validBefore) >= 0 {
		return invalid(ReasonExpired), nil
	}

	digest, err := HashTypedData(TypedData(auth, v.domain(requirements)))
	if err != nil {
		return invalid(fmt.Sprintf("%s: %v", ReasonRecoveryFailed, err)), nil
	}

	recovered, err := RecoverSigner(digest, payload.Payload.Signature)
	if err != nil {
		return invalid(fmt.Sprintf("%s: %v", ReasonRecoveryFailed, err)), nil
	}
	if !strings.EqualFold(recovered.Hex(), auth.From) {
		return invalid(ReasonSignatureMismatch), nil
	}

	return &x402.VerificationResult{
		Valid:        true,
		PayerAddress: recovered.Hex(),
		Amount:       value.String(),
	}, nil
}

// domain reconstructs the asset's EIP-712 signing domain from a requirement.
func (v *Verifier) domain(requirements *x402.PaymentRequirements) Domain {
	d := Domain{
		Name:              "USDC",
		Version:           "2",
		ChainID:           v.chainID,
		VerifyingContract: requirements.Asset,
	}
	if requirements.Extra != nil {
		if requirements.Extra.Name != "" {
			d.Name = requirements.Extra.Name
		}
		if requirements.Extra.Version != "" {
			d.Version = requirements.Extra.Version
		}
	}
	return d
}

func invalid(reason string) *x402.VerificationResult {
	return &x402.VerificationResult{Valid: false, Reason: reason}
}
