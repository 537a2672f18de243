package x402

import (
	"context"
	"time"
)

// Protocol constants.
const (
	// X402Version is the protocol version this engine speaks.
	X402Version = 1

	// SchemeExact is the only supported payment scheme: the payer authorizes
	// a transfer of an exact amount to an exact recipient.
	SchemeExact = "exact"
)

// Authorization is an EIP-3009 transfer authorization: a signed, time-bounded,
// single-use instruction to move a fixed amount from payer to payee.
// It is produced by the payer and never mutated by the engine.
type Authorization struct {
	From        string  `json:"from"`
	To          string  `json:"to"`
	Value       Numeric `json:"value"`
	ValidAfter  Numeric `json:"validAfter"`
	ValidBefore Numeric `json:"validBefore"`
	Nonce       string  `json:"nonce"`
}

// ExactPayload is the scheme-specific payload for the "exact" scheme:
// an authorization plus the detached EIP-712 signature over it.
type ExactPayload struct {
	Signature     string         `json:"signature"`
	Authorization *Authorization `json:"authorization"`
}

// PaymentPayload is the unit of exchange between payer and service.
type PaymentPayload struct {
	X402Version int           `json:"x402Version"`
	Scheme      string        `json:"scheme"`
	Network     string        `json:"network"`
	Payload     *ExactPayload `json:"payload"`
}

// DomainExtra carries the EIP-712 domain parameters of the settlement asset.
type DomainExtra struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PaymentRequirements describes what payment is required for a resource.
// Immutable once constructed; build one per priced operation.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"`
	MaxAmountRequired string                 `json:"maxAmountRequired"` // atomic units
	Resource          string                 `json:"resource"`
	Description       string                 `json:"description,omitempty"`
	MimeType          string                 `json:"mimeType,omitempty"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Asset             string                 `json:"asset"` // token contract address
	OutputSchema      map[string]interface{} `json:"outputSchema,omitempty"`
	Extra             *DomainExtra           `json:"extra,omitempty"`
}

// VerificationResult contains the result of payment verification.
// Validation failures are reported here, never as errors.
type VerificationResult struct {
	Valid        bool   `json:"isValid"`
	Reason       string `json:"invalidReason,omitempty"`
	PayerAddress string `json:"payer,omitempty"`
	Amount       string `json:"amount,omitempty"`
}

// SettlementResult contains the result of payment settlement.
type SettlementResult struct {
	Success          bool      `json:"success"`
	TransactionHash  string    `json:"transaction,omitempty"`
	Network          string    `json:"network,omitempty"`
	PayerAddress     string    `json:"payer,omitempty"`
	RecipientAddress string    `json:"recipient,omitempty"`
	Amount           string    `json:"amount,omitempty"`
	ErrorReason      string    `json:"errorReason,omitempty"`
	SettledAt        time.Time `json:"settledAt,omitempty"`
}

// PaymentResponse is sent in the X-PAYMENT-RESPONSE header.
type PaymentResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// PaymentRequiredResponse is the 402 response body.
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// ChainVerifier is the interface payment verification backends implement.
// Engine satisfies it; so does any custom backend wired into the middleware.
type ChainVerifier interface {
	// Verify checks if a payment is valid without settling it.
	Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerificationResult, error)

	// Settle executes the payment on-chain and returns settlement details.
	Settle(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettlementResult, error)
}

// PaymentContext contains payment information that can be extracted in handlers.
type PaymentContext struct {
	Verified        bool
	PayerAddress    string
	Amount          string
	Network         string
	TransactionHash string
	SettledAt       time.Time
}

type contextKey string

const (
	// PaymentContextKey is the key used to store payment context in request context.
	PaymentContextKey contextKey = "x402-payment"
)
