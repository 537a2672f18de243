package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/agentmesh/x402-engine"
)

const (
	testChainID = int64(84532)
	testAsset   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testPayTo   = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
)

func testRequirements() *x402.PaymentRequirements {
	return &x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           "base-sepolia",
		MaxAmountRequired: "10000",
		PayTo:             testPayTo,
		Asset:             testAsset,
		MaxTimeoutSeconds: 600,
		Extra:             &x402.DomainExtra{Name: "USDC", Version: "2"},
	}
}

func testDomain() Domain {
	return Domain{
		Name:              "USDC",
		Version:           "2",
		ChainID:           testChainID,
		VerifyingContract: testAsset,
	}
}

// signAuthorization produces a real EIP-712 signature over the authorization,
// with the recovery id in the 27/28 form wallets emit.
func signAuthorization(t *testing.T, key *ecdsa.PrivateKey, auth *x402.Authorization, d Domain) string {
	t.Helper()

	digest, err := HashTypedData(TypedData(auth, d))
	if err != nil {
		t.Fatalf("failed to hash typed data: %v", err)
	}

	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	sig[64] += 27

	return "0x" + hex.EncodeToString(sig)
}

// signedPayment builds a fully signed payment from a fresh key, valid around now.
func signedPayment(t *testing.T, key *ecdsa.PrivateKey, now time.Time) *x402.PaymentPayload {
	t.Helper()

	from := crypto.PubkeyToAddress(key.PublicKey)
	auth := &x402.Authorization{
		From:        from.Hex(),
		To:          testPayTo,
		Value:       "10000",
		ValidAfter:  x402.Numeric(strconv.FormatInt(now.Add(-time.Minute).Unix(), 10)),
		ValidBefore: x402.Numeric(strconv.FormatInt(now.Add(10*time.Minute).Unix(), 10)),
		Nonce:       "0x0000000000000000000000000000000000000000000000000000000000000042",
	}

	return &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     "base-sepolia",
		Payload: &x402.ExactPayload{
			Signature:     signAuthorization(t, key, auth, testDomain()),
			Authorization: auth,
		},
	}
}

func fixedVerifier(now time.Time) *Verifier {
	v := NewVerifier(testChainID)
	v.now = func() time.Time { return now }
	return v
}

func TestVerifyValidPayment(t *testing.T) {
	key, _ := crypto.GenerateKey()
	now := time.Unix(1700000000, 0)
	payload := signedPayment(t, key, now)

	result, err := fixedVerifier(now).Verify(context.Background(), payload, testRequirements())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid payment, got reason %q", result.Reason)
	}

	from := crypto.PubkeyToAddress(key.PublicKey).Hex()
	if result.PayerAddress != from {
		t.Errorf("expected payer %s, got %s", from, result.PayerAddress)
	}
	if result.Amount != "10000" {
		t.Errorf("expected amount 10000, got %s", result.Amount)
	}
}

func TestVerifyRecipientCaseInsensitive(t *testing.T) {
	key, _ := crypto.GenerateKey()
	now := time.Unix(1700000000, 0)
	payload := signedPayment(t, key, now)

	req := testRequirements()
	req.PayTo = strings.ToLower(req.PayTo)

	result, err := fixedVerifier(now).Verify(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Valid {
		t.Errorf("expected case-insensitive recipient match, got reason %q", result.Reason)
	}
}

func TestVerifyRecipientMismatch(t *testing.T) {
	key, _ := crypto.GenerateKey()
	now := time.Unix(1700000000, 0)
	payload := signedPayment(t, key, now)

	req := testRequirements()
	req.PayTo = "0x1111111111111111111111111111111111111111"

	result, _ := fixedVerifier(now).Verify(context.Background(), payload, req)
	if result.Valid || result.Reason != ReasonRecipientMismatch {
		t.Errorf("expected recipient mismatch, got valid=%v reason=%q", result.Valid, result.Reason)
	}
}

func TestVerifyNetworkMismatch(t *testing.T) {
	key, _ := crypto.GenerateKey()
	now := time.Unix(1700000000, 0)
	payload := signedPayment(t, key, now)
	payload.Network = "base"

	result, _ := fixedVerifier(now).Verify(context.Background(), payload, testRequirements())
	if result.Valid || result.Reason != ReasonNetworkMismatch {
		t.Errorf("expected network mismatch, got valid=%v reason=%q", result.Valid, result.Reason)
	}
}

func TestVerifyInsufficientAmount(t *testing.T) {
	key, _ := crypto.GenerateKey()
	now := time.Unix(1700000000, 0)
	payload := signedPayment(t, key, now)

	req := testRequirements()
	req.MaxAmountRequired = "10001"

	result, _ := fixedVerifier(now).Verify(context.Background(), payload, req)
	if result.Valid || result.Reason != ReasonInsufficientAmount {
		t.Errorf("expected insufficient amount, got valid=%v reason=%q", result.Valid, result.Reason)
	}
}

func TestVerifyOverpaymentAccepted(t *testing.T) {
	key, _ := crypto.GenerateKey()
	now := time.Unix(1700000000, 0)
	payload := signedPayment(t, key, now)

	req := testRequirements()
	req.MaxAmountRequired = "9999"

	result, _ := fixedVerifier(now).Verify(context.Background(), payload, req)
	if !result.Valid {
		t.Errorf("expected value above required to verify, got reason %q", result.Reason)
	}
}

func TestVerifyTimingWindow(t *testing.T) {
	key, _ := crypto.GenerateKey()
	base := time.Unix(1700000000, 0)
	payload := signedPayment(t, key, base)

	validAfter := base.Add(-time.Minute).Unix()
	validBefore := base.Add(10 * time.Minute).Unix()

	tests := []struct {
		name   string
		now    time.Time
		valid  bool
		reason string
	}{
		{"before window", time.Unix(validAfter-1, 0), false, ReasonNotYetValid},
		// validAfter is inclusive.
		{"at validAfter", time.Unix(validAfter, 0), true, ""},
		{"inside window", base, true, ""},
		{"just before expiry", time.Unix(validBefore-1, 0), true, ""},
		// validBefore is exclusive.
		{"at validBefore", time.Unix(validBefore, 0), false, ReasonExpired},
		{"after expiry", time.Unix(validBefore+60, 0), false, ReasonExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := fixedVerifier(tt.now).Verify(context.Background(), payload, testRequirements())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Valid != tt.valid {
				t.Fatalf("expected valid=%v, got valid=%v reason=%q", tt.valid, result.Valid, result.Reason)
			}
			if !tt.valid && result.Reason != tt.reason {
				t.Errorf("expected reason %q, got %q", tt.reason, result.Reason)
			}
		})
	}
}

func TestVerifyTamperedSignature(t *testing.T) {
	key, _ := crypto.GenerateKey()
	now := time.Unix(1700000000, 0)
	payload := signedPayment(t, key, now)

	// Flip one byte of r. Recovery either fails outright or yields a
	// different address; both must reject.
	sig := payload.Payload.Signature
	raw, _ := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	raw[5] ^= 0xff
	payload.Payload.Signature = "0x" + hex.EncodeToString(raw)

	result, err := fixedVerifier(now).Verify(context.Background(), payload, testRequirements())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Valid {
		t.Error("expected tampered signature to be rejected")
	}
}

func TestVerifyWrongSigner(t *testing.T) {
	key, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()
	now := time.Unix(1700000000, 0)
	payload := signedPayment(t, key, now)

	// Claim someone else authorized the transfer.
	payload.Payload.Authorization.From = crypto.PubkeyToAddress(other.PublicKey).Hex()

	result, _ := fixedVerifier(now).Verify(context.Background(), payload, testRequirements())
	if result.Valid || result.Reason != ReasonSignatureMismatch {
		t.Errorf("expected signature mismatch, got valid=%v reason=%q", result.Valid, result.Reason)
	}
}

func TestVerifyZeroBasedRecoveryID(t *testing.T) {
	key, _ := crypto.GenerateKey()
	now := time.Unix(1700000000, 0)
	payload := signedPayment(t, key, now)

	// Some clients send v as 0/1 instead of 27/28.
	raw, _ := hex.DecodeString(strings.TrimPrefix(payload.Payload.Signature, "0x"))
	raw[64] -= 27
	payload.Payload.Signature = "0x" + hex.EncodeToString(raw)

	result, _ := fixedVerifier(now).Verify(context.Background(), payload, testRequirements())
	if !result.Valid {
		t.Errorf("expected 0/1 recovery id to be accepted, got reason %q", result.Reason)
	}
}

func TestVerifyStructuralFailures(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := fixedVerifier(now)
	req := testRequirements()

	tests := []struct {
		name    string
		payload *x402.PaymentPayload
	}{
		{"nil payload", nil},
		{"nil exact payload", &x402.PaymentPayload{X402Version: 1, Scheme: "exact", Network: "base-sepolia"}},
		{
			"missing signature",
			&x402.PaymentPayload{
				X402Version: 1, Scheme: "exact", Network: "base-sepolia",
				Payload: &x402.ExactPayload{Authorization: &x402.Authorization{From: "0xabc"}},
			},
		},
		{
			"missing authorization",
			&x402.PaymentPayload{
				X402Version: 1, Scheme: "exact", Network: "base-sepolia",
				Payload: &x402.ExactPayload{Signature: "0xsig"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := v.Verify(context.Background(), tt.payload, req)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Valid || result.Reason != ReasonMissingAuthorization {
				t.Errorf("expected missing authorization, got valid=%v reason=%q", result.Valid, result.Reason)
			}
		})
	}
}

func TestVerifyUnsupportedScheme(t *testing.T) {
	key, _ := crypto.GenerateKey()
	now := time.Unix(1700000000, 0)
	payload := signedPayment(t, key, now)
	payload.Scheme = "upto"

	result, _ := fixedVerifier(now).Verify(context.Background(), payload, testRequirements())
	if result.Valid {
		t.Error("expected unsupported scheme to be rejected")
	}
}

func TestVerifyMalformedAmount(t *testing.T) {
	key, _ := crypto.GenerateKey()
	now := time.Unix(1700000000, 0)
	payload := signedPayment(t, key, now)
	payload.Payload.Authorization.Value = "not-a-number"

	result, _ := fixedVerifier(now).Verify(context.Background(), payload, testRequirements())
	if result.Valid || result.Reason != ReasonInvalidAmount {
		t.Errorf("expected invalid amount, got valid=%v reason=%q", result.Valid, result.Reason)
	}
}

func TestVerifyDomainMismatchRejects(t *testing.T) {
	key, _ := crypto.GenerateKey()
	now := time.Unix(1700000000, 0)
	payload := signedPayment(t, key, now)

	// Signed for the USDC domain; verifying against a different token name
	// changes the digest and must not recover the payer.
	req := testRequirements()
	req.Extra = &x402.DomainExtra{Name: "Other Token", Version: "2"}

	result, _ := fixedVerifier(now).Verify(context.Background(), payload, req)
	if result.Valid {
		t.Error("expected domain mismatch to be rejected")
	}
}
