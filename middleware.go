package x402

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Payment header names.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// PaymentMiddleware creates HTTP middleware that enforces x402 payment
// requirements: it answers 402 with the accepted requirements until a valid
// signed payment is presented, then verifies, runs the handler, and settles.
func PaymentMiddleware(cfg Config) func(http.Handler) http.Handler {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 middleware configuration: %v", err))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			rule, requiresPayment := cfg.MatchEndpoint(r.URL.Path)
			if !requiresPayment {
				next.ServeHTTP(w, r)
				return
			}

			accepts, err := cfg.BuildAccepts(rule, r.URL.Path)
			if err != nil {
				sendError(w, http.StatusInternalServerError, fmt.Sprintf("failed to build payment requirements: %v", err))
				return
			}

			paymentHeader := r.Header.Get(HeaderPayment)
			if paymentHeader == "" {
				sendPaymentRequired(w, r, accepts, &cfg, "Payment required")
				return
			}

			payload, err := DecodePaymentHeader(paymentHeader)
			if err != nil {
				sendError(w, http.StatusBadRequest, fmt.Sprintf("Invalid payment header: %v", err))
				return
			}

			// Pick the offered requirement matching the presented payment.
			requirements := matchAccepted(accepts, payload)
			if requirements == nil {
				sendPaymentRequired(w, r, accepts, &cfg, "Payment does not match any accepted requirement")
				return
			}

			verifyResult, err := cfg.Verifier.Verify(ctx, payload, requirements)
			if err != nil {
				sendError(w, http.StatusInternalServerError, fmt.Sprintf("Payment verification error: %v", err))
				return
			}
			if !verifyResult.Valid {
				sendPaymentRequired(w, r, accepts, &cfg, fmt.Sprintf("Invalid payment: %s", verifyResult.Reason))
				return
			}

			settlementResult, err := cfg.Verifier.Settle(ctx, payload, requirements)
			if err != nil {
				sendError(w, http.StatusInternalServerError, fmt.Sprintf("Payment settlement error: %v", err))
				return
			}
			if !settlementResult.Success {
				sendPaymentRequired(w, r, accepts, &cfg, fmt.Sprintf("Settlement failed: %s", settlementResult.ErrorReason))
				return
			}

			paymentCtx := &PaymentContext{
				Verified:        true,
				PayerAddress:    verifyResult.PayerAddress,
				Amount:          verifyResult.Amount,
				Network:         requirements.Network,
				TransactionHash: settlementResult.TransactionHash,
				SettledAt:       settlementResult.SettledAt,
			}
			ctx = context.WithValue(ctx, PaymentContextKey, paymentCtx)

			paymentResponse := PaymentResponse{
				Success:     true,
				Transaction: settlementResult.TransactionHash,
				Network:     settlementResult.Network,
				Payer:       settlementResult.PayerAddress,
			}
			if responseJSON, err := json.Marshal(paymentResponse); err == nil {
				w.Header().Set(HeaderPaymentResponse, base64.StdEncoding.EncodeToString(responseJSON))
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// matchAccepted returns the offered requirement the payload pays against,
// or nil when the payment names a scheme/network nobody offered.
func matchAccepted(accepts []PaymentRequirements, payload *PaymentPayload) *PaymentRequirements {
	for i := range accepts {
		if accepts[i].Network == payload.Network && accepts[i].Scheme == payload.Scheme {
			return &accepts[i]
		}
	}
	return nil
}

// sendPaymentRequired sends a 402 Payment Required response.
func sendPaymentRequired(w http.ResponseWriter, r *http.Request, accepts []PaymentRequirements, cfg *Config, message string) {
	if cfg.CustomPaywallHTML != "" && isBrowserRequest(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(cfg.CustomPaywallHTML))
		return
	}

	response := PaymentRequiredResponse{
		X402Version: X402Version,
		Error:       message,
		Accepts:     accepts,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(response)
}

func sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// DecodePaymentHeader decodes an X-PAYMENT header into a PaymentPayload.
func DecodePaymentHeader(header string) (*PaymentPayload, error) {
	payloadBytes, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var payload PaymentPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	if payload.X402Version == 0 {
		return nil, fmt.Errorf("x402Version is required")
	}
	if payload.Scheme == "" {
		return nil, fmt.Errorf("scheme is required")
	}
	if payload.Network == "" {
		return nil, fmt.Errorf("network is required")
	}
	if payload.Payload == nil {
		return nil, fmt.Errorf("payload is required")
	}

	return &payload, nil
}

// EncodePaymentPayload encodes a PaymentPayload to base64 JSON for the
// X-PAYMENT header.
func EncodePaymentPayload(payload *PaymentPayload) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(payloadJSON), nil
}

// DecodePaymentResponse decodes an X-PAYMENT-RESPONSE header.
func DecodePaymentResponse(header string) (*PaymentResponse, error) {
	responseBytes, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var response PaymentResponse
	if err := json.Unmarshal(responseBytes, &response); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	return &response, nil
}

// ReadPaymentRequirements extracts payment requirements from a 402 response.
func ReadPaymentRequirements(resp *http.Response) (*PaymentRequiredResponse, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("expected status 402, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var paymentReq PaymentRequiredResponse
	if err := json.Unmarshal(body, &paymentReq); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements: %w", err)
	}

	return &paymentReq, nil
}

// GetPaymentFromContext extracts payment information from the request context.
func GetPaymentFromContext(ctx context.Context) (*PaymentContext, bool) {
	payment, ok := ctx.Value(PaymentContextKey).(*PaymentContext)
	return payment, ok
}

// RequirePayment extracts payment from context and returns error if not found.
func RequirePayment(ctx context.Context) (*PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("payment context not found")
	}
	if !payment.Verified {
		return nil, fmt.Errorf("payment not verified")
	}
	return payment, nil
}

func isBrowserRequest(r *http.Request) bool {
	userAgent := r.Header.Get("User-Agent")
	if userAgent == "" {
		return false
	}

	browserIndicators := []string{"Mozilla/", "Chrome/", "Safari/", "Firefox/", "Edge/", "Opera/"}
	for _, indicator := range browserIndicators {
		if strings.Contains(userAgent, indicator) {
			return true
		}
	}

	return false
}
