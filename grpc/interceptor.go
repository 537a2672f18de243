package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	x402 "github.com/agentmesh/x402-engine"
)

// UnaryServerInterceptor creates a gRPC unary server interceptor that
// enforces x402 payments on methods matched by cfg.MethodPricing. Unpaid
// calls fail with ResourceExhausted carrying the base64-encoded payment
// requirements in the status message.
func UnaryServerInterceptor(cfg x402.Config) grpc.UnaryServerInterceptor {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 interceptor configuration: %v", err))
	}

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		rule, requiresPayment := cfg.MatchMethod(info.FullMethod)
		if !requiresPayment {
			return handler(ctx, req)
		}

		accepts, err := cfg.BuildAccepts(rule, info.FullMethod)
		if err != nil {
			return nil, status.Error(codes.Internal, fmt.Sprintf("failed to build payment requirements: %v", err))
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, paymentRequiredStatus(accepts, "Payment required")
		}

		payload, err := ExtractPaymentFromMetadata(md)
		if err != nil {
			return nil, paymentRequiredStatus(accepts, "Payment required")
		}

		requirements := matchAccepted(accepts, payload)
		if requirements == nil {
			return nil, paymentRequiredStatus(accepts, "Payment does not match any accepted requirement")
		}

		verifyResult, err := cfg.Verifier.Verify(ctx, payload, requirements)
		if err != nil {
			return nil, status.Error(codes.Internal, fmt.Sprintf("payment verification error: %v", err))
		}
		if !verifyResult.Valid {
			return nil, paymentRequiredStatus(accepts, fmt.Sprintf("Invalid payment: %s", verifyResult.Reason))
		}

		settlementResult, err := cfg.Verifier.Settle(ctx, payload, requirements)
		if err != nil {
			return nil, status.Error(codes.Unavailable, fmt.Sprintf("payment settlement error: %v", err))
		}
		if !settlementResult.Success {
			return nil, paymentRequiredStatus(accepts, fmt.Sprintf("Settlement failed: %s", settlementResult.ErrorReason))
		}

		paymentCtx := &x402.PaymentContext{
			Verified:        true,
			PayerAddress:    verifyResult.PayerAddress,
			Amount:          verifyResult.Amount,
			Network:         requirements.Network,
			TransactionHash: settlementResult.TransactionHash,
			SettledAt:       settlementResult.SettledAt,
		}
		ctx = context.WithValue(ctx, x402.PaymentContextKey, paymentCtx)

		resp, err := handler(ctx, req)
		if err != nil {
			return nil, err
		}

		paymentResponse := x402.PaymentResponse{
			Success:     true,
			Transaction: settlementResult.TransactionHash,
			Network:     settlementResult.Network,
			Payer:       settlementResult.PayerAddress,
		}
		if encoded, encErr := EncodePaymentResponse(&paymentResponse); encErr == nil {
			grpc.SetTrailer(ctx, metadata.Pairs(MetadataKeyPaymentResponse, encoded))
		}

		return resp, nil
	}
}

// matchAccepted returns the offered requirement the payload pays against,
// or nil when the payment names a scheme/network nobody offered.
func matchAccepted(accepts []x402.PaymentRequirements, payload *x402.PaymentPayload) *x402.PaymentRequirements {
	for i := range accepts {
		if accepts[i].Network == payload.Network && accepts[i].Scheme == payload.Scheme {
			return &accepts[i]
		}
	}
	return nil
}

// paymentRequiredStatus builds the ResourceExhausted status carrying the
// encoded payment requirements.
func paymentRequiredStatus(accepts []x402.PaymentRequirements, message string) error {
	encoded, err := EncodePaymentRequirements(accepts, message)
	if err != nil {
		return status.Error(codes.Internal, fmt.Sprintf("failed to encode payment requirements: %v", err))
	}
	return status.Error(codes.ResourceExhausted, encoded)
}

// GetPaymentFromContext extracts payment information from the gRPC context.
func GetPaymentFromContext(ctx context.Context) (*x402.PaymentContext, bool) {
	payment, ok := ctx.Value(x402.PaymentContextKey).(*x402.PaymentContext)
	return payment, ok
}

// RequirePayment extracts payment from context and returns error if not found.
func RequirePayment(ctx context.Context) (*x402.PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.ResourceExhausted, "payment context not found")
	}
	if !payment.Verified {
		return nil, status.Error(codes.ResourceExhausted, "payment not verified")
	}
	return payment, nil
}
