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

// StreamServerInterceptor creates a gRPC stream server interceptor that
// enforces x402 payments. The whole stream is paid for up front: the payment
// is verified and settled before the handler sees the first message.
func StreamServerInterceptor(cfg x402.Config) grpc.StreamServerInterceptor {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 interceptor configuration: %v", err))
	}

	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		rule, requiresPayment := cfg.MatchMethod(info.FullMethod)
		if !requiresPayment {
			return handler(srv, ss)
		}

		ctx := ss.Context()

		accepts, err := cfg.BuildAccepts(rule, info.FullMethod)
		if err != nil {
			return status.Error(codes.Internal, fmt.Sprintf("failed to build payment requirements: %v", err))
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return paymentRequiredStatus(accepts, "Payment required")
		}

		payload, err := ExtractPaymentFromMetadata(md)
		if err != nil {
			return paymentRequiredStatus(accepts, "Payment required")
		}

		requirements := matchAccepted(accepts, payload)
		if requirements == nil {
			return paymentRequiredStatus(accepts, "Payment does not match any accepted requirement")
		}

		verifyResult, err := cfg.Verifier.Verify(ctx, payload, requirements)
		if err != nil {
			return status.Error(codes.Internal, fmt.Sprintf("payment verification error: %v", err))
		}
		if !verifyResult.Valid {
			return paymentRequiredStatus(accepts, fmt.Sprintf("Invalid payment: %s", verifyResult.Reason))
		}

		settlementResult, err := cfg.Verifier.Settle(ctx, payload, requirements)
		if err != nil {
			return status.Error(codes.Unavailable, fmt.Sprintf("payment settlement error: %v", err))
		}
		if !settlementResult.Success {
			return paymentRequiredStatus(accepts, fmt.Sprintf("Settlement failed: %s", settlementResult.ErrorReason))
		}

		paymentCtx := &x402.PaymentContext{
			Verified:        true,
			PayerAddress:    verifyResult.PayerAddress,
			Amount:          verifyResult.Amount,
			Network:         requirements.Network,
			TransactionHash: settlementResult.TransactionHash,
			SettledAt:       settlementResult.SettledAt,
		}

		paymentResponse := x402.PaymentResponse{
			Success:     true,
			Transaction: settlementResult.TransactionHash,
			Network:     settlementResult.Network,
			Payer:       settlementResult.PayerAddress,
		}
		if encoded, encErr := EncodePaymentResponse(&paymentResponse); encErr == nil {
			ss.SetTrailer(metadata.Pairs(MetadataKeyPaymentResponse, encoded))
		}

		wrapped := &paymentServerStream{
			ServerStream: ss,
			ctx:          context.WithValue(ctx, x402.PaymentContextKey, paymentCtx),
		}

		return handler(srv, wrapped)
	}
}

// paymentServerStream overrides Context so handlers can read the payment.
type paymentServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *paymentServerStream) Context() context.Context {
	return s.ctx
}
