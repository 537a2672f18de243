package x402

import (
	"context"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"
)

// WithPaymentMetadata returns a ServeMuxOption that propagates payment
// information from the HTTP middleware into gRPC metadata, so gRPC handlers
// behind grpc-gateway can see who paid.
func WithPaymentMetadata() runtime.ServeMuxOption {
	return runtime.WithMetadata(func(ctx context.Context, r *http.Request) metadata.MD {
		md := metadata.MD{}

		payment, ok := GetPaymentFromContext(ctx)
		if !ok || payment == nil || !payment.Verified {
			return md
		}

		md.Set("x-payment-verified", "true")
		md.Set("x-payment-payer", payment.PayerAddress)
		md.Set("x-payment-amount", payment.Amount)
		md.Set("x-payment-network", payment.Network)

		if payment.TransactionHash != "" {
			md.Set("x-payment-tx-hash", payment.TransactionHash)
		}
		if !payment.SettledAt.IsZero() {
			md.Set("x-payment-settled-at", payment.SettledAt.Format(time.RFC3339))
		}

		return md
	})
}

// GetPaymentFromGRPCContext extracts payment information propagated through
// grpc-gateway metadata. Use this in gRPC handlers served behind the HTTP
// middleware.
func GetPaymentFromGRPCContext(ctx context.Context) (*PaymentContext, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, false
	}

	verified := md.Get("x-payment-verified")
	if len(verified) == 0 || verified[0] != "true" {
		return nil, false
	}

	payment := &PaymentContext{
		Verified: true,
	}

	if payer := md.Get("x-payment-payer"); len(payer) > 0 {
		payment.PayerAddress = payer[0]
	}
	if amount := md.Get("x-payment-amount"); len(amount) > 0 {
		payment.Amount = amount[0]
	}
	if network := md.Get("x-payment-network"); len(network) > 0 {
		payment.Network = network[0]
	}
	if txHash := md.Get("x-payment-tx-hash"); len(txHash) > 0 {
		payment.TransactionHash = txHash[0]
	}
	if settledAt := md.Get("x-payment-settled-at"); len(settledAt) > 0 {
		if ts, err := time.Parse(time.RFC3339, settledAt[0]); err == nil {
			payment.SettledAt = ts
		}
	}

	return payment, true
}

// GetHTTPPathPattern extracts the HTTP path pattern from grpc-gateway
// context, for pricing decisions based on the matched route.
func GetHTTPPathPattern(ctx context.Context) (string, bool) {
	pattern, ok := runtime.HTTPPathPattern(ctx)
	return pattern, ok
}
