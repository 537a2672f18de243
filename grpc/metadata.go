package grpc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/metadata"

	x402 "github.com/agentmesh/x402-engine"
)

// Metadata keys used to exchange payments over gRPC.
const (
	MetadataKeyPayment             = "x402-payment"
	MetadataKeyPaymentRequirements = "x402-payment-requirements"
	MetadataKeyPaymentResponse     = "x402-payment-response"
)

// EncodePaymentRequirements encodes the accepted requirements to base64 JSON
// for transport in gRPC status details and metadata.
func EncodePaymentRequirements(accepts []x402.PaymentRequirements, message string) (string, error) {
	response := x402.PaymentRequiredResponse{
		X402Version: x402.X402Version,
		Error:       message,
		Accepts:     accepts,
	}

	jsonBytes, err := json.Marshal(response)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment requirements: %w", err)
	}

	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// DecodePaymentRequirements decodes base64 JSON payment requirements.
func DecodePaymentRequirements(encoded string) (*x402.PaymentRequiredResponse, error) {
	jsonBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var response x402.PaymentRequiredResponse
	if err := json.Unmarshal(jsonBytes, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment requirements: %w", err)
	}

	return &response, nil
}

// EncodePaymentPayload encodes a PaymentPayload to base64 JSON for metadata.
func EncodePaymentPayload(payload *x402.PaymentPayload) (string, error) {
	jsonBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}

	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// DecodePaymentPayload decodes a base64 JSON payment payload from metadata.
func DecodePaymentPayload(encoded string) (*x402.PaymentPayload, error) {
	jsonBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var payload x402.PaymentPayload
	if err := json.Unmarshal(jsonBytes, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment payload: %w", err)
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

// EncodePaymentResponse encodes a PaymentResponse to base64 JSON.
func EncodePaymentResponse(response *x402.PaymentResponse) (string, error) {
	jsonBytes, err := json.Marshal(response)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment response: %w", err)
	}

	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// DecodePaymentResponse decodes base64 JSON payment response.
func DecodePaymentResponse(encoded string) (*x402.PaymentResponse, error) {
	jsonBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var response x402.PaymentResponse
	if err := json.Unmarshal(jsonBytes, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment response: %w", err)
	}

	return &response, nil
}

// ExtractPaymentFromMetadata extracts a payment payload from gRPC metadata.
func ExtractPaymentFromMetadata(md metadata.MD) (*x402.PaymentPayload, error) {
	values := md.Get(MetadataKeyPayment)
	if len(values) == 0 {
		return nil, fmt.Errorf("no payment found in metadata")
	}
	return DecodePaymentPayload(values[0])
}
