package facilitator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	x402 "github.com/agentmesh/x402-engine"
)

func testPayload() *x402.PaymentPayload {
	return &x402.PaymentPayload{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "base-sepolia",
		Payload: &x402.ExactPayload{
			Signature: "0xsig",
			Authorization: &x402.Authorization{
				From:        "0x857b06519E91e3A54538791bDbb0E22373e36b66",
				To:          "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
				Value:       "10000",
				ValidAfter:  "1700000000",
				ValidBefore: "1700000600",
				Nonce:       "0x0000000000000000000000000000000000000000000000000000000000000042",
			},
		},
	}
}

func testRequirements() *x402.PaymentRequirements {
	return &x402.PaymentRequirements{
		Scheme:            "exact",
		Network:           "base-sepolia",
		MaxAmountRequired: "10000",
		PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		MaxTimeoutSeconds: 600,
	}
}

func TestClientVerify(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/verify" {
			t.Errorf("expected /verify, got %s", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected JSON content type, got %s", ct)
		}

		var body struct {
			X402Version         int                       `json:"x402Version"`
			PaymentPayload      *x402.PaymentPayload      `json:"paymentPayload"`
			PaymentRequirements *x402.PaymentRequirements `json:"paymentRequirements"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if body.X402Version != 1 {
			t.Errorf("expected x402Version 1, got %d", body.X402Version)
		}
		if body.PaymentPayload == nil || body.PaymentPayload.Network != "base-sepolia" {
			t.Error("expected payment payload in request body")
		}
		if body.PaymentRequirements == nil || body.PaymentRequirements.MaxAmountRequired != "10000" {
			t.Error("expected payment requirements in request body")
		}

		json.NewEncoder(w).Encode(VerifyResponse{
			IsValid: true,
			Payer:   "0x857b06519E91e3A54538791bDbb0E22373e36b66",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	resp, err := client.Verify(context.Background(), testPayload(), testRequirements())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.IsValid {
		t.Error("expected valid verdict")
	}
	if resp.Payer != "0x857b06519E91e3A54538791bDbb0E22373e36b66" {
		t.Errorf("unexpected payer %s", resp.Payer)
	}
}

func TestClientVerifyInvalidReason(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(VerifyResponse{
			IsValid:       false,
			InvalidReason: "expired",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	resp, err := client.Verify(context.Background(), testPayload(), testRequirements())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.IsValid {
		t.Error("expected invalid verdict")
	}
	if resp.InvalidReason != "expired" {
		t.Errorf("expected reason 'expired', got %q", resp.InvalidReason)
	}
}

func TestClientSettle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/settle" {
			t.Errorf("expected /settle, got %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(SettleResponse{
			Success:     true,
			Transaction: "0xtxhash",
			Network:     "base-sepolia",
			Payer:       "0x857b06519E91e3A54538791bDbb0E22373e36b66",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	resp, err := client.Settle(context.Background(), testPayload(), testRequirements())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Success {
		t.Errorf("expected success, got reason %q", resp.ErrorReason)
	}
	if resp.Transaction != "0xtxhash" {
		t.Errorf("unexpected transaction %s", resp.Transaction)
	}
}

func TestClientBearerToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(VerifyResponse{IsValid: true})
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret-token")
	if _, err := client.Verify(context.Background(), testPayload(), testRequirements()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("expected bearer token, got %q", gotAuth)
	}
}

func TestClientNoBearerWithoutKey(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(VerifyResponse{IsValid: true})
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	if _, err := client.Verify(context.Background(), testPayload(), testRequirements()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "" {
		t.Errorf("expected no Authorization header, got %q", gotAuth)
	}
}

func TestClientNon2xxStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	if _, err := client.Verify(context.Background(), testPayload(), testRequirements()); err == nil {
		t.Error("expected error for 502 response")
	}
	if _, err := client.Settle(context.Background(), testPayload(), testRequirements()); err == nil {
		t.Error("expected error for 502 response")
	}
}

func TestClientContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := client.Verify(ctx, testPayload(), testRequirements()); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestClientDefaultBaseURL(t *testing.T) {
	client := NewClient("", "")
	if client.baseURL != DefaultBaseURL {
		t.Errorf("expected default base url, got %s", client.baseURL)
	}
}
