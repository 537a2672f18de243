package evm

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	x402 "github.com/agentmesh/x402-engine"
)

// primaryType is the EIP-3009 struct name payers sign over.
const primaryType = "TransferWithAuthorization"

// Domain carries the EIP-712 domain parameters of an EIP-3009 asset.
// Name and Version come from the token contract (e.g. "USD Coin", "2");
// ChainID and VerifyingContract bind the signature to one deployment.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract string
}

// TypedData builds the EIP-712 payload for a transfer authorization.
func TypedData(auth *x402.Authorization, d Domain) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			primaryType: []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           math.NewHexOrDecimal256(d.ChainID),
			VerifyingContract: d.VerifyingContract,
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       auth.Value.String(),
			"validAfter":  auth.ValidAfter.String(),
			"validBefore": auth.ValidBefore.String(),
			"nonce":       auth.Nonce,
		},
	}
}

// HashTypedData computes the EIP-712 digest:
// keccak256("\x19\x01" || domainSeparator || hashStruct(message)).
func HashTypedData(td apitypes.TypedData) (common.Hash, error) {
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash domain: %w", err)
	}

	structHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash message: %w", err)
	}

	raw := make([]byte, 0, 2+len(domainSeparator)+len(structHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, structHash...)
	return crypto.Keccak256Hash(raw), nil
}

// decodeSignature decodes a hex-encoded 65-byte r||s||v signature.
func decodeSignature(sig string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil {
		return nil, fmt.Errorf("signature is not valid hex: %w", err)
	}
	if len(raw) != crypto.SignatureLength {
		return nil, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(raw))
	}
	return raw, nil
}

// SplitSignature parses a detached signature into its canonical (v, r, s)
// components with v normalized to the 27/28 form EIP-3009 contracts expect.
func SplitSignature(sig string) (v uint8, r [32]byte, s [32]byte, err error) {
	raw, err := decodeSignature(sig)
	if err != nil {
		return 0, r, s, err
	}

	copy(r[:], raw[:32])
	copy(s[:], raw[32:64])
	v = raw[64]
	if v < 27 {
		v += 27
	}
	if v != 27 && v != 28 {
		return 0, r, s, fmt.Errorf("invalid recovery id %d", raw[64])
	}
	return v, r, s, nil
}

// RecoverSigner returns the address that produced sig over the typed-data digest.
func RecoverSigner(digest common.Hash, sig string) (common.Address, error) {
	raw, err := decodeSignature(sig)
	if err != nil {
		return common.Address{}, err
	}

	// crypto.SigToPub wants the recovery id in 0/1 form.
	rec := make([]byte, len(raw))
	copy(rec, raw)
	if rec[64] >= 27 {
		rec[64] -= 27
	}

	pub, err := crypto.SigToPub(digest.Bytes(), rec)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// parseNonce decodes a hex-encoded 32-byte single-use nonce.
func parseNonce(nonce string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(nonce, "0x"))
	if err != nil {
		return out, fmt.Errorf("nonce is not valid hex: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("nonce must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
