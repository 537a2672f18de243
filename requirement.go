package x402

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

const (
	// DefaultMaxTimeoutSeconds bounds how long a payment requirement stays
	// presentable. Fixed for this engine; not derived from caller input.
	DefaultMaxTimeoutSeconds = 600

	// DefaultAssetDecimals is the decimal precision assumed when a token
	// requirement does not specify its own (USDC and friends use 6).
	DefaultAssetDecimals = 6

	// assetDomainVersion is the EIP-712 domain version of EIP-3009 assets.
	assetDomainVersion = "2"
)

// DefaultValidityDuration mirrors DefaultMaxTimeoutSeconds as a Duration.
const DefaultValidityDuration = DefaultMaxTimeoutSeconds * time.Second

// RequirementSpec is the input to BuildRequirements.
type RequirementSpec struct {
	// Price is a decimal amount in the service's pricing currency,
	// e.g. "0.01" or "$0.01".
	Price string

	// PayTo is the address that receives the payment.
	PayTo string

	// Network is the settlement network id (e.g. "base-sepolia").
	Network string

	// Resource identifies what is being sold (opaque to the engine).
	Resource string

	Description string
	MimeType    string

	// Asset, AssetName and Decimals override registry defaults when set.
	Asset     string
	AssetName string
	Decimals  int
}

// BuildRequirements produces the immutable payment requirement descriptor
// for one priced operation. It is a pure function of its inputs plus a
// registry lookup; no network I/O.
func BuildRequirements(reg *Registry, spec RequirementSpec) (*PaymentRequirements, error) {
	if spec.PayTo == "" {
		return nil, NewPaymentError(ErrCodeInvalidConfig, "payTo address is required", nil)
	}
	if spec.Network == "" {
		return nil, NewPaymentError(ErrCodeInvalidConfig, "network is required", nil)
	}

	asset := spec.Asset
	assetName := spec.AssetName
	if reg != nil {
		if nc, ok := reg.Lookup(spec.Network); ok {
			if asset == "" {
				asset = nc.Asset
			}
			if assetName == "" {
				assetName = nc.AssetName
			}
		}
	}
	if asset == "" {
		return nil, NewPaymentError(ErrCodeNetworkNotSupported,
			fmt.Sprintf("unknown network %q and no asset address configured", spec.Network), nil)
	}
	if assetName == "" {
		return nil, NewPaymentError(ErrCodeNetworkNotSupported,
			fmt.Sprintf("unknown network %q and no asset name configured", spec.Network), nil)
	}

	decimals := spec.Decimals
	if decimals == 0 {
		decimals = DefaultAssetDecimals
	}

	amount, err := PriceToAtomicUnits(spec.Price, decimals)
	if err != nil {
		return nil, NewPaymentError(ErrCodeInvalidConfig, fmt.Sprintf("invalid price %q", spec.Price), err)
	}

	return &PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           spec.Network,
		MaxAmountRequired: amount,
		Resource:          spec.Resource,
		Description:       spec.Description,
		MimeType:          spec.MimeType,
		PayTo:             spec.PayTo,
		MaxTimeoutSeconds: DefaultMaxTimeoutSeconds,
		Asset:             asset,
		Extra: &DomainExtra{
			Name:    assetName,
			Version: assetDomainVersion,
		},
	}, nil
}

// PriceToAtomicUnits converts a decimal currency price into atomic token
// units for an asset with the given number of decimals. The conversion is
// pure integer arithmetic and truncates toward zero, so callers can predict
// the exact atomic amount: "0.015" with 6 decimals is "15000", never "20000".
func PriceToAtomicUnits(price string, decimals int) (string, error) {
	s := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(price), "$"))
	if s == "" {
		return "", fmt.Errorf("empty price")
	}
	if strings.HasPrefix(s, "-") {
		return "", fmt.Errorf("negative price %q", price)
	}
	if decimals < 0 {
		return "", fmt.Errorf("negative decimals %d", decimals)
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if !isDigits(whole) || (frac != "" && !isDigits(frac)) {
		return "", fmt.Errorf("malformed price %q", price)
	}

	// Truncate (never round) fractional digits beyond the asset's precision,
	// then right-pad to exactly `decimals` digits.
	if len(frac) > decimals {
		frac = frac[:decimals]
	}
	frac += strings.Repeat("0", decimals-len(frac))

	atomic, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return "", fmt.Errorf("malformed price %q", price)
	}
	return atomic.String(), nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}
