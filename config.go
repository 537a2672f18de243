package x402

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Config holds the middleware configuration.
type Config struct {
	// Verifier is the payment verification backend (typically *evm.Engine).
	Verifier ChainVerifier

	// EndpointPricing maps URL patterns to pricing rules.
	// Patterns support exact matches ("/v1/endpoint") and wildcards ("/v1/*").
	// Used by HTTP middleware (grpc-gateway).
	EndpointPricing map[string]PricingRule

	// MethodPricing maps gRPC method names to pricing rules.
	// Methods are full names like "/package.Service/Method".
	// Supports wildcards: "/package.Service/*" matches all methods in a service.
	// Used by native gRPC interceptors.
	MethodPricing map[string]PricingRule

	// DefaultPricing is used when no pattern matches (optional).
	// If nil, unmatched endpoints don't require payment.
	DefaultPricing *PricingRule

	// Registry supplies asset defaults for accepted tokens that omit them.
	// NewRegistry() when nil.
	Registry *Registry

	// ValidityDuration is how long presented payment requirements stay valid.
	// Defaults to DefaultValidityDuration.
	ValidityDuration time.Duration

	// SkipPaths lists paths that should bypass payment checks entirely.
	SkipPaths []string

	// SkipMethods lists gRPC methods that should bypass payment checks.
	SkipMethods []string

	// CustomPaywallHTML is custom HTML to return for browser requests (optional).
	CustomPaywallHTML string
}

// PricingRule defines payment requirements for an endpoint.
type PricingRule struct {
	// Price is the decimal price in the service's pricing currency
	// (e.g. "0.01"). Converted per token via the requirement builder.
	Price string

	// AcceptedTokens lists the networks/tokens accepted for this endpoint.
	AcceptedTokens []TokenRequirement

	// Description explains what this payment is for.
	Description string

	// MimeType of the resource being sold (optional).
	MimeType string

	// OutputSchema is a JSON schema describing the response format (optional).
	OutputSchema map[string]interface{}
}

// TokenRequirement specifies a payment option (network + token).
type TokenRequirement struct {
	// Network is the settlement network id (e.g. "base-sepolia").
	Network string

	// Recipient is the address that will receive payment.
	Recipient string

	// AssetContract overrides the registry's token contract address.
	AssetContract string

	// TokenName overrides the token's EIP-712 domain name.
	TokenName string

	// TokenDecimals is the token's decimal precision (6 when zero).
	TokenDecimals int
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Verifier == nil {
		return fmt.Errorf("verifier is required")
	}

	if c.ValidityDuration == 0 {
		c.ValidityDuration = DefaultValidityDuration
	}
	if c.Registry == nil {
		c.Registry = NewRegistry()
	}

	for pattern, rule := range c.EndpointPricing {
		if err := rule.Validate(c.Registry); err != nil {
			return fmt.Errorf("invalid pricing rule for pattern %q: %w", pattern, err)
		}
	}

	for method, rule := range c.MethodPricing {
		if err := rule.Validate(c.Registry); err != nil {
			return fmt.Errorf("invalid pricing rule for method %q: %w", method, err)
		}
	}

	if c.DefaultPricing != nil {
		if err := c.DefaultPricing.Validate(c.Registry); err != nil {
			return fmt.Errorf("invalid default pricing rule: %w", err)
		}
	}

	return nil
}

// Validate checks if the pricing rule is valid.
func (p *PricingRule) Validate(reg *Registry) error {
	if p.Price == "" {
		return fmt.Errorf("price is required")
	}
	if _, err := PriceToAtomicUnits(p.Price, DefaultAssetDecimals); err != nil {
		return fmt.Errorf("invalid price: %w", err)
	}

	if len(p.AcceptedTokens) == 0 {
		return fmt.Errorf("at least one accepted token is required")
	}

	for i, token := range p.AcceptedTokens {
		if err := token.Validate(reg); err != nil {
			return fmt.Errorf("invalid token requirement at index %d: %w", i, err)
		}
	}

	return nil
}

// Validate checks if the token requirement is valid.
func (t *TokenRequirement) Validate(reg *Registry) error {
	if t.Network == "" {
		return fmt.Errorf("network is required")
	}

	if t.Recipient == "" {
		return fmt.Errorf("recipient is required")
	}

	if t.AssetContract == "" {
		nc, ok := reg.Lookup(t.Network)
		if !ok || nc.Asset == "" {
			return fmt.Errorf("unknown network %q and no asset contract configured", t.Network)
		}
	}

	return nil
}

// BuildAccepts constructs the payment requirements offered for a rule,
// one per accepted token, with the resource set to the matched endpoint.
func (c *Config) BuildAccepts(rule *PricingRule, resource string) ([]PaymentRequirements, error) {
	reg := c.Registry
	if reg == nil {
		reg = NewRegistry()
	}

	accepts := make([]PaymentRequirements, 0, len(rule.AcceptedTokens))
	for _, token := range rule.AcceptedTokens {
		req, err := BuildRequirements(reg, RequirementSpec{
			Price:       rule.Price,
			PayTo:       token.Recipient,
			Network:     token.Network,
			Resource:    resource,
			Description: rule.Description,
			MimeType:    rule.MimeType,
			Asset:       token.AssetContract,
			AssetName:   token.TokenName,
			Decimals:    token.TokenDecimals,
		})
		if err != nil {
			return nil, err
		}
		if c.ValidityDuration > 0 {
			req.MaxTimeoutSeconds = int(c.ValidityDuration.Seconds())
		}
		req.OutputSchema = rule.OutputSchema
		accepts = append(accepts, *req)
	}
	return accepts, nil
}

// MatchEndpoint finds the pricing rule for a given path.
func (c *Config) MatchEndpoint(requestPath string) (*PricingRule, bool) {
	for _, skipPath := range c.SkipPaths {
		if matchPath(requestPath, skipPath) {
			return nil, false
		}
	}

	if rule, ok := c.EndpointPricing[requestPath]; ok {
		return &rule, true
	}

	var bestMatch string
	var bestRule *PricingRule

	for pattern, rule := range c.EndpointPricing {
		if matchPath(requestPath, pattern) {
			if len(pattern) > len(bestMatch) {
				bestMatch = pattern
				ruleCopy := rule
				bestRule = &ruleCopy
			}
		}
	}

	if bestRule != nil {
		return bestRule, true
	}

	if c.DefaultPricing != nil {
		return c.DefaultPricing, true
	}

	return nil, false
}

// MatchMethod finds the pricing rule for a given gRPC method.
func (c *Config) MatchMethod(fullMethod string) (*PricingRule, bool) {
	for _, skipMethod := range c.SkipMethods {
		if matchPath(fullMethod, skipMethod) {
			return nil, false
		}
	}

	if rule, ok := c.MethodPricing[fullMethod]; ok {
		return &rule, true
	}

	var bestMatch string
	var bestRule *PricingRule

	for pattern, rule := range c.MethodPricing {
		if matchPath(fullMethod, pattern) {
			if len(pattern) > len(bestMatch) {
				bestMatch = pattern
				ruleCopy := rule
				bestRule = &ruleCopy
			}
		}
	}

	if bestRule != nil {
		return bestRule, true
	}

	if c.DefaultPricing != nil {
		return c.DefaultPricing, true
	}

	return nil, false
}

func matchPath(requestPath, pattern string) bool {
	if requestPath == pattern {
		return true
	}

	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return strings.HasPrefix(requestPath, prefix+"/") || requestPath == prefix
	}

	matched, _ := path.Match(pattern, requestPath)
	return matched
}
