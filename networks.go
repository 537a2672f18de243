package x402

// NetworkConfig describes the settlement defaults for one supported network.
// Every field is optional: explicit engine configuration always overrides
// registry values.
type NetworkConfig struct {
	// Asset is the settlement token contract address.
	Asset string

	// AssetName is the token's EIP-712 domain name (e.g., "USD Coin").
	AssetName string

	// ChainID is the EVM chain id used for signature domain separation.
	ChainID int64

	// ExplorerURL is the base URL of a block explorer for this network.
	ExplorerURL string

	// DefaultRPCURL is the RPC endpoint used when none is configured.
	DefaultRPCURL string
}

// Registry is the read-only network table the engine consults for asset
// defaults. It is constructed once at startup and never mutated afterwards.
type Registry struct {
	networks map[string]NetworkConfig
}

// NewRegistry returns a registry preloaded with the USDC deployments the
// engine supports out of the box.
func NewRegistry() *Registry {
	return &Registry{networks: map[string]NetworkConfig{
		"base": {
			Asset:         "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			AssetName:     "USD Coin",
			ChainID:       8453,
			ExplorerURL:   "https://basescan.org",
			DefaultRPCURL: "https://mainnet.base.org",
		},
		"base-sepolia": {
			Asset:         "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			AssetName:     "USDC",
			ChainID:       84532,
			ExplorerURL:   "https://sepolia.basescan.org",
			DefaultRPCURL: "https://sepolia.base.org",
		},
		"ethereum": {
			Asset:         "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
			AssetName:     "USD Coin",
			ChainID:       1,
			ExplorerURL:   "https://etherscan.io",
			DefaultRPCURL: "https://eth.llamarpc.com",
		},
		"sepolia": {
			Asset:         "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
			AssetName:     "USDC",
			ChainID:       11155111,
			ExplorerURL:   "https://sepolia.etherscan.io",
			DefaultRPCURL: "https://ethereum-sepolia-rpc.publicnode.com",
		},
		"polygon": {
			Asset:         "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
			AssetName:     "USD Coin",
			ChainID:       137,
			ExplorerURL:   "https://polygonscan.com",
			DefaultRPCURL: "https://polygon-rpc.com",
		},
		"avalanche": {
			Asset:         "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
			AssetName:     "USD Coin",
			ChainID:       43114,
			ExplorerURL:   "https://snowtrace.io",
			DefaultRPCURL: "https://api.avax.network/ext/bc/C/rpc",
		},
	}}
}

// NewRegistryWithNetworks returns a registry holding the default networks
// plus the caller's entries. Caller entries replace defaults with the same id.
func NewRegistryWithNetworks(networks map[string]NetworkConfig) *Registry {
	r := NewRegistry()
	for id, cfg := range networks {
		r.networks[id] = cfg
	}
	return r
}

// Lookup returns the defaults for a network id, if known.
func (r *Registry) Lookup(network string) (NetworkConfig, bool) {
	cfg, ok := r.networks[network]
	return cfg, ok
}

// Networks returns the ids of all registered networks.
func (r *Registry) Networks() []string {
	ids := make([]string, 0, len(r.networks))
	for id := range r.networks {
		ids = append(ids, id)
	}
	return ids
}
