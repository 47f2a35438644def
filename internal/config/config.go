package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all configuration for the service
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	LocalStore LocalStoreConfig
	Presale    PresaleConfig
	EVM        EVMConfig
	Solana     SolanaConfig
	Bitcoin    BitcoinConfig
	Stripe     StripeConfig
	PriceFeed  PriceFeedConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port    int
	BaseURL string // public base URL, used as the deeplink redirect target
}

// DatabaseConfig holds PostgreSQL configuration for the purchase mirror.
// The mirror is optional: with no host configured, mirror writes are skipped.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Enabled reports whether a mirror database is configured.
func (d DatabaseConfig) Enabled() bool {
	return d.Host != ""
}

// LocalStoreConfig holds the SQLite-backed durable local store location.
type LocalStoreConfig struct {
	Dir      string
	Filename string
}

// PresaleConfig holds the receiving wallets and pricing fallbacks.
type PresaleConfig struct {
	EVMReceivingAddress     string
	SolanaReceivingAddress  string
	BitcoinReceivingAddress string
	FallbackETHUSD          string // used when the price feed has no ETH quote yet
	MinManualTxIDLength     int
}

// TokenConfig describes an ERC-20 asset accepted for payment.
type TokenConfig struct {
	ContractAddress string
	Decimals        int32
}

// EVMConfig holds the target EVM network and accepted tokens.
type EVMConfig struct {
	ChainID      int64
	ChainName    string
	RPCEndpoint  string // optional; enables best-effort receipt checks
	NativeSymbol string
	ExplorerURL  string
	Tokens       map[string]TokenConfig // payment method symbol -> token
}

// SolanaConfig holds Solana network settings.
type SolanaConfig struct {
	RPCEndpoint string
	Cluster     string
}

// BitcoinConfig holds Bitcoin network settings.
type BitcoinConfig struct {
	Network string // "mainnet" or "testnet"
}

// StripeConfig holds checkout session settings.
type StripeConfig struct {
	SecretKey  string
	SuccessURL string
	CancelURL  string
}

// PriceFeedConfig holds the external quote source settings.
type PriceFeedConfig struct {
	Endpoint        string
	IntervalSeconds int
	Symbols         []string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:    getEnvInt("SERVER_PORT", 8080),
			BaseURL: getEnv("SERVER_BASE_URL", "http://localhost:8080"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", ""),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "presale_service"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		LocalStore: LocalStoreConfig{
			Dir:      getEnv("LOCAL_STORE_DIR", "data"),
			Filename: getEnv("LOCAL_STORE_FILE", "presale.db"),
		},
		Presale: PresaleConfig{
			EVMReceivingAddress:     getEnv("EVM_RECEIVING_ADDRESS", ""),
			SolanaReceivingAddress:  getEnv("SOLANA_RECEIVING_ADDRESS", ""),
			BitcoinReceivingAddress: getEnv("BITCOIN_RECEIVING_ADDRESS", ""),
			FallbackETHUSD:          getEnv("FALLBACK_ETH_USD", "3000"),
			MinManualTxIDLength:     getEnvInt("MIN_MANUAL_TXID_LENGTH", 20),
		},
		EVM: EVMConfig{
			ChainID:      int64(getEnvInt("EVM_CHAIN_ID", 97)), // BSC testnet
			ChainName:    getEnv("EVM_CHAIN_NAME", "BNB Smart Chain Testnet"),
			RPCEndpoint:  getEnv("EVM_RPC_ENDPOINT", ""),
			NativeSymbol: getEnv("EVM_NATIVE_SYMBOL", "tBNB"),
			ExplorerURL:  getEnv("EVM_EXPLORER_URL", "https://testnet.bscscan.com"),
			Tokens: map[string]TokenConfig{
				"USDC": {
					ContractAddress: getEnv("EVM_USDC_ADDRESS", "0x64544969ed7EBf5f083679233325356EbE738930"),
					Decimals:        int32(getEnvInt("EVM_USDC_DECIMALS", 18)),
				},
				"USDT": {
					ContractAddress: getEnv("EVM_USDT_ADDRESS", "0x337610d27c682E347C9cD60BD4b3b107C9d34dDd"),
					Decimals:        int32(getEnvInt("EVM_USDT_DECIMALS", 18)),
				},
			},
		},
		Solana: SolanaConfig{
			RPCEndpoint: getEnv("SOLANA_RPC_ENDPOINT", "https://api.mainnet-beta.solana.com"),
			Cluster:     getEnv("SOLANA_CLUSTER", "mainnet-beta"),
		},
		Bitcoin: BitcoinConfig{
			Network: getEnv("BITCOIN_NETWORK", "mainnet"),
		},
		Stripe: StripeConfig{
			SecretKey:  getEnv("STRIPE_SECRET_KEY", ""),
			SuccessURL: getEnv("STRIPE_SUCCESS_URL", ""),
			CancelURL:  getEnv("STRIPE_CANCEL_URL", ""),
		},
		PriceFeed: PriceFeedConfig{
			Endpoint:        getEnv("PRICE_FEED_ENDPOINT", ""),
			IntervalSeconds: getEnvInt("PRICE_FEED_INTERVAL_SECONDS", 60),
			Symbols:         []string{"ETH", "BNB", "SOL", "BTC"},
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Presale.EVMReceivingAddress == "" {
		return fmt.Errorf("EVM receiving address is required")
	}
	if c.Presale.SolanaReceivingAddress == "" {
		return fmt.Errorf("solana receiving address is required")
	}
	if c.Presale.BitcoinReceivingAddress == "" {
		return fmt.Errorf("bitcoin receiving address is required")
	}

	if c.Presale.MinManualTxIDLength <= 0 {
		return fmt.Errorf("invalid minimum manual transaction id length: %d", c.Presale.MinManualTxIDLength)
	}

	if c.EVM.ChainID <= 0 {
		return fmt.Errorf("invalid EVM chain id: %d", c.EVM.ChainID)
	}

	switch c.Bitcoin.Network {
	case "mainnet", "testnet":
	default:
		return fmt.Errorf("unknown bitcoin network: %s", c.Bitcoin.Network)
	}

	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
