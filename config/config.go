package config

import (
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Fee strategy per network. Legacy networks price with a single gas price,
// dynamic networks derive a max fee from the current base fee.
const (
	FeeStrategyLegacy  = "legacy"
	FeeStrategyDynamic = "dynamic"
)

// Network is one entry of the static per-network table: where to reach the
// chain and which contracts the supervisor talks to on it.
type Network struct {
	Name            string
	RPCURL          string
	ChainID         int64
	TokenAddress    string
	SavingsAddress  string
	VaultAddress    string
	FeeStrategy     string
	PriorityFeeGwei int64
}

type Config struct {
	DatabaseDSN string
	ListenAddr  string

	// alert sinks; empty means the sink is not configured
	WebhookURL      string
	SlackWebhookURL string

	// key material for agent wallet envelopes
	AgentEncryptionSecret string
	LegacyEncryptionKey   string

	APIKey    string
	JWTSecret string
	TokenTTL  time.Duration

	DefaultNetwork string
	Networks       map[string]Network
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Load reads .env if present and assembles the runtime configuration.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment")
	}

	cfg := &Config{
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=sentinel port=5432 sslmode=disable"),
		ListenAddr:            getenv("LISTEN_ADDR", ":8000"),
		WebhookURL:            os.Getenv("ALERT_WEBHOOK_URL"),
		SlackWebhookURL:       os.Getenv("SLACK_WEBHOOK_URL"),
		AgentEncryptionSecret: os.Getenv("AGENT_ENCRYPTION_KEY"),
		LegacyEncryptionKey:   os.Getenv("DB_ENCRYPTION_KEY"),
		APIKey:                os.Getenv("API_SECRET"),
		JWTSecret:             getenv("JWT_SECRET", "dev-secret-do-not-use"),
		TokenTTL:              30 * time.Minute,
		DefaultNetwork:        getenv("DEFAULT_NETWORK", "sepolia"),
		Networks: map[string]Network{
			"sepolia": {
				Name:            "sepolia",
				RPCURL:          getenv("SEPOLIA_RPC_URL", "https://rpc.sepolia.org"),
				ChainID:         11155111,
				TokenAddress:    getenv("MNEE_TOKEN_ADDRESS", "0x250ff89cf1518F42F3A4c927938ED73444491715"),
				SavingsAddress:  os.Getenv("SAVINGS_CONTRACT_ADDRESS"),
				VaultAddress:    os.Getenv("VAULT_CONTRACT_ADDRESS"),
				FeeStrategy:     FeeStrategyDynamic,
				PriorityFeeGwei: 2,
			},
			"mainnet": {
				Name:           "mainnet",
				RPCURL:         getenv("MAINNET_RPC_URL", "https://eth.llamarpc.com"),
				ChainID:        1,
				TokenAddress:   os.Getenv("MAINNET_TOKEN_ADDRESS"),
				SavingsAddress: os.Getenv("MAINNET_SAVINGS_ADDRESS"),
				VaultAddress:   os.Getenv("MAINNET_VAULT_ADDRESS"),
				FeeStrategy:    FeeStrategyLegacy,
			},
		},
	}
	return cfg
}

// NetworkOrDefault resolves a stored network name, falling back to the
// configured default for unknown values.
func (c *Config) NetworkOrDefault(name string) Network {
	if n, ok := c.Networks[name]; ok {
		return n
	}
	return c.Networks[c.DefaultNetwork]
}
