package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ksred/klear-escrow/internal/types"
)

const (
	// EnvKey selects production (JSON logs) or development (console logs)
	EnvKey = "ENV"
	// LogLevelKey is one of debug, info, warn, error
	LogLevelKey = "LOG_LEVEL"
	// HTTPPortKey is the port the gin API listens on
	HTTPPortKey = "HTTP_PORT"
	// DBDriverKey is either sqlite or postgres
	DBDriverKey = "DB_DRIVER"
	// DBDSNKey is the driver specific data source name
	DBDSNKey = "DB_DSN"
	// JWTSecretKey signs API tokens
	JWTSecretKey = "JWT_SECRET"
	// EscrowAddressKey is the account that holds deposited legs
	EscrowAddressKey = "ESCROW_ADDRESS"
	// FeeRecipientKey receives buyer and seller fees on execution
	FeeRecipientKey = "FEE_RECIPIENT"
	// BuyerFeeBpsKey is the default buyer fee captured at trade creation
	BuyerFeeBpsKey = "BUYER_FEE_BPS"
	// SellerFeeBpsKey is the default seller fee captured at trade creation
	SellerFeeBpsKey = "SELLER_FEE_BPS"
	// DisputeWindowKey is added to the trade creation time to get the dispute resolution deadline
	DisputeWindowKey = "DISPUTE_WINDOW"
	// TradeWindowKey is the longest deadline a trade may be created with
	TradeWindowKey = "TRADE_WINDOW"
	// OracleMaxAgeKey is the age after which a price quote is stale
	OracleMaxAgeKey = "ORACLE_MAX_AGE"
	// OracleMinConfidenceKey is the minimum quote confidence (percent) accepted by gating
	OracleMinConfidenceKey = "ORACLE_MIN_CONFIDENCE"
	// PreciousContractKey names the custody contract holding precious-asset records
	PreciousContractKey = "PRECIOUS_CONTRACT"
	// DefaultJurisdictionKey applies to assets whose registry reports no jurisdiction
	DefaultJurisdictionKey = "DEFAULT_JURISDICTION"
	// ProcessorIntervalKey is the period of the expiry/revalidation sweep
	ProcessorIntervalKey = "PROCESSOR_INTERVAL"
	// PriceFeedURLKey enables the HTTP price feeder when set
	PriceFeedURLKey = "PRICE_FEED_URL"
	// PriceFeedIntervalKey is the polling period of the price feeder
	PriceFeedIntervalKey = "PRICE_FEED_INTERVAL"
	// PriceFeederAddressKey is the identity the feeder submits prices as
	PriceFeederAddressKey = "PRICE_FEEDER_ADDRESS"
	// KafkaBrokersKey enables the Kafka event publisher when set
	KafkaBrokersKey = "KAFKA_BROKERS"
	// KafkaTopicKey is the topic trade events are produced to
	KafkaTopicKey = "KAFKA_TOPIC"
	// AdminAddressKey is granted the ADMIN role on startup
	AdminAddressKey = "ADMIN_ADDRESS"
	// APIKeyKey, APISecretKey and APIAddressKey register one set of API credentials
	APIKeyKey     = "API_KEY"
	APISecretKey  = "API_SECRET"
	APIAddressKey = "API_ADDRESS"

	MaxFeeBps        = 1000
	MinTradeWindow   = time.Hour
	MaxTradeWindow   = 30 * 24 * time.Hour
	MinDisputeWindow = time.Hour
	MaxDisputeWindow = 30 * 24 * time.Hour
)

// Config holds all application configuration.
type Config struct {
	Env      string
	LogLevel string
	HTTPPort string

	DBDriver string
	DBDSN    string

	JWTSecret  string
	APIKey     string
	APISecret  string
	APIAddress types.Address

	EscrowAddress types.Address
	FeeRecipient  types.Address
	AdminAddress  types.Address
	BuyerFeeBps   int64
	SellerFeeBps  int64
	DisputeWindow time.Duration
	TradeWindow   time.Duration

	OracleMaxAge        time.Duration
	OracleMinConfidence int64
	PreciousContract    string
	DefaultJurisdiction string
	ProcessorInterval   time.Duration

	PriceFeedURL       string
	PriceFeedInterval  time.Duration
	PriceFeederAddress types.Address

	KafkaBrokers string
	KafkaTopic   string
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("ESCROW")
	v.AutomaticEnv()

	v.SetDefault(EnvKey, "development")
	v.SetDefault(LogLevelKey, "info")
	v.SetDefault(HTTPPortKey, "8080")
	v.SetDefault(DBDriverKey, "sqlite")
	v.SetDefault(DBDSNKey, "escrow.db")
	v.SetDefault(JWTSecretKey, "klear-secret-key")
	v.SetDefault(EscrowAddressKey, "0x00000000000000000000000000000000000e5c70")
	v.SetDefault(FeeRecipientKey, "0x00000000000000000000000000000000000fee00")
	v.SetDefault(AdminAddressKey, "0x0000000000000000000000000000000000000ad1")
	v.SetDefault(BuyerFeeBpsKey, 50)
	v.SetDefault(SellerFeeBpsKey, 50)
	v.SetDefault(DisputeWindowKey, 7*24*time.Hour)
	v.SetDefault(TradeWindowKey, MaxTradeWindow)
	v.SetDefault(OracleMaxAgeKey, time.Hour)
	v.SetDefault(OracleMinConfidenceKey, 50)
	v.SetDefault(PreciousContractKey, "precious-metals")
	v.SetDefault(DefaultJurisdictionKey, "CH")
	v.SetDefault(ProcessorIntervalKey, time.Minute)
	v.SetDefault(PriceFeedIntervalKey, 30*time.Second)
	v.SetDefault(PriceFeederAddressKey, "0x00000000000000000000000000000000000f33d0")
	v.SetDefault(KafkaTopicKey, "escrow.trade-events")
	v.SetDefault(APIKeyKey, "test-api-key")
	v.SetDefault(APISecretKey, "test-api-secret")
	v.SetDefault(APIAddressKey, "0x0000000000000000000000000000000000000ad1")

	return v
}

// Load reads an optional .env file, then the ESCROW_ prefixed environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return load(newViper())
}

func load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Env:      v.GetString(EnvKey),
		LogLevel: strings.ToLower(v.GetString(LogLevelKey)),
		HTTPPort: v.GetString(HTTPPortKey),

		DBDriver: strings.ToLower(v.GetString(DBDriverKey)),
		DBDSN:    v.GetString(DBDSNKey),

		JWTSecret: v.GetString(JWTSecretKey),
		APIKey:    v.GetString(APIKeyKey),
		APISecret: v.GetString(APISecretKey),

		BuyerFeeBps:   v.GetInt64(BuyerFeeBpsKey),
		SellerFeeBps:  v.GetInt64(SellerFeeBpsKey),
		DisputeWindow: v.GetDuration(DisputeWindowKey),
		TradeWindow:   v.GetDuration(TradeWindowKey),

		OracleMaxAge:        v.GetDuration(OracleMaxAgeKey),
		OracleMinConfidence: v.GetInt64(OracleMinConfidenceKey),
		PreciousContract:    v.GetString(PreciousContractKey),
		DefaultJurisdiction: strings.ToUpper(v.GetString(DefaultJurisdictionKey)),
		ProcessorInterval:   v.GetDuration(ProcessorIntervalKey),

		PriceFeedURL:      v.GetString(PriceFeedURLKey),
		PriceFeedInterval: v.GetDuration(PriceFeedIntervalKey),

		KafkaBrokers: v.GetString(KafkaBrokersKey),
		KafkaTopic:   v.GetString(KafkaTopicKey),
	}

	addresses := []struct {
		key string
		dst *types.Address
	}{
		{EscrowAddressKey, &cfg.EscrowAddress},
		{FeeRecipientKey, &cfg.FeeRecipient},
		{AdminAddressKey, &cfg.AdminAddress},
		{APIAddressKey, &cfg.APIAddress},
		{PriceFeederAddressKey, &cfg.PriceFeederAddress},
	}
	for _, a := range addresses {
		addr, err := types.ParseAddress(v.GetString(a.key))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", a.key, err)
		}
		*a.dst = addr
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks that configuration values are valid.
func (c *Config) Validate() error {
	if c.HTTPPort == "" {
		return fmt.Errorf("HTTP_PORT cannot be empty")
	}
	if c.DBDriver != "sqlite" && c.DBDriver != "postgres" {
		return fmt.Errorf("DB_DRIVER must be 'sqlite' or 'postgres', got %q", c.DBDriver)
	}
	if c.DBDSN == "" {
		return fmt.Errorf("DB_DSN cannot be empty")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET cannot be empty")
	}
	if c.EscrowAddress.IsZero() {
		return fmt.Errorf("ESCROW_ADDRESS cannot be the zero address")
	}
	if c.FeeRecipient.IsZero() {
		return fmt.Errorf("FEE_RECIPIENT cannot be the zero address")
	}
	if c.BuyerFeeBps < 0 || c.BuyerFeeBps > MaxFeeBps {
		return fmt.Errorf("BUYER_FEE_BPS must be between 0 and %d, got %d", MaxFeeBps, c.BuyerFeeBps)
	}
	if c.SellerFeeBps < 0 || c.SellerFeeBps > MaxFeeBps {
		return fmt.Errorf("SELLER_FEE_BPS must be between 0 and %d, got %d", MaxFeeBps, c.SellerFeeBps)
	}
	if c.TradeWindow < MinTradeWindow || c.TradeWindow > MaxTradeWindow {
		return fmt.Errorf("TRADE_WINDOW must be between %s and %s, got %s", MinTradeWindow, MaxTradeWindow, c.TradeWindow)
	}
	if c.DisputeWindow < MinDisputeWindow || c.DisputeWindow > MaxDisputeWindow {
		return fmt.Errorf("DISPUTE_WINDOW must be between %s and %s, got %s", MinDisputeWindow, MaxDisputeWindow, c.DisputeWindow)
	}
	if c.OracleMaxAge <= 0 {
		return fmt.Errorf("ORACLE_MAX_AGE must be positive")
	}
	if c.OracleMinConfidence < 0 || c.OracleMinConfidence > 100 {
		return fmt.Errorf("ORACLE_MIN_CONFIDENCE must be between 0 and 100, got %d", c.OracleMinConfidence)
	}
	if c.PreciousContract == "" {
		return fmt.Errorf("PRECIOUS_CONTRACT cannot be empty")
	}
	if c.ProcessorInterval <= 0 {
		return fmt.Errorf("PROCESSOR_INTERVAL must be positive")
	}
	if c.PriceFeedURL != "" && c.PriceFeedInterval <= 0 {
		return fmt.Errorf("PRICE_FEED_INTERVAL must be positive when PRICE_FEED_URL is set")
	}
	return nil
}

// IsProduction reports whether ENV is production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
