package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/ehr/claimsdesk/internal/domain/claims"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BatchTimeout   time.Duration `mapstructure:"BATCH_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`

	CRMBaseURL        string        `mapstructure:"CRM_BASE_URL"`
	CRMAPIKey         string        `mapstructure:"CRM_API_KEY"`
	CRMLocationID     string        `mapstructure:"CRM_LOCATION_ID"`
	CRMTimeout        time.Duration `mapstructure:"CRM_TIMEOUT"`
	CRMRateLimitRPS   float64       `mapstructure:"CRM_RATE_LIMIT_RPS"`
	CRMRateLimitBurst int           `mapstructure:"CRM_RATE_LIMIT_BURST"`

	RefreshInterval time.Duration `mapstructure:"REFRESH_INTERVAL"`
	LookbackDays    int           `mapstructure:"LOOKBACK_DAYS"`

	DraftStore         string        `mapstructure:"DRAFT_STORE"`
	DraftFilePath      string        `mapstructure:"DRAFT_FILE_PATH"`
	DraftEncryptionKey string        `mapstructure:"DRAFT_ENCRYPTION_KEY"`
	DraftTTL           time.Duration `mapstructure:"DRAFT_TTL"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	RemoteDraftTimeout time.Duration `mapstructure:"REMOTE_DRAFT_TIMEOUT"`

	BillingProviderName    string `mapstructure:"BILLING_PROVIDER_NAME"`
	BillingProviderAddress string `mapstructure:"BILLING_PROVIDER_ADDRESS"`
	BillingProviderCity    string `mapstructure:"BILLING_PROVIDER_CITY"`
	BillingProviderState   string `mapstructure:"BILLING_PROVIDER_STATE"`
	BillingProviderZip     string `mapstructure:"BILLING_PROVIDER_ZIP"`
	BillingProviderPhone   string `mapstructure:"BILLING_PROVIDER_PHONE"`
	BillingTaxID           string `mapstructure:"BILLING_TAX_ID"`
	BillingTaxIDType       string `mapstructure:"BILLING_TAX_ID_TYPE"`
	BillingNPI             string `mapstructure:"BILLING_NPI"`
	DefaultCPTCode         string `mapstructure:"DEFAULT_CPT_CODE"`
	DefaultCharge          string `mapstructure:"DEFAULT_CHARGE"`
	DefaultPlaceOfService  string `mapstructure:"DEFAULT_PLACE_OF_SERVICE"`
	DefaultSessionMinutes  int    `mapstructure:"DEFAULT_SESSION_MINUTES"`

	LogLevel      string `mapstructure:"LOG_LEVEL"`
	LogFile       string `mapstructure:"LOG_FILE"`
	LogMaxSizeMB  int    `mapstructure:"LOG_MAX_SIZE_MB"`
	LogMaxBackups int    `mapstructure:"LOG_MAX_BACKUPS"`
	LogMaxAgeDays int    `mapstructure:"LOG_MAX_AGE_DAYS"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "REQUEST_TIMEOUT", "BATCH_TIMEOUT", "BODY_LIMIT",
	"CRM_BASE_URL", "CRM_API_KEY", "CRM_LOCATION_ID", "CRM_TIMEOUT",
	"CRM_RATE_LIMIT_RPS", "CRM_RATE_LIMIT_BURST",
	"REFRESH_INTERVAL", "LOOKBACK_DAYS",
	"DRAFT_STORE", "DRAFT_FILE_PATH", "DRAFT_ENCRYPTION_KEY", "DRAFT_TTL",
	"REDIS_URL", "REMOTE_DRAFT_TIMEOUT",
	"BILLING_PROVIDER_NAME", "BILLING_PROVIDER_ADDRESS", "BILLING_PROVIDER_CITY",
	"BILLING_PROVIDER_STATE", "BILLING_PROVIDER_ZIP", "BILLING_PROVIDER_PHONE",
	"BILLING_TAX_ID", "BILLING_TAX_ID_TYPE", "BILLING_NPI",
	"DEFAULT_CPT_CODE", "DEFAULT_CHARGE", "DEFAULT_PLACE_OF_SERVICE", "DEFAULT_SESSION_MINUTES",
	"LOG_LEVEL", "LOG_FILE", "LOG_MAX_SIZE_MB", "LOG_MAX_BACKUPS", "LOG_MAX_AGE_DAYS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BATCH_TIMEOUT", "5m")
	v.SetDefault("BODY_LIMIT", "2M")
	v.SetDefault("CRM_BASE_URL", "https://services.leadconnectorhq.com")
	v.SetDefault("CRM_TIMEOUT", "15s")
	v.SetDefault("CRM_RATE_LIMIT_RPS", 10)
	v.SetDefault("CRM_RATE_LIMIT_BURST", 20)
	v.SetDefault("REFRESH_INTERVAL", "30s")
	v.SetDefault("LOOKBACK_DAYS", 90)
	v.SetDefault("DRAFT_STORE", "file")
	v.SetDefault("DRAFT_FILE_PATH", "data/drafts.json")
	v.SetDefault("DRAFT_TTL", "720h")
	v.SetDefault("REMOTE_DRAFT_TIMEOUT", "10s")
	v.SetDefault("BILLING_TAX_ID_TYPE", "EIN")
	v.SetDefault("DEFAULT_CPT_CODE", "90837")
	v.SetDefault("DEFAULT_CHARGE", "150.00")
	v.SetDefault("DEFAULT_PLACE_OF_SERVICE", "11")
	v.SetDefault("DEFAULT_SESSION_MINUTES", 60)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_MAX_SIZE_MB", 100)
	v.SetDefault("LOG_MAX_BACKUPS", 5)
	v.SetDefault("LOG_MAX_AGE_DAYS", 30)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// some form of token verification must be configured, and production also
// requires drafts to be encrypted at rest.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("one of AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}

	switch c.DraftStore {
	case "memory", "file", "redis":
	default:
		return fmt.Errorf("DRAFT_STORE must be \"memory\", \"file\", or \"redis\", got %q", c.DraftStore)
	}
	if c.DraftStore == "file" && c.DraftFilePath == "" {
		return fmt.Errorf("DRAFT_FILE_PATH is required when DRAFT_STORE is \"file\"")
	}
	if c.DraftStore == "redis" && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when DRAFT_STORE is \"redis\"")
	}

	if c.IsProduction() && c.DraftEncryptionKey == "" {
		return fmt.Errorf("DRAFT_ENCRYPTION_KEY is required in production")
	}
	if c.DraftEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.DraftEncryptionKey)
		if err != nil {
			return fmt.Errorf("DRAFT_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("DRAFT_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	if c.CRMBaseURL == "" {
		return fmt.Errorf("CRM_BASE_URL is required")
	}
	if c.LookbackDays <= 0 {
		return fmt.Errorf("LOOKBACK_DAYS must be positive, got %d", c.LookbackDays)
	}
	if _, err := decimal.NewFromString(c.DefaultCharge); err != nil {
		return fmt.Errorf("DEFAULT_CHARGE is not a valid amount: %w", err)
	}
	return nil
}

// Lookback is the window of past appointments scanned for unbilled sessions.
func (c *Config) Lookback() time.Duration {
	return time.Duration(c.LookbackDays) * 24 * time.Hour
}

// OrgDefaults maps the billing settings onto claim form defaults. Anything left
// empty falls back to the built-in values when the claims service starts.
func (c *Config) OrgDefaults() claims.OrgDefaults {
	d := claims.OrgDefaults{
		BillingProviderName: c.BillingProviderName,
		BillingProviderAddress: claims.Address{
			Street: c.BillingProviderAddress,
			City:   c.BillingProviderCity,
			State:  c.BillingProviderState,
			Zip:    c.BillingProviderZip,
		},
		BillingProviderPhone: c.BillingProviderPhone,
		NPI:                  c.BillingNPI,
		TaxID:                c.BillingTaxID,
		TaxIDType:            c.BillingTaxIDType,
		DefaultCPTCode:       c.DefaultCPTCode,
		PlaceOfService:       c.DefaultPlaceOfService,
		SessionLength:        time.Duration(c.DefaultSessionMinutes) * time.Minute,
		AcceptAssignment:     true,
		SignatureOnFile:      true,
	}
	if charge, err := decimal.NewFromString(c.DefaultCharge); err == nil {
		d.DefaultCharge = charge
	}
	return d
}
