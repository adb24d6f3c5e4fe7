package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	ServerPort string
	LogDevMode bool

	// Database configuration
	DatabaseURL string
	DBMaxConns  int
	DBMinConns  int

	// Redis configuration
	RedisURL string

	// M-Pesa (Daraja) API credentials
	MpesaConsumerKey    string
	MpesaConsumerSecret string
	MpesaPasskey        string
	MpesaShortCode      string
	MpesaInitiatorName  string
	MpesaSecurityCred   string
	MpesaAuthURL        string
	MpesaSTKPushURL     string
	MpesaB2CURL         string
	MpesaCallbackURL    string
	MpesaResultURL      string

	// Amount bounds per transaction direction (KES)
	B2CMinAmount int64
	B2CMaxAmount int64

	// SAP ERP connection and posting defaults
	SapBaseURL        string
	SapClientID       string
	SapClientSecret   string
	SapCompanyCode    string
	SapDocumentType   string
	SapCashAccount    string
	SapRevenueAccount string
	SapCostCenter     string
	SapBusinessArea   string

	// Notification settings
	SMTPHost       string
	SMTPPort       int
	SMTPUser       string
	SMTPPassword   string
	SMTPFrom       string
	FinanceEmail   string
	ReportCronSpec string

	// Security settings
	InternalSecret string
	MpesaIPs       []string

	// Request limits
	MaxRequestSize int64

	// Worker settings
	WorkerConcurrency int
}

// Load reads configuration from the environment. A local .env file, if
// present, is merged in first without overriding real environment values.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		// Server
		ServerPort: getEnv("BRIDGE_SERVER_PORT", "8080"),
		LogDevMode: getEnv("BRIDGE_LOG_MODE", "production") == "development",

		// Database
		DatabaseURL: getEnv("BRIDGE_DATABASE_URL", ""),
		DBMaxConns:  getEnvInt("BRIDGE_DB_MAX_CONNS", 25),
		DBMinConns:  getEnvInt("BRIDGE_DB_MIN_CONNS", 5),

		// Redis
		RedisURL: getEnv("BRIDGE_REDIS_URL", ""),

		// M-Pesa
		MpesaConsumerKey:    getEnv("BRIDGE_MPESA_CONSUMER_KEY", ""),
		MpesaConsumerSecret: getEnv("BRIDGE_MPESA_CONSUMER_SECRET", ""),
		MpesaPasskey:        getEnv("BRIDGE_MPESA_PASSKEY", ""),
		MpesaShortCode:      getEnv("BRIDGE_MPESA_SHORT_CODE", ""),
		MpesaInitiatorName:  getEnv("BRIDGE_MPESA_INITIATOR_NAME", ""),
		MpesaSecurityCred:   getEnv("BRIDGE_MPESA_SECURITY_CREDENTIAL", ""),
		MpesaAuthURL:        getEnv("BRIDGE_MPESA_AUTH_URL", "https://sandbox.safaricom.co.ke/oauth/v1/generate?grant_type=client_credentials"),
		MpesaSTKPushURL:     getEnv("BRIDGE_MPESA_STK_PUSH_URL", "https://sandbox.safaricom.co.ke/mpesa/stkpush/v1/processrequest"),
		MpesaB2CURL:         getEnv("BRIDGE_MPESA_B2C_URL", "https://sandbox.safaricom.co.ke/mpesa/b2c/v1/paymentrequest"),
		MpesaCallbackURL:    getEnv("BRIDGE_MPESA_CALLBACK_URL", ""),
		MpesaResultURL:      getEnv("BRIDGE_MPESA_RESULT_URL", ""),

		// Amount bounds (Safaricom B2C limits)
		B2CMinAmount: getEnvInt64("BRIDGE_B2C_MIN_AMOUNT", 1),
		B2CMaxAmount: getEnvInt64("BRIDGE_B2C_MAX_AMOUNT", 70000),

		// SAP
		SapBaseURL:        getEnv("BRIDGE_SAP_BASE_URL", ""),
		SapClientID:       getEnv("BRIDGE_SAP_CLIENT_ID", ""),
		SapClientSecret:   getEnv("BRIDGE_SAP_CLIENT_SECRET", ""),
		SapCompanyCode:    getEnv("BRIDGE_SAP_COMPANY_CODE", "1000"),
		SapDocumentType:   getEnv("BRIDGE_SAP_DOCUMENT_TYPE", "DZ"),
		SapCashAccount:    getEnv("BRIDGE_SAP_CASH_ACCOUNT", ""),
		SapRevenueAccount: getEnv("BRIDGE_SAP_REVENUE_ACCOUNT", ""),
		SapCostCenter:     getEnv("BRIDGE_SAP_COST_CENTER", ""),
		SapBusinessArea:   getEnv("BRIDGE_SAP_BUSINESS_AREA", ""),

		// Notifications
		SMTPHost:       getEnv("BRIDGE_SMTP_HOST", ""),
		SMTPPort:       getEnvInt("BRIDGE_SMTP_PORT", 587),
		SMTPUser:       getEnv("BRIDGE_SMTP_USER", ""),
		SMTPPassword:   getEnv("BRIDGE_SMTP_PASSWORD", ""),
		SMTPFrom:       getEnv("BRIDGE_SMTP_FROM", ""),
		FinanceEmail:   getEnv("BRIDGE_FINANCE_EMAIL", ""),
		ReportCronSpec: getEnv("BRIDGE_REPORT_CRON", "0 6 * * *"),

		// Security
		InternalSecret: getEnv("BRIDGE_INTERNAL_SECRET", ""),
		MaxRequestSize: getEnvInt64("BRIDGE_MAX_REQUEST_SIZE", 1<<20), // 1MB

		// Worker
		WorkerConcurrency: getEnvInt("BRIDGE_WORKER_CONCURRENCY", 10),
	}

	// Parse callback IP allowlist
	ipList := getEnv("BRIDGE_MPESA_IPS", "")
	if ipList != "" {
		cfg.MpesaIPs = strings.Split(ipList, ",")
		for i := range cfg.MpesaIPs {
			cfg.MpesaIPs[i] = strings.TrimSpace(cfg.MpesaIPs[i])
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate ensures all required configuration is present
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("BRIDGE_DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("BRIDGE_REDIS_URL is required")
	}
	if c.InternalSecret == "" {
		return fmt.Errorf("BRIDGE_INTERNAL_SECRET is required")
	}
	if c.MpesaConsumerKey == "" {
		return fmt.Errorf("BRIDGE_MPESA_CONSUMER_KEY is required")
	}
	if c.MpesaConsumerSecret == "" {
		return fmt.Errorf("BRIDGE_MPESA_CONSUMER_SECRET is required")
	}
	if c.MpesaPasskey == "" {
		return fmt.Errorf("BRIDGE_MPESA_PASSKEY is required")
	}
	if c.MpesaShortCode == "" {
		return fmt.Errorf("BRIDGE_MPESA_SHORT_CODE is required")
	}
	if c.MpesaCallbackURL == "" {
		return fmt.Errorf("BRIDGE_MPESA_CALLBACK_URL is required (public URL for callbacks)")
	}
	if c.SapBaseURL == "" {
		return fmt.Errorf("BRIDGE_SAP_BASE_URL is required")
	}
	if c.SapCashAccount == "" || c.SapRevenueAccount == "" {
		return fmt.Errorf("BRIDGE_SAP_CASH_ACCOUNT and BRIDGE_SAP_REVENUE_ACCOUNT are required")
	}
	if c.B2CMinAmount < 1 || c.B2CMaxAmount < c.B2CMinAmount {
		return fmt.Errorf("invalid B2C amount bounds: min=%d max=%d", c.B2CMinAmount, c.B2CMaxAmount)
	}
	return nil
}

// SafeFields returns configuration suitable for startup logging,
// with connection strings masked.
func (c *Config) SafeFields() map[string]interface{} {
	return map[string]interface{}{
		"server_port":        c.ServerPort,
		"database_url":       maskConnectionString(c.DatabaseURL),
		"redis_url":          maskConnectionString(c.RedisURL),
		"db_pool_min":        c.DBMinConns,
		"db_pool_max":        c.DBMaxConns,
		"worker_concurrency": c.WorkerConcurrency,
		"mpesa_short_code":   c.MpesaShortCode,
		"mpesa_ip_allowlist": c.MpesaIPs,
		"sap_base_url":       c.SapBaseURL,
		"sap_company_code":   c.SapCompanyCode,
		"max_request_size":   c.MaxRequestSize,
	}
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
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func maskConnectionString(connStr string) string {
	if strings.Contains(connStr, "@") {
		parts := strings.Split(connStr, "@")
		if len(parts) == 2 {
			return "***@" + parts[1]
		}
	}
	return "***"
}
