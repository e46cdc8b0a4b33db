package config

import (
	"encoding/base64"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	JWTSecret         string
	AccessTokenExpiry time.Duration
	Port              string
	DatabasePath      string
	LogLevel          string

	CORSAllowedOrigin string
	FrontendBaseURL   string

	APIRateLimitRPS   int
	APIRateLimitBurst int

	// Provider selection and Enable Banking style protocol settings.
	BankProvider            string
	EnableBankingAPIURL     string
	EnableBankingAuthURL    string
	EnableBankingAppID      string
	EnableBankingCertPath   string
	EnableBankingKeyPath    string
	EnableBankingSigningKey string
	EnableBankingRedirect   string
	ProviderHTTPTimeout     time.Duration
	ProviderMaxRetries      int
	ProviderRateLimitRPS    float64
	ProviderRateLimitBurst  int

	// Key used to encrypt provider session tokens at rest (32 bytes, base64).
	BankTokenEncKey []byte

	SyncTimeout            time.Duration
	SyncInitialHistoryDays int
	UnresolvedAccountName  string

	SchedulerEnabled  bool
	SchedulerInterval time.Duration
	SchedulerWorkers  int

	EmailServiceProvider string

	SMTPServer   string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string

	MailgunDomain        string
	MailgunPrivateAPIKey string

	SenderEmail string
	SenderName  string

	AlertRecipientEmail string
}

var Cfg *AppConfig

func LoadConfig() {
	errEnv := godotenv.Load()
	if errEnv != nil {
		log.Println("Info: No .env file found or error loading .env file. Relying on OS environment variables and defaults. Error (if any):", errEnv)
	} else {
		log.Println(".env file loaded successfully.")
	}

	log.Println("Loading application configuration...")

	jwtSecret := getEnv("JWT_SECRET", "your-very-secure-and-long-jwt-secret-key-for-hs256-minimum-32-bytes")
	if jwtSecret == "your-very-secure-and-long-jwt-secret-key-for-hs256-minimum-32-bytes" {
		log.Println("WARNING: Using default insecure JWT_SECRET. Set JWT_SECRET environment variable for production.")
	}

	tokenEncKeyStr := getEnv("BANK_TOKEN_ENC_KEY", "")
	var tokenEncKey []byte
	if tokenEncKeyStr == "" {
		log.Println("WARNING: BANK_TOKEN_ENC_KEY not set. Using an insecure all-zero key; provider session tokens will not be safely encrypted at rest.")
		tokenEncKey = make([]byte, 32)
	} else {
		decoded, err := base64.StdEncoding.DecodeString(tokenEncKeyStr)
		if err != nil {
			log.Fatalf("FATAL: BANK_TOKEN_ENC_KEY is not valid base64: %v", err)
		}
		if len(decoded) != 32 {
			log.Fatalf("FATAL: BANK_TOKEN_ENC_KEY must decode to exactly 32 bytes, got %d", len(decoded))
		}
		tokenEncKey = decoded
	}

	Cfg = &AppConfig{
		JWTSecret:         jwtSecret,
		AccessTokenExpiry: getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 60*time.Minute),
		Port:              getEnv("PORT", "8080"),
		DatabasePath:      getEnv("DATABASE_PATH", "./kontoflow.db"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),

		CORSAllowedOrigin: getEnv("CORS_ALLOWED_ORIGIN", "http://localhost:3000"),
		FrontendBaseURL:   getEnv("FRONTEND_BASE_URL", "http://localhost:3000"),

		APIRateLimitRPS:   getEnvAsInt("API_RATE_LIMIT_RPS", 10),
		APIRateLimitBurst: getEnvAsInt("API_RATE_LIMIT_BURST", 30),

		BankProvider:            getEnv("BANK_PROVIDER", "enablebanking"),
		EnableBankingAPIURL:     getEnv("ENABLEBANKING_API_URL", "https://api.enablebanking.com"),
		EnableBankingAuthURL:    getEnv("ENABLEBANKING_AUTH_URL", "https://api.enablebanking.com/auth"),
		EnableBankingAppID:      getEnv("ENABLEBANKING_APP_ID", ""),
		EnableBankingCertPath:   getEnv("ENABLEBANKING_CERT_PATH", ""),
		EnableBankingKeyPath:    getEnv("ENABLEBANKING_KEY_PATH", ""),
		EnableBankingSigningKey: getEnv("ENABLEBANKING_SIGNING_KEY_PATH", ""),
		EnableBankingRedirect:   getEnv("ENABLEBANKING_REDIRECT_URL", "http://localhost:8080/api/bank/callback"),
		ProviderHTTPTimeout:     getEnvAsDuration("PROVIDER_HTTP_TIMEOUT", 30*time.Second),
		ProviderMaxRetries:      getEnvAsInt("PROVIDER_MAX_RETRIES", 3),
		ProviderRateLimitRPS:    getEnvAsFloat("PROVIDER_RATE_LIMIT_RPS", 4),
		ProviderRateLimitBurst:  getEnvAsInt("PROVIDER_RATE_LIMIT_BURST", 8),

		BankTokenEncKey: tokenEncKey,

		SyncTimeout:            getEnvAsDuration("SYNC_TIMEOUT", 5*time.Minute),
		SyncInitialHistoryDays: getEnvAsInt("SYNC_INITIAL_HISTORY_DAYS", 89),
		UnresolvedAccountName:  getEnv("UNRESOLVED_ACCOUNT_NAME", "Unresolved"),

		SchedulerEnabled:  getEnvAsBool("SCHEDULER_ENABLED", true),
		SchedulerInterval: getEnvAsDuration("SCHEDULER_INTERVAL", 15*time.Minute),
		SchedulerWorkers:  getEnvAsInt("SCHEDULER_WORKERS", 3),

		EmailServiceProvider: getEnv("EMAIL_SERVICE_PROVIDER", "mock"),

		SMTPServer:   getEnv("SMTP_SERVER", ""),
		SMTPPort:     getEnvAsInt("SMTP_PORT", 587),
		SMTPUser:     getEnv("SMTP_USER", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),

		MailgunDomain:        getEnv("MAILGUN_DOMAIN", ""),
		MailgunPrivateAPIKey: getEnv("MAILGUN_PRIVATE_API_KEY", ""),

		SenderEmail: getEnv("SENDER_EMAIL", "noreply@example.com"),
		SenderName:  getEnv("SENDER_NAME", "Kontoflow App"),

		AlertRecipientEmail: getEnv("ALERT_EMAIL", ""),
	}

	if Cfg.BankProvider == "enablebanking" {
		if Cfg.EnableBankingAppID == "" {
			log.Fatalf("FATAL: ENABLEBANKING_APP_ID is required when BANK_PROVIDER is 'enablebanking', but it's not set in environment or .env file.")
		}
		if Cfg.EnableBankingSigningKey == "" {
			log.Fatalf("FATAL: ENABLEBANKING_SIGNING_KEY_PATH is required when BANK_PROVIDER is 'enablebanking' (RS256 key used to sign API request tokens).")
		}
		if Cfg.EnableBankingCertPath == "" || Cfg.EnableBankingKeyPath == "" {
			log.Println("WARNING: ENABLEBANKING_CERT_PATH / ENABLEBANKING_KEY_PATH not set. API calls will be attempted without an mTLS client certificate and will be rejected by most institutions.")
		}
	}

	if Cfg.EmailServiceProvider == "mailgun" {
		if Cfg.MailgunDomain == "" {
			log.Fatalf("FATAL: MAILGUN_DOMAIN is required when EMAIL_SERVICE_PROVIDER is 'mailgun', but it's not set in environment or .env file.")
		}
		if Cfg.MailgunPrivateAPIKey == "" {
			log.Fatalf("FATAL: MAILGUN_PRIVATE_API_KEY is required when EMAIL_SERVICE_PROVIDER is 'mailgun', but it's not set in environment or .env file.")
		}
		if Cfg.SenderEmail == "noreply@example.com" || Cfg.SenderEmail == "" {
			log.Fatalf("FATAL: SENDER_EMAIL must be configured properly (e.g., your Mailgun sender) when EMAIL_SERVICE_PROVIDER is 'mailgun'.")
		}
	}

	log.Printf("Configuration loaded: Port=%s, LogLevel=%s, DBPath=%s, BankProvider=%s, EmailProvider=%s",
		Cfg.Port, Cfg.LogLevel, Cfg.DatabasePath, Cfg.BankProvider, Cfg.EmailServiceProvider)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	log.Printf("Environment variable %s not set, using default: %s", key, fallback)
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		log.Printf("Integer value for %s not set or empty, using default: %d", key, fallback)
		return fallback
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid integer value for %s ('%s'), using default: %d", key, valueStr, fallback)
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		log.Printf("Float value for %s not set or empty, using default: %g", key, fallback)
		return fallback
	}
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	log.Printf("Invalid float value for %s ('%s'), using default: %g", key, valueStr, fallback)
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		log.Printf("Boolean value for %s not set or empty, using default: %t", key, fallback)
		return fallback
	}
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid boolean value for %s ('%s'), using default: %t", key, valueStr, fallback)
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		log.Printf("Duration value for %s not set or empty, using default: %s", key, fallback.String())
		return fallback
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid duration value for %s ('%s'), using default: %s", key, valueStr, fallback.String())
	return fallback
}
