package config

import (
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Gateway   GatewayConfig
	Payment   PaymentConfig
	Printer   PrinterConfig
	Store     StoreConfig
	Reconcile ReconcileConfig
	Telegram  TelegramConfig
	Audit     AuditConfig
}

type ServerConfig struct {
	Port    int
	Env     string // "development", "production"
	Version string
}

type AppConfig struct {
	PublicURL      string // base URL the terminal's browser uses to reach this server
	DeepLinkScheme string
	BackendURL     string // used by the terminal
}

type DatabaseConfig struct {
	Driver  string // "mysql" or "sqlite"
	Host    string
	Port    string
	Name    string
	User    string
	Pass    string
	Charset string
	Path    string // sqlite file
}

type RedisConfig struct {
	Addr string
	Pass string
	DB   int
}

// GatewayConfig holds the hosted payment page (CMI 3D pay) settings.
type GatewayConfig struct {
	ClientID           string
	StoreKey           string
	TestURL            string
	ProdURL            string
	TestMode           bool
	OkURL              string
	FailURL            string
	Currency           string
	Lang               string
	StoreType          string
	HashAlgorithm      string
	CallbackHashFields []string
	RedirectDelay      time.Duration
}

// Endpoint returns the gateway URL selected by TestMode.
func (g GatewayConfig) Endpoint() string {
	if g.TestMode {
		return g.TestURL
	}
	return g.ProdURL
}

type PaymentConfig struct {
	SessionTTL         time.Duration
	ReuseFailedOrderID bool
	RateLimitPerSecond float64
}

type PrinterConfig struct {
	Mode     string // "auto", "hardware", "simulated"
	Addr     string // host:port of an ESC/POS network printer
	Timeout  time.Duration
	SimDelay time.Duration
	Journal  string // optional file the simulator appends receipts to
}

type StoreConfig struct {
	Name          string
	Address       string
	Phone         string
	TaxID         string
	CurrencyLabel string
	TaxRate       decimal.Decimal
}

type ReconcileConfig struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
	Timeout    time.Duration
}

type TelegramConfig struct {
	Token  string
	ChatID string
}

type AuditConfig struct {
	Dir string
	TTL time.Duration
}

// Load reads configuration from .env file and environment variables.
func Load() (*Config, error) {
	// Load .env file (ignore error if missing)
	_ = godotenv.Load()

	viper.AutomaticEnv()
	setDefaults()

	taxRate, err := decimal.NewFromString(viper.GetString("STORE_TAX_RATE"))
	if err != nil {
		log.Printf("WARNING: invalid STORE_TAX_RATE %q, using 0", viper.GetString("STORE_TAX_RATE"))
		taxRate = decimal.Zero
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:    viper.GetInt("APP_PORT"),
			Env:     viper.GetString("APP_ENV"),
			Version: viper.GetString("APP_VERSION"),
		},
		App: AppConfig{
			PublicURL:      strings.TrimRight(viper.GetString("APP_PUBLIC_URL"), "/"),
			DeepLinkScheme: viper.GetString("APP_DEEP_LINK_SCHEME"),
			BackendURL:     strings.TrimRight(viper.GetString("BACKEND_URL"), "/"),
		},
		Database: DatabaseConfig{
			Driver:  viper.GetString("DB_DRIVER"),
			Host:    viper.GetString("DB_HOST"),
			Port:    viper.GetString("DB_PORT"),
			Name:    viper.GetString("DB_NAME"),
			User:    viper.GetString("DB_USER"),
			Pass:    viper.GetString("DB_PASS"),
			Charset: viper.GetString("DB_CHARSET"),
			Path:    viper.GetString("DB_PATH"),
		},
		Redis: RedisConfig{
			Addr: viper.GetString("REDIS_ADDR"),
			Pass: viper.GetString("REDIS_PASS"),
			DB:   viper.GetInt("REDIS_DB"),
		},
		Gateway: GatewayConfig{
			ClientID:           viper.GetString("CMI_CLIENT_ID"),
			StoreKey:           viper.GetString("CMI_STORE_KEY"),
			TestURL:            viper.GetString("CMI_TEST_URL"),
			ProdURL:            viper.GetString("CMI_PROD_URL"),
			TestMode:           viper.GetBool("CMI_TEST_MODE"),
			OkURL:              viper.GetString("CMI_OK_URL"),
			FailURL:            viper.GetString("CMI_FAIL_URL"),
			Currency:           viper.GetString("CMI_CURRENCY"),
			Lang:               viper.GetString("CMI_LANG"),
			StoreType:          viper.GetString("CMI_STORE_TYPE"),
			HashAlgorithm:      viper.GetString("CMI_HASH_ALGORITHM"),
			CallbackHashFields: splitList(viper.GetString("CMI_CALLBACK_HASH_FIELDS")),
			RedirectDelay:      viper.GetDuration("CMI_REDIRECT_DELAY"),
		},
		Payment: PaymentConfig{
			SessionTTL:         viper.GetDuration("PAYMENT_SESSION_TTL"),
			ReuseFailedOrderID: viper.GetBool("PAYMENT_REUSE_FAILED_ORDER_ID"),
			RateLimitPerSecond: viper.GetFloat64("PAYMENT_RATE_LIMIT"),
		},
		Printer: PrinterConfig{
			Mode:     strings.ToLower(viper.GetString("PRINTER_MODE")),
			Addr:     viper.GetString("PRINTER_ADDR"),
			Timeout:  viper.GetDuration("PRINTER_TIMEOUT"),
			SimDelay: viper.GetDuration("PRINTER_SIM_DELAY"),
			Journal:  viper.GetString("PRINTER_JOURNAL"),
		},
		Store: StoreConfig{
			Name:          viper.GetString("STORE_NAME"),
			Address:       viper.GetString("STORE_ADDRESS"),
			Phone:         viper.GetString("STORE_PHONE"),
			TaxID:         viper.GetString("STORE_TAX_ID"),
			CurrencyLabel: viper.GetString("STORE_CURRENCY_LABEL"),
			TaxRate:       taxRate,
		},
		Reconcile: ReconcileConfig{
			Attempts:   viper.GetInt("RECONCILE_ATTEMPTS"),
			Backoff:    viper.GetDuration("RECONCILE_BACKOFF"),
			MaxBackoff: viper.GetDuration("RECONCILE_MAX_BACKOFF"),
			Timeout:    viper.GetDuration("RECONCILE_TIMEOUT"),
		},
		Telegram: TelegramConfig{
			Token:  viper.GetString("TELEGRAM_TOKEN"),
			ChatID: viper.GetString("TELEGRAM_CHAT_ID"),
		},
		Audit: AuditConfig{
			Dir: viper.GetString("AUDIT_DIR"),
			TTL: viper.GetDuration("AUDIT_TTL"),
		},
	}

	if cfg.Gateway.ClientID == "" || cfg.Gateway.StoreKey == "" {
		log.Println("WARNING: CMI_CLIENT_ID or CMI_STORE_KEY is not set")
	}
	if len(cfg.Gateway.CallbackHashFields) == 0 {
		log.Println("WARNING: CMI_CALLBACK_HASH_FIELDS is not set, gateway callbacks cannot be verified")
	}

	return cfg, nil
}

// LoadDatabaseOnly loads just enough configuration to open the order database.
func LoadDatabaseOnly() (*DatabaseConfig, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	return &cfg.Database, nil
}

func setDefaults() {
	viper.SetDefault("APP_PORT", 3000)
	viper.SetDefault("APP_ENV", "production")
	viper.SetDefault("APP_VERSION", "2.0.0")
	viper.SetDefault("APP_PUBLIC_URL", "http://localhost:3000")
	viper.SetDefault("APP_DEEP_LINK_SCHEME", "cmipaymentapp")
	viper.SetDefault("BACKEND_URL", "http://localhost:3000")

	viper.SetDefault("DB_DRIVER", "mysql")
	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", "3306")
	viper.SetDefault("DB_CHARSET", "utf8mb4")
	viper.SetDefault("DB_PATH", "orders.db")

	viper.SetDefault("REDIS_DB", 0)

	viper.SetDefault("CMI_TEST_URL", "https://testpayment.cmi.com.tr/fim/est3Dgate")
	viper.SetDefault("CMI_PROD_URL", "https://payment.cmi.com.tr/fim/est3Dgate")
	viper.SetDefault("CMI_TEST_MODE", true)
	viper.SetDefault("CMI_OK_URL", "http://localhost:3000/payment/callback/success")
	viper.SetDefault("CMI_FAIL_URL", "http://localhost:3000/payment/callback/fail")
	viper.SetDefault("CMI_CURRENCY", "949")
	viper.SetDefault("CMI_LANG", "tr")
	viper.SetDefault("CMI_STORE_TYPE", "3d_pay")
	viper.SetDefault("CMI_HASH_ALGORITHM", "sha1")
	viper.SetDefault("CMI_REDIRECT_DELAY", "2s")

	viper.SetDefault("PAYMENT_SESSION_TTL", "30m")
	viper.SetDefault("PAYMENT_REUSE_FAILED_ORDER_ID", false)
	viper.SetDefault("PAYMENT_RATE_LIMIT", 10)

	viper.SetDefault("PRINTER_MODE", "auto")
	viper.SetDefault("PRINTER_TIMEOUT", "3s")
	viper.SetDefault("PRINTER_SIM_DELAY", "1s")

	viper.SetDefault("STORE_NAME", "CMI Payment Demo Store")
	viper.SetDefault("STORE_CURRENCY_LABEL", "TL")
	viper.SetDefault("STORE_TAX_RATE", "0.18")

	viper.SetDefault("RECONCILE_ATTEMPTS", 3)
	viper.SetDefault("RECONCILE_BACKOFF", "500ms")
	viper.SetDefault("RECONCILE_MAX_BACKOFF", "4s")
	viper.SetDefault("RECONCILE_TIMEOUT", "10s")

	viper.SetDefault("AUDIT_DIR", "data/audit")
	viper.SetDefault("AUDIT_TTL", "72h")
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DSN returns the MySQL DSN string for GORM.
func (d *DatabaseConfig) DSN() string {
	return d.User + ":" + d.Pass + "@tcp(" + d.Host + ":" + d.Port + ")/" + d.Name + "?charset=" + d.Charset + "&parseTime=True&loc=Local"
}
