package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"shopsifu/utils"
)

type Config struct {
	HTTP struct {
		Port        string   `mapstructure:"port"`
		CORSOrigins []string `mapstructure:"cors_origins"`
	} `mapstructure:"http"`

	DB struct {
		Driver string `mapstructure:"driver"` // mysql, postgres or sqlite
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"db"`

	JWT struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"jwt"`

	VNPay struct {
		TmnCode    string `mapstructure:"tmn_code"`
		HashSecret string `mapstructure:"hash_secret"`
		PayURL     string `mapstructure:"pay_url"`
		ReturnURL  string `mapstructure:"return_url"`
		APIURL     string `mapstructure:"api_url"`
		Version    string `mapstructure:"version"`
	} `mapstructure:"vnpay"`

	Redis struct {
		Addr     string `mapstructure:"addr"` // empty disables cross-instance fan-out
		Password string `mapstructure:"password"`
		Channel  string `mapstructure:"channel"`
	} `mapstructure:"redis"`

	Payment struct {
		TTL           time.Duration `mapstructure:"ttl"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"payment"`

	RateLimit struct {
		RPS   float64 `mapstructure:"rps"`
		Burst int     `mapstructure:"burst"`
	} `mapstructure:"rate_limit"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", "8080")
	v.SetDefault("http.cors_origins", []string{"*"})

	v.SetDefault("db.driver", "mysql")
	v.SetDefault("db.dsn", "")

	v.SetDefault("jwt.secret", "")

	v.SetDefault("vnpay.tmn_code", "")
	v.SetDefault("vnpay.hash_secret", "")
	v.SetDefault("vnpay.pay_url", "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html")
	v.SetDefault("vnpay.return_url", "")
	v.SetDefault("vnpay.api_url", "https://sandbox.vnpayment.vn/merchant_webapi/api/transaction")
	v.SetDefault("vnpay.version", "2.1.0")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.channel", "payment:events")

	v.SetDefault("payment.ttl", 30*time.Minute)
	v.SetDefault("payment.sweep_interval", time.Minute)

	v.SetDefault("rate_limit.rps", 5.0)
	v.SetDefault("rate_limit.burst", 20)

	v.SetDefault("log.level", "info")
}

// Load reads .env (if present) and the process environment. Nested keys map to
// upper-case names joined by underscores, e.g. vnpay.hash_secret -> VNPAY_HASH_SECRET.
func Load() (*Config, error) {
	utils.LoadEnv()

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("http.cors_origins", "CORS_ORIGINS", "HTTP_CORS_ORIGINS"); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DB.DSN == "" {
		return fmt.Errorf("DB_DSN is required")
	}
	if c.VNPay.TmnCode == "" || c.VNPay.HashSecret == "" {
		return fmt.Errorf("VNPAY_TMN_CODE and VNPAY_HASH_SECRET are required")
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.DB.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DB.Driver)
	}
	return nil
}
