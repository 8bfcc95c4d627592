package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/akylbek/payment-system/pos-terminal/internal/models"
)

type Config struct {
	DatabaseURL     string
	RedisURL        string
	KafkaBrokers    string
	NatsURL         string
	JaegerEndpoint  string
	Port            string
	MethodsFile     string
	ResponseTimeout time.Duration
}

func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8090"
	}

	methodsFile := os.Getenv("TERMINAL_METHODS_FILE")
	if methodsFile == "" {
		methodsFile = "payment_methods.yaml"
	}

	var timeout time.Duration
	if v := os.Getenv("TERMINAL_RESPONSE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			timeout = d
		}
	}

	return &Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		KafkaBrokers:    os.Getenv("KAFKA_BROKERS"),
		NatsURL:         os.Getenv("NATS_URL"),
		JaegerEndpoint:  os.Getenv("JAEGER_ENDPOINT"),
		Port:            port,
		MethodsFile:     methodsFile,
		ResponseTimeout: timeout,
	}
}

type methodsFile struct {
	Methods []models.PaymentMethod `mapstructure:"methods"`
}

// LoadMethods reads payment method definitions from path. The format follows
// the file extension (yaml, toml or json). POS_TERMINAL_HOST overrides the
// bridge host of every method.
func LoadMethods(path string) ([]models.PaymentMethod, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read payment methods %s: %w", path, err)
	}

	var f methodsFile
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("unmarshal payment methods: %w", err)
	}

	host := v.GetString("terminal_host")
	seen := make(map[string]bool, len(f.Methods))
	out := make([]models.PaymentMethod, 0, len(f.Methods))
	for i, m := range f.Methods {
		if m.ID == "" {
			return nil, fmt.Errorf("payment method #%d has no id", i+1)
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("duplicate payment method id %q", m.ID)
		}
		seen[m.ID] = true
		if host != "" {
			m.Host = host
		}
		m.ConnectionMode = models.ConnectionMode(strings.ToUpper(string(m.ConnectionMode)))
		out = append(out, m.WithDefaults())
	}
	return out, nil
}
