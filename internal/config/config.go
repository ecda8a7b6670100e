package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fjod/go_cart/order-core/internal/domain"
	"github.com/fjod/go_cart/order-core/internal/payment"
	"github.com/fjod/go_cart/order-core/internal/repository"
	"github.com/fjod/go_cart/order-core/pkg/circuitbreaker"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Prefix of every environment variable, e.g. ORDER_CORE_HTTP_PORT.
const Prefix = "order_core"

type Postgres struct {
	Host           string `default:"localhost"`
	Port           int    `default:"5432"`
	User           string `default:"postgres"`
	Password       string `default:"postgres"`
	DBName         string `envconfig:"DB_NAME" default:"orders"`
	SSLMode        string `envconfig:"SSL_MODE" default:"disable"`
	MigrationsPath string `envconfig:"MIGRATIONS_PATH" default:"internal/repository/migrations"`
}

type Redis struct {
	Addr     string `default:"localhost:6379"`
	Password string
	DB       int `default:"0"`
}

type Kafka struct {
	Brokers []string
	Topic   string `default:"order-events"`
}

type Stripe struct {
	SecretKey     string `envconfig:"SECRET_KEY"`
	PaymentMethod string `envconfig:"PAYMENT_METHOD" default:"pm_card_visa"`
}

type Payment struct {
	Gateway         string        `default:"simulated"` // simulated | stripe
	Timeout         time.Duration `default:"5s"`
	StatusRetries   int           `envconfig:"STATUS_RETRIES" default:"4"`
	BackoffBase     time.Duration `envconfig:"BACKOFF_BASE" default:"200ms"`
	BackoffMax      time.Duration `envconfig:"BACKOFF_MAX" default:"2s"`
	BreakerFailures uint32        `envconfig:"BREAKER_FAILURES" default:"5"`
	BreakerOpenFor  time.Duration `envconfig:"BREAKER_OPEN_FOR" default:"30s"`
	BreakerHalfOpen uint32        `envconfig:"BREAKER_HALF_OPEN" default:"1"`
	Stripe          Stripe
}

type Config struct {
	ServiceName string `envconfig:"SERVICE_NAME" default:"order-core"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	Currency    string `default:"USD"`

	HTTPPort           string        `envconfig:"HTTP_PORT" default:"8080"`
	GRPCPort           string        `envconfig:"GRPC_PORT" default:"50060"`
	RequestTimeout     time.Duration `envconfig:"REQUEST_TIMEOUT" default:"45s"`
	ShutdownTimeout    time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	MaxRequestBodySize int64         `envconfig:"MAX_REQUEST_BODY_SIZE" default:"1048576"`

	// memory | postgres
	Store string `default:"memory"`
	// memory | redis
	CartStore string `envconfig:"CART_STORE" default:"memory"`

	Postgres Postgres
	Redis    Redis
	Kafka    Kafka
	Payment  Payment

	ReservationTTL time.Duration `envconfig:"RESERVATION_TTL" default:"5m"`
	SweepInterval  time.Duration `envconfig:"SWEEP_INTERVAL" default:"30s"`

	OutboxTick   time.Duration `envconfig:"OUTBOX_TICK" default:"1s"`
	RecoveryTick time.Duration `envconfig:"RECOVERY_TICK" default:"5s"`
	StuckAfter   time.Duration `envconfig:"STUCK_AFTER" default:"1m"`
	HealthTick   time.Duration `envconfig:"HEALTH_TICK" default:"10s"`

	// Seed lists products as id|name|price|stock.
	Seed []string `default:"sku-1|Mechanical keyboard|89.90|25,sku-2|USB-C cable|9.99|200,sku-3|Monitor arm|54.50|10"`
}

// Load reads optional .env files and then the environment. Variables
// already set in the environment win over the files.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(errors.Cause(err)) {
			return nil, errors.Wrapf(err, "load %s", f)
		}
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, errors.Wrap(err, "process environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings that would let a stock hold run out while its
// charge can still be in flight.
func (c *Config) Validate() error {
	window := c.PaymentConfig().Window()
	if c.ReservationTTL <= window {
		return errors.Errorf("reservation TTL %s must exceed the payment window %s", c.ReservationTTL, window)
	}
	if c.StuckAfter <= window {
		return errors.Errorf("stuck-after %s must exceed the payment window %s", c.StuckAfter, window)
	}
	if c.RequestTimeout <= window {
		return errors.Errorf("request timeout %s must exceed the payment window %s", c.RequestTimeout, window)
	}
	switch c.Store {
	case "memory", "postgres":
	default:
		return errors.Errorf("unknown store %q", c.Store)
	}
	switch c.CartStore {
	case "memory", "redis":
	default:
		return errors.Errorf("unknown cart store %q", c.CartStore)
	}
	switch c.Payment.Gateway {
	case "simulated":
	case "stripe":
		if c.Payment.Stripe.SecretKey == "" {
			return errors.New("stripe gateway needs ORDER_CORE_PAYMENT_STRIPE_SECRET_KEY")
		}
	default:
		return errors.Errorf("unknown payment gateway %q", c.Payment.Gateway)
	}
	if _, err := c.Products(); err != nil {
		return err
	}
	return nil
}

func (c *Config) PaymentConfig() payment.Config {
	return payment.Config{
		Timeout:       c.Payment.Timeout,
		StatusRetries: c.Payment.StatusRetries,
		BackoffBase:   c.Payment.BackoffBase,
		BackoffMax:    c.Payment.BackoffMax,
	}
}

func (c *Config) BreakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		Name:             "payment-gateway",
		FailureThreshold: c.Payment.BreakerFailures,
		OpenTimeout:      c.Payment.BreakerOpenFor,
		HalfOpenRequests: c.Payment.BreakerHalfOpen,
	}
}

func (c *Config) Credentials() *repository.Credentials {
	return &repository.Credentials{
		Host:              c.Postgres.Host,
		Port:              c.Postgres.Port,
		User:              c.Postgres.User,
		Password:          c.Postgres.Password,
		DBName:            c.Postgres.DBName,
		SSLMode:           c.Postgres.SSLMode,
		MigrationsDirPath: c.Postgres.MigrationsPath,
	}
}

// Products parses the seed list.
func (c *Config) Products() ([]domain.Product, error) {
	products := make([]domain.Product, 0, len(c.Seed))
	for _, entry := range c.Seed {
		parts := strings.Split(strings.TrimSpace(entry), "|")
		if len(parts) != 4 {
			return nil, errors.Errorf("seed %q: want id|name|price|stock", entry)
		}
		price, err := decimal.NewFromString(parts[2])
		if err != nil {
			return nil, errors.Wrapf(err, "seed %q: price", entry)
		}
		if price.IsNegative() {
			return nil, errors.Errorf("seed %q: negative price", entry)
		}
		stock, err := strconv.ParseInt(parts[3], 10, 32)
		if err != nil || stock < 0 {
			return nil, errors.Errorf("seed %q: stock must be a non-negative integer", entry)
		}
		products = append(products, domain.Product{ID: parts[0], Name: parts[1], Price: price, Stock: int32(stock)})
	}
	return products, nil
}

func (c *Config) String() string {
	return fmt.Sprintf("store=%s cart_store=%s gateway=%s http=:%s grpc=:%s ttl=%s",
		c.Store, c.CartStore, c.Payment.Gateway, c.HTTPPort, c.GRPCPort, c.ReservationTTL)
}
