package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fjod/go_cart/order-core/internal/cart"
	"github.com/fjod/go_cart/order-core/internal/catalog"
	"github.com/fjod/go_cart/order-core/internal/config"
	ordergrpc "github.com/fjod/go_cart/order-core/internal/grpc"
	apihttp "github.com/fjod/go_cart/order-core/internal/http"
	"github.com/fjod/go_cart/order-core/internal/inventory"
	"github.com/fjod/go_cart/order-core/internal/order"
	"github.com/fjod/go_cart/order-core/internal/payment"
	"github.com/fjod/go_cart/order-core/internal/publisher"
	"github.com/fjod/go_cart/order-core/internal/repository"
	"github.com/fjod/go_cart/order-core/pkg/logger"
	"github.com/fjod/go_cart/order-core/pkg/metrics"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// serve composes the core from cfg and blocks until SIGINT or SIGTERM.
func serve(parent context.Context, cfg *config.Config) error {
	log := logger.L()
	log.WithField("config", cfg.String()).Info("starting order-core")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewDefault()
	checks := map[string]ordergrpc.Check{}

	products, err := cfg.Products()
	if err != nil {
		return err
	}
	cat := catalog.NewMemoryCatalog(products...)

	store, stock, err := openStore(cfg, checks)
	if err != nil {
		return err
	}
	defer store.Close()

	ledgerOpts := []inventory.Option{
		inventory.WithTTL(cfg.ReservationTTL),
		inventory.WithSweepInterval(cfg.SweepInterval),
		inventory.WithMetrics(m),
	}
	if stock != nil {
		ledgerOpts = append(ledgerOpts, inventory.WithRepository(stock))
	}
	ledger := inventory.NewLedger(ledgerOpts...)
	defer ledger.Close()
	if err := ledger.Load(ctx); err != nil {
		return errors.Wrap(err, "load inventory")
	}
	for _, p := range products {
		if _, err := ledger.Stock(p.ID); err == nil {
			// stored stock wins over the seed
			continue
		}
		if err := ledger.SetStock(p.ID, p.Stock); err != nil {
			return errors.Wrapf(err, "seed stock %s", p.ID)
		}
	}

	cartStore, closeCarts, err := openCartStore(ctx, cfg, checks)
	if err != nil {
		return err
	}
	defer closeCarts()
	carts := cart.NewService(cartStore)

	coordinator := payment.NewCoordinator(newGateway(cfg), store, cfg.PaymentConfig(),
		payment.WithMetrics(m),
		payment.WithBreaker(cfg.BreakerConfig()),
	)

	orders := order.NewService(store, ledger, coordinator, cat,
		order.WithMetrics(m),
		order.WithCurrency(cfg.Currency),
		order.WithCartClearer(carts),
		order.WithSettleTimeout(cfg.PaymentConfig().Window()+2*cfg.Payment.Timeout),
	)
	ledger.OnExpire(orders.HandleReservationExpired)

	var writer publisher.MessageWriter = publisher.LogWriter{}
	if len(cfg.Kafka.Brokers) > 0 {
		writer = publisher.NewKafkaWriter(cfg.Kafka.Topic, cfg.Kafka.Brokers...)
	}
	poller := publisher.NewOutboxPoller(publisher.Config{
		EventTick:    cfg.OutboxTick,
		RecoveryTick: cfg.RecoveryTick,
		StuckAfter:   cfg.StuckAfter,
		BatchSize:    100,
		Timeout:      cfg.Payment.Timeout,
	}, store, writer, store, orders, coordinator)
	defer poller.Close()

	router := apihttp.NewRouter(apihttp.RouterConfig{
		ServiceName:        cfg.ServiceName,
		RequestTimeout:     cfg.RequestTimeout,
		MaxRequestBodySize: cfg.MaxRequestBodySize,
	}, apihttp.Handlers{
		Cart:      apihttp.NewCartHandler(carts, cfg.RequestTimeout),
		Orders:    apihttp.NewOrdersHandler(orders, carts, cfg.RequestTimeout),
		Inventory: apihttp.NewInventoryHandler(ledger, cat, cfg.RequestTimeout),
	}, m)

	// a checkout may wait out the whole payment window before it writes
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	grpcServer := ordergrpc.NewServer(cfg.ServiceName)
	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		return errors.Wrap(err, "listen grpc")
	}

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		poller.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		grpcServer.Watch(ctx, cfg.HealthTick, checks)
	}()
	go func() {
		defer wg.Done()
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- errors.Wrap(err, "grpc server")
		}
	}()
	go func() {
		log.WithField("port", cfg.HTTPPort).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- errors.Wrap(err, "http server")
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errCh:
		log.WithError(runErr).Error("server failed, shutting down")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http server forced to shutdown")
	}
	grpcServer.GracefulStop()
	wg.Wait()

	log.Info("order-core stopped")
	return runErr
}

// openStore returns the order store and, for PostgreSQL, the stock
// repository the ledger writes through.
func openStore(cfg *config.Config, checks map[string]ordergrpc.Check) (repository.Store, inventory.Repository, error) {
	if cfg.Store != "postgres" {
		return repository.NewMemoryStore(), nil, nil
	}
	cred := cfg.Credentials()
	pg, err := repository.NewPostgresStore(cred)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.RunMigrations(cred); err != nil {
		pg.Close()
		return nil, nil, err
	}
	checks["postgres"] = pg.Ping
	logger.L().WithField("host", cred.Host).WithField("db", cred.DBName).Info("connected to postgres")
	return pg, pg, nil
}

func openCartStore(ctx context.Context, cfg *config.Config, checks map[string]ordergrpc.Check) (cart.Store, func(), error) {
	if cfg.CartStore != "redis" {
		return cart.NewMemoryStore(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, errors.Wrap(err, "redis connection failed")
	}
	checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	logger.L().WithField("addr", cfg.Redis.Addr).Info("redis ping succeeded")
	return cart.NewRedisStore(client), func() { client.Close() }, nil
}

func newGateway(cfg *config.Config) payment.Gateway {
	if cfg.Payment.Gateway == "stripe" {
		return payment.NewStripeGateway(cfg.Payment.Stripe.SecretKey, cfg.Payment.Stripe.PaymentMethod, nil)
	}
	return payment.NewSimulatedGateway(payment.RandomDecider{})
}
