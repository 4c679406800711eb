package main

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rkrasimirov/erpbus/audit"
	"github.com/rkrasimirov/erpbus/codec"
	"github.com/rkrasimirov/erpbus/dedup"
	"github.com/rkrasimirov/erpbus/libs/config"
	"github.com/rkrasimirov/erpbus/libs/db"
	"github.com/rkrasimirov/erpbus/libs/httpx"
	"github.com/rkrasimirov/erpbus/libs/kafkax"
	otelx "github.com/rkrasimirov/erpbus/libs/otel"
	"github.com/rkrasimirov/erpbus/libs/runtime"
	"github.com/rkrasimirov/erpbus/routing"
	"github.com/rkrasimirov/erpbus/subscribe"
	kafkatransport "github.com/rkrasimirov/erpbus/transport/kafka"
)

func main() {
	service := config.String("SERVICE_NAME", "bus-auditor")
	port, err := config.Port("PORT", "8091")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	routingPath, err := config.RequiredString("ROUTING_CONFIG")
	if err != nil {
		panic(err)
	}
	table, err := routing.LoadTable(routingPath, logger)
	if err != nil {
		logger.Error("routing table load failed", "err", err)
		panic(err)
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr: config.String("REDIS_ADDR", "localhost:6379"),
	})
	defer redisClient.Close()
	seen := dedup.NewStore(redisClient, "", config.Duration("DEDUP_TTL", 24*time.Hour))

	brokersRaw := config.String("KAFKA_BROKERS", "")
	brokers := kafkax.SplitBrokers(brokersRaw)
	if len(brokers) == 0 {
		logger.Error("KAFKA_BROKERS is required")
		panic("KAFKA_BROKERS is required")
	}

	receiver := kafkatransport.NewReceiver(brokers, config.String("KAFKA_GROUP_ID", service))
	deadLetter := kafkatransport.NewDeadLetter(brokers)
	defer deadLetter.Close()

	frameCodec := codec.New(config.Int("BUS_MAX_SCHEMA_VERSION", 1))
	sub := subscribe.New(frameCodec, receiver, deadLetter, logger, subscribe.Config{
		MaxInFlight:   config.Int("MAX_IN_FLIGHT", 8),
		MaxDeliveries: config.Int("MAX_DELIVERIES", 0),
	})

	channel := config.String("AUDIT_CHANNEL", table.Fallback())
	handler := audit.NewHandler(seen, audit.NewRepository(pool), logger)
	for _, kind := range table.KindsFor(channel) {
		if err := sub.Register(kind, handler); err != nil {
			logger.Error("handler registration failed", "event_kind", kind, "err", err)
			panic(err)
		}
	}
	if err := sub.Start(ctx, channel); err != nil {
		logger.Error("subscriber start failed", "channel", channel, "err", err)
		panic(err)
	}
	logger.Info("audit subscriber started", "channel", channel)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "redis", Check: dedup.ReadyCheck(redisClient)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokersRaw)},
	)
	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           otelhttp.NewHandler(httpHandler, "auditor"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()

	drainTimeout := config.Duration("DRAIN_TIMEOUT", 30*time.Second)
	if err := sub.Stop(drainTimeout); err != nil {
		logger.Error("subscriber drain incomplete", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("auditor stopped")
}
