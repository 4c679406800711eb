package main

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rkrasimirov/erpbus/codec"
	"github.com/rkrasimirov/erpbus/libs/config"
	"github.com/rkrasimirov/erpbus/libs/db"
	"github.com/rkrasimirov/erpbus/libs/httpx"
	"github.com/rkrasimirov/erpbus/libs/kafkax"
	otelx "github.com/rkrasimirov/erpbus/libs/otel"
	"github.com/rkrasimirov/erpbus/libs/runtime"
	"github.com/rkrasimirov/erpbus/outbox"
	"github.com/rkrasimirov/erpbus/publish"
	"github.com/rkrasimirov/erpbus/routing"
	kafkatransport "github.com/rkrasimirov/erpbus/transport/kafka"
)

func main() {
	service := config.String("SERVICE_NAME", "bus-relay")
	port, err := config.Port("PORT", "8090")
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

	brokersRaw := config.String("KAFKA_BROKERS", "")
	brokers := kafkax.SplitBrokers(brokersRaw)
	if len(brokers) == 0 {
		logger.Error("KAFKA_BROKERS is required")
		panic("KAFKA_BROKERS is required")
	}
	sender := kafkatransport.NewSender(brokers)
	defer sender.Close()

	frameCodec := codec.New(config.Int("BUS_MAX_SCHEMA_VERSION", 1))
	publisher := publish.New(table, frameCodec, sender, logger)
	repo := outbox.NewRepository(pool, frameCodec)

	relay := outbox.NewRelay(pool, repo, publisher, frameCodec, logger, outbox.RelayConfig{
		PollEvery: config.Duration("OUTBOX_POLL_EVERY", 2*time.Second),
		BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
	})
	go relay.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokersRaw)},
	)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           otelhttp.NewHandler(handler, "relay"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("relay stopped")
}
