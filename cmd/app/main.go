package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"timeline-service/configs"
	"timeline-service/internal/api"
	"timeline-service/internal/fanout"
	"timeline-service/internal/feed"
	"timeline-service/internal/feedstore"
	"timeline-service/internal/kafka"
	"timeline-service/internal/relation"
	"timeline-service/internal/shared/db"
	"timeline-service/internal/shared/httpx"
	"timeline-service/internal/shared/redisx"
	"timeline-service/internal/status"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
)

func initOTEL(ctx context.Context, log *zap.Logger) func(context.Context) error {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "otel-collector:4318"
	}
	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		log.Fatal("otel exporter", zap.Error(err))
	}
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("timeline-service"),
		attribute.String("deployment.environment", os.Getenv("ENV")),
	))
	ratio := 1.0
	if s := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); s != "" {
		if f, e := strconv.ParseFloat(s, 64); e == nil && f >= 0 && f <= 1 {
			ratio = f
		}
	}
	tp := trace.NewTracerProvider(
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(ratio))),
		trace.WithBatcher(exp),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return tp.Shutdown
}

func main() {
	log, _ := zap.NewProduction()
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := configs.LoadConfig()

	shutdown := initOTEL(ctx, log)
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(c)
	}()

	rdb := redisx.Open(cfg)
	defer func() { _ = rdb.Close() }()

	gdb, err := db.Open(cfg, log)
	if err != nil {
		log.Fatal("database open", zap.Error(err))
	}

	// Repositories & services
	statuses := status.NewRepository(gdb)
	relations := relation.NewRepository(gdb, rdb)
	store := feedstore.NewStore(rdb, feedstore.Limits{
		Home:     cfg.HomeFeedMaxItems,
		List:     cfg.ListFeedMaxItems,
		Trending: cfg.TrendingMaxItems,
		Default:  cfg.HomeFeedMaxItems,
	})
	regen := feedstore.NewRegenerationCoordinator(rdb, cfg.RegenerationTTL)
	precompute := feed.NewPrecomputer(store, regen, statuses, relations, log)
	feeds := feed.NewService(store, regen, statuses, relations, precompute, log)

	manager := fanout.NewManager(store, statuses, relations, cfg.ReblogFalloff, cfg.MergeIntoHomeSize, log)
	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaInvalidationTopic)
	defer func() { _ = producer.Close() }()
	writer := fanout.NewWriter(statuses, relations, manager, producer, cfg.FanOutWorkers, cfg.FanOutMaxRetries, log)

	// Kafka consumer: status lifecycle events drive the fan-out writer.
	go func() {
		if err := kafka.StartConsumer(ctx, cfg, writer.Handle, log); err != nil && ctx.Err() == nil {
			log.Error("kafka consumer stopped", zap.Error(err))
		}
	}()

	// HTTP
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
	})

	h := api.NewHandler(feeds, relations, precompute)

	// Public (viewer optional):
	public := func(pattern string, handler http.Handler) {
		mux.Handle(pattern, httpx.OptionalAuthMiddleware(handler))
	}
	public("GET /api/v1/timelines/public", httpx.Wrap(h.GetPublicTimeline))
	public("GET /api/v1/timelines/tag/{tag}", httpx.Wrap(h.GetTagTimeline))
	public("GET /api/v1/timelines/group/{id}", httpx.Wrap(h.GetGroupTimeline))
	public("GET /api/v1/timelines/link", httpx.Wrap(h.GetLinkTimeline))

	// Protected:
	protect := func(pattern string, handler http.Handler) {
		mux.Handle(pattern, httpx.AuthMiddleware(handler))
	}
	protect("GET /api/v1/timelines/home", httpx.Wrap(h.GetHomeTimeline))
	protect("GET /api/v1/timelines/list/{id}", httpx.Wrap(h.GetListTimeline))
	protect("GET /api/v1/timelines/direct", httpx.Wrap(h.GetDirectTimeline))
	protect("POST /api/v1/feed/rebuild", httpx.Wrap(h.RebuildHomeFeed))

	srv := &http.Server{
		Addr:              cfg.AppPort,
		Handler:           otelhttp.NewHandler(mux, "http.server"),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}
	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(c)
	}()

	log.Info("timeline-service listening", zap.String("addr", cfg.AppPort))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("http server", zap.Error(err))
	}
}
