package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/couchbase/gocb/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"pullsub/internal/couchbase"
	"pullsub/internal/pub"
	"pullsub/internal/pub/controller"
	"pullsub/internal/pub/metrics"
	"pullsub/internal/pub/producer"
	"pullsub/internal/pub/stream"
	"pullsub/internal/pub/subscriber"
	"pullsub/internal/pub/tracing"
)

type Config struct {
	CouchbaseConnectionString string        `env:"COUCHBASE_CONNECTION_STRING" envDefault:"couchbase://localhost"`
	CouchbaseUsername         string        `env:"COUCHBASE_USERNAME" envDefault:"Administrator"`
	CouchbasePassword         string        `env:"COUCHBASE_PASSWORD" envDefault:"password"`
	CouchbaseBucketName       string        `env:"COUCHBASE_BUCKET_NAME" envDefault:"pubsub"`
	CouchbaseScopeName        string        `env:"COUCHBASE_SCOPE_NAME" envDefault:"default"`
	TransactionTimeout        time.Duration `env:"COUCHBASE_TRANSACTION_TIMEOUT" envDefault:"10s"`
	EventCount                int           `env:"EVENT_COUNT" envDefault:"100"`
	PublishMessagesPerSec     int           `env:"PUBLISH_MESSAGES_PER_SEC" envDefault:"0"`
	PublishRounds             int           `env:"PUBLISH_ROUNDS" envDefault:"1"`
	Subscriptions             []string      `env:"SUBSCRIPTIONS" envSeparator:"," envDefault:"biz-2,orders-3,sales,analytics,marketing,alerts,support,another,test"`
	// a subscription is closed once its backlog stayed empty for this many checks
	MaxIdleChecks int           `env:"SUBSCRIBER_MAX_IDLE_CHECKS" envDefault:"5"`
	LagInterval   time.Duration `env:"SUBSCRIBER_LAG_INTERVAL" envDefault:"1s"`
	CloseTimeout  time.Duration `env:"SUBSCRIBER_CLOSE_TIMEOUT" envDefault:"30s"`
	LogLevel      string        `env:"LOG_LEVEL" envDefault:"info"`

	Metrics    metrics.ServerConfig
	Tracing    tracing.Config
	Subscriber subscriber.Options `envPrefix:"SUBSCRIBER_"`
	Stream     stream.Options     `envPrefix:"STREAM_"`
}

type order struct {
	OrderID    string  `json:"order_id"`
	CustomerID string  `json:"customer_id"`
	ProductID  string  `json:"product_id"`
	Amount     float64 `json:"amount"`
	Timestamp  string  `json:"timestamp"`
}

func main() {
	cpuProfile, err := os.Create("cpu.pprof")
	if err != nil {
		log.Fatal("could not create CPU profile: ", err)
	}
	defer cpuProfile.Close()
	if err := pprof.StartCPUProfile(cpuProfile); err != nil {
		log.Fatal("could not start CPU profile: ", err)
	}
	defer pprof.StopCPUProfile()

	// Memory Profile
	defer func() {
		memProfile, err := os.Create("mem.pprof")
		if err != nil {
			log.Fatal("could not create memory profile: ", err)
		}
		defer memProfile.Close()
		runtime.GC()
		if err := pprof.WriteHeapProfile(memProfile); err != nil {
			log.Fatal("could not write memory profile: ", err)
		}
	}()

	cfg := Config{
		Subscriber: subscriber.DefaultOptions(),
		Stream:     stream.DefaultOptions(),
	}
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to parse environment variables: %v", err)
	}

	cluster, bucket, err := newCouchbase(cfg)
	if err != nil {
		log.Fatalf("failed to connect to Couchbase: %v", err)
	}
	defer cluster.Close(nil)

	config := zap.NewProductionConfig()

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Printf("invalid log level %q, defaulting to info: %v", cfg.LogLevel, err)
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	logger, err := config.Build(zap.AddCaller())
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	tracer, tracingCleanup, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Fatalf("failed to initialize tracing: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingCleanup(shutdownCtx); err != nil {
			logger.Error("failed to cleanup tracing", zap.Error(err))
		}
	}()

	logger.Info("tracing initialized",
		zap.String("service", cfg.Tracing.ServiceName),
		zap.String("jaeger_endpoint", cfg.Tracing.JaegerEndpoint),
		zap.Float64("sample_rate", cfg.Tracing.SampleRate),
	)

	ctlr, err := newController(cfg, cluster, bucket, logger)
	if err != nil {
		log.Fatalf("failed to create controller: %v", err)
	}

	metricsRegistry := metrics.NewRegistry()
	metricsRegistry.SetSystemInfo("e2e-test", time.Now().Format(time.RFC3339))
	ctlr = controller.NewTracedController(controller.NewMetricsController(ctlr, metricsRegistry), tracer)

	baseProducer, err := producer.NewProducer(ctlr, logger)
	if err != nil {
		log.Fatalf("failed to create producer: %v", err)
	}
	metricsProducer := producer.NewMetricsProducer(baseProducer, metricsRegistry)
	producer := producer.NewTracedProducer(metricsProducer, tracer)

	subs := make([]*subscriber.Subscriber, 0, len(cfg.Subscriptions))
	for _, sub := range cfg.Subscriptions {
		s, err := newSubscriber(cfg, sub, ctlr, metricsRegistry, tracer, logger)
		if err != nil {
			log.Fatalf("failed to create subscriber %s: %v", sub, err)
		}
		subs = append(subs, s)
	}

	metricsServer := metrics.NewServer(cfg.Metrics, metricsRegistry, logger, func() bool {
		for _, s := range subs {
			if !s.IsOpen() {
				return false
			}
		}
		return true
	})

	go func() {
		if err := metricsServer.Start(context.Background()); err != nil {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("metrics server started",
		zap.String("endpoint", fmt.Sprintf("http://localhost:%d/metrics", cfg.Metrics.Port)),
		zap.String("health", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
			cancel()
		case <-ctx.Done():
		}
	}()

	now := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// default rate of 0 means no rate limiting
		ticker := time.NewTicker(time.Second * max(time.Duration(cfg.PublishMessagesPerSec), 1))
		defer ticker.Stop()
		rounds := 0

		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				e, err := events(cfg.EventCount)
				if err != nil {
					return fmt.Errorf("failed to build events: %w", err)
				}
				if err := producer.PublishBatch(gctx, cfg.Stream.Topic, cfg.Stream.Shard, e...); err != nil {
					logger.Error("failed to publish events", zap.Error(err))
					return fmt.Errorf("failed to publish events: %w", err)
				}
				logger.Info(fmt.Sprintf("published %d events", len(e)))
				rounds++
				if rounds >= cfg.PublishRounds {
					logger.Info("publish rounds complete, stopping producer")
					return nil
				}
			}
		}
	})

	for i, s := range subs {
		sub := cfg.Subscriptions[i]
		g.Go(func() error {
			return consume(gctx, cfg, logger, ctlr, metricsRegistry, s, sub)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("error in goroutine", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop metrics server", zap.Error(err))
	}

	fmt.Printf("\n\n TEST COMPLETE IN %.2f seconds", time.Since(now).Seconds())
}

func newController(cfg Config, cluster *gocb.Cluster, bucket *gocb.Bucket, logger *zap.Logger) (pub.Controller, error) {
	var (
		stores controller.Stores
		err    error
	)
	if stores.Cursors, err = pub.NewCursorsStore(cluster, bucket, cfg.CouchbaseScopeName); err != nil {
		return nil, err
	}
	if stores.Leases, err = pub.NewLeasesStore(cluster, bucket, cfg.CouchbaseScopeName); err != nil {
		return nil, err
	}
	if stores.Messages, err = pub.NewMessagesStore(cluster, bucket, cfg.CouchbaseScopeName); err != nil {
		return nil, err
	}
	if stores.Offsets, err = pub.NewOffsetsStore(cluster, bucket, cfg.CouchbaseScopeName); err != nil {
		return nil, err
	}
	if stores.Receipts, err = pub.NewReceiptsStore(cluster, bucket, cfg.CouchbaseScopeName); err != nil {
		return nil, err
	}
	if stores.Deliveries, err = pub.NewDeliveriesStore(cluster, bucket, cfg.CouchbaseScopeName); err != nil {
		return nil, err
	}

	transactions, err := couchbase.NewTransactions(cluster, cfg.TransactionTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactions: %w", err)
	}

	ctlr, err := controller.NewController(stores, transactions, cfg.CouchbaseBucketName, cfg.CouchbaseScopeName, logger)
	if err != nil {
		return nil, err
	}

	return ctlr, nil
}

func newSubscriber(
	cfg Config,
	sub string,
	ctlr pub.Controller,
	registry *metrics.Registry,
	tracer *tracing.Tracer,
	logger *zap.Logger,
) (*subscriber.Subscriber, error) {
	st, err := stream.New(ctlr, cfg.Stream, registry, logger)
	if err != nil {
		return nil, err
	}

	handlerLogger := logger.With(zap.String("sub", sub))
	handler := func(_ context.Context, m *subscriber.Message) {
		var o order
		if err := json.Unmarshal(m.Data, &o); err != nil {
			// redelivering a malformed payload cannot succeed
			handlerLogger.Warn("dropping malformed order", zap.String("message_id", m.ID), zap.Error(err))
			m.Ack()
			return
		}
		handlerLogger.Debug("order received",
			zap.String("message_id", m.ID),
			zap.String("order_id", o.OrderID),
			zap.Int("attempt", m.DeliveryAttempt),
		)
		m.Ack()
	}

	return subscriber.New(sub, st, ctlr, handler, cfg.Subscriber, logger,
		subscriber.WithRecorder(registry),
		subscriber.WithTelemetry(subscriber.NewTracedTelemetry(nil, tracer, sub)),
	)
}

// consume runs s until ctx is cancelled, the subscriber fails, or its backlog
// stays empty for cfg.MaxIdleChecks lag checks.
func consume(
	ctx context.Context,
	cfg Config,
	logger *zap.Logger,
	ctlr pub.Controller,
	registry *metrics.Registry,
	s *subscriber.Subscriber,
	sub string,
) error {
	logger = logger.With(zap.String("sub", sub))
	if err := s.Open(ctx); err != nil {
		return fmt.Errorf("failed to open subscriber %s: %w", sub, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.CloseTimeout)
		defer cancel()
		if err := s.Close(closeCtx); err != nil {
			logger.Error("failed to close subscriber", zap.Error(err))
		}
	}()

	tick := time.NewTicker(cfg.LagInterval)
	defer tick.Stop()

	var idle int
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.Done():
			return s.Err()
		case <-tick.C:
			lag, err := backlog(ctx, ctlr, cfg.Stream, sub)
			if err != nil {
				logger.Warn("failed to compute subscription lag", zap.Error(err))
				continue
			}
			registry.UpdateSubscriptionLag(cfg.Stream.Topic, sub, cfg.Stream.Shard, lag)

			messages, _ := s.Leased()
			if lag > 0 || messages > 0 {
				idle = 0
				continue
			}
			idle++
			if idle >= cfg.MaxIdleChecks {
				logger.Info("backlog drained, stopping subscriber",
					zap.Duration("ack_deadline", s.AckDeadline()),
					zap.Duration("modack_latency", s.ModAckLatency()),
				)
				return nil
			}
		}
	}
}

func backlog(ctx context.Context, ctlr pub.Controller, opts stream.Options, sub string) (float64, error) {
	offset, err := ctlr.GetOffset(ctx, opts.Topic, opts.Shard)
	if err != nil {
		return 0, err
	}
	cursor, err := ctlr.GetCursor(ctx, opts.Topic, sub, opts.Shard)
	if err != nil {
		return 0, err
	}
	if cursor >= offset {
		return 0, nil
	}

	return float64(offset - cursor), nil
}

func events(count int) ([]pub.Event, error) {
	customers := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J"}
	products := []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "10"}
	events := make([]pub.Event, 0, count)

	for i := 0; i < count; i++ {
		o := order{
			OrderID:    uuid.NewString(),
			CustomerID: customers[rand.Intn(len(customers))],
			ProductID:  products[rand.Intn(len(products))],
			Amount:     10.0 + rand.Float64()*990.0,
			Timestamp:  time.Now().Format(time.RFC3339),
		}
		data, err := json.Marshal(o)
		if err != nil {
			return nil, err
		}

		events = append(events, pub.Event{
			Data:        data,
			Attributes:  map[string]string{"type": "order", "sequence": fmt.Sprintf("%04d", i+1)},
			OrderingKey: o.CustomerID,
		})
	}

	return events, nil
}

func newCouchbase(config Config) (*gocb.Cluster, *gocb.Bucket, error) {
	cluster, err := gocb.Connect(config.CouchbaseConnectionString, gocb.ClusterOptions{
		Authenticator: gocb.PasswordAuthenticator{
			Username: config.CouchbaseUsername,
			Password: config.CouchbasePassword,
		},
		TimeoutsConfig: gocb.TimeoutsConfig{
			ConnectTimeout: 10 * time.Second,
			KVTimeout:      5 * time.Second,
			QueryTimeout:   30 * time.Second,
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to cluster: %w", err)
	}

	bucket := cluster.Bucket(config.CouchbaseBucketName)

	err = bucket.WaitUntilReady(5*time.Second, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("bucket not ready: %w", err)
	}

	return cluster, bucket, nil
}
