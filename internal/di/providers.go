package di

import (
	"context"
	"fmt"
	"time"

	"CandleFlow/internal/domain/repository"
	"CandleFlow/internal/handler/api"
	mid "CandleFlow/internal/middleware"
	internalrepo "CandleFlow/internal/repository"
	"CandleFlow/internal/service/bybit"
	"CandleFlow/internal/service/finnhub"
	"CandleFlow/internal/service/kraken"
	"CandleFlow/internal/service/ratelimit"
	"CandleFlow/internal/service/topic"
	"CandleFlow/internal/usecase"
	"CandleFlow/pkg/cache"
	pkgch "CandleFlow/pkg/clickhouse"
	"CandleFlow/pkg/config"
	xhttp "CandleFlow/pkg/http"
	pkgkafka "CandleFlow/pkg/kafka"
	applogger "CandleFlow/pkg/logger"
	"CandleFlow/pkg/metrics"
	pkgpg "CandleFlow/pkg/postgres"
	"CandleFlow/pkg/queue"
	"CandleFlow/pkg/server"
	"CandleFlow/pkg/util"

	"github.com/redis/go-redis/v9"
)

const initTimeout = 15 * time.Second

// ProvideLogger builds the process logger. With alerts enabled, error lines
// are also collected and published to the alerts topic; the collector is
// attached before any child logger is derived.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, func(), error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	if !cfg.Alerts.Enabled {
		return l, func() {}, nil
	}

	publisher, closePublisher, err := provideAlertPublisher(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("alerts publisher: %w", err)
	}
	l.AttachCollector(&applogger.CollectionConfig{
		TimeInterval:   cfg.Alerts.Interval,
		CountThreshold: cfg.Alerts.CountThreshold,
		Topic:          cfg.Alerts.Topic,
		Publisher:      publisher,
	})
	cleanup := func() {
		l.DetachCollector()
		closePublisher()
	}
	return l, cleanup, nil
}

func provideAlertPublisher(cfg *config.Config) (applogger.Publisher, func(), error) {
	if cfg.Alerts.Transport == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
		defer cancel()
		q, err := queue.NewRedisPublisher(ctx, client, queue.WithKeyPrefix(cfg.Redis.KeyPrefix+"alerts"))
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return q, func() { _ = client.Close() }, nil
	}
	producer, err := newProducer(cfg, pkgkafka.WithAutoCreateTopic(true))
	if err != nil {
		return nil, nil, err
	}
	return producer, func() { _ = producer.Close() }, nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() repository.Metrics {
	return metrics.New()
}

// ProvideTradeGuard drops malformed records and symbols outside the configured set.
func ProvideTradeGuard(cfg *config.Config, m repository.Metrics, l *applogger.Logger) *mid.TradeGuard {
	return mid.NewTradeGuard(m, l, mid.WithSymbols(PipelineSymbols(cfg)))
}

// PipelineSymbols returns the configured symbols in the spelling the selected
// source tags its trades with, so the guard and the subscription agree.
func PipelineSymbols(cfg *config.Config) []string {
	switch cfg.Pipeline.Source.Type {
	case config.SourceKraken, config.SourceKrakenHistorical:
		return kraken.CanonicalSymbols(cfg.Pipeline.Symbols)
	default:
		return util.UpperSymbols(cfg.Pipeline.Symbols)
	}
}

// ProvideSource selects the trade source from pipeline.source.type.
func ProvideSource(cfg *config.Config, m repository.Metrics, l *applogger.Logger) (repository.TradeSource, func(), error) {
	noop := func() {}
	switch cfg.Pipeline.Source.Type {
	case config.SourceKraken:
		return kraken.NewStream(kraken.StreamConfig{
			WebSocketURL:   cfg.Kraken.WebSocketURL,
			PingInterval:   cfg.Kraken.PingInterval,
			ReconnectDelay: cfg.Kraken.ReconnectDelay,
			MaxReconnects:  cfg.Kraken.MaxReconnects,
		}, m, l), noop, nil

	case config.SourceBybit:
		return bybit.NewStream(bybit.StreamConfig{
			WebSocketURL:   cfg.Bybit.WebSocketURL,
			PingInterval:   cfg.Bybit.PingInterval,
			ReconnectDelay: cfg.Bybit.ReconnectDelay,
			MaxReconnects:  cfg.Bybit.MaxReconnects,
		}, m, l), noop, nil

	case config.SourceFinnhub:
		src, err := finnhub.NewStream(finnhub.StreamConfig{
			WebSocketURL:   cfg.Finnhub.WebSocketURL,
			APIKey:         cfg.Finnhub.APIKey,
			PingInterval:   cfg.Finnhub.PingInterval,
			ReconnectDelay: cfg.Finnhub.ReconnectDelay,
			MaxReconnects:  cfg.Finnhub.MaxReconnects,
		}, m, l)
		if err != nil {
			return nil, nil, err
		}
		return src, noop, nil

	case config.SourceKrakenHistorical:
		start, end, err := cfg.Backfill.Range(time.Now())
		if err != nil {
			return nil, nil, err
		}
		cursors, closeCursors, err := provideCursorStore(cfg)
		if err != nil {
			return nil, nil, err
		}
		h := kraken.NewHistorical(kraken.HistoricalConfig{
			RestURL:           cfg.Kraken.RestURL,
			JobID:             cfg.Backfill.JobID,
			Start:             start,
			End:               end,
			RateLimitBackoff:  cfg.Backfill.RateLimitBackoff,
			RetryDelay:        cfg.Backfill.RetryDelay,
			MaxRetries:        cfg.Backfill.MaxRetries,
			RequestsPerSecond: cfg.Backfill.RequestsPerSecond,
		}, xhttp.NewClient(xhttp.WithTimeout(cfg.Kraken.RequestTimeout)), cursors, ratelimit.New(), m, l)
		return h, closeCursors, nil

	case config.SourceKafka:
		cc := cfg.Kafka.Consumer
		consumer, err := pkgkafka.NewConsumer(
			pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
			pkgkafka.WithConsumerGroupID(cc.GroupID),
			pkgkafka.WithConsumerTopic(cc.Topic),
			pkgkafka.WithConsumerStartOffset(cc.StartOffset),
			pkgkafka.WithConsumerPollTimeout(cc.PollTimeout),
			pkgkafka.WithConsumerFetch(cc.MinBytes, cc.MaxBytes),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka consumer: %w", err)
		}
		src, err := topic.NewSource(topic.Config{
			Payload:    cc.Payload,
			ExitOnIdle: cc.ExitOnIdle,
			RetryDelay: cfg.Pipeline.Batch.RetryDelay,
		}, consumer, m, l)
		if err != nil {
			_ = consumer.Close()
			return nil, nil, err
		}
		return src, func() { _ = consumer.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown source type %q", cfg.Pipeline.Source.Type)
}

func provideCursorStore(cfg *config.Config) (repository.CursorStore, func(), error) {
	if cfg.Backfill.CursorStore != "redis" {
		return internalrepo.NewCacheCursorStore(cache.NewMemoryCache(), 0), func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()
	rc, err := cache.NewRedisCache(ctx,
		cache.WithRedisAddr(cfg.Redis.Addr),
		cache.WithRedisPassword(cfg.Redis.Password),
		cache.WithRedisDB(cfg.Redis.DB),
		cache.WithRedisPrefix(cfg.Redis.KeyPrefix),
		cache.WithRedisPool(cfg.Redis.PoolSize, cfg.Redis.MinIdleConns, cfg.Redis.PoolTimeout),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("cursor store: %w", err)
	}
	return internalrepo.NewCacheCursorStore(rc, cfg.Redis.TTL), func() { _ = rc.Close() }, nil
}

// ProvideSink selects the sink from pipeline.sink.type. The pipeline owns
// Init and Close.
func ProvideSink(cfg *config.Config, m repository.Metrics, l *applogger.Logger) (repository.Sink, func(), error) {
	noop := func() {}
	switch cfg.Pipeline.Sink.Type {
	case config.SinkKafka:
		producer, err := newProducer(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka producer: %w", err)
		}
		brokers, partitions, replication := cfg.Kafka.Brokers, cfg.Kafka.Partitions, cfg.Kafka.Replication
		ensure := func(ctx context.Context, topic string) error {
			return pkgkafka.EnsureTopic(ctx, brokers, topic, partitions, replication)
		}
		return internalrepo.NewKafkaSink(producer, cfg.Pipeline.Sink.Topic, ensure, l), noop, nil

	case config.SinkClickHouse:
		ch := cfg.ClickHouse
		ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
		defer cancel()
		client, err := pkgch.NewClient(ctx,
			pkgch.WithAddr(ch.Host, ch.Port),
			pkgch.WithDatabase(ch.Database),
			pkgch.WithAuth(ch.User, ch.Password),
			pkgch.WithHTTP(ch.UseHTTP),
			pkgch.WithAsyncInsert(ch.AsyncInsert, ch.WaitForAsync),
			pkgch.WithTimeouts(ch.DialTimeout, ch.ReadTimeout),
			pkgch.WithMaxExecutionTime(ch.MaxExecutionTime),
			pkgch.WithPool(ch.MaxOpenConns, ch.MaxIdleConns, ch.ConnMaxLifetime),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("clickhouse client: %w", err)
		}
		tf := repository.TimeframeOf(cfg.Pipeline.Window)
		store := internalrepo.NewCHStore(client, ch.Database, tf, ch.InsertChunk, m, l)
		return store, func() { _ = client.Close() }, nil

	case config.SinkPostgres:
		pg := cfg.Postgres
		client, err := pkgpg.NewClient(pg.DSN, pkgpg.WithPool(pg.MaxOpenConns, pg.MaxIdleConns, pg.ConnMaxLifetime))
		if err != nil {
			return nil, nil, err
		}
		return internalrepo.NewPGSink(client, pg.BatchSize), noop, nil
	}
	return nil, nil, fmt.Errorf("unknown sink type %q", cfg.Pipeline.Sink.Type)
}

func newProducer(cfg *config.Config, extra ...pkgkafka.ProducerOption) (*pkgkafka.Producer, error) {
	opts := []pkgkafka.ProducerOption{
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatchSize(cfg.Kafka.Producer.BatchSize),
		pkgkafka.WithBatchBytes(cfg.Kafka.Producer.BatchBytes),
		pkgkafka.WithBatchTimeout(cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithHashByKey(true),
	}
	return pkgkafka.NewProducer(append(opts, extra...)...)
}

// ProvideFeatureStore exposes candle reads when the sink is ClickHouse;
// other sinks have no read side and yield nil.
func ProvideFeatureStore(sink repository.Sink) repository.FeatureStore {
	if fs, ok := sink.(repository.FeatureStore); ok {
		return fs
	}
	return nil
}

// ProvideCandlesUseCase returns nil without a feature store.
func ProvideCandlesUseCase(cfg *config.Config, store repository.FeatureStore) *usecase.CandlesUseCase {
	if store == nil {
		return nil
	}
	return usecase.NewCandlesUseCase(store, repository.TimeframeOf(cfg.Pipeline.Window))
}

// PipelineOptionsFromConfig maps the pipeline section onto driver options.
func PipelineOptionsFromConfig(cfg *config.Config) usecase.PipelineOptions {
	p := cfg.Pipeline
	return usecase.PipelineOptions{
		Name:         p.Name,
		Mode:         usecase.Mode(p.Mode),
		Symbols:      PipelineSymbols(cfg),
		Window:       p.Window,
		ChannelSize:  p.Source.ChannelSize,
		PollInterval: p.Batch.PollInterval,
		Dispatcher: usecase.DispatcherOptions{
			BatchSize:   p.Batch.Size,
			IdleTimeout: p.Batch.IdleTimeout,
			MaxAge:      p.Batch.MaxAge,
			MaxRetries:  p.Batch.MaxRetries,
			RetryDelay:  p.Batch.RetryDelay,
		},
	}
}

// ProvidePipeline creates the pipeline driver.
func ProvidePipeline(
	cfg *config.Config,
	source repository.TradeSource,
	sink repository.Sink,
	guard *mid.TradeGuard,
	m repository.Metrics,
	l *applogger.Logger,
) *usecase.Pipeline {
	return usecase.NewPipeline(PipelineOptionsFromConfig(cfg), source, sink, guard, m, l)
}

// ProvideHTTPServer builds the ops server, or nil when disabled.
func ProvideHTTPServer(cfg *config.Config, l *applogger.Logger, pipeline *usecase.Pipeline, uc *usecase.CandlesUseCase) *xhttp.Server {
	if !cfg.Server.Enabled {
		return nil
	}
	handlers := []xhttp.Handler{api.NewHealthHandler(pipeline)}
	if uc != nil {
		handlers = append(handlers, api.NewCandlesHandler(l, uc))
	}
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	return xhttp.NewServer(l, handlers,
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithMetricsPath(metricsPath),
	)
}

// ProvideApp creates the application server.
func ProvideApp(l *applogger.Logger, pipeline *usecase.Pipeline, httpServer *xhttp.Server) *server.App {
	return server.New(l, pipeline, httpServer)
}
