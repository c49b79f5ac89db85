// Package app wires the security server components from a configuration.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nordic-institute/X-Road-sub019/internal/archive"
	"github.com/nordic-institute/X-Road-sub019/internal/config"
	"github.com/nordic-institute/X-Road-sub019/internal/keystore"
	"github.com/nordic-institute/X-Road-sub019/internal/messagelog"
	"github.com/nordic-institute/X-Road-sub019/internal/metrics"
	"github.com/nordic-institute/X-Road-sub019/internal/queue/kafka"
	"github.com/nordic-institute/X-Road-sub019/internal/queue/memory"
	"github.com/nordic-institute/X-Road-sub019/internal/sender"
	"github.com/nordic-institute/X-Road-sub019/internal/server"
	"github.com/nordic-institute/X-Road-sub019/internal/storage"
	memstore "github.com/nordic-institute/X-Road-sub019/internal/storage/memory"
	"github.com/nordic-institute/X-Road-sub019/internal/storage/mongodb"
	"github.com/nordic-institute/X-Road-sub019/internal/storage/postgres"
	"github.com/nordic-institute/X-Road-sub019/internal/telemetry"
	"github.com/nordic-institute/X-Road-sub019/pkg/globalconf"
	"github.com/nordic-institute/X-Road-sub019/pkg/relay"
	"github.com/nordic-institute/X-Road-sub019/pkg/security"
	"github.com/nordic-institute/X-Road-sub019/pkg/timestamp"
	"github.com/nordic-institute/X-Road-sub019/pkg/transport"
)

// App is a wired security server
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	registry *prometheus.Registry
	metrics  *metrics.Recorder
	conf     *globalconf.StaticProvider
	keys     *keystore.FileProvider
	store    storage.Store
	redis    *redis.Client

	manager   *messagelog.Manager
	processor *relay.Processor
	server    *server.Server
	scheduler *messagelog.Scheduler

	sender   *sender.Sender
	queue    *memory.Queue
	producer *kafka.Producer
	consumer *kafka.Consumer

	shutdownTracing telemetry.ShutdownFunc
}

// New builds every component. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	if err := a.build(ctx); err != nil {
		a.close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg

	tp, shutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		Insecure:    cfg.Observability.Tracing.Insecure,
		ServiceName: cfg.Observability.Tracing.ServiceName,
		SampleRatio: cfg.Observability.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}
	a.shutdownTracing = shutdown

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	a.metrics = metrics.NewRecorder(a.registry)

	if a.conf, err = globalconf.LoadStatic(cfg.GlobalConf.Path); err != nil {
		return err
	}
	a.logger.Info("global configuration loaded",
		zap.String("ownServer", a.conf.OwnServer().String()),
		zap.Int("clients", len(a.conf.Clients())))

	if a.keys, err = keystore.NewFileProvider(cfg.Keystore.Dir); err != nil {
		return err
	}
	authCert, err := a.keys.AuthCertificate()
	if err != nil {
		return err
	}

	statusCache, err := a.newStatusCache(ctx)
	if err != nil {
		return err
	}
	responders := security.NewResponderClient(&http.Client{Timeout: cfg.Proxy.ConnectTimeout})
	localStatus := security.NewLocalStatusProvider(responders, statusCache, cfg.RevocationCache.Freshness)
	if err := a.registerOwnCertificates(ctx, localStatus); err != nil {
		return err
	}

	hc := transport.DefaultHTTPSConfig()
	hc.Certificates = []tls.Certificate{*authCert}
	hc.Timeout = cfg.Proxy.ConnectTimeout
	clientTLS := hc.ClientTLSConfig()

	// OCSP responses fetched from peers carry their own signatures
	peerClient := transport.NewHTTPSClient(hc)
	verifier := security.NewVerifier(a.conf, security.VerifierConfig{
		Freshness:  cfg.RevocationCache.Freshness,
		Cache:      statusCache,
		Peers:      security.NewPeerStatusClient(peerClient, "https"),
		Responders: responders,
		Logger:     a.logger.Named("verifier"),
		Metrics:    a.metrics,
	})

	racer := transport.NewRacer(
		transport.WithSessionCache(clientTLS.ClientSessionCache),
		transport.WithSelectedCache(cfg.Proxy.SelectedCacheSize, cfg.Proxy.SelectedCacheTTL),
		transport.WithCachedTimeout(cfg.Proxy.CachedDialTimeout),
		transport.WithRacerLogger(a.logger.Named("racer")),
		transport.WithRacerMetrics(a.metrics),
	)
	connector := transport.NewConnector(racer, clientTLS, verifier, cfg.Proxy.ConnectTimeout)

	if a.store, err = a.newStore(ctx); err != nil {
		return err
	}

	var log relay.MessageLog
	if cfg.MessageLog.IsEnabled() {
		a.manager = a.newManager()
		log = a.manager
	}

	opts := []relay.Option{
		relay.WithStatusSource(localStatus),
		relay.WithHandlers(relay.NewListClientsHandler(a.conf.OwnServer().Owner, a.conf)),
		relay.WithLogger(a.logger.Named("relay")),
		relay.WithMetrics(a.metrics),
		relay.WithTracerProvider(tp),
	}
	if q, err := a.newQueue(); err != nil {
		return err
	} else if q != nil {
		opts = append(opts, relay.WithQueue(q))
	}
	a.processor = relay.NewProcessor(a.conf, connector, a.keys, verifier, log, relay.Config{
		HeaderTimeout:  cfg.Proxy.HeaderTimeout,
		MessageTimeout: cfg.Proxy.MessageTimeout,
		ForceSync:      cfg.Proxy.ForceSync,
		MaxMessageSize: cfg.Proxy.MaxMessageSize,
	}, opts...)

	if cfg.Queue.Type != "none" {
		a.sender = sender.NewSender(a.processor, &sender.Config{
			Workers:        cfg.Queue.Sender.Workers,
			MaxRetries:     cfg.Queue.Sender.MaxRetries,
			InitialBackoff: cfg.Queue.Sender.InitialBackoff,
			MaxBackoff:     cfg.Queue.Sender.MaxBackoff,
		}, a.logger.Named("sender"))
	}
	if cfg.Queue.Type == "kafka" {
		if a.consumer, err = kafka.DialConsumer(a.kafkaConfig(), a.sender.Deliver, a.logger.Named("kafka")); err != nil {
			return err
		}
	}

	if cfg.Archive.Enabled {
		if err := a.newScheduler(ctx); err != nil {
			return err
		}
	}

	handlers := server.Handlers{
		Relay:  a.processor,
		Status: security.StatusHandler(localStatus),
	}
	if cfg.Observability.Metrics.Enabled {
		handlers.Metrics = metrics.Handler(a.registry)
	}
	a.server, err = server.New(server.Config{
		ClientAddr:        cfg.Server.ClientAddr,
		ServerAddr:        cfg.Server.ServerAddr,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MetricsPath:       cfg.Observability.Metrics.Path,
	}, handlers, authCert, a.logger.Named("server"), a.checks()...)
	return err
}

// Handler returns the client facing handler
func (a *App) Handler() http.Handler { return a.server.ClientHandler() }

// Run starts the components and blocks until ctx is done or a server
// fails, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.manager != nil {
		a.manager.Start(ctx)
	}
	if a.sender != nil && a.queue != nil {
		a.sender.Start(ctx, a.queue)
	}
	consumerDone := make(chan struct{})
	if a.consumer != nil {
		go func() {
			defer close(consumerDone)
			if err := a.consumer.Run(ctx); err != nil {
				a.logger.Error("kafka consumer stopped", zap.Error(err))
			}
		}()
	} else {
		close(consumerDone)
	}
	if a.scheduler != nil {
		a.scheduler.Start()
	}

	errc := make(chan error, 2)
	if err := a.server.Start(errc); err != nil {
		cancel()
		<-consumerDone
		a.close(context.Background())
		return err
	}
	a.logger.Info("security server started",
		zap.String("ownServer", a.conf.OwnServer().String()),
		zap.Strings("handlers", a.processor.Handlers()))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
		a.logger.Error("server failed", zap.Error(runErr))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("server shutdown", zap.Error(err))
	}
	cancel()
	<-consumerDone
	a.close(shutdownCtx)
	a.logger.Info("security server stopped")
	return runErr
}

// close releases components in reverse dependency order. Safe on a
// partially built App.
func (a *App) close(ctx context.Context) {
	if a.scheduler != nil {
		a.scheduler.Stop(ctx)
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.queue != nil {
		_ = a.queue.Close()
	}
	if a.sender != nil {
		a.sender.Stop()
	}
	if a.producer != nil {
		_ = a.producer.Close()
	}
	if a.manager != nil {
		a.manager.Close()
	}
	if a.store != nil {
		if err := a.store.Close(ctx); err != nil {
			a.logger.Warn("closing store", zap.Error(err))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.keys != nil {
		_ = a.keys.Close()
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			a.logger.Warn("flushing traces", zap.Error(err))
		}
	}
}

func (a *App) newStatusCache(ctx context.Context) (security.StatusCache, error) {
	rc := a.cfg.RevocationCache
	switch rc.Type {
	case "redis":
		a.redis = redis.NewClient(&redis.Options{
			Addr:     rc.Redis.Address,
			Password: rc.Redis.Password,
			DB:       rc.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.logger.Warn("redis unavailable, revocation statuses will be fetched on every miss", zap.Error(err))
		}
		return security.NewRedisStatusCache(a.redis, rc.Redis.Prefix, rc.TTL, a.logger.Named("ocsp-cache")), nil
	case "lru", "":
		return security.NewLRUStatusCache(rc.Size, rc.TTL), nil
	default:
		return nil, fmt.Errorf("unknown revocation cache type %q", rc.Type)
	}
}

// registerOwnCertificates makes the OCSP responses of this server's
// certificates available to peers and to outgoing requests.
func (a *App) registerOwnCertificates(ctx context.Context, p *security.LocalStatusProvider) error {
	keys, err := a.keys.ListKeys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.Issuer == nil {
			a.logger.Warn("certificate without issuer, OCSP status not served",
				zap.String("subject", k.CertificateSubject))
			continue
		}
		p.Add(k.Certificate, k.Issuer)
	}
	return nil
}

func (a *App) newStore(ctx context.Context) (storage.Store, error) {
	sc := a.cfg.Storage
	switch sc.Type {
	case "memory", "":
		return memstore.NewStore(), nil
	case "postgres":
		return postgres.NewStore(ctx, &postgres.Config{
			DSN:          sc.Postgres.DSN,
			MaxOpenConns: sc.Postgres.MaxOpenConns,
			MaxIdleConns: sc.Postgres.MaxIdleConns,
			MaxLifetime:  sc.Postgres.MaxLifetime,
		})
	case "mongodb":
		return mongodb.NewStore(ctx, &mongodb.Config{URI: sc.MongoDB.URI, Database: sc.MongoDB.Database})
	default:
		return nil, fmt.Errorf("unknown storage type %q", sc.Type)
	}
}

func (a *App) newManager() *messagelog.Manager {
	mc := a.cfg.MessageLog
	alg := a.cfg.HashAlgorithm()
	ts := timestamp.NewClient(mc.TimestampURLs, alg, a.conf.TSPCertificates,
		timestamp.WithLogger(a.logger.Named("timestamp")))
	return messagelog.NewManager(a.store, ts, messagelog.Config{
		TimestampImmediately:             mc.TimestampImmediately,
		TimestampWait:                    mc.TimestampWait,
		TimestampInterval:                mc.TimestampInterval,
		TimestampRecordsLimit:            mc.TimestampRecordsLimit,
		AcceptableTimestampFailurePeriod: mc.AcceptableTimestampFailurePeriod,
		HashAlgorithm:                    alg,
		Body: messagelog.BodyPolicy{
			Disabled:  !mc.IsBodyLogged(),
			Overrides: mc.BodyLoggingOverrides,
		},
	}, messagelog.WithLogger(a.logger.Named("messagelog")), messagelog.WithMetrics(a.metrics))
}

func (a *App) kafkaConfig() kafka.Config {
	kc := a.cfg.Queue.Kafka
	return kafka.Config{Brokers: kc.Brokers, Topic: kc.Topic, GroupID: kc.GroupID, ClientID: kc.ClientID}
}

func (a *App) newQueue() (relay.AsyncQueue, error) {
	switch a.cfg.Queue.Type {
	case "none", "":
		return nil, nil
	case "memory":
		a.queue = memory.New(a.cfg.Queue.Capacity, a.metrics)
		return a.queue, nil
	case "kafka":
		p, err := kafka.DialProducer(a.kafkaConfig(),
			kafka.WithProducerLogger(a.logger.Named("kafka")),
			kafka.WithProducerMetrics(a.metrics))
		if err != nil {
			return nil, err
		}
		a.producer = p
		return p, nil
	default:
		return nil, fmt.Errorf("unknown queue type %q", a.cfg.Queue.Type)
	}
}

func (a *App) newScheduler(ctx context.Context) error {
	ac := a.cfg.Archive
	logger := a.logger.Named("archive")

	var opts []archive.Option
	switch {
	case ac.S3.Bucket != "":
		t, err := archive.NewS3Transfer(ctx, archive.S3Config{
			Bucket:   ac.S3.Bucket,
			Prefix:   ac.S3.Prefix,
			Region:   ac.S3.Region,
			Endpoint: ac.S3.Endpoint,
		})
		if err != nil {
			return err
		}
		opts = append(opts, archive.WithTransfer(t))
	case ac.TransferCommand != "":
		opts = append(opts, archive.WithTransfer(archive.NewCommandTransfer(ac.TransferCommand)))
	}
	opts = append(opts, archive.WithLogger(logger), archive.WithMetrics(a.metrics))

	archiver := archive.NewArchiver(a.store, archive.Config{
		Dir:         ac.Dir,
		MaxFileSize: ac.MaxFileSize,
		BatchSize:   ac.BatchSize,
	}, opts...)
	cleaner := messagelog.NewCleaner(a.store, ac.KeepRecordsFor, logger, a.metrics)

	a.scheduler = messagelog.NewScheduler(logger, ac.JobTimeout)
	if err := a.scheduler.Add("archive", ac.Schedule, archiver.Run); err != nil {
		return err
	}
	return a.scheduler.Add("clean", ac.CleanSchedule, cleaner.Run)
}

func (a *App) checks() []server.Check {
	checks := []server.Check{{Name: "store", Check: a.store.Ping}}
	if a.manager != nil {
		period := a.cfg.MessageLog.AcceptableTimestampFailurePeriod
		checks = append(checks, server.Check{Name: "timestamping", Check: func(context.Context) error {
			return timestampingHealth(a.manager.FailingSince(), period, time.Now())
		}})
	}
	if a.redis != nil {
		checks = append(checks, server.Check{Name: "redis", Check: func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}})
	}
	return checks
}

var errTimestampingFailing = errors.New("timestamping failing beyond the acceptable period")

func timestampingHealth(since time.Time, period time.Duration, now time.Time) error {
	if since.IsZero() || period <= 0 || now.Sub(since) <= period {
		return nil
	}
	return fmt.Errorf("%w: since %s", errTimestampingFailing, since.Format(time.RFC3339))
}
