// Command server starts the ReelForge ingestion API HTTP service.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"reelforge/internal/api"
	"reelforge/internal/blobstore"
	"reelforge/internal/flow"
	"reelforge/internal/observability/logging"
	"reelforge/internal/observability/metrics"
	"reelforge/internal/pipeline"
	"reelforge/internal/server"
	"reelforge/internal/storage"
	"reelforge/internal/worker"
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", "", "HTTP listen address")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	objectDriver := flag.String("object-driver", "", "object storage driver (s3 or memory)")
	objectBucket := flag.String("object-bucket", "", "object storage bucket name")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint (e.g. http://127.0.0.1:9000)")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectPathStyle := flag.Bool("object-path-style", false, "use path-style object storage addressing")
	queueDriver := flag.String("queue-driver", "", "job queue driver (memory or redis)")
	queueRedisAddr := flag.String("queue-redis-addr", "", "Redis address for the job queue")
	queueRedisAddrs := flag.String("queue-redis-addrs", "", "comma separated Redis addresses for the job queue")
	queueRedisUsername := flag.String("queue-redis-username", "", "Redis username for the job queue")
	queueRedisPassword := flag.String("queue-redis-password", "", "Redis password for the job queue")
	queueRedisStream := flag.String("queue-redis-stream", "", "Redis stream key for pipeline jobs")
	queueRedisGroup := flag.String("queue-redis-group", "", "Redis consumer group for pipeline workers")
	queueRedisMasterName := flag.String("queue-redis-sentinel-master", "", "Redis sentinel master name for the job queue")
	queueRedisPoolSize := flag.Int("queue-redis-pool-size", 0, "maximum Redis connections for the job queue")
	uploadDir := flag.String("upload-dir", "", "directory for in-flight upload spool files")
	maxUploadBytes := flag.Int64("max-upload-bytes", 0, "maximum accepted upload size in bytes")
	presignTTL := flag.Duration("presign-ttl", 0, "lifetime of presigned playlist URLs")
	ffmpegBinary := flag.String("ffmpeg", "", "path to the ffmpeg binary for the embedded worker")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	uploadLimit := flag.Int("rate-upload-limit", 0, "maximum upload sessions per window for a single IP")
	uploadWindow := flag.Duration("rate-upload-window", 0, "window for counting upload session creation")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed upload throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed upload throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for rate limiter Redis operations")
	corsOrigins := flag.String("cors-origins", "", "comma separated origins allowed to call the API")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("REELFORGE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("REELFORGE_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, storeSettings{
		Driver:         firstNonEmpty(*storageDriver, os.Getenv("REELFORGE_STORAGE_DRIVER")),
		DataPath:       firstNonEmpty(*dataPath, os.Getenv("REELFORGE_DATA")),
		PostgresDSN:    firstNonEmpty(*postgresDSN, os.Getenv("REELFORGE_POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		MaxConns:       resolveInt(*postgresMaxConns, "REELFORGE_POSTGRES_MAX_CONNS"),
		MinConns:       resolveInt(*postgresMinConns, "REELFORGE_POSTGRES_MIN_CONNS"),
		AcquireTimeout: resolveDuration(*postgresAcquireTimeout, "REELFORGE_POSTGRES_ACQUIRE_TIMEOUT", 0),
		AppName:        firstNonEmpty(*postgresAppName, os.Getenv("REELFORGE_POSTGRES_APP_NAME")),
	})
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	blobs, err := openBlobStore(ctx, blobSettings{
		Driver:          firstNonEmpty(*objectDriver, os.Getenv("REELFORGE_OBJECT_DRIVER")),
		Bucket:          firstNonEmpty(*objectBucket, os.Getenv("REELFORGE_OBJECT_BUCKET")),
		Region:          firstNonEmpty(*objectRegion, os.Getenv("REELFORGE_OBJECT_REGION")),
		Endpoint:        firstNonEmpty(*objectEndpoint, os.Getenv("REELFORGE_OBJECT_ENDPOINT")),
		AccessKeyID:     firstNonEmpty(*objectAccessKey, os.Getenv("REELFORGE_OBJECT_ACCESS_KEY")),
		SecretAccessKey: firstNonEmpty(*objectSecretKey, os.Getenv("REELFORGE_OBJECT_SECRET_KEY")),
		PathStyle:       resolveBool(*objectPathStyle, "REELFORGE_OBJECT_PATH_STYLE"),
	})
	if err != nil {
		logger.Error("failed to configure object storage", "error", err)
		os.Exit(1)
	}

	queueSettings := redisQueueSettings{
		Addr:       firstNonEmpty(*queueRedisAddr, os.Getenv("REELFORGE_QUEUE_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*queueRedisAddrs, os.Getenv("REELFORGE_QUEUE_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*queueRedisUsername, os.Getenv("REELFORGE_QUEUE_REDIS_USERNAME")),
		Password:   firstNonEmpty(*queueRedisPassword, os.Getenv("REELFORGE_QUEUE_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(*queueRedisStream, os.Getenv("REELFORGE_QUEUE_REDIS_STREAM")),
		Group:      firstNonEmpty(*queueRedisGroup, os.Getenv("REELFORGE_QUEUE_REDIS_GROUP")),
		MasterName: firstNonEmpty(*queueRedisMasterName, os.Getenv("REELFORGE_QUEUE_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*queueRedisPoolSize, "REELFORGE_QUEUE_REDIS_POOL_SIZE"),
	}
	queueDriverValue := strings.ToLower(firstNonEmpty(*queueDriver, os.Getenv("REELFORGE_QUEUE_DRIVER"), "memory"))
	engine, queueCloser, err := configureFlowEngine(queueDriverValue, queueSettings, logger, recorder)
	if err != nil {
		logger.Error("failed to configure job queue", "error", err)
		os.Exit(1)
	}
	if queueCloser != nil {
		defer queueCloser()
	}

	// With the in-memory queue, flows are only runnable inside this
	// process, so a pipeline worker is embedded. A Redis queue hands
	// jobs to the dedicated worker binary instead.
	if queueDriverValue == "memory" || queueDriverValue == "" {
		pipe, err := pipeline.New(pipeline.Config{
			Repo:     store,
			Blobs:    blobs,
			Runner:   &pipeline.ExecRunner{Binary: firstNonEmpty(*ffmpegBinary, os.Getenv("REELFORGE_FFMPEG")), Logger: logging.WithComponent(logger, "ffmpeg")},
			Logger:   logging.WithComponent(logger, "pipeline"),
			Recorder: recorder,
		})
		if err != nil {
			logger.Error("failed to build pipeline", "error", err)
			os.Exit(1)
		}
		embedded, err := worker.New(engine, pipe.Registry(),
			worker.WithConcurrency(2),
			worker.WithLogger(logging.WithComponent(logger, "worker")))
		if err != nil {
			logger.Error("failed to build embedded worker", "error", err)
			os.Exit(1)
		}
		go func() {
			if err := embedded.Run(ctx); err != nil {
				logger.Error("embedded worker stopped", "error", err)
			}
		}()
		logger.Info("embedded pipeline worker running", "concurrency", 2)
	}

	handler := api.NewHandler(store, blobs, engine)
	handler.Logger = logging.WithComponent(logger, "api")
	handler.Recorder = recorder
	handler.UploadDir = firstNonEmpty(*uploadDir, os.Getenv("REELFORGE_UPLOAD_DIR"))
	handler.MaxUploadBytes = resolveInt64(*maxUploadBytes, "REELFORGE_MAX_UPLOAD_BYTES")
	handler.PresignTTL = resolveDuration(*presignTTL, "REELFORGE_PRESIGN_TTL", 0)

	listenAddr := firstNonEmpty(*addr, os.Getenv("REELFORGE_ADDR"), ":8080")
	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("REELFORGE_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("REELFORGE_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "REELFORGE_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "REELFORGE_RATE_GLOBAL_BURST"),
			UploadLimit:   resolveInt(*uploadLimit, "REELFORGE_RATE_UPLOAD_LIMIT"),
			UploadWindow:  resolveDuration(*uploadWindow, "REELFORGE_RATE_UPLOAD_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("REELFORGE_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("REELFORGE_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*rateRedisTimeout, "REELFORGE_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("REELFORGE_CORS_ORIGINS"))),
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	logger.Info("ReelForge API listening", "addr", listenAddr)
	logger.Info("metrics endpoint available", "path", "/metrics")
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

type storeSettings struct {
	Driver         string
	DataPath       string
	PostgresDSN    string
	MaxConns       int
	MinConns       int
	AcquireTimeout time.Duration
	AppName        string
}

func openStore(ctx context.Context, settings storeSettings) (storage.Repository, error) {
	driver := strings.ToLower(strings.TrimSpace(settings.Driver))
	if driver == "" {
		if settings.PostgresDSN != "" {
			driver = "postgres"
		} else {
			driver = "json"
		}
	}
	switch driver {
	case "json":
		path := settings.DataPath
		if path == "" {
			path = "data/store.json"
		}
		store, err := storage.NewStore(path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		if settings.PostgresDSN == "" {
			return nil, errMissingDSN
		}
		var options []storage.Option
		if settings.MaxConns > 0 || settings.MinConns > 0 {
			options = append(options, storage.WithMaxConnections(int32(settings.MaxConns), int32(settings.MinConns)))
		}
		if settings.AcquireTimeout > 0 {
			options = append(options, storage.WithAcquireTimeout(settings.AcquireTimeout))
		}
		if settings.AppName != "" {
			options = append(options, storage.WithApplicationName(settings.AppName))
		}
		return storage.NewPostgresRepository(ctx, settings.PostgresDSN, options...)
	default:
		return nil, errUnsupportedDriver(driver)
	}
}

type blobSettings struct {
	Driver          string
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
}

func openBlobStore(ctx context.Context, settings blobSettings) (blobstore.Store, error) {
	driver := strings.ToLower(strings.TrimSpace(settings.Driver))
	if driver == "" {
		if settings.Bucket != "" {
			driver = "s3"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "memory":
		return blobstore.NewMemory(), nil
	case "s3":
		store, err := blobstore.NewS3Store(ctx, blobstore.S3Config{
			Bucket:          settings.Bucket,
			Region:          settings.Region,
			Endpoint:        settings.Endpoint,
			AccessKeyID:     settings.AccessKeyID,
			SecretAccessKey: settings.SecretAccessKey,
			ForcePathStyle:  settings.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, errUnsupportedDriver(driver)
	}
}

type redisQueueSettings struct {
	Addr       string
	Addrs      []string
	Username   string
	Password   string
	Stream     string
	Group      string
	MasterName string
	PoolSize   int
}

func configureFlowEngine(driver string, settings redisQueueSettings, logger *slog.Logger, recorder *metrics.Recorder) (*flow.Engine, func(), error) {
	switch driver {
	case "", "memory":
		backend := flow.NewMemory(128)
		engine := flow.NewEngine(backend, backend,
			flow.WithLogger(logging.WithComponent(logger, "flow")),
			flow.WithRecorder(recorder))
		return engine, func() { backend.Close() }, nil
	case "redis":
		backend, err := flow.NewRedis(flow.RedisConfig{
			Addr:       settings.Addr,
			Addrs:      settings.Addrs,
			Username:   settings.Username,
			Password:   settings.Password,
			Stream:     settings.Stream,
			Group:      settings.Group,
			MasterName: settings.MasterName,
			PoolSize:   settings.PoolSize,
			Logger:     logging.WithComponent(logger, "flow-redis"),
		})
		if err != nil {
			return nil, nil, err
		}
		engine := flow.NewEngine(backend, backend,
			flow.WithLogger(logging.WithComponent(logger, "flow")),
			flow.WithRecorder(recorder))
		return engine, func() { backend.Close() }, nil
	default:
		return nil, nil, errUnsupportedDriver(driver)
	}
}

type driverError string

func (e driverError) Error() string { return "unsupported driver " + strconv.Quote(string(e)) }

func errUnsupportedDriver(driver string) error { return driverError(driver) }

var errMissingDSN = driverError("postgres storage selected without DSN")

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt64(flagValue int64, envKey string) int64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseInt(strings.TrimSpace(env), 10, 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
