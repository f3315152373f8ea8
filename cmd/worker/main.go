// Command worker consumes pipeline jobs from the shared queue and runs
// the transcode, thumbnail, preview, analysis, and cleanup handlers.
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

	"reelforge/internal/blobstore"
	"reelforge/internal/flow"
	"reelforge/internal/observability/logging"
	"reelforge/internal/observability/metrics"
	"reelforge/internal/pipeline"
	"reelforge/internal/storage"
	"reelforge/internal/vision"
	"reelforge/internal/worker"
)

func main() {
	_ = godotenv.Load()

	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	objectBucket := flag.String("object-bucket", "", "object storage bucket name")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectPathStyle := flag.Bool("object-path-style", false, "use path-style object storage addressing")
	redisAddr := flag.String("queue-redis-addr", "", "Redis address for the job queue")
	redisAddrs := flag.String("queue-redis-addrs", "", "comma separated Redis addresses for the job queue")
	redisUsername := flag.String("queue-redis-username", "", "Redis username for the job queue")
	redisPassword := flag.String("queue-redis-password", "", "Redis password for the job queue")
	redisStream := flag.String("queue-redis-stream", "", "Redis stream key for pipeline jobs")
	redisGroup := flag.String("queue-redis-group", "", "Redis consumer group for pipeline workers")
	redisMasterName := flag.String("queue-redis-sentinel-master", "", "Redis sentinel master name for the job queue")
	redisPoolSize := flag.Int("queue-redis-pool-size", 0, "maximum Redis connections for the job queue")
	visibilityTimeout := flag.Duration("queue-visibility-timeout", 0, "idle time before a job is reclaimed from a dead worker")
	concurrency := flag.Int("concurrency", 0, "number of concurrent job handlers")
	ffmpegBinary := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	workDir := flag.String("work-dir", "", "scratch directory for job files")
	classifierURL := flag.String("classifier-url", "", "content classifier service URL")
	predictorURL := flag.String("predictor-url", "", "caption predictor service URL")
	visionToken := flag.String("vision-token", "", "bearer token for classifier and predictor calls")
	callbackBaseURL := flag.String("callback-base-url", "", "externally reachable API base URL for caption webhooks")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("REELFORGE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("REELFORGE_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, firstNonEmpty(*storageDriver, os.Getenv("REELFORGE_STORAGE_DRIVER")),
		firstNonEmpty(*dataPath, os.Getenv("REELFORGE_DATA")),
		firstNonEmpty(*postgresDSN, os.Getenv("REELFORGE_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	blobs, err := openBlobStore(ctx, blobstore.S3Config{
		Bucket:          firstNonEmpty(*objectBucket, os.Getenv("REELFORGE_OBJECT_BUCKET")),
		Region:          firstNonEmpty(*objectRegion, os.Getenv("REELFORGE_OBJECT_REGION")),
		Endpoint:        firstNonEmpty(*objectEndpoint, os.Getenv("REELFORGE_OBJECT_ENDPOINT")),
		AccessKeyID:     firstNonEmpty(*objectAccessKey, os.Getenv("REELFORGE_OBJECT_ACCESS_KEY")),
		SecretAccessKey: firstNonEmpty(*objectSecretKey, os.Getenv("REELFORGE_OBJECT_SECRET_KEY")),
		ForcePathStyle:  resolveBool(*objectPathStyle, "REELFORGE_OBJECT_PATH_STYLE"),
	})
	if err != nil {
		logger.Error("failed to configure object storage", "error", err)
		os.Exit(1)
	}

	backend, err := flow.NewRedis(flow.RedisConfig{
		Addr:              firstNonEmpty(*redisAddr, os.Getenv("REELFORGE_QUEUE_REDIS_ADDR")),
		Addrs:             splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("REELFORGE_QUEUE_REDIS_ADDRS"))),
		Username:          firstNonEmpty(*redisUsername, os.Getenv("REELFORGE_QUEUE_REDIS_USERNAME")),
		Password:          firstNonEmpty(*redisPassword, os.Getenv("REELFORGE_QUEUE_REDIS_PASSWORD")),
		Stream:            firstNonEmpty(*redisStream, os.Getenv("REELFORGE_QUEUE_REDIS_STREAM")),
		Group:             firstNonEmpty(*redisGroup, os.Getenv("REELFORGE_QUEUE_REDIS_GROUP")),
		MasterName:        firstNonEmpty(*redisMasterName, os.Getenv("REELFORGE_QUEUE_REDIS_SENTINEL_MASTER")),
		PoolSize:          resolveInt(*redisPoolSize, "REELFORGE_QUEUE_REDIS_POOL_SIZE"),
		VisibilityTimeout: resolveDuration(*visibilityTimeout, "REELFORGE_QUEUE_VISIBILITY_TIMEOUT", 0),
		Logger:            logging.WithComponent(logger, "flow-redis"),
	})
	if err != nil {
		logger.Error("failed to connect to the job queue", "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	engine := flow.NewEngine(backend, backend,
		flow.WithLogger(logging.WithComponent(logger, "flow")),
		flow.WithRecorder(recorder))

	classifier, predictor, err := configureVision(visionSettings{
		ClassifierURL:   firstNonEmpty(*classifierURL, os.Getenv("REELFORGE_CLASSIFIER_URL")),
		PredictorURL:    firstNonEmpty(*predictorURL, os.Getenv("REELFORGE_PREDICTOR_URL")),
		Token:           firstNonEmpty(*visionToken, os.Getenv("REELFORGE_VISION_TOKEN")),
		CallbackBaseURL: firstNonEmpty(*callbackBaseURL, os.Getenv("REELFORGE_CALLBACK_BASE_URL")),
	}, logger)
	if err != nil {
		logger.Error("failed to configure vision services", "error", err)
		os.Exit(1)
	}

	pipe, err := pipeline.New(pipeline.Config{
		Repo:       store,
		Blobs:      blobs,
		Runner:     &pipeline.ExecRunner{Binary: firstNonEmpty(*ffmpegBinary, os.Getenv("REELFORGE_FFMPEG")), Logger: logging.WithComponent(logger, "ffmpeg")},
		Classifier: classifier,
		Predictor:  predictor,
		Logger:     logging.WithComponent(logger, "pipeline"),
		Recorder:   recorder,
		WorkDir:    firstNonEmpty(*workDir, os.Getenv("REELFORGE_WORK_DIR")),
	})
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}

	workerOptions := []worker.Option{worker.WithLogger(logging.WithComponent(logger, "worker"))}
	if n := resolveInt(*concurrency, "REELFORGE_WORKER_CONCURRENCY"); n > 0 {
		workerOptions = append(workerOptions, worker.WithConcurrency(n))
	}
	runner, err := worker.New(engine, pipe.Registry(), workerOptions...)
	if err != nil {
		logger.Error("failed to build worker", "error", err)
		os.Exit(1)
	}

	logger.Info("pipeline worker running")
	if err := runner.Run(ctx); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func openStore(ctx context.Context, driver, dataPath, dsn string) (storage.Repository, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		if dsn != "" {
			driver = "postgres"
		} else {
			driver = "json"
		}
	}
	switch driver {
	case "json":
		if dataPath == "" {
			dataPath = "data/store.json"
		}
		store, err := storage.NewStore(dataPath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		return storage.NewPostgresRepository(ctx, dsn)
	default:
		return nil, errUnsupportedDriver(driver)
	}
}

func openBlobStore(ctx context.Context, cfg blobstore.S3Config) (blobstore.Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return blobstore.NewMemory(), nil
	}
	store, err := blobstore.NewS3Store(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return store, nil
}

type visionSettings struct {
	ClassifierURL   string
	PredictorURL    string
	Token           string
	CallbackBaseURL string
}

func configureVision(settings visionSettings, logger *slog.Logger) (vision.Classifier, vision.Predictor, error) {
	var (
		classifier vision.Classifier
		predictor  vision.Predictor
	)
	if settings.ClassifierURL != "" {
		c, err := vision.NewHTTPClassifier(vision.Config{
			ClassifierURL: settings.ClassifierURL,
			Token:         settings.Token,
		})
		if err != nil {
			return nil, nil, err
		}
		classifier = c
	}
	if settings.PredictorURL != "" {
		if settings.CallbackBaseURL == "" {
			logger.Warn("predictor configured without callback base URL, captions disabled")
		} else {
			p, err := vision.NewHTTPPredictor(vision.Config{
				PredictorURL:    settings.PredictorURL,
				CallbackBaseURL: settings.CallbackBaseURL,
				Token:           settings.Token,
			})
			if err != nil {
				return nil, nil, err
			}
			predictor = p
		}
	}
	return classifier, predictor, nil
}

type driverError string

func (e driverError) Error() string { return "unsupported driver " + strconv.Quote(string(e)) }

func errUnsupportedDriver(driver string) error { return driverError(driver) }

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
