package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/renderfarm/jobtrackd/pkg/actor"
	"github.com/renderfarm/jobtrackd/pkg/api"
	"github.com/renderfarm/jobtrackd/pkg/asr"
	"github.com/renderfarm/jobtrackd/pkg/auth"
	"github.com/renderfarm/jobtrackd/pkg/blob"
	"github.com/renderfarm/jobtrackd/pkg/launch"
	"github.com/renderfarm/jobtrackd/pkg/logging"
	"github.com/renderfarm/jobtrackd/pkg/metrics"
	"github.com/renderfarm/jobtrackd/pkg/noncecache"
	"github.com/renderfarm/jobtrackd/pkg/ratelimit"
	"github.com/renderfarm/jobtrackd/pkg/shutdown"
	"github.com/renderfarm/jobtrackd/pkg/signer"
	"github.com/renderfarm/jobtrackd/pkg/store"
	"github.com/renderfarm/jobtrackd/pkg/tracing"
)

const sweepInterval = 5 * time.Second

func main() {
	// Command-line flags
	port := flag.String("port", "8080", "API port")
	metricsPort := flag.String("metrics-port", "9090", "Prometheus metrics port")
	storeType := flag.String("store", "sqlite", "Job store backend: memory, sqlite or postgres")
	storeDSN := flag.String("store-dsn", "jobtrackd.db", "SQLite file path or PostgreSQL connection string")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logJSON := flag.Bool("log-json", false, "Emit logs as JSON")

	callbackSecret := flag.String("callback-secret", os.Getenv("JOBTRACKD_CALLBACK_SECRET"), "HMAC secret for container callbacks and webhooks")
	webhookURL := flag.String("webhook-url", "", "Application webhook endpoint for terminal notifications")
	callbackURL := flag.String("callback-url", "", "Externally reachable URL of this tracker's /callbacks/container endpoint")
	containerURL := flag.String("container-url", "", "Worker fleet control endpoint")
	apiKey := flag.String("api-key", os.Getenv("JOBTRACKD_API_KEY"), "API key guarding the public surface (empty disables)")

	s3Endpoint := flag.String("s3-endpoint", "", "S3-compatible endpoint (empty uses in-memory blob store)")
	s3AccessKey := flag.String("s3-access-key", os.Getenv("JOBTRACKD_S3_ACCESS_KEY"), "S3 access key")
	s3SecretKey := flag.String("s3-secret-key", os.Getenv("JOBTRACKD_S3_SECRET_KEY"), "S3 secret key")
	s3Bucket := flag.String("s3-bucket", "jobtrackd", "S3 bucket")
	s3SSL := flag.Bool("s3-ssl", true, "Use TLS for S3")

	redisAddr := flag.String("redis", "", "Redis address for nonce dedup (empty uses in-memory cache)")
	redisPassword := flag.String("redis-password", os.Getenv("JOBTRACKD_REDIS_PASSWORD"), "Redis password")

	asrURL := flag.String("asr-url", "", "Transcription API base URL")
	asrKey := flag.String("asr-api-key", os.Getenv("JOBTRACKD_ASR_API_KEY"), "Transcription API key")

	callbackRPS := flag.Float64("callback-rps", 50, "Per-source rate limit on container callbacks")
	callbackBurst := flag.Int("callback-burst", 100, "Per-source burst on container callbacks")

	otlpEndpoint := flag.String("otlp-endpoint", "", "OTLP HTTP endpoint for traces (empty disables tracing export)")
	environment := flag.String("environment", "production", "Deployment environment tag for traces")
	flag.Parse()

	logger := logging.NewLogger(logging.ParseLevel(*logLevel), *logJSON)

	if *callbackSecret == "" {
		log.Println("ERROR: No callback secret provided")
		log.Println("Set JOBTRACKD_CALLBACK_SECRET or pass --callback-secret")
		log.Fatalf("Callback secret required: container callbacks and webhooks are HMAC-signed")
	}
	if *webhookURL == "" {
		log.Fatalf("--webhook-url is required: terminal notifications have nowhere to go without it")
	}

	log.Println("Starting jobtrackd")
	log.Printf("Port: %s", *port)
	log.Printf("Store: %s", *storeType)
	log.Printf("Metrics Port: %s", *metricsPort)

	shutdownMgr := shutdown.New(30 * time.Second)

	// Job store
	jobStore, err := store.NewStore(store.Config{Type: *storeType, DSN: *storeDSN})
	if err != nil {
		log.Fatalf("Failed to create job store: %v", err)
	}
	shutdownMgr.Register(shutdown.CloseResource(jobStore, "job store"))
	if *storeType == "memory" {
		log.Println("WARNING: Using in-memory store (records will not survive restarts)")
	}

	// Blob store
	var blobStore blob.Store
	if *s3Endpoint != "" {
		s3, err := blob.NewS3Store(blob.S3Config{
			Endpoint:  *s3Endpoint,
			AccessKey: *s3AccessKey,
			SecretKey: *s3SecretKey,
			Bucket:    *s3Bucket,
			UseSSL:    *s3SSL,
		})
		if err != nil {
			log.Fatalf("Failed to create S3 blob store: %v", err)
		}
		blobStore = s3
		log.Printf("Blob store: s3 (%s/%s)", *s3Endpoint, *s3Bucket)
	} else {
		blobStore = blob.NewMemoryStore()
		log.Println("WARNING: Using in-memory blob store (artifacts will not survive restarts)")
	}

	// Nonce cache
	var nonces noncecache.Cache
	if *redisAddr != "" {
		redisCache, err := noncecache.NewRedisCache(context.Background(), *redisAddr, *redisPassword, 0)
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		nonces = redisCache
		shutdownMgr.Register(shutdown.CloseResource(redisCache, "nonce cache"))
		log.Printf("Nonce cache: redis (%s)", *redisAddr)
	} else {
		nonces = noncecache.NewMemoryCache()
		log.Println("WARNING: Using in-memory nonce cache (replay window resets on restart)")
	}

	// Transcription client
	var asrClient asr.Client
	if *asrURL != "" {
		asrClient = asr.NewHTTPClient(*asrURL, *asrKey)
		log.Printf("Transcription API: %s", *asrURL)
	} else {
		log.Println("WARNING: No transcription API configured; asr-pipeline launches will fail")
	}

	// Tracing
	tracerProvider, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "jobtrackd",
		ServiceVersion: "1.0.0",
		Environment:    *environment,
		OTLPEndpoint:   *otlpEndpoint,
		Enabled:        *otlpEndpoint != "",
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	shutdownMgr.Register(tracerProvider.Shutdown)

	// Metrics
	m := metrics.NewDefault()

	// Core wiring
	hmacSigner := signer.New(*callbackSecret)
	registry := actor.NewRegistry(actor.Deps{
		Store:   jobStore,
		Blob:    blobStore,
		Webhook: actor.NewWebhookPoster(*webhookURL),
		Signer:  hmacSigner,
		Asr:     asrClient,
		Metrics: m,
		Logger:  logger,
	})
	registry.StartSweeper(sweepInterval)
	shutdownMgr.Register(func(ctx context.Context) error {
		registry.StopSweeper()
		return nil
	})

	tokens := auth.NewTokenManager()
	manifests := launch.NewManifestStore(blobStore)
	launcher := launch.NewLauncher(launch.Deps{
		Manifests:   manifests,
		Blob:        blobStore,
		Registry:    registry,
		Container:   launch.NewHTTPContainerClient(*containerURL, hmacSigner),
		Tokens:      tokens,
		Metrics:     m,
		Logger:      logger,
		CallbackURL: *callbackURL,
	})

	handler := api.NewHandler(api.Config{
		Registry:  registry,
		Launcher:  launcher,
		Manifests: manifests,
		Blob:      blobStore,
		Signer:    hmacSigner,
		Nonces:    nonces,
		Tokens:    tokens,
		Limiter:   ratelimit.NewLimiter(*callbackRPS, *callbackBurst),
		Metrics:   m,
		Logger:    logger,
		APIKey:    *apiKey,
	})
	if *apiKey == "" {
		log.Println("WARNING: API key disabled; the public surface is unauthenticated")
	}

	router := mux.NewRouter()
	router.Use(tracing.HTTPMiddleware(tracerProvider))
	handler.RegisterRoutes(router)

	// Metrics server on its own port
	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler()).Methods("GET")
	metricsSrv := &http.Server{
		Addr:         ":" + *metricsPort,
		Handler:      metricsRouter,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("Metrics server listening on :%s", *metricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Metrics server error: %v", err)
		}
	}()
	shutdownMgr.Register(shutdown.StopHTTPServer(metricsSrv, "metrics server"))

	// SSE streams stay open indefinitely, so no write timeout on the API server
	srv := &http.Server{
		Addr:        ":" + *port,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	go func() {
		log.Printf("API server listening on :%s", *port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API server error: %v", err)
		}
	}()
	shutdownMgr.Register(shutdown.StopHTTPServer(srv, "api server"))

	shutdownMgr.Wait()
	shutdownMgr.Shutdown()
}
