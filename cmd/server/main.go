package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/astrosense/authd/internal/config"
	"github.com/astrosense/authd/internal/email"
	"github.com/astrosense/authd/internal/handlers"
	"github.com/astrosense/authd/internal/metrics"
	"github.com/astrosense/authd/internal/middleware"
	"github.com/astrosense/authd/internal/ratelimit"
	"github.com/astrosense/authd/internal/repository"
	"github.com/astrosense/authd/internal/service"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.Server.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	otpStore, sessionStore, identityStore, limiter, err := initStorage(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize storage")
	}

	deliverer := initDeliverer(cfg, logger)

	sessionService := service.NewSessionService(sessionStore, otpStore, &cfg.Session, logger)
	otpService := service.NewOTPService(otpStore, identityStore, limiter, deliverer, &cfg.OTP, logger)
	verifier := service.NewVerifier(otpStore, sessionService, identityStore, limiter, logger)

	authHandlers := handlers.NewAuthHandlers(otpService, verifier, sessionService, &cfg.Session, cfg.Server.TrustProxy, logger)
	sessionMW := middleware.NewSessionMiddleware(sessionService, cfg.Session.CookieName, logger)

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	router := setupRouter(authHandlers, sessionMW, registry, cfg, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	purgeCtx, stopPurge := context.WithCancel(context.Background())
	go sessionService.RunPurge(purgeCtx, cfg.Purge.Interval)

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	stopPurge()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}

func initStorage(cfg *config.Config, logger *logrus.Logger) (
	repository.OTPSessionStore,
	repository.SessionStore,
	repository.IdentityStore,
	ratelimit.Limiter,
	error,
) {
	rules := ratelimit.Rules{
		ratelimit.OpLogin:  {Max: cfg.RateLimit.LoginMax, Window: cfg.RateLimit.Window},
		ratelimit.OpVerify: {Max: cfg.RateLimit.VerifyMax, Window: cfg.RateLimit.Window},
		ratelimit.OpResend: {Max: cfg.RateLimit.ResendMax, Window: cfg.RateLimit.Window},
	}

	if cfg.Storage.Driver == "memory" {
		logger.Warn("Using in-memory storage; state will not survive a restart")
		return repository.NewMemoryOTPSessionStore(cfg.Purge.Retention),
			repository.NewMemorySessionStore(),
			repository.NewMemoryIdentityStore(),
			ratelimit.NewMemoryLimiter(rules),
			nil
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Endpoint,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("Redis client initialized")

	dynamoClient, err := initDynamoDB(cfg)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	logger.Info("DynamoDB client initialized")

	return repository.NewRedisOTPSessionStore(redisClient, cfg.Purge.Retention, logger),
		repository.NewDynamoSessionStore(dynamoClient, cfg.DynamoDB.TableName, logger),
		repository.NewDynamoIdentityStore(dynamoClient, cfg.DynamoDB.TableName, logger),
		ratelimit.NewRedisLimiter(redisClient, rules, logger),
		nil
}

func initDynamoDB(cfg *config.Config) (*dynamodb.Client, error) {
	var awsCfg aws.Config
	var err error

	if cfg.DynamoDB.Endpoint != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.TODO(),
			awsconfig.WithRegion(cfg.DynamoDB.Region),
			awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
				func(service, region string, options ...interface{}) (aws.Endpoint, error) {
					return aws.Endpoint{
						URL:           cfg.DynamoDB.Endpoint,
						SigningRegion: cfg.DynamoDB.Region,
					}, nil
				})),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.TODO())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return dynamodb.NewFromConfig(awsCfg), nil
}

func initDeliverer(cfg *config.Config, logger *logrus.Logger) email.Deliverer {
	if cfg.SMTP.Username == "" {
		logger.Warn("SMTP not configured; login codes will be written to the log")
		return email.NewLogDeliverer(logger)
	}

	deliverer, err := email.NewSMTPDeliverer(&cfg.SMTP, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize SMTP deliverer")
	}
	return deliverer
}

func setupRouter(
	authHandlers *handlers.AuthHandlers,
	sessionMW *middleware.SessionMiddleware,
	registry *prometheus.Registry,
	cfg *config.Config,
	logger *logrus.Logger,
) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.CORSMiddleware(cfg.CORS.AllowedOrigin))
	router.Use(middleware.LoggingMiddleware(logger))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET", "OPTIONS")

	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")

	authRouter := router.PathPrefix("/api/auth").Subrouter()
	authRouter.Use(sessionMW.Attach)
	authRouter.HandleFunc("/login", authHandlers.Login).Methods("POST", "OPTIONS")
	authRouter.HandleFunc("/verify", authHandlers.Verify).Methods("POST", "OPTIONS")
	authRouter.HandleFunc("/resend", authHandlers.Resend).Methods("POST", "OPTIONS")
	authRouter.HandleFunc("/logout", authHandlers.Logout).Methods("POST", "OPTIONS")
	authRouter.HandleFunc("/status", authHandlers.Status).Methods("GET", "OPTIONS")

	protected := authRouter.NewRoute().Subrouter()
	protected.Use(sessionMW.RequireAuth)
	protected.HandleFunc("/me", authHandlers.Me).Methods("GET")

	return router
}
