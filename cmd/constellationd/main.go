package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/anchorid/constellation/internal/audit"
	"github.com/anchorid/constellation/internal/binding"
	"github.com/anchorid/constellation/internal/binding/handler"
	"github.com/anchorid/constellation/internal/signing"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("constellationd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("constellationd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("daemon.port", 8080)
	viper.SetDefault("daemon.issuer_url", "")
	viper.SetDefault("daemon.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("daemon.rate_limit_rps", 20)
	viper.SetDefault("daemon.operator_secret", "")
	viper.SetDefault("daemon.token_ttl_seconds", 3600)
	viper.SetDefault("database.url", "")
	viper.SetDefault("kms.master_key", "")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	// ── Device key derivation ────────────────────────────────────────────────
	masterKey, err := loadMasterKey(logger)
	if err != nil {
		return err
	}
	kms, err := signing.NewSoftKMS(masterKey)
	if err != nil {
		return fmt.Errorf("init soft KMS: %w", err)
	}

	// ── Audit log ─────────────────────────────────────────────────────────────
	var log audit.Log
	dbURL := viper.GetString("database.url")
	if dbURL != "" {
		db, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()
		if err := db.Ping(context.Background()); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}

		pg := audit.NewPostgresLog(db, logger)
		if err := pg.Init(context.Background()); err != nil {
			return fmt.Errorf("init audit log: %w", err)
		}
		log = pg
		logger.Info("audit log: postgres")
	} else {
		log = audit.NewMemoryLog()
		logger.Warn("audit log: in-memory (set database.url to persist the chain)")
	}

	startCtx := context.Background()
	if err := log.Verify(startCtx); err != nil {
		logger.Warn("audit chain integrity check FAILED", zap.Error(err))
	} else {
		n, _ := log.Len(startCtx)
		root, _ := log.Root(startCtx)
		logger.Info("audit chain verified",
			zap.Int("entries", n),
			zap.String("root", root),
		)
	}

	// ── Service and auth ─────────────────────────────────────────────────────
	svc := binding.NewService(kms, log, logger)

	httpPort := viper.GetInt("daemon.port")
	issuerURL := viper.GetString("daemon.issuer_url")
	if issuerURL == "" {
		issuerURL = fmt.Sprintf("http://localhost:%d", httpPort)
	}

	secret := viper.GetString("daemon.operator_secret")
	if secret == "" {
		buf := make([]byte, 24)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generate operator secret: %w", err)
		}
		secret = hex.EncodeToString(buf)
		logger.Warn("daemon.operator_secret not set — generated an ephemeral secret for this run",
			zap.String("operator_secret", secret),
		)
	}
	tokenTTL := time.Duration(viper.GetInt("daemon.token_ttl_seconds")) * time.Second
	auth := handler.NewOperatorAuth(secret, issuerURL, tokenTTL)

	// ── HTTP Router ───────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("daemon.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	rps := viper.GetInt("daemon.rate_limit_rps")
	if rps > 0 {
		router.Use(handler.RateLimiter(rps, rps*2))
	}

	router.Use(requestLogger(logger))
	router.Use(handler.PrometheusMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", handler.MetricsHandler())

	auth.Register(router)

	v1 := router.Group("/api/v1")
	handler.NewIdentityHandler(svc, logger).Register(v1, auth.Middleware())
	handler.NewAuditHandler(log, logger).Register(v1)

	// ── Serve ────────────────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("constellationd listening", zap.Int("port", httpPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down constellationd...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("constellationd stopped")
	return nil
}

// loadMasterKey reads kms.master_key (hex, at least 32 bytes decoded). When
// unset it generates a random key, which means device keys do not survive a
// restart.
func loadMasterKey(logger *zap.Logger) ([]byte, error) {
	if s := viper.GetString("kms.master_key"); s != "" {
		key, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("kms.master_key is not valid hex: %w", err)
		}
		if len(key) < 32 {
			return nil, fmt.Errorf("kms.master_key must decode to at least 32 bytes, got %d", len(key))
		}
		return key, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	logger.Warn("kms.master_key not set — generated an ephemeral key; device keys will not survive a restart")
	return key, nil
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
