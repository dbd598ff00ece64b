package main

import (
	"context"
	"flag"
	"os"
	"time"

	cors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Krchnk/gw-mining-wallet/internal/account"
	"github.com/Krchnk/gw-mining-wallet/internal/auth"
	"github.com/Krchnk/gw-mining-wallet/internal/config"
	"github.com/Krchnk/gw-mining-wallet/internal/handlers"
	"github.com/Krchnk/gw-mining-wallet/internal/ledger"
	"github.com/Krchnk/gw-mining-wallet/internal/storages"
	"github.com/Krchnk/gw-mining-wallet/internal/storages/memory"
	"github.com/Krchnk/gw-mining-wallet/internal/storages/postgres"
	"github.com/Krchnk/gw-mining-wallet/internal/storages/supabase"
)

var logger = logrus.New()

func init() {
	logger.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logger.SetLevel(lvl)
		logrus.SetLevel(lvl)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
}

func main() {
	configPath := flag.String("c", "config.env", "path to config file")
	grantAdmin := flag.String("grant-admin", "", "grant administrator rights to the given account id and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to load config")
	}
	logger.WithField("config", cfg.String()).Info("configuration loaded")

	store := openStore(cfg)

	if *grantAdmin != "" {
		admins, ok := store.(storages.AdminStore)
		if !ok {
			logger.WithField("backend", cfg.LedgerBackend).Fatal("backend cannot manage administrators")
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Ledger.Timeout)
		defer cancel()
		if err := admins.SetAdmin(ctx, *grantAdmin, true); err != nil {
			logger.WithError(err).Fatal("failed to grant admin rights")
		}
		logger.WithField("account_id", *grantAdmin).Info("admin rights granted")
		return
	}

	provider := openProvider(cfg, store)

	recorder := ledger.NewRecorder(store)
	engine := ledger.NewEngine(store, recorder, ledger.Config{
		Threshold:          cfg.Ledger.Threshold,
		RewardPerThreshold: cfg.Ledger.RewardPerThreshold,
		ExchangeRate:       cfg.Ledger.ExchangeRate,
		MaxAccrualPerCall:  cfg.Mining.MaxPerCall,
		Timeout:            cfg.Ledger.Timeout,
	})
	svc := account.NewService(store, provider, engine, recorder)

	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(loggingMiddleware())

	h := handlers.NewHandler(svc, cfg)
	h.Mount(router.Group("/api/v1"))

	logger.WithField("port", cfg.HTTPPort).Info("starting HTTP server")
	if err := router.Run(cfg.HTTPPort); err != nil {
		logger.WithError(err).Fatal("failed to run server")
	}
}

func openStore(cfg config.Config) storages.LedgerStore {
	switch cfg.LedgerBackend {
	case config.BackendSupabase:
		store, err := supabase.NewStorage(supabase.Config{
			URL:        cfg.Supabase.URL,
			ServiceKey: cfg.Supabase.ServiceKey,
			Timeout:    cfg.Ledger.Timeout,
		})
		if err != nil {
			logger.WithError(err).Fatal("failed to configure supabase storage")
		}
		logger.WithField("url", cfg.Supabase.URL).Info("using supabase ledger")
		return store
	case config.BackendMemory:
		logger.Warn("using in-memory ledger, balances are lost on restart")
		return memory.NewStorage()
	default:
		store, err := postgres.NewStorage(cfg.DBConfig)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect to database")
		}
		logger.Info("database connection established")
		return store
	}
}

func openProvider(cfg config.Config, store storages.LedgerStore) auth.Provider {
	if cfg.AuthProvider == config.AuthGoTrue {
		provider, err := auth.NewGoTrue(auth.GoTrueConfig{
			URL:     cfg.Supabase.URL,
			AnonKey: cfg.Supabase.AnonKey,
			Timeout: cfg.Ledger.Timeout,
		})
		if err != nil {
			logger.WithError(err).Fatal("failed to configure gotrue provider")
		}
		return provider
	}

	credentials, ok := store.(storages.CredentialStore)
	if !ok {
		logger.WithField("backend", cfg.LedgerBackend).Fatal("backend has no credential store for local auth")
	}
	provider, err := auth.NewLocal(credentials, cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		logger.WithError(err).Fatal("failed to configure local auth provider")
	}
	return provider
}

func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		logger.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   path,
		}).Info("request received")

		c.Next()

		duration := time.Since(start)
		fields := logrus.Fields{
			"method":   c.Request.Method,
			"path":     path,
			"status":   c.Writer.Status(),
			"duration": duration,
		}

		if len(c.Errors) > 0 {
			logger.WithFields(fields).WithError(c.Errors.Last()).Error("request failed")
		} else {
			logger.WithFields(fields).Info("request completed")
		}
	}
}
