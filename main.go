package main

import (
	"context"
	"encoding/json"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/username/kontoflow/backend/src/config"
	"github.com/username/kontoflow/backend/src/database"
	"github.com/username/kontoflow/backend/src/handlers"
	"github.com/username/kontoflow/backend/src/logger"
	"github.com/username/kontoflow/backend/src/model"
	"github.com/username/kontoflow/backend/src/oauthstate"
	"github.com/username/kontoflow/backend/src/posting"
	"github.com/username/kontoflow/backend/src/providers"
	"github.com/username/kontoflow/backend/src/security"
	"github.com/username/kontoflow/backend/src/security/tokencrypt"
	"github.com/username/kontoflow/backend/src/services"
	"golang.org/x/time/rate"
)

var limiter = rate.NewLimiter(rate.Limit(10), 30)

func rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			logger.L.Warn("Rate limit exceeded",
				"method", r.Method,
				"path", r.URL.Path,
				"remoteAddr", r.RemoteAddr)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && origin == config.Cfg.CORSAllowedOrigin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE, PATCH")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Requested-With, If-None-Match")
			w.Header().Set("Access-Control-Expose-Headers", "ETag")
		} else if origin == "" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}

		if r.Method == "OPTIONS" {
			logger.L.Debug("Handling OPTIONS preflight request", "path", r.URL.Path, "origin", origin)
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	config.LoadConfig()
	logger.InitLogger(config.Cfg.LogLevel)
	logger.L.Info("Kontoflow backend server starting...")

	if config.Cfg.JWTSecret == "" || len(config.Cfg.JWTSecret) < 32 {
		logger.L.Error("JWT_SECRET configuration invalid. Must be at least 32 bytes.")
		os.Exit(1)
	}

	limiter = rate.NewLimiter(rate.Limit(config.Cfg.APIRateLimitRPS), config.Cfg.APIRateLimitBurst)

	logger.L.Info("Initializing database...", "path", config.Cfg.DatabasePath)
	database.InitDB(config.Cfg.DatabasePath)
	logger.L.Info("Database initialized successfully.")

	// A crash mid-sync leaves connections in SYNCING, which would refuse
	// every future run.
	if reset, err := model.ResetStaleSyncing(database.DB); err != nil {
		logger.L.Error("Failed to reset stale syncing connections", "error", err)
	} else if reset > 0 {
		logger.L.Warn("Reset connections stuck in SYNCING from a previous run", "count", reset)
	}

	logger.L.Info("Initializing services and handlers...")
	cipher, err := tokencrypt.New(config.Cfg.BankTokenEncKey)
	if err != nil {
		logger.L.Error("Failed to initialize session token cipher", "error", err)
		os.Exit(1)
	}
	provider, err := providers.GetProvider(config.Cfg)
	if err != nil {
		logger.L.Error("Failed to initialize bank provider", "error", err)
		os.Exit(1)
	}
	logger.L.Info("Bank provider ready", "provider", provider.Name())

	authService := security.NewAuthService(config.Cfg.JWTSecret)
	emailService := services.NewEmailService()
	stateStore := oauthstate.NewStore()

	linkingService := services.NewLinkingService(database.DB, provider, stateStore, cipher)
	syncService := services.NewSyncService(database.DB, provider, cipher, posting.NewEngine(), emailService, config.Cfg)

	authMiddleware := handlers.NewAuthMiddleware(authService)
	connectionHandler := handlers.NewConnectionHandler(linkingService)
	syncHandler := handlers.NewSyncHandler(syncService)
	draftHandler := handlers.NewDraftHandler()

	logger.L.Info("Configuring routes...")
	rootMux := http.NewServeMux()
	apiRouter := http.NewServeMux()

	// The callback is reached by redirect from the bank. It carries no bearer
	// token; the single-use state parameter correlates it to the flow.
	apiRouter.HandleFunc("GET /api/bank/callback", connectionHandler.HandleCallback)

	protected := func(handler http.HandlerFunc) http.Handler {
		return authMiddleware.Require(handler)
	}

	apiRouter.Handle("POST /api/bank/connections/initiate", protected(connectionHandler.HandleInitiate))
	apiRouter.Handle("POST /api/bank/connections/link", protected(connectionHandler.HandleLink))
	apiRouter.Handle("GET /api/bank/connections", protected(connectionHandler.HandleListConnections))
	apiRouter.Handle("DELETE /api/bank/connections/{id}", protected(connectionHandler.HandleDisconnect))
	apiRouter.Handle("POST /api/bank/connections/{id}/sync", protected(syncHandler.HandleTriggerSync))
	apiRouter.Handle("GET /api/bank/connections/{id}/synclogs", protected(syncHandler.HandleListSyncLogs))
	apiRouter.Handle("GET /api/bank/connections/{id}/transactions", protected(draftHandler.HandleListRecords))
	apiRouter.Handle("GET /api/bank/connections/{id}/drafts", protected(draftHandler.HandleListDrafts))

	rootMux.Handle("/api/", apiRouter)

	rootMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" && r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"message": "Kontoflow backend is running"})
		} else {
			if !strings.HasPrefix(r.URL.Path, "/api/") {
				logger.L.Warn("Root level path not found", "method", r.Method, "path", r.URL.Path)
				http.NotFound(w, r)
			}
		}
	})

	scheduler := services.NewScheduler(database.DB, syncService, config.Cfg.SchedulerInterval, config.Cfg.SchedulerWorkers)
	if config.Cfg.SchedulerEnabled {
		scheduler.Start()
	} else {
		logger.L.Info("Auto sync scheduler disabled by configuration")
	}

	logger.L.Info("Applying global middleware...")
	finalHandler := enableCORS(rateLimitMiddleware(rootMux))

	serverAddr := ":" + config.Cfg.Port
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      finalHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-shutdown
		logger.L.Info("Shutdown signal received", "signal", sig.String())
		if config.Cfg.SchedulerEnabled {
			scheduler.Stop()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.L.Error("Server shutdown failed", "error", err)
		}
	}()

	logger.L.Info("Server starting", "address", serverAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.L.Error("Failed to start server", "error", err)
		stdlog.Fatalf("Failed to start server: %v", err)
	} else if err == http.ErrServerClosed {
		logger.L.Info("Server stopped gracefully.")
	}
}
