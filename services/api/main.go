package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/chatcore/internal/config"
	"github.com/chatcore/internal/delivery"
	"github.com/chatcore/internal/handler"
	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/middleware"
	"github.com/chatcore/internal/push"
	"github.com/chatcore/internal/repository"
	"github.com/chatcore/internal/startup"
	"github.com/chatcore/internal/storage"
	"github.com/chatcore/internal/storage/memory"
	"github.com/chatcore/internal/ws"
	"github.com/chatcore/migrations"
)

func main() {
	logger.SetPrefix("api")
	migrateOnly := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	flag.Parse()

	logger.Info("starting API service")
	cfg := config.Load()

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
	defer pool.Close()

	runMigrations(cfg.DatabaseURL())
	if *migrateOnly && !*dev {
		return
	}
	logger.Info("database connected, migrations applied")

	msgRepo := repository.NewMessageRepository(pool)
	convRepo := repository.NewConversationRepository(pool)
	reactRepo := repository.NewReactionRepository(pool)
	starRepo := repository.NewStarRepository(pool)
	pinRepo := repository.NewPinnedRepository(pool)

	// Буфер недоставленных событий: Redis переживает рестарт API и делится
	// между инстансами, память — только для одного процесса.
	var events storage.PendingEventStore
	if cfg.Redis.URL == "" {
		logger.Info("redis not configured, using in-memory event buffer")
		events = memory.New()
	} else {
		rc := startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second, "")
		defer rc.Close()
		events = rc
	}

	pushClient := push.NewClient(cfg.PushServiceURL)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(convRepo, events, cfg.MaxWSConnections, pushClient)

	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	svc := delivery.NewService(msgRepo, convRepo, reactRepo, starRepo, pinRepo, hub, delivery.Config{
		DeliveredRetention:   cfg.Delivery.DeliveredRetention(),
		UndeliveredRetention: cfg.Delivery.UndeliveredRetention(),
		EditWindow:           cfg.Delivery.EditWindow(),
		DeleteWindow:         cfg.Delivery.DeleteWindow(),
		PendingSyncLimit:     cfg.Delivery.PendingSyncLimit,
	})

	sched, err := delivery.NewScheduler(svc, cfg.Delivery.DeliveredCleanupCron, cfg.Delivery.UndeliveredCleanupCron)
	if err != nil {
		logger.Errorf("cleanup scheduler: %v", err)
		os.Exit(1)
	}
	schedCtx, schedCancel := context.WithCancel(context.Background())
	var schedWg sync.WaitGroup
	schedWg.Add(1)
	go func() {
		defer schedWg.Done()
		sched.Run(schedCtx)
	}()

	msgH := handler.NewMessageHandler(svc)
	convH := handler.NewConversationHandler(svc)
	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)
	configH := handler.NewConfigHandler(cfg)
	pushH := handler.NewPushHandler(pushClient)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket — иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.SecureHeaders)
	r.Use(middleware.RateLimitAPI)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-User-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Get("/api/config/push", configH.GetPushConfig)
	r.Get("/api/config/delivery", configH.GetDeliveryConfig)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Identity)
		r.Get("/api/sync", msgH.Sync)
		r.Get("/api/conversations", convH.GetConversations)
		r.Post("/api/conversations", convH.CreateConversation)
		r.Get("/api/conversations/{conversationId}/messages", convH.GetMessages)
		r.Post("/api/conversations/{conversationId}/messages", convH.SendMessage)
		r.Post("/api/conversations/{conversationId}/delivered", convH.MarkDelivered)
		r.Post("/api/conversations/{conversationId}/read", convH.MarkRead)
		r.Get("/api/conversations/{conversationId}/pinned", convH.GetPinned)
		r.Get("/api/messages/starred", msgH.GetStarred)
		r.Post("/api/messages/{messageId}/delivered", msgH.MarkDelivered)
		r.Post("/api/messages/{messageId}/read", msgH.MarkRead)
		r.Patch("/api/messages/{messageId}", msgH.EditMessage)
		r.Delete("/api/messages/{messageId}", msgH.DeleteMessage)
		r.Put("/api/messages/{messageId}/reaction", msgH.SetReaction)
		r.Delete("/api/messages/{messageId}/reaction", msgH.RemoveReaction)
		r.Put("/api/messages/{messageId}/star", msgH.StarMessage)
		r.Delete("/api/messages/{messageId}/star", msgH.UnstarMessage)
		r.Put("/api/messages/{messageId}/pin", msgH.PinMessage)
		r.Delete("/api/messages/{messageId}/pin", msgH.UnpinMessage)
		r.Post("/api/messages/{messageId}/forward", msgH.ForwardMessage)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
		r.Get("/ws", wsH.ServeWS)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	schedCancel()
	schedWg.Wait()
	logger.Info("cleanup scheduler stopped")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

// runMigrations применяет встроенные миграции через golang-migrate.
// Отдельное соединение database/sql: пул pgx живёт дольше и не смешивается
// с миграционной сессией.
func runMigrations(databaseURL string) {
	src, err := iofs.New(migrations.Files, ".")
	if err != nil {
		logger.Errorf("migrations source: %v", err)
		os.Exit(1)
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		logger.Errorf("migrations open db: %v", err)
		os.Exit(1)
	}
	defer db.Close()
	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		logger.Errorf("migrations driver: %v", err)
		os.Exit(1)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx", driver)
	if err != nil {
		logger.Errorf("migrations init: %v", err)
		os.Exit(1)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		logger.Errorf("migrations up: %v", err)
		os.Exit(1)
	}
	logger.Info("migrations applied")
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "chatcore"
		password = "chatcore_secret"
		database = "chatcore"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
