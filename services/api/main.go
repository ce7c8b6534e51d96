package main

import (
	"context"
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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docchat/internal/config"
	"github.com/docchat/internal/fileserver"
	"github.com/docchat/internal/handler"
	"github.com/docchat/internal/logger"
	"github.com/docchat/internal/metrics"
	"github.com/docchat/internal/middleware"
	"github.com/docchat/internal/push"
	"github.com/docchat/internal/repository"
	"github.com/docchat/internal/repository/memory"
	mongostore "github.com/docchat/internal/repository/mongo"
	"github.com/docchat/internal/repository/postgres"
	"github.com/docchat/internal/service"
	"github.com/docchat/internal/startup"
	"github.com/docchat/internal/ws"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Errorf("config: %v", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Env, cfg.LogLevel); err != nil {
		logger.Errorf("logger: %v", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger.Infof("starting API service (store=%s)", cfg.StoreDriver)

	if *dev && cfg.StoreDriver == config.DriverPostgres {
		embedded, err := startup.StartEmbeddedPostgres(filepath.Join(".", ".pgdata"))
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer embedded.Stop()
		cfg.Database.URL = embedded.URL
	}

	stores, err := openStores(cfg)
	if err != nil {
		logger.Errorf("open store: %v", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stores.Close(ctx); err != nil {
			logger.Errorf("close store: %v", err)
		}
	}()
	if *migrate && !*dev {
		return
	}

	ephemeral := startup.EphemeralStore(cfg.Redis.URL, 60*time.Second, "api: ")
	defer ephemeral.Close()

	notifier, err := push.Open(ephemeral, push.Options{
		Enabled:    cfg.Push.Enabled,
		KeysFile:   cfg.Push.VAPIDKeysFile,
		Subscriber: cfg.Push.Subscriber,
	})
	if err != nil {
		logger.Errorf("push: VAPID keys unavailable, notifications disabled: %v", err)
	}

	var (
		uploader  fileserver.Uploader
		fileStore *fileserver.Store
	)
	if cfg.FileServiceURL == "" {
		fileStore = fileserver.NewStore(cfg.UploadDir, cfg.MaxUploadSize)
		uploader = fileserver.NewLocalUploader(fileStore)
	} else {
		uploader = fileserver.NewRemoteUploader(cfg.FileServiceURL, cfg.InternalSecret)
	}

	detached := service.NewDetacher(cfg.DetachedTimeout)
	var hub *ws.Hub
	chatSvc := service.NewChatService(stores, detached,
		service.WithUploader(uploader),
		// hub создаётся ниже; хук вызывается только из фоновых задач после старта.
		service.WithMembershipHook(func(ctx context.Context, change *service.MembershipChange) {
			hub.PublishMembership(ctx, change)
		}),
	)
	hub = ws.NewHub(chatSvc, detached, ws.Options{
		MaxConns:     cfg.MaxWSConnections,
		SendBuffer:   cfg.WSSendBufferSize,
		CommandRate:  cfg.WSCommandRate,
		CommandBurst: cfg.WSCommandBurst,
		Pusher:       notifier,
	})

	hubCtx, hubCancel := context.WithCancel(context.Background())
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	authn := middleware.NewAuthenticator(stores.Principals, cfg.JWT.Secret)
	chatH := handler.NewChatHandler(chatSvc, hub, cfg.MaxUploadSize)
	subAdminH := handler.NewSubAdminHandler(chatSvc)
	pushH := handler.NewPushHandler(notifier)
	fileH := handler.NewFileHandler(fileStore, cfg.FileServiceURL)
	wsH := handler.NewWSHandler(hub, authn, cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket: иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
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
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSAllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); _, _ = w.Write([]byte("ok")) })
	if cfg.MetricsEnabled {
		r.Handle("/metrics", metrics.Handler())
	}
	r.Get("/api/files/{filename}", fileH.Serve)
	r.Get("/api/push/vapid-public", pushH.VAPIDPublic)
	// WebSocket аутентифицируется в самом обработчике: токен может прийти в query.
	r.Get("/ws", wsH.ServeWS)

	r.Group(func(r chi.Router) {
		r.Use(authn.Middleware)
		// После аутентификации: лимит считается и по IP, и по участнику.
		r.Use(middleware.RateLimitAPI(ephemeral, cfg.APIRateLimitPerMinute))
		r.Route("/api/chat", func(r chi.Router) {
			r.Post("/groups", chatH.CreateGroup)
			r.Get("/groups", chatH.ListGroups)
			r.Get("/groups/{groupId}/messages", chatH.ListMessages)
			r.Post("/groups/{groupId}/messages", chatH.SendMessage)
			r.Post("/groups/{groupId}/messages/file", chatH.SendFileMessage)
			r.Post("/groups/{groupId}/members", chatH.AddMembers)
			r.Delete("/groups/{groupId}/members/{memberId}", chatH.RemoveMember)
			r.Post("/groups/{groupId}/read", chatH.MarkRead)
			r.Patch("/groups/{groupId}/manage", chatH.Manage)
			r.Post("/messages/{messageId}/reactions", chatH.ToggleReaction)
			r.Delete("/messages/{messageId}", chatH.DeleteMessage)
			r.Get("/members/available", chatH.AvailableMembers)
		})
		r.Get("/api/subadmins", subAdminH.List)
		r.Post("/api/subadmins", subAdminH.Create)
		r.Delete("/api/subadmins/{id}", subAdminH.Delete)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
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
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	detached.Wait()
	logger.Info("detached tasks finished")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

// openStores подключает выбранный бэкенд хранилища. Для postgres сразу применяются миграции.
func openStores(cfg *config.Config) (repository.Stores, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			return repository.Stores{}, fmt.Errorf("parse db config: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.DBMaxConnections())
		poolCfg.MinConns = 4
		pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "api: ")
		if err := postgres.Migrate(context.Background(), pool); err != nil {
			pool.Close()
			return repository.Stores{}, err
		}
		logger.Info("database connected, migrations applied")
		return postgres.New(pool), nil
	case config.DriverMongo:
		client := startup.ConnectMongoWithRetry(cfg.Mongo.URI, 60*time.Second, "api: ")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		stores, err := mongostore.New(ctx, client, cfg.Mongo.Database)
		if err != nil {
			_ = client.Disconnect(context.Background())
			return repository.Stores{}, err
		}
		logger.Infof("mongo connected, database %s", cfg.Mongo.Database)
		return stores, nil
	default:
		logger.Warnf("store_driver=memory: данные не переживут перезапуск")
		return memory.New(), nil
	}
}
