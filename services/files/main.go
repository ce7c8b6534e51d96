// Микросервис загрузки и раздачи файлов (upload + serve).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/docchat/internal/config"
	"github.com/docchat/internal/fileserver"
	"github.com/docchat/internal/logger"
	"github.com/docchat/internal/middleware"
)

func main() {
	logger.SetPrefix("files")
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

	addr := os.Getenv("FILES_ADDR")
	if addr == "" {
		addr = ":8083"
	}
	logger.Infof("starting files service: upload_dir=%s max_upload_bytes=%d", cfg.UploadDir, cfg.MaxUploadSize)

	svc := fileserver.New(fileserver.NewStore(cfg.UploadDir, cfg.MaxUploadSize))

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); _, _ = w.Write([]byte("ok")) })
	r.With(middleware.InternalOnly(cfg.InternalSecret)).Post("/upload", svc.Upload)
	r.Get("/files/{filename}", func(w http.ResponseWriter, r *http.Request) {
		svc.Serve(w, r, chi.URLParam(r, "filename"))
	})

	srv := &http.Server{Addr: addr, Handler: r, ReadTimeout: 30 * time.Second, WriteTimeout: 60 * time.Second}
	go func() {
		logger.Infof("fileserver listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("fileserver: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("fileserver shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("fileserver shutdown: %v", err)
	}
	logger.Info("fileserver stopped")
}
