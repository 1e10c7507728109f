package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/davidkimdev/CS370-MediTrack-sub000/internal/api"
	"github.com/davidkimdev/CS370-MediTrack-sub000/internal/app"
	"github.com/davidkimdev/CS370-MediTrack-sub000/internal/config"
	"github.com/davidkimdev/CS370-MediTrack-sub000/internal/database"
	"github.com/davidkimdev/CS370-MediTrack-sub000/internal/gateway"
	"github.com/davidkimdev/CS370-MediTrack-sub000/internal/history"
	"github.com/davidkimdev/CS370-MediTrack-sub000/internal/localstore"
	"github.com/davidkimdev/CS370-MediTrack-sub000/internal/logger"
	"github.com/davidkimdev/CS370-MediTrack-sub000/internal/migrations"
	"github.com/davidkimdev/CS370-MediTrack-sub000/internal/realtime"
	"github.com/davidkimdev/CS370-MediTrack-sub000/internal/syncer"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	zl, err := logger.New(cfg.LogLevel, cfg.LogFormat, "meditrack")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zl.Sync()

	db := database.Connect(cfg.DatabasePath)
	defer db.Close()
	migrations.Run(db)

	store := localstore.New(db, zl)
	recorder := history.NewRecorder(db, zl, cfg.HistoryMaxEntries, cfg.HistoryMinChars)
	recorder.SetFieldMinChars(app.FieldPatientID, 3)

	remote := gateway.NewClient(cfg.RemoteURL, cfg.RemoteKey, cfg.RequestTimeout, zl)
	engine := syncer.New(store, remote, zl)
	listener := realtime.NewListener(cfg.RealtimeURL, cfg.RemoteKey, remote, store, zl)

	application := app.New(store, remote, engine, recorder, listener, cfg.RemoteKey, cfg.RequestTimeout, zl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application.Run(ctx, cfg.ProbeInterval)

	handler := api.New(application, recorder)
	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: handler.Router(),
	}

	go func() {
		zl.Info("MediTrack server starting", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zl.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("server shutdown", zap.Error(err))
	}
	application.Close()
}
