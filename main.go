package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orian/tagbug/catalog"
	"github.com/orian/tagbug/models"
	"github.com/orian/tagbug/store"
)

func main() {
	env := GetEnv()
	cfg, err := Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := newLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("tagbug stopped with error", zap.Error(err))
	}
	logger.Info("Server stopped gracefully")
}

func run(cfg Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting tagbug",
		zap.String("driver", cfg.Store.Driver),
		zap.String("path", cfg.Store.Path),
		zap.Int("grid_width", cfg.Grid.Width),
		zap.Int("grid_height", cfg.Grid.Height),
		zap.String("image_root", cfg.Dataset.ImageRoot))
	if cfg.Store.Driver == DriverClickHouse {
		logger.Info("ClickHouse connection",
			zap.String("addr", cfg.Store.ClickHouse.Addr),
			zap.String("database", cfg.Store.ClickHouse.Database),
			zap.String("user", cfg.Store.ClickHouse.User),
			zap.String("password", maskPassword(cfg.Store.ClickHouse.Password)))
	}

	open := newStoreOpener(cfg.Store, logger)
	st, err := open(ctx, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}

	m := newMetrics(prometheus.DefaultRegisterer)
	engine, err := catalog.New(st,
		catalog.WithLogger(logger.Named("catalog")),
		catalog.WithGeometry(cfg.Grid),
		catalog.WithMetrics(m),
	)
	if err != nil {
		st.Close()
		return err
	}

	server := NewServer(engine, st, open, cfg, logger)
	defer server.Close()

	if cfg.Subset.File != "" {
		ids, err := loadSubsetFile(cfg.Subset.File, cfg.Subset.PathSegment)
		if err != nil {
			return err
		}
		if _, err := engine.LoadSubset(ctx, ids); err != nil {
			return err
		}
	} else if _, err := engine.Refresh(ctx); err != nil {
		return err
	}

	staticDir := cfg.HTTP.StaticDir
	if _, err := os.Stat(staticDir); staticDir != "" && err != nil {
		logger.Warn("static dir not found, serving API only", zap.String("dir", staticDir))
		staticDir = ""
	}

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.Router(m, promhttp.Handler(), staticDir),
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newStoreOpener returns a function opening record stores with the
// configured driver. For ClickHouse a non-empty path names the table.
func newStoreOpener(cfg StoreConfig, logger *zap.Logger) storeOpener {
	return func(ctx context.Context, path string) (models.RecordStore, error) {
		opts := store.Options{
			Table:     cfg.Table,
			IDColumn:  cfg.IDColumn,
			TagColumn: cfg.TagColumn,
			Logger:    logger.Named("store"),
		}
		var (
			st  models.RecordStore
			err error
		)
		switch cfg.Driver {
		case DriverDuckDB:
			st, err = store.OpenDuckDB(path, opts)
		case DriverSQLite:
			st, err = store.OpenSQLite(path, opts)
		case DriverClickHouse:
			if path != "" {
				opts.Table = path
			}
			st, err = store.OpenClickHouse(ctx, store.ClickHouseConfig{
				Addr:     cfg.ClickHouse.Addr,
				Database: cfg.ClickHouse.Database,
				User:     cfg.ClickHouse.User,
				Password: cfg.ClickHouse.Password,
				Secure:   cfg.ClickHouse.Secure,
			}, opts)
		default:
			return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
		}
		if err != nil {
			return nil, err
		}
		return st, nil
	}
}

func maskPassword(password string) string {
	if password == "" {
		return "<empty>"
	}
	if len(password) <= 2 {
		return strings.Repeat("*", len(password))
	}
	return string(password[0]) + strings.Repeat("*", len(password)-2) + string(password[len(password)-1])
}
