package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/soft_sfu/pkg/auth"
	"github.com/arzzra/soft_sfu/pkg/config"
	"github.com/arzzra/soft_sfu/pkg/engine"
	"github.com/arzzra/soft_sfu/pkg/engine/local"
	"github.com/arzzra/soft_sfu/pkg/logger"
	"github.com/arzzra/soft_sfu/pkg/metrics"
	"github.com/arzzra/soft_sfu/pkg/sfu"
	"github.com/arzzra/soft_sfu/pkg/signaling"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var (
		configPath = flag.String("config", "", "Путь к YAML файлу конфигурации")
		tokenTTL   = flag.Duration("token-ttl", auth.DefaultTokenTTL, "Время жизни токена")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка логгера: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *tokenTTL, log); err != nil {
		log.Error("Сервер остановлен с ошибкой", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Сервер остановлен")
}

func run(ctx context.Context, cfg config.Config, tokenTTL time.Duration, log *zap.Logger) error {
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New(cfg.Metrics, promRegistry)

	factory, err := local.ShardedFactory(local.WorkerSettings{
		Ports:      cfg.PortRange(),
		ProbePorts: cfg.Engine.ProbePorts,
		Logger:     log,
	}, cfg.Engine.NumWorkers)
	if err != nil {
		return fmt.Errorf("фабрика воркеров: %w", err)
	}
	pool, err := engine.NewWorkerPool(ctx, engine.PoolConfig{
		Size:    cfg.Engine.NumWorkers,
		Factory: factory,
		Logger:  log,
		Metrics: collector,
	})
	if err != nil {
		return fmt.Errorf("пул воркеров: %w", err)
	}
	defer pool.Close()

	registry, err := sfu.NewRegistry(sfu.RegistryConfig{
		Routers:     pool,
		MediaCodecs: cfg.Router.MediaCodecs,
		Logger:      log,
		Metrics:     collector,
	})
	if err != nil {
		return fmt.Errorf("реестр комнат: %w", err)
	}

	users := auth.NewUserService(tokenTTL)
	ws, err := signaling.NewServer(signaling.ServerConfig{
		Auth:             users,
		Registry:         registry,
		TransportOptions: cfg.TransportOptions(),
		AllowedOrigins:   cfg.HTTP.AllowedOrigins,
		Logger:           log,
		Metrics:          collector,
	})
	if err != nil {
		return fmt.Errorf("сигнализация: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Handle(cfg.HTTP.WebSocketPath, ws)
	origins := cfg.HTTP.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
		r.Use(middleware.AllowContentType("application/json"))
		r.Post("/users", users.Handler(log))
	})
	if collector != nil {
		r.Handle(cfg.Metrics.Path, promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if pool.Len() == 0 {
			http.Error(w, "no workers", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP сервер запущен",
			zap.String("addr", cfg.HTTP.ListenAddr),
			zap.Int("workers", pool.Len()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP сервер: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Остановка сервера")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		// WebSocket соединения перехвачены и не закрываются Shutdown
		ws.Close()
		return err
	})

	return g.Wait()
}
