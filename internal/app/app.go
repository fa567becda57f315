package app

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/swipearr/server/internal/controller"
	"github.com/swipearr/server/internal/discovery"
	"github.com/swipearr/server/internal/postercache"
	"github.com/swipearr/server/internal/provider"
	"github.com/swipearr/server/internal/session"
	"github.com/swipearr/server/internal/store"
	"github.com/swipearr/server/pkg/ctxlogger"
)

type AppConfig struct {
	Secret           string `json:"-"`
	Host             string `json:"host"`
	Port             int    `json:"port"`
	LogLevel         string `json:"log_level"`
	UpstreamURL      string `json:"upstream_url"`
	DataPath         string `json:"data_path"`
	PosterCacheDir   string `json:"poster_cache_dir"`
	PosterCacheBytes int64  `json:"poster_cache_bytes"`
	BatchSize        int    `json:"batch_size"`
	DiscoveryTTLh    int    `json:"discovery_ttl_hours"`
	WarmIntervalMin  int    `json:"warm_interval_minutes"`
}

func (cfg *AppConfig) Validate() error {
	if cfg.UpstreamURL == "" {
		return fmt.Errorf("upstream url must be set")
	}
	if cfg.DataPath == "" {
		return fmt.Errorf("data path must be set")
	}
	if cfg.BatchSize < 1 {
		return fmt.Errorf("batch size must be greater than 0")
	}
	return nil
}

func Run(ctx context.Context, cfg *AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if err := logLevel.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		log.Fatal(err)
	}

	h := ctxlogger.ContextHandler{
		Handler: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level:     logLevel,
			AddSource: true,
		}),
	}
	logger := slog.New(&h)

	upstream := provider.NewHTTPClient(cfg.UpstreamURL)

	st := store.New(cfg.DataPath, logger)
	discoveryCache := discovery.New(upstream, logger, discovery.Config{
		TTL:          time.Duration(cfg.DiscoveryTTLh) * time.Hour,
		WarmInterval: time.Duration(cfg.WarmIntervalMin) * time.Minute,
	})
	posters, err := postercache.New(cfg.PosterCacheDir, cfg.PosterCacheBytes, upstream, logger)
	if err != nil {
		return fmt.Errorf("failed to create poster cache: %w", err)
	}

	registry, err := session.NewRegistry(session.Deps{
		Logger:       logger,
		Store:        st,
		Discovery:    discoveryCache,
		Source:       upstream,
		Enricher:     upstream,
		Availability: upstream,
		Requester:    upstream,
		BatchSize:    cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("failed to create session registry: %w", err)
	}

	ctrl := controller.NewController(registry, upstream, posters, upstream, logger, controller.Config{
		Secret: cfg.Secret,
	})
	server := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), Handler: ctrl.Mux()}

	// graceful shutdown
	serverCtx, serverStopCtx := context.WithCancel(ctx)

	go discoveryCache.RunWarmLoop(serverCtx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sig

		shutdownCtx, c := context.WithTimeout(serverCtx, 30*time.Second)
		defer c()

		go func() {
			<-shutdownCtx.Done()
			if shutdownCtx.Err() == context.DeadlineExceeded {
				log.Fatal("graceful shutdown timed out.. forcing exit.")
			}
		}()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Fatal(err)
		}
		serverStopCtx()
	}()

	logger.InfoContext(serverCtx, "starting server", "address", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	<-serverCtx.Done()

	return nil
}
