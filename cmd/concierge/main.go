// Command concierge runs the session orchestration core behind the
// marketing-site sales assistant: the streaming turn endpoint, the
// tool gateway, and the session context store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/veldtlabs/concierge/internal/budget"
	"github.com/veldtlabs/concierge/internal/httpapi"
	"github.com/veldtlabs/concierge/internal/idempotency"
	"github.com/veldtlabs/concierge/internal/observability"
	"github.com/veldtlabs/concierge/internal/orchestrator"
	"github.com/veldtlabs/concierge/internal/provider"
	"github.com/veldtlabs/concierge/internal/ratelimit"
	"github.com/veldtlabs/concierge/internal/sweeper"
	"github.com/veldtlabs/concierge/internal/tools"
	"github.com/veldtlabs/concierge/pkg/config"
	obs "github.com/veldtlabs/concierge/pkg/observability"
	"github.com/veldtlabs/concierge/pkg/session"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("concierge: %v", err)
	}
}

func run(configPath string) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
	} else {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	obs.InitMetrics()
	if err := observability.InitFromEnv(); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	// Session store, memory-first with an optional Redis fact mirror.
	mem := session.NewMemoryStore()
	var store session.Store = mem
	checker := obs.InitHealthChecker()

	if cfg.Redis.Addr != "" {
		mirror, err := session.NewRedisMirror(session.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		store = session.NewMirroredStore(store, mirror)
		checker.Register(obs.RedisCheck(mirror.Ping))
		log.Printf("session facts mirrored to redis at %s", cfg.Redis.Addr)
	} else {
		log.Printf("no redis configured, sessions are memory-only")
	}

	apiKey := cfg.OpenAIKey
	if cfg.Provider == "gemini" {
		apiKey = cfg.GeminiKey
	}
	prov, err := provider.New(cfg.Provider, map[string]any{"api_key": apiKey})
	if err != nil {
		return fmt.Errorf("init provider %s: %w", cfg.Provider, err)
	}
	log.Printf("model provider: %s", prov.Name())

	limiter := ratelimit.New()
	throttle := ratelimit.NewThrottle(50, 5, 10)
	cache := idempotency.New()
	ledger := budget.NewLedger(cfg.Ledger)
	pricing := budget.NewPricing()
	selector := budget.NewSelector(cfg.Selector)

	orch := orchestrator.New(store, limiter, throttle, selector, ledger, pricing, prov, cfg.Turns)

	gateway := tools.NewGateway(store, limiter, cache, ledger, cfg.Tools,
		tools.NewSearchTool(cfg.Search.BaseURL, cfg.Search.APIKey),
		tools.NewTranslateTool(prov, cfg.Selector.LiteModel),
		tools.NewVisionTool(prov, cfg.Selector.StandardModel, store),
		tools.NewMeetingTool(),
		tools.NewVoiceTokenTool(store, 5*time.Minute),
	)

	sweep := sweeper.New(cfg.SweepSpec)
	sweep.Register("ratelimit", limiter)
	sweep.Register("idempotency", cache)
	sweep.Register("ledger", ledger)
	sweep.Register("sessions", sweeper.Func(func() int {
		obs.SetSessionEntries(mem.Len())
		return 0
	}))
	if err := sweep.Start(); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}

	api := httpapi.NewServer(orch, gateway, store, httpapi.Config{
		Addr:        cfg.Server.Addr,
		AdminSecret: cfg.Server.AdminSecret,
	})
	ops := obs.NewServer(cfg.Server.MetricsAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("api listening on %s", cfg.Server.Addr)
		if err := api.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Printf("metrics listening on %s", cfg.Server.MetricsAddr)
		if err := ops.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Printf("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		sweep.Stop()
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Printf("api shutdown: %v", err)
		}
		if err := ops.Shutdown(shutdownCtx); err != nil {
			log.Printf("metrics shutdown: %v", err)
		}
		if err := orch.Drain(shutdownCtx); err != nil {
			log.Printf("drain write-backs: %v", err)
		}
		if err := store.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
		if err := observability.Shutdown(shutdownCtx); err != nil {
			log.Printf("tracing shutdown: %v", err)
		}
		return nil
	})

	return g.Wait()
}
