package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/embersend/warmup-engine/internal/api"
	"github.com/embersend/warmup-engine/internal/bounce"
	"github.com/embersend/warmup-engine/internal/config"
	"github.com/embersend/warmup-engine/internal/content"
	"github.com/embersend/warmup-engine/internal/pkg/distlock"
	"github.com/embersend/warmup-engine/internal/ratelimit"
	"github.com/embersend/warmup-engine/internal/respond"
	"github.com/embersend/warmup-engine/internal/scheduler"
	"github.com/embersend/warmup-engine/internal/store"
	"github.com/embersend/warmup-engine/internal/transport"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := "config/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		configPath = v
	}

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("Database ping failed: %v", err)
	}
	pingCancel()
	log.Println("[main] Connected to PostgreSQL")

	// Redis is optional. Without it entity leases fall back to PG advisory
	// locks, which is fine for a single-node deployment.
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.URL})
		} else {
			redisClient = redis.NewClient(opts)
		}
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Warning: Redis connection failed: %v — falling back to PG advisory locks", err)
			redisClient.Close()
			redisClient = nil
		} else {
			log.Println("[main] Connected to Redis")
		}
		pingCancel()
	}

	keyHex := os.Getenv(cfg.Storage.EncryptionKeyEnv)
	if keyHex == "" {
		log.Fatalf("Encryption key env var %s is not set", cfg.Storage.EncryptionKeyEnv)
	}
	cipher, err := store.NewCipher(keyHex)
	if err != nil {
		log.Fatalf("Invalid encryption key: %v", err)
	}

	st := store.NewPostgres(db, cipher)
	leases := distlock.NewFactory(redisClient, db, cfg.Scheduler.LeaseTTL)

	tracker := ratelimit.NewTracker()
	router := buildRouter(tracker, cfg.Providers)

	mailer := transport.NewSMTPMailer()
	inbox := transport.NewIMAPInbox()

	sched := scheduler.New(st, mailer, router, leases, cfg.Scheduler, cfg.Location())
	responder := respond.New(st, inbox, mailer, router, leases, cfg.Response.ReplyRate, cfg.Response.Concurrency)
	bounces := bounce.New(st, inbox, leases, cfg.Bounce.Concurrency)

	handlers := api.NewHandlers(sched, responder, bounces, st, router, mailer, tracker)
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.SetupRoutes(handlers, cfg.Server.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runTicker(ctx, "Scheduler", cfg.Scheduler.TickInterval, func(ctx context.Context) {
		results, err := sched.ProcessAllCampaigns(ctx)
		if err != nil {
			log.Printf("[Scheduler] Pass error: %v", err)
		}
		if len(results) > 0 {
			log.Printf("[Scheduler] Pass complete, %d campaigns processed", len(results))
		}
	})
	go runTicker(ctx, "Responder", cfg.Response.TickInterval, func(ctx context.Context) {
		if _, err := responder.ProcessAllReceivers(ctx); err != nil {
			log.Printf("[Responder] Pass error: %v", err)
		}
	})
	go runTicker(ctx, "BounceMonitor", cfg.Bounce.TickInterval, func(ctx context.Context) {
		if _, err := bounces.ProcessAllSenders(ctx); err != nil {
			log.Printf("[BounceMonitor] Pass error: %v", err)
		}
	})

	go func() {
		log.Printf("[main] Ops API listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("[main] Received %v, shutting down", sig)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: HTTP shutdown error: %v", err)
	}
	if redisClient != nil {
		redisClient.Close()
	}
	db.Close()
	log.Println("[main] Shutdown complete")
}

// buildRouter assembles the content provider chain from configuration. The
// liquid template provider is always present as the terminal fallback, so
// Generate succeeds even with an empty provider list.
func buildRouter(tracker *ratelimit.Tracker, providers []config.ProviderConfig) *content.Router {
	router := content.NewRouter(tracker, content.NewTemplateProvider())

	for _, pc := range providers {
		apiKey := ""
		if pc.APIKeyEnv != "" {
			apiKey = os.Getenv(pc.APIKeyEnv)
		}

		var p content.Provider
		switch pc.Type {
		case "anthropic":
			if apiKey == "" {
				log.Printf("Warning: provider %s skipped, %s not set", pc.Name, pc.APIKeyEnv)
				continue
			}
			p = content.NewAnthropicProvider(pc.Name, apiKey, pc.Model)
		case "openai":
			if apiKey == "" {
				log.Printf("Warning: provider %s skipped, %s not set", pc.Name, pc.APIKeyEnv)
				continue
			}
			p = content.NewOpenAIProvider(pc.Name, apiKey, pc.Model)
		case "bedrock":
			// Empty keys defer to the default AWS credential chain.
			bp, err := content.NewBedrockProvider(context.Background(), pc.Name, pc.Region, pc.Model,
				os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY"))
			if err != nil {
				log.Printf("Warning: provider %s skipped: %v", pc.Name, err)
				continue
			}
			p = bp
		case "template":
			// Already wired as the terminal fallback.
			continue
		default:
			log.Printf("Warning: unknown provider type %q for %s, skipping", pc.Type, pc.Name)
			continue
		}

		router.Register(p, pc.Priority)
		tracker.Configure(pc.Name, ratelimit.Limits{RPM: pc.RPM, RPD: pc.RPD})
		log.Printf("[main] Registered content provider %s (type=%s priority=%d rpm=%d rpd=%d)",
			pc.Name, pc.Type, pc.Priority, pc.RPM, pc.RPD)
	}

	return router
}

// runTicker fires fn immediately and then on every interval tick until the
// context is cancelled. Each engine runs on its own ticker so a slow
// scheduler pass never delays inbox or bounce processing.
func runTicker(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		log.Printf("[%s] Ticker disabled (interval %v)", name, interval)
		return
	}
	log.Printf("[%s] Ticker started, interval %v", name, interval)

	fn(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[%s] Ticker stopped", name)
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
