package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"ryde-service/internal/auth"
	"ryde-service/internal/booking"
	"ryde-service/internal/drivers"
	"ryde-service/internal/events"
	"ryde-service/internal/geo"
	"ryde-service/internal/payments"
	"ryde-service/internal/reconcile"
	"ryde-service/internal/rides"
	"ryde-service/internal/tracking"
	"ryde-service/internal/users"
	"ryde-service/migrations"
	"ryde-service/pkg/config"
	"ryde-service/pkg/db"
	"ryde-service/pkg/jwt"
	"ryde-service/pkg/kafka"
	"ryde-service/pkg/rabbitmq"
	rredis "ryde-service/pkg/redis"
)

type eventBus interface {
	events.Bus
	Close() error
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── 1. Config ──
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if err := jwt.Init(cfg.JWTSecret); err != nil {
		log.Fatal(err)
	}

	// ── 2. PostgreSQL ──
	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer database.Close()

	if err := database.RunMigrations(ctx, migrations.FS); err != nil {
		log.Fatal("migrations failed:", err)
	}

	// ── 3. Redis ──
	redisClient, err := rredis.NewClient(cfg.RedisAddr)
	if err != nil {
		log.Fatal(err)
	}
	defer redisClient.Close()

	// ── 4. Event bus ──
	bus, err := connectBus(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer bus.Close()

	// ── 5. Identity provider ──
	var verifier auth.SessionVerifier
	if cfg.ClerkSecretKey != "" {
		verifier = auth.NewClerkVerifier(cfg.ClerkSecretKey)
	} else {
		log.Println("[auth] CLERK_SECRET_KEY not set, user registration is not session-checked")
	}

	// ── 6. Services ──
	processor := payments.NewStripeProcessor(cfg.StripeSecretKey, cfg.StripeEphemeralVersion)
	attempts := booking.NewStore(database.Pool)

	paymentSvc := payments.NewService(processor, payments.NewCustomerStore(database.Pool),
		redisClient, attempts, bus, cfg.Currency)
	rideSvc := rides.NewService(database.Pool, attempts, bus)
	userSvc := users.NewService(database.Pool, verifier)
	driverSvc := drivers.NewService(database.Pool, redisClient)

	// ── 7. Background workers ──
	reconcile.New(attempts, processor, rideSvc, bus, cfg.ReconcileGrace).Start(ctx, cfg.ReconcileInterval)

	wsHub := tracking.NewHub(attempts)
	wsHub.Consume(ctx, bus, "tracking-group")

	// ── 8. HTTP router ──
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(jwt.OptionalAuth)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		hctx, hcancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer hcancel()

		status, code := "ok", http.StatusOK
		checks := map[string]string{"postgres": "ok", "redis": "ok"}
		if err := database.Ping(hctx); err != nil {
			checks["postgres"] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
		}
		if err := redisClient.Ping(hctx); err != nil {
			checks["redis"] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{"status": status, "service": "ryde-service", "checks": checks})
	})

	r.Mount("/payments", payments.NewHandler(paymentSvc).Routes())
	r.Mount("/rides", rides.NewHandler(rideSvc).Routes())
	r.Mount("/users", users.NewHandler(userSvc).Routes())
	r.Mount("/drivers", drivers.NewHandler(driverSvc).Routes())
	r.Mount("/map", geo.NewHandler().Routes())
	r.Mount("/bookings", booking.NewHandler(attempts).Routes())
	r.Mount("/ws", wsHub.Routes())

	// ── 9. Start server ──
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("ryde-service listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	// ── 10. Graceful shutdown ──
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	srv.Shutdown(shutCtx)
	cancel() // stop workers and consumers
}

func connectBus(ctx context.Context, cfg *config.Config) (eventBus, error) {
	if cfg.EventBus == config.BusRabbitMQ {
		rc, err := rabbitmq.NewClient(ctx, cfg.RabbitMQURL)
		if err != nil {
			return nil, err
		}
		return rc, nil
	}
	k := kafka.NewClient(cfg.KafkaBrokers)
	if err := k.EnsureTopics(ctx, events.Topics...); err != nil {
		return nil, err
	}
	return k, nil
}
