/**
 * @description
 * This is the main entry point for the quote-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * external API clients, message brokers, repositories, the core application service,
 * and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/processorclient: Client for the payment processor API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/quoteflow/quote-service/internal/api"
	"github.com/quoteflow/quote-service/internal/app"
	"github.com/quoteflow/quote-service/internal/config"
	"github.com/quoteflow/quote-service/internal/store"
	"github.com/quoteflow/quote-service/pkg/processorclient"
	qfrabbit "github.com/quoteflow/quote-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt secret must be configured\" env=JWT_SECRET")
	}
	if strings.TrimSpace(cfg.WebhookSigningSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"webhook signing secret must be configured\" env=WEBHOOK_SIGNING_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting quote-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish lifecycle events. A broker
	// outage at startup degrades to a no-op publisher rather than blocking boot.
	var producer qfrabbit.Publisher
	eventProducer, err := qfrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &qfrabbit.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
		if queue := strings.TrimSpace(cfg.QuoteEventQueue); queue != "" {
			if declareErr := eventProducer.DeclareEventQueue(queue); declareErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"event queue declare failed\" queue=%s err=%v", queue, declareErr)
			}
		}
	}

	// Initialize the client for the payment processor API.
	processorClient := processorclient.NewClient(cfg.ProcessorAPIBaseURL, cfg.ProcessorAPIKey)

	// Redis backs the distributed rate limiter; unavailability disables
	// limiting rather than the service.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; rate limiting disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	quoteService := app.NewService(
		repository,
		processorClient,
		producer,
		app.PricingParams{
			TaxRateBps:             cfg.TaxRateBps,
			ProcessorFeeBps:        cfg.ProcessorFeeBps,
			ProcessorFeeFixedCents: cfg.ProcessorFeeFixedCents,
			PlatformFeeBps:         cfg.PlatformFeeBps,
		},
		time.Duration(cfg.QuoteValidityHours)*time.Hour,
		cfg.WebhookSigningSecret,
		time.Duration(cfg.WebhookToleranceSeconds)*time.Second,
	)

	var limiter *app.RedisRateLimiter
	if redisClient != nil {
		limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	// Start the background expiry sweeper.
	sweeper := app.NewExpirySweeper(quoteService, cfg.ExpirySweepSchedule, cfg.ExpirySweepBatchSize)
	if err := sweeper.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"expiry sweeper start failed\" err=%v", err)
	}

	// Initialize the API handlers.
	quoteHandlers := api.NewQuoteHandlers(quoteService, limiter, cfg.QuoteViewRateLimitPerMinute, cfg.WebhookRateLimitPerMinute)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.QuoteRoutes(quoteHandlers, cfg.JWTSecret))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Let a running sweep finish before the process exits.
	<-sweeper.Stop().Done()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
