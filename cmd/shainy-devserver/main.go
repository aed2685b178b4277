package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"shainy/internal/logging"
	"shainy/internal/testserver"
)

func main() {
	// 1. Config & Flags
	addr := flag.String("addr", ":3000", "http service address")
	pretty := flag.Bool("pretty", true, "human readable logs")
	flag.Parse()

	log := logging.New(os.Getenv("LOG_LEVEL"), *pretty)

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "shainy-dev-secret"
		log.Warn().Msg("JWT_SECRET is not set, using the development secret")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Redis when running more than one instance
	var redisClient *redis.Client
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: redisAddr})
		if _, err := redisClient.Ping(ctx).Result(); err != nil {
			log.Fatal().Err(err).Str("addr", redisAddr).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		log.Info().Str("addr", redisAddr).Msg("connected to redis")
	}

	srv := testserver.New(testserver.Config{
		JWTSecret:  jwtSecret,
		Redis:      redisClient,
		Logger:     log,
		RequestLog: true,
	})

	// 3. Seed accounts so a fresh client can log in
	for _, phrase := range strings.Split(os.Getenv("SEED_PHRASES"), ",") {
		phrase = strings.TrimSpace(phrase)
		if phrase == "" {
			continue
		}
		_, userID, err := srv.Register(phrase)
		if err != nil {
			log.Fatal().Err(err).Msg("seed account")
		}
		log.Info().Str("user_id", userID).Str("code_phrase", phrase).Msg("seeded account")
	}

	// Start the Hub Engines
	go srv.Run(ctx)

	httpServer := &http.Server{Addr: *addr, Handler: srv.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", *addr).Msg("dev server starting")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("listen")
	}
}
