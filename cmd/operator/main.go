// Command operator runs a mock message gateway and channel directory for local
// runs and load tests of the blast services.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	port := getEnv("PORT", "8081")
	opts := Options{
		WorkspaceID:  getEnv("WORKSPACE_ID", "ws-local"),
		RejectRate:   getEnvFloat("REJECT_RATE", 0),
		DeliveryRate: getEnvFloat("DELIVERY_RATE", 1),
		MinDelay:     getEnvDuration("MIN_DELAY", 200*time.Millisecond),
		MaxDelay:     getEnvDuration("MAX_DELAY", 2*time.Second),
		CallbackURL:  getEnv("CALLBACK_URL", "http://localhost:8080/api/v1/callbacks/delivery-receipts"),
		Disconnected: getEnvList("DISCONNECTED_CHANNELS"),
	}

	log.Info().
		Str("port", port).
		Float64("reject_rate", opts.RejectRate).
		Float64("delivery_rate", opts.DeliveryRate).
		Dur("min_delay", opts.MinDelay).
		Dur("max_delay", opts.MaxDelay).
		Str("callback_url", opts.CallbackURL).
		Msg("Starting mock gateway")

	gw := NewMockGateway(opts)
	router := SetupRouter(NewHandler(gw))

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}
	gw.Wait()

	log.Info().Msg("Server exited")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
