// Command loadgen creates blasts against a running api at a fixed rate and
// prints latency percentiles.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nimasrn/message-blast/internal/model"
	"github.com/nimasrn/message-blast/pkg/logger"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"
)

type LoadTestConfig struct {
	URL               string
	RequestsPerSecond int
	DurationSeconds   int
	ConcurrentWorkers int
	Recipients        int
	BatchSize         int
	WorkspaceID       string
	ChannelID         string
	AutoStart         bool
}

// blastPayload builds a create request with n distinct recipients.
func blastPayload(cfg LoadTestConfig, seq int) ([]byte, error) {
	recipients := make([]string, cfg.Recipients)
	for i := range recipients {
		recipients[i] = fmt.Sprintf("+1555%03d%04d", seq%1000, i)
	}
	return json.Marshal(model.BlastCreateRequest{
		WorkspaceID:   cfg.WorkspaceID,
		Title:         fmt.Sprintf("load test %d", seq),
		MessageBody:   "Hello from load test",
		ChannelID:     cfg.ChannelID,
		CreatedBy:     "loadgen",
		Recipients:    recipients,
		BatchSize:     cfg.BatchSize,
		BatchInterval: 1,
		AutoStart:     cfg.AutoStart,
	})
}

func sendRequest(client *fasthttp.Client, cfg LoadTestConfig, payload []byte, stats *Stats) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(cfg.URL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(payload)

	start := time.Now()
	err := client.DoTimeout(req, resp, 60*time.Second)
	stats.Record(time.Since(start), err == nil && resp.StatusCode() == fasthttp.StatusCreated)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func main() {
	cfg := LoadTestConfig{
		URL:               getEnvOrDefault("TARGET_URL", "http://localhost:8080/api/v1/blasts"),
		RequestsPerSecond: getEnvIntOrDefault("REQUESTS_PER_SECOND", 20),
		DurationSeconds:   getEnvIntOrDefault("DURATION_SECONDS", 30),
		ConcurrentWorkers: getEnvIntOrDefault("CONCURRENT_WORKERS", 20),
		Recipients:        getEnvIntOrDefault("RECIPIENTS", 1000),
		BatchSize:         getEnvIntOrDefault("BATCH_SIZE", 100),
		WorkspaceID:       getEnvOrDefault("WORKSPACE_ID", "ws-local"),
		ChannelID:         getEnvOrDefault("CHANNEL_ID", "ch-local"),
		AutoStart:         getEnvOrDefault("AUTO_START", "true") == "true",
	}

	logger.Info("starting load test",
		"target", cfg.URL,
		"rps", cfg.RequestsPerSecond,
		"duration_seconds", cfg.DurationSeconds,
		"workers", cfg.ConcurrentWorkers,
		"recipients_per_blast", cfg.Recipients)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.DurationSeconds)*time.Second)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := &fasthttp.Client{
		MaxConnsPerHost:     cfg.ConcurrentWorkers,
		MaxIdleConnDuration: 90 * time.Second,
	}
	stats := &Stats{}
	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	jobs := make(chan []byte, cfg.ConcurrentWorkers)

	var wg sync.WaitGroup
	for i := 0; i < cfg.ConcurrentWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for payload := range jobs {
				sendRequest(client, cfg, payload, stats)
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s := stats.Summary()
				logger.Info("progress", "completed", s.Total, "success", s.Success, "errors", s.Errors)
			}
		}
	}()

	startTime := time.Now()
	for seq := 0; limiter.Wait(ctx) == nil; seq++ {
		payload, err := blastPayload(cfg, seq)
		if err != nil {
			logger.Error("failed to build payload", "error", err)
			break
		}
		jobs <- payload
	}
	close(jobs)
	wg.Wait()

	s := stats.Summary()
	elapsed := time.Since(startTime).Seconds()

	fmt.Println(strings.Repeat("=", 50))
	fmt.Println("LOAD TEST RESULTS")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Printf("Duration: %.2f seconds\n", elapsed)
	fmt.Printf("Blasts created: %d of %d\n", s.Success, s.Total)
	fmt.Printf("Failed: %d\n", s.Errors)
	if s.Total > 0 {
		fmt.Printf("Success rate: %.2f%%\n", float64(s.Success)/float64(s.Total)*100)
		fmt.Printf("Actual RPS: %.2f\n", float64(s.Total)/elapsed)
	}
	fmt.Printf("\nResponse times:\n")
	fmt.Printf("  Average: %.2f ms\n", s.Avg.Seconds()*1000)
	fmt.Printf("  P50: %.2f ms\n", s.P50.Seconds()*1000)
	fmt.Printf("  P95: %.2f ms\n", s.P95.Seconds()*1000)
	fmt.Printf("  P99: %.2f ms\n", s.P99.Seconds()*1000)
	fmt.Printf("  Min: %.2f ms\n", s.Min.Seconds()*1000)
	fmt.Printf("  Max: %.2f ms\n", s.Max.Seconds()*1000)
}
