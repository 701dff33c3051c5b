// Command sse-load holds many task streams open against a running server
// and fails when no frames arrive or too many connections drop.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func main() {
	base := getenv("BASE_URL", "http://localhost:8080")
	cfg := loadConfig{
		streamURL:     getenv("STREAM_URL", base+"/api/tasks/stream"),
		tasksURL:      getenv("TASKS_URL", base+"/api/tasks"),
		connections:   getenvInt("SSE_CONNECTIONS", 200),
		duration:      time.Duration(getenvInt("DURATION_SEC", 120)) * time.Second,
		writeInterval: time.Duration(getenvInt("WRITE_INTERVAL_MS", 500)) * time.Millisecond,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res := runLoad(ctx, cfg, &http.Client{}, log.StandardLogger())
	log.WithFields(log.Fields{
		"connections":         cfg.connections,
		"duration_sec":        int(cfg.duration.Seconds()),
		"events_received":     res.events,
		"writes":              res.writes,
		"connection_failures": res.failures,
	}).Info("sse load finished")
	if res.events == 0 || res.failureRate() > 0.01 {
		os.Exit(1)
	}
}
