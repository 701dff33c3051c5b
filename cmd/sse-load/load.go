package main

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"tasklist/domain"
)

type loadConfig struct {
	streamURL     string
	tasksURL      string
	connections   int
	duration      time.Duration
	writeInterval time.Duration
}

type loadResult struct {
	attempts uint64
	failures uint64
	events   uint64
	writes   uint64
}

func (r loadResult) failureRate() float64 {
	if r.attempts == 0 {
		return 0
	}
	return float64(r.failures) / float64(r.attempts)
}

// runLoad holds cfg.connections streams open for cfg.duration. When
// tasksURL is set it also adds and removes a task every writeInterval so
// each stream keeps receiving frames.
func runLoad(ctx context.Context, cfg loadConfig, client *http.Client, logger *log.Logger) loadResult {
	ctx, cancel := context.WithTimeout(ctx, cfg.duration)
	defer cancel()

	var attempts, failures, events, writes uint64
	var wg sync.WaitGroup
	wg.Add(cfg.connections)
	for range cfg.connections {
		go func() {
			defer wg.Done()
			backoff := time.Second
			retry := func() {
				atomic.AddUint64(&failures, 1)
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
				}
				backoff = min(backoff*2, 5*time.Second)
			}
			for ctx.Err() == nil {
				atomic.AddUint64(&attempts, 1)
				req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.streamURL, nil)
				if err != nil {
					retry()
					continue
				}
				resp, err := client.Do(req)
				if err != nil || resp.StatusCode != http.StatusOK {
					if resp != nil {
						resp.Body.Close()
					}
					if ctx.Err() != nil {
						return
					}
					retry()
					continue
				}
				backoff = time.Second
				scanner := bufio.NewScanner(resp.Body)
				scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
				for scanner.Scan() {
					if strings.HasPrefix(scanner.Text(), "data:") {
						atomic.AddUint64(&events, 1)
					}
				}
				resp.Body.Close()
				if ctx.Err() != nil {
					return
				}
				retry()
			}
		}()
	}

	if cfg.tasksURL != "" && cfg.writeInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(cfg.writeInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := churn(ctx, client, cfg.tasksURL); err != nil {
						if ctx.Err() == nil {
							logger.WithError(err).Warn("write failed")
						}
						continue
					}
					atomic.AddUint64(&writes, 1)
				}
			}
		}()
	}

	wg.Wait()
	return loadResult{
		attempts: atomic.LoadUint64(&attempts),
		failures: atomic.LoadUint64(&failures),
		events:   atomic.LoadUint64(&events),
		writes:   atomic.LoadUint64(&writes),
	}
}

// churn adds a task and removes it again, producing two stream frames.
func churn(ctx context.Context, client *http.Client, tasksURL string) error {
	body, err := sonic.Marshal(domain.TaskInput{Title: "load churn", Category: domain.CategoryNote})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tasksURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return &statusError{code: resp.StatusCode}
	}
	var task domain.Task
	if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(&task); err != nil {
		return err
	}

	del, err := http.NewRequestWithContext(ctx, http.MethodDelete, tasksURL+"/"+strconv.Itoa(task.ID), nil)
	if err != nil {
		return err
	}
	dresp, err := client.Do(del)
	if err != nil {
		return err
	}
	dresp.Body.Close()
	if dresp.StatusCode != http.StatusNoContent {
		return &statusError{code: dresp.StatusCode}
	}
	return nil
}

type statusError struct{ code int }

func (e *statusError) Error() string {
	return "unexpected status " + strconv.Itoa(e.code)
}
