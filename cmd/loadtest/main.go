// loadtest fires concurrent chat requests at a running gateway and reports
// latency percentiles, cache hit rate, and error breakdown.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type loadConfig struct {
	Target      string
	Requests    int
	Concurrency int
	Tier        string
	UniquePct   int // share of requests with a unique message (cache-busting)
}

type loadStats struct {
	total     atomic.Uint64
	ok        atomic.Uint64
	cacheHits atomic.Uint64
	errors    sync.Map // status code -> *atomic.Uint64

	mu        sync.Mutex
	latencies []time.Duration
}

func (s *loadStats) recordLatency(d time.Duration) {
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.mu.Unlock()
}

func (s *loadStats) recordError(status int) {
	v, _ := s.errors.LoadOrStore(status, &atomic.Uint64{})
	v.(*atomic.Uint64).Add(1)
}

func main() {
	target := flag.String("target", "http://localhost:8080", "gateway base URL")
	requests := flag.Int("requests", 500, "total requests to send")
	concurrency := flag.Int("concurrency", 16, "concurrent workers")
	tier := flag.String("tier", "enterprise", "X-User-Tier header")
	uniquePct := flag.Int("unique", 50, "percent of requests with unique messages")
	flag.Parse()

	cfg := loadConfig{
		Target:      *target,
		Requests:    *requests,
		Concurrency: *concurrency,
		Tier:        *tier,
		UniquePct:   *uniquePct,
	}

	slog.Info("starting gateway load test",
		"target", cfg.Target, "requests", cfg.Requests, "concurrency", cfg.Concurrency)

	stats := run(cfg)
	report(cfg, stats)
}

type chatResponse struct {
	CacheHit  bool  `json:"cache_hit"`
	LatencyMS int64 `json:"latency_ms"`
}

func run(cfg loadConfig) *loadStats {
	stats := &loadStats{}
	client := &http.Client{Timeout: 2 * time.Minute}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			user := fmt.Sprintf("loadtest-%d", worker)
			for i := range jobs {
				fire(cfg, client, stats, user, i)
			}
		}(w)
	}

	started := time.Now()
	for i := 0; i < cfg.Requests; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	slog.Info("load test finished", "elapsed", time.Since(started).Round(time.Millisecond))
	return stats
}

func fire(cfg loadConfig, client *http.Client, stats *loadStats, user string, i int) {
	msg := "what is the capital of France?"
	if rand.Intn(100) < cfg.UniquePct {
		msg = fmt.Sprintf("summarize request number %d in one sentence", i)
	}

	body, _ := json.Marshal(map[string]string{"message": msg, "session_id": user})
	req, err := http.NewRequest(http.MethodPost, cfg.Target+"/chat/complete", bytes.NewReader(body))
	if err != nil {
		stats.recordError(0)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", user)
	req.Header.Set("X-User-Tier", cfg.Tier)

	stats.total.Add(1)
	started := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		stats.recordError(0)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		stats.recordError(resp.StatusCode)
		return
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err == nil && cr.CacheHit {
		stats.cacheHits.Add(1)
	}
	stats.ok.Add(1)
	stats.recordLatency(time.Since(started))
}

func report(cfg loadConfig, stats *loadStats) {
	stats.mu.Lock()
	lats := append([]time.Duration{}, stats.latencies...)
	stats.mu.Unlock()
	sort.Slice(lats, func(i, j int) bool { return lats[i] < lats[j] })

	pct := func(p float64) time.Duration {
		if len(lats) == 0 {
			return 0
		}
		idx := int(p * float64(len(lats)-1))
		return lats[idx]
	}

	fmt.Println("\n==== gateway load test results ====")
	fmt.Printf("target:       %s\n", cfg.Target)
	fmt.Printf("requests:     %d (ok %d)\n", stats.total.Load(), stats.ok.Load())
	fmt.Printf("cache hits:   %d\n", stats.cacheHits.Load())
	if len(lats) > 0 {
		fmt.Printf("latency p50:  %s\n", pct(0.50).Round(time.Millisecond))
		fmt.Printf("latency p95:  %s\n", pct(0.95).Round(time.Millisecond))
		fmt.Printf("latency p99:  %s\n", pct(0.99).Round(time.Millisecond))
	}

	failed := false
	stats.errors.Range(func(k, v interface{}) bool {
		failed = true
		fmt.Printf("errors %v:    %d\n", k, v.(*atomic.Uint64).Load())
		return true
	})
	if failed && stats.ok.Load() == 0 {
		os.Exit(1)
	}
}
