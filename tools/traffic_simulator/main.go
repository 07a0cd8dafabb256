// Command traffic_simulator drives synthetic ad requests at a running
// adserver and confirms a share of the served ads as impressions.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/patrickwarner/adengine/internal/api"
	"github.com/patrickwarner/adengine/internal/config"
	"github.com/patrickwarner/adengine/internal/db"
	"github.com/patrickwarner/adengine/internal/observability"
)

var (
	server      string
	users       int
	segmentCSV  string
	sizeCSV     string
	totalReq    int
	conc        int
	duration    time.Duration
	rate        float64
	viewRate    float64
	stats       bool
	flush       bool
	redisAddr   string
	debug       bool
	label       string
	jitter      float64
	intentShare float64
)

var logger *zap.Logger

// HTTP client with proper resource limits
var httpClient *http.Client

var (
	segments   = []string{"sports", "travel", "technology & computing-laptops", "food & drink"}
	sizes      = []string{"300x250"}
	userAgents = []string{
		// Mobile
		"Mozilla/5.0 (iPhone; CPU iPhone OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1",
		"Mozilla/5.0 (Linux; Android 12; Pixel 6 Pro) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.5735.196 Mobile Safari/537.36",
		"Mozilla/5.0 (iPad; CPU OS 15_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.2 Mobile/15E148 Safari/604.1",

		// Desktop
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_3_1) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.1 Safari/605.1.15",
		"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:111.0) Gecko/20100101 Firefox/111.0",
	}
	userIPs = []string{
		"192.0.2.1",
		"198.51.100.1",
		"203.0.113.1",
	}
	visitedSites = []string{"news.example", "shop.example", "competitor.example", "blog.example"}
)

const statsInterval = 5 * time.Second

var (
	countSent        uint64
	countServed      uint64
	countNotServed   uint64
	countErrors      uint64
	countImpressions uint64
)

func main() {
	flag.StringVar(&server, "server", "http://localhost:8787", "ad server base URL")
	flag.IntVar(&users, "users", 100, "number of unique users")
	flag.StringVar(&segmentCSV, "segments", strings.Join(segments, ","), "comma-separated page segments to draw from")
	flag.StringVar(&sizeCSV, "sizes", "300x250", "comma-separated ad sizes")
	flag.IntVar(&totalReq, "requests", 1000, "total requests to send")
	flag.IntVar(&conc, "concurrency", 20, "concurrent requests")
	flag.DurationVar(&duration, "duration", 0, "how long to run traffic (0 to disable)")
	flag.Float64Var(&rate, "rate", 0, "requests per second (0 for unlimited)")
	flag.Float64Var(&viewRate, "view-rate", 0.8, "probability a served ad is confirmed as an impression")
	flag.Float64Var(&intentShare, "intent-share", 0.2, "probability a request carries an intent segment")
	flag.BoolVar(&stats, "stats", false, "print aggregated stats periodically")
	flag.BoolVar(&flush, "flush", false, "flush impression history from redis before sending traffic")
	flag.StringVar(&redisAddr, "redis", "", "redis address (defaults to REDIS_ADDR)")
	flag.BoolVar(&debug, "debug", false, "enable verbose debug logs")
	flag.StringVar(&label, "label", "", "label to identify this run")
	flag.Float64Var(&jitter, "jitter", 0.0, "random jitter factor for request spacing")
	flag.Parse()

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	var err error
	logger, err = observability.InitLoggerWithLevel(level, "traffic-simulator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	httpClient = &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			MaxConnsPerHost:       50,
			IdleConnTimeout:       90 * time.Second,
		},
	}

	if label == "" {
		label = time.Now().Format(time.RFC3339)
	}

	if flush {
		if err := flushHistory(); err != nil {
			logger.Fatal("flush history", zap.Error(err))
		}
	}

	segments = splitCSV(segmentCSV)
	sizes = splitCSV(sizeCSV)
	if len(segments) == 0 || len(sizes) == 0 {
		logger.Fatal("at least one segment and one size are required")
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	var rmu sync.Mutex
	pick := func(n int) int {
		rmu.Lock()
		defer rmu.Unlock()
		return r.Intn(n)
	}
	chance := func(p float64) bool {
		rmu.Lock()
		defer rmu.Unlock()
		return r.Float64() < p
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, conc)
	done := make(chan struct{})

	var baseInterval time.Duration
	if rate > 0 {
		baseInterval = time.Duration(float64(time.Second) / rate)
	} else if duration > 0 && totalReq > 0 {
		baseInterval = duration / time.Duration(totalReq)
	}

	start := time.Now()
	next := start

	if stats {
		go func() {
			ticker := time.NewTicker(statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					printStats()
				case <-done:
					return
				}
			}
		}()
	}
	for i := 0; ; i++ {
		if totalReq > 0 && i >= totalReq {
			break
		}
		if duration > 0 && time.Since(start) >= duration {
			break
		}
		if baseInterval > 0 {
			effective := baseInterval
			if jitter > 0 {
				rmu.Lock()
				jf := 1 + (r.Float64()*2-1)*jitter
				rmu.Unlock()
				if jf < 0.1 {
					jf = 0.1
				}
				effective = time.Duration(float64(effective) * jf)
			}
			now := time.Now()
			if now.Before(next) {
				time.Sleep(next.Sub(now))
			}
			next = next.Add(effective)
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			atomic.AddUint64(&countSent, 1)

			body := api.AdRequest{
				UserID:       fmt.Sprintf("user%d", pick(users)),
				Size:         sizes[pick(len(sizes))],
				PageSegments: []string{segments[pick(len(segments))], segments[pick(len(segments))]},
				VisitedSites: []string{visitedSites[pick(len(visitedSites))]},
			}
			if chance(intentShare) {
				body.IntentSegments = []string{segments[pick(len(segments))]}
			}
			ua := userAgents[pick(len(userAgents))]
			ip := userIPs[pick(len(userIPs))]

			res, err := requestAd(body, ua, ip)
			if err != nil {
				atomic.AddUint64(&countErrors, 1)
				logger.Error("ad request error", zap.Error(err))
				return
			}
			if !res.Served {
				atomic.AddUint64(&countNotServed, 1)
				logger.Debug("not served", zap.String("user_id", body.UserID), zap.String("reason", res.Reason))
				return
			}
			atomic.AddUint64(&countServed, 1)

			if res.ImpressionURL != "" && chance(viewRate) {
				if err := confirmImpression(res.ImpressionURL); err != nil {
					atomic.AddUint64(&countErrors, 1)
					logger.Error("impression error", zap.Error(err))
					return
				}
				atomic.AddUint64(&countImpressions, 1)
			}
			logger.Debug("request",
				zap.String("user_id", body.UserID),
				zap.Strings("segments", res.Segments),
				zap.String("creative_instance_id", res.Ad.CreativeInstanceID))
		}()
	}
	wg.Wait()
	close(done)
	printStats()
}

func requestAd(body api.AdRequest, ua, ip string) (*api.AdResponse, error) {
	blob, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/ad", bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", ua)
	req.Header.Set("X-Forwarded-For", ip)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out api.AdResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &out, nil
}

func confirmImpression(path string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(server, "/")+path, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("impression status %d", resp.StatusCode)
	}
	return nil
}

// flushHistory deletes every impression history key so a run starts with
// fresh users. The creative catalog lives elsewhere and is untouched.
func flushHistory() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	addr := redisAddr
	if addr == "" {
		addr = cfg.RedisAddr
	}
	ctx := context.Background()
	store, err := db.InitRedis(ctx, addr)
	if err != nil {
		return err
	}
	defer store.Close()

	deleted := 0
	iter := store.Client.Scan(ctx, 0, "history:*", 500).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 500 {
			if err := store.Client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("delete keys: %w", err)
			}
			deleted += len(batch)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan keys: %w", err)
	}
	if len(batch) > 0 {
		if err := store.Client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("delete keys: %w", err)
		}
		deleted += len(batch)
	}
	logger.Info("impression history flushed", zap.String("addr", addr), zap.Int("keys_deleted", deleted))
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printStats() {
	sent := atomic.LoadUint64(&countSent)
	served := atomic.LoadUint64(&countServed)
	var fill float64
	if sent > 0 {
		fill = float64(served) / float64(sent)
	}
	logger.Info("stats",
		zap.String("run", label),
		zap.Uint64("sent", sent),
		zap.Uint64("served", served),
		zap.Uint64("not_served", atomic.LoadUint64(&countNotServed)),
		zap.Uint64("impressions", atomic.LoadUint64(&countImpressions)),
		zap.Uint64("errors", atomic.LoadUint64(&countErrors)),
		zap.Float64("fill_rate", fill))
}
