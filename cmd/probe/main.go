// Command probe watches a verification fleet: platform instances via their
// /health endpoint and verifier model endpoints via a tiny canary claim.
// One-shot mode exits 0 only when every target is healthy; watch mode keeps
// sampling and serves the latest results as JSON plus prometheus metrics.
//
//	probe -targets http://a:8080,http://b:8080 -models http://m1/opinion \
//	      -interval 30s -listen :9402
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	targetUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shield_probe_target_up",
			Help: "1 when the target answered its last probe healthily",
		},
		[]string{"target", "kind"},
	)
	probeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shield_probe_latency_seconds",
			Help:    "Probe round-trip latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"target", "kind"},
	)
)

type result struct {
	Target  string        `json:"target"`
	Kind    string        `json:"kind"` // health or model
	Healthy bool          `json:"healthy"`
	Status  string        `json:"status,omitempty"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
	At      time.Time     `json:"at"`
}

// board holds the latest probe round for the /status endpoint.
type board struct {
	mu      sync.RWMutex
	results []result
}

func (b *board) set(rs []result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results = rs
}

func (b *board) snapshot() []result {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]result, len(b.results))
	copy(out, b.results)
	return out
}

func main() {
	targets := flag.String("targets", "", "comma-separated platform base URLs, probed via /health")
	models := flag.String("models", "", "comma-separated model opinion URLs, probed with a canary claim")
	timeout := flag.Duration("timeout", 5*time.Second, "per-target timeout")
	interval := flag.Duration("interval", 0, "repeat interval; 0 probes once and exits")
	listen := flag.String("listen", "", "serve /status and /metrics on this address (watch mode)")
	jsonOut := flag.Bool("json", false, "emit one JSON object per result")
	flag.Parse()

	healthURLs := splitTargets(*targets)
	modelURLs := splitTargets(*models)
	if len(healthURLs)+len(modelURLs) == 0 {
		fmt.Fprintln(os.Stderr, "no targets given; use -targets and/or -models")
		os.Exit(2)
	}

	client := &http.Client{Timeout: *timeout}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := &board{}
	if *listen != "" {
		go serveStatus(ctx, *listen, b)
	}

	for {
		results := probeAll(ctx, client, healthURLs, modelURLs)
		b.set(results)
		healthy := report(results, *jsonOut)

		if *interval <= 0 {
			if !healthy {
				os.Exit(1)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(*interval):
		}
	}
}

func probeAll(ctx context.Context, client *http.Client, healthURLs, modelURLs []string) []result {
	results := make([]result, len(healthURLs)+len(modelURLs))
	var wg sync.WaitGroup
	for i, u := range healthURLs {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			results[i] = probeHealth(ctx, client, u)
		}(i, u)
	}
	for i, u := range modelURLs {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			results[i] = probeModel(ctx, client, u)
		}(len(healthURLs)+i, u)
	}
	wg.Wait()

	for _, r := range results {
		up := 0.0
		if r.Healthy {
			up = 1.0
		}
		targetUp.WithLabelValues(r.Target, r.Kind).Set(up)
		probeLatency.WithLabelValues(r.Target, r.Kind).Observe(r.Latency.Seconds())
	}
	return results
}

func report(results []result, jsonOut bool) bool {
	allHealthy := true
	enc := json.NewEncoder(os.Stdout)
	for _, r := range results {
		if !r.Healthy {
			allHealthy = false
		}
		if jsonOut {
			enc.Encode(r)
			continue
		}
		mark := "ok  "
		if !r.Healthy {
			mark = "FAIL"
		}
		line := fmt.Sprintf("%s %-6s %-40s %8s", mark, r.Kind, r.Target, r.Latency.Round(time.Millisecond))
		if r.Error != "" {
			line += "  " + r.Error
		}
		fmt.Println(line)
	}
	return allHealthy
}

func probeHealth(ctx context.Context, client *http.Client, base string) result {
	start := time.Now()
	r := result{Target: base, Kind: "health", At: start.UTC()}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	resp, err := client.Do(req)
	r.Latency = time.Since(start)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.Error = fmt.Sprintf("status %d", resp.StatusCode)
		return r
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		r.Error = "unparseable health body"
		return r
	}
	r.Status = body.Status
	r.Healthy = body.Status == "ok"
	if !r.Healthy {
		r.Error = "reported " + body.Status
	}
	return r
}

// canaryClaim is deliberately trivial; any live verifier model must be able
// to opine on it without external lookups.
var canaryClaim = map[string]interface{}{
	"claim_id": "probe-canary",
	"text":     "water is wet",
}

func probeModel(ctx context.Context, client *http.Client, url string) result {
	start := time.Now()
	r := result{Target: url, Kind: "model", At: start.UTC()}

	payload, _ := json.Marshal(canaryClaim)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		r.Error = err.Error()
		return r
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	r.Latency = time.Since(start)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.Error = fmt.Sprintf("status %d", resp.StatusCode)
		return r
	}
	var body struct {
		Verdict string `json:"verdict"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Verdict == "" {
		r.Error = "no verdict in canary response"
		return r
	}
	r.Status = body.Verdict
	r.Healthy = true
	return r
}

func serveStatus(ctx context.Context, addr string, b *board) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(b.snapshot())
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "status server failed: %v\n", err)
	}
}

func splitTargets(raw string) []string {
	var out []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(strings.TrimSuffix(t, "/"))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
