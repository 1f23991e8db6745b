package proxy

// benchmark_test.go — dispatch overhead and stream re-framing benchmarks.
//
// These measure the full pipeline through the bridge with a zero-latency
// upstream stub, so the numbers reflect translation and framing overhead
// only. An in-memory listener keeps network I/O out of the picture.
//
// Usage:
//
//	go test -bench=. -benchtime=10s -benchmem ./internal/proxy/

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/ollama-bridge/internal/translate"
	"github.com/nulpointcorp/ollama-bridge/internal/upstream"
)

// newBenchGateway builds a Gateway with a zero-latency upstream and no cache.
// Logging goes to a discard handler so it does not dominate the measurement.
func newBenchGateway() *Gateway {
	api := &stubAPI{
		chatFn: func(_ context.Context, req *upstream.Request) (*upstream.Completion, error) {
			return okCompletion(req.Model, "pong"), nil
		},
	}
	return NewGatewayWithOptions(context.Background(), api, nil, nil, GatewayOptions{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func BenchmarkDispatchChat(b *testing.B) {
	gw := newBenchGateway()
	defer gw.health.Close()

	client, closeFn := newBridgeClient(gw)
	defer closeFn()
	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`)

	b.Run("sequential", func(b *testing.B) {
		benchPost(b, client, body, 1)
	})
	b.Run("parallel_100", func(b *testing.B) {
		benchPost(b, client, body, 100)
	})
}

func benchPost(b *testing.B, client *http.Client, body []byte, concurrency int) {
	b.Helper()

	var (
		mu        sync.Mutex
		latencies []time.Duration
	)

	b.ResetTimer()
	b.SetParallelism(concurrency)
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			start := time.Now()
			resp, err := client.Post("http://bridge/api/chat", "application/json", bytes.NewReader(body))
			if err != nil {
				b.Errorf("request failed: %v", err)
				return
			}
			io.Copy(io.Discard, resp.Body) //nolint:errcheck
			resp.Body.Close()
			elapsed := time.Since(start)

			if resp.StatusCode != http.StatusOK {
				b.Errorf("unexpected status %d", resp.StatusCode)
				return
			}

			mu.Lock()
			latencies = append(latencies, elapsed)
			mu.Unlock()
		}
	})
	b.StopTimer()

	if len(latencies) == 0 {
		return
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	p50 := latencies[len(latencies)*50/100]
	p99 := latencies[int(math.Min(float64(len(latencies)-1), float64(len(latencies)*99/100)))]

	b.ReportMetric(float64(p50.Microseconds()), "p50_µs")
	b.ReportMetric(float64(p99.Microseconds()), "p99_µs")
}

// BenchmarkSessionFeed measures raw stream re-framing throughput: one
// hundred content deltas plus terminal bookkeeping per iteration.
func BenchmarkSessionFeed(b *testing.B) {
	var sb strings.Builder
	for i := 0; i < 100; i++ {
		fmt.Fprintf(&sb,
			"data: {\"id\":\"c1\",\"model\":\"gpt-4o\",\"created\":1700000000,\"choices\":[{\"index\":0,\"delta\":{\"content\":\"tok%d \"}}]}\n\n", i)
	}
	sb.WriteString("data: {\"id\":\"c1\",\"model\":\"gpt-4o\",\"created\":1700000000,\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
	sb.WriteString("data: [DONE]\n")
	input := []byte(sb.String())

	b.SetBytes(int64(len(input)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		session := translate.NewSession(io.Discard, translate.ShapeChat, "gpt-4o")
		if err := session.Feed(input); err != nil {
			b.Fatal(err)
		}
		if !session.Terminated() {
			b.Fatal("session did not terminate")
		}
	}
}

// TestDispatchOverheadSLA is a fast (~1s) version of the benchmark suitable
// for CI. It runs 1000 requests sequentially and asserts the P50 < 2ms gate.
func TestDispatchOverheadSLA(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping latency SLA check in short mode")
	}

	gw := newBenchGateway()
	defer gw.health.Close()
	client := serveGateway(t, gw)

	const n = 1000
	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	latencies := make([]time.Duration, 0, n)

	for i := 0; i < n; i++ {
		start := time.Now()
		resp := doPost(t, client, "/api/chat", body)
		readBody(t, resp)
		elapsed := time.Since(start)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status %d", resp.StatusCode)
		}
		latencies = append(latencies, elapsed)
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	p50 := latencies[n*50/100]
	p99 := latencies[n*99/100]

	t.Logf("P50=%v P99=%v (n=%d)", p50, p99, n)

	if p50 > 2*time.Millisecond {
		t.Errorf("P50=%v exceeds 2ms overhead SLA", p50)
	}
	if p99 > 15*time.Millisecond {
		t.Errorf("P99=%v exceeds 15ms overhead SLA", p99)
	}
}
