package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/tracker-sync/internal/testutil"
	"github.com/Sternrassler/tracker-sync/pkg/fault"
	"github.com/Sternrassler/tracker-sync/pkg/query"
	"github.com/Sternrassler/tracker-sync/pkg/recovery"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestSink(t *testing.T) (*fileSink, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "items.jsonl")
	sink, err := newFileSink(path)
	if err != nil {
		t.Fatalf("newFileSink() error = %v", err)
	}
	t.Cleanup(func() { sink.Close() })
	return sink, path
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestReadyEndpoint(t *testing.T) {
	redisClient := setupTestRedis(t)
	handler := readyHandler(redisClient)

	t.Run("ready", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/ready", nil)
		w := httptest.NewRecorder()

		handler(w, req)

		resp := w.Result()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("Expected status 200, got %d", resp.StatusCode)
		}
	})

	t.Run("not_ready_redis_down", func(t *testing.T) {
		redisClient.Close()

		req := httptest.NewRequest("GET", "/ready", nil)
		w := httptest.NewRecorder()

		handler(w, req)

		resp := w.Result()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("Expected status 503, got %d", resp.StatusCode)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	// Building an engine registers all package metrics.
	redisClient := setupTestRedis(t)
	mock := testutil.NewMockTracker(nil)
	defer mock.Close()

	if _, err := buildEngine(redisClient, mock.URL(), "test/1.0"); err != nil {
		t.Fatalf("buildEngine() error = %v", err)
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	promhttp.Handler().ServeHTTP(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	bodyStr := string(body)
	if !strings.Contains(bodyStr, "# HELP") || !strings.Contains(bodyStr, "# TYPE") {
		t.Error("Expected Prometheus format metrics output")
	}

	if !strings.Contains(bodyStr, "sync_") {
		t.Error("Expected metrics output to contain sync_ metrics")
	}
}

func TestSnapshotFallbackServesClientRejection(t *testing.T) {
	redisClient := setupTestRedis(t)
	mock := testutil.NewMockTracker(nil)
	defer mock.Close()

	engine, err := buildEngine(redisClient, mock.URL(), "test/1.0")
	if err != nil {
		t.Fatalf("buildEngine() error = %v", err)
	}

	ctx := context.Background()
	item := query.Item{Key: "ISSUE-42", Fields: map[string]any{"summary": "cached"}}
	if err := engine.snapshots.Put(ctx, item); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// A 404 on a cached item is served from the snapshot, not deferred.
	f := fault.Classify(&fault.HTTPError{Status: 404, Message: "issue gone"}, "fetch_item", "ISSUE-42")
	out := engine.recovery.Handle(ctx, f, recovery.Op{Name: "fetch_item", ItemKey: "ISSUE-42"}, 1, nil)

	if !out.Success {
		t.Errorf("Success = false, want true")
	}
	if out.Deferred != nil {
		t.Errorf("snapshot-served fault must not be deferred")
	}

	// Without a snapshot the same rejection lands in the durable queue.
	f = fault.Classify(&fault.HTTPError{Status: 404, Message: "issue gone"}, "fetch_item", "ISSUE-77")
	out = engine.recovery.Handle(ctx, f, recovery.Op{Name: "fetch_item", ItemKey: "ISSUE-77"}, 1, nil)

	if !out.Success {
		t.Errorf("Success = false, want true (deferred)")
	}
	if out.Deferred == nil {
		t.Errorf("uncached rejection should be deferred")
	}
}

func TestFileSink(t *testing.T) {
	sink, path := newTestSink(t)
	ctx := context.Background()

	items := []query.Item{
		{Key: "ISSUE-1", Fields: map[string]any{"summary": "one"}},
		{Key: "ISSUE-2", Fields: map[string]any{"summary": "two"}},
		{Key: "ISSUE-1", Fields: map[string]any{"summary": "one again"}},
	}

	wantCreated := []bool{true, true, false}
	for i, item := range items {
		counts, err := sink.Apply(ctx, item)
		if err != nil {
			t.Fatalf("Apply(%s) error = %v", item.Key, err)
		}
		if created := counts.Created == 1; created != wantCreated[i] {
			t.Errorf("Apply(%s) created = %v, want %v", item.Key, created, wantCreated[i])
		}
	}

	// Every apply lands as one JSON line.
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer file.Close()

	var lines int
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var item query.Item
		if err := json.Unmarshal(scanner.Bytes(), &item); err != nil {
			t.Errorf("line %d is not valid JSON: %v", lines+1, err)
		}
		lines++
	}
	if lines != 3 {
		t.Errorf("output has %d lines, want 3", lines)
	}
}

func TestStartHandler_RunsSession(t *testing.T) {
	redisClient := setupTestRedis(t)
	mock := testutil.NewMockTracker(testutil.GenerateItems(10))
	defer mock.Close()

	engine, err := buildEngine(redisClient, mock.URL(), "test/1.0")
	if err != nil {
		t.Fatalf("buildEngine() error = %v", err)
	}

	sink, path := newTestSink(t)
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	handler := startHandler(engine, sink, logger)

	req := httptest.NewRequest("POST", "/sync/start?query=project%3DSYNC&batchSize=4&pageSize=4", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body %s, want 202", resp.StatusCode, body)
	}

	var payload map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["session_id"] == "" {
		t.Fatal("response has no session_id")
	}

	// Wait for the background session to drain.
	deadline := time.Now().Add(5 * time.Second)
	for engine.coordinator.ActiveSession() != nil && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if engine.coordinator.ActiveSession() != nil {
		t.Fatal("session still active after deadline")
	}

	snap := engine.aggregator.Snapshot()
	if snap.Succeeded != 10 {
		t.Errorf("Succeeded = %d, want 10", snap.Succeeded)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if got := strings.Count(string(data), "\n"); got != 10 {
		t.Errorf("output lines = %d, want 10", got)
	}
}

func TestStartHandler_RequiresQuery(t *testing.T) {
	redisClient := setupTestRedis(t)
	mock := testutil.NewMockTracker(nil)
	defer mock.Close()

	engine, err := buildEngine(redisClient, mock.URL(), "test/1.0")
	if err != nil {
		t.Fatalf("buildEngine() error = %v", err)
	}

	sink, _ := newTestSink(t)
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	handler := startHandler(engine, sink, logger)

	req := httptest.NewRequest("POST", "/sync/start", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Result().StatusCode)
	}

	req = httptest.NewRequest("GET", "/sync/start?query=x", nil)
	w = httptest.NewRecorder()
	handler(w, req)

	if w.Result().StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Result().StatusCode)
	}
}

func TestStatusHandler(t *testing.T) {
	redisClient := setupTestRedis(t)
	mock := testutil.NewMockTracker(nil)
	defer mock.Close()

	engine, err := buildEngine(redisClient, mock.URL(), "test/1.0")
	if err != nil {
		t.Fatalf("buildEngine() error = %v", err)
	}

	req := httptest.NewRequest("GET", "/sync/status", nil)
	w := httptest.NewRecorder()
	statusHandler(engine)(w, req)

	var payload map[string]any
	if err := json.NewDecoder(w.Result().Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["active"] != false {
		t.Errorf("active = %v, want false", payload["active"])
	}
	if payload["degraded"] != false {
		t.Errorf("degraded = %v, want false", payload["degraded"])
	}
}
