package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/tracker-sync/pkg/cache"
	"github.com/Sternrassler/tracker-sync/pkg/fault"
	"github.com/Sternrassler/tracker-sync/pkg/importer"
	"github.com/Sternrassler/tracker-sync/pkg/logging"
	"github.com/Sternrassler/tracker-sync/pkg/query"
	"github.com/Sternrassler/tracker-sync/pkg/ratelimit"
	"github.com/Sternrassler/tracker-sync/pkg/recovery"
	"github.com/Sternrassler/tracker-sync/pkg/remote"
	"github.com/Sternrassler/tracker-sync/pkg/stats"
	"github.com/Sternrassler/tracker-sync/pkg/store"
)

func main() {
	// Configuration from environment
	redisURL := getEnv("REDIS_URL", "localhost:6379")
	port := getEnv("PORT", "8080")
	trackerURL := getEnv("TRACKER_URL", "")
	userAgent := getEnv("USER_AGENT", "tracker-sync/0.1.0")
	outputPath := getEnv("OUTPUT_FILE", "items.jsonl")
	resumeSession := getEnv("RESUME_SESSION", "")

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(getEnv("LOG_LEVEL", "info")),
		Pretty: getEnv("LOG_PRETTY", "") == "true",
		Output: os.Stderr,
	})

	if trackerURL == "" {
		logger.Fatal().Msg("TRACKER_URL is required")
	}

	// Setup Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr: redisURL,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("redis_url", redisURL).Msg("Failed to connect to Redis")
	}
	logger.Info().Str("redis_url", redisURL).Msg("Connected to Redis")

	engine, err := buildEngine(redisClient, trackerURL, userAgent)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build sync engine")
	}

	sink, err := newFileSink(outputPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", outputPath).Msg("Failed to open output file")
	}
	defer sink.Close()

	// Resume a paused session at startup when requested.
	if resumeSession != "" {
		go func() {
			summary, err := engine.coordinator.Resume(ctx, resumeSession, sink)
			if err != nil {
				logger.Error().Err(err).Str("session_id", resumeSession).Msg("Resume failed")
				return
			}
			logger.Info().
				Str("session_id", summary.SessionID).
				Str("phase", string(summary.Phase)).
				Int("imported", summary.Imported).
				Msg("Resumed session finished")
		}()
	}

	// HTTP server
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler(redisClient))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/sync/start", startHandler(engine, sink, logger))
	mux.HandleFunc("/sync/pause", pauseHandler(engine))
	mux.HandleFunc("/sync/resume", resumeHandler(engine, sink, logger))
	mux.HandleFunc("/sync/status", statusHandler(engine))
	mux.HandleFunc("/sync/stats", statsHandler(engine))

	addr := ":" + port
	logger.Info().
		Str("addr", addr).
		Str("tracker_url", trackerURL).
		Str("user_agent", userAgent).
		Msg("Starting tracker-sync server")

	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

// engine bundles the wired sync components.
type engine struct {
	coordinator *importer.Coordinator
	aggregator  *stats.Aggregator
	gate        *recovery.DegradedGate
	recovery    *recovery.Manager
	snapshots   *cache.Manager
}

// buildEngine wires fetcher, stores, recovery and the coordinator.
func buildEngine(redisClient *redis.Client, trackerURL, userAgent string) (*engine, error) {
	logger := logging.NewLogger("engine")

	tracker := ratelimit.NewTracker(redisClient, logging.NewLogger("ratelimit"))
	fetcher, err := remote.New(remote.Config{
		BaseURL:   trackerURL,
		UserAgent: userAgent,
		Tracker:   tracker,
	})
	if err != nil {
		return nil, fmt.Errorf("create fetcher: %w", err)
	}

	durable := store.New(redisClient)
	snapshots := cache.NewManager(redisClient)
	aggregator := stats.New()

	gate := recovery.NewDegradedGate(logging.NewLogger("recovery"))
	manager := recovery.NewManager(recovery.DefaultConfig(), durable, gate, aggregator, logging.NewLogger("recovery"))

	// Remote read rejections fall back to the last-known snapshot.
	fallback := snapshots.Fallback()
	manager.RegisterFallback(fault.CategoryRemote4xx, func(ctx context.Context, f *fault.Fault) error {
		if f.ItemKey == "" {
			return f
		}
		_, err := fallback(ctx, f.ItemKey)
		return err
	})

	coordinator := importer.NewCoordinator(fetcher, durable, manager, aggregator, newLogObserver(logger), logger)
	coordinator.SetItemCache(snapshots)

	return &engine{
		coordinator: coordinator,
		aggregator:  aggregator,
		gate:        gate,
		recovery:    manager,
		snapshots:   snapshots,
	}, nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func readyHandler(redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			http.Error(w, fmt.Sprintf("redis unavailable: %v", err), http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

// startHandler launches a new import session in the background and returns
// its ID. The session keeps running after the response.
func startHandler(e *engine, sink importer.Sink, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		queryExpr := r.URL.Query().Get("query")
		if queryExpr == "" {
			http.Error(w, "query parameter is required", http.StatusBadRequest)
			return
		}

		spec := query.Spec{
			Query:      queryExpr,
			PageSize:   intParam(r, "pageSize", 50),
			MaxResults: intParam(r, "maxResults", 0),
		}
		batchSize := intParam(r, "batchSize", 50)

		started := make(chan string, 1)
		go func() {
			// Sessions detach from the request context.
			summary, err := e.coordinator.Start(context.Background(), spec, batchSize, sink)
			if err != nil {
				logger.Error().Err(err).Str("query", queryExpr).Msg("Session failed to start")
				started <- ""
				return
			}
			started <- summary.SessionID
			logger.Info().
				Str("session_id", summary.SessionID).
				Str("phase", string(summary.Phase)).
				Int("imported", summary.Imported).
				Int("failed", summary.Failed).
				Msg("Session finished")
		}()

		// Wait briefly for the session to register so the response can
		// carry its ID.
		var sessionID string
		deadline := time.After(2 * time.Second)
	wait:
		for {
			select {
			case id := <-started:
				sessionID = id
				break wait
			case <-deadline:
				break wait
			default:
				if sess := e.coordinator.ActiveSession(); sess != nil {
					sessionID = sess.ID
					break wait
				}
				time.Sleep(10 * time.Millisecond)
			}
		}

		if sessionID == "" {
			http.Error(w, "session failed to start", http.StatusConflict)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"session_id": sessionID})
	}
}

func pauseHandler(e *engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		sess := e.coordinator.ActiveSession()
		if sess == nil {
			http.Error(w, "no active session", http.StatusNotFound)
			return
		}

		e.coordinator.Pause()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"session_id": sess.ID, "status": "pause requested"})
	}
}

func resumeHandler(e *engine, sink importer.Sink, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		sessionID := r.URL.Query().Get("session")
		if sessionID == "" {
			http.Error(w, "session parameter is required", http.StatusBadRequest)
			return
		}

		go func() {
			summary, err := e.coordinator.Resume(context.Background(), sessionID, sink)
			if err != nil {
				logger.Error().Err(err).Str("session_id", sessionID).Msg("Resume failed")
				return
			}
			logger.Info().
				Str("session_id", summary.SessionID).
				Str("phase", string(summary.Phase)).
				Msg("Resumed session finished")
		}()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"session_id": sessionID, "status": "resuming"})
	}
}

func statusHandler(e *engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := e.coordinator.ActiveSession()
		w.Header().Set("Content-Type", "application/json")

		if sess == nil {
			json.NewEncoder(w).Encode(map[string]any{
				"active":   false,
				"degraded": e.gate.Active(),
			})
			return
		}

		json.NewEncoder(w).Encode(map[string]any{
			"active":     true,
			"session_id": sess.ID,
			"phase":      sess.Phase,
			"processed":  sess.Processed,
			"total":      sess.Total,
			"degraded":   e.gate.Active(),
		})
	}
}

func statsHandler(e *engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(e.aggregator.Snapshot())
	}
}

// fileSink appends imported items to a JSONL file. Writes are idempotent
// at the session level: re-applying a key counts as an update.
type fileSink struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	seen map[string]bool
}

func newFileSink(path string) (*fileSink, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &fileSink{
		file: file,
		w:    bufio.NewWriter(file),
		seen: make(map[string]bool),
	}, nil
}

// Apply writes the item as one JSON line.
func (s *fileSink) Apply(ctx context.Context, item query.Item) (stats.ItemCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(item)
	if err != nil {
		return stats.ItemCounts{}, fmt.Errorf("%w: marshal item %s: %v", fault.ErrLocalWrite, item.Key, err)
	}
	if _, err := s.w.Write(append(line, '\n')); err != nil {
		return stats.ItemCounts{}, fmt.Errorf("%w: write item %s: %v", fault.ErrLocalWrite, item.Key, err)
	}
	if err := s.w.Flush(); err != nil {
		return stats.ItemCounts{}, fmt.Errorf("%w: flush item %s: %v", fault.ErrLocalWrite, item.Key, err)
	}

	if s.seen[item.Key] {
		return stats.ItemCounts{Updated: 1}, nil
	}
	s.seen[item.Key] = true
	return stats.ItemCounts{Created: 1}, nil
}

func (s *fileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.file.Close()
}

// logObserver logs session progress and item errors.
type logObserver struct {
	logger zerolog.Logger
}

func newLogObserver(logger zerolog.Logger) *logObserver {
	return &logObserver{logger: logger}
}

func (o *logObserver) Progress(processed, total int, phase importer.Phase, detail string) {
	o.logger.Info().
		Int("processed", processed).
		Int("total", total).
		Str("phase", string(phase)).
		Str("detail", detail).
		Msg("Session progress")
}

func (o *logObserver) ItemError(itemKey, message string) {
	o.logger.Warn().
		Str("item_key", itemKey).
		Str("message", message).
		Msg("Item failed")
}

func intParam(r *http.Request, name string, fallback int) int {
	if value := r.URL.Query().Get(name); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
