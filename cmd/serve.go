package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/wealth-intel/internal/metrics"
	"github.com/sells-group/wealth-intel/internal/model"
	"github.com/sells-group/wealth-intel/internal/monitoring"
	"github.com/sells-group/wealth-intel/internal/store"
)

var servePort int

// runner executes one pipeline run.
type runner interface {
	Run(ctx context.Context) (*model.RunVerdict, error)
}

// verdictReader is the slice of the store the API reads from.
type verdictReader interface {
	Ping(ctx context.Context) error
	ListRunVerdicts(ctx context.Context, filter store.VerdictFilter) ([]model.RunVerdict, error)
}

// apiServer serves health, metrics, run triggers and verdict history.
// At most one run is in flight at a time.
type apiServer struct {
	base    context.Context
	runner  runner
	store   verdictReader
	running atomic.Bool
	wg      sync.WaitGroup
	log     *zap.Logger
}

func newAPIServer(base context.Context, r runner, st verdictReader, log *zap.Logger) *apiServer {
	return &apiServer{base: base, runner: r, store: st, log: log}
}

func (s *apiServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Post("/runs", s.handleTriggerRun)
	r.Get("/verdicts", s.handleListVerdicts)
	return r
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *apiServer) handleTriggerRun(w http.ResponseWriter, _ *http.Request) {
	if !s.running.CompareAndSwap(false, true) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "a run is already in progress"})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)

		verdict, err := s.runner.Run(s.base)
		if err != nil {
			s.log.Error("triggered run failed", zap.Error(err))
			return
		}
		s.log.Info("triggered run complete",
			zap.String("run_id", verdict.RunID),
			zap.Int("events", verdict.Stats.EventsSynthesized),
			zap.Float64("cost_usd", verdict.Cost.TotalUSD),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *apiServer) handleListVerdicts(w http.ResponseWriter, r *http.Request) {
	filter := store.VerdictFilter{Limit: 20}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = n
	}
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be RFC3339"})
			return
		}
		filter.Since = t
	}

	verdicts, err := s.store.ListRunVerdicts(r.Context(), filter)
	if err != nil {
		s.log.Error("list verdicts", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list verdicts"})
		return
	}
	if verdicts == nil {
		verdicts = []model.RunVerdict{}
	}
	writeJSON(w, http.StatusOK, verdicts)
}

// wait blocks until any triggered run has finished.
func (s *apiServer) wait() { s.wg.Wait() }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server for triggering runs and reading verdicts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		log := zap.L()
		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(env.Store),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
				log,
			)
			go checker.Run(ctx)
		}

		api := newAPIServer(ctx, env.Pipeline, env.Store, log)
		defer api.wait()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           api.routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			log.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		log.Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
