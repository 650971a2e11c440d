package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reliefops/relief-engine/internal/allocate"
	"github.com/reliefops/relief-engine/internal/engine"
	"github.com/reliefops/relief-engine/internal/feed"
	"github.com/reliefops/relief-engine/internal/model"
	"github.com/reliefops/relief-engine/internal/monitoring"
	"github.com/reliefops/relief-engine/internal/predict"
	"github.com/reliefops/relief-engine/internal/priority"
	"github.com/reliefops/relief-engine/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API with background prediction, feed, and health loops",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		matcher, err := initMatcher()
		if err != nil {
			return err
		}
		regions, err := initRegions()
		if err != nil {
			return err
		}

		recalc := priority.NewRecalculator(st, matcher)
		manager := allocate.NewManager(st)
		cycle := predict.NewCycle(st, matcher, regions)

		var loader *feed.Loader
		if cfg.Feed.URL != "" {
			source, err := feed.NewSource(cfg.Feed.URL, time.Duration(cfg.Feed.TimeoutSecs)*time.Second)
			if err != nil {
				return err
			}
			loader = feed.NewLoader(source, st)
			go func() {
				_ = loader.RefreshLoop(ctx, time.Duration(cfg.Feed.IntervalSecs)*time.Second)
			}()
		}

		if cfg.Predict.Enabled {
			go func() {
				_ = cycle.RunLoop(ctx, time.Duration(cfg.Predict.IntervalSecs)*time.Second)
			}()
		}

		var feedHealth monitoring.FeedHealth
		if loader != nil {
			feedHealth = loader
		}
		collector := monitoring.NewCollector(st, feedHealth)
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
		go checker.Run(ctx)

		r := newRouter(st, recalc, manager, cycle, collector)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			_ = srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func newRouter(st store.Store, recalc *priority.Recalculator, manager *allocate.Manager,
	cycle *predict.Cycle, collector *monitoring.Collector) chi.Router {

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Idempotency-Key"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := st.Ping(req.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/requests", func(w http.ResponseWriter, req *http.Request) {
		var in model.RescueRequest
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		created, err := st.CreateRequest(req.Context(), &in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	})

	r.Get("/requests", func(w http.ResponseWriter, req *http.Request) {
		filter := store.RequestFilter{OrderByCriticality: true, Limit: 200}
		if s := req.URL.Query().Get("status"); s != "" {
			filter.Status = model.RequestStatus(s)
		}
		requests, err := st.ListRequests(req.Context(), filter)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
	})

	r.Get("/requests/{id}/score", func(w http.ResponseWriter, req *http.Request) {
		result, err := recalc.ScoreRequest(req.Context(), chi.URLParam(req, "id"), false)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	r.Post("/requests/{id}/recalculate", func(w http.ResponseWriter, req *http.Request) {
		result, err := recalc.ScoreRequest(req.Context(), chi.URLParam(req, "id"), true)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	r.Get("/requests/{id}/recommendation", func(w http.ResponseWriter, req *http.Request) {
		rec, err := st.GetActiveSuggestion(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if rec == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active suggestion"})
			return
		}
		writeJSON(w, http.StatusOK, rec)
	})

	r.Post("/recalculate", func(w http.ResponseWriter, req *http.Request) {
		stats, err := recalc.Run(req.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})

	r.Post("/allocations/apply", func(w http.ResponseWriter, req *http.Request) {
		var in allocate.ApplyInput
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if key := req.Header.Get("Idempotency-Key"); key != "" {
			in.IdempotencyKey = key
		}
		result, err := manager.Apply(req.Context(), in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	r.Post("/requests/{id}/apply", func(w http.ResponseWriter, req *http.Request) {
		var in struct {
			ActorID int    `json:"actor_id"`
			Note    string `json:"note,omitempty"`
		}
		if req.Body != nil {
			_ = json.NewDecoder(req.Body).Decode(&in)
		}
		result, err := manager.ApplyForRequest(req.Context(), chi.URLParam(req, "id"),
			in.ActorID, req.Header.Get("Idempotency-Key"), in.Note)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	r.Post("/recommendations/{id}/dismiss", func(w http.ResponseWriter, req *http.Request) {
		if err := manager.Dismiss(req.Context(), chi.URLParam(req, "id")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
	})

	r.Post("/predict/run", func(w http.ResponseWriter, req *http.Request) {
		run, err := cycle.RunOnce(req.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		snap, err := collector.Collect(req.Context(), cfg.Monitoring.LookbackWindowHours)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the engine error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case engine.IsValidation(err):
		status = http.StatusBadRequest
	case engine.IsNotFound(err):
		status = http.StatusNotFound
	case engine.IsInsufficientStock(err), engine.IsConflict(err):
		status = http.StatusConflict
	case engine.IsDependencyUnavailable(err):
		status = http.StatusServiceUnavailable
	case eris.Is(err, predict.ErrCycleBusy):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		zap.L().Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
