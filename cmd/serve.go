package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/ingest"
	"github.com/sells-group/leadflow/internal/metrics"
	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/monitoring"
)

// maxBodyBytes caps webhook request bodies.
const maxBodyBytes = 10 << 20

// retrySchedule drains the classifier retry queue when no new events arrive.
const retrySchedule = "@every 1m"

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server and background ingestion",
	Long: "Serves POST /events and POST /content, health and Prometheus metrics. Also polls " +
		"ingest.poll_source on ingest.poll_schedule, consumes the Kafka topic when configured, syncs the " +
		"Notion calendar and runs monitoring checks.",
	Annotations: map[string]string{validateAnnotation: "serve"},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, true, true)
		if err != nil {
			return err
		}
		defer env.Close()

		sched, err := env.startJobs(ctx)
		if err != nil {
			return err
		}
		defer func() { <-sched.Stop().Done() }()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(env, cfg.Server.APIKey, cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// startJobs schedules feed polling, retry draining and calendar sync, and
// starts the Kafka consumer and monitoring checker. All stop with ctx.
func (e *appEnv) startJobs(ctx context.Context) (*cron.Cron, error) {
	sched := cron.New()

	if _, err := sched.AddFunc(retrySchedule, func() {
		if _, err := e.processEvents(ctx, "retry", nil); err != nil {
			zap.L().Error("retry drain failed", zap.Error(err))
		}
	}); err != nil {
		return nil, eris.Wrap(err, "schedule retry drain")
	}

	if src := cfg.Ingest.PollSource; src != "" {
		poller, err := e.Opener.NewPoller(src, func(ctx context.Context, events []model.EngagementEvent) error {
			_, err := e.processEvents(ctx, "poll", events)
			return err
		})
		if err != nil {
			return nil, configError(err)
		}
		if _, err := sched.AddFunc(cfg.Ingest.PollSchedule, func() {
			if _, err := poller.Poll(ctx); err != nil {
				zap.L().Error("feed poll failed", zap.String("source", poller.Source()), zap.Error(err))
			}
		}); err != nil {
			return nil, configError(eris.Wrapf(err, "ingest.poll_schedule %q", cfg.Ingest.PollSchedule))
		}
		zap.L().Info("polling engagement feed", zap.String("source", src), zap.String("schedule", cfg.Ingest.PollSchedule))
	}

	if cfg.Notion.Token != "" && cfg.Notion.ContentDB != "" {
		notionSrc := initNotionSource(e)
		if _, err := sched.AddFunc(cfg.Ingest.PollSchedule, func() {
			// Recently published pages only; older pages were synced already.
			since := time.Now().UTC().AddDate(0, 0, -cfg.Attribution.WindowDays)
			if _, err := notionSrc.Sync(ctx, since); err != nil {
				zap.L().Error("notion sync failed", zap.Error(err))
			}
		}); err != nil {
			return nil, configError(eris.Wrapf(err, "ingest.poll_schedule %q", cfg.Ingest.PollSchedule))
		}
	}

	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topic != "" {
		src := ingest.NewKafkaSource(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID)
		go func() {
			err := src.Run(ctx, func(ctx context.Context, events []model.EngagementEvent) error {
				_, err := e.processEvents(ctx, "kafka", events)
				return err
			})
			if err != nil {
				zap.L().Error("kafka source stopped", zap.Error(err))
			}
		}()
	}

	checker := monitoring.NewChecker(
		monitoring.NewCollector(e.Store, e.breakers()...),
		e.Alerter,
		cfg.Monitoring,
	)
	go checker.Run(ctx)

	sched.Start()
	return sched, nil
}

// buildRouter wires the HTTP API. An empty apiKey disables authentication of
// the ingest endpoints.
func buildRouter(env *appEnv, apiKey string, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		status := map[string]string{"status": "ok"}
		code := http.StatusOK
		if env != nil {
			if err := env.Store.Ping(req.Context()); err != nil {
				status["status"] = "degraded"
				status["store"] = err.Error()
				code = http.StatusServiceUnavailable
			}
			status["classifier_circuit"] = env.Classifier.Breaker().State().String()
			for _, cb := range env.breakers() {
				status[cb.Dependency()] = cb.State().String()
			}
		}
		respondJSON(w, code, status)
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Use(requireAPIKey(apiKey))
		r.Use(middleware.AllowContentType("application/json", "application/x-ndjson", "text/csv"))

		r.Post("/events", func(w http.ResponseWriter, req *http.Request) {
			if env == nil {
				respondError(w, http.StatusServiceUnavailable, "pipeline not initialized")
				return
			}
			ctx := req.Context()
			batch, err := ingest.DecodeEvents(ctx, http.MaxBytesReader(w, req.Body, maxBodyBytes), bodyFormat(req))
			if err != nil {
				respondError(w, http.StatusBadRequest, err.Error())
				return
			}

			res, err := env.processEvents(ctx, "webhook", batch.Items)
			if err != nil {
				zap.L().Error("webhook events failed", zap.Error(err))
				respondError(w, http.StatusInternalServerError, "processing failed")
				return
			}
			respondJSON(w, http.StatusOK, struct {
				*pipelineResult
				Partial  bool              `json:"partial"`
				Rejected []ingest.Rejected `json:"rejected,omitempty"`
			}{res, res.Partial() || len(batch.Rejected) > 0, batch.Rejected})
		})

		r.Post("/content", func(w http.ResponseWriter, req *http.Request) {
			if env == nil {
				respondError(w, http.StatusServiceUnavailable, "pipeline not initialized")
				return
			}
			ctx := req.Context()
			batch, err := ingest.DecodeContent(ctx, http.MaxBytesReader(w, req.Body, maxBodyBytes), bodyFormat(req))
			if err != nil {
				respondError(w, http.StatusBadRequest, err.Error())
				return
			}

			pieces, res, err := env.Importer.Import(ctx, batch.Items)
			if err != nil {
				zap.L().Error("webhook content failed", zap.Error(err))
				respondError(w, http.StatusInternalServerError, "import failed")
				return
			}
			respondJSON(w, http.StatusOK, struct {
				*ingest.ImportResult
				Content  []model.ContentPiece `json:"content"`
				Rejected []ingest.Rejected    `json:"rejected,omitempty"`
			}{res, pieces, batch.Rejected})
		})
	})

	return r
}

func requireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-API-Key")
			if got == "" {
				got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				respondError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bodyFormat maps the request content type to a feed format. JSON arrays
// and JSON lines both decode as JSON.
func bodyFormat(r *http.Request) ingest.Format {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "text/csv" {
		return ingest.FormatCSV
	}
	return ingest.FormatJSON
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("write response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, code int, msg string) {
	respondJSON(w, code, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
