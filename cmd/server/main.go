package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"robot-orchestrator/internal/command"
	"robot-orchestrator/internal/events"
	"robot-orchestrator/internal/hub"
	"robot-orchestrator/internal/platform/config"
	"robot-orchestrator/internal/platform/logger"
	"robot-orchestrator/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	natsURL := config.GetEnv("NATS_URL", "")
	eventsDB := config.GetEnv("EVENTS_DB", "events.db")

	log := logger.New(logLevel, logFormat)
	met := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := hub.New(logger.Component(log, "hub"), met)
	defer h.Close()

	if natsURL != "" {
		origin := uuid.NewString()
		bus, err := hub.ConnectBus(natsURL, config.GetEnv("NATS_SUBJECT", hub.DefaultSubject), origin, logger.Component(log, "bus"))
		if err != nil {
			log.Warn("shared bus unavailable, running local-only fan-out", "error", err)
		} else if err := h.AttachBus(bus); err != nil {
			log.Warn("bus subscribe failed, running local-only fan-out", "error", err)
			bus.Close()
		} else {
			log.Info("shared bus attached", "url", natsURL, "origin", origin)
		}
	}

	var sink events.Sink
	sqlSink, err := events.OpenSQLiteSink(ctx, eventsDB)
	if err != nil {
		log.Warn("event database unavailable, using in-memory sink", "error", err)
		sink = events.NewMemorySink()
	} else {
		defer sqlSink.Close()
		sink = sqlSink
	}

	flushInterval := config.GetEnvDuration("EVENT_FLUSH_INTERVAL", events.DefaultFlushInterval)
	buffer := events.NewBuffer(sink, flushInterval, logger.Component(log, "events"), met)
	go buffer.Run(ctx)

	matcher := events.NewMatcher(events.DefaultPatterns())
	pipeline := events.NewPipeline(buffer, matcher, sink, h, logger.Component(log, "events"), met)
	eventsHandler := events.NewHandler(pipeline, log)

	execCfg := command.DefaultConfig()
	execCfg.PollInterval = config.GetEnvDuration("EXECUTOR_POLL_INTERVAL", execCfg.PollInterval)
	execCfg.CommandTimeout = config.GetEnvDuration("COMMAND_TIMEOUT", execCfg.CommandTimeout)
	execCfg.PreemptTimeout = config.GetEnvDuration("PREEMPT_TIMEOUT", execCfg.PreemptTimeout)
	execCfg.ConfidenceThreshold = config.GetEnvFloat("CONFIDENCE_THRESHOLD", execCfg.ConfidenceThreshold)
	execCfg.DetectRetries = config.GetEnvInt("DETECT_RETRIES", execCfg.DetectRetries)
	execCfg.Retention = config.GetEnvInt("COMMAND_RETENTION", execCfg.Retention)

	caps := command.NewSimCapabilities()
	orch := command.NewOrchestrator(execCfg, caps, h, logger.Component(log, "executor"), met)
	commandHandler := command.NewHandler(orch, log)
	sse := hub.NewSSEHandler(h, logger.Component(log, "sse"))

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSubscribers(h.SubscriberCount()) }).ServeHTTP(w, r)
	})
	r.Route("/commands", func(r chi.Router) {
		r.Post("/", commandHandler.Accept)
		r.Get("/events", sse.ServeHTTP)
		r.Get("/{request_id}/status", commandHandler.Status)
	})
	r.Route("/actions", func(r chi.Router) {
		r.Post("/dispense", commandHandler.Dispense)
		r.Post("/speak", commandHandler.Speak)
	})
	r.Post("/detections", eventsHandler.IngestDetection)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"events_db", eventsDB,
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	cancel()
	buffer.Flush(context.Background())

	log.Info("server stopped")
}
