package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/capability"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// transcriptStream keeps published transcripts for late subscribers.
const transcriptStream = "STT_TRANSCRIPTS"

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	metricsSrv  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	engine   stt.Engine
	service  *stt.Service
	registry *capability.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up, serves until ctx is done and then shuts
// down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.shutdown()

	if err := r.startComponents(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("GET /sessions/{id}/transcripts", r.handleTranscripts)
	mux.HandleFunc("GET /decoders", r.handleDecoders)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsSrv = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsSrv, "metrics")
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runPrune(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("metrics", r.cfg.Telemetry.PrometheusBind))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	maxAge := time.Duration(r.cfg.EventStore.RetentionDays) * 24 * time.Hour
	subjects := []string{protocol.SubjectTranscriptPartial, protocol.SubjectTranscriptFinal}
	if err := r.bus.EnsureStream(transcriptStream, subjects, maxAge); err != nil {
		r.logger.Warn("transcripts will not be retained on the bus", slog.String("error", err.Error()))
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	r.engine, err = stt.NewEngine(r.cfg.STT, r.cfg.Audio.TargetSampleRate, r.logger)
	if err != nil {
		return err
	}
	orch, err := stt.NewOrchestrator(r.engine, stt.OrchestratorConfigFrom(r.cfg.STT), r.logger)
	if err != nil {
		return &stt.ConfigurationError{Op: "decode mode", Err: err}
	}

	r.service = stt.NewService(ctx, r.cfg, r.bus, orch, r.store, r.logger)
	if err := r.service.Start(); err != nil {
		return err
	}

	local := []capability.Capability{capability.Decode(orch.Mode().String(), r.cfg.STT.Engine, r.engine.SampleRate())}
	r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, local, r.bus, r.logger)
	if err != nil {
		return err
	}
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

// runPrune applies event store retention once an hour.
func (r *Runtime) runPrune(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruneCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if err := r.store.Prune(pruneCtx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	for _, srv := range []*http.Server{r.httpServer, r.metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.service != nil {
		r.service.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.engine != nil {
		if err := r.engine.Close(); err != nil {
			r.logger.Error("stt engine close error", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.service.Healthy() && r.registry.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type transcriptView struct {
	Kind       string          `json:"kind"`
	Text       string          `json:"text"`
	Confidence float64         `json:"confidence,omitempty"`
	Partials   int             `json:"partials,omitempty"`
	AudioMS    int64           `json:"audio_ms,omitempty"`
	DecodeMS   int64           `json:"decode_ms,omitempty"`
	Document   json.RawMessage `json:"document,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (r *Runtime) handleTranscripts(w http.ResponseWriter, req *http.Request) {
	limit := 100
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := r.store.ListTranscripts(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		r.logger.Warn("list transcripts failed", slog.String("error", err.Error()))
		http.Error(w, "event store unavailable", http.StatusInternalServerError)
		return
	}
	views := make([]transcriptView, 0, len(entries))
	for _, e := range entries {
		views = append(views, transcriptView{
			Kind:       e.Kind,
			Text:       e.Text,
			Confidence: e.Confidence,
			Partials:   e.Partials,
			AudioMS:    e.AudioMS,
			DecodeMS:   e.DecodeMS,
			Document:   json.RawMessage(e.Payload),
			CreatedAt:  e.CreatedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}

// handleDecoders lists healthy decoder nodes, optionally only those running
// the given mode.
func (r *Runtime) handleDecoders(w http.ResponseWriter, req *http.Request) {
	filter := capability.WithCapabilityFilter(capability.DecodeCapability)
	if mode := req.URL.Query().Get("mode"); mode != "" {
		m, err := stt.ParseDecodeMode(mode)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter = capability.WithAttributeFilter(capability.DecodeCapability, "mode", m.String())
	}
	nodes := r.registry.Query(func(n capability.NodeInfo) bool { return n.Healthy && filter(n) })
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	if nodes == nil {
		nodes = []capability.NodeInfo{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(nodes)
}
