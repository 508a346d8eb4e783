package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/callbridge/internal/calllog"
	"github.com/ent0n29/callbridge/internal/config"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/policy"
	"github.com/ent0n29/callbridge/internal/relay"
	"github.com/ent0n29/callbridge/internal/session"
	"github.com/ent0n29/callbridge/internal/tools"
)

// Dialer opens the AI leg of a call. *realtime.Dialer satisfies it.
type Dialer interface {
	Dial(ctx context.Context) (*websocket.Conn, error)
}

// CallRunner relays one call. *relay.Relay satisfies it.
type CallRunner interface {
	Run(ctx context.Context, call relay.Call, telephony, ai relay.Conn) relay.Outcome
}

// ToolCatalog lists the tools advertised to the model.
type ToolCatalog interface {
	Declarations() []tools.Declaration
}

type Deps struct {
	Sessions *session.Manager
	Calls    calllog.Store
	Dialer   Dialer
	Relay    CallRunner
	Tools    ToolCatalog
	Metrics  *observability.Metrics
	Log      *logrus.Entry
}

type Server struct {
	cfg      config.Config
	baseCtx  context.Context
	sessions *session.Manager
	calls    calllog.Store
	dialer   Dialer
	relay    CallRunner
	tools    ToolCatalog
	metrics  *observability.Metrics
	log      *logrus.Entry
	upgrader websocket.Upgrader
	active   sync.WaitGroup
}

// New builds the HTTP surface. Calls in progress are canceled when baseCtx
// is done.
func New(baseCtx context.Context, cfg config.Config, deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		cfg:      cfg,
		baseCtx:  baseCtx,
		sessions: deps.Sessions,
		calls:    deps.Calls,
		dialer:   deps.Dialer,
		relay:    deps.Relay,
		tools:    deps.Tools,
		metrics:  deps.Metrics,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Telephony providers do not send Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/incoming-call", s.handleIncomingCall)
	r.Post("/incoming-call", s.handleIncomingCall)
	r.Get("/media-stream", s.handleMediaStream)

	r.Get("/v1/calls", s.handleListCalls)
	r.Get("/v1/calls/history", s.handleCallHistory)
	r.Get("/v1/calls/{id}", s.handleGetCall)
	r.Get("/v1/calls/{id}/tools", s.handleCallTools)
	r.Get("/v1/tools", s.handleListTools)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

// Wait blocks until every call handled by this server has ended.
func (s *Server) Wait() {
	s.active.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_calls": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.baseCtx.Err() != nil {
		respondError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"active_calls":   s.sessions.ActiveCount(),
		"call_log_mode":  s.callLogMode(),
		"tools_declared": len(s.tools.Declarations()),
	})
}

func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if s.baseCtx.Err() != nil {
		respondError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
		return
	}

	dialStart := time.Now()
	dialCtx, cancelDial := context.WithTimeout(r.Context(), s.cfg.OpenAIDialTimeout)
	aiConn, err := s.dialer.Dial(dialCtx)
	cancelDial()
	if err != nil {
		s.metrics.CountSessionEvent("ai_dial_failed")
		s.metrics.ObserveStageOutcome(observability.StageAIDial, "failed", time.Since(dialStart))
		s.log.WithError(err).Error("realtime dial failed, refusing media stream")
		respondError(w, http.StatusBadGateway, "ai_unavailable", "voice AI endpoint unavailable")
		return
	}
	s.metrics.ObserveStage(observability.StageAIDial, time.Since(dialStart))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = aiConn.Close()
		s.log.WithError(err).Warn("media stream upgrade failed")
		return
	}
	conn.SetReadLimit(1 << 20)

	s.active.Add(1)
	defer s.active.Done()

	sess := s.sessions.Create(r.RemoteAddr)
	log := s.log.WithField("session_id", sess.ID)
	s.audit(log, "record call start", func(ctx context.Context) error {
		return s.calls.CallStarted(ctx, calllog.CallRecord{ID: sess.ID, RemoteAddr: sess.RemoteAddr, StartedAt: sess.StartedAt})
	})
	log.Info("media stream connected")

	// Hijacked connections outlive request cancellation rules, so the call
	// also stops when the server shuts down.
	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()
	stop := context.AfterFunc(r.Context(), cancel)
	defer stop()

	out := s.relay.Run(ctx, relay.Call{ID: sess.ID, Observer: &callObserver{s: s, sessionID: sess.ID, log: log}}, conn, aiConn)

	reason := out.EndedBy
	if out.Kind != "" {
		reason += ":" + out.Kind
	}
	if _, err := s.sessions.End(sess.ID, reason); err != nil {
		log.WithError(err).Warn("end session")
	}
	s.audit(log, "record call end", func(ctx context.Context) error {
		return s.calls.CallEnded(ctx, sess.ID, reason, time.Now())
	})
}

// audit writes to the call log with its own deadline; failures never affect
// the call.
func (s *Server) audit(log *logrus.Entry, what string, fn func(ctx context.Context) error) {
	if s.calls == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.baseCtx), 3*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.WithError(err).Warn(what)
	}
}

type callObserver struct {
	s         *Server
	sessionID string
	log       *logrus.Entry
}

func (o *callObserver) StreamStarted(streamSID, callSID string) {
	if err := o.s.sessions.SetStream(o.sessionID, streamSID, callSID); err != nil {
		o.log.WithError(err).Warn("attach stream to session")
	}
	o.s.audit(o.log, "record stream start", func(ctx context.Context) error {
		return o.s.calls.StreamAttached(ctx, o.sessionID, streamSID, callSID)
	})
}

func (o *callObserver) ToolInvoked(inv relay.ToolInvocation) {
	if err := o.s.sessions.RecordToolCall(o.sessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
		o.log.WithError(err).Warn("count tool call")
	}
	o.s.audit(o.log, "record tool invocation", func(ctx context.Context) error {
		return o.s.calls.ToolInvoked(ctx, calllog.ToolRecord{
			SessionID: o.sessionID,
			CallID:    inv.CallID,
			Tool:      inv.Name,
			Arguments: policy.RedactArguments(inv.Arguments),
			Outcome:   inv.Outcome,
			LatencyMS: inv.Latency.Milliseconds(),
			CreatedAt: inv.At,
		})
	})
}

func (s *Server) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"active": s.sessions.ActiveCount(),
		"calls":  s.sessions.List(),
	})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCallHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	calls, err := s.calls.RecentCalls(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "call_log_unavailable", err.Error())
		return
	}
	if calls == nil {
		calls = []calllog.CallRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"calls": calls})
}

func (s *Server) handleCallTools(w http.ResponseWriter, r *http.Request) {
	records, err := s.calls.ToolHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "call_log_unavailable", err.Error())
		return
	}
	if records == nil {
		records = []calllog.ToolRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"invocations": records})
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	type tool struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Parameters  any    `json:"parameters"`
	}
	decls := s.tools.Declarations()
	out := make([]tool, 0, len(decls))
	for _, d := range decls {
		out = append(out, tool{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
	}
	respondJSON(w, http.StatusOK, map[string]any{"tools": out})
}

func (s *Server) callLogMode() string {
	switch s.calls.(type) {
	case nil:
		return "disabled"
	case *calllog.PostgresStore:
		return "postgres"
	default:
		return "in-memory"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
