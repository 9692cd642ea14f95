package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/companion/internal/backend"
	"github.com/ent0n29/companion/internal/config"
	"github.com/ent0n29/companion/internal/integrations"
	"github.com/ent0n29/companion/internal/observability"
	"github.com/ent0n29/companion/internal/session"
	"github.com/ent0n29/companion/internal/voice"
)

// Voice is the controller of the local voice loop.
type Voice interface {
	Start(ctx context.Context) error
	Mute() error
	Unmute() error
	SetSpeechEnabled(enabled bool)
	SpeechEnabled() bool
	Snapshot() voice.Snapshot
	SubmitText(ctx context.Context, text string) (backend.ChatExchange, error)
}

// Backend is the subset of the companion backend exposed over HTTP.
type Backend interface {
	ChatHistory(ctx context.Context) ([]backend.HistoryEntry, error)
	EmotionalStatus(ctx context.Context) (backend.EmotionalStatus, error)
	ListTasks(ctx context.Context) ([]backend.Task, error)
	CreateTask(ctx context.Context, t backend.NewTask) (backend.TaskResult, error)
	CompleteTask(ctx context.Context, id string) (backend.TaskResult, error)
	DeleteTask(ctx context.Context, id string) (backend.TaskResult, error)
	ScheduleTask(ctx context.Context, id string, s backend.TaskSchedule) (backend.TaskResult, error)
	ExportData(ctx context.Context) (json.RawMessage, error)
	ImportData(ctx context.Context, filename string, r io.Reader) (string, error)
	SendAudio(ctx context.Context, pcm []byte, sampleRate int) (backend.AudioReply, error)
}

// Bridge serves the browser page that hosts the speech devices.
type Bridge interface {
	Serve(ctx context.Context, conn *websocket.Conn, remoteAddr, userAgent string) error
	Attached() bool
}

type Transcript interface {
	Recent(limit int) []backend.ChatExchange
}

type Integrations interface {
	Status() integrations.Status
	Refresh(ctx context.Context) (integrations.Status, error)
}

// Deps are the collaborators behind the routes. Nil members disable their
// routes with 501.
type Deps struct {
	Voice        Voice
	Backend      Backend
	Bridge       Bridge
	Pages        *session.Registry
	Transcript   Transcript
	Integrations Integrations
	Emotions     voice.EmotionTable
}

type Server struct {
	cfg      config.Config
	deps     Deps
	logger   *zap.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps, logger *zap.Logger, metrics *observability.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.Named("httpapi"),
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only the same origin may drive the microphone unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
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
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Delete("/v1/perf/latency", s.handleResetPerfLatency)

	r.Route("/v1/voice", func(r chi.Router) {
		r.Use(s.require(s.deps.Voice != nil, "voice"))
		r.Get("/state", s.handleVoiceState)
		r.Post("/start", s.handleVoiceStart)
		r.Post("/mute", s.handleVoiceMute)
		r.Post("/unmute", s.handleVoiceUnmute)
		r.Post("/tts", s.handleVoiceTTS)
		r.Get("/emotions", s.handleEmotions)
	})
	r.With(s.require(s.deps.Voice != nil, "voice")).Post("/v1/chat", s.handleChat)
	r.With(s.require(s.deps.Backend != nil, "backend")).Post("/v1/chat/audio", s.handleChatAudio)
	r.With(s.require(s.deps.Transcript != nil, "transcript")).Get("/v1/transcript", s.handleTranscript)

	r.Route("/v1/integrations", func(r chi.Router) {
		r.Use(s.require(s.deps.Integrations != nil, "integrations"))
		r.Get("/", s.handleIntegrations)
		r.Post("/refresh", s.handleRefreshIntegrations)
	})

	r.Route("/v1/bridge", func(r chi.Router) {
		r.Use(s.require(s.deps.Bridge != nil, "bridge"))
		r.Get("/ws", s.handleBridgeWS)
		r.Get("/pages", s.handleBridgePages)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.require(s.deps.Backend != nil, "backend"))
		r.Get("/v1/tasks", s.handleListTasks)
		r.Post("/v1/tasks", s.handleCreateTask)
		r.Post("/v1/tasks/{id}/complete", s.handleCompleteTask)
		r.Delete("/v1/tasks/{id}", s.handleDeleteTask)
		r.Post("/v1/tasks/{id}/schedule", s.handleScheduleTask)
		r.Get("/v1/history", s.handleHistory)
		r.Get("/v1/emotional-status", s.handleEmotionalStatus)
		r.Get("/v1/data/export", s.handleExport)
		r.Post("/v1/data/import", s.handleImport)
	})

	return r
}

func (s *Server) require(ok bool, name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if ok {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			respondError(w, http.StatusNotImplemented, "unavailable", name+" not configured")
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"device_mode": s.cfg.DeviceMode,
	})
}

// handleReady reports not ready while the voice loop has halted.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ready"}
	status := http.StatusOK
	if s.deps.Bridge != nil {
		body["bridge_attached"] = s.deps.Bridge.Attached()
	}
	if s.deps.Voice != nil {
		snap := s.deps.Voice.Snapshot()
		body["voice_state"] = snap.State
		if snap.State == voice.StateError {
			body["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	respondJSON(w, status, body)
}

type voiceStateResponse struct {
	voice.Snapshot
	TTS bool `json:"tts"`
}

func (s *Server) voiceState() voiceStateResponse {
	return voiceStateResponse{Snapshot: s.deps.Voice.Snapshot(), TTS: s.deps.Voice.SpeechEnabled()}
}

func (s *Server) handleVoiceState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.voiceState())
}

func (s *Server) handleVoiceStart(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Voice.Start(r.Context()); err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.voiceState())
}

func (s *Server) handleVoiceMute(w http.ResponseWriter, _ *http.Request) {
	if err := s.deps.Voice.Mute(); err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.voiceState())
}

func (s *Server) handleVoiceUnmute(w http.ResponseWriter, _ *http.Request) {
	if err := s.deps.Voice.Unmute(); err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.voiceState())
}

type ttsRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleVoiceTTS(w http.ResponseWriter, r *http.Request) {
	var req ttsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Enabled == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "enabled is required")
		return
	}
	s.deps.Voice.SetSpeechEnabled(*req.Enabled)
	respondJSON(w, http.StatusOK, s.voiceState())
}

func (s *Server) handleEmotions(w http.ResponseWriter, _ *http.Request) {
	table := s.deps.Emotions
	if table == nil {
		table = voice.DefaultEmotionTable()
	}
	respondJSON(w, http.StatusOK, map[string]any{"emotions": table})
}

type chatRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	ex, err := s.deps.Voice.SubmitText(r.Context(), req.Message)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ex)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	respondJSON(w, http.StatusOK, map[string]any{"exchanges": s.deps.Transcript.Recent(limit)})
}

func (s *Server) handleIntegrations(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Integrations.Status())
}

func (s *Server) handleRefreshIntegrations(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Integrations.Refresh(r.Context())
	switch {
	case errors.Is(err, integrations.ErrRateLimited):
		w.Header().Set("Retry-After", "5")
		respondJSON(w, http.StatusTooManyRequests, status)
	case err != nil:
		respondJSON(w, http.StatusBadGateway, status)
	default:
		respondJSON(w, http.StatusOK, status)
	}
}

func (s *Server) handleBridgeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if err := s.deps.Bridge.Serve(r.Context(), conn, r.RemoteAddr, r.UserAgent()); err != nil {
		s.logger.Warn("bridge connection ended with error", zap.Error(err))
	}
}

func (s *Server) handleBridgePages(w http.ResponseWriter, _ *http.Request) {
	pages := []*session.Page{}
	if s.deps.Pages != nil {
		pages = s.deps.Pages.List()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"attached": s.deps.Bridge.Attached(),
		"pages":    pages,
	})
}

// respondFailure maps voice and backend errors onto HTTP statuses.
func (s *Server) respondFailure(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, backend.ErrEmptyMessage):
		status, code = http.StatusBadRequest, "empty_message"
	case errors.Is(err, backend.ErrInvalidTaskID):
		status, code = http.StatusBadRequest, "invalid_task_id"
	case errors.Is(err, voice.ErrTurnQueueFull):
		status, code = http.StatusTooManyRequests, "busy"
	case errors.Is(err, voice.ErrPermissionDenied):
		status, code = http.StatusForbidden, "permission_denied"
	case errors.Is(err, voice.ErrDeviceUnavailable):
		status, code = http.StatusServiceUnavailable, "device_unavailable"
	case errors.Is(err, voice.ErrSessionClosed):
		status, code = http.StatusServiceUnavailable, "session_closed"
	case errors.Is(err, backend.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "backend_timeout"
	case errors.Is(err, backend.ErrServerError),
		errors.Is(err, backend.ErrInvalidResponse),
		errors.Is(err, backend.ErrRequestFailed):
		status, code = http.StatusBadGateway, "backend_error"
	case errors.Is(err, context.Canceled):
		status, code = http.StatusServiceUnavailable, "cancelled"
	}
	if status >= 500 {
		s.logger.Warn("request failed", zap.Int("status", status), zap.Error(err))
	}
	respondError(w, status, code, err.Error())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
