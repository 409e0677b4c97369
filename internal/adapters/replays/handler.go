package replays

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"replaycore/internal/core"
)

const (
	apiPrefix    = "/api/v1"
	maxBodyBytes = 32 << 20
)

// Subscriber hands out notification streams. *core.Broadcaster satisfies it.
type Subscriber interface {
	Subscribe(buffer int) (<-chan core.Notification, func())
}

// Handler serves the replay API, the websocket endpoint, health and metrics.
type Handler struct {
	Engine  Engine
	Events  Subscriber
	Metrics http.Handler
	Logger  *slog.Logger

	// SocketBuffer sizes each websocket client's notification queue.
	SocketBuffer int

	upgrader websocket.Upgrader
}

// NewHandler constructs a replay HTTP handler.
func NewHandler(e Engine, events Subscriber, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		Engine:       e,
		Events:       events,
		Logger:       logger,
		SocketBuffer: 256,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Engine == nil {
		writeError(w, http.StatusInternalServerError, "replay engine not configured")
		return
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/healthz":
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	case path == "/metrics":
		if h.Metrics == nil {
			http.NotFound(w, r)
			return
		}
		h.Metrics.ServeHTTP(w, r)
	case path == "/ws":
		h.serveSocket(w, r)
	case strings.HasPrefix(path, apiPrefix+"/"):
		h.route(w, r, strings.TrimPrefix(path, apiPrefix))
	default:
		http.NotFound(w, r)
	}
}

// route maps method and path onto a command plus its JSON arguments.
func (h *Handler) route(w http.ResponseWriter, r *http.Request, path string) {
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	method := r.Method
	switch {
	case path == "/status" && method == http.MethodGet:
		h.run(w, r, CmdStatus, nil)
	case path == "/recording/start" && method == http.MethodPost:
		h.run(w, r, CmdStartRecording, nil)
	case path == "/recording/stop" && method == http.MethodPost:
		h.run(w, r, CmdStopRecording, nil)
	case path == "/recording/steps" && method == http.MethodPost:
		h.runBody(w, r, CmdRecordStep, nil)
	case path == "/replays" && method == http.MethodGet:
		h.run(w, r, CmdListReplays, nil)
	case path == "/replays" && method == http.MethodPost:
		h.runBody(w, r, CmdSaveReplay, nil)
	case len(segments) == 2 && segments[0] == "replays" && method == http.MethodDelete:
		h.run(w, r, CmdDeleteReplay, map[string]any{"filename": segments[1]})
	case len(segments) == 3 && segments[0] == "replays" && segments[2] == "load" && method == http.MethodPost:
		args := map[string]any{"filename": segments[1]}
		if bg := r.URL.Query().Get("background"); bg != "" {
			args["background"] = bg == "true"
		}
		h.runBody(w, r, CmdLoadReplay, args)
	case len(segments) == 3 && segments[0] == "replays" && segments[2] == "objects" && method == http.MethodGet:
		h.run(w, r, CmdGetReplayObjects, map[string]any{"filename": segments[1]})
	case len(segments) == 3 && segments[0] == "replays" && segments[2] == "url" && method == http.MethodGet:
		h.run(w, r, CmdReplayLink, map[string]any{"filename": segments[1]})
	case len(segments) == 3 && segments[0] == "replays" && segments[2] == "objects" && method == http.MethodPut:
		h.runBody(w, r, CmdSaveReplayObjects, map[string]any{"filename": segments[1]})
	case path == "/screens/preload" && method == http.MethodPost:
		h.runBody(w, r, CmdPreloadScreens, nil)
	case len(segments) == 2 && segments[0] == "screens" && method == http.MethodGet:
		h.run(w, r, CmdGetScreen, map[string]any{"screenId": segments[1]})
	case path == "/playback/start" && method == http.MethodPost:
		h.runBody(w, r, CmdStartReplay, nil)
	case path == "/playback/stop" && method == http.MethodPost:
		h.run(w, r, CmdStopReplay, nil)
	case path == "/playback/speed" && method == http.MethodPut:
		h.runBody(w, r, CmdSetReplaySpeed, nil)
	case path == "/training/memory" && method == http.MethodPost:
		h.run(w, r, CmdReplayToMemory, nil)
	case path == "/training/start" && method == http.MethodPost:
		h.runBody(w, r, CmdStartTraining, nil)
	case path == "/training/stop" && method == http.MethodPost:
		h.run(w, r, CmdStopTraining, nil)
	case path == "/training/runs" && method == http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		h.run(w, r, CmdTrainingRuns, map[string]any{"limit": limit})
	default:
		writeError(w, http.StatusNotFound, "endpoint not found")
	}
}

// runBody merges the request body with path-derived arguments; path wins.
func (h *Handler) runBody(w http.ResponseWriter, r *http.Request, cmd string, fromPath map[string]any) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(fromPath) == 0 {
		h.exec(w, r, cmd, body)
		return
	}
	args := map[string]any{}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &args); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
			return
		}
	}
	for k, v := range fromPath {
		args[k] = v
	}
	h.run(w, r, cmd, args)
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request, cmd string, args map[string]any) {
	var raw []byte
	if args != nil {
		raw, _ = json.Marshal(args)
	}
	h.exec(w, r, cmd, raw)
}

func (h *Handler) exec(w http.ResponseWriter, r *http.Request, cmd string, raw []byte) {
	result, err := dispatch(r.Context(), h.Engine, cmd, raw)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.Logger.Error("replay command failed", "command", cmd, "error", err)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
