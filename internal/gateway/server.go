package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"livetail/internal/config"
	"livetail/internal/logging"
	"livetail/internal/tail"
	"livetail/internal/view"
)

// Streams is the subset of tail.Manager the gateway serves.
type Streams interface {
	Get(streamID string) (*tail.Handle, bool)
	List() []*tail.Handle
}

// Options configures a Server.
type Options struct {
	Bind string
	// AllowedOrigins are host patterns accepted for cross-origin WebSocket
	// upgrades, for example "localhost:*".
	AllowedOrigins []string
	// Token, when set, is required as a bearer token.
	Token string
	// Gatherer backs GET /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Projector returns the row projection of a stream. Nil projects
	// messages from the raw payload.
	Projector func(streamID string) view.Projector
	Logger    *slog.Logger
	// SendQueue bounds the frames buffered per WebSocket client.
	SendQueue int
	// WriteTimeout bounds each WebSocket frame write.
	WriteTimeout time.Duration
	// PingInterval is the WebSocket heartbeat period.
	PingInterval time.Duration
}

// OptionsFromConfig maps the [gateway] section and stream field paths.
func OptionsFromConfig(cfg *config.Config) Options {
	projectors := make(map[string]view.Projector, len(cfg.Streams))
	for _, s := range cfg.Streams {
		projectors[s.ID] = view.NewProjector(s)
	}
	return Options{
		Bind:           cfg.Gateway.Bind,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		Token:          cfg.Gateway.Token,
		Projector: func(streamID string) view.Projector {
			return projectors[streamID]
		},
	}
}

const (
	defaultSendQueue    = 256
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 30 * time.Second
)

// Server serves the gateway endpoints.
type Server struct {
	opts    Options
	streams Streams
	logger  *slog.Logger
	handler http.Handler

	listener net.Listener
	server   *http.Server
}

// New builds a server. Call Start to listen, or mount Handler directly.
func New(streams Streams, opts Options) *Server {
	if opts.SendQueue <= 0 {
		opts.SendQueue = defaultSendQueue
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	s := &Server{
		opts:    opts,
		streams: streams,
		logger:  logging.NewComponentLogger(opts.Logger, "gateway"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/streams", s.handleStreams)
	mux.HandleFunc("/api/streams/", s.handleStream)
	if opts.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	s.handler = authMiddleware(opts.Token, mux)
	return s
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start listens on the configured bind address and serves until ctx ends or
// Stop is called.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Bind)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway server error", logging.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("gateway listening", logging.String("address", listener.Addr().String()))
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the listener down, waiting briefly for requests to finish.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	handles := s.streams.List()
	statuses := make([]tail.Status, 0, len(handles))
	for _, h := range handles {
		statuses = append(statuses, h.Status())
	}
	s.writeJSON(w, http.StatusOK, StreamsResponse{Streams: statuses})
}

// actions maps POST path suffixes to handle commands.
var actions = map[string]func(*tail.Handle) error{
	"pause":   (*tail.Handle).Pause,
	"resume":  (*tail.Handle).Resume,
	"start":   (*tail.Handle).Start,
	"refresh": (*tail.Handle).Refresh,
	"reset":   (*tail.Handle).Reset,
	"clear":   (*tail.Handle).Clear,
}

// handleStream routes /api/streams/{id}[/{action}]. Stream IDs contain
// slashes, so a trailing segment is an action only when it names one.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/streams/"), "/")
	streamID, action := rest, ""
	if i := strings.LastIndex(rest, "/"); i > 0 {
		suffix := rest[i+1:]
		if _, ok := actions[suffix]; ok || suffix == "snapshot" || suffix == "ws" {
			streamID, action = rest[:i], suffix
		}
	}
	if streamID == "" {
		s.writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	h, ok := s.streams.Get(streamID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "stream not found")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.writeJSON(w, http.StatusOK, h.Status())
	case "snapshot":
		if r.Method != http.MethodGet {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleSnapshot(w, r, h)
	case "ws":
		s.handleWS(w, r, h)
	default:
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if err := actions[action](h); err != nil {
			if errors.Is(err, tail.ErrClosed) {
				s.writeError(w, http.StatusConflict, err.Error())
				return
			}
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.logger.Info("stream command",
			logging.String(logging.FieldStreamID, streamID),
			logging.String("action", action),
		)
		s.writeJSON(w, http.StatusAccepted, h.Status())
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request, h *tail.Handle) {
	query := r.URL.Query()
	filter := view.Filter{Text: query.Get("filter")}
	for _, value := range query["level"] {
		for _, level := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(level); trimmed != "" {
				filter.Levels = append(filter.Levels, trimmed)
			}
		}
	}
	records, version := h.View()
	s.writeJSON(w, http.StatusOK, SnapshotResponse{
		StreamID: h.StreamID(),
		Version:  version,
		State:    h.State(),
		Total:    len(records),
		Rows:     toRows(s.projector(h.StreamID()), records, filter.Compile()),
	})
}

func (s *Server) projector(streamID string) view.Projector {
	if s.opts.Projector == nil {
		return view.Projector{}
	}
	return s.opts.Projector(streamID)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
