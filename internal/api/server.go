package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/plrelay/backend/internal/config"
	"github.com/plrelay/backend/internal/job"
	"github.com/plrelay/backend/internal/progress"
	"github.com/plrelay/backend/internal/session"
	"github.com/plrelay/backend/internal/ws"
	"github.com/plrelay/backend/internal/ytdlp"
	"github.com/rs/zerolog"
)

// SessionHeader carries the id of the session a /download stream belongs to.
const SessionHeader = "X-Session-ID"

type Server struct {
	config         config.ServerConfig
	service        *job.Service
	broadcaster    *ws.Broadcaster
	ui             http.Handler
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	log            zerolog.Logger
}

// NewServer wires the HTTP surface. broadcaster and ui may be nil, which
// disables /ws and the demo page respectively.
func NewServer(cfg config.ServerConfig, service *job.Service, broadcaster *ws.Broadcaster, ui http.Handler, logger zerolog.Logger) *Server {
	s := &Server{
		config:         cfg,
		service:        service,
		broadcaster:    broadcaster,
		ui:             ui,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		log:            logger.With().Str("component", "http").Logger(),
	}

	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /download", s.handleDownload)
	mux.HandleFunc("POST /cancel/{session_id}", s.handleCancel)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	if s.broadcaster != nil {
		mux.HandleFunc("GET /ws", s.handleWS)
	}
	if s.config.ServeUI && s.ui != nil {
		s.log.Info().Msg("serving embedded frontend")
		mux.Handle("GET /", s.ui)
	}
}

// Handler returns the routed mux wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return s.recoverer(s.requestLogger(securityHeaders(s.cors(mux))))
}

// HTTPServer returns a server for addr. There is no write timeout: download
// streams live as long as the playlist takes.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	playlistURL := q.Get("playlist_url")
	if len(playlistURL) < ytdlp.MinURLLength {
		writeDetail(w, http.StatusUnprocessableEntity, "playlist_url must be at least 10 characters")
		return
	}
	formatParam := q.Get("format")
	if _, err := ytdlp.ParseFormat(formatParam); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "format must be one of: mp4, mp3")
		return
	}

	id := s.service.NewSessionID()
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set(SessionHeader, id)
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		s.log.Warn().Err(err).Msg("response does not support flushing")
	}

	emit := func(ev progress.Event) error {
		if _, err := ev.WriteTo(w); err != nil {
			return err
		}
		return rc.Flush()
	}

	req := job.Request{ID: id, URL: playlistURL, Format: formatParam}
	if err := s.service.Run(r.Context(), req, emit); err != nil {
		s.log.Debug().Err(err).Str("session_id", id).Msg("download ended without completing")
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session_id")

	err := s.service.Cancel(id)
	if errors.Is(err, session.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		// The session is removed either way; the process may linger.
		s.log.Warn().Err(err).Str("session_id", id).Msg("cancel did not terminate cleanly")
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Download session " + id + " cancelled",
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{
		"active_sessions": s.service.List(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.service.Store().Len(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade error")
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("rejecting websocket client")
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}
	s.log.Debug().Str("remote", r.RemoteAddr).Msg("websocket client connected")

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			s.log.Debug().Str("remote", r.RemoteAddr).Msg("websocket client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if s.allowedOrigins[origin] {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if s.allowedHosts[parsed.Host] {
		return true
	}

	// The embedded page talks to its own host.
	return parsed.Host == r.Host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
