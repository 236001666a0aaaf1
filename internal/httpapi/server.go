package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/mattn/go-mjpeg"

	"github.com/sua-org/camfeed/internal/core"
	"github.com/sua-org/camfeed/internal/engine"
	"github.com/sua-org/camfeed/internal/logging"
	"github.com/sua-org/camfeed/internal/stream"
)

const (
	maxWidth     = 7680
	writeWait    = 5 * time.Second
	kickInterval = 100 * time.Millisecond
)

// Engine é o que o HTTP usa do motor.
type Engine interface {
	Cameras() []engine.CameraStatus
	Streams() []stream.Status
	Snapshot(ctx context.Context, name string) (core.Result, error)
	LastFrame(name string) ([]byte, bool)
	Subscribe(ctx context.Context, name string, v stream.Viewer, width int) error
	Unsubscribe(name, viewerID string)
	StartStream(ctx context.Context, name string, width int) error
	StopStream(name string) bool
}

type Server struct {
	engine   Engine
	logger   *slog.Logger
	upgrader websocket.Upgrader
	router   chi.Router
}

func NewServer(eng Engine, logger *slog.Logger) *Server {
	s := &Server{
		engine: eng,
		logger: logging.WithComponent(logger, "http"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logging.RequestLogger(logger))

	r.Get("/healthz", s.handleHealth)
	r.Get("/streams", s.handleListStreams)
	r.Route("/cameras", func(r chi.Router) {
		r.Get("/", s.handleListCameras)
		r.Get("/{name}/snapshot", s.handleSnapshot)
		r.Get("/{name}/frame", s.handleLastFrame)
		r.Get("/{name}/stream.mjpeg", s.handleMJPEG)
		r.Get("/{name}/ws", s.handleWebsocket)
		r.Post("/{name}/stream", s.handleStartStream)
		r.Delete("/{name}/stream", s.handleStopStream)
	})
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListCameras(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Cameras())
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Streams())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	res, err := s.engine.Snapshot(r.Context(), name)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeImage(w, res.ContentType, res.Body)
}

// handleLastFrame devolve o último frame da sessão ativa, sem abrir uma.
func (s *Server) handleLastFrame(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	frame, ok := s.engine.LastFrame(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no frame for camera %s", name))
		return
	}
	writeImage(w, core.ContentTypeJPEG, frame)
}

func writeImage(w http.ResponseWriter, contentType string, body []byte) {
	if contentType == "" {
		contentType = core.ContentTypeJPEG
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	width, err := parseWidth(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.StartStream(r.Context(), name, width); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"camera": name, "width": width})
}

func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.engine.StopStream(name) {
		writeError(w, http.StatusNotFound, fmt.Errorf("no active stream for camera %s", name))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMJPEG serve multipart/x-mixed-replace enquanto o cliente estiver lendo.
func (s *Server) handleMJPEG(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	width, err := parseWidth(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	v := newChanViewer()
	if err := s.engine.Subscribe(r.Context(), name, v, width); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	defer s.engine.Unsubscribe(name, v.ID())
	s.logger.Info("mjpeg viewer attached", "camera", name, "viewer", v.ID(), "width", width)

	ms := mjpeg.NewStream()
	served := make(chan struct{})
	go s.pumpMJPEG(r.Context(), v, ms, served)

	ms.ServeHTTP(&flushWriter{ResponseWriter: w, done: v.done}, r)
	close(served)
	v.close(nil)
	s.logger.Info("mjpeg viewer detached", "camera", name, "viewer", v.ID())
}

// pumpMJPEG repassa os frames do viewer para o stream até o ServeHTTP sair.
// Depois que o viewer fecha, um frame qualquer é empurrado periodicamente
// para que o ServeHTTP tente escrever e perceba o fim.
func (s *Server) pumpMJPEG(ctx context.Context, v *chanViewer, ms *mjpeg.Stream, served <-chan struct{}) {
	ticker := time.NewTicker(kickInterval)
	defer ticker.Stop()
	ctxDone := ctx.Done()
	var last []byte
	for {
		select {
		case <-served:
			return
		case frame := <-v.frames:
			last = frame
			ms.Update(frame)
		case <-ctxDone:
			ctxDone = nil
			v.close(nil)
		case <-ticker.C:
			select {
			case <-v.done:
				ms.Update(last)
			default:
			}
		}
	}
}

// flushWriter empurra cada parte do multipart para o cliente e falha depois
// que o viewer foi encerrado.
type flushWriter struct {
	http.ResponseWriter
	done <-chan struct{}
}

func (f *flushWriter) Write(p []byte) (int, error) {
	select {
	case <-f.done:
		return 0, stream.ErrViewerGone
	default:
	}
	n, err := f.ResponseWriter.Write(p)
	if fl, ok := f.ResponseWriter.(http.Flusher); ok {
		fl.Flush()
	}
	return n, err
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	width, err := parseWidth(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	v := newChanViewer()
	// inscreve antes do upgrade para ainda poder responder com status HTTP
	if err := s.engine.Subscribe(r.Context(), name, v, width); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	defer s.engine.Unsubscribe(name, v.ID())

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		v.close(err)
		s.logger.Warn("websocket upgrade failed", "camera", name, "error", err)
		return
	}
	defer conn.Close()
	s.logger.Info("websocket viewer attached", "camera", name, "viewer", v.ID(), "width", width)

	go func() {
		defer v.close(nil)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case frame := <-v.frames:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				v.close(err)
				s.logger.Debug("websocket write failed", "camera", name, "viewer", v.ID(), "error", err)
				return
			}
		case <-v.done:
			reason := "stream ended"
			if err := v.err(); err != nil {
				reason = err.Error()
			}
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, truncate(reason, 120))
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			s.logger.Info("websocket viewer detached", "camera", name, "viewer", v.ID(), "reason", reason)
			return
		}
	}
}

func parseWidth(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("width"))
	if raw == "" {
		return 0, nil
	}
	width, err := strconv.Atoi(raw)
	if err != nil || width < 0 || width > maxWidth {
		return 0, fmt.Errorf("invalid width %q", raw)
	}
	return width, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
