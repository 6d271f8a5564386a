package gateway

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/0xdsaini/telegramdrive/internal/logging"
	"github.com/0xdsaini/telegramdrive/internal/metrics"
	"github.com/0xdsaini/telegramdrive/internal/transport"
	"github.com/0xdsaini/telegramdrive/pkg/protocol"
)

// Paths served by the gateway.
const (
	PathSend   = "/v1/send"
	PathHealth = "/health"
)

// MaxRequestSize bounds a decoded request body.
const MaxRequestSize = 2100 << 20

// Pool gzip writers to reduce allocations on large responses.
var gzipPool = sync.Pool{
	New: func() any { return gzip.NewWriter(nil) },
}

// Server dispatches gateway requests into a transport.
type Server struct {
	t    transport.Transport
	auth *Auth
}

// NewServer creates a Server. A nil auth disables token checks.
func NewServer(t transport.Transport, auth *Auth) *Server {
	return &Server{t: t, auth: auth}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+PathHealth, s.handleHealth)

	var send http.Handler = http.HandlerFunc(s.handleSend)
	if s.auth != nil {
		send = s.auth.Middleware(send)
	}
	mux.Handle("POST "+PathSend, send)

	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var body io.Reader = http.MaxBytesReader(w, r.Body, MaxRequestSize)
	if r.Header.Get("Content-Encoding") == "gzip" {
		gr, err := gzip.NewReader(body)
		if err != nil {
			sendHTTPError(w, http.StatusBadRequest, "invalid gzip body")
			return
		}
		defer gr.Close()
		body = io.LimitReader(gr, MaxRequestSize)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		sendHTTPError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	req, extra, err := protocol.UnmarshalRequest(data)
	if err != nil {
		sendHTTPError(w, http.StatusBadRequest, err.Error())
		return
	}
	log := logging.WithContext(r.Context()).With(
		zap.String("type", req.TypeName()),
		zap.String("extra", extra))

	if claims := GetClaims(r.Context()); claims != nil {
		if chatID, ok := chatOf(req); ok && !claims.Allows(chatID) {
			log.Warn("request for a chat outside the token scope", zap.Int64("chat_id", chatID))
			sendHTTPError(w, http.StatusForbidden, "chat not allowed by token")
			return
		}
	}

	resp, err := s.t.Send(r.Context(), req)
	if err != nil {
		re, ok := transport.AsRemoteError(err)
		if !ok {
			log.Warn("transport request failed", zap.Error(err))
			sendHTTPError(w, http.StatusBadGateway, err.Error())
			return
		}
		resp = re
	}

	out, err := protocol.Marshal(resp, extra)
	if err != nil {
		log.Error("encode response failed", zap.Error(err))
		sendHTTPError(w, http.StatusInternalServerError, "encode response")
		return
	}
	writeJSON(w, r, out)
}

func writeJSON(w http.ResponseWriter, r *http.Request, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") || len(data) < gzipThreshold {
		w.Write(data)
		return
	}
	w.Header().Set("Content-Encoding", "gzip")
	gw := gzipPool.Get().(*gzip.Writer)
	gw.Reset(w)
	gw.Write(data)
	gw.Close()
	gzipPool.Put(gw)
}

// chatOf returns the chat a request addresses, if any.
func chatOf(req protocol.Request) (int64, bool) {
	switch r := req.(type) {
	case protocol.SendMessage:
		return r.ChatID, true
	case protocol.EditMessageText:
		return r.ChatID, true
	case protocol.SearchChatMessages:
		return r.ChatID, true
	case protocol.GetChatHistory:
		return r.ChatID, true
	case protocol.GetMessage:
		return r.ChatID, true
	case protocol.DeleteMessages:
		return r.ChatID, true
	}
	return 0, false
}
