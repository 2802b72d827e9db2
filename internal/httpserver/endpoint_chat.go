package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/tokligence/chatrelay/internal/httpserver/protocol"
	"github.com/tokligence/chatrelay/internal/ledger"
	"github.com/tokligence/chatrelay/internal/relay"
	"github.com/tokligence/chatrelay/internal/sse"
)

type chatEndpoint struct {
	server *Server
}

func newChatEndpoint(server *Server) protocol.Endpoint {
	return &chatEndpoint{server: server}
}

func (e *chatEndpoint) Name() string { return "chat" }

func (e *chatEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodPost, Path: "/chat-sse", Handler: e.server.protect(e.server.handleChatSSE, true)},
		{Method: http.MethodPost, Path: "/chat-process", Handler: e.server.protect(e.server.handleChatProcess, true)},
	}
}

// exchange tracks one relayed exchange for the ledger.
type exchange struct {
	route        string
	prompt       string
	started      time.Time
	text         string
	finishReason string
	failure      string
}

func (x *exchange) observe(res relay.Result) {
	if res.IsError() {
		x.failure = res.Err.Message
		return
	}
	x.text = res.Chunk.Text
	if reason := res.Chunk.FinishReason(); reason != "" {
		x.finishReason = reason
	}
}

func (s *Server) handleChatSSE(w http.ResponseWriter, r *http.Request) {
	var req relay.Request
	if err := decodeJSON(r, &req); err != nil {
		s.respondFail(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	csid := req.CSID
	if csid == "" {
		csid = relay.MintSessionID(s.now())
		w.Header().Set(ConversationIDHeader, csid)
	}
	req.Options.ConversationID = csid

	sse.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	out := sse.NewWriter(w)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	x := &exchange{route: "chat-sse", prompt: req.Prompt, started: s.now()}
	s.metrics.StreamStarted(x.route)
	defer s.metrics.StreamEnded(x.route)
	for res := range s.relay.Process(ctx, req) {
		x.observe(res)
		if res.IsError() {
			payload, _ := json.Marshal(res.Err)
			if err := out.WriteRaw(payload); err != nil {
				s.debugf("chat-sse csid=%s write error record: %v", csid, err)
			}
			break
		}
		if err := out.WriteJSON("", res.Chunk.StreamMessage(csid)); err != nil {
			s.debugf("chat-sse csid=%s client gone: %v", csid, err)
			x.failure = "client disconnected"
			break
		}
	}
	s.debugf("chat-sse csid=%s finished in %s", csid, s.now().Sub(x.started))
	s.recordExchange(r, x)
}

// handleChatProcess streams cumulative messages as newline separated JSON.
func (s *Server) handleChatProcess(w http.ResponseWriter, r *http.Request) {
	var req relay.Request
	if err := decodeJSON(r, &req); err != nil {
		s.respondFail(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	x := &exchange{route: "chat-process", prompt: req.Prompt, started: s.now()}
	s.metrics.StreamStarted(x.route)
	defer s.metrics.StreamEnded(x.route)
	first := true
	for res := range s.relay.Process(ctx, req) {
		x.observe(res)
		var payload []byte
		if res.IsError() {
			payload, _ = json.Marshal(res.Err)
		} else {
			var err error
			if payload, err = json.Marshal(res.Chunk); err != nil {
				s.logger.Printf("chat-process marshal chunk: %v", err)
				continue
			}
			if !first {
				payload = append([]byte("\n"), payload...)
			}
			first = false
		}
		if _, err := w.Write(payload); err != nil {
			x.failure = "client disconnected"
			break
		}
		if flusher != nil {
			flusher.Flush()
		}
		if res.IsError() {
			break
		}
	}
	s.recordExchange(r, x)
}

func (s *Server) recordExchange(r *http.Request, x *exchange) {
	subject := s.callerKey(r)
	promptTokens := ledger.EstimateTokens(x.prompt)
	completionTokens := ledger.EstimateTokens(x.text)
	s.metrics.RecordExchange(x.route, s.now().Sub(x.started), x.failure != "")
	s.metrics.RecordTokenUsage(s.relay.Model(), subject, promptTokens, completionTokens)
	if s.ledger == nil {
		return
	}
	entry := ledger.Entry{
		Subject:          subject,
		Route:            x.route,
		Model:            s.relay.Model(),
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		FinishReason:     x.finishReason,
		Status:           ledger.StatusCompleted,
		Memo:             middleware.GetReqID(r.Context()),
		CreatedAt:        x.started,
	}
	if x.failure != "" {
		entry.Status = ledger.StatusFailed
		entry.Memo = x.failure
	}
	if err := s.ledger.Record(context.WithoutCancel(r.Context()), entry); err != nil {
		s.logger.Printf("ledger record failed route=%s: %v", x.route, err)
	}
}
