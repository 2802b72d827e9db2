package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tokligence/chatrelay/internal/relay"
	"github.com/tokligence/chatrelay/internal/sse"
)

// ConversationIDHeader carries the csid minted by the relay.
const ConversationIDHeader = "Conversation-ID"

// StreamOptions describes one prompt sent through /chat-sse.
type StreamOptions struct {
	Prompt  string
	CSID    string
	Options relay.Options
	// Retries is how many times a failed connection is re-opened; zero means never.
	Retries int

	OnMessage func(relay.StreamMessage)
	// OnError receives the failure that ended the stream once retries are spent.
	OnError func(error)
	// OnAbort runs when the stream is cancelled by the caller.
	OnAbort func()
	// OnUnauthorized runs when the relay answers 401. The stream is not retried.
	OnUnauthorized func()
}

// Stream is one running exchange. It owns at most one live connection.
type Stream struct {
	client *Client
	opts   StreamOptions
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	live    io.Closer
	csid    string
	attempt int
	err     error
}

// terminalError marks a failure reported by the relay inside the stream body.
// It is never retried.
type terminalError struct {
	payload *relay.ErrorPayload
}

func (e *terminalError) Error() string { return e.payload.Message }
func (e *terminalError) Unwrap() error { return e.payload }

// wireMessage accepts both the relay's event payload and the legacy
// chat.completion.chunk shape, plus the error record.
type wireMessage struct {
	relay.StreamMessage
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Error   json.RawMessage `json:"error"`
}

// Stream starts streaming opts.Prompt in the background and returns
// immediately. Handlers run on the stream's goroutine, in event order.
func (c *Client) Stream(ctx context.Context, opts StreamOptions) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		client: c,
		opts:   opts,
		cancel: cancel,
		done:   make(chan struct{}),
		csid:   firstNonEmpty(opts.CSID, opts.Options.ConversationID),
	}
	go s.run(ctx)
	return s
}

// Close aborts the stream and tears down the live connection.
func (s *Stream) Close() {
	s.cancel()
	s.closeLive()
}

// Done is closed once the stream has finished and its last handler returned.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Wait blocks until the stream finishes and returns why it ended: nil on a
// completed exchange, ErrUnauthorized, context.Canceled on abort, or the
// error passed to OnError.
func (s *Stream) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// CSID returns the conversation session id known so far.
func (s *Stream) CSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.csid
}

// Attempts returns how many reconnects were made.
func (s *Stream) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.done)
	defer s.cancel()
	logger := s.client.logger

	for {
		err := s.connect(ctx)
		s.closeLive()
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			s.abort(ctx.Err())
			return
		}

		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized {
			logger.Printf("stream rejected with 401, credential must be re-established")
			s.setErr(ErrUnauthorized)
			if s.opts.OnUnauthorized != nil {
				s.opts.OnUnauthorized()
			}
			return
		}

		var te *terminalError
		if !errors.As(err, &te) && s.Attempts() < s.opts.Retries {
			s.mu.Lock()
			s.attempt++
			attempt := s.attempt
			s.mu.Unlock()
			logger.Printf("stream error, retrying (%d/%d): %v", attempt, s.opts.Retries, err)
			if err := s.client.sleep(ctx, time.Duration(attempt)*s.client.retryDelay); err != nil {
				s.abort(err)
				return
			}
			continue
		}

		s.setErr(err)
		if s.opts.OnError != nil {
			s.opts.OnError(err)
		}
		return
	}
}

// connect opens one connection and feeds its events to the handlers until
// the relay closes it.
func (s *Stream) connect(ctx context.Context) error {
	payload := relay.Request{
		CSID:          s.CSID(),
		Prompt:        s.opts.Prompt,
		Options:       s.opts.Options,
		SystemMessage: s.client.systemMessage,
	}
	req, err := s.client.newRequest(ctx, http.MethodPost, "chat-sse", payload)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return err
	}
	s.setLive(resp.Body)

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		se := &StatusError{StatusCode: resp.StatusCode}
		var env envelope
		if json.Unmarshal(msg, &env) == nil {
			se.Message = env.Message
		}
		return se
	}

	reader := sse.NewReader(resp.Body)
	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.handle(ev, resp.Header); err != nil {
			return err
		}
	}
}

func (s *Stream) handle(ev sse.Event, header http.Header) error {
	s.mu.Lock()
	if s.csid == "" {
		s.csid = header.Get(ConversationIDHeader)
	}
	csid := s.csid
	s.mu.Unlock()

	if ev.Data == "" || ev.Data == sse.DoneSentinel {
		return nil
	}
	var wire wireMessage
	if ev.Raw || json.Unmarshal([]byte(ev.Data), &wire) != nil {
		return &terminalError{payload: parseErrorRecord(ev.Data)}
	}
	if wire.Status == relay.StatusFail || (len(wire.Error) > 0 && string(wire.Error) != "null") {
		return &terminalError{payload: parseErrorRecord(ev.Data)}
	}

	msg := wire.StreamMessage
	if len(wire.Choices) > 0 {
		msg.Delta = wire.Choices[0].Delta.Content
		if msg.FinishReason == "" {
			msg.FinishReason = wire.Choices[0].FinishReason
		}
	}
	if msg.CSID == "" {
		msg.CSID = csid
	}
	if s.opts.OnMessage != nil {
		s.opts.OnMessage(msg)
	}
	return nil
}

// parseErrorRecord decodes the relay's error record, falling back to the raw
// text for anything else.
func parseErrorRecord(data string) *relay.ErrorPayload {
	var payload relay.ErrorPayload
	if err := json.Unmarshal([]byte(data), &payload); err == nil && payload.Message != "" {
		return &payload
	}
	var openaiErr struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(data), &openaiErr); err == nil && openaiErr.Error.Message != "" {
		return &relay.ErrorPayload{Status: relay.StatusFail, Message: openaiErr.Error.Message}
	}
	return &relay.ErrorPayload{Status: relay.StatusFail, Message: data}
}

func (s *Stream) abort(err error) {
	s.setErr(err)
	if s.opts.OnAbort != nil {
		s.opts.OnAbort()
	}
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// setLive replaces the live connection, closing the previous one first.
func (s *Stream) setLive(c io.Closer) {
	s.mu.Lock()
	prev := s.live
	s.live = c
	s.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
}

func (s *Stream) closeLive() {
	s.mu.Lock()
	live := s.live
	s.live = nil
	s.mu.Unlock()
	if live != nil {
		_ = live.Close()
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
