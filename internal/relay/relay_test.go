package relay

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tokligence/chatrelay/internal/adapter"
	"github.com/tokligence/chatrelay/internal/openai"
)

type scriptedAdapter struct {
	openErr error
	events  []adapter.StreamEvent
	block   bool
	got     openai.ChatCompletionRequest
}

func (a *scriptedAdapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	a.got = req
	if a.openErr != nil {
		return nil, a.openErr
	}
	ch := make(chan adapter.StreamEvent)
	go func() {
		defer close(ch)
		for _, ev := range a.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if a.block {
			<-ctx.Done()
			ch <- adapter.StreamEvent{Error: ctx.Err()}
		}
	}()
	return ch, nil
}

func chunkEvent(id, content, finish string) adapter.StreamEvent {
	var fr *string
	if finish != "" {
		fr = openai.StringPtr(finish)
	}
	c := openai.NewChunk(id, "gpt-test", content, fr)
	return adapter.StreamEvent{Chunk: &c}
}

func newTestRelay(t *testing.T, a adapter.StreamingChatAdapter, timeout time.Duration) *Relay {
	t.Helper()
	r, err := New(Config{Adapter: a, Model: "gpt-test", Timeout: timeout, Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, err)
	return r
}

func collect(ch <-chan Result) []Result {
	var out []Result
	for res := range ch {
		out = append(out, res)
	}
	return out
}

func TestNewRequiresAdapter(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, ErrNoAdapter)
}

func TestMintSessionID(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	require.Equal(t, "loyw3v28", MintSessionID(now))
	require.NotEqual(t, MintSessionID(now), MintSessionID(now.Add(time.Millisecond)))
}

func TestProcessStreamsChunksInOrder(t *testing.T) {
	a := &scriptedAdapter{events: []adapter.StreamEvent{
		chunkEvent("chatcmpl-1", "Hi", ""),
		chunkEvent("chatcmpl-1", " there", "stop"),
	}}
	r := newTestRelay(t, a, 0)

	results := collect(r.Process(context.Background(), Request{
		Prompt:        "Hello",
		SystemMessage: "be brief",
		Options:       Options{ConversationID: "abc", ParentMessageID: "prev"},
	}))
	require.Len(t, results, 2)

	first, second := results[0].Chunk, results[1].Chunk
	require.NotNil(t, first)
	require.NotNil(t, second)
	require.Equal(t, "Hi", first.Delta)
	require.Equal(t, "Hi", first.Text)
	require.Equal(t, "", first.FinishReason())
	require.Equal(t, " there", second.Delta)
	require.Equal(t, "Hi there", second.Text)
	require.Equal(t, "stop", second.FinishReason())
	require.Equal(t, "chatcmpl-1", second.ID)
	require.Equal(t, "abc", second.ConversationID)
	require.NotEmpty(t, first.ParentMessageID)
	require.Equal(t, first.ParentMessageID, second.ParentMessageID)

	require.Equal(t, "gpt-test", a.got.Model)
	require.True(t, a.got.Stream)
	require.Len(t, a.got.Messages, 2)
	require.Equal(t, "system", a.got.Messages[0].Role)
	require.Equal(t, "Hello", a.got.Messages[1].Content)
	require.Equal(t, "abc", a.got.Meta(openai.MetadataConversationID))
	require.Equal(t, "prev", a.got.Meta(openai.MetadataParentMessageID))
	require.Equal(t, first.ParentMessageID, a.got.Meta(openai.MetadataMessageID))
}

func TestProcessForwardsEmptyPrompt(t *testing.T) {
	a := &scriptedAdapter{events: []adapter.StreamEvent{chunkEvent("x", "", "stop")}}
	r := newTestRelay(t, a, 0)

	results := collect(r.Process(context.Background(), Request{}))
	require.Len(t, results, 1)
	require.Len(t, a.got.Messages, 1)
	require.Equal(t, "", a.got.Messages[0].Content)
}

func TestProcessOpenFailure(t *testing.T) {
	a := &scriptedAdapter{openErr: &adapter.UpstreamError{Provider: "openai", StatusCode: http.StatusUnauthorized, Message: "bad key"}}
	r := newTestRelay(t, a, 0)

	results := collect(r.Process(context.Background(), Request{Prompt: "Hello"}))
	require.Len(t, results, 1)
	require.True(t, results[0].IsError())
	require.Equal(t, StatusFail, results[0].Err.Status)
	require.Equal(t, "[OpenAI] Incorrect API key provided", results[0].Err.Message)
}

func TestProcessMidStreamFailureIsTerminal(t *testing.T) {
	a := &scriptedAdapter{events: []adapter.StreamEvent{
		chunkEvent("c", "partial", ""),
		{Error: errors.New("connection reset")},
		chunkEvent("c", "never", "stop"),
	}}
	r := newTestRelay(t, a, 0)

	results := collect(r.Process(context.Background(), Request{Prompt: "Hello"}))
	require.Len(t, results, 2)
	require.False(t, results[0].IsError())
	require.True(t, results[1].IsError())
	require.Equal(t, "connection reset", results[1].Err.Message)
}

func TestProcessTimeout(t *testing.T) {
	a := &scriptedAdapter{block: true}
	r := newTestRelay(t, a, 20*time.Millisecond)

	results := collect(r.Process(context.Background(), Request{Prompt: "Hello"}))
	require.Len(t, results, 1)
	require.True(t, results[0].IsError())
	require.Equal(t, "[OpenAI] Request timed out", results[0].Err.Message)
}

func TestProcessStopsWhenCallerGoesAway(t *testing.T) {
	a := &scriptedAdapter{events: []adapter.StreamEvent{
		chunkEvent("c", "one", ""),
		chunkEvent("c", "two", ""),
	}, block: true}
	r := newTestRelay(t, a, 0)

	ctx, cancel := context.WithCancel(context.Background())
	ch := r.Process(ctx, Request{Prompt: "Hello"})
	first := <-ch
	require.Equal(t, "one", first.Chunk.Delta)
	cancel()

	select {
	case <-drained(ch):
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop after cancellation")
	}
}

func drained(ch <-chan Result) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	return done
}

func TestStreamMessageProjection(t *testing.T) {
	finish := openai.NewChunk("id-1", "m", "", openai.StringPtr("stop"))
	msg := &ChatMessage{ID: "id-1", Text: "full text", ParentMessageID: "p", Detail: &finish}

	sm := msg.StreamMessage("csid-1")
	require.Equal(t, "id-1", sm.ID)
	require.Equal(t, "csid-1", sm.CSID)
	require.Equal(t, "p", sm.PMID)
	require.Equal(t, "full text", sm.Text)
	require.Equal(t, "stop", sm.FinishReason)

	msg.Delta = "x"
	msg.ConversationID = "upstream-conv"
	sm = msg.StreamMessage("csid-1")
	require.Empty(t, sm.Text)
	require.Equal(t, "upstream-conv", sm.CSID)
}

func TestErrorFromUpstream(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"mapped status", &adapter.UpstreamError{Provider: "openai", StatusCode: http.StatusServiceUnavailable}, "[OpenAI] Server is busy, please try again later"},
		{"unmapped status", &adapter.UpstreamError{Provider: "openai", StatusCode: http.StatusTooManyRequests, Message: "quota"}, "quota"},
		{"deadline", context.DeadlineExceeded, "[OpenAI] Request timed out"},
		{"plain", errors.New("boom"), "boom"},
		{"payload", &ErrorPayload{Status: StatusFail, Message: "as-is"}, "as-is"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ErrorFromUpstream(tc.err)
			require.Equal(t, StatusFail, got.Status)
			require.Equal(t, tc.want, got.Message)
		})
	}
}
