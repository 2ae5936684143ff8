package ollama

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func lineServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, line := range lines {
			io.WriteString(w, line+"\n")
			flusher.Flush()
		}
	}))
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var got []Event
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
}

func TestStreamChat_EventOrder(t *testing.T) {
	srv := lineServer(t,
		`{"message":{"content":"Hi"}}`,
		`{"message":{"content":" there"}}`,
		`{"done":true,"context":[1,2,3],"eval_count":2,"total_duration":5}`,
	)
	defer srv.Close()

	c := NewClient(srv.URL, zaptest.NewLogger(t))
	events, err := c.StreamChat(context.Background(), ChatRequest{
		Model:    "phi3:mini",
		Messages: []ChatMessage{{Role: "user", Content: "Hello"}},
	})
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 3)
	assert.Equal(t, Event{Content: "Hi"}, got[0])
	assert.Equal(t, Event{Content: " there"}, got[1])
	assert.True(t, got[2].Done)
	assert.Empty(t, got[2].Err)
	assert.Equal(t, "[1,2,3]", string(got[2].Context))

	var stats Stats
	require.NoError(t, json.Unmarshal(got[2].Metadata, &stats))
	assert.Equal(t, 2, stats.EvalCount)
	assert.Equal(t, int64(5), stats.TotalDuration)
}

func TestStreamGenerate_RequestShape(t *testing.T) {
	var got GenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		io.WriteString(w, `{"done":true}`+"\n")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zaptest.NewLogger(t))
	events, err := c.StreamGenerate(context.Background(), GenerateRequest{
		Model:   "phi3:mini",
		Prompt:  "Hello",
		System:  "be brief",
		Context: json.RawMessage(`[9]`),
	})
	require.NoError(t, err)
	collect(t, events)

	assert.Equal(t, "phi3:mini", got.Model)
	assert.Equal(t, "Hello", got.Prompt)
	assert.Equal(t, "be brief", got.System)
	assert.Equal(t, `[9]`, string(got.Context))
	assert.True(t, got.Stream)
}

func TestStream_DecodeResilience(t *testing.T) {
	srv := lineServer(t,
		`{"response":"good"}`,
		`{not json at all`,
		`{"response":" still going"}`,
		`{"done":true}`,
	)
	defer srv.Close()

	c := NewClient(srv.URL, zaptest.NewLogger(t))
	events, err := c.StreamGenerate(context.Background(), GenerateRequest{Model: "m", Prompt: "p"})
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 4)
	assert.Equal(t, "good", got[0].Content)
	assert.NotEmpty(t, got[1].Err)
	assert.False(t, got[1].Done, "a bad line must not end the stream")
	assert.Equal(t, " still going", got[2].Content)
	assert.True(t, got[3].Done)
	assert.Empty(t, got[3].Err)
}

func TestStream_TruncatedExchange(t *testing.T) {
	// The body ends before a done marker: one terminal error event.
	srv := lineServer(t, `{"response":"partial"}`)
	defer srv.Close()

	c := NewClient(srv.URL, zaptest.NewLogger(t))
	events, err := c.StreamGenerate(context.Background(), GenerateRequest{Model: "m", Prompt: "p"})
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, "partial", got[0].Content)
	assert.True(t, got[1].Done)
	assert.NotEmpty(t, got[1].Err)
}

func TestStream_BackendError(t *testing.T) {
	srv := lineServer(t, `{"error":"model not loaded"}`)
	defer srv.Close()

	c := NewClient(srv.URL, zaptest.NewLogger(t))
	events, err := c.StreamGenerate(context.Background(), GenerateRequest{Model: "m", Prompt: "p"})
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 1)
	assert.True(t, got[0].Done)
	assert.Equal(t, "model not loaded", got[0].Err)
}

func TestStream_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such model", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zaptest.NewLogger(t))
	_, err := c.StreamGenerate(context.Background(), GenerateRequest{Model: "m", Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestStream_Cancellation(t *testing.T) {
	unblock := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		io.WriteString(w, `{"response":"one"}`+"\n")
		io.WriteString(w, `{"response":"two"}`+"\n")
		flusher.Flush()
		select {
		case <-unblock:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(unblock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewClient(srv.URL, zaptest.NewLogger(t))
	events, err := c.StreamGenerate(ctx, GenerateRequest{Model: "m", Prompt: "p"})
	require.NoError(t, err)

	var got []Event
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for fragments")
		}
	}
	cancel()

	// The channel closes; a terminal event is not guaranteed.
	for ev := range events {
		assert.False(t, ev.Done && ev.Err == "", "no successful terminal after cancel")
	}
	assert.Equal(t, "one", got[0].Content)
	assert.Equal(t, "two", got[1].Content)
}
