package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestStreamParsesDeltas(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range []string{"Incep", "tion", ""} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
		}
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ignored\"}}]}\n\n")
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL + "/v1/", Model: "test-model"}, zaptest.NewLogger(t))
	var deltas []string
	err := c.Stream(context.Background(), GenerateRequest{Question: "best nolan film?", Context: "ctx"}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Incep", "tion"}, deltas)

	assert.True(t, got.Stream)
	assert.Equal(t, "test-model", got.Model)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, RoleUser, got.Messages[2].Role)
	assert.Equal(t, "best nolan film?", got.Messages[2].Content)
	assert.Contains(t, got.Messages[1].Content, "ctx")
}

func TestStreamCallbackErrorAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 5; i++ {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"t%d\"}}]}\n\n", i)
		}
	}))
	defer srv.Close()

	stop := errors.New("client gone")
	c := NewClient(Config{BaseURL: srv.URL}, nil)
	n := 0
	err := c.Stream(context.Background(), GenerateRequest{Question: "q"}, func(string) error {
		n++
		if n == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, n)
}

func TestCollectAndComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Stream {
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n\n")
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{{"message": map[string]string{"role": "assistant", "content": `{"kb_prefix":"movie"}`}}},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, nil)
	text, err := Collect(context.Background(), c, GenerateRequest{Question: "q"})
	require.NoError(t, err)
	assert.Equal(t, "ab", text)

	out, err := c.Complete(context.Background(), "route this")
	require.NoError(t, err)
	assert.Equal(t, `{"kb_prefix":"movie"}`, out)
}

func TestNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, nil)
	_, err := c.Complete(context.Background(), "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")

	err = c.Stream(context.Background(), GenerateRequest{Question: "q"}, func(string) error { return nil })
	require.Error(t, err)
}

func TestCompleteEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL}, nil).Complete(context.Background(), "p")
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestBuildMessagesSkipsEmptyContext(t *testing.T) {
	msgs := BuildMessages(GenerateRequest{
		Question: "q",
		Context:  "  ",
		History:  []Message{{Role: RoleUser, Content: "earlier"}, {Role: RoleAssistant, Content: "reply"}},
	})
	require.Len(t, msgs, 4)
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.Equal(t, "earlier", msgs[1].Content)
	assert.Equal(t, "q", msgs[3].Content)
}
