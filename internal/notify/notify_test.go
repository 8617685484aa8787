package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookPostsMessage(t *testing.T) {
	got := make(chan Message, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var msg Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		got <- msg
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := NewWebhook(srv.URL)
	require.NotNil(t, hook)
	require.NoError(t, hook.Notify(context.Background(), Message{Task: "sim.GSDTask:3", Status: "failed", Message: "exit 65"}))
	msg := <-got
	assert.Equal(t, "sim.GSDTask:3", msg.Task)
	assert.Equal(t, "failed", msg.Status)
	assert.False(t, msg.FinishedAt.IsZero())
}

func TestWebhookReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	err := NewWebhook(srv.URL).Notify(context.Background(), Message{Task: "t"})
	assert.Error(t, err)
}

func TestEmptyURLDisablesWebhook(t *testing.T) {
	assert.Nil(t, NewWebhook("  "))
	var hook *Webhook
	assert.NoError(t, hook.Notify(context.Background(), Message{}))
}

type failing struct{}

func (failing) Notify(context.Context, Message) error { return errors.New("unreachable") }

func TestLoggedSwallowsErrors(t *testing.T) {
	assert.NoError(t, Logged(failing{}, nil).Notify(context.Background(), Message{Task: "t"}))
	assert.NoError(t, Logged(nil, nil).Notify(context.Background(), Message{Task: "t"}))
}
