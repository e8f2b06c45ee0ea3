package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-realtime/internal/models"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebsocketDialerClassifiesRejectedHandshake(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		_, err := NewWebsocketDialer(wsURL(srv)).Dial(context.Background(), "bad")
		assert.ErrorIs(t, err, ErrUnauthorized, status)
		srv.Close()
	}
}

func TestWebsocketDialerTransportFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewWebsocketDialer(wsURL(srv)).Dial(context.Background(), "tok")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthorized)
}

func TestWebsocketDialerRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var frame models.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		_ = conn.WriteJSON(models.Frame{Type: models.FramePong, CorrelationID: frame.CorrelationID})
	}))
	defer srv.Close()

	conn, err := NewWebsocketDialer(wsURL(srv)).Dial(context.Background(), "tok")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteFrame(models.Frame{Type: models.FramePing, CorrelationID: "p-1"}))
	frame, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, models.FramePong, frame.Type)
	assert.Equal(t, "p-1", frame.CorrelationID)
}
