package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mentionFrame(id int64) string {
	return fmt.Sprintf(`{"message_id": %d, "channel_id": "C", "channel_name": "Alpha", "token_ref": {"symbol": "PEPE"}, "entry_time": "2025-01-01T00:00:00Z"}`, id)
}

func waitMention(t *testing.T, ch <-chan Mention) Mention {
	t.Helper()
	select {
	case m, ok := <-ch:
		require.True(t, ok, "mention channel closed early")
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for mention")
		return Mention{}
	}
}

func streamServer(t *testing.T, handler func(conn *websocket.Conn, n int32)) (*httptest.Server, *int32) {
	t.Helper()
	var conns int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn, atomic.AddInt32(&conns, 1))
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamReceiverReconnectsAfterDrop(t *testing.T) {
	srv, conns := streamServer(t, func(conn *websocket.Conn, n int32) {
		switch n {
		case 1:
			conn.WriteMessage(websocket.TextMessage, []byte(mentionFrame(1)))
			// returning drops the connection and forces a reconnect
		default:
			conn.WriteMessage(websocket.TextMessage, []byte(mentionFrame(2)))
			conn.ReadMessage() // hold open until the client goes away
		}
	})

	recv := NewStreamReceiver(StreamConfig{URL: wsURL(srv), BackoffBase: 10 * time.Millisecond}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- recv.Run(ctx) }()

	assert.Equal(t, int64(1), waitMention(t, recv.Mentions()).MessageID)
	assert.Equal(t, int64(2), waitMention(t, recv.Mentions()).MessageID)
	assert.GreaterOrEqual(t, atomic.LoadInt32(conns), int32(2))

	cancel()
	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	_, open := <-recv.Mentions()
	assert.False(t, open, "mention channel should close when Run returns")
}

func TestStreamReceiverDropsBadFramesWithoutDisconnecting(t *testing.T) {
	srv, conns := streamServer(t, func(conn *websocket.Conn, n int32) {
		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"message_id": 7, "entry_time": "2025-01-01T00:00:00Z"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(mentionFrame(3)))
		conn.ReadMessage()
	})

	recv := NewStreamReceiver(StreamConfig{URL: wsURL(srv), BackoffBase: 10 * time.Millisecond}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go recv.Run(ctx)

	m := waitMention(t, recv.Mentions())
	assert.Equal(t, int64(3), m.MessageID, "bad frames are skipped, not fatal")
	assert.Equal(t, "PEPE", m.Token.Symbol)
	assert.Equal(t, int32(1), atomic.LoadInt32(conns), "decode failures must not drop the connection")
}
