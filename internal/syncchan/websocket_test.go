package syncchan

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/geohunt/engine/pkg/streaming"
	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketTransport_DialAndExchange(t *testing.T) {
	var upgrader ws.Upgrader
	query := make(chan map[string]string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		query <- map[string]string{"secret": q.Get("secret"), "device": q.Get("device"), "codec": q.Get("codec")}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env streaming.Envelope
			if (streaming.MsgpackCodec{}).Unmarshal(data, &env) != nil {
				return
			}
			out, _ := streaming.MsgpackCodec{}.Marshal(streaming.NewAck(env.ID))
			if conn.WriteMessage(mt, out) != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	tr := NewWebSocketTransport(url, "s3cret", "device-a", streaming.MsgpackCodec{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := tr.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, map[string]string{"secret": "s3cret", "device": "device-a", "codec": "msgpack"}, <-query)

	frame, err := streaming.MsgpackCodec{}.Marshal(streaming.NewResyncRequest("req-1", "device-a", ""))
	require.NoError(t, err)
	require.NoError(t, conn.Send(ctx, frame))

	reply, err := conn.Receive(ctx)
	require.NoError(t, err)
	var env streaming.Envelope
	require.NoError(t, streaming.MsgpackCodec{}.Unmarshal(reply, &env))
	assert.Equal(t, streaming.TypeAck, env.Type)
	assert.Equal(t, "req-1", env.Payload.For)
}

func TestWebSocketTransport_ServerGoneFailsReceive(t *testing.T) {
	var upgrader ws.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Close()
	}))
	defer srv.Close()

	tr := NewWebSocketTransport("ws"+strings.TrimPrefix(srv.URL, "http"), "", "", nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := tr.Dial(ctx)
	require.NoError(t, err)
	_, err = conn.Receive(ctx)
	assert.ErrorIs(t, err, ErrChannelUnavailable)
}

func TestWebSocketTransport_InvalidURL(t *testing.T) {
	tr := NewWebSocketTransport("://bad", "", "", nil, nil)
	_, err := tr.Dial(context.Background())
	assert.Error(t, err)
}
