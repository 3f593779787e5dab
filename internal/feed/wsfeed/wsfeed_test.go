package wsfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"algotrader/internal/core"
	"algotrader/pkg/logging"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quoteServer accepts one client, checks the handshake messages and replays script
func quoteServer(t *testing.T, subscribeStatus string, script ...string) (*httptest.Server, chan envelope) {
	t.Helper()
	received := make(chan envelope, 8)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key-1", r.Header.Get("X-CAP-API-KEY"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for i := 0; i < 2; i++ {
			var env envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			received <- env
		}
		// a quote racing the subscribe ack is buffered by the client
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"destination":"quote","payload":{"epic":"GOLD","bid":2000.1,"ofr":2000.4,"timestamp":1767225600000}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"destination":"marketData.subscribe","status":"`+subscribeStatus+`","payload":{"errorCode":"error.invalid.session.token","subscriptions":{"GOLD":"PROCESSED"}}}`))
		for _, msg := range script {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
		}
		// hold the connection until the client leaves
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	return srv, received
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStream_SubscribeAndReceive(t *testing.T) {
	srv, received := quoteServer(t, "OK",
		`{"destination":"ping","status":"OK"}`,
		`not json`,
		`{"destination":"quote","payload":{"bid":1}}`,
		`{"destination":"quote","payload":{"epic":"GOLD","bid":"2001.5","bidQty":3,"timestamp":1767225601000}}`,
	)
	defer srv.Close()

	tr := New(Config{URL: wsURL(srv), APIKey: "key-1", SessionToken: "tok"}, logging.NewNop())
	assert.Equal(t, "ws", tr.Name())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := tr.Connect(ctx)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Subscribe(ctx, []string{"GOLD"}))

	ping := <-received
	assert.Equal(t, "ping", ping.Destination)
	assert.Equal(t, "tok", ping.SecurityToken)
	sub := <-received
	assert.Equal(t, "marketData.subscribe", sub.Destination)
	var payload map[string][]string
	require.NoError(t, json.Unmarshal(sub.Payload, &payload))
	assert.Equal(t, []string{"GOLD"}, payload["epics"])

	buffered, err := s.Recv(ctx)
	require.NoError(t, err)
	require.Len(t, buffered, 2)
	assert.Equal(t, core.TickSideBid, buffered[0].Side)
	assert.Equal(t, "2000.1", buffered[0].Price.String())
	assert.Equal(t, core.TickSideAsk, buffered[1].Side)
	assert.Equal(t, "2000.4", buffered[1].Price.String())
	assert.Equal(t, time.UnixMilli(1767225600000).UTC(), buffered[0].Timestamp)

	// ping, garbage and an epic-less quote are skipped
	ticks, err := s.Recv(ctx)
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, "GOLD", ticks[0].Instrument)
	assert.Equal(t, "2001.5", ticks[0].Price.String())
	assert.Equal(t, "3", ticks[0].Size.String())

	require.NoError(t, s.Close())
	_, err = s.Recv(ctx)
	assert.Error(t, err)
}

func TestStream_SubscriptionRefused(t *testing.T) {
	srv, _ := quoteServer(t, "FAILED")
	defer srv.Close()

	tr := New(Config{URL: wsURL(srv), APIKey: "key-1"}, logging.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := tr.Connect(ctx)
	require.NoError(t, err)
	defer s.Close()

	err = s.Subscribe(ctx, []string{"GOLD"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error.invalid.session.token")
}

func TestTransport_DialFailure(t *testing.T) {
	tr := New(Config{URL: "ws://127.0.0.1:1/connect"}, logging.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := tr.Connect(ctx)
	assert.Error(t, err)
}
