package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	apperrors "algotrader/pkg/errors"
	"algotrader/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockChannel struct {
	name string
	err  error

	mu   sync.Mutex
	sent []Payload
}

func (m *mockChannel) Name() string { return m.name }

func (m *mockChannel) Send(ctx context.Context, alert Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, alert)
	return m.err
}

func (m *mockChannel) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func TestManager_FansOutToEveryChannel(t *testing.T) {
	am := NewManager(logging.NewNop(), 100, 100)
	ok := &mockChannel{name: "ok"}
	failing := &mockChannel{name: "failing", err: errors.New("boom")}
	am.AddChannel(ok)
	am.AddChannel(failing)
	am.AddChannel(NewLogChannel(logging.NewNop()))

	ctx, cancel := context.WithCancel(context.Background())
	am.Raise(ctx, "Broker event discarded",
		&apperrors.ReconciliationGap{ClientOrderID: "c-1", Event: "FILL", Reason: "order is FILLED"},
		map[string]string{"client_order_id": "c-1"})
	cancel()
	am.Close()

	require.Equal(t, 1, ok.count())
	assert.Equal(t, 1, failing.count())
	got := ok.sent[0]
	assert.Equal(t, Warning, got.Level)
	assert.Equal(t, "Broker event discarded", got.Title)
	assert.Contains(t, got.Message, "order c-1")
	assert.Equal(t, "c-1", got.Fields["client_order_id"])
}

func TestManager_RateLimit(t *testing.T) {
	am := NewManager(logging.NewNop(), 0.001, 2)
	ch := &mockChannel{name: "m"}
	am.AddChannel(ch)

	for i := 0; i < 5; i++ {
		am.Alert(context.Background(), "flood", "", Info, nil)
	}
	am.Close()

	assert.Equal(t, 2, ch.count())
	assert.Equal(t, 3, am.Suppressed())
}

func TestLevelFor(t *testing.T) {
	assert.Equal(t, Info, LevelFor(nil))
	assert.Equal(t, Warning, LevelFor(&apperrors.ReconciliationGap{}))
	assert.Equal(t, Critical, LevelFor(&apperrors.FatalConfigError{Problems: []string{"x"}}))
	assert.Equal(t, Error, LevelFor(errors.New("order expired")))
}

func TestSlackChannel_PostsAttachment(t *testing.T) {
	bodies := make(chan map[string]interface{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		_ = json.Unmarshal(raw, &body)
		bodies <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewSlackChannel(srv.URL)
	require.NoError(t, ch.Send(context.Background(), Payload{
		Level:     Error,
		Title:     "Order expired",
		Message:   "cancel not confirmed",
		Timestamp: time.Unix(1767225600, 0),
		Fields:    map[string]string{"b": "2", "a": "1"},
	}))

	body := <-bodies
	att := body["attachments"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "#ff0000", att["color"])
	assert.Equal(t, "[ERROR] Order expired", att["pretext"])
	fields := att["fields"].([]interface{})
	require.Len(t, fields, 2)
	assert.Equal(t, "a", fields[0].(map[string]interface{})["title"])
}

func TestSlackChannel_ClientErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewSlackChannel(srv.URL).Send(context.Background(), Payload{Level: Info, Title: "x"})
	assert.Error(t, err)
}
