package events

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestHub_BroadcastsAndFiltersByProfile(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub(zap.NewNop())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	all := dial(t, srv, "")
	defer all.Close()
	onlyA := dial(t, srv, "?profile=a")
	defer onlyA.Close()

	require.Eventually(t, func() bool { return hub.Subscribers() == 2 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(Event{Kind: KindLog, ProfileID: "b", Payload: "for b"})
	hub.Publish(Event{Kind: KindLog, ProfileID: "a", Payload: "for a"})

	var ev Event
	require.NoError(t, all.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, all.ReadJSON(&ev))
	assert.Equal(t, "b", ev.ProfileID)
	assert.False(t, ev.Time.IsZero())
	require.NoError(t, all.ReadJSON(&ev))
	assert.Equal(t, "a", ev.ProfileID)

	require.NoError(t, onlyA.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, onlyA.ReadJSON(&ev))
	assert.Equal(t, "a", ev.ProfileID)
	assert.Equal(t, "for a", ev.Payload)
}

func TestHub_CloseDisconnectsSubscribers(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub(zap.NewNop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, "")
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Close()
	assert.Equal(t, 0, hub.Subscribers())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	// publishing after close is harmless
	hub.Publish(Event{Kind: KindTask})
}

func TestHub_PeerDisconnectUnregisters(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub(zap.NewNop())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	conn.Close()
	assert.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}
