package infrastructure

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, hub *RealtimeHub, rooms ...string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, hub.Serve(w, r, rooms))
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRealtimeHub_DeliversToRoom(t *testing.T) {
	hub := NewRealtimeHub(zerolog.Nop())
	conn := dialHub(t, hub, TenantRoom("t1"), TicketRoom("tk-1"))
	require.Eventually(t, func() bool { return hub.Subscribers(TenantRoom("t1")) == 1 }, time.Second, 10*time.Millisecond)

	hub.EmitToTenant("t2", "messages.new", map[string]string{"id": "other"})
	hub.EmitToTicket("tk-1", "messages.new", map[string]string{"id": "m1"})

	var evt struct {
		Event   string            `json:"event"`
		Payload map[string]string `json:"payload"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, "messages.new", evt.Event)
	assert.Equal(t, "m1", evt.Payload["id"])
}

func TestRealtimeHub_UnregistersOnClose(t *testing.T) {
	hub := NewRealtimeHub(zerolog.Nop())
	conn := dialHub(t, hub, AgreementRoom("ag-1"))
	require.Eventually(t, func() bool { return hub.Subscribers(AgreementRoom("ag-1")) == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Subscribers(AgreementRoom("ag-1")) == 0 }, 2*time.Second, 10*time.Millisecond)

	// Emitting to an empty room is a no-op.
	hub.EmitToAgreement("ag-1", "leadAllocations.new", nil)
}

func TestRealtimeHub_Close(t *testing.T) {
	hub := NewRealtimeHub(zerolog.Nop())
	conn := dialHub(t, hub, TenantRoom("t1"))
	require.Eventually(t, func() bool { return hub.Subscribers(TenantRoom("t1")) == 1 }, time.Second, 10*time.Millisecond)

	hub.Close()
	assert.Zero(t, hub.Subscribers(TenantRoom("t1")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
