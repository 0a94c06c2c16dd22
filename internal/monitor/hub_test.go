// ABOUTME: Tests for the websocket monitor hub
// ABOUTME: Tests greeting, snapshot on connect, broadcasts, requests and shutdown
package monitor

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Resonate-Protocol/streamsync/internal/acquire"
	"github.com/Resonate-Protocol/streamsync/pkg/tsync"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestHubGreetsWithSnapshot(t *testing.T) {
	hub := NewHub(Hello{Module: "rig", CollectionID: "abc", Product: "streamsync", SoftwareVersion: "test"})
	hub.SyncDetailsChanged("mic", tsync.DefaultStrategies, 5*time.Millisecond)
	hub.SyncDetailsChanged("cam", tsync.ShiftForward, time.Millisecond)
	hub.OffsetChanged("cam", -1500*time.Microsecond)
	hub.StreamStats(acquire.StreamStats{Name: "cam", Kind: "clock", Packets: 7})

	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()
	conn := dial(t, srv)

	env := read(t, conn)
	require.Equal(t, TypeHello, env.Type)
	var hello Hello
	require.NoError(t, json.Unmarshal(env.Payload, &hello))
	assert.Equal(t, "rig", hello.Module)

	env = read(t, conn)
	require.Equal(t, TypeSnapshot, env.Type)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(env.Payload, &snap))
	require.Len(t, snap.Details, 2)
	assert.Equal(t, "cam", snap.Details[0].Stream)
	assert.Equal(t, "shift-forward", snap.Details[0].Strategies)
	assert.Equal(t, int64(1000), snap.Details[0].ToleranceMicros)
	assert.Equal(t, []SyncOffset{{Stream: "cam", DeviationMicros: -1500}}, snap.Offsets)
	require.Len(t, snap.Stats, 1)
	assert.Equal(t, int64(7), snap.Stats[0].Packets)

	assert.Equal(t, 1, hub.Clients())
}

func TestHubBroadcasts(t *testing.T) {
	hub := NewHub(Hello{Module: "rig"})
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	a, b := dial(t, srv), dial(t, srv)
	for _, c := range []*websocket.Conn{a, b} {
		assert.Equal(t, TypeHello, read(t, c).Type)
		assert.Equal(t, TypeSnapshot, read(t, c).Type)
	}

	hub.OffsetChanged("mic", 7*time.Millisecond)
	hub.StreamStats(acquire.StreamStats{Name: "mic", Calibrated: true})

	for _, c := range []*websocket.Conn{a, b} {
		env := read(t, c)
		require.Equal(t, TypeOffset, env.Type)
		var o SyncOffset
		require.NoError(t, json.Unmarshal(env.Payload, &o))
		assert.Equal(t, SyncOffset{Stream: "mic", DeviationMicros: 7000}, o)

		env = read(t, c)
		require.Equal(t, TypeStats, env.Type)
		var s acquire.StreamStats
		require.NoError(t, json.Unmarshal(env.Payload, &s))
		assert.True(t, s.Calibrated)
	}
}

func TestHubAnswersRequests(t *testing.T) {
	hub := NewHub(Hello{})
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	read(t, conn)
	read(t, conn)

	hub.SyncDetailsChanged("mic", tsync.DefaultStrategies, time.Millisecond)
	assert.Equal(t, TypeDetails, read(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Message{Type: TypeSnapshot}))
	env := read(t, conn)
	require.Equal(t, TypeSnapshot, env.Type)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(env.Payload, &snap))
	assert.Len(t, snap.Details, 1)

	require.NoError(t, conn.WriteJSON(Message{Type: "player/update"}))
	assert.Equal(t, TypeError, read(t, conn).Type)
}

func TestHubStop(t *testing.T) {
	hub := NewHub(Hello{})
	addr, err := hub.Start("127.0.0.1:0")
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr.String()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	read(t, conn)
	read(t, conn)

	hub.Stop()
	hub.Stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, 5*time.Second, 10*time.Millisecond)

	// broadcasting without clients is fine
	hub.OffsetChanged("mic", time.Millisecond)
}
