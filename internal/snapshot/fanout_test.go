package snapshot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/freitascorp/meridian/internal/ecs"
)

// dialPair spins up a single-connection echo-free websocket server and
// returns the server-side conn (handed to a Subscriber) and the
// client-side conn (used by the test to read frames).
func dialPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		connCh <- c
	}))
	t.Cleanup(srv.Close)

	url := "ws" + srv.URL[len("http"):]
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	server = <-connCh
	t.Cleanup(func() { server.Close() })
	return server, client
}

func TestBroadcasterSendsFullSnapshotOnFirstFrame(t *testing.T) {
	factory, reg := setupCombatModule(t)
	view := ecs.NewModuleView(factory.RawStore(), factory, "combat", "m1", 1)
	e, err := view.CreateEntity("m1")
	require.NoError(t, err)
	require.NoError(t, view.AttachComponent(e, "POSITION_X", 3.0))

	builder := NewBuilder(factory, reg)
	b := NewBroadcaster(builder, factory, reg, nil, nil)

	serverConn, clientConn := dialPair(t)
	sub := &Subscriber{MatchID: "m1", Conn: serverConn}
	b.Subscribe(sub)

	require.NoError(t, b.Tick(context.Background(), "m1", 1))

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame snapshotWire
	require.NoError(t, clientConn.ReadJSON(&frame))
	require.Len(t, frame.Modules, 1)
	require.Equal(t, []float32{3.0}, frame.Modules[0].Components[0].Values)
}

func TestBroadcasterSendsDeltaOnSubsequentFrame(t *testing.T) {
	factory, reg := setupCombatModule(t)
	view := ecs.NewModuleView(factory.RawStore(), factory, "combat", "m1", 1)
	e, err := view.CreateEntity("m1")
	require.NoError(t, err)
	require.NoError(t, view.AttachComponent(e, "POSITION_X", 1.0))

	builder := NewBuilder(factory, reg)
	b := NewBroadcaster(builder, factory, reg, nil, nil)

	serverConn, clientConn := dialPair(t)
	sub := &Subscriber{MatchID: "m1", Conn: serverConn}
	b.Subscribe(sub)

	require.NoError(t, b.Tick(context.Background(), "m1", 1))
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first snapshotWire
	require.NoError(t, clientConn.ReadJSON(&first))

	require.NoError(t, view.AttachComponent(e, "POSITION_X", 7.0))
	dirty := factory.ConsumeDirty("m1")
	builder.Notify(2, "m1", dirty)

	require.NoError(t, b.Tick(context.Background(), "m1", 2))
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var second deltaWire
	require.NoError(t, clientConn.ReadJSON(&second))
	require.Equal(t, uint64(1), second.FromTick)
	require.Equal(t, uint64(2), second.ToTick)
	changed := second.ChangedComponents["combat"]["POSITION_X"]
	require.Equal(t, float32(7.0), changed["0"])
}

func TestBroadcasterPlayerScopedAlwaysFullAndFiltered(t *testing.T) {
	factory, reg := setupCombatModule(t)
	view := ecs.NewModuleView(factory.RawStore(), factory, "combat", "m1", 1)

	mine, err := view.CreateEntity("m1")
	require.NoError(t, err)
	require.NoError(t, view.AttachComponent(mine, "POSITION_X", 5.0))
	require.NoError(t, view.AttachComponent(mine, ecs.ComponentOwnerID, 1))

	theirs, err := view.CreateEntity("m1")
	require.NoError(t, err)
	require.NoError(t, view.AttachComponent(theirs, "POSITION_X", 9.0))
	require.NoError(t, view.AttachComponent(theirs, ecs.ComponentOwnerID, 2))

	builder := NewBuilder(factory, reg)
	b := NewBroadcaster(builder, factory, reg, nil, nil)

	serverConn, clientConn := dialPair(t)
	sub := &Subscriber{MatchID: "m1", PlayerScoped: true, OwnerHandle: 1, Conn: serverConn}
	b.Subscribe(sub)

	require.NoError(t, b.Tick(context.Background(), "m1", 1))
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame snapshotWire
	require.NoError(t, clientConn.ReadJSON(&frame))
	require.Equal(t, []float32{5.0}, frame.Modules[0].Components[0].Values)
}

func TestBroadcasterResetForcesFullSnapshot(t *testing.T) {
	factory, reg := setupCombatModule(t)
	view := ecs.NewModuleView(factory.RawStore(), factory, "combat", "m1", 1)
	e, err := view.CreateEntity("m1")
	require.NoError(t, err)
	require.NoError(t, view.AttachComponent(e, "POSITION_X", 1.0))

	builder := NewBuilder(factory, reg)
	b := NewBroadcaster(builder, factory, reg, nil, nil)

	serverConn, clientConn := dialPair(t)
	sub := &Subscriber{MatchID: "m1", Conn: serverConn}
	b.Subscribe(sub)

	require.NoError(t, b.Tick(context.Background(), "m1", 1))
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first snapshotWire
	require.NoError(t, clientConn.ReadJSON(&first))

	sub.Reset()
	require.NoError(t, b.Tick(context.Background(), "m1", 2))
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var second snapshotWire
	require.NoError(t, clientConn.ReadJSON(&second))
	require.Equal(t, uint64(2), second.Tick)
}

func TestBroadcasterDropsSubscriberAfterConnClose(t *testing.T) {
	factory, reg := setupCombatModule(t)
	builder := NewBuilder(factory, reg)
	b := NewBroadcaster(builder, factory, reg, nil, nil)

	serverConn, clientConn := dialPair(t)
	sub := &Subscriber{MatchID: "m1", Conn: serverConn}
	b.Subscribe(sub)
	clientConn.Close()

	require.Eventually(t, func() bool {
		require.NoError(t, b.Tick(context.Background(), "m1", 1))
		b.mu.Lock()
		_, stillSubscribed := b.subscribers[sub]
		b.mu.Unlock()
		return !stillSubscribed
	}, 2*time.Second, 50*time.Millisecond, "subscriber must be dropped once its connection is closed")
}
