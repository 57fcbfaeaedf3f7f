package ws

import (
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchgrid/consolehub/config"
	"github.com/dispatchgrid/consolehub/presence"
	"github.com/dispatchgrid/consolehub/store"
	"github.com/dispatchgrid/consolehub/types"
)

// fakeConn is an in-memory transport standing in for *websocket.Conn.
type fakeConn struct {
	mu        sync.Mutex
	written   [][]byte
	pings     int
	failWrite bool
	closed    bool
	closeCh   chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{closeCh: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	<-f.closeCh
	return 0, nil, errors.New("connection closed")
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite {
		return errors.New("send failed")
	}
	if messageType == websocket.TextMessage {
		f.written = append(f.written, append([]byte(nil), data...))
	}
	return nil
}

func (f *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite {
		return errors.New("send failed")
	}
	if messageType == websocket.PingMessage {
		f.pings++
	}
	return nil
}

func (f *fakeConn) SetReadLimit(limit int64)            {}
func (f *fakeConn) SetReadDeadline(t time.Time) error   { return nil }
func (f *fakeConn) SetWriteDeadline(t time.Time) error  { return nil }
func (f *fakeConn) SetPongHandler(h func(string) error) {}
func (f *fakeConn) RemoteAddr() net.Addr                { return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.closeCh)
	}
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

// frames decodes everything written to the transport.
func (f *fakeConn) frames() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	frames := make([]map[string]interface{}, 0, len(f.written))
	for _, data := range f.written {
		frame := make(map[string]interface{})
		if err := json.Unmarshal(data, &frame); err == nil {
			frames = append(frames, frame)
		}
	}
	return frames
}

func (f *fakeConn) framesOfType(frameType string) []map[string]interface{} {
	frames := make([]map[string]interface{}, 0)
	for _, frame := range f.frames() {
		if frame["type"] == frameType {
			frames = append(frames, frame)
		}
	}
	return frames
}

func newTestHub(t *testing.T) (*Hub, *store.Store) {
	dir := t.TempDir()
	st := store.New(store.Config{
		DataPath:  filepath.Join(dir, "data.json"),
		BackupDir: filepath.Join(dir, "backups"),
	})
	_, err := st.Update(func(ds *types.Dataset) error {
		ds.Abonents = append(ds.Abonents,
			types.Abonent{Id: "op1", Name: "Operator 1", Online: true, CreatedAt: time.Now()},
			types.Abonent{Id: "op2", Name: "Operator 2", CreatedAt: time.Now()},
		)
		return nil
	})
	require.NoError(t, err)
	tracker, err := presence.NewTracker(st)
	require.NoError(t, err)
	hub := NewHub(&config.Config{}, st, tracker, nil)
	return hub, st
}

func addTestClient(h *Hub, conn Conn, abonentId string) *Client {
	c := newClient(h, conn, abonentId)
	h.addClient(c)
	return c
}

// drainSend empties the client's send channel without a transport.
func drainSend(c *Client) []map[string]interface{} {
	frames := make([]map[string]interface{}, 0)
	for {
		select {
		case data, ok := <-c.Send:
			if !ok {
				return frames
			}
			frame := make(map[string]interface{})
			if err := json.Unmarshal(data, &frame); err == nil {
				frames = append(frames, frame)
			}
		default:
			return frames
		}
	}
}

func TestAcceptSendsWelcome(t *testing.T) {
	hub, _ := newTestHub(t)
	conn := newFakeConn()
	c := hub.Accept(conn, "")

	assert.Equal(t, 1, hub.NoClients())
	assert.Equal(t, StateOpen, c.State())
	frames := drainSend(c)
	require.Equal(t, 1, len(frames))
	assert.Equal(t, types.FrameTypeWelcome, frames[0]["type"])
	assert.NotEmpty(t, frames[0]["serverTime"])
}

func TestBroadcastIsolation(t *testing.T) {
	hub, _ := newTestHub(t)
	connA, connB, connC := newFakeConn(), newFakeConn(), newFakeConn()
	connB.failWrite = true
	a := addTestClient(hub, connA, "")
	b := addTestClient(hub, connB, "")
	cc := addTestClient(hub, connC, "")
	go a.WriteLoop()
	go b.WriteLoop()
	go cc.WriteLoop()

	hub.handleFrame(a, []byte(`{"type":"ptt","group":"g1","userId":"op1"}`))

	// B's transport fails, A and C still receive the fan-out
	require.Eventually(t, func() bool {
		return len(connA.framesOfType(types.FrameTypePTTEvent)) == 1 &&
			len(connC.framesOfType(types.FrameTypePTTEvent)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, len(connB.framesOfType(types.FrameTypePTTEvent)))

	event := connA.framesOfType(types.FrameTypePTTEvent)[0]
	assert.Equal(t, "g1", event["group"])
	assert.Equal(t, "op1", event["userId"])
	assert.NotEmpty(t, event["timestamp"])
}

func TestMalformedFrameAnswersSenderOnly(t *testing.T) {
	hub, _ := newTestHub(t)
	a := addTestClient(hub, newFakeConn(), "")
	b := addTestClient(hub, newFakeConn(), "")

	hub.handleFrame(a, []byte(`{"type":"message","groupId":"g1"}`))

	framesA := drainSend(a)
	require.Equal(t, 1, len(framesA))
	assert.Equal(t, types.FrameTypeError, framesA[0]["type"])
	assert.Equal(t, 0, len(drainSend(b)))
	// the connection stays open
	assert.Equal(t, 2, hub.NoClients())

	hub.handleFrame(a, []byte(`not even json`))
	framesA = drainSend(a)
	require.Equal(t, 1, len(framesA))
	assert.Equal(t, types.FrameTypeError, framesA[0]["type"])
	assert.Equal(t, 2, hub.NoClients())
}

func TestUnknownFrameIsNoOp(t *testing.T) {
	hub, _ := newTestHub(t)
	a := addTestClient(hub, newFakeConn(), "")
	b := addTestClient(hub, newFakeConn(), "")

	hub.handleFrame(a, []byte(`{"type":"jog_dial","level":3}`))

	assert.Equal(t, 0, len(drainSend(a)))
	assert.Equal(t, 0, len(drainSend(b)))
	assert.Equal(t, 2, hub.NoClients())
}

func TestMessageBroadcast(t *testing.T) {
	hub, _ := newTestHub(t)
	a := addTestClient(hub, newFakeConn(), "")
	b := addTestClient(hub, newFakeConn(), "")

	hub.handleFrame(a, []byte(`{"type":"message","groupId":"g1","userId":"op1","message":"check"}`))

	for _, c := range []*Client{a, b} {
		frames := drainSend(c)
		require.Equal(t, 1, len(frames))
		assert.Equal(t, types.FrameTypeNewMessage, frames[0]["type"])
		assert.Equal(t, "check", frames[0]["message"])
	}
}

func TestStatusUpdatePersistsBeforeBroadcast(t *testing.T) {
	hub, st := newTestHub(t)
	a := addTestClient(hub, newFakeConn(), "")
	b := addTestClient(hub, newFakeConn(), "")

	hub.handleFrame(a, []byte(`{"type":"status_update","userId":"op2","status":"online"}`))

	// persisted state is already consistent when the broadcast arrives
	abonent := st.Load().Abonent("op2")
	require.NotNil(t, abonent)
	assert.True(t, abonent.Online)
	assert.Equal(t, "op2", a.AbonentId())

	for _, c := range []*Client{a, b} {
		frames := drainSend(c)
		require.Equal(t, 1, len(frames))
		assert.Equal(t, types.FrameTypeUserStatus, frames[0]["type"])
		assert.Equal(t, "op2", frames[0]["userId"])
		assert.Equal(t, types.StatusOnline, frames[0]["status"])
	}

	// repeating the same status is not rebroadcast
	hub.handleFrame(a, []byte(`{"type":"status_update","userId":"op2","status":"online"}`))
	assert.Equal(t, 0, len(drainSend(b)))
}

func TestLivenessEviction(t *testing.T) {
	hub, st := newTestHub(t)
	connA, connB := newFakeConn(), newFakeConn()
	a := addTestClient(hub, connA, "op1")
	b := addTestClient(hub, connB, "")

	// first sweep: both probed, nobody evicted
	hub.livenessSweep()
	assert.Equal(t, 2, hub.NoClients())
	assert.Equal(t, 1, connA.pingCount())
	assert.Equal(t, 1, connB.pingCount())

	// B acknowledges the probe, A stays silent
	b.SetAlive(true)
	hub.livenessSweep()

	assert.Equal(t, 1, hub.NoClients())
	assert.Equal(t, StateClosed, a.State())
	assert.True(t, connA.isClosed())

	// exactly one offline notification reaches the surviving console
	framesB := drainSend(b)
	offline := make([]map[string]interface{}, 0)
	for _, frame := range framesB {
		if frame["type"] == types.FrameTypeUserStatus {
			offline = append(offline, frame)
		}
	}
	require.Equal(t, 1, len(offline))
	assert.Equal(t, "op1", offline[0]["userId"])
	assert.Equal(t, types.StatusOffline, offline[0]["status"])

	abonent := st.Load().Abonent("op1")
	assert.False(t, abonent.Online)
	require.NotNil(t, abonent.LastSeen)

	// eviction is final, a third sweep does not repeat the notification
	b.SetAlive(true)
	hub.livenessSweep()
	assert.Equal(t, 0, len(drainSend(b)))
}

func TestRemoveClientIsIdempotent(t *testing.T) {
	hub, _ := newTestHub(t)
	connA := newFakeConn()
	a := addTestClient(hub, connA, "op1")
	b := addTestClient(hub, newFakeConn(), "")

	hub.removeClient(a)
	hub.removeClient(a)

	assert.Equal(t, 1, hub.NoClients())
	assert.True(t, connA.isClosed())
	offline := make([]map[string]interface{}, 0)
	for _, frame := range drainSend(b) {
		if frame["type"] == types.FrameTypeUserStatus {
			offline = append(offline, frame)
		}
	}
	assert.Equal(t, 1, len(offline))
}

func TestHistoryReplayOnAccept(t *testing.T) {
	hub, _ := newTestHub(t)
	a := addTestClient(hub, newFakeConn(), "")
	hub.handleFrame(a, []byte(`{"type":"message","groupId":"g1","userId":"op1","message":"first"}`))
	hub.handleFrame(a, []byte(`{"type":"ptt","group":"g1","userId":"op1"}`))

	late := hub.Accept(newFakeConn(), "")
	frames := drainSend(late)
	require.Equal(t, 3, len(frames))
	assert.Equal(t, types.FrameTypeWelcome, frames[0]["type"])
	assert.Equal(t, types.FrameTypeNewMessage, frames[1]["type"])
	assert.Equal(t, types.FrameTypePTTEvent, frames[2]["type"])
}
