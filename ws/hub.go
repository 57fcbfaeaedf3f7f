package ws

import (
	"container/ring"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"

	"github.com/dispatchgrid/consolehub/archive"
	"github.com/dispatchgrid/consolehub/config"
	"github.com/dispatchgrid/consolehub/globals"
	"github.com/dispatchgrid/consolehub/presence"
	"github.com/dispatchgrid/consolehub/store"
	"github.com/dispatchgrid/consolehub/types"
)

const (
	maxMessageSize       = 4096
	writeWait            = 10 * time.Second
	defaultSweepInterval = 30 * time.Second
	defaultHistorySize   = 20
)

// Hub owns the set of live console connections. It validates and tags
// inbound signaling frames, fans them out to every open connection and runs
// the liveness sweep that evicts dead connections. The connection set is
// rebuilt empty on every process start, only the dataset is persistent.
type Hub struct {
	// live connections, membership means the connection is Open
	clients map[*Client]struct{}

	tracker  *presence.Tracker
	store    *store.Store
	archiver archive.Archiver

	sweepInterval   time.Duration
	backupRetention int
	pruneSpec       string

	// recent broadcast frames, replayed to newly accepted consoles
	historyMu                sync.Mutex
	historyStart, historyEnd *ring.Ring

	shutdown     chan struct{}
	shutdownOnce sync.Once

	// guards clients; broadcast iterates under the read lock, so a Send
	// channel is only ever closed while no broadcast is in flight
	sync.RWMutex
}

func NewHub(cfg *config.Config, st *store.Store, tracker *presence.Tracker, archiver archive.Archiver) *Hub {
	sweepInterval := defaultSweepInterval
	if cfg.HubConfig.SweepInterval > 0 {
		sweepInterval = cfg.HubConfig.SweepInterval
	}
	historySize := defaultHistorySize
	if cfg.HubConfig.HistorySize > 0 {
		historySize = cfg.HubConfig.HistorySize
	}
	history := ring.New(historySize)
	hub := &Hub{
		clients:         make(map[*Client]struct{}),
		tracker:         tracker,
		store:           st,
		archiver:        archiver,
		sweepInterval:   sweepInterval,
		backupRetention: cfg.StoreConfig.BackupRetention,
		pruneSpec:       cfg.StoreConfig.PruneSpec,
		historyStart:    history,
		historyEnd:      history,
		shutdown:        make(chan struct{}),
	}
	if archiver != nil {
		var t time.Time
		records, err := archiver.GetHistory(t, time.Now().Add(time.Minute), historySize)
		if err != nil {
			globals.AppLogger.Error("could not load archived history", "error", err)
		}
		// records come newest first, replay oldest first
		for i := len(records) - 1; i >= 0; i-- {
			if data, err := json.Marshal(recordFrame(records[i])); err == nil {
				hub.appendHistory(data)
			}
		}
	}
	return hub
}

// recordFrame rebuilds the broadcast frame for an archived record.
func recordFrame(r *archive.Record) types.Frame {
	switch r.Kind {
	case types.FrameTypePTTEvent:
		return &types.PTTEventFrame{Type: r.Kind, Group: r.GroupId, UserId: r.AbonentId, Timestamp: r.Created}
	default:
		return &types.NewMessageFrame{Type: types.FrameTypeNewMessage, GroupId: r.GroupId, UserId: r.AbonentId, Message: r.Body, Timestamp: r.Created}
	}
}

// NoClients returns the number of open connections.
func (h *Hub) NoClients() int {
	h.RLock()
	defer h.RUnlock()
	return len(h.clients)
}

// Accept registers a new connection, sends the welcome frame and replays the
// recent history. The abonentId may be empty, a later status_update or
// user_connect frame associates the connection with an abonent.
func (h *Hub) Accept(conn Conn, abonentId string) *Client {
	c := newClient(h, conn, abonentId)
	h.addClient(c)
	globals.AppLogger.Info("accepted connection", "remote", c.RemoteAddr(), "abonent", abonentId)

	if data, err := json.Marshal(types.NewWelcomeFrame("connected to consolehub")); err == nil {
		h.sendToClient(c, data)
	}
	for _, data := range h.recentHistory() {
		h.sendToClient(c, data)
	}
	if abonentId != "" {
		h.setPresence(abonentId, types.StatusOnline)
	}
	return c
}

// Run drives the liveness sweep and the scheduled backup pruning until Close
// is called.
func (h *Hub) Run() {
	cronRunner := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if h.pruneSpec != "" && h.backupRetention > 0 {
		if _, err := cronRunner.AddFunc(h.pruneSpec, func() {
			if err := h.store.PruneBackups(h.backupRetention); err != nil {
				globals.AppLogger.Error("could not prune backups", "error", err)
			}
		}); err != nil {
			globals.AppLogger.Error("could not schedule backup pruning", "error", err)
		}
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.livenessSweep()
		case <-h.shutdown:
			h.closeAll()
			return
		}
	}
}

// Close stops the run loop and drops all connections.
func (h *Hub) Close() {
	h.shutdownOnce.Do(func() { close(h.shutdown) })
}

func (h *Hub) closeAll() {
	h.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.RUnlock()
	for _, c := range clients {
		h.removeClient(c)
	}
}

// handleFrame dispatches one raw inbound frame from c. Malformed input is
// answered with an error frame to the sender only, the connection stays open
// and nothing is broadcast.
func (h *Hub) handleFrame(c *Client, raw []byte) {
	frame, err := types.DecodeFrame(raw)
	if err != nil {
		globals.AppLogger.Info("malformed frame", "remote", c.RemoteAddr(), "error", err)
		h.sendErrorFrame(c, err.Error())
		return
	}
	switch f := frame.(type) {
	case *types.PTTFrame:
		evt := types.NewPTTEventFrame(f.Group, f.UserId)
		h.recordEvent(evt.FrameType(), evt.Group, evt.UserId, "", evt.Timestamp)
		h.BroadcastFrame(evt)

	case *types.MessageFrame:
		evt := types.NewNewMessageFrame(f.GroupId, f.UserId, f.Message)
		h.recordEvent(evt.FrameType(), evt.GroupId, evt.UserId, evt.Message, evt.Timestamp)
		h.BroadcastFrame(evt)

	case *types.StatusUpdateFrame:
		c.setAbonentId(f.UserId)
		h.setPresence(f.UserId, f.Status)

	case *types.UserConnectFrame:
		c.setAbonentId(f.UserId)
		h.setPresence(f.UserId, f.Status)

	case *types.UnknownFrame:
		globals.AppLogger.Info("ignoring frame of unknown type", "type", f.Type, "remote", c.RemoteAddr())
	}
}

// setPresence persists the status change first and only then broadcasts it,
// so a load right after the broadcast observes consistent state.
func (h *Hub) setPresence(abonentId, status string) {
	var changed bool
	var err error
	if status == types.StatusOnline {
		changed, err = h.tracker.SetOnline(abonentId)
	} else {
		changed, err = h.tracker.SetOffline(abonentId)
	}
	if err != nil {
		globals.AppLogger.Error("could not update presence", "abonent", abonentId, "error", err)
		return
	}
	if changed {
		h.BroadcastFrame(types.NewUserStatusFrame(abonentId, status))
	}
}

// BroadcastFrame serializes the frame once and sends it to every open
// connection. A send failure to one connection never prevents delivery to
// the others.
func (h *Hub) BroadcastFrame(frame types.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		globals.AppLogger.Error("could not marshal frame", "type", frame.FrameType(), "error", err)
		return
	}
	h.RLock()
	defer h.RUnlock()
	for c := range h.clients {
		select {
		case c.Send <- data:
		default:
			// a console that cannot drain its buffer misses the frame, it
			// will be evicted by the sweep if it is actually dead
			globals.AppLogger.Warn("send buffer full, dropping frame", "remote", c.RemoteAddr())
		}
	}
}

func (h *Hub) sendToClient(c *Client, data []byte) {
	h.RLock()
	defer h.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.Send <- data:
	default:
		globals.AppLogger.Warn("send buffer full, dropping frame", "remote", c.RemoteAddr())
	}
}

func (h *Hub) sendErrorFrame(c *Client, message string) {
	data, err := json.Marshal(types.NewErrorFrame(message))
	if err != nil {
		return
	}
	h.sendToClient(c, data)
}

// recordEvent appends a broadcast event to the in-memory history and, if an
// archiver is configured, persists it.
func (h *Hub) recordEvent(kind, groupId, abonentId, body string, created time.Time) {
	record := &archive.Record{Kind: kind, GroupId: groupId, AbonentId: abonentId, Body: body, Created: created}
	if data, err := json.Marshal(recordFrame(record)); err == nil {
		h.appendHistory(data)
	}
	if h.archiver == nil {
		return
	}
	if err := record.CreateId(); err != nil {
		globals.AppLogger.Error("could not hash record", "error", err)
		return
	}
	if err := h.archiver.StoreRecord(record); err != nil {
		globals.AppLogger.Error("could not archive record", "error", err)
	}
}

func (h *Hub) appendHistory(data []byte) {
	h.historyMu.Lock()
	defer h.historyMu.Unlock()
	h.historyEnd.Value = data
	h.historyEnd = h.historyEnd.Next()
	if h.historyEnd == h.historyStart {
		h.historyStart = h.historyStart.Next()
	}
}

func (h *Hub) recentHistory() [][]byte {
	h.historyMu.Lock()
	defer h.historyMu.Unlock()
	history := make([][]byte, 0)
	for current := h.historyStart; current != h.historyEnd; current = current.Next() {
		history = append(history, current.Value.([]byte))
	}
	return history
}

// livenessSweep probes every connection. A connection that has not
// acknowledged the previous probe is treated as a network-level failure and
// evicted, which bounds the detection of a half-open connection to two sweep
// intervals.
func (h *Hub) livenessSweep() {
	h.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.RUnlock()
	for _, c := range clients {
		if !c.Alive() {
			globals.AppLogger.Info("evicting unresponsive connection", "remote", c.RemoteAddr())
			h.removeClient(c)
			continue
		}
		c.SetAlive(false)
		if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			globals.AppLogger.Info("could not send liveness probe", "remote", c.RemoteAddr(), "error", err)
			h.removeClient(c)
		}
	}
}

// pongWait bounds how long a read may block without any liveness
// acknowledgment from the console.
func (h *Hub) pongWait() time.Duration {
	return 3 * h.sweepInterval
}

func (h *Hub) addClient(c *Client) {
	h.Lock()
	h.clients[c] = struct{}{}
	h.Unlock()
	c.setState(StateOpen)
}

// removeClient drops the connection from the hub, closes it and marks the
// associated abonent offline. It is idempotent: explicit close, protocol
// error and liveness eviction all funnel through here, but only the first
// caller performs the teardown.
func (h *Hub) removeClient(c *Client) {
	h.Lock()
	if _, ok := h.clients[c]; !ok {
		h.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.Send)
	h.Unlock()
	c.setState(StateClosed)
	c.conn.Close()
	globals.AppLogger.Info("connection closed", "remote", c.RemoteAddr(), "abonent", c.AbonentId())

	if id := c.AbonentId(); id != "" {
		h.setPresence(id, types.StatusOffline)
	}
}
