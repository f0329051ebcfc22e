package server

import (
	"context"
	"net/http"

	"github.com/geohunt/engine/internal/syncchan"
	"github.com/geohunt/engine/pkg/core"
	"github.com/geohunt/engine/pkg/streaming"
	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
)

// client is one connected device.
type client struct {
	deviceID string
	codec    streaming.Codec
	conn     *syncchan.WSConn
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if s.cfg.Secret != "" && q.Get("secret") != s.cfg.Secret {
		http.Error(w, "invalid secret", http.StatusUnauthorized)
		return
	}
	codec, err := streaming.CodecByName(q.Get("codec"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	deviceID := q.Get("device")
	if deviceID == "" {
		deviceID = "anon-" + uuid.NewString()[:8]
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "device", deviceID, "error", err)
		return
	}
	msgType := ws.TextMessage
	if codec.Binary() {
		msgType = ws.BinaryMessage
	}

	c := &client{
		deviceID: deviceID,
		codec:    codec,
		conn:     syncchan.NewWSConn(conn, msgType, s.log),
	}
	s.register(c)
	defer s.unregister(c)

	s.log.Info("Device connected", "device", deviceID, "codec", codec.Name())
	ctx := r.Context()
	for {
		data, err := c.conn.Receive(ctx)
		if err != nil {
			s.log.Info("Device disconnected", "device", deviceID, "error", err)
			return
		}
		s.handleFrame(ctx, c, data)
	}
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	_ = c.conn.Close()
}

func (s *Server) closeClients() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		_ = c.conn.Close()
	}
}

func (s *Server) send(ctx context.Context, c *client, env streaming.Envelope) {
	data, err := c.codec.Marshal(env)
	if err != nil {
		s.log.Error("encode frame", "type", env.Type, "error", err)
		return
	}
	if err := c.conn.Send(ctx, data); err != nil {
		s.log.Debug("send failed", "device", c.deviceID, "type", env.Type, "error", err)
	}
}

// broadcast sends an object event to every device except skip.
func (s *Server) broadcast(typ core.ChangeType, obj core.PlaceableObject, origin string, skip *client) {
	s.mu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		if c != skip {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	env := streaming.NewObjectEvent(uuid.NewString(), typ, obj, origin)
	for _, c := range targets {
		s.send(context.Background(), c, env)
	}
	s.broadcasts.Add(1)
}

func (s *Server) handleFrame(ctx context.Context, c *client, data []byte) {
	s.received.Add(1)
	var env streaming.Envelope
	if err := c.codec.Unmarshal(data, &env); err != nil {
		s.log.Warn("dropping undecodable frame", "device", c.deviceID, "error", err)
		return
	}

	switch env.Type {
	case streaming.TypeResyncRequest:
		s.resyncs.Add(1)
		s.send(ctx, c, streaming.NewResyncResponse(env.ID, s.st.Snapshot()))
	case streaming.TypeObjectEvent:
		reply, fwd := s.applyEvent(c.deviceID, env)
		s.send(ctx, c, reply)
		if fwd != nil {
			skip := c
			if fwd.echo {
				skip = nil
			}
			s.broadcast(fwd.typ, fwd.obj, fwd.origin, skip)
		}
	case streaming.TypeAck:
	default:
		s.log.Debug("ignoring frame", "device", c.deviceID, "type", env.Type)
	}
}

// forward is an accepted or re-stamped change for the other devices.
type forward struct {
	typ    core.ChangeType
	obj    core.PlaceableObject
	origin string
	// echo also sends the change back to its origin device.
	echo bool
}

// applyEvent applies one device change and returns the reply for the sender.
//
// An accepted change is acked and forwarded to the other devices. A repeat
// of what the server already holds is acked without forwarding. Anything
// else loses: the current object is re-stamped above both versions, returned
// to the sender in the rejection and sent to every other device. The first
// collection of a collectable object always wins, even when the server
// bumped the object after the device last saw it.
func (s *Server) applyEvent(deviceID string, env streaming.Envelope) (streaming.Envelope, *forward) {
	ev := env.Payload.Event
	if ev == nil {
		s.rejected.Add(1)
		return streaming.NewRejected(env.ID, "missing event", nil), nil
	}
	obj := streaming.WireObject(ev.Object)

	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	cur, exists := s.st.Get(obj.ID)
	if exists && collectedByOther(cur, obj) {
		return s.restamp(env.ID, cur, ev.Version, "already collected")
	}
	if exists && ev.Version <= cur.Version && firstCollection(cur, obj) {
		return s.acceptCollection(env.ID, deviceID, cur, obj, ev.Version)
	}

	changed, err := s.st.ApplyRemote(obj, ev.Version)
	if err != nil {
		s.rejected.Add(1)
		s.log.Info("change refused", "device", deviceID, "object", obj.ID, "error", err)
		var current *core.PlaceableObject
		if exists {
			current = &cur
		}
		return streaming.NewRejected(env.ID, err.Error(), current), nil
	}
	if changed {
		s.accepted.Add(1)
		stored, _ := s.st.Get(obj.ID)
		return streaming.NewAck(env.ID), &forward{typ: changeFor(stored, ev.Type), obj: stored, origin: deviceID}
	}

	if exists && sameContent(cur, obj) {
		s.duplicates.Add(1)
		return streaming.NewAck(env.ID), nil
	}
	if !exists {
		s.rejected.Add(1)
		return streaming.NewRejected(env.ID, "not applied", nil), nil
	}
	return s.restamp(env.ID, cur, ev.Version, "stale version")
}

// restamp must be called with applyMu held.
func (s *Server) restamp(frameID string, cur core.PlaceableObject, version uint64, reason string) (streaming.Envelope, *forward) {
	s.rejected.Add(1)
	next := max(cur.Version, version) + 1
	if ok, err := s.st.Upsert(cur, next); err == nil && ok {
		cur, _ = s.st.Get(cur.ID)
	} else {
		// Removed objects ignore upserts; the bump only travels on the wire.
		cur.Version = next
	}
	return streaming.NewRejected(frameID, reason, &cur), &forward{
		typ: changeFor(cur, core.ChangeUpdated),
		obj: cur,
	}
}

// acceptCollection applies a collection made against an older version. The
// result carries a version above both, so the collector takes it too.
// It must be called with applyMu held.
func (s *Server) acceptCollection(frameID, deviceID string, cur, incoming core.PlaceableObject, version uint64) (streaming.Envelope, *forward) {
	won := cur
	won.State = core.StateCollected
	won.CollectedBy = incoming.CollectedBy
	won.CollectedAt = incoming.CollectedAt
	if won.CollectedAt.IsZero() {
		won.CollectedAt = s.now().UTC()
	}
	ok, err := s.st.Upsert(won, max(cur.Version, version)+1)
	if err != nil || !ok {
		s.rejected.Add(1)
		reason := "not applied"
		if err != nil {
			reason = err.Error()
		}
		return streaming.NewRejected(frameID, reason, &cur), nil
	}
	s.accepted.Add(1)
	stored, _ := s.st.Get(cur.ID)
	s.log.Info("late collection accepted", "device", deviceID, "object", cur.ID, "version", stored.Version)
	return streaming.NewAck(frameID), &forward{typ: core.ChangeCollected, obj: stored, origin: deviceID, echo: true}
}

func firstCollection(cur, incoming core.PlaceableObject) bool {
	return incoming.State == core.StateCollected && !cur.State.Terminal() && incoming.CollectedBy != ""
}

func collectedByOther(cur, incoming core.PlaceableObject) bool {
	return cur.State == core.StateCollected &&
		incoming.State == core.StateCollected &&
		cur.CollectedBy != incoming.CollectedBy
}

func sameContent(a, b core.PlaceableObject) bool {
	return a.State == b.State && a.CollectedBy == b.CollectedBy && a.SamePosition(&b)
}

// changeFor names the event that announces obj in its current state.
func changeFor(obj core.PlaceableObject, fallback core.ChangeType) core.ChangeType {
	switch obj.State {
	case core.StateCollected:
		return core.ChangeCollected
	case core.StateRemoved:
		return core.ChangeRemoved
	}
	if fallback == core.ChangeCreated {
		return fallback
	}
	return core.ChangeUpdated
}
