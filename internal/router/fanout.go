package router

import (
	"encoding/json"

	"github.com/voxhall/voxhall/internal/bus"
	"github.com/voxhall/voxhall/internal/metrics"
	"github.com/voxhall/voxhall/internal/rooms"
	"github.com/voxhall/voxhall/internal/session"
)

// BindBus attaches the outbound side: envelopes from the bus become client
// frames for local room members. Call once after construction.
func (r *Router) BindBus() {
	r.subs = append(r.subs,
		r.cfg.Bus.Subscribe("room.>", r.onRoomEnvelope),
		r.cfg.Bus.Subscribe("typing.>", r.onTypingEnvelope),
		r.cfg.Bus.Subscribe("moderation.>", r.onModerationEnvelope),
	)
}

// Close detaches the router from the bus.
func (r *Router) Close() {
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
	r.subs = nil
}

// onRoomEnvelope fans a room event out to the room's local sessions. The
// originating session is excluded so senders do not hear their own echo.
func (r *Router) onRoomEnvelope(env *bus.Envelope) {
	roomID, ok := rooms.FromTopic(env.Topic)
	if !ok {
		return
	}
	frame, err := json.Marshal(&session.Event{Event: env.Kind, Data: env.Payload})
	if err != nil {
		return
	}
	n := r.cfg.Rooms.Broadcast(roomID, frame, env.OriginSessionID)
	if n > 0 {
		metrics.FanOutDeliveries.WithLabelValues(env.Kind).Add(float64(n))
	}
}

// onTypingEnvelope delivers settled typing snapshots to the room. The
// payload names its room; the topic is only a routing key.
func (r *Router) onTypingEnvelope(env *bus.Envelope) {
	if env.Kind != "typing.update" {
		return
	}
	var up struct {
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(env.Payload, &up); err != nil || up.RoomID == "" {
		return
	}
	frame, err := json.Marshal(&session.Event{Event: "typing.update", Data: env.Payload})
	if err != nil {
		return
	}
	r.cfg.Rooms.Broadcast(up.RoomID, frame, "")
}

// onModerationEnvelope enforces kicks and bans on local sessions regardless
// of which node the moderator was connected to. Moderation envelopes carry
// Broadcast, so the issuing node lands here too; closing an already-closed
// session is a no-op.
func (r *Router) onModerationEnvelope(env *bus.Envelope) {
	var action moderationAction
	if err := json.Unmarshal(env.Payload, &action); err != nil || action.TargetUserID == "" {
		return
	}
	switch env.Kind {
	case "moderation.kick":
		r.enforceKick(&action)
	case "moderation.ban":
		r.enforceBan(&action)
	}
}
