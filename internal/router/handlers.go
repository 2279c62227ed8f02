package router

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/voxhall/voxhall/internal/breaker"
	"github.com/voxhall/voxhall/internal/bus"
	"github.com/voxhall/voxhall/internal/directory"
	"github.com/voxhall/voxhall/internal/presence"
	"github.com/voxhall/voxhall/internal/rooms"
	"github.com/voxhall/voxhall/internal/session"
)

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return badRequest("data", "missing payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return badRequest("data", "malformed payload")
	}
	return nil
}

// depError maps a circuit-broken call failure to a client error.
func depError(err error) *handlerError {
	if errors.Is(err, breaker.ErrOpen) {
		return unavailable()
	}
	if errors.Is(err, directory.ErrNotFound) {
		return notFound("no such content")
	}
	return unavailable()
}

type roomPresence struct {
	RoomID      string `json:"room_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Delta       int    `json:"delta"`
	LocalCount  int    `json:"local_count"`
}

func (r *Router) handleJoin(_ context.Context, s *session.Session, ev *session.Event) error {
	var req struct {
		RoomID string `json:"room_id"`
	}
	if err := decode(ev.Data, &req); err != nil {
		return err
	}
	if !rooms.Valid(req.RoomID) {
		return badRequest("room_id", "invalid room id")
	}
	if !s.JoinRoom(req.RoomID) {
		s.SendReply("joined", ev.ID, map[string]string{"room_id": req.RoomID})
		return nil
	}
	count := r.cfg.Rooms.Join(req.RoomID, s)

	r.cfg.Bus.Publish(rooms.Topic(req.RoomID), "room.presence", &roomPresence{
		RoomID:      req.RoomID,
		UserID:      s.UserID,
		DisplayName: s.DisplayName,
		Delta:       1,
		LocalCount:  count,
	}, bus.PublishOptions{Priority: bus.PriorityNormal, OriginSessionID: s.ID})

	s.SendReply("joined", ev.ID, map[string]string{"room_id": req.RoomID})
	return nil
}

func (r *Router) handleLeave(_ context.Context, s *session.Session, ev *session.Event) error {
	var req struct {
		RoomID string `json:"room_id"`
	}
	if err := decode(ev.Data, &req); err != nil {
		return err
	}
	if !s.LeaveRoom(req.RoomID) {
		return badRequest("room_id", "not joined")
	}
	count := r.cfg.Rooms.Leave(req.RoomID, s)

	r.cfg.Bus.Publish(rooms.Topic(req.RoomID), "room.presence", &roomPresence{
		RoomID:     req.RoomID,
		UserID:     s.UserID,
		Delta:      -1,
		LocalCount: count,
	}, bus.PublishOptions{Priority: bus.PriorityNormal, OriginSessionID: s.ID})

	s.SendReply("left", ev.ID, map[string]string{"room_id": req.RoomID})
	return nil
}

func (r *Router) handleMessageSend(ctx context.Context, s *session.Session, ev *session.Event) error {
	var req struct {
		ChannelID string   `json:"channel_id"`
		Content   string   `json:"content"`
		RefID     string   `json:"ref_id,omitempty"`
		Mentions  []string `json:"mentions,omitempty"`
	}
	if err := decode(ev.Data, &req); err != nil {
		return err
	}
	if req.ChannelID == "" {
		return badRequest("channel_id", "required")
	}
	if req.Content == "" {
		return badRequest("content", "required")
	}

	var saved *directory.Message
	err := r.cfg.Breakers.Execute("content", func() error {
		var err error
		saved, err = r.cfg.Content.SaveMessage(ctx, &directory.Message{
			ChannelID: req.ChannelID,
			AuthorID:  s.UserID,
			Content:   req.Content,
			RefID:     req.RefID,
			Mentions:  req.Mentions,
		})
		return err
	})
	if err != nil {
		return depError(err)
	}

	roomID := rooms.Channel(req.ChannelID)
	r.cfg.Bus.Publish(rooms.Topic(roomID), "room.message.new", saved, bus.PublishOptions{
		Priority:        bus.PriorityNormal,
		Dedupe:          true,
		DedupeKey:       saved.ID,
		OriginSessionID: s.ID,
	})

	// The message itself announces the typing stopped.
	r.cfg.Typing.OnMessageSent(roomID, s.UserID)

	// Indexing is best-effort; search lag is acceptable, message loss is not.
	if r.cfg.Indexer != nil {
		go func(msg *directory.Message) {
			err := r.cfg.Breakers.Execute("index", func() error {
				indexCtx, cancel := context.WithTimeout(context.Background(), indexTimeout)
				defer cancel()
				return r.cfg.Indexer.Index(indexCtx, msg)
			})
			if err != nil {
				r.logger.Debug().Err(err).Str("message_id", msg.ID).Msg("Index write skipped")
			}
		}(saved)
	}

	s.SendReply("message.sent", ev.ID, saved)
	return nil
}

func (r *Router) handleMessageEdit(ctx context.Context, s *session.Session, ev *session.Event) error {
	var req struct {
		MessageID string `json:"message_id"`
		Content   string `json:"content"`
	}
	if err := decode(ev.Data, &req); err != nil {
		return err
	}
	if req.MessageID == "" || req.Content == "" {
		return badRequest("message_id", "message_id and content required")
	}

	var current *directory.Message
	err := r.cfg.Breakers.Execute("content", func() error {
		var err error
		current, err = r.cfg.Content.GetMessage(ctx, req.MessageID)
		if errors.Is(err, directory.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return depError(err)
	}
	if current == nil {
		return notFound("no such message")
	}
	if current.AuthorID != s.UserID {
		return forbidden("not the author")
	}

	var updated *directory.Message
	err = r.cfg.Breakers.Execute("content", func() error {
		var err error
		updated, err = r.cfg.Content.UpdateMessage(ctx, req.MessageID, req.Content)
		return err
	})
	if err != nil {
		return depError(err)
	}

	r.cfg.Bus.Publish(rooms.Topic(rooms.Channel(updated.ChannelID)), "room.message.edit", updated, bus.PublishOptions{
		Priority:        bus.PriorityNormal,
		OriginSessionID: s.ID,
	})
	s.SendReply("message.edited", ev.ID, updated)
	return nil
}

func (r *Router) handleMessageDelete(ctx context.Context, s *session.Session, ev *session.Event) error {
	var req struct {
		MessageID string `json:"message_id"`
	}
	if err := decode(ev.Data, &req); err != nil {
		return err
	}
	if req.MessageID == "" {
		return badRequest("message_id", "required")
	}

	var current *directory.Message
	err := r.cfg.Breakers.Execute("content", func() error {
		var err error
		current, err = r.cfg.Content.GetMessage(ctx, req.MessageID)
		if errors.Is(err, directory.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return depError(err)
	}
	if current == nil {
		return notFound("no such message")
	}
	if current.AuthorID != s.UserID && !s.HasRole("moderator") && !s.HasRole("admin") {
		return forbidden("not the author")
	}

	err = r.cfg.Breakers.Execute("content", func() error {
		return r.cfg.Content.DeleteMessage(ctx, req.MessageID)
	})
	if err != nil {
		return depError(err)
	}

	r.cfg.Bus.Publish(rooms.Topic(rooms.Channel(current.ChannelID)), "room.message.delete", map[string]string{
		"message_id": req.MessageID,
		"channel_id": current.ChannelID,
	}, bus.PublishOptions{Priority: bus.PriorityNormal, OriginSessionID: s.ID})

	s.SendReply("message.deleted", ev.ID, map[string]string{"message_id": req.MessageID})
	return nil
}

func (r *Router) handleTypingStart(_ context.Context, s *session.Session, ev *session.Event) error {
	var req struct {
		ChannelID string `json:"channel_id"`
		Device    string `json:"device,omitempty"`
	}
	if err := decode(ev.Data, &req); err != nil {
		return err
	}
	if req.ChannelID == "" {
		return badRequest("channel_id", "required")
	}
	r.cfg.Typing.Start(rooms.Channel(req.ChannelID), s.UserID, s.DisplayName, req.Device, s.ID)
	return nil
}

func (r *Router) handleTypingStop(_ context.Context, s *session.Session, ev *session.Event) error {
	var req struct {
		ChannelID string `json:"channel_id"`
	}
	if err := decode(ev.Data, &req); err != nil {
		return err
	}
	if req.ChannelID == "" {
		return badRequest("channel_id", "required")
	}
	r.cfg.Typing.Stop(rooms.Channel(req.ChannelID), s.UserID)
	return nil
}

func (r *Router) handlePresenceUpdate(ctx context.Context, s *session.Session, ev *session.Event) error {
	var req struct {
		Status   string `json:"status"`
		Activity string `json:"activity,omitempty"`
	}
	if err := decode(ev.Data, &req); err != nil {
		return err
	}
	if !presence.ValidStatus(req.Status) {
		return badRequest("status", "invalid status")
	}
	r.cfg.Presence.Update(ctx, s.UserID, req.Status, req.Activity)
	s.SendReply("presence.updated", ev.ID, map[string]string{"status": req.Status})
	return nil
}

func (r *Router) handleDMSend(ctx context.Context, s *session.Session, ev *session.Event) error {
	var req struct {
		RecipientID string `json:"recipient_id"`
		Content     string `json:"content"`
	}
	if err := decode(ev.Data, &req); err != nil {
		return err
	}
	if req.RecipientID == "" || req.Content == "" {
		return badRequest("recipient_id", "recipient_id and content required")
	}

	var saved *directory.Message
	err := r.cfg.Breakers.Execute("content", func() error {
		var err error
		saved, err = r.cfg.Content.SaveDM(ctx, s.UserID, req.RecipientID, req.Content)
		return err
	})
	if err != nil {
		return depError(err)
	}

	opts := bus.PublishOptions{
		Priority:        bus.PriorityNormal,
		Dedupe:          true,
		DedupeKey:       saved.ID,
		OriginSessionID: s.ID,
	}
	r.cfg.Bus.Publish(rooms.Topic(rooms.User(req.RecipientID)), "room.dm.new", saved, opts)
	// The sender's other devices see the DM too.
	r.cfg.Bus.Publish(rooms.Topic(rooms.User(s.UserID)), "room.dm.new", saved, opts)

	s.SendReply("dm.sent", ev.ID, saved)
	return nil
}

func (r *Router) handleReactionAdd(ctx context.Context, s *session.Session, ev *session.Event) error {
	reaction, err := r.parseReaction(s, ev)
	if err != nil {
		return err
	}

	var inserted bool
	execErr := r.cfg.Breakers.Execute("content", func() error {
		var err error
		inserted, err = r.cfg.Content.AddReaction(ctx, *reaction)
		return err
	})
	if execErr != nil {
		return depError(execErr)
	}

	// A repeat of the same tuple is acknowledged but not re-broadcast.
	if inserted {
		if topic, err := r.hostTopic(ctx, reaction); err == nil {
			r.cfg.Bus.Publish(topic, "room.reaction.added", reaction, bus.PublishOptions{
				Priority:        bus.PriorityNormal,
				OriginSessionID: s.ID,
			})
		}
	}
	s.SendReply("reaction.added", ev.ID, reaction)
	return nil
}

func (r *Router) handleReactionRemove(ctx context.Context, s *session.Session, ev *session.Event) error {
	reaction, err := r.parseReaction(s, ev)
	if err != nil {
		return err
	}

	execErr := r.cfg.Breakers.Execute("content", func() error {
		return r.cfg.Content.RemoveReaction(ctx, *reaction)
	})
	if execErr != nil {
		return depError(execErr)
	}

	if topic, err := r.hostTopic(ctx, reaction); err == nil {
		r.cfg.Bus.Publish(topic, "room.reaction.removed", reaction, bus.PublishOptions{
			Priority:        bus.PriorityNormal,
			OriginSessionID: s.ID,
		})
	}
	s.SendReply("reaction.removed", ev.ID, reaction)
	return nil
}

func (r *Router) parseReaction(s *session.Session, ev *session.Event) (*directory.Reaction, error) {
	var req struct {
		ContentType  string `json:"content_type"`
		ContentID    string `json:"content_id"`
		ReactionType string `json:"reaction_type"`
	}
	if err := decode(ev.Data, &req); err != nil {
		return nil, err
	}
	if req.ContentType == "" || req.ContentID == "" || req.ReactionType == "" {
		return nil, badRequest("reaction", "content_type, content_id and reaction_type required")
	}
	return &directory.Reaction{
		ContentType: req.ContentType,
		ContentID:   req.ContentID,
		UserID:      s.UserID,
		Type:        req.ReactionType,
	}, nil
}

func (r *Router) hostTopic(ctx context.Context, reaction *directory.Reaction) (string, error) {
	var topic string
	err := r.cfg.Breakers.Execute("content", func() error {
		var err error
		topic, err = r.cfg.Content.HostTopic(ctx, reaction.ContentType, reaction.ContentID)
		return err
	})
	return topic, err
}

func (r *Router) handleVoiceJoin(ctx context.Context, s *session.Session, ev *session.Event) error {
	var req struct {
		ChannelID string `json:"channel_id"`
	}
	if err := decode(ev.Data, &req); err != nil {
		return err
	}
	if req.ChannelID == "" {
		return badRequest("channel_id", "required")
	}

	var token string
	err := r.cfg.Breakers.Execute("media", func() error {
		tokenCtx, cancel := context.WithTimeout(ctx, mediaTimeout)
		defer cancel()
		var err error
		token, err = r.cfg.Media.IssueToken(tokenCtx, req.ChannelID, s.UserID)
		return err
	})
	if err != nil {
		return depError(err)
	}

	// Token goes to the requesting session only; never on the bus.
	s.SendReply("voice.token", ev.ID, map[string]string{
		"channel_id": req.ChannelID,
		"token":      token,
	})
	return nil
}

type moderationAction struct {
	TargetUserID string `json:"target_user_id"`
	By           string `json:"by"`
	Reason       string `json:"reason,omitempty"`
	DurationS    int    `json:"duration_s,omitempty"`
}

func (r *Router) requireModerator(s *session.Session) error {
	if !s.HasRole("moderator") && !s.HasRole("admin") {
		return forbidden("moderator role required")
	}
	return nil
}

func (r *Router) handleModerationKick(_ context.Context, s *session.Session, ev *session.Event) error {
	if err := r.requireModerator(s); err != nil {
		return err
	}
	var req struct {
		TargetUserID string `json:"target_user_id"`
		Reason       string `json:"reason,omitempty"`
	}
	if err := decode(ev.Data, &req); err != nil {
		return err
	}
	if req.TargetUserID == "" {
		return badRequest("target_user_id", "required")
	}

	action := &moderationAction{TargetUserID: req.TargetUserID, By: s.UserID, Reason: req.Reason}
	r.enforceKick(action)
	// Critical broadcast so peers enforce it even if this node's copy of
	// the user is stale; Broadcast makes our own fan-out idempotent.
	r.cfg.Bus.Publish("moderation.kick", "moderation.kick", action, bus.PublishOptions{
		Priority:  bus.PriorityCritical,
		Broadcast: true,
	})

	s.SendReply("moderation.kicked", ev.ID, action)
	return nil
}

func (r *Router) handleModerationBan(_ context.Context, s *session.Session, ev *session.Event) error {
	if err := r.requireModerator(s); err != nil {
		return err
	}
	var req struct {
		TargetUserID string `json:"target_user_id"`
		Reason       string `json:"reason,omitempty"`
		DurationS    int    `json:"duration_s,omitempty"`
	}
	if err := decode(ev.Data, &req); err != nil {
		return err
	}
	if req.TargetUserID == "" {
		return badRequest("target_user_id", "required")
	}

	action := &moderationAction{
		TargetUserID: req.TargetUserID,
		By:           s.UserID,
		Reason:       req.Reason,
		DurationS:    req.DurationS,
	}
	r.enforceBan(action)
	r.cfg.Bus.Publish("moderation.ban", "moderation.ban", action, bus.PublishOptions{
		Priority:  bus.PriorityCritical,
		Broadcast: true,
	})

	s.SendReply("moderation.banned", ev.ID, action)
	return nil
}

func (r *Router) enforceKick(action *moderationAction) {
	for _, target := range r.cfg.Registry.ForUser(action.TargetUserID) {
		target.Send("shutdown", map[string]string{"reason": "kicked"})
		target.Close(session.CodeShutdown, "kicked")
	}
}

func (r *Router) enforceBan(action *moderationAction) {
	for _, target := range r.cfg.Registry.ForUser(action.TargetUserID) {
		target.Send("shutdown", map[string]string{"reason": "banned"})
		target.Close(session.CodeBanned, "banned")
	}
}
