package directory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Dev implementations back the directory seams when no platform services
// are configured (local development, load testing). They accept everything
// and keep content in process memory.

// DevDirectory resolves any user id to a minimal user.
type DevDirectory struct{}

func (DevDirectory) LookupUser(_ context.Context, id string) (*User, error) {
	name := id
	if i := strings.LastIndexByte(id, ':'); i >= 0 {
		name = id[i+1:]
	}
	return &User{ID: id, DisplayName: name}, nil
}

func (DevDirectory) Friends(context.Context, string) ([]string, error) { return nil, nil }

// DevContent keeps messages and reactions in memory.
type DevContent struct {
	mu        sync.Mutex
	messages  map[string]*Message
	reactions map[Reaction]struct{}
}

func NewDevContent() *DevContent {
	return &DevContent{
		messages:  make(map[string]*Message),
		reactions: make(map[Reaction]struct{}),
	}
}

func (c *DevContent) SaveMessage(_ context.Context, msg *Message) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	saved := *msg
	saved.ID = uuid.NewString()
	saved.CreatedAt = time.Now()
	c.messages[saved.ID] = &saved
	out := saved
	return &out, nil
}

func (c *DevContent) GetMessage(_ context.Context, id string) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, ok := c.messages[id]
	if !ok || msg.Deleted {
		return nil, ErrNotFound
	}
	out := *msg
	return &out, nil
}

func (c *DevContent) UpdateMessage(_ context.Context, id, content string) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, ok := c.messages[id]
	if !ok || msg.Deleted {
		return nil, ErrNotFound
	}
	msg.Content = content
	now := time.Now()
	msg.EditedAt = &now
	out := *msg
	return &out, nil
}

func (c *DevContent) DeleteMessage(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, ok := c.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg.Deleted = true
	return nil
}

func (c *DevContent) SaveDM(ctx context.Context, senderID, recipientID, content string) (*Message, error) {
	return c.SaveMessage(ctx, &Message{AuthorID: senderID, Content: content, RefID: recipientID})
}

func (c *DevContent) AddReaction(_ context.Context, r Reaction) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.reactions[r]; exists {
		return false, nil
	}
	c.reactions[r] = struct{}{}
	return true, nil
}

func (c *DevContent) RemoveReaction(_ context.Context, r Reaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.reactions, r)
	return nil
}

func (c *DevContent) HostTopic(_ context.Context, _, contentID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg, ok := c.messages[contentID]; ok && msg.ChannelID != "" {
		return "room.channel." + msg.ChannelID, nil
	}
	return "", ErrNotFound
}

// DevIndexer drops documents; search is empty.
type DevIndexer struct{}

func (DevIndexer) Index(context.Context, any) error            { return nil }
func (DevIndexer) Search(context.Context, string) ([]any, error) { return nil, nil }

// DevMedia issues random tokens.
type DevMedia struct{}

func (DevMedia) IssueToken(context.Context, string, string) (string, error) {
	return uuid.NewString(), nil
}
