// Package directory defines the contracts for the platform services the
// gateway depends on but does not implement: user lookup, content
// persistence, search indexing and voice token issuance. The gateway only
// calls these through circuit breakers; implementations live elsewhere.
package directory

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a looked-up entity does not exist.
var ErrNotFound = errors.New("not found")

// User is identity as seen by the gateway. The gateway never mutates it.
type User struct {
	ID                string     `json:"id"`
	DisplayName       string     `json:"display_name"`
	BannedUntil       *time.Time `json:"banned_until,omitempty"`
	Roles             []string   `json:"roles,omitempty"`
	TwoFactorRequired bool       `json:"two_factor_required"`
}

// HasRole reports whether the user carries the given role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// UserDirectory resolves users and their social graph.
type UserDirectory interface {
	LookupUser(ctx context.Context, id string) (*User, error)
	Friends(ctx context.Context, userID string) ([]string, error)
}

// Message is the persisted form of a chat message as the gateway sees it.
type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	RefID     string    `json:"ref_id,omitempty"`
	Mentions  []string  `json:"mentions,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	Deleted   bool      `json:"deleted"`
}

// Reaction identifies one user reaction on a piece of content. The
// idempotence key is the full tuple (ContentType, ContentID, UserID, Type).
type Reaction struct {
	ContentType string `json:"content_type"`
	ContentID   string `json:"content_id"`
	UserID      string `json:"user_id"`
	Type        string `json:"reaction_type"`
}

// ContentStore persists messages, DMs and reactions.
type ContentStore interface {
	SaveMessage(ctx context.Context, msg *Message) (*Message, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	UpdateMessage(ctx context.Context, id, content string) (*Message, error)
	// DeleteMessage soft-deletes; the row survives for moderation review.
	DeleteMessage(ctx context.Context, id string) error
	SaveDM(ctx context.Context, senderID, recipientID, content string) (*Message, error)
	// AddReaction reports whether the reaction was newly inserted; a repeat
	// of the same tuple returns false with no error.
	AddReaction(ctx context.Context, r Reaction) (bool, error)
	RemoveReaction(ctx context.Context, r Reaction) error
	// HostTopic resolves the room topic hosting a piece of content, e.g. the
	// channel a message lives in.
	HostTopic(ctx context.Context, contentType, contentID string) (string, error)
}

// Indexer is the full-text index seam.
type Indexer interface {
	Index(ctx context.Context, doc any) error
	Search(ctx context.Context, query string) ([]any, error)
}

// MediaTokenIssuer issues voice media tokens. Media transport itself is out
// of scope for the gateway.
type MediaTokenIssuer interface {
	IssueToken(ctx context.Context, channelID, userID string) (string, error)
}
