// Package store defines the persistence collaborators consumed by the
// real-time core (users, the social graph, and messages) together with an
// in-memory implementation, a SQL implementation for SQLite and Postgres, and
// a Redis mirror of the live presence set.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Tyrowin/relaychat/internal/channel"
)

var (
	// ErrNotFound is returned when a user or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidMessage is returned by Persist for a message without exactly
	// one target.
	ErrInvalidMessage = errors.New("invalid message")
)

// User is the profile subset the core stamps on outbound envelopes.
type User struct {
	ID        string `yaml:"id" json:"id"`
	Email     string `yaml:"email" json:"email,omitempty"`
	FirstName string `yaml:"first_name" json:"first_name,omitempty"`
	LastName  string `yaml:"last_name" json:"last_name,omitempty"`
	// FriendCode is the short public code other users address this user by.
	FriendCode string `yaml:"friend_code" json:"friend_code,omitempty"`
}

// DisplayName returns the full name, falling back to the email and then the id.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if name := strings.TrimSpace(u.FirstName + " " + u.LastName); name != "" {
		return name
	}
	if u.Email != "" {
		return u.Email
	}
	return u.ID
}

// Attachment is a file sent alongside a message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is a persisted chat message. Exactly one of RecipientID and GroupID
// is set.
type Message struct {
	ID          string
	SenderID    string
	RecipientID string
	GroupID     string
	Content     string
	Attachment  *Attachment
	Timestamp   time.Time
	IsRead      bool
}

func (m Message) validate() error {
	if m.SenderID == "" {
		return ErrInvalidMessage
	}
	if (m.RecipientID == "") == (m.GroupID == "") {
		return ErrInvalidMessage
	}
	return nil
}

// UserStore resolves user ids to profiles.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*User, error)
}

// FriendDirectory finds users by their public friend code.
type FriendDirectory interface {
	UserByFriendCode(ctx context.Context, code string) (*User, error)
}

// SocialGraph answers friendship and group membership questions.
type SocialGraph interface {
	IsFriend(ctx context.Context, a, b string) (bool, error)
	FriendsOf(ctx context.Context, userID string) ([]string, error)
	IsGroupMember(ctx context.Context, userID, groupID string) (bool, error)
	GroupsOf(ctx context.Context, userID string) ([]string, error)
}

// MessageStore persists messages and serves history.
type MessageStore interface {
	// Persist stores msg and returns its id. The store assigns the id when
	// msg.ID is empty.
	Persist(ctx context.Context, msg Message) (string, error)
	// Recent returns at most limit messages routed through ch, oldest first.
	Recent(ctx context.Context, ch channel.Name, limit int) ([]Message, error)
	Get(ctx context.Context, id string) (*Message, error)
	MarkRead(ctx context.Context, id string) error
}

// Store groups every collaborator behind one handle.
type Store interface {
	UserStore
	FriendDirectory
	SocialGraph
	MessageStore
	Close() error
}

// SeedWriter accepts fixture data. Both the memory and SQL stores implement it.
type SeedWriter interface {
	AddUser(ctx context.Context, user User) error
	AddFriendship(ctx context.Context, a, b string) error
	AddGroup(ctx context.Context, id, name string, members []string) error
}
