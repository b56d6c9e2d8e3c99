package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/relaychat/internal/channel"
)

type memoryGroup struct {
	name    string
	members map[string]struct{}
}

// MemoryStore is an in-process Store. Messages are kept in persistence order.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]User
	friends  map[string]map[string]struct{}
	groups   map[string]*memoryGroup
	messages []Message
	index    map[string]int
	now      func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]User),
		friends: make(map[string]map[string]struct{}),
		groups:  make(map[string]*memoryGroup),
		index:   make(map[string]int),
		now:     time.Now,
	}
}

// AddUser inserts or replaces a user.
func (s *MemoryStore) AddUser(_ context.Context, user User) error {
	if user.ID == "" {
		return fmt.Errorf("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
	return nil
}

// AddFriendship records a symmetric friendship.
func (s *MemoryStore) AddFriendship(_ context.Context, a, b string) error {
	if a == "" || b == "" || a == b {
		return fmt.Errorf("friendship needs two distinct users")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.link(a, b)
	s.link(b, a)
	return nil
}

func (s *MemoryStore) link(a, b string) {
	set, ok := s.friends[a]
	if !ok {
		set = make(map[string]struct{})
		s.friends[a] = set
	}
	set[b] = struct{}{}
}

// RemoveFriendship deletes a friendship in both directions.
func (s *MemoryStore) RemoveFriendship(_ context.Context, a, b string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.friends[a], b)
	delete(s.friends[b], a)
	return nil
}

// AddGroup creates a group or adds members to an existing one.
func (s *MemoryStore) AddGroup(_ context.Context, id, name string, members []string) error {
	if id == "" {
		return fmt.Errorf("group id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		g = &memoryGroup{name: name, members: make(map[string]struct{})}
		s.groups[id] = g
	}
	for _, m := range members {
		g.members[m] = struct{}{}
	}
	return nil
}

// RemoveGroupMember drops a user from a group.
func (s *MemoryStore) RemoveGroupMember(_ context.Context, groupID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.groups[groupID]; ok {
		delete(g.members, userID)
	}
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (s *MemoryStore) UserByFriendCode(_ context.Context, code string) (*User, error) {
	if code == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.FriendCode == code {
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) IsFriend(_ context.Context, a, b string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.friends[a][b]
	return ok, nil
}

func (s *MemoryStore) FriendsOf(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.friends[userID]), nil
}

func (s *MemoryStore) IsGroupMember(_ context.Context, userID, groupID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok {
		return false, nil
	}
	_, member := g.members[userID]
	return member, nil
}

func (s *MemoryStore) GroupsOf(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, g := range s.groups {
		if _, ok := g.members[userID]; ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Persist(_ context.Context, msg Message) (string, error) {
	if err := msg.validate(); err != nil {
		return "", err
	}
	if msg.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate message id: %w", err)
		}
		msg.ID = id.String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.index[msg.ID]; exists {
		return "", fmt.Errorf("message %s already exists", msg.ID)
	}
	s.index[msg.ID] = len(s.messages)
	s.messages = append(s.messages, msg)
	return msg.ID, nil
}

func (s *MemoryStore) Recent(_ context.Context, ch channel.Name, limit int) ([]Message, error) {
	kind, id, err := channel.Parse(ch)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Message
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.messages[i]
		switch kind {
		case channel.KindUser:
			if m.GroupID == "" && (m.SenderID == id || m.RecipientID == id) {
				out = append(out, m)
			}
		case channel.KindGroup:
			if m.GroupID == id {
				out = append(out, m)
			}
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return nil, ErrNotFound
	}
	m := s.messages[i]
	return &m, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return ErrNotFound
	}
	s.messages[i].IsRead = true
	return nil
}

// Count returns the number of persisted messages.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *MemoryStore) Close() error {
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
