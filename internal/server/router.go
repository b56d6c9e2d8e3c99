// Package server routes inbound client events: it authorizes them against the
// social graph, persists messages, and fans envelopes out to subscribers.
package server

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/relaychat/internal/channel"
	"github.com/Tyrowin/relaychat/internal/store"
)

// Router handles the events of Active connections. Messages on the same
// channel are persisted and enqueued under that channel's lock, so every
// subscriber observes them in persistence order.
type Router struct {
	registry       *Registry
	groups         *MembershipResolver
	graph          store.SocialGraph
	users          store.UserStore
	friends        store.FriendDirectory
	messages       store.MessageStore
	seq            *keyedMutex
	persistTimeout time.Duration
	metrics        *Metrics
	log            *zap.Logger
	now            func() time.Time
}

// RouterDeps are the collaborators a Router needs.
type RouterDeps struct {
	Registry *Registry
	Groups   *MembershipResolver
	Graph    store.SocialGraph
	Users    store.UserStore
	Friends  store.FriendDirectory
	Messages store.MessageStore
	Metrics  *Metrics
	Logger   *zap.Logger
}

// NewRouter creates a Router.
func NewRouter(deps RouterDeps, persistTimeout time.Duration) *Router {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		registry:       deps.Registry,
		groups:         deps.Groups,
		graph:          deps.Graph,
		users:          deps.Users,
		friends:        deps.Friends,
		messages:       deps.Messages,
		seq:            newKeyedMutex(),
		persistTimeout: persistTimeout,
		metrics:        deps.Metrics,
		log:            log,
		now:            time.Now,
	}
}

// Handle decodes and processes one raw event from c. Failures are reported to
// c as an error envelope and leave the connection open.
func (r *Router) Handle(ctx context.Context, c *Conn, raw []byte) {
	ev, err := decodeEvent(raw)
	if err == nil {
		err = r.dispatch(ctx, c, ev)
	}

	label := metricLabel(ev.Type)
	if err == nil {
		r.metrics.event(label, "ok")
		return
	}

	code, msg := codeOf(err)
	r.metrics.event(label, string(code))
	if code == CodePersistenceFailure {
		c.log.Error("Event failed", zap.String("type", string(ev.Type)), zap.Error(err))
	} else {
		c.log.Debug("Event rejected", zap.String("type", string(ev.Type)), zap.Error(err))
	}
	c.sendError(code, msg, ev.Type)
}

func (r *Router) dispatch(ctx context.Context, c *Conn, ev InboundEvent) error {
	switch ev.Type {
	case EventSendMessage:
		return r.sendMessage(ctx, c, ev)
	case EventTypingIndicator:
		return r.typing(ctx, c, ev)
	case EventMarkAsRead:
		return r.markAsRead(ctx, c, ev)
	case EventJoinGroup:
		return r.joinGroup(ctx, c, ev)
	case EventLeaveGroup:
		return r.leaveGroup(c, ev)
	default:
		return malformed("unknown event type %q", ev.Type)
	}
}

func metricLabel(t EventType) EventType {
	switch t {
	case EventSendMessage, EventTypingIndicator, EventMarkAsRead, EventJoinGroup, EventLeaveGroup:
		return t
	}
	return "unknown"
}

// authorize checks the sender may address the event's target and returns the
// channels the event is routed to. For a direct message the recipient's
// channel comes first, and ev.ToFriend is rewritten to the recipient's id.
func (r *Router) authorize(ctx context.Context, senderID string, ev *InboundEvent) ([]channel.Name, error) {
	if err := ev.target(); err != nil {
		return nil, err
	}

	if ev.ToFriend != "" {
		recipient, err := r.recipientID(ctx, ev.ToFriend)
		if err != nil {
			return nil, err
		}
		ev.ToFriend = recipient
		if ev.ToFriend == senderID {
			return nil, unauthorized("cannot address yourself")
		}
		ok, err := r.graph.IsFriend(ctx, senderID, ev.ToFriend)
		if err != nil {
			return nil, persistenceFailure("friendship lookup failed", err)
		}
		if !ok {
			return nil, unauthorized("%s is not your friend", ev.ToFriend)
		}
		return []channel.Name{channel.User(ev.ToFriend), channel.User(senderID)}, nil
	}

	ok, err := r.groups.IsMember(ctx, senderID, ev.GroupID)
	if err != nil {
		return nil, persistenceFailure("membership lookup failed", err)
	}
	if !ok {
		return nil, unauthorized("not a member of group %s", ev.GroupID)
	}
	return []channel.Name{channel.Group(ev.GroupID)}, nil
}

// recipientID resolves a to_friend value, which is a user id or, failing
// that, the user's friend code. An unknown value is returned unchanged and
// fails the friendship check.
func (r *Router) recipientID(ctx context.Context, ref string) (string, error) {
	if r.friends == nil || r.users == nil {
		return ref, nil
	}
	_, err := r.users.GetUser(ctx, ref)
	if err == nil {
		return ref, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", persistenceFailure("user lookup failed", err)
	}
	u, err := r.friends.UserByFriendCode(ctx, ref)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ref, nil
	case err != nil:
		return "", persistenceFailure("friend code lookup failed", err)
	}
	return u.ID, nil
}

func (r *Router) sendMessage(ctx context.Context, c *Conn, ev InboundEvent) error {
	if err := ev.target(); err != nil {
		return err
	}
	content := strings.TrimSpace(ev.Content)
	attachment, err := decodeAttachment(ev.Attachment)
	if err != nil {
		return malformed("attachment: %v", err)
	}
	if content == "" && attachment == nil {
		return malformed("message has no content")
	}

	sender := c.UserID()
	chans, err := r.authorize(ctx, sender, &ev)
	if err != nil {
		return err
	}

	msg := store.Message{
		SenderID:    sender,
		RecipientID: ev.ToFriend,
		GroupID:     ev.GroupID,
		Content:     content,
		Attachment:  attachment,
	}

	keys := make([]string, len(chans))
	for i, ch := range chans {
		keys[i] = ch.String()
	}
	unlock := r.seq.Lock(keys...)
	defer unlock()

	msg.Timestamp = r.now().UTC()
	persistCtx, cancel := context.WithTimeout(ctx, r.persistTimeout)
	start := time.Now()
	id, err := r.messages.Persist(persistCtx, msg)
	cancel()
	r.metrics.observePersist(start)
	if err != nil {
		return persistenceFailure("message was not stored", err)
	}
	msg.ID = id

	payload := mustEncode(chatMessageEnvelope{
		Type:    EnvelopeChatMessage,
		Message: viewOf(msg, c.identity.User.DisplayName()),
	})
	n := fanout(r.registry.FanoutTargets(chans...), payload, nil, r.metrics)
	c.log.Debug("Message routed", zap.String("message_id", id), zap.Int("recipients", n))
	return nil
}

func (r *Router) typing(ctx context.Context, c *Conn, ev InboundEvent) error {
	sender := c.UserID()
	chans, err := r.authorize(ctx, sender, &ev)
	if err != nil {
		return err
	}
	payload := mustEncode(typingEnvelope{
		Type:       EnvelopeTypingIndicator,
		UserID:     sender,
		SenderName: c.identity.User.DisplayName(),
		IsTyping:   ev.typing(),
		GroupID:    ev.GroupID,
	})
	fanout(r.registry.FanoutTargets(chans[0]), payload, func(t *Conn) bool {
		return t.UserID() == sender
	}, r.metrics)
	return nil
}

func (r *Router) markAsRead(ctx context.Context, c *Conn, ev InboundEvent) error {
	if ev.MessageID == "" {
		return malformed("message_id is required")
	}
	msg, err := r.messages.Get(ctx, ev.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		return malformed("unknown message %s", ev.MessageID)
	}
	if err != nil {
		return persistenceFailure("message lookup failed", err)
	}

	reader := c.UserID()
	if msg.GroupID != "" {
		ok, err := r.groups.IsMember(ctx, reader, msg.GroupID)
		if err != nil {
			return persistenceFailure("membership lookup failed", err)
		}
		if !ok || msg.SenderID == reader {
			return unauthorized("cannot mark message %s as read", msg.ID)
		}
	} else if msg.RecipientID != reader {
		return unauthorized("cannot mark message %s as read", msg.ID)
	}

	if err := r.messages.MarkRead(ctx, msg.ID); err != nil {
		return persistenceFailure("read state was not stored", err)
	}

	payload := mustEncode(readReceiptEnvelope{
		Type:      EnvelopeReadReceipt,
		MessageID: msg.ID,
		ReaderID:  reader,
		ReadAt:    r.now().UTC().Format(time.RFC3339Nano),
	})
	fanout(r.registry.FanoutTargets(channel.User(msg.SenderID)), payload, nil, r.metrics)
	return nil
}

func (r *Router) joinGroup(ctx context.Context, c *Conn, ev InboundEvent) error {
	if ev.GroupID == "" {
		return malformed("group_id is required")
	}
	ok, err := r.groups.IsMember(ctx, c.UserID(), ev.GroupID)
	if err != nil {
		return persistenceFailure("membership lookup failed", err)
	}
	if !ok {
		return unauthorized("not a member of group %s", ev.GroupID)
	}
	if !r.registry.Subscribe(c, channel.Group(ev.GroupID)) {
		return unauthorized("connection is not registered")
	}
	c.enqueue(mustEncode(groupEnvelope{Type: EnvelopeGroupJoined, GroupID: ev.GroupID}))
	return nil
}

func (r *Router) leaveGroup(c *Conn, ev InboundEvent) error {
	if ev.GroupID == "" {
		return malformed("group_id is required")
	}
	r.registry.Unsubscribe(c, channel.Group(ev.GroupID))
	c.enqueue(mustEncode(groupEnvelope{Type: EnvelopeGroupLeft, GroupID: ev.GroupID}))
	return nil
}

// History builds the message_history envelope for a connection subscribed to
// chans: the most recent limit messages across them, oldest first, each once.
// A limit of zero disables replay and returns nil.
func (r *Router) History(ctx context.Context, chans []channel.Name, limit int) ([]byte, error) {
	if limit <= 0 {
		return nil, nil
	}

	seen := make(map[string]struct{})
	var all []store.Message
	for _, ch := range chans {
		msgs, err := r.messages.Recent(ctx, ch, limit)
		if err != nil {
			return nil, persistenceFailure("history unavailable", err)
		}
		for _, m := range msgs {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			all = append(all, m)
		}
	}

	slices.SortStableFunc(all, func(a, b store.Message) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if len(all) > limit {
		all = all[len(all)-limit:]
	}

	names := make(map[string]string)
	views := make([]MessageView, 0, len(all))
	for _, m := range all {
		views = append(views, viewOf(m, r.senderName(ctx, m.SenderID, names)))
	}
	return mustEncode(historyEnvelope{Type: EnvelopeMessageHistory, Messages: views}), nil
}

func (r *Router) senderName(ctx context.Context, userID string, cache map[string]string) string {
	if name, ok := cache[userID]; ok {
		return name
	}
	name := userID
	if u, err := r.users.GetUser(ctx, userID); err == nil {
		name = u.DisplayName()
	}
	cache[userID] = name
	return name
}
