// Package server defines the inbound event and outbound envelope formats
// exchanged with clients over a connection.
package server

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/Tyrowin/relaychat/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EventType names an inbound client event.
type EventType string

const (
	EventSendMessage     EventType = "send_message"
	EventTypingIndicator EventType = "typing_indicator"
	EventMarkAsRead      EventType = "mark_as_read"
	EventJoinGroup       EventType = "join_group"
	EventLeaveGroup      EventType = "leave_group"
)

// Outbound envelope types.
const (
	EnvelopeChatMessage      = "chat_message"
	EnvelopeMessageHistory   = "message_history"
	EnvelopePresence         = "presence"
	EnvelopePresenceSnapshot = "presence_snapshot"
	EnvelopeTypingIndicator  = "typing_indicator"
	EnvelopeReadReceipt      = "read_receipt"
	EnvelopeGroupJoined      = "group_joined"
	EnvelopeGroupLeft        = "group_left"
	EnvelopeError            = "error"
)

// Presence statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// InboundEvent is the JSON object a client sends.
type InboundEvent struct {
	Type       EventType          `json:"type"`
	ToFriend   string             `json:"to_friend,omitempty"`
	GroupID    string             `json:"group_id,omitempty"`
	Content    string             `json:"content,omitempty"`
	Attachment *AttachmentPayload `json:"attachment,omitempty"`
	MessageID  string             `json:"message_id,omitempty"`
	IsTyping   *bool              `json:"is_typing,omitempty"`
}

// typing returns is_typing, which defaults to true when absent.
func (ev InboundEvent) typing() bool {
	return ev.IsTyping == nil || *ev.IsTyping
}

// AttachmentPayload carries a file as a base64 data URL.
type AttachmentPayload struct {
	Filename string `json:"filename"`
	Data     string `json:"data"`
}

var errNotDataURL = errors.New("attachment data is not a base64 data URL")

func decodeEvent(raw []byte) (InboundEvent, error) {
	var ev InboundEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return InboundEvent{}, malformed("invalid JSON: %v", err)
	}
	if ev.Type == "" {
		return InboundEvent{}, malformed("missing event type")
	}
	ev.ToFriend = strings.TrimSpace(ev.ToFriend)
	ev.GroupID = strings.TrimSpace(ev.GroupID)
	ev.MessageID = strings.TrimSpace(ev.MessageID)
	return ev, nil
}

// target checks that exactly one of to_friend and group_id is set.
func (ev InboundEvent) target() error {
	switch {
	case ev.ToFriend != "" && ev.GroupID != "":
		return malformed("to_friend and group_id are mutually exclusive")
	case ev.ToFriend == "" && ev.GroupID == "":
		return malformed("one of to_friend or group_id is required")
	}
	return nil
}

// decodeAttachment turns "data:<type>;base64,<payload>" into a store attachment.
func decodeAttachment(p *AttachmentPayload) (*store.Attachment, error) {
	if p == nil {
		return nil, nil
	}
	rest, ok := strings.CutPrefix(p.Data, "data:")
	if !ok {
		return nil, errNotDataURL
	}
	meta, encoded, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, errNotDataURL
	}
	contentType, ok := strings.CutSuffix(meta, ";base64")
	if !ok {
		return nil, errNotDataURL
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(p.Filename)
	if name == "" {
		name = "attachment"
	}
	return &store.Attachment{Filename: name, ContentType: contentType, Data: data}, nil
}

// MessageView is the client-facing form of a persisted message.
type MessageView struct {
	ID         string          `json:"id"`
	Sender     string          `json:"sender"`
	SenderName string          `json:"sender_name"`
	Recipient  string          `json:"recipient,omitempty"`
	Group      string          `json:"group,omitempty"`
	Content    string          `json:"content"`
	Timestamp  string          `json:"timestamp"`
	IsRead     bool            `json:"is_read"`
	Attachment *AttachmentView `json:"attachment,omitempty"`
}

// AttachmentView re-encodes attachment bytes as base64 for the client.
type AttachmentView struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	Data        string `json:"data"`
}

func viewOf(m store.Message, senderName string) MessageView {
	v := MessageView{
		ID:         m.ID,
		Sender:     m.SenderID,
		SenderName: senderName,
		Recipient:  m.RecipientID,
		Group:      m.GroupID,
		Content:    m.Content,
		Timestamp:  m.Timestamp.UTC().Format(time.RFC3339Nano),
		IsRead:     m.IsRead,
	}
	if a := m.Attachment; a != nil {
		v.Attachment = &AttachmentView{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        len(a.Data),
			Data:        base64.StdEncoding.EncodeToString(a.Data),
		}
	}
	return v
}

type chatMessageEnvelope struct {
	Type    string      `json:"type"`
	Message MessageView `json:"message"`
}

type historyEnvelope struct {
	Type     string        `json:"type"`
	Messages []MessageView `json:"messages"`
}

type presenceEnvelope struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

type presenceSnapshotEnvelope struct {
	Type   string   `json:"type"`
	Online []string `json:"online"`
}

type typingEnvelope struct {
	Type       string `json:"type"`
	UserID     string `json:"user_id"`
	SenderName string `json:"sender_name"`
	IsTyping   bool   `json:"is_typing"`
	GroupID    string `json:"group_id,omitempty"`
}

type readReceiptEnvelope struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	ReaderID  string `json:"reader_id"`
	ReadAt    string `json:"read_at"`
}

type groupEnvelope struct {
	Type    string `json:"type"`
	GroupID string `json:"group_id"`
}

type errorEnvelope struct {
	Type        string    `json:"type"`
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	RequestType EventType `json:"request_type,omitempty"`
}

// mustEncode marshals an envelope. Envelopes are plain structs of strings,
// so a failure here is a programming error.
func mustEncode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func errorPayload(code ErrorCode, msg string, req EventType) []byte {
	return mustEncode(errorEnvelope{Type: EnvelopeError, Code: code, Message: msg, RequestType: req})
}
