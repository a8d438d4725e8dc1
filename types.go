package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Message Model
// ============================================================================

// MessageKind classifies a message by its payload.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindAudio MessageKind = "audio"
	KindFile  MessageKind = "file"
)

// Attachment describes a file carried by a message. URL is a local device
// path until the upload completes, and an absolute remote URL afterwards.
type Attachment struct {
	URL      string  `json:"url"`
	Name     string  `json:"name"`
	Mime     string  `json:"mime"`
	Size     int64   `json:"size,omitempty"`
	Width    int     `json:"width,omitempty"`
	Height   int     `json:"height,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// Message is one entry in a chat timeline. ID is server-issued once
// confirmed; before confirmation it holds a client-generated temp id
// and Pending is true.
type Message struct {
	ID         string      `json:"id"`
	Text       string      `json:"text"`
	CreatedAt  time.Time   `json:"createdAt"`
	SenderID   string      `json:"senderId"`
	Kind       MessageKind `json:"kind"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Pending    bool        `json:"pending"`
}

// IsTemp reports whether the message still carries a client-generated id.
func (m *Message) IsTemp() bool {
	return len(m.ID) > 6 && m.ID[:6] == "local-"
}

// NewTempID returns a client-generated message id. The millisecond timestamp
// keeps ids roughly ordered; the uuid suffix keeps two sends in the same
// millisecond from colliding.
func NewTempID() string {
	return fmt.Sprintf("local-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// ============================================================================
// Wire Protocol
// ============================================================================

// wireEnvelope is the framing for every socket event in both directions.
type wireEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// wireCommand is a client-to-server socket command.
type wireCommand struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// wireMessage is the message shape on the socket and in bootstrap history.
// TempID is the reconciliation key: the server echoes it back on newMessage
// so the sender can match the confirmed copy to its optimistic one.
type wireMessage struct {
	ID          string       `json:"id,omitempty"`
	ChatID      string       `json:"chatId"`
	SenderID    string       `json:"senderId"`
	ReceiverID  string       `json:"receiverId,omitempty"`
	Text        string       `json:"text"`
	Type        string       `json:"type"`
	Attachments []Attachment `json:"attachments"`
	TempID      string       `json:"tempId,omitempty"`
	CreatedAt   string       `json:"createdAt"`
}

// wireTyping is the typing indicator payload.
type wireTyping struct {
	ChatID   string `json:"chatId"`
	SenderID string `json:"senderId"`
	IsTyping bool   `json:"isTyping"`
}

// messageFromWire maps a socket/bootstrap message into the timeline shape.
func messageFromWire(wm *wireMessage) *Message {
	msg := &Message{
		ID:       wm.ID,
		Text:     wm.Text,
		SenderID: wm.SenderID,
		Kind:     MessageKind(wm.Type),
	}
	if msg.ID == "" {
		msg.ID = wm.TempID
	}
	if msg.Kind == "" {
		msg.Kind = KindText
	}
	if len(wm.Attachments) > 0 {
		att := wm.Attachments[0]
		msg.Attachment = &att
	}
	if ts, err := time.Parse(time.RFC3339Nano, wm.CreatedAt); err == nil {
		msg.CreatedAt = ts
	} else {
		msg.CreatedAt = time.Now().UTC()
	}
	return msg
}

// wireFromMessage maps a timeline message to the sendMessage payload.
func wireFromMessage(chatID, receiverID string, msg *Message) *wireMessage {
	wm := &wireMessage{
		ChatID:      chatID,
		SenderID:    msg.SenderID,
		ReceiverID:  receiverID,
		Text:        msg.Text,
		Type:        string(msg.Kind),
		Attachments: []Attachment{},
		TempID:      msg.ID,
		CreatedAt:   msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if msg.Attachment != nil {
		wm.Attachments = []Attachment{*msg.Attachment}
	}
	return wm
}

// ============================================================================
// Errors
// ============================================================================

// ErrSocketUnavailable means no live connection existed at send time. It is
// absorbed by the pending queue and retried; it is never a user-facing error.
var ErrSocketUnavailable = errors.New("chatsync: socket unavailable")

// ErrMalformedResponse means the server answered with a body the client
// could not decode.
var ErrMalformedResponse = errors.New("chatsync: malformed server response")

// ErrNoAttachment is returned when an operation needs an attachment the
// message does not carry.
var ErrNoAttachment = errors.New("chatsync: message has no attachment")

// UploadError reports a failed attachment upload. The caller decides whether
// to retry; the pipeline never retries internally.
type UploadError struct {
	Status int
	Err    error
}

func (e *UploadError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("chatsync: upload failed with HTTP %d", e.Status)
	}
	return fmt.Sprintf("chatsync: upload failed: %v", e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// DownloadError reports a failed attachment download. A failed download is
// retryable; any partial file left behind is picked up via a range request.
type DownloadError struct {
	Status int
	Err    error
}

func (e *DownloadError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("chatsync: download failed with HTTP %d", e.Status)
	}
	return fmt.Sprintf("chatsync: download failed: %v", e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// PermissionError reports a denied device permission (microphone, camera,
// library). Surfaced to the user as a one-shot notification.
type PermissionError struct {
	Resource string
}

func (e *PermissionError) Error() string {
	return "chatsync: permission denied for " + e.Resource
}
