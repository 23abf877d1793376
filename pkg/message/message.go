// Package message defines the normalized relay message and the normalizer
// that extracts it from raw transport records.
package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// Conversation kinds.
const (
	KindDirect = "direct"
	KindGroup  = "group"
)

// Content kinds recognized by the normalizer.
const (
	ContentText  = "text"
	ContentVoice = "voice"
	ContentImage = "image"
	ContentFile  = "file"
)

// VoiceMeta carries voice attachment metadata. Absent fields stay nil.
type VoiceMeta struct {
	FilePath *string  `json:"filePath"`
	Duration *float64 `json:"duration"`
}

// ImageMeta carries image attachment metadata.
type ImageMeta struct {
	FilePath *string `json:"filePath"`
}

// FileMeta carries file attachment metadata.
type FileMeta struct {
	FilePath *string  `json:"filePath"`
	FileName *string  `json:"fileName"`
	FileSize *float64 `json:"fileSize"`
}

// Message is one normalized inbound chat message. ConversationID plus
// Sequence form its unique key; Sequence is transport-assigned and strictly
// increasing per conversation.
type Message struct {
	ConversationKind string
	ConversationID   int64
	SenderName       string
	ContentKind      string
	Text             string
	Sequence         int64
	OriginTs         *float64
	ReceivedTs       *float64
	DirectionType    string

	// Group-only fields.
	GroupName string
	MemberID  *int64

	Voice *VoiceMeta
	Image *ImageMeta
	File  *FileMeta

	// Raw is the unmodified transport record, forwarded verbatim.
	Raw json.RawMessage
}

// CursorKey derives the conversation key used in the cursor map and the
// rate limiter: the contact ID for direct chats, a group-prefixed ID for
// group chats.
func (m *Message) CursorKey() string {
	if m.ConversationKind == KindGroup {
		return fmt.Sprintf("group_%d", m.ConversationID)
	}
	return fmt.Sprintf("%d", m.ConversationID)
}

// WebhookPayload builds the outbound sink payload for this message.
func (m *Message) WebhookPayload(now time.Time) map[string]any {
	payload := map[string]any{
		"source":           "chat-bridge",
		"conversationKind": m.ConversationKind,
		"contentKind":      m.ContentKind,
		"text":             m.Text,
		"sequence":         m.Sequence,
		"originTs":         floatOrNil(m.OriginTs),
		"receivedTs":       floatOrNil(m.ReceivedTs),
		"rawItem":          m.Raw,
		"forwardedAt":      float64(now.UnixNano()) / float64(time.Second),
		"senderName":       m.SenderName,
	}

	switch m.ConversationKind {
	case KindDirect:
		payload["conversationId"] = m.ConversationID
		payload["directionTag"] = map[string]string{"type": m.DirectionType}
	case KindGroup:
		payload["groupId"] = m.ConversationID
		payload["groupName"] = m.GroupName
		if m.MemberID != nil {
			payload["memberId"] = *m.MemberID
		} else {
			payload["memberId"] = nil
		}
	}

	switch m.ContentKind {
	case ContentVoice:
		if m.Voice != nil {
			payload["voice"] = m.Voice
		}
	case ContentImage:
		if m.Image != nil {
			payload["image"] = m.Image
		}
	case ContentFile:
		if m.File != nil {
			payload["file"] = m.File
		}
	}

	return payload
}

func floatOrNil(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
