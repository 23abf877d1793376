package message

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// Direction tags on inbound chat entries. Only the *Rcv directions are
// forwarded; everything else is an echo of our own sends.
const (
	dirDirectRcv = "directRcv"
	dirGroupRcv  = "groupRcv"
)

// Normalize converts one raw chat item record into a Message. It returns
// false for records the relay must not forward: unknown conversation kinds,
// sent-direction echoes, group messages while group chat is disabled,
// records missing a conversation ID or sequence, and empty text messages.
// Malformed records are dropped the same way; the transport record never
// aborts the poll cycle.
func Normalize(raw []byte, groupChat bool) (*Message, bool) {
	switch gjson.GetBytes(raw, "conversationInfo.kind").String() {
	case KindDirect:
		return normalizeDirect(raw)
	case KindGroup:
		if !groupChat {
			return nil, false
		}
		return normalizeGroup(raw)
	default:
		return nil, false
	}
}

func normalizeDirect(raw []byte) (*Message, bool) {
	if gjson.GetBytes(raw, "chatEntry.direction.type").String() != dirDirectRcv {
		return nil, false
	}

	contactID := gjson.GetBytes(raw, "conversationInfo.contact.contactId")
	sequence := gjson.GetBytes(raw, "chatEntry.meta.sequence")
	if !contactID.Exists() || !sequence.Exists() {
		return nil, false
	}

	msg := &Message{
		ConversationKind: KindDirect,
		ConversationID:   contactID.Int(),
		SenderName:       gjson.GetBytes(raw, "conversationInfo.contact.displayName").String(),
		Sequence:         sequence.Int(),
		OriginTs:         optFloat(gjson.GetBytes(raw, "chatEntry.meta.originTs")),
		ReceivedTs:       optFloat(gjson.GetBytes(raw, "chatEntry.meta.receivedTs")),
		DirectionType:    dirDirectRcv,
		Raw:              append([]byte(nil), raw...),
	}
	if !classifyContent(msg, raw) {
		return nil, false
	}
	return msg, true
}

func normalizeGroup(raw []byte) (*Message, bool) {
	if gjson.GetBytes(raw, "chatEntry.direction.type").String() != dirGroupRcv {
		return nil, false
	}

	groupID := gjson.GetBytes(raw, "conversationInfo.group.groupId")
	sequence := gjson.GetBytes(raw, "chatEntry.meta.sequence")
	if !groupID.Exists() || !sequence.Exists() {
		return nil, false
	}

	msg := &Message{
		ConversationKind: KindGroup,
		ConversationID:   groupID.Int(),
		GroupName:        gjson.GetBytes(raw, "conversationInfo.group.displayName").String(),
		SenderName:       gjson.GetBytes(raw, "conversationInfo.member.displayName").String(),
		MemberID:         optInt(gjson.GetBytes(raw, "conversationInfo.member.memberId")),
		Sequence:         sequence.Int(),
		OriginTs:         optFloat(gjson.GetBytes(raw, "chatEntry.meta.originTs")),
		ReceivedTs:       optFloat(gjson.GetBytes(raw, "chatEntry.meta.receivedTs")),
		DirectionType:    dirGroupRcv,
		Raw:              append([]byte(nil), raw...),
	}
	if !classifyContent(msg, raw) {
		return nil, false
	}
	return msg, true
}

// classifyContent fills in the content kind, text, and attachment metadata.
// Unrecognized kinds degrade to text when a text payload exists.
func classifyContent(msg *Message, raw []byte) bool {
	kind := gjson.GetBytes(raw, "chatEntry.content.kind").String()
	text := gjson.GetBytes(raw, "chatEntry.content.text").String()

	switch kind {
	case ContentVoice:
		msg.ContentKind = ContentVoice
		msg.Voice = &VoiceMeta{
			FilePath: optString(gjson.GetBytes(raw, "chatEntry.content.voice.filePath")),
			Duration: optFloat(gjson.GetBytes(raw, "chatEntry.content.voice.duration")),
		}
		msg.Text = text
		if msg.Text == "" {
			msg.Text = "[Voice message]"
		}
	case ContentImage:
		msg.ContentKind = ContentImage
		msg.Image = &ImageMeta{
			FilePath: optString(gjson.GetBytes(raw, "chatEntry.content.image.filePath")),
		}
		msg.Text = text
		if msg.Text == "" {
			msg.Text = "[Image]"
		}
	case ContentFile:
		msg.ContentKind = ContentFile
		msg.File = &FileMeta{
			FilePath: optString(gjson.GetBytes(raw, "chatEntry.content.file.filePath")),
			FileName: optString(gjson.GetBytes(raw, "chatEntry.content.file.fileName")),
			FileSize: optFloat(gjson.GetBytes(raw, "chatEntry.content.file.fileSize")),
		}
		msg.Text = text
		if msg.Text == "" {
			name := "unknown"
			if msg.File.FileName != nil {
				name = *msg.File.FileName
			}
			msg.Text = fmt.Sprintf("[File: %s]", name)
		}
	default:
		// text, or an unknown kind carrying a text payload
		if text == "" {
			return false
		}
		msg.ContentKind = ContentText
		msg.Text = text
	}
	return true
}

func optFloat(r gjson.Result) *float64 {
	if !r.Exists() {
		return nil
	}
	v := r.Float()
	return &v
}

func optInt(r gjson.Result) *int64 {
	if !r.Exists() {
		return nil
	}
	v := r.Int()
	return &v
}

func optString(r gjson.Result) *string {
	if !r.Exists() {
		return nil
	}
	v := r.String()
	return &v
}
