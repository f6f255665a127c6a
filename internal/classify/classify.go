// Package classify turns raw chat backend records into normalized events.
package classify

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/capitalize-ai/chat-bridge/internal/model"
)

// Placeholder texts for attachments sent without a caption.
const (
	VoicePlaceholder = "[Voice message]"
	ImagePlaceholder = "[Image]"
)

// Options configures the classifier.
type Options struct {
	// GroupChats admits group conversations in addition to direct ones.
	GroupChats bool
}

// Classifier filters and normalizes records. It holds no mutable state.
type Classifier struct {
	opts Options
}

// New creates a classifier.
func New(opts Options) *Classifier {
	return &Classifier{opts: opts}
}

// Classify returns the event for rec, or false when the record must not be
// forwarded (wrong chat type, outbound echo, no content, missing ids).
func (c *Classifier) Classify(rec model.ChatItemRecord) (*model.Event, bool) {
	item := rec.ChatItem
	if item.Meta.ItemID == nil {
		return nil, false
	}

	var ev model.Event
	switch rec.ChatInfo.Type {
	case string(model.ChatDirect):
		contact := rec.ChatInfo.Contact
		if contact == nil || contact.ContactID == nil {
			return nil, false
		}
		if item.ChatDir.Type != model.DirDirectRcv {
			return nil, false
		}
		ev.ChatType = model.ChatDirect
		ev.ConversationID = *contact.ContactID
		ev.DisplayName = strings.TrimSpace(contact.LocalDisplayName)

	case string(model.ChatGroup):
		if !c.opts.GroupChats {
			return nil, false
		}
		group := rec.ChatInfo.GroupInfo
		if group == nil || group.GroupID == nil {
			return nil, false
		}
		if item.ChatDir.Type != model.DirGroupRcv {
			return nil, false
		}
		ev.ChatType = model.ChatGroup
		ev.ConversationID = *group.GroupID
		ev.GroupName = firstNonEmpty(group.DisplayName, group.LocalDisplayName)
		member := item.ChatDir.GroupMember
		if member == nil {
			member = rec.ChatInfo.GroupMember
		}
		if member != nil {
			ev.MemberID = member.GroupMemberID
			ev.DisplayName = strings.TrimSpace(firstNonEmpty(member.DisplayName, member.LocalDisplayName))
		}

	default:
		return nil, false
	}

	ev.ItemID = *item.Meta.ItemID
	ev.ItemTs = item.Meta.ItemTs
	ev.CreatedAt = item.Meta.CreatedAt
	ev.Direction = model.DirectionInbound

	if !assignContent(&ev, item) {
		return nil, false
	}
	return &ev, true
}

// assignContent sets Kind, Text and Media. It reports false when the item
// has neither text nor an attachment.
func assignContent(ev *model.Event, item model.ChatItem) bool {
	mc := item.Content.MsgContent
	if mc == nil {
		mc = &model.MsgContent{}
	}
	text := mc.Text

	switch mc.Type {
	case "voice", "audio":
		desc := firstDescriptor(mc.Voice, item.File)
		media := mediaFrom(desc)
		if media.Duration == nil {
			media.Duration = mc.Duration
		}
		ev.Kind = model.KindVoice
		ev.Media = media
		ev.Text = firstNonEmpty(text, VoicePlaceholder)
		return true

	case "image":
		desc := firstDescriptor(imageDescriptor(mc.Image), item.File)
		ev.Kind = model.KindImage
		ev.Media = mediaFrom(desc)
		ev.Text = firstNonEmpty(text, ImagePlaceholder)
		return true

	case "file", "video":
		desc := firstDescriptor(mc.File, item.File)
		ev.Kind = model.KindFile
		ev.Media = mediaFrom(desc)
		ev.Text = firstNonEmpty(text, filePlaceholder(ev.Media.FileName))
		return true
	}

	// Any other content type with an attachment is a generic file.
	if item.File != nil {
		ev.Kind = model.KindFile
		ev.Media = mediaFrom(item.File)
		ev.Text = firstNonEmpty(text, filePlaceholder(ev.Media.FileName))
		return true
	}

	if strings.TrimSpace(text) == "" {
		return false
	}
	ev.Kind = model.KindText
	ev.Text = text
	return true
}

func mediaFrom(desc *model.FileDescriptor) *model.Media {
	if desc == nil {
		return &model.Media{}
	}
	return &model.Media{
		FilePath: desc.Path(),
		Duration: desc.Duration,
		FileName: desc.FileName,
		FileSize: desc.FileSize,
	}
}

// imageDescriptor decodes an inline image descriptor. Backends that send a
// base64 preview string instead of an object yield nil.
func imageDescriptor(raw json.RawMessage) *model.FileDescriptor {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	var desc model.FileDescriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil
	}
	return &desc
}

// firstDescriptor prefers the first descriptor with a resolvable path and
// falls back to the first non-nil one.
func firstDescriptor(descs ...*model.FileDescriptor) *model.FileDescriptor {
	var fallback *model.FileDescriptor
	for _, d := range descs {
		if d == nil {
			continue
		}
		if d.Path() != "" {
			return d
		}
		if fallback == nil {
			fallback = d
		}
	}
	return fallback
}

func filePlaceholder(name string) string {
	if name == "" {
		name = "unknown"
	}
	return "[File: " + name + "]"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
