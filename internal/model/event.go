// Package model defines data structures for the chat bridge.
package model

import (
	"strconv"
	"time"
)

// Kind is the content kind of an event.
type Kind string

const (
	KindText  Kind = "text"
	KindVoice Kind = "voice"
	KindImage Kind = "image"
	KindFile  Kind = "file"
)

// ChatType distinguishes direct chats from group chats.
type ChatType string

const (
	ChatDirect ChatType = "direct"
	ChatGroup  ChatType = "group"
)

// Direction tells whether the bridge's account sent or received an item.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Media describes an attachment. Fields are zero when the backend did not
// report them.
type Media struct {
	FilePath string   `json:"filePath"`
	Duration *float64 `json:"duration,omitempty"`
	FileName string   `json:"fileName,omitempty"`
	FileSize *int64   `json:"fileSize,omitempty"`
}

// Event is one normalized chat item. Events are built by the classifier and
// not modified afterwards.
type Event struct {
	ChatType       ChatType  `json:"chatType"`
	ConversationID int64     `json:"conversationId"`
	DisplayName    string    `json:"displayName"`
	GroupName      string    `json:"groupName,omitempty"`
	MemberID       int64     `json:"memberId,omitempty"`
	ItemID         int64     `json:"itemId"`
	Direction      Direction `json:"direction"`
	Kind           Kind      `json:"kind"`
	Text           string    `json:"text"`
	Media          *Media    `json:"media,omitempty"`
	ItemTs         string    `json:"itemTs,omitempty"`
	CreatedAt      string    `json:"createdAt,omitempty"`
}

// StateKey is the deduplication and rate-limit key of the event's
// conversation.
func (e *Event) StateKey() string {
	return ConversationKey(e.ChatType, e.ConversationID)
}

// ConversationKey builds the state key for a conversation.
func ConversationKey(chatType ChatType, id int64) string {
	if chatType == ChatGroup {
		return "group_" + strconv.FormatInt(id, 10)
	}
	return strconv.FormatInt(id, 10)
}

// WebhookPayload is the JSON document delivered to the consumer.
type WebhookPayload struct {
	Source      string   `json:"source"`
	ChatType    ChatType `json:"chatType"`
	Type        Kind     `json:"type"`
	Text        string   `json:"text"`
	ContactID   *int64   `json:"contactId,omitempty"`
	GroupID     *int64   `json:"groupId,omitempty"`
	GroupName   string   `json:"groupName,omitempty"`
	MemberID    *int64   `json:"memberId,omitempty"`
	DisplayName string   `json:"displayName"`
	ItemID      int64    `json:"itemId"`
	ItemTs      string   `json:"itemTs"`
	CreatedAt   string   `json:"createdAt"`
	Ts          float64  `json:"ts"`

	Voice *VoiceBlock `json:"voice,omitempty"`
	Image *ImageBlock `json:"image,omitempty"`
	File  *FileBlock  `json:"file,omitempty"`
}

// VoiceBlock is the voice attachment of a payload.
type VoiceBlock struct {
	FilePath string   `json:"filePath"`
	Duration *float64 `json:"duration"`
}

// ImageBlock is the image attachment of a payload.
type ImageBlock struct {
	FilePath string `json:"filePath"`
}

// FileBlock is the generic file attachment of a payload.
type FileBlock struct {
	FilePath string `json:"filePath"`
	FileName string `json:"fileName"`
	FileSize *int64 `json:"fileSize"`
}

// NewWebhookPayload builds the consumer payload for e. Exactly one
// attachment block is set for voice, image and file events.
func NewWebhookPayload(e *Event, source string, now time.Time) *WebhookPayload {
	p := &WebhookPayload{
		Source:      source,
		ChatType:    e.ChatType,
		Type:        e.Kind,
		Text:        e.Text,
		DisplayName: e.DisplayName,
		ItemID:      e.ItemID,
		ItemTs:      e.ItemTs,
		CreatedAt:   e.CreatedAt,
		Ts:          float64(now.UnixNano()) / 1e9,
	}

	id := e.ConversationID
	switch e.ChatType {
	case ChatGroup:
		p.GroupID = &id
		p.GroupName = e.GroupName
		member := e.MemberID
		p.MemberID = &member
	default:
		p.ContactID = &id
	}

	media := e.Media
	if media == nil {
		media = &Media{}
	}
	switch e.Kind {
	case KindVoice:
		p.Voice = &VoiceBlock{FilePath: media.FilePath, Duration: media.Duration}
	case KindImage:
		p.Image = &ImageBlock{FilePath: media.FilePath}
	case KindFile:
		p.File = &FileBlock{FilePath: media.FilePath, FileName: media.FileName, FileSize: media.FileSize}
	}
	return p
}
