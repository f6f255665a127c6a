package model

import "encoding/json"

// Chat directions reported by the backend for a chat item.
const (
	DirDirectRcv = "directRcv"
	DirDirectSnd = "directSnd"
	DirGroupRcv  = "groupRcv"
	DirGroupSnd  = "groupSnd"
)

// Response types the backend uses to report a failed command.
const (
	RespChatCmdError = "chatCmdError"
	RespChatError    = "chatError"
)

// Command is a request frame sent to the chat backend.
type Command struct {
	CorrID string `json:"corrId"`
	Cmd    string `json:"cmd"`
}

// CommandResponse is a reply (or async event) frame from the chat backend.
// Replies carry the corrId of the command; async events do not.
type CommandResponse struct {
	CorrID string       `json:"corrId,omitempty"`
	Resp   ResponseBody `json:"resp"`
}

// ResponseBody is the typed part of a backend frame. Chat items stay raw so
// one malformed record does not fail the whole reply.
type ResponseBody struct {
	Type      string            `json:"type"`
	ChatItems []json.RawMessage `json:"chatItems,omitempty"`
	ChatError json.RawMessage   `json:"chatError,omitempty"`
}

// ChatItemRecord is one raw entry of a "recent items" reply.
type ChatItemRecord struct {
	ChatInfo ChatInfo `json:"chatInfo"`
	ChatItem ChatItem `json:"chatItem"`
}

// ChatInfo identifies the conversation a record belongs to.
type ChatInfo struct {
	Type        string       `json:"type"`
	Contact     *Contact     `json:"contact,omitempty"`
	GroupInfo   *GroupInfo   `json:"groupInfo,omitempty"`
	GroupMember *GroupMember `json:"groupMember,omitempty"`
}

// Contact is a direct-chat counterpart.
type Contact struct {
	ContactID        *int64 `json:"contactId"`
	LocalDisplayName string `json:"localDisplayName"`
}

// GroupInfo is a group chat.
type GroupInfo struct {
	GroupID          *int64 `json:"groupId"`
	DisplayName      string `json:"displayName"`
	LocalDisplayName string `json:"localDisplayName"`
}

// GroupMember is the sender of a group item.
type GroupMember struct {
	GroupMemberID    int64  `json:"groupMemberId"`
	DisplayName      string `json:"displayName"`
	LocalDisplayName string `json:"localDisplayName"`
}

// ChatItem is the message part of a record.
type ChatItem struct {
	ChatDir ChatDir         `json:"chatDir"`
	Meta    ItemMeta        `json:"meta"`
	Content ItemContent     `json:"content"`
	File    *FileDescriptor `json:"file,omitempty"`
}

// ChatDir tells who sent the item.
type ChatDir struct {
	Type        string       `json:"type"`
	GroupMember *GroupMember `json:"groupMember,omitempty"`
}

// ItemMeta carries the backend-assigned item id and timestamps.
type ItemMeta struct {
	ItemID    *int64 `json:"itemId"`
	ItemTs    string `json:"itemTs"`
	CreatedAt string `json:"createdAt"`
}

// ItemContent wraps the message content.
type ItemContent struct {
	Type       string      `json:"type"`
	MsgContent *MsgContent `json:"msgContent,omitempty"`
}

// MsgContent is the user-visible content. Attachment descriptors may be
// inline (voice/image/file) or only on ChatItem.File.
type MsgContent struct {
	Type     string          `json:"type"`
	Text     string          `json:"text"`
	Duration *float64        `json:"duration,omitempty"`
	Voice    *FileDescriptor `json:"voice,omitempty"`
	Image    json.RawMessage `json:"image,omitempty"`
	File     *FileDescriptor `json:"file,omitempty"`
}

// FileDescriptor describes an attachment stored by the backend.
type FileDescriptor struct {
	FilePath   string      `json:"filePath,omitempty"`
	FileName   string      `json:"fileName,omitempty"`
	FileSize   *int64      `json:"fileSize,omitempty"`
	Duration   *float64    `json:"duration,omitempty"`
	FileSource *FileSource `json:"fileSource,omitempty"`
}

// FileSource is where the backend saved a received file.
type FileSource struct {
	FilePath string `json:"filePath"`
}

// Path returns the local path of the attachment, if known.
func (f *FileDescriptor) Path() string {
	if f == nil {
		return ""
	}
	if f.FilePath != "" {
		return f.FilePath
	}
	if f.FileSource != nil {
		return f.FileSource.FilePath
	}
	return ""
}
