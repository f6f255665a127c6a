package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestConversationKey(t *testing.T) {
	if got := ConversationKey(ChatDirect, 7); got != "7" {
		t.Fatalf("direct key = %q", got)
	}
	if got := ConversationKey(ChatGroup, 7); got != "group_7" {
		t.Fatalf("group key = %q", got)
	}
}

func TestWebhookPayloadDirectVoice(t *testing.T) {
	dur := 4.5
	e := &Event{
		ChatType:       ChatDirect,
		ConversationID: 7,
		DisplayName:    "alice",
		ItemID:         11,
		Direction:      DirectionInbound,
		Kind:           KindVoice,
		Text:           "[Voice message]",
		Media:          &Media{FilePath: "/files/v.m4a", Duration: &dur},
		ItemTs:         "2026-01-01T00:00:00Z",
		CreatedAt:      "2026-01-01T00:00:01Z",
	}
	now := time.Unix(1700000000, 500_000_000)

	raw, err := json.Marshal(NewWebhookPayload(e, "chat-bridge", now))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got["source"] != "chat-bridge" || got["chatType"] != "direct" || got["type"] != "voice" {
		t.Fatalf("unexpected header fields: %v", got)
	}
	if got["contactId"] != float64(7) || got["itemId"] != float64(11) {
		t.Fatalf("unexpected ids: %v", got)
	}
	if got["ts"] != 1700000000.5 {
		t.Fatalf("unexpected ts: %v", got["ts"])
	}
	voice, ok := got["voice"].(map[string]any)
	if !ok || voice["filePath"] != "/files/v.m4a" || voice["duration"] != 4.5 {
		t.Fatalf("unexpected voice block: %v", got["voice"])
	}
	for _, absent := range []string{"image", "file", "groupId", "memberId"} {
		if _, ok := got[absent]; ok {
			t.Fatalf("did not expect %q in direct voice payload", absent)
		}
	}
}

func TestWebhookPayloadGroupFile(t *testing.T) {
	size := int64(2048)
	e := &Event{
		ChatType:       ChatGroup,
		ConversationID: 3,
		GroupName:      "team",
		MemberID:       9,
		DisplayName:    "bob",
		ItemID:         40,
		Kind:           KindFile,
		Text:           "[File: report.pdf]",
		Media:          &Media{FileName: "report.pdf", FileSize: &size},
	}

	p := NewWebhookPayload(e, "chat-bridge", time.Now())
	if p.ContactID != nil {
		t.Fatalf("group payload must not carry contactId")
	}
	if p.GroupID == nil || *p.GroupID != 3 || p.MemberID == nil || *p.MemberID != 9 {
		t.Fatalf("unexpected group fields: %+v", p)
	}
	if p.File == nil || p.File.FileName != "report.pdf" || *p.File.FileSize != 2048 {
		t.Fatalf("unexpected file block: %+v", p.File)
	}
	if p.Voice != nil || p.Image != nil {
		t.Fatalf("only the file block should be set")
	}
}

func TestWebhookPayloadTextHasNoAttachment(t *testing.T) {
	e := &Event{ChatType: ChatDirect, ConversationID: 1, ItemID: 1, Kind: KindText, Text: "hi"}
	p := NewWebhookPayload(e, "chat-bridge", time.Now())
	if p.Voice != nil || p.Image != nil || p.File != nil {
		t.Fatalf("text payload must not carry attachment blocks: %+v", p)
	}
}
