package classify

import (
	"encoding/json"
	"testing"

	"github.com/capitalize-ai/chat-bridge/internal/model"
)

func record(t *testing.T, raw string) model.ChatItemRecord {
	t.Helper()
	var rec model.ChatItemRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	return rec
}

const directText = `{
	"chatInfo": {"type": "direct", "contact": {"contactId": 7, "localDisplayName": " alice "}},
	"chatItem": {
		"chatDir": {"type": "directRcv"},
		"meta": {"itemId": 10, "itemTs": "2026-01-01T00:00:00Z", "createdAt": "2026-01-01T00:00:01Z"},
		"content": {"type": "rcvMsgContent", "msgContent": {"type": "text", "text": "hello"}}
	}
}`

func TestClassifyDirectText(t *testing.T) {
	ev, ok := New(Options{}).Classify(record(t, directText))
	if !ok {
		t.Fatalf("expected direct text to be classified")
	}
	if ev.Kind != model.KindText || ev.Text != "hello" {
		t.Fatalf("unexpected content: %+v", ev)
	}
	if ev.ConversationID != 7 || ev.ItemID != 10 || ev.DisplayName != "alice" {
		t.Fatalf("unexpected identity: %+v", ev)
	}
	if ev.Direction != model.DirectionInbound || ev.ChatType != model.ChatDirect {
		t.Fatalf("unexpected direction/chat type: %+v", ev)
	}
	if ev.StateKey() != "7" {
		t.Fatalf("unexpected state key %q", ev.StateKey())
	}
}

func TestClassifyDropsOutboundEcho(t *testing.T) {
	rec := record(t, directText)
	rec.ChatItem.ChatDir.Type = model.DirDirectSnd
	if _, ok := New(Options{}).Classify(rec); ok {
		t.Fatalf("outbound echo must be dropped")
	}
}

func TestClassifyDropsEmptyText(t *testing.T) {
	rec := record(t, directText)
	rec.ChatItem.Content.MsgContent.Text = "   "
	if _, ok := New(Options{}).Classify(rec); ok {
		t.Fatalf("empty text must be dropped")
	}
}

func TestClassifyDropsMissingIDs(t *testing.T) {
	rec := record(t, directText)
	rec.ChatItem.Meta.ItemID = nil
	if _, ok := New(Options{}).Classify(rec); ok {
		t.Fatalf("record without item id must be dropped")
	}
	rec = record(t, directText)
	rec.ChatInfo.Contact.ContactID = nil
	if _, ok := New(Options{}).Classify(rec); ok {
		t.Fatalf("record without contact id must be dropped")
	}
}

const groupText = `{
	"chatInfo": {"type": "group", "groupInfo": {"groupId": 3, "displayName": "team"}},
	"chatItem": {
		"chatDir": {"type": "groupRcv", "groupMember": {"groupMemberId": 9, "localDisplayName": "bob"}},
		"meta": {"itemId": 55},
		"content": {"type": "rcvMsgContent", "msgContent": {"type": "text", "text": "standup?"}}
	}
}`

func TestClassifyGroupRequiresGroupMode(t *testing.T) {
	rec := record(t, groupText)
	if _, ok := New(Options{}).Classify(rec); ok {
		t.Fatalf("group record must be dropped when group mode is disabled")
	}

	ev, ok := New(Options{GroupChats: true}).Classify(rec)
	if !ok {
		t.Fatalf("group record must be classified when group mode is enabled")
	}
	if ev.ChatType != model.ChatGroup || ev.ConversationID != 3 || ev.GroupName != "team" {
		t.Fatalf("unexpected group identity: %+v", ev)
	}
	if ev.MemberID != 9 || ev.DisplayName != "bob" {
		t.Fatalf("unexpected member: %+v", ev)
	}
	if ev.StateKey() != "group_3" {
		t.Fatalf("unexpected state key %q", ev.StateKey())
	}
}

func TestClassifyVoiceWithoutPathKeepsPlaceholder(t *testing.T) {
	rec := record(t, `{
		"chatInfo": {"type": "direct", "contact": {"contactId": 7}},
		"chatItem": {
			"chatDir": {"type": "directRcv"},
			"meta": {"itemId": 12},
			"content": {"msgContent": {"type": "voice", "text": "", "duration": 6}}
		}
	}`)
	ev, ok := New(Options{}).Classify(rec)
	if !ok {
		t.Fatalf("voice without attachment path must still be forwarded")
	}
	if ev.Kind != model.KindVoice || ev.Text != VoicePlaceholder {
		t.Fatalf("unexpected voice event: %+v", ev)
	}
	if ev.Media == nil || ev.Media.FilePath != "" || ev.Media.Duration == nil || *ev.Media.Duration != 6 {
		t.Fatalf("unexpected voice media: %+v", ev.Media)
	}
}

func TestClassifyVoiceResolvesItemFile(t *testing.T) {
	rec := record(t, `{
		"chatInfo": {"type": "direct", "contact": {"contactId": 7}},
		"chatItem": {
			"chatDir": {"type": "directRcv"},
			"meta": {"itemId": 13},
			"content": {"msgContent": {"type": "voice", "text": "", "duration": 3}},
			"file": {"fileName": "voice.m4a", "fileSize": 100, "fileSource": {"filePath": "/files/voice.m4a"}}
		}
	}`)
	ev, ok := New(Options{}).Classify(rec)
	if !ok || ev.Media.FilePath != "/files/voice.m4a" {
		t.Fatalf("expected voice path from item file, got %+v", ev)
	}
}

func TestClassifyImage(t *testing.T) {
	rec := record(t, `{
		"chatInfo": {"type": "direct", "contact": {"contactId": 7}},
		"chatItem": {
			"chatDir": {"type": "directRcv"},
			"meta": {"itemId": 14},
			"content": {"msgContent": {"type": "image", "text": "look", "image": {"filePath": "/files/a.jpg"}}}
		}
	}`)
	ev, ok := New(Options{}).Classify(rec)
	if !ok || ev.Kind != model.KindImage || ev.Text != "look" || ev.Media.FilePath != "/files/a.jpg" {
		t.Fatalf("unexpected image event: %+v", ev)
	}
}

func TestClassifyImagePreviewString(t *testing.T) {
	rec := record(t, `{
		"chatInfo": {"type": "direct", "contact": {"contactId": 7}},
		"chatItem": {
			"chatDir": {"type": "directRcv"},
			"meta": {"itemId": 15},
			"content": {"msgContent": {"type": "image", "text": "", "image": "data:image/jpg;base64,AAAA"}}
		}
	}`)
	ev, ok := New(Options{}).Classify(rec)
	if !ok || ev.Kind != model.KindImage || ev.Text != ImagePlaceholder {
		t.Fatalf("unexpected image event: %+v", ev)
	}
}

func TestClassifyFileCarriesNameAndSize(t *testing.T) {
	rec := record(t, `{
		"chatInfo": {"type": "direct", "contact": {"contactId": 7}},
		"chatItem": {
			"chatDir": {"type": "directRcv"},
			"meta": {"itemId": 16},
			"content": {"msgContent": {"type": "file", "text": "", "file": {"filePath": "/files/r.pdf", "fileName": "r.pdf", "fileSize": 2048}}}
		}
	}`)
	ev, ok := New(Options{}).Classify(rec)
	if !ok || ev.Kind != model.KindFile {
		t.Fatalf("expected file event, got %+v", ev)
	}
	if ev.Text != "[File: r.pdf]" || ev.Media.FileName != "r.pdf" || *ev.Media.FileSize != 2048 {
		t.Fatalf("unexpected file event: %+v %+v", ev, ev.Media)
	}
}

func TestClassifyUnknownAttachmentIsFile(t *testing.T) {
	rec := record(t, `{
		"chatInfo": {"type": "direct", "contact": {"contactId": 7}},
		"chatItem": {
			"chatDir": {"type": "directRcv"},
			"meta": {"itemId": 17},
			"content": {"msgContent": {"type": "link", "text": ""}},
			"file": {"fileName": "page.html"}
		}
	}`)
	ev, ok := New(Options{}).Classify(rec)
	if !ok || ev.Kind != model.KindFile || ev.Text != "[File: page.html]" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestClassifyUnknownChatType(t *testing.T) {
	rec := record(t, directText)
	rec.ChatInfo.Type = "local"
	if _, ok := New(Options{GroupChats: true}).Classify(rec); ok {
		t.Fatalf("unknown chat types must be dropped")
	}
}
