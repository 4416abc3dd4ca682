package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/amora-app/amora-go/internal/api"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "amora.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	res, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed {
		t.Error("second migrate reported changes")
	}
}

func TestUpsertMessageIdempotent(t *testing.T) {
	db := openTestDB(t)

	msg := &api.Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "u1",
		Content:        "hello",
		MessageType:    api.MessageText,
		Status:         api.StatusSent,
		CreatedAt:      time.Now(),
	}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" || msgs[0].Content != "hello" {
		t.Fatalf("messages = %+v, want single m1", msgs)
	}
}

func TestMessageStatusNeverRegresses(t *testing.T) {
	db := openTestDB(t)

	msg := &api.Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "u1",
		Content:        "hello",
		MessageType:    api.MessageText,
		Status:         api.StatusRead,
		IsRead:         true,
		CreatedAt:      time.Now(),
	}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	// A stale update carrying an earlier status must not win.
	msg.Status = api.StatusDelivered
	msg.IsRead = false
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].Status != "read" || !msgs[0].IsRead {
		t.Errorf("row = %+v, want status read preserved", msgs[0])
	}
}

func TestListMessagesKeysetPagination(t *testing.T) {
	db := openTestDB(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		msg := &api.Message{
			ID:             "m" + string(rune('1'+i)),
			ConversationID: "c1",
			SenderID:       "u1",
			Content:        "x",
			MessageType:    api.MessageText,
			Status:         api.StatusSent,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}
		if err := db.UpsertMessage(msg); err != nil {
			t.Fatal(err)
		}
	}

	newest, err := db.ListMessages("c1", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(newest) != 2 || newest[0].ID != "m5" || newest[1].ID != "m4" {
		t.Fatalf("newest page = %+v, want m5, m4", newest)
	}

	older, err := db.ListMessages("c1", newest[1].CreatedAt, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(older) != 2 || older[0].ID != "m3" || older[1].ID != "m2" {
		t.Fatalf("older page = %+v, want m3, m2", older)
	}
}

func TestDeleteMessage(t *testing.T) {
	db := openTestDB(t)

	msg := &api.Message{ID: "m1", ConversationID: "c1", MessageType: api.MessageText, Status: api.StatusSent, CreatedAt: time.Now()}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteMessage("m1"); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages = %+v, want none", msgs)
	}
}

func TestUpsertConversationUpdatesPreview(t *testing.T) {
	db := openTestDB(t)

	at := time.Now()
	conv := &api.Conversation{
		ID:               "c1",
		OtherParticipant: &api.User{ID: "u2", Name: "Dana"},
		LastMessage:      &api.Message{Content: "hi"},
		LastMessageAt:    &at,
		IsActive:         true,
	}
	if err := db.UpsertConversation(conv); err != nil {
		t.Fatal(err)
	}

	later := at.Add(time.Minute)
	conv.LastMessage = &api.Message{Content: "newer"}
	conv.LastMessageAt = &later
	if err := db.UpsertConversation(conv); err != nil {
		t.Fatal(err)
	}

	convs, err := db.ListConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].LastMessage != "newer" || convs[0].OtherUserName != "Dana" {
		t.Fatalf("conversations = %+v", convs)
	}
}

func TestCallHistoryOrdering(t *testing.T) {
	db := openTestDB(t)

	early := time.Now().Add(-time.Hour)
	late := time.Now()
	for _, c := range []*api.Call{
		{ID: "call1", CallerID: "me", ReceiverID: "u2", Type: api.CallAudio, Status: api.CallEnded, StartTime: &early, Duration: 60},
		{ID: "call2", CallerID: "u2", ReceiverID: "me", Type: api.CallVideo, Status: api.CallMissed, StartTime: &late},
	} {
		if err := db.UpsertCall(c); err != nil {
			t.Fatal(err)
		}
	}

	calls, err := db.ListCalls(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 2 || calls[0].ID != "call2" || calls[1].ID != "call1" {
		t.Fatalf("calls = %+v, want call2 first", calls)
	}
}
