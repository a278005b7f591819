package store

import (
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + fts)", result.Version)
	}
}

func TestOpenIsolatesDatabases(t *testing.T) {
	a := testDB(t)
	b := testDB(t)
	if a.Name() == b.Name() {
		t.Fatal("Open(\"\") reused a name")
	}
	if err := a.UpsertChat(&Chat{ID: "c1", UpdatedAt: 1}); err != nil {
		t.Fatal(err)
	}
	chats, err := b.ListChats(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 0 {
		t.Errorf("second journal sees %d chats, want 0", len(chats))
	}
}

func TestChatOrderingAndMonotonicUpdate(t *testing.T) {
	db := testDB(t)

	for _, c := range []Chat{
		{ID: "old", PeerID: "u2", Preview: "a", UpdatedAt: 1000},
		{ID: "new", PeerID: "u3", Preview: "b", UpdatedAt: 3000},
		{ID: "mid", PeerID: "u4", Preview: "c", UpdatedAt: 2000},
	} {
		if err := db.UpsertChat(&c); err != nil {
			t.Fatal(err)
		}
	}
	// An out-of-order update keeps the newer timestamp but takes the preview.
	if err := db.UpsertChat(&Chat{ID: "new", Preview: "late", UpdatedAt: 500}); err != nil {
		t.Fatal(err)
	}

	chats, err := db.ListChats(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, c := range chats {
		ids = append(ids, c.ID)
	}
	if len(ids) != 3 || ids[0] != "new" || ids[1] != "mid" || ids[2] != "old" {
		t.Fatalf("order = %v, want [new mid old]", ids)
	}
	if chats[0].UpdatedAt != 3000 || chats[0].Preview != "late" || chats[0].PeerID != "u3" {
		t.Errorf("chat new = %+v", chats[0])
	}
}

func TestChatPeerNameFromUsers(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertChat(&Chat{ID: "c1", PeerID: "u2"}); err != nil {
		t.Fatal(err)
	}
	c, err := db.GetChat("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.PeerName != "u2" {
		t.Fatalf("before users known: %+v, want name fallback to id", c)
	}

	if err := db.UpsertUsers([]User{{ID: "u2", Name: "Bo"}}); err != nil {
		t.Fatal(err)
	}
	// Partial update must not erase the name.
	if err := db.UpsertUsers([]User{{ID: "u2", Email: "bo@example.com"}}); err != nil {
		t.Fatal(err)
	}
	c, err = db.GetChat("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.PeerName != "Bo" {
		t.Errorf("peer name = %q, want Bo", c.PeerName)
	}

	missing, err := db.GetChat("nope")
	if err != nil || missing != nil {
		t.Errorf("GetChat(nope) = %v, %v", missing, err)
	}

	users, err := db.ListUsers()
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].Email != "bo@example.com" || users[0].Name != "Bo" {
		t.Errorf("users = %+v", users)
	}
}

func TestReplaceChats(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertChat(&Chat{ID: "gone", UpdatedAt: 9000}); err != nil {
		t.Fatal(err)
	}
	if err := db.ReplaceChats([]Chat{{ID: "a", UpdatedAt: 1}, {ID: "b", UpdatedAt: 2}}); err != nil {
		t.Fatal(err)
	}
	chats, err := db.ListChats(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 2 || chats[0].ID != "b" {
		t.Errorf("chats = %+v", chats)
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)

	msg := &Message{ID: "m1", ConversationID: "c1", SenderID: "u1", Body: "hello", CreatedAt: 1000}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	msg.Body = "hello updated"
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	if msgs[0].Body != "hello updated" {
		t.Errorf("body = %q, want hello updated", msgs[0].Body)
	}
}

func TestListMessagesPagination(t *testing.T) {
	db := testDB(t)

	for i, id := range []string{"m1", "m2", "m3"} {
		if err := db.UpsertMessage(&Message{ID: id, ConversationID: "c1", SenderID: "u1", CreatedAt: int64(1000 * (i + 1))}); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.UpsertMessage(&Message{ID: "other", ConversationID: "c2", SenderID: "u1", CreatedAt: 5000}); err != nil {
		t.Fatal(err)
	}

	page, err := db.ListMessages("c1", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "m3" || page[1].ID != "m2" {
		t.Fatalf("first page = %+v", page)
	}
	page, err = db.ListMessages("c1", page[1].CreatedAt, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].ID != "m1" {
		t.Errorf("second page = %+v", page)
	}
}

func TestReplaceMessageIDKeepsSearchIndexInSync(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{ID: "local-1", ConversationID: "c1", SenderID: "u1", Body: "pineapple", ClientMsgID: "t1", Status: "sending", CreatedAt: 1}); err != nil {
		t.Fatal(err)
	}
	if err := db.ReplaceMessageID("local-1", &Message{ID: "srv-1", ConversationID: "c1", SenderID: "u1", Body: "pineapple", ClientMsgID: "t1", Status: "sent", CreatedAt: 2}); err != nil {
		t.Fatal(err)
	}

	if m, _ := db.GetMessage("local-1"); m != nil {
		t.Errorf("provisional row still present: %+v", m)
	}
	results, err := db.SearchMessages("pineapple", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Message.ID != "srv-1" || results[0].Message.Status != "sent" {
		t.Errorf("results = %+v", results)
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)

	for _, m := range []Message{
		{ID: "m1", ConversationID: "c1", SenderID: "u1", Body: "hello world", CreatedAt: 1000},
		{ID: "m2", ConversationID: "c1", SenderID: "u2", Body: "goodbye world", CreatedAt: 2000},
		{ID: "m3", ConversationID: "c2", SenderID: "u2", Body: "hello again", CreatedAt: 3000},
	} {
		if err := db.UpsertMessage(&m); err != nil {
			t.Fatal(err)
		}
	}

	results, err := db.SearchMessages("hello", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].Message.ID != "m3" {
		t.Fatalf("results = %+v, want m3 then m1", results)
	}
	if results[1].Snippet != "<<hello>> world" {
		t.Errorf("snippet = %q", results[1].Snippet)
	}

	results, err = db.SearchMessages("hello", "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Message.ID != "m1" {
		t.Errorf("scoped results = %+v", results)
	}

	if err := db.DeleteMessage("m1"); err != nil {
		t.Fatal(err)
	}
	results, err = db.SearchMessages("hello", "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("deleted message still searchable: %+v", results)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)

	if err := db.TrackOutbox("t1", "c1", "first"); err != nil {
		t.Fatal(err)
	}
	if err := db.TrackOutbox("t1", "c1", "dup"); err != nil {
		t.Fatal(err)
	}
	if err := db.TrackOutbox("t2", "c1", "second"); err != nil {
		t.Fatal(err)
	}

	stale, err := db.StaleOutbox(time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 2 || stale[0].Body != "first" {
		t.Fatalf("stale = %+v", stale)
	}
	if stale, _ := db.StaleOutbox(time.Now().Add(-time.Minute)); len(stale) != 0 {
		t.Errorf("nothing should be stale before the cutoff, got %+v", stale)
	}

	if err := db.MarkOutboxSent("t1", "srv-1"); err != nil {
		t.Fatal(err)
	}
	changed, err := db.MarkOutboxUnconfirmed("t1")
	if err != nil || changed {
		t.Errorf("MarkOutboxUnconfirmed(sent) = %v, %v; want false", changed, err)
	}
	changed, err = db.MarkOutboxUnconfirmed("t2")
	if err != nil || !changed {
		t.Errorf("MarkOutboxUnconfirmed(sending) = %v, %v; want true", changed, err)
	}

	e, err := db.GetOutbox("t1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != OutboxSent || e.ServerMsgID != "srv-1" {
		t.Errorf("t1 = %+v", e)
	}

	// A late echo still resolves an unconfirmed send.
	if err := db.MarkOutboxSent("t2", "srv-2"); err != nil {
		t.Fatal(err)
	}
	if e, _ := db.GetOutbox("t2"); e.Status != OutboxSent {
		t.Errorf("t2 status = %q, want sent", e.Status)
	}

	if err := db.DeleteOutbox("t2"); err != nil {
		t.Fatal(err)
	}
	if e, _ := db.GetOutbox("t2"); e != nil {
		t.Errorf("t2 still present after delete")
	}

	chats, msgs, pending, err := db.Counts()
	if err != nil {
		t.Fatal(err)
	}
	if chats != 0 || msgs != 0 || pending != 0 {
		t.Errorf("Counts() = %d %d %d", chats, msgs, pending)
	}
}
