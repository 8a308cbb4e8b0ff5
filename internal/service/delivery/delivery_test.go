package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealchat/internal/model"
	"sealchat/internal/service/api"
	"sealchat/internal/service/transport"
)

type fakeTransport struct {
	mu      sync.Mutex
	frames  []model.Frame
	sendErr error
	joined  []string
}

func (f *fakeTransport) Send(frame model.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTransport) Join(chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, chatID)
	return nil
}

func (f *fakeTransport) Leave(string) error { return nil }

func (f *fakeTransport) Subscribe(transport.Handler) func() { return func() {} }

func (f *fakeTransport) sent() []model.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Frame, len(f.frames))
	copy(out, f.frames)
	return out
}

// fakeCrypter carries plaintext in the envelope payload so tests can check
// frames without real key material. A payload of "bad" refuses to open.
type fakeCrypter struct {
	encryptErr error
}

func (f *fakeCrypter) EncryptForRecipients(_ context.Context, _ string, plaintext []byte, recipients []string, selfUserID, _ string) ([]model.Envelope, error) {
	if f.encryptErr != nil {
		return nil, f.encryptErr
	}
	envelopes := []model.Envelope{{RecipientID: selfUserID, Payload: plaintext}}
	for _, userID := range recipients {
		envelopes = append(envelopes, model.Envelope{RecipientID: userID, Payload: plaintext})
	}
	return envelopes, nil
}

func (f *fakeCrypter) DecryptMessage(_ string, envelopes []model.Envelope) ([]byte, bool) {
	if len(envelopes) == 0 || string(envelopes[0].Payload) == "bad" {
		return nil, false
	}
	return envelopes[0].Payload, true
}

type fakeRepair struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeRepair) RequestRepair(chatID, targetUserID, targetDeviceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, chatID+"|"+targetUserID+"|"+targetDeviceID)
}

func (f *fakeRepair) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeStore records transcript cache traffic and serves seeded chats.
type fakeStore struct {
	mu         sync.Mutex
	upserts    []string
	tombstones []string
	chats      map[string][]*model.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{chats: make(map[string][]*model.Message)}
}

func (f *fakeStore) Upsert(_ context.Context, m *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, m.ID)
	return nil
}

func (f *fakeStore) ByChat(_ context.Context, chatID string) ([]*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chats[chatID], nil
}

func (f *fakeStore) Tombstone(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tombstones = append(f.tombstones, id)
	return nil
}

func newTestService() (*Service, *fakeTransport, *fakeCrypter, *fakeRepair) {
	tr := &fakeTransport{}
	crypter := &fakeCrypter{}
	repair := &fakeRepair{}
	svc := New(crypter, tr, nil, nil, Config{
		SelfUserID: "alice",
		DeviceID:   "dev-1",
		Token:      "tok",
	})
	svc.SetRepairRequester(repair)
	return svc, tr, crypter, repair
}

func TestSendTextOptimisticEntry(t *testing.T) {
	svc, tr, _, _ := newTestService()

	msg, err := svc.SendText(context.Background(), "chat-1", "hello", []string{"bob"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(msg.ID, "tmp-"))
	assert.Equal(t, model.StatusSending, msg.Status)

	listed := svc.Messages("chat-1")
	require.Len(t, listed, 1)
	assert.Equal(t, "hello", listed[0].Content)

	frames := tr.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, model.FrameMessageSend, frames[0].Type)
	assert.Equal(t, "hello", frames[0].Preview)
	assert.Len(t, frames[0].Envelopes, 2) // self + bob
}

func TestAckSwapsServerID(t *testing.T) {
	svc, _, _, _ := newTestService()

	msg, err := svc.SendText(context.Background(), "chat-1", "hello", []string{"bob"})
	require.NoError(t, err)
	tempID := msg.ID

	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.handleFrame(model.Frame{
		Type:      model.FrameEnvelopeSent,
		ChatID:    "chat-1",
		MessageID: "srv-42",
		Preview:   "hello",
		CreatedAt: at.UnixMilli(),
	})

	listed := svc.Messages("chat-1")
	require.Len(t, listed, 1)
	assert.Equal(t, "srv-42", listed[0].ID)
	assert.NotEqual(t, tempID, listed[0].ID)
	assert.Equal(t, model.StatusSent, listed[0].Status)
	assert.Equal(t, at.UnixMilli(), listed[0].Timestamp.UnixMilli())

	// A later duplicate ack has no pending entry left to match.
	svc.handleFrame(model.Frame{
		Type:      model.FrameEnvelopeSent,
		ChatID:    "chat-1",
		MessageID: "srv-43",
		Preview:   "hello",
	})
	listed = svc.Messages("chat-1")
	require.Len(t, listed, 1)
	assert.Equal(t, "srv-42", listed[0].ID)
}

func TestAckMatchesByFingerprintNotOrder(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	_, err := svc.SendText(ctx, "chat-1", "first", []string{"bob"})
	require.NoError(t, err)
	_, err = svc.SendText(ctx, "chat-1", "second", []string{"bob"})
	require.NoError(t, err)

	// Acks arrive in reverse order; each lands on its own message.
	svc.handleFrame(model.Frame{Type: model.FrameEnvelopeSent, ChatID: "chat-1", MessageID: "srv-2", Preview: "second"})
	svc.handleFrame(model.Frame{Type: model.FrameEnvelopeSent, ChatID: "chat-1", MessageID: "srv-1", Preview: "first"})

	byContent := make(map[string]string)
	for _, m := range svc.Messages("chat-1") {
		byContent[m.Content] = m.ID
	}
	assert.Equal(t, "srv-1", byContent["first"])
	assert.Equal(t, "srv-2", byContent["second"])
}

func TestAckAfterHistoryInsertKeepsOneEntry(t *testing.T) {
	svc, _, _, _ := newTestService()

	msg, err := svc.SendText(context.Background(), "chat-1", "hello", []string{"bob"})
	require.NoError(t, err)

	// A history load lands the same message under its server id before the
	// acknowledgement arrives.
	svc.addRemote(context.Background(), "chat-1", model.WireMessage{
		ID:        "srv-1",
		ChatID:    "chat-1",
		SenderID:  "alice",
		CreatedAt: 1000,
	}, "hello")

	svc.handleFrame(model.Frame{
		Type:      model.FrameEnvelopeSent,
		ChatID:    "chat-1",
		MessageID: "srv-1",
		Preview:   "hello",
	})

	// The optimistic entry is dropped, not double-inserted.
	listed := svc.Messages("chat-1")
	require.Len(t, listed, 1)
	assert.Equal(t, "srv-1", listed[0].ID)
	assert.Equal(t, model.StatusSent, listed[0].Status)

	svc.mu.Lock()
	_, tempLeft := svc.chats["chat-1"].byID[msg.ID]
	pendingLeft := len(svc.pending)
	svc.mu.Unlock()
	assert.False(t, tempLeft)
	assert.Zero(t, pendingLeft)
}

func TestUnmatchedAckIgnored(t *testing.T) {
	svc, _, _, _ := newTestService()

	msg, err := svc.SendText(context.Background(), "chat-1", "hello", []string{"bob"})
	require.NoError(t, err)

	// Ack for a different preview belongs to another client of this account.
	svc.handleFrame(model.Frame{
		Type:      model.FrameEnvelopeSent,
		ChatID:    "chat-1",
		MessageID: "srv-99",
		Preview:   "something else entirely",
	})

	listed := svc.Messages("chat-1")
	require.Len(t, listed, 1)
	assert.Equal(t, msg.ID, listed[0].ID)
	assert.Equal(t, model.StatusSending, listed[0].Status)
}

func TestStatusNeverRegresses(t *testing.T) {
	svc, _, _, _ := newTestService()

	_, err := svc.SendText(context.Background(), "chat-1", "hello", []string{"bob"})
	require.NoError(t, err)
	svc.handleFrame(model.Frame{Type: model.FrameEnvelopeSent, ChatID: "chat-1", MessageID: "srv-1", Preview: "hello"})

	svc.handleFrame(model.Frame{Type: model.FrameMessageStatus, ChatID: "chat-1", MessageID: "srv-1", Status: "seen", ViewerID: "bob"})
	listed := svc.Messages("chat-1")
	require.Equal(t, model.StatusSeen, listed[0].Status)

	// A delivered receipt arriving after seen is a no-op.
	svc.handleFrame(model.Frame{Type: model.FrameMessageStatus, ChatID: "chat-1", MessageID: "srv-1", Status: "delivered"})
	listed = svc.Messages("chat-1")
	assert.Equal(t, model.StatusSeen, listed[0].Status)
}

func TestGroupSeenReceiptsAccumulate(t *testing.T) {
	svc, _, _, _ := newTestService()

	_, err := svc.SendText(context.Background(), "chat-1", "hello", []string{"bob", "carol"})
	require.NoError(t, err)
	svc.handleFrame(model.Frame{Type: model.FrameEnvelopeSent, ChatID: "chat-1", MessageID: "srv-1", Preview: "hello"})

	early := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.handleFrame(model.Frame{Type: model.FrameMessageStatus, MessageID: "srv-1", Status: "seen", ViewerID: "bob", SeenAt: early.UnixMilli()})
	svc.handleFrame(model.Frame{Type: model.FrameMessageStatus, MessageID: "srv-1", Status: "seen", ViewerID: "carol", SeenAt: early.Add(time.Minute).UnixMilli()})
	// Bob's duplicate with a later clock refines his receipt only.
	svc.handleFrame(model.Frame{Type: model.FrameMessageStatus, MessageID: "srv-1", Status: "seen", ViewerID: "bob", SeenAt: early.Add(2 * time.Minute).UnixMilli()})

	listed := svc.Messages("chat-1")
	require.Len(t, listed, 1)
	require.Len(t, listed[0].SeenBy, 2)
	assert.Equal(t, early.Add(2*time.Minute).UnixMilli(), listed[0].SeenBy["bob"].UnixMilli())
	assert.Equal(t, early.Add(time.Minute).UnixMilli(), listed[0].SeenBy["carol"].UnixMilli())
}

func TestStatusForUnknownMessageIgnored(t *testing.T) {
	svc, _, _, _ := newTestService()
	svc.handleFrame(model.Frame{Type: model.FrameMessageStatus, ChatID: "chat-1", MessageID: "srv-404", Status: "delivered"})
	assert.Empty(t, svc.Messages("chat-1"))
}

func TestIncomingMessageAdded(t *testing.T) {
	svc, _, _, _ := newTestService()

	svc.handleFrame(model.Frame{
		Type:      model.FrameMessageEnvelope,
		ChatID:    "chat-1",
		MessageID: "srv-7",
		SenderID:  "bob",
		Envelopes: []model.Envelope{{RecipientID: "alice", Payload: []byte("hi alice")}},
		CreatedAt: time.Now().UnixMilli(),
	})

	listed := svc.Messages("chat-1")
	require.Len(t, listed, 1)
	assert.Equal(t, "hi alice", listed[0].Content)
	assert.Equal(t, model.StatusDelivered, listed[0].Status)
}

func TestIncomingDuplicateDropped(t *testing.T) {
	svc, _, _, _ := newTestService()

	frame := model.Frame{
		Type:      model.FrameMessageEnvelope,
		ChatID:    "chat-1",
		MessageID: "srv-7",
		SenderID:  "bob",
		Envelopes: []model.Envelope{{RecipientID: "alice", Payload: []byte("hi")}},
	}
	svc.handleFrame(frame)
	svc.handleFrame(frame)

	assert.Len(t, svc.Messages("chat-1"), 1)
}

func TestOwnEchoSkipped(t *testing.T) {
	svc, _, _, _ := newTestService()

	svc.handleFrame(model.Frame{
		Type:           model.FrameMessageEnvelope,
		ChatID:         "chat-1",
		MessageID:      "srv-7",
		SenderID:       "alice",
		SenderDeviceID: "dev-1",
		Envelopes:      []model.Envelope{{RecipientID: "alice", Payload: []byte("echo")}},
	})

	assert.Empty(t, svc.Messages("chat-1"))
}

func TestUndecryptableIncomingTriggersRepair(t *testing.T) {
	svc, _, _, repair := newTestService()

	svc.handleFrame(model.Frame{
		Type:      model.FrameMessageEnvelope,
		ChatID:    "chat-1",
		MessageID: "srv-7",
		SenderID:  "bob",
		Envelopes: []model.Envelope{{RecipientID: "carol", Payload: []byte("bad")}},
	})

	// Never rendered, repair requested for this device.
	assert.Empty(t, svc.Messages("chat-1"))
	require.Equal(t, 1, repair.count())
	assert.Equal(t, "chat-1|alice|dev-1", repair.calls[0])
}

func TestRollbackOnEncryptFailure(t *testing.T) {
	svc, tr, crypter, _ := newTestService()
	crypter.encryptErr = errors.New("no keys at all")

	_, err := svc.SendText(context.Background(), "chat-1", "hello", []string{"bob"})
	require.Error(t, err)
	assert.Empty(t, svc.Messages("chat-1"))
	assert.Empty(t, tr.sent())
}

func TestRollbackOnClosedTransport(t *testing.T) {
	svc, tr, _, _ := newTestService()
	tr.sendErr = transport.ErrTransportClosed

	_, err := svc.SendText(context.Background(), "chat-1", "hello", []string{"bob"})
	assert.ErrorIs(t, err, ErrTransportUnavailable)
	assert.Empty(t, svc.Messages("chat-1"))
}

func TestDeleteMessageLeavesTombstone(t *testing.T) {
	svc, _, _, _ := newTestService()

	svc.handleFrame(model.Frame{
		Type:      model.FrameMessageEnvelope,
		ChatID:    "chat-1",
		MessageID: "srv-7",
		SenderID:  "bob",
		Envelopes: []model.Envelope{{RecipientID: "alice", Payload: []byte("regret")}},
	})

	require.NoError(t, svc.DeleteMessage(context.Background(), "chat-1", "srv-7"))

	listed := svc.Messages("chat-1")
	require.Len(t, listed, 1)
	assert.True(t, listed[0].Deleted)
	assert.Empty(t, listed[0].Content)

	assert.Error(t, svc.DeleteMessage(context.Background(), "chat-1", "srv-404"))
}

func TestDeleteMessagePersistsTombstone(t *testing.T) {
	tr := &fakeTransport{}
	store := newFakeStore()
	svc := New(&fakeCrypter{}, tr, nil, store, Config{SelfUserID: "alice", DeviceID: "dev-1"})

	svc.handleFrame(model.Frame{
		Type:      model.FrameMessageEnvelope,
		ChatID:    "chat-1",
		MessageID: "srv-7",
		SenderID:  "bob",
		Envelopes: []model.Envelope{{RecipientID: "alice", Payload: []byte("gone soon")}},
	})
	require.NoError(t, svc.DeleteMessage(context.Background(), "chat-1", "srv-7"))

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, []string{"srv-7"}, store.tombstones)
}

func TestLoadCachedSeedsTranscript(t *testing.T) {
	tr := &fakeTransport{}
	store := newFakeStore()
	store.chats["chat-1"] = []*model.Message{
		{ID: "c1", ChatID: "chat-1", SenderID: "bob", Content: "cached one",
			Timestamp: time.UnixMilli(1000), Status: model.StatusDelivered},
		{ID: "c2", ChatID: "chat-1", SenderID: "alice", Content: "cached two",
			Timestamp: time.UnixMilli(2000), Status: model.StatusSeen},
	}
	svc := New(&fakeCrypter{}, tr, nil, store, Config{SelfUserID: "alice", DeviceID: "dev-1"})

	require.NoError(t, svc.LoadCached(context.Background(), "chat-1"))
	listed := svc.Messages("chat-1")
	require.Len(t, listed, 2)
	assert.Equal(t, "c1", listed[0].ID)
	assert.Equal(t, "c2", listed[1].ID)
	// Cache state carries through untouched.
	assert.Equal(t, model.StatusSeen, listed[1].Status)
}

func TestLoadCachedNeverOverwritesLiveEntries(t *testing.T) {
	tr := &fakeTransport{}
	store := newFakeStore()
	store.chats["chat-1"] = []*model.Message{
		{ID: "srv-7", ChatID: "chat-1", SenderID: "bob", Content: "stale cached copy",
			Timestamp: time.UnixMilli(1000), Status: model.StatusDelivered},
	}
	svc := New(&fakeCrypter{}, tr, nil, store, Config{SelfUserID: "alice", DeviceID: "dev-1"})

	// Realtime got there first with the fresher copy.
	svc.handleFrame(model.Frame{
		Type:      model.FrameMessageEnvelope,
		ChatID:    "chat-1",
		MessageID: "srv-7",
		SenderID:  "bob",
		Envelopes: []model.Envelope{{RecipientID: "alice", Payload: []byte("live copy")}},
	})

	require.NoError(t, svc.LoadCached(context.Background(), "chat-1"))
	listed := svc.Messages("chat-1")
	require.Len(t, listed, 1)
	assert.Equal(t, "live copy", listed[0].Content)
}

func TestTypingEventsForwarded(t *testing.T) {
	svc, _, _, _ := newTestService()

	var mu sync.Mutex
	var events []Event
	unsub := svc.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	defer unsub()

	svc.handleFrame(model.Frame{Type: model.FrameTyping, ChatID: "chat-1", SenderID: "bob"})
	svc.handleFrame(model.Frame{Type: model.FrameStopTyping, ChatID: "chat-1", SenderID: "bob"})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, EventTyping, events[0].Type)
	assert.Equal(t, "bob", events[0].UserID)
	assert.Equal(t, EventStopTyping, events[1].Type)
}

func TestLoadHistoryMergesAndRequestsRepairOnce(t *testing.T) {
	page := model.HistoryPage{
		Messages: []model.WireMessage{
			{ID: "h1", ChatID: "chat-1", SenderID: "bob", CreatedAt: 1000,
				Envelopes: []model.Envelope{{RecipientID: "alice", Payload: []byte("one")}}},
			{ID: "h2", ChatID: "chat-1", SenderID: "bob", CreatedAt: 2000,
				Envelopes: []model.Envelope{{RecipientID: "carol", Payload: []byte("bad")}}},
			{ID: "h3", ChatID: "chat-1", SenderID: "bob", CreatedAt: 3000,
				Envelopes: []model.Envelope{{RecipientID: "carol", Payload: []byte("bad")}}},
			{ID: "h4", ChatID: "chat-1", SenderID: "alice", CreatedAt: 4000,
				Envelopes: []model.Envelope{{RecipientID: "alice", Payload: []byte("mine")}}},
		},
		HasMore:    true,
		NextCursor: "h1",
	}

	router := mux.NewRouter()
	router.HandleFunc("/chat/{chatId}/messages", func(w http.ResponseWriter, r *http.Request) {
		data, _ := json.Marshal(page)
		json.NewEncoder(w).Encode(api.Response{Success: true, Data: data})
	}).Methods(http.MethodGet)
	srv := httptest.NewServer(router)
	defer srv.Close()

	tr := &fakeTransport{}
	repair := &fakeRepair{}
	svc := New(&fakeCrypter{}, tr, api.NewClient(srv.URL), nil, Config{
		SelfUserID: "alice",
		DeviceID:   "dev-1",
		Token:      "tok",
	})
	svc.SetRepairRequester(repair)

	hasMore, cursor, err := svc.LoadHistory(context.Background(), "chat-1", "")
	require.NoError(t, err)
	assert.True(t, hasMore)
	assert.Equal(t, "h1", cursor)

	listed := svc.Messages("chat-1")
	require.Len(t, listed, 2)
	assert.Equal(t, "h1", listed[0].ID)
	assert.Equal(t, model.StatusDelivered, listed[0].Status)
	// Own history entry comes back as sent, not delivered.
	assert.Equal(t, "h4", listed[1].ID)
	assert.Equal(t, model.StatusSent, listed[1].Status)

	// Two undecryptable messages, one repair request.
	assert.Equal(t, 1, repair.count())

	// Reloading the same page adds nothing.
	_, _, err = svc.LoadHistory(context.Background(), "chat-1", "")
	require.NoError(t, err)
	assert.Len(t, svc.Messages("chat-1"), 2)
}

func TestMessagesSortedByTimestamp(t *testing.T) {
	svc, _, _, _ := newTestService()

	for _, m := range []struct {
		id string
		ts int64
	}{{"srv-2", 2000}, {"srv-1", 1000}, {"srv-3", 3000}} {
		svc.handleFrame(model.Frame{
			Type:      model.FrameMessageEnvelope,
			ChatID:    "chat-1",
			MessageID: m.id,
			SenderID:  "bob",
			CreatedAt: m.ts,
			Envelopes: []model.Envelope{{RecipientID: "alice", Payload: []byte(m.id)}},
		})
	}

	listed := svc.Messages("chat-1")
	require.Len(t, listed, 3)
	assert.Equal(t, "srv-1", listed[0].ID)
	assert.Equal(t, "srv-2", listed[1].ID)
	assert.Equal(t, "srv-3", listed[2].ID)
}
