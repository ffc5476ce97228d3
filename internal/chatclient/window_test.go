package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajivgeraev/flippy-chat/internal/models"
	"github.com/rajivgeraev/flippy-chat/internal/realtime"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

func (r *recorder) count(call string) int {
	n := 0
	for _, c := range r.list() {
		if c == call {
			n++
		}
	}
	return n
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeAPI struct {
	rec  *recorder
	me   uuid.UUID
	peer uuid.UUID
	conv *models.ConversationView

	mu       sync.Mutex
	history  []models.Message
	clock    int
	sendErr  error
	sendHook func(msg models.Message)
}

func newFakeAPI(rec *recorder) *fakeAPI {
	me, peer := uuid.New(), uuid.New()
	conv := &models.ConversationView{
		Conversation: models.Conversation{
			ID:           uuid.New(),
			Participants: models.SortParticipants(me, peer),
			UnreadCount:  models.UnreadCounts{},
		},
		OtherParticipant: &models.User{ID: peer, Username: "peer"},
	}
	return &fakeAPI{rec: rec, me: me, peer: peer, conv: conv}
}

// message создает сообщение со следующей меткой времени
func (f *fakeAPI) message(from uuid.UUID, text string) models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock++
	to := f.peer
	if from == f.peer {
		to = f.me
	}
	return models.Message{
		ID:             uuid.New(),
		ConversationID: f.conv.ID,
		SenderID:       from,
		RecipientID:    to,
		Text:           text,
		Timestamp:      t0.Add(time.Duration(f.clock) * time.Second),
	}
}

func (f *fakeAPI) store(msgs ...models.Message) {
	f.mu.Lock()
	f.history = append(f.history, msgs...)
	models.SortMessages(f.history)
	f.mu.Unlock()
}

func (f *fakeAPI) OpenConversation(_ context.Context, recipientID uuid.UUID) (*models.ConversationView, error) {
	f.rec.add("open")
	if recipientID != f.peer {
		return nil, &APIError{Status: 404, Code: "NOT_FOUND"}
	}
	return f.conv, nil
}

func (f *fakeAPI) SendMessage(_ context.Context, req SendRequest) (*models.Message, error) {
	f.rec.add("send")
	f.mu.Lock()
	err, hook := f.sendErr, f.sendHook
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	msg := f.message(f.me, req.Text)
	msg.ClientID = req.ClientID
	f.store(msg)
	if hook != nil {
		hook(msg)
	}
	return &msg, nil
}

func (f *fakeAPI) ListMessages(_ context.Context, _ uuid.UUID, page Page) (*MessagePage, error) {
	f.rec.add("history")
	f.mu.Lock()
	defer f.mu.Unlock()

	msgs := f.history
	if page.Before != nil {
		idx := slices.IndexFunc(msgs, func(m models.Message) bool { return m.ID == *page.Before })
		if idx < 0 {
			return nil, &APIError{Status: 400, Code: "INVALID_ARGUMENT"}
		}
		msgs = msgs[:idx]
	}
	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[len(msgs)-limit:]
	}
	return &MessagePage{Messages: slices.Clone(msgs), HasMore: hasMore}, nil
}

func (f *fakeAPI) MarkRead(_ context.Context, _ uuid.UUID) (int64, error) {
	f.rec.add("markRead")
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for i := range f.history {
		if f.history[i].RecipientID == f.me && !f.history[i].IsRead {
			f.history[i].IsRead = true
			n++
		}
	}
	return n, nil
}

type fakeTransport struct {
	rec *recorder

	mu           sync.Mutex
	state        State
	sub          *Subscription
	unsubscribed bool
}

func (f *fakeTransport) Subscribe(_ context.Context, channel string, handler func(Event), resync func()) (*Subscription, error) {
	f.rec.add("subscribe")
	sub := &Subscription{channel: channel, handler: handler, resync: resync}
	sub.cancel = func() {
		f.mu.Lock()
		f.unsubscribed = true
		f.mu.Unlock()
	}
	f.mu.Lock()
	f.sub = sub
	f.mu.Unlock()
	return sub, nil
}

func (f *fakeTransport) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) emit(t *testing.T, name string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.mu.Lock()
	sub := f.sub
	f.mu.Unlock()
	require.NotNil(t, sub)
	sub.deliver(Event{Channel: sub.channel, Name: name, ID: uuid.NewString(), Data: data})
}

func (f *fakeTransport) reconnect() {
	f.mu.Lock()
	sub := f.sub
	f.mu.Unlock()
	sub.resynced()
}

type windowFixture struct {
	rec *recorder
	api *fakeAPI
	rt  *fakeTransport
}

func newWindowFixture() *windowFixture {
	rec := &recorder{}
	return &windowFixture{rec: rec, api: newFakeAPI(rec), rt: &fakeTransport{rec: rec, state: StateConnected}}
}

func (f *windowFixture) open(t *testing.T, opts WindowOptions) *Window {
	t.Helper()
	opts.Log = discardLogger()
	w, err := OpenWindow(context.Background(), f.api, f.rt, f.api.peer, opts)
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w
}

func texts(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Text)
	}
	return out
}

func TestOpenWindowSubscribesBeforeHistoryAndMarksRead(t *testing.T) {
	f := newWindowFixture()
	f.api.store(f.api.message(f.api.peer, "hello"))
	f.api.conv.MyUnreadCount = 1

	w := f.open(t, WindowOptions{})

	assert.Equal(t, []string{"open", "subscribe", "history", "markRead"}, f.rec.list())
	entries := w.Messages()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].IsRead)
	assert.Equal(t, f.api.me, f.api.conv.Other(f.api.peer))
}

func TestOpenWindowUnfocusedKeepsUnread(t *testing.T) {
	f := newWindowFixture()
	f.api.store(f.api.message(f.api.peer, "hello"))
	f.api.conv.MyUnreadCount = 1

	w := f.open(t, WindowOptions{Unfocused: true})
	assert.Zero(t, f.rec.count("markRead"))

	w.SetFocused(true)
	require.Eventually(t, func() bool { return f.rec.count("markRead") == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return w.Messages()[0].IsRead }, time.Second, 5*time.Millisecond)
}

func TestOpenWindowUnknownRecipient(t *testing.T) {
	f := newWindowFixture()
	_, err := OpenWindow(context.Background(), f.api, f.rt, uuid.New(), WindowOptions{Log: discardLogger()})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)
	assert.Zero(t, f.rec.count("subscribe"))
}

func TestSendReconcilesEchoArrivingFirst(t *testing.T) {
	f := newWindowFixture()
	w := f.open(t, WindowOptions{})

	var duringSend []Entry
	f.api.sendHook = func(msg models.Message) {
		duringSend = w.Messages()
		// событие приходит раньше HTTP ответа
		f.rt.emit(t, realtime.EventMessage, msg)
	}

	msg, err := w.Send(context.Background(), "  hi there ")
	require.NoError(t, err)
	assert.Equal(t, "hi there", msg.Text)
	assert.True(t, strings.HasPrefix(msg.ClientID, ClientIDPrefix))

	require.Len(t, duringSend, 1)
	assert.True(t, duringSend[0].Pending)
	assert.Equal(t, "hi there", duringSend[0].Text)

	entries := w.Messages()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Pending)
	assert.Equal(t, msg.ID, entries[0].ID)
	assert.Zero(t, f.rec.count("markRead"))
}

func TestSendReconcilesEchoArrivingLate(t *testing.T) {
	f := newWindowFixture()
	w := f.open(t, WindowOptions{})

	msg, err := w.Send(context.Background(), "late echo")
	require.NoError(t, err)
	f.rt.emit(t, realtime.EventMessage, msg)
	f.rt.emit(t, realtime.EventMessage, msg)

	entries := w.Messages()
	require.Len(t, entries, 1)
	assert.Equal(t, msg.ID, entries[0].ID)
}

func TestSendFailureRestoresDraft(t *testing.T) {
	f := newWindowFixture()
	w := f.open(t, WindowOptions{})
	f.api.sendErr = &APIError{Status: 500, Code: "INTERNAL"}

	_, err := w.Send(context.Background(), "  keep me ")
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, "  keep me ", sendErr.Draft)
	assert.Empty(t, w.Messages())
}

func TestSendRejectsInvalidTextLocally(t *testing.T) {
	f := newWindowFixture()
	w := f.open(t, WindowOptions{})

	_, err := w.Send(context.Background(), "   ")
	assert.ErrorIs(t, err, models.ErrEmptyText)

	_, err = w.Send(context.Background(), strings.Repeat("a", models.MaxMessageLength+1))
	assert.ErrorIs(t, err, models.ErrTextTooLong)

	assert.Zero(t, f.rec.count("send"))
}

func TestIncomingMessagesAreOrderedAndDeduplicated(t *testing.T) {
	f := newWindowFixture()
	w := f.open(t, WindowOptions{Unfocused: true})

	first := f.api.message(f.api.peer, "first")
	second := f.api.message(f.api.peer, "second")
	third := f.api.message(f.api.me, "third from my other device")

	changes := 0
	w.OnChange(func([]Entry) { changes++ })

	f.rt.emit(t, realtime.EventMessage, second)
	f.rt.emit(t, realtime.EventMessage, third)
	f.rt.emit(t, realtime.EventMessage, first)
	f.rt.emit(t, realtime.EventMessage, second)

	assert.Equal(t, []string{"first", "second", "third from my other device"}, texts(w.Messages()))
	assert.Equal(t, 3, changes)
	assert.Zero(t, f.rec.count("markRead"))
}

func TestFocusedWindowMarksIncomingRead(t *testing.T) {
	f := newWindowFixture()
	w := f.open(t, WindowOptions{})

	f.rt.emit(t, realtime.EventMessage, f.api.message(f.api.me, "mine"))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.rec.count("markRead"))

	incoming := f.api.message(f.api.peer, "incoming")
	f.api.store(incoming)
	f.rt.emit(t, realtime.EventMessage, incoming)
	require.Eventually(t, func() bool { return f.rec.count("markRead") == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		entries := w.Messages()
		return len(entries) == 2 && entries[1].IsRead
	}, time.Second, 5*time.Millisecond)
}

func TestEventsFromOtherConversationsAreIgnored(t *testing.T) {
	f := newWindowFixture()
	w := f.open(t, WindowOptions{Unfocused: true})

	foreign := f.api.message(f.api.peer, "elsewhere")
	foreign.ConversationID = uuid.New()
	f.rt.emit(t, realtime.EventMessage, foreign)
	assert.Empty(t, w.Messages())
}

func TestReadReceiptMarksOwnMessages(t *testing.T) {
	f := newWindowFixture()
	w := f.open(t, WindowOptions{})

	mine, err := w.Send(context.Background(), "did you see this?")
	require.NoError(t, err)
	assert.False(t, w.Messages()[0].IsRead)

	// чужая отметка не влияет
	f.rt.emit(t, realtime.EventRead, models.ReadReceipt{ConversationID: f.api.conv.ID, ReaderID: f.api.me, MessageIDs: []uuid.UUID{mine.ID}, ReadAt: mine.Timestamp.Add(time.Second)})
	assert.False(t, w.Messages()[0].IsRead)

	f.rt.emit(t, realtime.EventRead, models.ReadReceipt{ConversationID: f.api.conv.ID, ReaderID: f.api.peer, MessageIDs: []uuid.UUID{mine.ID}, ReadAt: mine.Timestamp.Add(time.Second)})
	assert.True(t, w.Messages()[0].IsRead)
}

func TestReadReceiptIgnoresMessagesItDidNotMark(t *testing.T) {
	f := newWindowFixture()
	w := f.open(t, WindowOptions{})

	first, err := w.Send(context.Background(), "first")
	require.NoError(t, err)
	late, err := w.Send(context.Background(), "committed after the read")
	require.NoError(t, err)

	// отметка по времени позже обоих сообщений, но второе транзакция чтения не видела
	f.rt.emit(t, realtime.EventRead, models.ReadReceipt{
		ConversationID: f.api.conv.ID,
		ReaderID:       f.api.peer,
		MessageIDs:     []uuid.UUID{first.ID},
		ReadAt:         late.Timestamp.Add(time.Second),
	})

	read := map[uuid.UUID]bool{}
	for _, e := range w.Messages() {
		read[e.ID] = e.IsRead
	}
	assert.True(t, read[first.ID])
	assert.False(t, read[late.ID])
}

func TestResyncMergesMissedMessages(t *testing.T) {
	f := newWindowFixture()
	w := f.open(t, WindowOptions{Unfocused: true})

	missed := f.api.message(f.api.peer, "sent while offline")
	f.api.store(missed)

	f.rt.reconnect()
	entries := w.Messages()
	require.Len(t, entries, 1)
	assert.Equal(t, missed.ID, entries[0].ID)
	assert.Zero(t, f.rec.count("markRead"))
}

func TestLoadOlderPages(t *testing.T) {
	f := newWindowFixture()
	for i := 0; i < 5; i++ {
		f.api.store(f.api.message(f.api.peer, "m"+string(rune('0'+i))))
	}

	w := f.open(t, WindowOptions{HistoryLimit: 2, Unfocused: true})
	assert.Equal(t, []string{"m3", "m4"}, texts(w.Messages()))
	assert.True(t, w.HasMore())

	more, err := w.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.True(t, more)

	more, err = w.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, texts(w.Messages()))
}

func TestCloseStopsUpdates(t *testing.T) {
	f := newWindowFixture()
	w := f.open(t, WindowOptions{})
	w.Close()

	f.rt.emit(t, realtime.EventMessage, f.api.message(f.api.peer, "too late"))
	assert.Empty(t, w.Messages())
	assert.True(t, f.rt.unsubscribed)

	_, err := w.Send(context.Background(), "after close")
	assert.True(t, errors.Is(err, ErrWindowClosed))
}

func TestOnlineMirrorsConnectionState(t *testing.T) {
	f := newWindowFixture()
	w := f.open(t, WindowOptions{})
	assert.True(t, w.Online())

	f.rt.mu.Lock()
	f.rt.state = StateDisconnected
	f.rt.mu.Unlock()
	assert.False(t, w.Online())
}
