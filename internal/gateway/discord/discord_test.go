package discord

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/pcavalcanti/despacho/internal/gateway"
)

// --- Mock Discord session ---

type mockSession struct {
	mu           sync.Mutex
	opened       bool
	closeCalled  bool
	openErr      error
	sentMessages []sentMessage
	sendErr      error
	messages     []*discordgo.Message
	messagesErr  error
	handlers     []interface{}
	removeCount  int
	channels     map[string]*discordgo.Channel // for Channel() lookups
}

type sentMessage struct {
	channelID string
	content   string
}

func newMockSession() *mockSession {
	return &mockSession{
		channels: make(map[string]*discordgo.Channel),
	}
}

func (m *mockSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.opened = true
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled = true
	return nil
}

func (m *mockSession) Channel(channelID string) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[channelID]; ok {
		return ch, nil
	}
	return nil, fmt.Errorf("channel not found: %s", channelID)
}

func (m *mockSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sentMessages = append(m.sentMessages, sentMessage{channelID: channelID, content: content})
	return &discordgo.Message{ID: "msg-123"}, nil
}

func (m *mockSession) ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.messagesErr != nil {
		return nil, m.messagesErr
	}
	msgs := m.messages
	m.messages = nil // one page only
	return msgs, nil
}

func (m *mockSession) AddHandler(handler interface{}) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.removeCount++
	}
}

func (m *mockSession) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sentMessages)
}

func (m *mockSession) lastSent() sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sentMessages[len(m.sentMessages)-1]
}

// --- Helper to create a connected adapter ---

func newTestAdapter(t *testing.T) (*Adapter, *mockSession) {
	t.Helper()
	sess := newMockSession()
	a, err := New(AdapterOpts{Session: sess, ChannelID: "C_DEFAULT"})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	a.SetBotUserID("BOT_42")
	return a, sess
}

func TestNew_RequiresToken(t *testing.T) {
	if _, err := New(AdapterOpts{}); err == nil {
		t.Fatal("expected error without token or injected session")
	}
}

func TestConnect_OpensGateway(t *testing.T) {
	_, sess := newTestAdapter(t)
	if !sess.opened {
		t.Fatal("expected gateway session to be opened")
	}
}

func TestConnect_OpenError(t *testing.T) {
	sess := newMockSession()
	sess.openErr = fmt.Errorf("bad token")
	a, err := New(AdapterOpts{Session: sess})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := a.Connect(context.Background()); err == nil {
		t.Fatal("expected open error from Connect")
	}
}

func TestSend_ThreadBeatsChannel(t *testing.T) {
	a, sess := newTestAdapter(t)

	err := a.Send(context.Background(), gateway.OutboundMessage{
		ChannelID: "C1", ThreadID: "T1", Text: "reply in thread",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	// Discord threads are channels; the thread ID is the target.
	if got := sess.lastSent().channelID; got != "T1" {
		t.Errorf("channel = %q, want T1", got)
	}
}

func TestSend_FallsBackToDefaultChannel(t *testing.T) {
	a, sess := newTestAdapter(t)

	if err := a.Send(context.Background(), gateway.OutboundMessage{Text: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := sess.lastSent().channelID; got != "C_DEFAULT" {
		t.Errorf("channel = %q, want C_DEFAULT", got)
	}
}

func TestSend_NotConnected(t *testing.T) {
	a, err := New(AdapterOpts{Session: newMockSession()})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := a.Send(context.Background(), gateway.OutboundMessage{Text: "x"}); err == nil {
		t.Fatal("expected not-connected error")
	}
}

func TestListen_DeliversMessages(t *testing.T) {
	a, _ := newTestAdapter(t)

	inbound, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	go a.handleMessage(&discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "9876",
			ChannelID: "C1",
			Content:   "yes",
			Author:    &discordgo.User{ID: "U_HUMAN", Username: "ana"},
		},
	})

	select {
	case msg := <-inbound:
		if msg.Platform != "discord" || msg.ChannelID != "C1" || msg.UserName != "ana" {
			t.Errorf("msg = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
}

func TestHandleMessage_FiltersBots(t *testing.T) {
	a, _ := newTestAdapter(t)

	inbound, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	a.handleMessage(&discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID: "1", ChannelID: "C1", Content: "self",
			Author: &discordgo.User{ID: "BOT_42"},
		},
	})
	a.handleMessage(&discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID: "2", ChannelID: "C1", Content: "other bot",
			Author: &discordgo.User{ID: "U_OTHER", Bot: true},
		},
	})

	select {
	case msg := <-inbound:
		t.Fatalf("unexpected inbound message: %+v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHandleMessage_ResolvesThreadParent(t *testing.T) {
	a, sess := newTestAdapter(t)
	sess.channels["T1"] = &discordgo.Channel{
		ID:       "T1",
		ParentID: "C1",
		Type:     discordgo.ChannelTypeGuildPublicThread,
	}

	inbound, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	go a.handleMessage(&discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID: "3", ChannelID: "T1", Content: "in thread",
			Author: &discordgo.User{ID: "U_HUMAN", Username: "ana"},
		},
	})

	select {
	case msg := <-inbound:
		if msg.ChannelID != "C1" || msg.ThreadID != "T1" {
			t.Errorf("msg = %+v, want parent C1 thread T1", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
}

func TestThreadHistory_UsesThreadChannel(t *testing.T) {
	a, sess := newTestAdapter(t)
	sess.messages = []*discordgo.Message{
		{ID: "2", Content: "second", Author: &discordgo.User{ID: "U2", Username: "bea"}},
		{ID: "1", Content: "first", Author: &discordgo.User{ID: "U1", Username: "ana"}},
	}

	msgs, err := a.ThreadHistory(context.Background(), "C1", "T1", 10)
	if err != nil {
		t.Fatalf("ThreadHistory: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].Text != "second" {
		t.Errorf("msgs = %+v", msgs)
	}
}

func TestClose_RemovesHandlerAndClosesSession(t *testing.T) {
	a, sess := newTestAdapter(t)
	if _, err := a.Listen(context.Background()); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !sess.closeCalled {
		t.Error("expected session Close to be called")
	}
	if sess.removeCount != 1 {
		t.Errorf("removeCount = %d, want 1", sess.removeCount)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
