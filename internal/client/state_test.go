package client

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ephone/linkchat/pkg/protocol"
)

func newTestChatState(t *testing.T) *ChatState {
	t.Helper()
	store, err := OpenStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewChatState(store, slog.New(slog.DiscardHandler))
}

func TestChatStateIdentityIsolation(t *testing.T) {
	r := require.New(t)
	cs := newTestChatState(t)

	r.NoError(cs.SetIdentity("alice"))
	cs.AppendFriendChat(Friend{Identity: "bob_1", DisplayName: "Bob"})
	cs.AppendMessage("bob_1", Message{SenderIdentity: "bob_1", Content: "hi", Timestamp: time.Now()})
	r.Len(cs.Friends(), 1)
	r.Len(cs.Chats(), 1)

	r.NoError(cs.SetIdentity("carol"))
	r.Empty(cs.Friends())
	r.Empty(cs.Chats())

	// Switching back restores alice's data untouched.
	r.NoError(cs.SetIdentity("alice"))
	r.Len(cs.Friends(), 1)
	chat, ok := cs.Chat("bob_1")
	r.True(ok)
	r.Len(chat.Log, 1)
	r.Equal("hi", chat.Log[0].Content)
}

func TestChatStateSurvivesReload(t *testing.T) {
	r := require.New(t)
	store, err := OpenStore("")
	r.NoError(err)
	t.Cleanup(func() { _ = store.Close() })
	log := slog.New(slog.DiscardHandler)

	cs := NewChatState(store, log)
	r.NoError(cs.SetIdentity("alice"))
	cs.AppendFriendChat(Friend{Identity: "bob_1", DisplayName: "Bob"})
	cs.AppendMessage("bob_1", Message{SenderIdentity: "bob_1", Content: "hello", Timestamp: time.Now()})
	cs.UpsertGroupRoster("g1", "team", "alice", []protocol.Member{{Identity: "alice"}, {Identity: "bob_1"}})

	// A fresh ChatState over the same store sees everything.
	reloaded := NewChatState(store, log)
	r.NoError(reloaded.SetIdentity("alice"))
	r.Len(reloaded.Friends(), 1)
	r.Len(reloaded.Groups(), 1)
	chat, ok := reloaded.Chat("bob_1")
	r.True(ok)
	r.Len(chat.Log, 1)
}

func TestAcceptRequestCreatesFriendAndChat(t *testing.T) {
	r := require.New(t)
	cs := newTestChatState(t)
	r.NoError(cs.SetIdentity("alice"))

	cs.RecordIncomingFriendRequest(protocol.FriendRequest{
		FromIdentity:    "bob_1",
		FromDisplayName: "Bob",
	})
	r.Len(cs.Requests(), 1)

	req, err := cs.AcceptRequest(0)
	r.NoError(err)
	r.Equal("bob_1", req.Identity)
	r.Empty(cs.Requests())
	r.Len(cs.Friends(), 1)
	_, ok := cs.Chat("bob_1")
	r.True(ok)

	_, err = cs.AcceptRequest(0)
	r.ErrorIs(err, ErrNoRequest)
}

func TestRejectRequestRemovesPending(t *testing.T) {
	r := require.New(t)
	cs := newTestChatState(t)
	r.NoError(cs.SetIdentity("alice"))

	cs.RecordIncomingFriendRequest(protocol.FriendRequest{FromIdentity: "bob_1", FromDisplayName: "Bob"})
	req, err := cs.RejectRequest(0)
	r.NoError(err)
	r.Equal("bob_1", req.Identity)
	r.Empty(cs.Requests())
	r.Empty(cs.Friends())
}

func TestRemoveFriendIsLocalOnly(t *testing.T) {
	r := require.New(t)
	cs := newTestChatState(t)
	r.NoError(cs.SetIdentity("alice"))

	cs.AppendFriendChat(Friend{Identity: "bob_1", DisplayName: "Bob"})
	cs.RemoveFriend("bob_1")
	r.Empty(cs.Friends())
	_, ok := cs.Chat("bob_1")
	r.False(ok)

	// A message from the removed peer recreates the chat on first
	// contact; the friend edge stays gone.
	cs.AppendMessage("bob_1", Message{SenderIdentity: "bob_1", Content: "still here", Timestamp: time.Now()})
	_, ok = cs.Chat("bob_1")
	r.True(ok)
	r.Empty(cs.Friends())
}

func TestUnreadCountTracksOpenChat(t *testing.T) {
	r := require.New(t)
	cs := newTestChatState(t)
	r.NoError(cs.SetIdentity("alice"))
	cs.AppendFriendChat(Friend{Identity: "bob_1", DisplayName: "Bob"})

	cs.AppendMessage("bob_1", Message{SenderIdentity: "bob_1", Content: "one", Timestamp: time.Now()})
	cs.AppendMessage("bob_1", Message{SenderIdentity: "bob_1", Content: "two", Timestamp: time.Now()})
	chat, _ := cs.Chat("bob_1")
	r.Equal(2, chat.Unread)

	cs.OpenChat("bob_1")
	chat, _ = cs.Chat("bob_1")
	r.Equal(0, chat.Unread)

	// While open, arrivals do not count as unread.
	cs.AppendMessage("bob_1", Message{SenderIdentity: "bob_1", Content: "three", Timestamp: time.Now()})
	chat, _ = cs.Chat("bob_1")
	r.Equal(0, chat.Unread)

	cs.CloseChat()
	cs.AppendMessage("bob_1", Message{SenderIdentity: "bob_1", Content: "four", Timestamp: time.Now()})
	chat, _ = cs.Chat("bob_1")
	r.Equal(1, chat.Unread)
}

func TestOutgoingMessagesNeverUnread(t *testing.T) {
	r := require.New(t)
	cs := newTestChatState(t)
	r.NoError(cs.SetIdentity("alice"))
	cs.AppendFriendChat(Friend{Identity: "bob_1", DisplayName: "Bob"})

	cs.AppendMessage("bob_1", Message{SenderIdentity: "alice", Content: "sent", Timestamp: time.Now(), Outgoing: true})
	chat, _ := cs.Chat("bob_1")
	r.Equal(0, chat.Unread)
}

func TestNotifyOnlyForClosedChats(t *testing.T) {
	r := require.New(t)
	cs := newTestChatState(t)
	r.NoError(cs.SetIdentity("alice"))
	cs.AppendFriendChat(Friend{Identity: "bob_1", DisplayName: "Bob"})

	var mu sync.Mutex
	var rendered, notified int
	cs.SetCallbacks(
		func(Message, Chat) { mu.Lock(); rendered++; mu.Unlock() },
		func(string, string, string) { mu.Lock(); notified++; mu.Unlock() },
	)

	cs.OpenChat("bob_1")
	cs.AppendMessage("bob_1", Message{SenderIdentity: "bob_1", Content: "seen live", Timestamp: time.Now()})
	cs.CloseChat()
	cs.AppendMessage("bob_1", Message{SenderIdentity: "bob_1", Content: "missed", Timestamp: time.Now()})

	mu.Lock()
	defer mu.Unlock()
	r.Equal(2, rendered)
	r.Equal(1, notified)
}

func TestUpsertGroupRosterReplacesMembers(t *testing.T) {
	r := require.New(t)
	cs := newTestChatState(t)
	r.NoError(cs.SetIdentity("alice"))

	cs.UpsertGroupRoster("g1", "team", "alice", []protocol.Member{
		{Identity: "alice"}, {Identity: "bob_1"},
	})
	r.Len(cs.Groups(), 1)

	// Roster updates keep the cached name and creator when the event
	// carries none.
	cs.UpsertGroupRoster("g1", "", "", []protocol.Member{
		{Identity: "alice"}, {Identity: "bob_1"}, {Identity: "carol"},
	})
	groups := cs.Groups()
	r.Len(groups, 1)
	r.Equal("team", groups[0].DisplayName)
	r.Equal("alice", groups[0].CreatorIdentity)
	r.Len(groups[0].Members, 3)
}

func TestRemoveGroupDropsChat(t *testing.T) {
	r := require.New(t)
	cs := newTestChatState(t)
	r.NoError(cs.SetIdentity("alice"))

	cs.UpsertGroupRoster("g1", "team", "alice", []protocol.Member{{Identity: "alice"}})
	cs.AppendMessage("g1", Message{SenderIdentity: "bob_1", Content: "hi", Timestamp: time.Now()})
	cs.RemoveGroup("g1")
	r.Empty(cs.Groups())
	_, ok := cs.Chat("g1")
	r.False(ok)
}
