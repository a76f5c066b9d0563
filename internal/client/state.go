package client

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/ephone/linkchat/pkg/protocol"
)

// FriendRequest is a pending incoming request, persisted until the
// user accepts or rejects it.
type FriendRequest struct {
	Identity    string    `json:"identity"`
	DisplayName string    `json:"displayName"`
	Avatar      string    `json:"avatar"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

// Friend is one side of a friend edge. Each peer owns its own copy;
// the server stores nothing, so the two copies can diverge (deleting a
// friend locally does not notify the peer).
type Friend struct {
	Identity    string    `json:"identity"`
	DisplayName string    `json:"displayName"`
	Avatar      string    `json:"avatar"`
	AddedAt     time.Time `json:"addedAt"`
}

// GroupRef is the locally cached copy of a group, used to re-sync the
// server after it loses its in-memory state.
type GroupRef struct {
	ID              string            `json:"id"`
	DisplayName     string            `json:"displayName"`
	CreatorIdentity string            `json:"creatorIdentity"`
	Members         []protocol.Member `json:"members"`
}

// Message is one entry in a chat log, immutable once appended.
type Message struct {
	SenderIdentity    string    `json:"senderIdentity"`
	SenderDisplayName string    `json:"senderDisplayName,omitempty"`
	SenderAvatar      string    `json:"senderAvatar,omitempty"`
	Content           string    `json:"content"`
	Timestamp         time.Time `json:"timestamp"`
	Outgoing          bool      `json:"outgoing,omitempty"`
}

// Chat is one conversation: chat id equals the peer identity for
// direct chats and the group id for group chats.
type Chat struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	Avatar       string    `json:"avatar"`
	IsGroup      bool      `json:"isGroup"`
	LastSummary  string    `json:"lastSummary"`
	LastActivity time.Time `json:"lastActivity"`
	Unread       int       `json:"unread"`
	Log          []Message `json:"log"`
}

// RenderFunc is invoked with the new message and the updated chat
// whenever a chat changes, so the UI layer can refresh.
type RenderFunc func(msg Message, chat Chat)

// NotifyFunc is invoked when a message arrives for a conversation that
// is not currently open.
type NotifyFunc func(title, body, chatID string)

// ChatState is the identity-scoped local model: friends, pending
// requests, groups and per-conversation logs. Every mutation persists
// synchronously; the local copy is the durable source of truth and
// survives restarts independently of the server.
type ChatState struct {
	log   *slog.Logger
	store *Store

	render RenderFunc
	notify NotifyFunc

	mu       sync.Mutex
	identity string
	requests []FriendRequest
	friends  []Friend
	groups   []GroupRef
	chats    map[string]*Chat
	openChat string
}

// NewChatState creates a ChatState backed by store.
func NewChatState(store *Store, log *slog.Logger) *ChatState {
	return &ChatState{
		log:   log,
		store: store,
		chats: make(map[string]*Chat),
	}
}

// SetCallbacks installs the UI hooks. Either may be nil.
func (cs *ChatState) SetCallbacks(render RenderFunc, notify NotifyFunc) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.render = render
	cs.notify = notify
}

// SetIdentity switches the active identity, replacing the in-memory
// model with that identity's persisted data. Data sets of different
// identities never merge.
func (cs *ChatState) SetIdentity(identity string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.identity == identity {
		return nil
	}

	requests, err := cs.store.LoadRequests(identity)
	if err != nil {
		return err
	}
	friends, err := cs.store.LoadFriends(identity)
	if err != nil {
		return err
	}
	groups, err := cs.store.LoadGroups(identity)
	if err != nil {
		return err
	}
	chats, err := cs.store.LoadChats(identity)
	if err != nil {
		return err
	}

	cs.identity = identity
	cs.requests = requests
	cs.friends = friends
	cs.groups = groups
	cs.chats = chats
	cs.openChat = ""
	cs.log.Info("local state loaded", "identity", identity,
		"friends", len(friends), "groups", len(groups), "chats", len(chats))
	return nil
}

// Identity returns the active identity.
func (cs *ChatState) Identity() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.identity
}

// RecordIncomingFriendRequest stores a pending request and notifies
// the user.
func (cs *ChatState) RecordIncomingFriendRequest(ev protocol.FriendRequest) {
	cs.mu.Lock()
	cs.requests = append(cs.requests, FriendRequest{
		Identity:    ev.FromIdentity,
		DisplayName: ev.FromDisplayName,
		Avatar:      ev.FromAvatar,
		ReceivedAt:  time.Now(),
	})
	cs.persistRequestsLocked()
	notify := cs.notify
	name := ev.FromDisplayName
	cs.mu.Unlock()

	if notify != nil {
		notify("Friend request", fmt.Sprintf("%s wants to add you as a friend", name), "")
	}
}

// Requests returns the pending requests, newest last.
func (cs *ChatState) Requests() []FriendRequest {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]FriendRequest(nil), cs.requests...)
}

// AcceptRequest removes the pending request at index, creates the
// friend edge plus its chat, and returns the request so the caller can
// relay the acceptance.
func (cs *ChatState) AcceptRequest(index int) (FriendRequest, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if index < 0 || index >= len(cs.requests) {
		return FriendRequest{}, ErrNoRequest
	}
	req := cs.requests[index]
	cs.requests = append(cs.requests[:index], cs.requests[index+1:]...)
	cs.persistRequestsLocked()

	cs.addFriendLocked(Friend{
		Identity:    req.Identity,
		DisplayName: req.DisplayName,
		Avatar:      req.Avatar,
		AddedAt:     time.Now(),
	})
	return req, nil
}

// RejectRequest removes the pending request at index and returns it so
// the caller can relay the rejection.
func (cs *ChatState) RejectRequest(index int) (FriendRequest, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if index < 0 || index >= len(cs.requests) {
		return FriendRequest{}, ErrNoRequest
	}
	req := cs.requests[index]
	cs.requests = append(cs.requests[:index], cs.requests[index+1:]...)
	cs.persistRequestsLocked()
	return req, nil
}

// AppendFriendChat creates the friend edge and its chat if missing.
// Called on our own accept and on the peer's acceptance of our
// request.
func (cs *ChatState) AppendFriendChat(peer Friend) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if peer.AddedAt.IsZero() {
		peer.AddedAt = time.Now()
	}
	cs.addFriendLocked(peer)
}

func (cs *ChatState) addFriendLocked(f Friend) {
	exists := lo.ContainsBy(cs.friends, func(x Friend) bool { return x.Identity == f.Identity })
	if !exists {
		cs.friends = append(cs.friends, f)
		cs.persistFriendsLocked()
	}
	if _, ok := cs.chats[f.Identity]; !ok {
		chat := &Chat{
			ID:          f.Identity,
			DisplayName: f.DisplayName,
			Avatar:      f.Avatar,
		}
		cs.chats[f.Identity] = chat
		cs.persistChatLocked(chat)
	}
}

// Friends returns the friend list.
func (cs *ChatState) Friends() []Friend {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]Friend(nil), cs.friends...)
}

// RemoveFriend deletes the friend edge and its chat locally. The peer
// is not notified and keeps its own copy of the edge.
func (cs *ChatState) RemoveFriend(identity string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.friends = lo.Reject(cs.friends, func(f Friend, _ int) bool { return f.Identity == identity })
	cs.persistFriendsLocked()
	if _, ok := cs.chats[identity]; ok {
		delete(cs.chats, identity)
		cs.deleteChatLocked(identity)
	}
}

// AppendMessage appends to a chat's log, creating the chat on first
// contact. The unread count grows unless the chat is currently open;
// the render callback always fires, the notification callback only for
// chats that are not open.
func (cs *ChatState) AppendMessage(chatID string, msg Message) {
	cs.mu.Lock()
	chat, ok := cs.chats[chatID]
	if !ok {
		chat = &Chat{ID: chatID, DisplayName: chatID}
		if msg.SenderDisplayName != "" && !msg.Outgoing {
			chat.DisplayName = msg.SenderDisplayName
		}
		cs.chats[chatID] = chat
	}
	chat.Log = append(chat.Log, msg)
	chat.LastSummary = summarize(msg.Content)
	chat.LastActivity = msg.Timestamp
	open := cs.openChat == chatID
	if !open && !msg.Outgoing {
		chat.Unread++
	}
	cs.persistChatLocked(chat)

	render := cs.render
	notify := cs.notify
	snapshot := *chat
	snapshot.Log = append([]Message(nil), chat.Log...)
	cs.mu.Unlock()

	if render != nil {
		render(msg, snapshot)
	}
	if notify != nil && !open && !msg.Outgoing {
		title := snapshot.DisplayName
		if msg.SenderDisplayName != "" && snapshot.IsGroup {
			title = fmt.Sprintf("%s (%s)", msg.SenderDisplayName, snapshot.DisplayName)
		}
		notify(title, summarize(msg.Content), chatID)
	}
}

// UpsertGroupRoster creates or updates the local copy of a group and
// its chat. Empty displayName or creator leave the existing values in
// place; the roster is replaced wholesale (the server's copy is
// authoritative while it is up).
func (cs *ChatState) UpsertGroupRoster(groupID, displayName, creator string, members []protocol.Member) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	idx := -1
	for i := range cs.groups {
		if cs.groups[i].ID == groupID {
			idx = i
			break
		}
	}
	if idx == -1 {
		cs.groups = append(cs.groups, GroupRef{
			ID:              groupID,
			DisplayName:     displayName,
			CreatorIdentity: creator,
			Members:         append([]protocol.Member(nil), members...),
		})
	} else {
		g := &cs.groups[idx]
		if displayName != "" {
			g.DisplayName = displayName
		}
		if creator != "" {
			g.CreatorIdentity = creator
		}
		g.Members = append([]protocol.Member(nil), members...)
	}
	cs.persistGroupsLocked()

	chat, ok := cs.chats[groupID]
	if !ok {
		chat = &Chat{ID: groupID, IsGroup: true}
		cs.chats[groupID] = chat
	}
	if displayName != "" {
		chat.DisplayName = displayName
	}
	cs.persistChatLocked(chat)
}

// Groups returns the locally cached groups.
func (cs *ChatState) Groups() []GroupRef {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]GroupRef, len(cs.groups))
	for i, g := range cs.groups {
		out[i] = g
		out[i].Members = append([]protocol.Member(nil), g.Members...)
	}
	return out
}

// RemoveGroup drops a group and its chat locally, after leaving.
func (cs *ChatState) RemoveGroup(groupID string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.groups = lo.Reject(cs.groups, func(g GroupRef, _ int) bool { return g.ID == groupID })
	cs.persistGroupsLocked()
	if _, ok := cs.chats[groupID]; ok {
		delete(cs.chats, groupID)
		cs.deleteChatLocked(groupID)
	}
}

// Chats returns copies of every conversation.
func (cs *ChatState) Chats() []Chat {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]Chat, 0, len(cs.chats))
	for _, c := range cs.chats {
		snapshot := *c
		snapshot.Log = append([]Message(nil), c.Log...)
		out = append(out, snapshot)
	}
	return out
}

// Chat returns a copy of one conversation.
func (cs *ChatState) Chat(chatID string) (Chat, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c, ok := cs.chats[chatID]
	if !ok {
		return Chat{}, false
	}
	snapshot := *c
	snapshot.Log = append([]Message(nil), c.Log...)
	return snapshot, true
}

// OpenChat marks a conversation as the one on screen and clears its
// unread count. Messages for an open chat do not raise notifications.
func (cs *ChatState) OpenChat(chatID string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.openChat = chatID
	if chat, ok := cs.chats[chatID]; ok && chat.Unread != 0 {
		chat.Unread = 0
		cs.persistChatLocked(chat)
	}
}

// CloseChat marks no conversation as open.
func (cs *ChatState) CloseChat() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.openChat = ""
}

func (cs *ChatState) persistRequestsLocked() {
	if err := cs.store.SaveRequests(cs.identity, cs.requests); err != nil {
		cs.log.Error("persist friend requests", "err", err)
	}
}

func (cs *ChatState) persistFriendsLocked() {
	if err := cs.store.SaveFriends(cs.identity, cs.friends); err != nil {
		cs.log.Error("persist friends", "err", err)
	}
}

func (cs *ChatState) persistGroupsLocked() {
	if err := cs.store.SaveGroups(cs.identity, cs.groups); err != nil {
		cs.log.Error("persist groups", "err", err)
	}
}

func (cs *ChatState) persistChatLocked(chat *Chat) {
	if err := cs.store.SaveChat(cs.identity, *chat); err != nil {
		cs.log.Error("persist chat", "chatId", chat.ID, "err", err)
	}
}

func (cs *ChatState) deleteChatLocked(chatID string) {
	if err := cs.store.DeleteChat(cs.identity, chatID); err != nil {
		cs.log.Error("delete chat", "chatId", chatID, "err", err)
	}
}

func summarize(content string) string {
	const max = 60
	runes := []rune(content)
	if len(runes) <= max {
		return content
	}
	return string(runes[:max]) + "…"
}
