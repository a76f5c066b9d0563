package client

import (
	"time"

	"github.com/google/uuid"

	"github.com/ephone/linkchat/pkg/protocol"
)

// routeEvent dispatches one inbound server frame. Lifecycle events are
// handled by the Manager itself; everything else updates the local
// relationship and chat state.
func (m *Manager) routeEvent(epoch int, data []byte) {
	typ, err := protocol.PeekType(data)
	if err != nil {
		m.log.Warn("dropping malformed server event", "err", err)
		return
	}

	switch typ {
	case protocol.TypeRegisterSuccess:
		m.onRegistered(epoch)

	case protocol.TypeRegisterError:
		if ev, err := protocol.Decode[protocol.RegisterError](data); err == nil {
			m.onRegisterError(epoch, ev.Reason)
		}

	case protocol.TypeHeartbeatAck:
		m.onHeartbeatAck(epoch)

	case protocol.TypeSearchResult:
		if m.handlers.OnSearchResult == nil {
			return
		}
		if ev, err := protocol.Decode[protocol.SearchResult](data); err == nil {
			m.handlers.OnSearchResult(ev)
		}

	case protocol.TypeFriendRequest:
		if ev, err := protocol.Decode[protocol.FriendRequest](data); err == nil {
			m.chat.RecordIncomingFriendRequest(ev)
		}

	case protocol.TypeFriendRequestAccepted:
		if ev, err := protocol.Decode[protocol.FriendResponse](data); err == nil {
			m.chat.AppendFriendChat(Friend{
				Identity:    ev.FromIdentity,
				DisplayName: ev.FromDisplayName,
				Avatar:      ev.FromAvatar,
			})
		}

	case protocol.TypeFriendRequestRejected:
		m.log.Info("friend request rejected by peer")

	case protocol.TypeReceiveMessage:
		if ev, err := protocol.Decode[protocol.ReceiveMessage](data); err == nil {
			m.chat.AppendMessage(ev.FromIdentity, Message{
				SenderIdentity: ev.FromIdentity,
				Content:        ev.Content,
				Timestamp:      time.UnixMilli(ev.Timestamp),
			})
		}

	case protocol.TypeReceiveGroupMessage:
		if ev, err := protocol.Decode[protocol.ReceiveGroupMessage](data); err == nil {
			m.chat.AppendMessage(ev.GroupID, Message{
				SenderIdentity:    ev.FromIdentity,
				SenderDisplayName: ev.FromDisplayName,
				SenderAvatar:      ev.FromAvatar,
				Content:           ev.Content,
				Timestamp:         time.UnixMilli(ev.Timestamp),
			})
		}

	case protocol.TypeGroupCreated:
		if ev, err := protocol.Decode[protocol.GroupCreated](data); err == nil {
			m.chat.UpsertGroupRoster(ev.GroupID, ev.DisplayName, m.chat.Identity(), ev.Members)
		}

	case protocol.TypeGroupInvite:
		if ev, err := protocol.Decode[protocol.GroupInvite](data); err == nil {
			m.chat.UpsertGroupRoster(ev.GroupID, ev.DisplayName, ev.CreatorIdentity, ev.Members)
		}

	case protocol.TypeGroupMemberJoined:
		if ev, err := protocol.Decode[protocol.GroupMemberJoined](data); err == nil {
			m.chat.UpsertGroupRoster(ev.GroupID, "", "", ev.AllMembers)
		}

	case protocol.TypeGroupMemberLeft:
		if ev, err := protocol.Decode[protocol.GroupMemberLeft](data); err == nil {
			m.chat.UpsertGroupRoster(ev.GroupID, "", "", ev.AllMembers)
		}

	case protocol.TypeGroupSynced:
		if ev, err := protocol.Decode[protocol.GroupSynced](data); err == nil {
			m.log.Info("group synced", "groupId", ev.GroupID)
		}

	case protocol.TypeSendMessageError:
		if ev, err := protocol.Decode[protocol.SendMessageError](data); err == nil {
			m.log.Warn("delivery failed", "reason", ev.Reason)
			if m.handlers.OnOperationError != nil {
				m.handlers.OnOperationError(ev.Reason)
			}
		}

	case protocol.TypeError:
		if ev, err := protocol.Decode[protocol.ErrorEvent](data); err == nil {
			m.log.Warn("server reported error", "message", ev.Message)
			if m.handlers.OnOperationError != nil {
				m.handlers.OnOperationError(ev.Message)
			}
		}

	case protocol.TypeServerShutdown:
		m.log.Info("server is shutting down")

	default:
		m.log.Warn("unknown server event", "type", typ)
	}
}

// SearchUser asks the server whether an identity is online. The answer
// arrives via Handlers.OnSearchResult.
func (m *Manager) SearchUser(searchID string) error {
	return m.writeEvent(protocol.SearchUser{Type: protocol.TypeSearchUser, SearchID: searchID})
}

// SendFriendRequest asks toIdentity to become a friend. A request to
// an offline identity is lost and must be re-sent later.
func (m *Manager) SendFriendRequest(toIdentity string) error {
	p := m.currentProfile()
	return m.writeEvent(protocol.FriendRequest{
		Type:            protocol.TypeFriendRequest,
		ToIdentity:      toIdentity,
		FromIdentity:    p.Identity,
		FromDisplayName: p.DisplayName,
		FromAvatar:      p.Avatar,
	})
}

// AcceptFriendRequest accepts the pending request at index: the friend
// edge and its chat are created locally, then the acceptance is
// relayed to the peer.
func (m *Manager) AcceptFriendRequest(index int) error {
	req, err := m.chat.AcceptRequest(index)
	if err != nil {
		return err
	}
	p := m.currentProfile()
	return m.writeEvent(protocol.FriendResponse{
		Type:            protocol.TypeAcceptFriendRequest,
		ToIdentity:      req.Identity,
		FromIdentity:    p.Identity,
		FromDisplayName: p.DisplayName,
		FromAvatar:      p.Avatar,
	})
}

// RejectFriendRequest rejects the pending request at index.
func (m *Manager) RejectFriendRequest(index int) error {
	req, err := m.chat.RejectRequest(index)
	if err != nil {
		return err
	}
	return m.writeEvent(protocol.FriendResponse{
		Type:       protocol.TypeRejectFriendRequest,
		ToIdentity: req.Identity,
	})
}

// SendDirect sends a direct message and records it in the local chat
// log.
func (m *Manager) SendDirect(toIdentity, content string) error {
	p := m.currentProfile()
	now := time.Now()
	if err := m.writeEvent(protocol.SendMessage{
		Type:         protocol.TypeSendMessage,
		ToIdentity:   toIdentity,
		FromIdentity: p.Identity,
		Content:      content,
		Timestamp:    now.UnixMilli(),
	}); err != nil {
		return err
	}
	m.chat.AppendMessage(toIdentity, Message{
		SenderIdentity: p.Identity,
		Content:        content,
		Timestamp:      now,
		Outgoing:       true,
	})
	return nil
}

// CreateGroup creates a group with the current identity plus members
// and returns its generated id.
func (m *Manager) CreateGroup(displayName string, members []protocol.Member) (string, error) {
	p := m.currentProfile()
	groupID := uuid.NewString()
	roster := append([]protocol.Member{{
		Identity:    p.Identity,
		DisplayName: p.DisplayName,
		Avatar:      p.Avatar,
	}}, members...)

	err := m.writeEvent(protocol.CreateGroup{
		Type:            protocol.TypeCreateGroup,
		GroupID:         groupID,
		DisplayName:     displayName,
		CreatorIdentity: p.Identity,
		Members:         roster,
	})
	if err != nil {
		return "", err
	}
	return groupID, nil
}

// SendGroupMessage sends to a group and records it locally.
func (m *Manager) SendGroupMessage(groupID, content string) error {
	p := m.currentProfile()
	now := time.Now()
	if err := m.writeEvent(protocol.SendGroupMessage{
		Type:            protocol.TypeSendGroupMessage,
		GroupID:         groupID,
		FromIdentity:    p.Identity,
		FromDisplayName: p.DisplayName,
		FromAvatar:      p.Avatar,
		Content:         content,
		Timestamp:       now.UnixMilli(),
	}); err != nil {
		return err
	}
	m.chat.AppendMessage(groupID, Message{
		SenderIdentity:    p.Identity,
		SenderDisplayName: p.DisplayName,
		Content:           content,
		Timestamp:         now,
		Outgoing:          true,
	})
	return nil
}

// InviteToGroup merges newMembers into a group's roster.
func (m *Manager) InviteToGroup(groupID string, newMembers []protocol.Member) error {
	p := m.currentProfile()
	return m.writeEvent(protocol.InviteToGroup{
		Type:            protocol.TypeInviteToGroup,
		GroupID:         groupID,
		InviterIdentity: p.Identity,
		NewMembers:      newMembers,
	})
}

// LeaveGroup leaves a group on the server and removes it locally.
func (m *Manager) LeaveGroup(groupID string) error {
	p := m.currentProfile()
	if err := m.writeEvent(protocol.LeaveGroup{
		Type:     protocol.TypeLeaveGroup,
		GroupID:  groupID,
		Identity: p.Identity,
	}); err != nil {
		return err
	}
	m.chat.RemoveGroup(groupID)
	return nil
}

// SyncGroups re-registers every locally known group with the server.
// Safe to repeat; the server merges rosters idempotently.
func (m *Manager) SyncGroups() {
	p := m.currentProfile()
	for _, g := range m.chat.Groups() {
		if err := m.writeEvent(protocol.SyncGroup{
			Type:        protocol.TypeSyncGroup,
			GroupID:     g.ID,
			DisplayName: g.DisplayName,
			Members:     g.Members,
			Identity:    p.Identity,
		}); err != nil {
			m.log.Warn("group sync failed", "groupId", g.ID, "err", err)
			return
		}
	}
}

func (m *Manager) currentProfile() Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile
}
