package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/ephone/linkchat/internal/presence"
	"github.com/ephone/linkchat/pkg/protocol"
)

// Delivery failure reasons, mirrored verbatim onto the wire.
const (
	ReasonRecipientOffline = "recipient_offline"
	ReasonGroupUnknown     = "group_unknown"
	ReasonContentTooLarge  = "content_too_large"
)

// DeliveryError is a synchronous, terminal failure of one relay
// operation. The server never retries or buffers.
type DeliveryError struct {
	Reason string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed: %s", e.Reason)
}

// client is the per-connection handler state: the connection handle
// plus the identity it registered, if any.
type client struct {
	conn     presence.Conn
	identity string
}

// dispatch routes one inbound frame. A malformed event or a panicking
// handler affects only this connection; the registries and every other
// connection stay untouched.
func (s *Server) dispatch(c *client, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panic isolated", "panic", r, "addr", c.conn.RemoteAddr())
		}
	}()

	typ, err := protocol.PeekType(data)
	if err != nil {
		s.log.Warn("dropping malformed event", "addr", c.conn.RemoteAddr(), "err", err)
		return
	}

	switch typ {
	case protocol.TypeRegister:
		s.handleRegister(c, data)
	case protocol.TypeSearchUser:
		s.handleSearchUser(c, data)
	case protocol.TypeFriendRequest:
		s.handleFriendRequest(c, data)
	case protocol.TypeAcceptFriendRequest:
		s.handleFriendResponse(c, data, protocol.TypeFriendRequestAccepted)
	case protocol.TypeRejectFriendRequest:
		s.handleFriendResponse(c, data, protocol.TypeFriendRequestRejected)
	case protocol.TypeSendMessage:
		s.handleSendMessage(c, data)
	case protocol.TypeCreateGroup:
		s.handleCreateGroup(c, data)
	case protocol.TypeSendGroupMessage:
		s.handleSendGroupMessage(c, data)
	case protocol.TypeInviteToGroup:
		s.handleInviteToGroup(c, data)
	case protocol.TypeLeaveGroup:
		s.handleLeaveGroup(c, data)
	case protocol.TypeSyncGroup:
		s.handleSyncGroup(c, data)
	case protocol.TypeHeartbeat:
		s.reply(c, protocol.Heartbeat{Type: protocol.TypeHeartbeatAck})
	default:
		s.log.Warn("unknown event type", "type", typ, "addr", c.conn.RemoteAddr())
	}
}

// reply sends an event to the handling connection, best-effort.
func (s *Server) reply(c *client, v any) {
	s.sendTo(c.conn, v)
}

func (s *Server) sendTo(conn presence.Conn, v any) {
	data, err := protocol.Encode(v)
	if err != nil {
		s.log.Error("encode outbound event", "err", err)
		return
	}
	conn.Send(data)
}

func (s *Server) handleRegister(c *client, data []byte) {
	ev, err := protocol.Decode[protocol.Register](data)
	if err != nil {
		s.reply(c, protocol.RegisterError{Type: protocol.TypeRegisterError, Reason: presence.ReasonInvalidFormat})
		return
	}

	sess, err := s.registry.Register(ev.Identity, ev.DisplayName, ev.Avatar, c.conn)
	if err != nil {
		reason := presence.ReasonInvalidFormat
		var regErr *presence.RegistrationError
		if errors.As(err, &regErr) {
			reason = regErr.Reason
		}
		s.reply(c, protocol.RegisterError{Type: protocol.TypeRegisterError, Reason: reason})
		return
	}

	c.identity = sess.Identity
	s.log.Info("identity online", "identity", sess.Identity, "displayName", sess.DisplayName, "online", s.registry.Count())
	s.reply(c, protocol.RegisterSuccess{
		Type:        protocol.TypeRegisterSuccess,
		Identity:    sess.Identity,
		DisplayName: sess.DisplayName,
	})
}

func (s *Server) handleSearchUser(c *client, data []byte) {
	ev, err := protocol.Decode[protocol.SearchUser](data)
	if err != nil {
		s.reply(c, protocol.SearchResult{Type: protocol.TypeSearchResult, Found: false})
		return
	}

	sess, ok := s.registry.Lookup(ev.SearchID)
	if !ok {
		s.reply(c, protocol.SearchResult{Type: protocol.TypeSearchResult, Found: false, Identity: ev.SearchID})
		return
	}
	s.reply(c, protocol.SearchResult{
		Type:        protocol.TypeSearchResult,
		Found:       true,
		Identity:    sess.Identity,
		DisplayName: sess.DisplayName,
		Avatar:      sess.Avatar,
		Online:      true,
	})
}

func (s *Server) handleFriendRequest(c *client, data []byte) {
	ev, err := protocol.Decode[protocol.FriendRequest](data)
	if err != nil {
		s.replyError(c, "incomplete friend request")
		return
	}
	if ev.ToIdentity == ev.FromIdentity {
		s.replyError(c, "cannot add yourself")
		return
	}

	if derr := s.relayTo(ev.ToIdentity, protocol.FriendRequest{
		Type:            protocol.TypeFriendRequest,
		ToIdentity:      ev.ToIdentity,
		FromIdentity:    ev.FromIdentity,
		FromDisplayName: ev.FromDisplayName,
		FromAvatar:      ev.FromAvatar,
	}); derr != nil {
		s.replyError(c, derr.Reason)
		return
	}
	s.log.Info("friend request relayed", "from", ev.FromIdentity, "to", ev.ToIdentity)
}

// handleFriendResponse forwards an accept or reject to its target.
func (s *Server) handleFriendResponse(c *client, data []byte, forwardType string) {
	ev, err := protocol.Decode[protocol.FriendResponse](data)
	if err != nil {
		s.replyError(c, "incomplete friend response")
		return
	}

	if derr := s.relayTo(ev.ToIdentity, protocol.FriendResponse{
		Type:            forwardType,
		ToIdentity:      ev.ToIdentity,
		FromIdentity:    ev.FromIdentity,
		FromDisplayName: ev.FromDisplayName,
		FromAvatar:      ev.FromAvatar,
	}); derr != nil {
		s.replyError(c, derr.Reason)
		return
	}
	s.log.Info("friend response relayed", "type", forwardType, "to", ev.ToIdentity)
}

func (s *Server) handleSendMessage(c *client, data []byte) {
	ev, err := protocol.Decode[protocol.SendMessage](data)
	if err != nil {
		s.replyError(c, "incomplete message")
		return
	}

	if derr := s.relayDirect(ev); derr != nil {
		s.reply(c, protocol.SendMessageError{Type: protocol.TypeSendMessageError, Reason: derr.Reason})
		s.log.Info("direct message undeliverable", "from", ev.FromIdentity, "to", ev.ToIdentity, "reason", derr.Reason)
	}
}

// relayDirect forwards a direct message to one identity. Content
// length is checked before the registry lookup. No queuing: an offline
// recipient means the message is lost.
func (s *Server) relayDirect(ev protocol.SendMessage) *DeliveryError {
	if len(ev.Content) > protocol.MaxContentBytes {
		return &DeliveryError{Reason: ReasonContentTooLarge}
	}
	return s.relayTo(ev.ToIdentity, protocol.ReceiveMessage{
		Type:         protocol.TypeReceiveMessage,
		FromIdentity: ev.FromIdentity,
		Content:      ev.Content,
		Timestamp:    orNow(ev.Timestamp),
	})
}

// relayTo delivers one event to one identity, if present.
func (s *Server) relayTo(identity string, v any) *DeliveryError {
	sess, ok := s.registry.Lookup(identity)
	if !ok {
		return &DeliveryError{Reason: ReasonRecipientOffline}
	}
	s.sendTo(sess.Conn, v)
	return nil
}

func (s *Server) handleCreateGroup(c *client, data []byte) {
	ev, err := protocol.Decode[protocol.CreateGroup](data)
	if err != nil {
		s.replyError(c, "incomplete create_group")
		return
	}

	grp := s.groups.Create(ev.GroupID, ev.DisplayName, ev.CreatorIdentity, ev.Members)

	s.reply(c, protocol.GroupCreated{
		Type:        protocol.TypeGroupCreated,
		GroupID:     grp.ID,
		DisplayName: grp.DisplayName,
		Members:     grp.Members,
	})

	creatorName := s.displayNameOf(ev.CreatorIdentity)
	for _, m := range grp.Members {
		if m.Identity == ev.CreatorIdentity {
			continue
		}
		// Absent members stay in the roster but get no proactive
		// notification; they learn of the group via a later sync.
		_ = s.relayTo(m.Identity, protocol.GroupInvite{
			Type:               protocol.TypeGroupInvite,
			GroupID:            grp.ID,
			DisplayName:        grp.DisplayName,
			CreatorIdentity:    grp.CreatorIdentity,
			InviterDisplayName: creatorName,
			Members:            grp.Members,
		})
	}
}

func (s *Server) handleSendGroupMessage(c *client, data []byte) {
	ev, err := protocol.Decode[protocol.SendGroupMessage](data)
	if err != nil {
		s.replyError(c, "incomplete group message")
		return
	}

	if derr := s.relayGroup(ev); derr != nil {
		s.reply(c, protocol.SendMessageError{Type: protocol.TypeSendMessageError, Reason: derr.Reason})
	}
}

// relayGroup fans a message out to every present roster member other
// than the sender. Absent members simply miss it; zero deliveries and
// full delivery are indistinguishable to the sender.
func (s *Server) relayGroup(ev protocol.SendGroupMessage) *DeliveryError {
	if len(ev.Content) > protocol.MaxContentBytes {
		return &DeliveryError{Reason: ReasonContentTooLarge}
	}
	grp, ok := s.groups.Get(ev.GroupID)
	if !ok {
		// The sender is expected to re-run the group sync and retry.
		return &DeliveryError{Reason: ReasonGroupUnknown}
	}

	out := protocol.ReceiveGroupMessage{
		Type:            protocol.TypeReceiveGroupMessage,
		GroupID:         ev.GroupID,
		FromIdentity:    ev.FromIdentity,
		FromDisplayName: ev.FromDisplayName,
		FromAvatar:      ev.FromAvatar,
		Content:         ev.Content,
		Timestamp:       orNow(ev.Timestamp),
	}
	if out.FromDisplayName == "" {
		out.FromDisplayName = ev.FromIdentity
	}

	delivered := 0
	for _, m := range grp.Members {
		if m.Identity == ev.FromIdentity {
			continue
		}
		if derr := s.relayTo(m.Identity, out); derr == nil {
			delivered++
		}
	}
	s.log.Info("group message relayed", "groupId", ev.GroupID, "from", ev.FromIdentity,
		"delivered", delivered, "roster", len(grp.Members)-1)
	return nil
}

func (s *Server) handleInviteToGroup(c *client, data []byte) {
	ev, err := protocol.Decode[protocol.InviteToGroup](data)
	if err != nil {
		s.replyError(c, "incomplete invite")
		return
	}

	grp, ok := s.groups.Invite(ev.GroupID, ev.NewMembers)
	if !ok {
		s.replyError(c, ReasonGroupUnknown)
		return
	}

	inviterName := s.displayNameOf(ev.InviterIdentity)

	// Every present member, old and new, sees the updated roster.
	for _, m := range grp.Members {
		_ = s.relayTo(m.Identity, protocol.GroupMemberJoined{
			Type:               protocol.TypeGroupMemberJoined,
			GroupID:            grp.ID,
			NewMembers:         ev.NewMembers,
			InviterDisplayName: inviterName,
			AllMembers:         grp.Members,
		})
	}
	// New members additionally get the invite carrying the full roster.
	for _, m := range ev.NewMembers {
		_ = s.relayTo(m.Identity, protocol.GroupInvite{
			Type:               protocol.TypeGroupInvite,
			GroupID:            grp.ID,
			DisplayName:        grp.DisplayName,
			CreatorIdentity:    grp.CreatorIdentity,
			InviterDisplayName: inviterName,
			Members:            grp.Members,
		})
	}
	s.log.Info("group invite relayed", "groupId", grp.ID, "inviter", ev.InviterIdentity, "new", len(ev.NewMembers))
}

func (s *Server) handleLeaveGroup(c *client, data []byte) {
	ev, err := protocol.Decode[protocol.LeaveGroup](data)
	if err != nil {
		return
	}

	leaverName := s.displayNameOf(ev.Identity)
	grp, dissolved, ok := s.groups.Leave(ev.GroupID, ev.Identity)
	if !ok || dissolved {
		return
	}

	for _, m := range grp.Members {
		_ = s.relayTo(m.Identity, protocol.GroupMemberLeft{
			Type:              protocol.TypeGroupMemberLeft,
			GroupID:           grp.ID,
			Identity:          ev.Identity,
			LeaverDisplayName: leaverName,
			AllMembers:        grp.Members,
		})
	}
	s.log.Info("member left group", "groupId", grp.ID, "identity", ev.Identity)
}

func (s *Server) handleSyncGroup(c *client, data []byte) {
	ev, err := protocol.Decode[protocol.SyncGroup](data)
	if err != nil {
		return
	}

	if _, err := s.groups.Sync(ev.GroupID, ev.DisplayName, ev.Members, ev.Identity); err != nil {
		s.log.Warn("group sync rejected", "groupId", ev.GroupID, "requester", ev.Identity, "err", err)
		s.replyError(c, ReasonGroupUnknown)
		return
	}
	s.reply(c, protocol.GroupSynced{Type: protocol.TypeGroupSynced, GroupID: ev.GroupID})
}

func (s *Server) replyError(c *client, message string) {
	s.reply(c, protocol.ErrorEvent{Type: protocol.TypeError, Message: message})
}

// displayNameOf resolves an identity's display name from the registry,
// falling back to the identity itself when offline.
func (s *Server) displayNameOf(identity string) string {
	if sess, ok := s.registry.Lookup(identity); ok {
		return sess.DisplayName
	}
	return identity
}

func orNow(ts int64) int64 {
	if ts != 0 {
		return ts
	}
	return time.Now().UnixMilli()
}
