// Package protocol defines the JSON event catalogue exchanged between
// clients and the relay server. Every frame on the wire is a single
// JSON object carrying a "type" discriminator.
package protocol

// Event type discriminators, client -> server and server -> client.
const (
	TypeRegister              = "register"
	TypeRegisterSuccess       = "register_success"
	TypeRegisterError         = "register_error"
	TypeSearchUser            = "search_user"
	TypeSearchResult          = "search_result"
	TypeFriendRequest         = "friend_request"
	TypeAcceptFriendRequest   = "accept_friend_request"
	TypeRejectFriendRequest   = "reject_friend_request"
	TypeFriendRequestAccepted = "friend_request_accepted"
	TypeFriendRequestRejected = "friend_request_rejected"
	TypeSendMessage           = "send_message"
	TypeReceiveMessage        = "receive_message"
	TypeSendMessageError      = "send_message_error"
	TypeCreateGroup           = "create_group"
	TypeGroupCreated          = "group_created"
	TypeGroupInvite           = "group_invite"
	TypeSendGroupMessage      = "send_group_message"
	TypeReceiveGroupMessage   = "receive_group_message"
	TypeInviteToGroup         = "invite_to_group"
	TypeGroupMemberJoined     = "group_member_joined"
	TypeLeaveGroup            = "leave_group"
	TypeGroupMemberLeft       = "group_member_left"
	TypeSyncGroup             = "sync_group"
	TypeGroupSynced           = "group_synced"
	TypeHeartbeat             = "heartbeat"
	TypeHeartbeatAck          = "heartbeat_ack"
	TypeServerShutdown        = "server_shutdown"
	TypeError                 = "error"
)

// Size limits enforced on the wire.
const (
	// MaxFrameBytes caps a single JSON frame.
	MaxFrameBytes = 100 * 1024
	// MaxContentBytes caps chat message content, checked before any
	// registry lookup.
	MaxContentBytes = 10 * 1024
)

// Member is one roster entry, carried by every group event.
type Member struct {
	Identity    string `json:"identity" validate:"required"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
}

// Register announces an identity on a fresh connection.
type Register struct {
	Type        string `json:"type"`
	Identity    string `json:"identity" validate:"required"`
	DisplayName string `json:"displayName" validate:"required"`
	Avatar      string `json:"avatar"`
}

// RegisterSuccess acknowledges a registration.
type RegisterSuccess struct {
	Type        string `json:"type"`
	Identity    string `json:"identity"`
	DisplayName string `json:"displayName"`
}

// RegisterError rejects a registration. Reason is one of the
// RegistrationError reasons ("invalid_format", "server_full").
type RegisterError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// SearchUser asks whether an identity is currently online.
type SearchUser struct {
	Type     string `json:"type"`
	SearchID string `json:"searchId" validate:"required"`
}

// SearchResult answers a SearchUser. Identity echoes the searched id
// even on a miss; the remaining profile fields are only set when Found
// is true.
type SearchResult struct {
	Type        string `json:"type"`
	Found       bool   `json:"found"`
	Identity    string `json:"identity,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	Online      bool   `json:"online,omitempty"`
}

// FriendRequest travels end to end: the sender emits it and, when the
// target is online, the server forwards it verbatim.
type FriendRequest struct {
	Type            string `json:"type"`
	ToIdentity      string `json:"toIdentity" validate:"required"`
	FromIdentity    string `json:"fromIdentity" validate:"required"`
	FromDisplayName string `json:"fromDisplayName" validate:"required"`
	FromAvatar      string `json:"fromAvatar"`
}

// FriendResponse is the payload of accept_friend_request,
// reject_friend_request and their forwarded counterparts. A rejection
// carries only the target.
type FriendResponse struct {
	Type            string `json:"type"`
	ToIdentity      string `json:"toIdentity" validate:"required"`
	FromIdentity    string `json:"fromIdentity,omitempty"`
	FromDisplayName string `json:"fromDisplayName,omitempty"`
	FromAvatar      string `json:"fromAvatar,omitempty"`
}

// SendMessage is a direct message to one identity.
type SendMessage struct {
	Type         string `json:"type"`
	ToIdentity   string `json:"toIdentity" validate:"required"`
	FromIdentity string `json:"fromIdentity" validate:"required"`
	Content      string `json:"content" validate:"required"`
	Timestamp    int64  `json:"timestamp"`
}

// ReceiveMessage is the recipient-side form of SendMessage.
type ReceiveMessage struct {
	Type         string `json:"type"`
	FromIdentity string `json:"fromIdentity"`
	Content      string `json:"content"`
	Timestamp    int64  `json:"timestamp"`
}

// SendMessageError reports a failed direct delivery to the sender.
// Reason is a DeliveryError reason ("recipient_offline",
// "content_too_large").
type SendMessageError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// CreateGroup creates a server-side group with an initial roster.
type CreateGroup struct {
	Type            string   `json:"type"`
	GroupID         string   `json:"groupId" validate:"required"`
	DisplayName     string   `json:"displayName" validate:"required"`
	CreatorIdentity string   `json:"creatorIdentity" validate:"required"`
	Members         []Member `json:"members" validate:"required,dive"`
}

// GroupCreated acknowledges a CreateGroup to the creator.
type GroupCreated struct {
	Type        string   `json:"type"`
	GroupID     string   `json:"groupId"`
	DisplayName string   `json:"displayName"`
	Members     []Member `json:"members"`
}

// GroupInvite tells a member it has been placed in a group, carrying
// the full roster.
type GroupInvite struct {
	Type               string   `json:"type"`
	GroupID            string   `json:"groupId"`
	DisplayName        string   `json:"displayName"`
	CreatorIdentity    string   `json:"creatorIdentity"`
	InviterDisplayName string   `json:"inviterDisplayName,omitempty"`
	Members            []Member `json:"members"`
}

// SendGroupMessage fans a message out to every present roster member
// other than the sender.
type SendGroupMessage struct {
	Type            string `json:"type"`
	GroupID         string `json:"groupId" validate:"required"`
	FromIdentity    string `json:"fromIdentity" validate:"required"`
	FromDisplayName string `json:"fromDisplayName"`
	FromAvatar      string `json:"fromAvatar"`
	Content         string `json:"content" validate:"required"`
	Timestamp       int64  `json:"timestamp"`
}

// ReceiveGroupMessage is the member-side form of SendGroupMessage.
type ReceiveGroupMessage struct {
	Type            string `json:"type"`
	GroupID         string `json:"groupId"`
	FromIdentity    string `json:"fromIdentity"`
	FromDisplayName string `json:"fromDisplayName"`
	FromAvatar      string `json:"fromAvatar"`
	Content         string `json:"content"`
	Timestamp       int64  `json:"timestamp"`
}

// InviteToGroup merges new members into an existing roster.
type InviteToGroup struct {
	Type            string   `json:"type"`
	GroupID         string   `json:"groupId" validate:"required"`
	InviterIdentity string   `json:"inviterIdentity" validate:"required"`
	NewMembers      []Member `json:"newMembers" validate:"required,dive"`
}

// GroupMemberJoined notifies present members of an updated roster.
type GroupMemberJoined struct {
	Type               string   `json:"type"`
	GroupID            string   `json:"groupId"`
	NewMembers         []Member `json:"newMembers"`
	InviterDisplayName string   `json:"inviterDisplayName"`
	AllMembers         []Member `json:"allMembers"`
}

// LeaveGroup removes an identity from a roster.
type LeaveGroup struct {
	Type     string `json:"type"`
	GroupID  string `json:"groupId" validate:"required"`
	Identity string `json:"identity" validate:"required"`
}

// GroupMemberLeft notifies remaining present members after a leave.
type GroupMemberLeft struct {
	Type              string   `json:"type"`
	GroupID           string   `json:"groupId"`
	Identity          string   `json:"identity"`
	LeaverDisplayName string   `json:"leaverDisplayName"`
	AllMembers        []Member `json:"allMembers"`
}

// SyncGroup re-establishes server-side group state from a
// client-proposed roster. Safe to repeat with overlapping rosters.
type SyncGroup struct {
	Type        string   `json:"type"`
	GroupID     string   `json:"groupId" validate:"required"`
	DisplayName string   `json:"displayName" validate:"required"`
	Members     []Member `json:"members" validate:"required,dive"`
	Identity    string   `json:"identity" validate:"required"`
}

// GroupSynced acknowledges a SyncGroup.
type GroupSynced struct {
	Type    string `json:"type"`
	GroupID string `json:"groupId"`
}

// Heartbeat is the in-band liveness ping; the server answers with a
// heartbeat_ack.
type Heartbeat struct {
	Type string `json:"type"`
}

// ServerShutdown is broadcast to every session before a graceful stop.
type ServerShutdown struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// ErrorEvent reports a generic per-operation failure to the caller.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
