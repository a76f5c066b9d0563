package test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"

	"github.com/ephone/linkchat/internal/server"
	"github.com/ephone/linkchat/pkg/protocol"
)

// testClient is a raw websocket peer used to drive the relay
// end to end without the lifecycle manager in between.
type testClient struct {
	t    *testing.T
	conn net.Conn
}

func dialClient(t *testing.T, addr string) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, "ws://"+addr+"/")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(v any) {
	c.t.Helper()
	data, err := protocol.Encode(v)
	require.NoError(c.t, err)
	require.NoError(c.t, wsutil.WriteClientText(c.conn, data))
}

// expect reads frames until one of the wanted type arrives, then
// decodes it into out. Interleaved frames of other types are skipped.
func (c *testClient) expect(wantType string, out any) {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		data, err := wsutil.ReadServerText(c.conn)
		require.NoError(c.t, err, "waiting for %s", wantType)
		typ, err := protocol.PeekType(data)
		require.NoError(c.t, err)
		if typ != wantType {
			continue
		}
		require.NoError(c.t, json.Unmarshal(data, out))
		_ = c.conn.SetReadDeadline(time.Time{})
		return
	}
}

func (c *testClient) register(identity, displayName string) {
	c.t.Helper()
	c.send(protocol.Register{
		Type:        protocol.TypeRegister,
		Identity:    identity,
		DisplayName: displayName,
	})
	var ack protocol.RegisterSuccess
	c.expect(protocol.TypeRegisterSuccess, &ack)
	require.Equal(c.t, identity, ack.Identity)
}

func startServer(t *testing.T) *server.Server {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	srv := server.New(cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

func TestRelayDirectMessageDelivery(t *testing.T) {
	srv := startServer(t)

	alice := dialClient(t, srv.Addr())
	alice.register("alice", "Alice")
	bob := dialClient(t, srv.Addr())
	bob.register("bob_1", "Bob")

	require.Equal(t, 2, srv.OnlineCount())

	alice.send(protocol.SendMessage{
		Type:         protocol.TypeSendMessage,
		ToIdentity:   "bob_1",
		FromIdentity: "alice",
		Content:      "hello over the wire",
	})

	var got protocol.ReceiveMessage
	bob.expect(protocol.TypeReceiveMessage, &got)
	require.Equal(t, "alice", got.FromIdentity)
	require.Equal(t, "hello over the wire", got.Content)
}

func TestRelayRegistrationTakeover(t *testing.T) {
	srv := startServer(t)

	first := dialClient(t, srv.Addr())
	first.register("alice", "Alice")
	second := dialClient(t, srv.Addr())
	second.register("alice", "Alice on phone")

	// The old connection is terminated by the takeover.
	require.NoError(t, first.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, err := wsutil.ReadServerText(first.conn); err != nil {
			break
		}
	}
	require.Equal(t, 1, srv.OnlineCount())

	// The new connection carries the identity.
	probe := dialClient(t, srv.Addr())
	probe.register("bob_1", "Bob")
	probe.send(protocol.SearchUser{Type: protocol.TypeSearchUser, SearchID: "alice"})
	var res protocol.SearchResult
	probe.expect(protocol.TypeSearchResult, &res)
	require.True(t, res.Found)
	require.Equal(t, "Alice on phone", res.DisplayName)
}

func TestRelayFriendRequestExchange(t *testing.T) {
	srv := startServer(t)

	alice := dialClient(t, srv.Addr())
	alice.register("alice", "Alice")
	bob := dialClient(t, srv.Addr())
	bob.register("bob_1", "Bob")

	alice.send(protocol.FriendRequest{
		Type:            protocol.TypeFriendRequest,
		ToIdentity:      "bob_1",
		FromIdentity:    "alice",
		FromDisplayName: "Alice",
	})
	var req protocol.FriendRequest
	bob.expect(protocol.TypeFriendRequest, &req)
	require.Equal(t, "alice", req.FromIdentity)
	require.Equal(t, "Alice", req.FromDisplayName)

	bob.send(protocol.FriendResponse{
		Type:            protocol.TypeAcceptFriendRequest,
		ToIdentity:      "alice",
		FromIdentity:    "bob_1",
		FromDisplayName: "Bob",
	})
	var accepted protocol.FriendResponse
	alice.expect(protocol.TypeFriendRequestAccepted, &accepted)
	require.Equal(t, "bob_1", accepted.FromIdentity)
}

func TestRelayGroupFanOut(t *testing.T) {
	srv := startServer(t)

	alice := dialClient(t, srv.Addr())
	alice.register("alice", "Alice")
	bob := dialClient(t, srv.Addr())
	bob.register("bob_1", "Bob")
	carol := dialClient(t, srv.Addr())
	carol.register("carol", "Carol")

	members := []protocol.Member{
		{Identity: "alice", DisplayName: "Alice"},
		{Identity: "bob_1", DisplayName: "Bob"},
		{Identity: "carol", DisplayName: "Carol"},
	}
	alice.send(protocol.CreateGroup{
		Type:            protocol.TypeCreateGroup,
		GroupID:         "g-fan-out",
		DisplayName:     "team",
		CreatorIdentity: "alice",
		Members:         members,
	})
	var created protocol.GroupCreated
	alice.expect(protocol.TypeGroupCreated, &created)
	require.Len(t, created.Members, 3)

	var invite protocol.GroupInvite
	bob.expect(protocol.TypeGroupInvite, &invite)
	require.Equal(t, "g-fan-out", invite.GroupID)
	carol.expect(protocol.TypeGroupInvite, &invite)

	bob.send(protocol.SendGroupMessage{
		Type:            protocol.TypeSendGroupMessage,
		GroupID:         "g-fan-out",
		FromIdentity:    "bob_1",
		FromDisplayName: "Bob",
		Content:         "morning all",
	})

	var msg protocol.ReceiveGroupMessage
	alice.expect(protocol.TypeReceiveGroupMessage, &msg)
	require.Equal(t, "bob_1", msg.FromIdentity)
	require.Equal(t, "morning all", msg.Content)
	carol.expect(protocol.TypeReceiveGroupMessage, &msg)
	require.Equal(t, "morning all", msg.Content)
}

func TestRelayGroupSyncAfterRestart(t *testing.T) {
	first := startServer(t)

	alice := dialClient(t, first.Addr())
	alice.register("alice", "Alice")
	members := []protocol.Member{
		{Identity: "alice", DisplayName: "Alice"},
		{Identity: "bob_1", DisplayName: "Bob"},
	}
	alice.send(protocol.CreateGroup{
		Type:            protocol.TypeCreateGroup,
		GroupID:         "g-sync",
		DisplayName:     "survivors",
		CreatorIdentity: "alice",
		Members:         members,
	})
	var created protocol.GroupCreated
	alice.expect(protocol.TypeGroupCreated, &created)
	first.Stop()

	// A fresh server knows nothing; the client replays its cached
	// roster and the group becomes usable again.
	second := startServer(t)
	alice2 := dialClient(t, second.Addr())
	alice2.register("alice", "Alice")
	bob := dialClient(t, second.Addr())
	bob.register("bob_1", "Bob")

	alice2.send(protocol.SyncGroup{
		Type:        protocol.TypeSyncGroup,
		GroupID:     "g-sync",
		DisplayName: "survivors",
		Members:     members,
		Identity:    "alice",
	})
	var synced protocol.GroupSynced
	alice2.expect(protocol.TypeGroupSynced, &synced)
	require.Equal(t, "g-sync", synced.GroupID)

	alice2.send(protocol.SendGroupMessage{
		Type:         protocol.TypeSendGroupMessage,
		GroupID:      "g-sync",
		FromIdentity: "alice",
		Content:      "back online",
	})
	var msg protocol.ReceiveGroupMessage
	bob.expect(protocol.TypeReceiveGroupMessage, &msg)
	require.Equal(t, "back online", msg.Content)
}

func TestRelayOversizedFrameClosesConnection(t *testing.T) {
	srv := startServer(t)

	alice := dialClient(t, srv.Addr())
	alice.register("alice", "Alice")

	// The server rejects the frame from its announced length; the
	// write may fail partway once the connection is torn down.
	big := strings.Repeat("x", protocol.MaxFrameBytes+1)
	_ = wsutil.WriteClientText(alice.conn, []byte(big))

	require.NoError(t, alice.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := wsutil.ReadServerText(alice.conn)
	require.Error(t, err)
	require.Eventually(t, func() bool { return srv.OnlineCount() == 0 },
		5*time.Second, 20*time.Millisecond)
}

func TestRelayHeartbeat(t *testing.T) {
	srv := startServer(t)

	alice := dialClient(t, srv.Addr())
	alice.register("alice", "Alice")
	alice.send(protocol.Heartbeat{Type: protocol.TypeHeartbeat})
	var ack protocol.Heartbeat
	alice.expect(protocol.TypeHeartbeatAck, &ack)
}
