package presence

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/ephone/linkchat/pkg/protocol"
)

// ErrSyncNotMember rejects a sync that would recreate an unknown group
// from a roster the requester does not even appear in. Merging into a
// known group stays open to any caller, matching the original
// unauthenticated behavior.
var ErrSyncNotMember = errors.New("sync requester not in proposed roster")

// Group is the server-owned record of a group chat. It lives only in
// memory; after a restart clients recreate it via Sync.
type Group struct {
	ID              string
	DisplayName     string
	CreatorIdentity string
	Members         []protocol.Member // ordered by join
	CreatedAt       time.Time
}

// Groups is the groupId -> Group table.
type Groups struct {
	log *slog.Logger

	mu     sync.Mutex
	groups map[string]*Group
}

// NewGroups creates an empty Group Membership Store.
func NewGroups(log *slog.Logger) *Groups {
	return &Groups{
		log:    log,
		groups: make(map[string]*Group),
	}
}

// Create inserts a new Group with the given roster. Absent members are
// still part of the roster; they learn about the group once they come
// online and a member re-syncs.
func (g *Groups) Create(groupID, displayName, creatorIdentity string, members []protocol.Member) Group {
	g.mu.Lock()
	defer g.mu.Unlock()
	grp := &Group{
		ID:              groupID,
		DisplayName:     displayName,
		CreatorIdentity: creatorIdentity,
		Members:         append([]protocol.Member(nil), members...),
		CreatedAt:       time.Now(),
	}
	g.groups[groupID] = grp
	g.log.Info("group created", "groupId", groupID, "creator", creatorIdentity, "members", len(members))
	return snapshot(grp)
}

// Get returns a copy of the group, if known.
func (g *Groups) Get(groupID string) (Group, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	grp, ok := g.groups[groupID]
	if !ok {
		return Group{}, false
	}
	return snapshot(grp), true
}

// Invite merges newMembers into the roster, skipping identities
// already present, and returns the updated group. ok is false when the
// group is unknown.
func (g *Groups) Invite(groupID string, newMembers []protocol.Member) (Group, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	grp, ok := g.groups[groupID]
	if !ok {
		return Group{}, false
	}
	grp.Members = mergeRoster(grp.Members, newMembers)
	return snapshot(grp), true
}

// Leave removes identity from the roster. When the roster becomes
// empty the group is deleted entirely. ok is false when the group is
// unknown.
func (g *Groups) Leave(groupID, identity string) (grp Group, dissolved, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	stored, found := g.groups[groupID]
	if !found {
		return Group{}, false, false
	}
	stored.Members = lo.Reject(stored.Members, func(m protocol.Member, _ int) bool {
		return m.Identity == identity
	})
	if len(stored.Members) == 0 {
		delete(g.groups, groupID)
		g.log.Info("group dissolved, last member left", "groupId", groupID)
		return Group{ID: groupID}, true, true
	}
	return snapshot(stored), false, true
}

// Sync recreates an unknown group verbatim from the client-proposed
// roster, or merges the proposed roster into a known one. Either path
// is idempotent: repeating the same call leaves the roster unchanged.
func (g *Groups) Sync(groupID, displayName string, proposed []protocol.Member, requester string) (Group, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	grp, ok := g.groups[groupID]
	if !ok {
		if !containsIdentity(proposed, requester) {
			return Group{}, ErrSyncNotMember
		}
		creator := requester
		if creator == "" && len(proposed) > 0 {
			creator = proposed[0].Identity
		}
		grp = &Group{
			ID:              groupID,
			DisplayName:     displayName,
			CreatorIdentity: creator,
			Members:         append([]protocol.Member(nil), proposed...),
			CreatedAt:       time.Now(),
		}
		g.groups[groupID] = grp
		g.log.Info("group restored from client sync", "groupId", groupID, "requester", requester)
		return snapshot(grp), nil
	}
	grp.Members = mergeRoster(grp.Members, proposed)
	return snapshot(grp), nil
}

// Count returns the number of known groups.
func (g *Groups) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.groups)
}

// mergeRoster appends entries of add whose identity is not already in
// roster, preserving join order.
func mergeRoster(roster, add []protocol.Member) []protocol.Member {
	for _, m := range add {
		if !containsIdentity(roster, m.Identity) {
			roster = append(roster, m)
		}
	}
	return roster
}

func containsIdentity(roster []protocol.Member, identity string) bool {
	return lo.ContainsBy(roster, func(m protocol.Member) bool {
		return m.Identity == identity
	})
}

func snapshot(grp *Group) Group {
	out := *grp
	out.Members = append([]protocol.Member(nil), grp.Members...)
	return out
}
