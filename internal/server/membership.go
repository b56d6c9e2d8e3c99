// Package server resolves which channels a user's connection belongs to.
package server

import (
	"context"
	"fmt"

	"github.com/Tyrowin/relaychat/internal/channel"
	"github.com/Tyrowin/relaychat/internal/store"
)

// MembershipResolver answers group membership from the social graph. It keeps
// no state of its own; the graph is the source of truth.
type MembershipResolver struct {
	graph store.SocialGraph
}

// NewMembershipResolver wraps graph.
func NewMembershipResolver(graph store.SocialGraph) *MembershipResolver {
	return &MembershipResolver{graph: graph}
}

// GroupsFor returns the ids of the groups userID belongs to.
func (m *MembershipResolver) GroupsFor(ctx context.Context, userID string) ([]string, error) {
	groups, err := m.graph.GroupsOf(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("groups of %s: %w", userID, err)
	}
	return groups, nil
}

// IsMember reports whether userID belongs to groupID.
func (m *MembershipResolver) IsMember(ctx context.Context, userID, groupID string) (bool, error) {
	ok, err := m.graph.IsGroupMember(ctx, userID, groupID)
	if err != nil {
		return false, fmt.Errorf("membership of %s in %s: %w", userID, groupID, err)
	}
	return ok, nil
}

// ChannelsFor returns the personal channel of userID followed by one channel
// per group it belongs to.
func (m *MembershipResolver) ChannelsFor(ctx context.Context, userID string) ([]channel.Name, error) {
	groups, err := m.GroupsFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	chans := make([]channel.Name, 0, len(groups)+1)
	chans = append(chans, channel.User(userID))
	for _, g := range groups {
		chans = append(chans, channel.Group(g))
	}
	return chans, nil
}
