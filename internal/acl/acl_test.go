package acl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlacklistExactIP(t *testing.T) {
	bl := NewBlacklist(0)
	require.NoError(t, bl.Add(BlacklistEntry{Kind: BlacklistIP, Resource: "127.0.0.1", EndTime: 0}))
	require.True(t, bl.Banned("", "", "127.0.0.1", 1000))
	require.False(t, bl.Banned("", "", "127.0.0.2", 1000))
}

func TestBlacklistCIDR(t *testing.T) {
	bl := NewBlacklist(0)
	require.NoError(t, bl.Add(BlacklistEntry{Kind: BlacklistIPCIDR, Resource: "127.0.0.0/24", EndTime: 1100}))
	require.True(t, bl.Banned("", "", "127.0.0.55", 1000))
	require.False(t, bl.Banned("", "", "10.0.0.1", 1000))
	// expired
	require.False(t, bl.Banned("", "", "127.0.0.55", 2000))
}

func TestBlacklistRegex(t *testing.T) {
	bl := NewBlacklist(0)
	require.NoError(t, bl.Add(BlacklistEntry{Kind: BlacklistClientIDMatch, Resource: "^bot-.*$"}))
	require.True(t, bl.Banned("bot-123", "", "", 0))
	require.False(t, bl.Banned("human-1", "", "", 0))
}

func TestCheckerDefaultAllow(t *testing.T) {
	c := NewChecker()
	require.True(t, c.Allow("alice", "t/1", ActionPublish))
}

func TestCheckerDenyWildcard(t *testing.T) {
	c := NewChecker()
	c.AddRule(ACLEntry{Username: "alice", Resource: "secret/#", Action: ActionPublish, Allow: false})
	require.False(t, c.Allow("alice", "secret/x", ActionPublish))
	require.True(t, c.Allow("alice", "public/x", ActionPublish))
	require.True(t, c.Allow("bob", "secret/x", ActionPublish))
}

func TestFilterMatchesPlus(t *testing.T) {
	require.True(t, filterMatches("a/+/c", "a/b/c"))
	require.False(t, filterMatches("a/+/c", "a/b/c/d"))
	require.True(t, filterMatches("a/#", "a/b/c"))
}
