// Package acl implements the connection-boundary authorization checks
// described for the broker: blacklist bans (by client id, username, ip,
// and their regex/CIDR forms) and publish/subscribe ACL rules. A bloom
// filter gives an O(1) negative answer for the common case of an
// unbanned exact-match value before falling back to the exact CIDR and
// regex passes.
package acl

import (
	"net/netip"
	"regexp"
	"sync"

	"strings"

	"github.com/willf/bloom"
)

// BlacklistKind selects how a BlacklistEntry's Resource is interpreted.
type BlacklistKind string

const (
	BlacklistClientID      BlacklistKind = "client_id"
	BlacklistUsername      BlacklistKind = "username"
	BlacklistIP            BlacklistKind = "ip"
	BlacklistClientIDMatch BlacklistKind = "client_id_match" // regex
	BlacklistUsernameMatch BlacklistKind = "username_match"  // regex
	BlacklistIPCIDR        BlacklistKind = "ip_cidr"
)

// BlacklistEntry bans connections matching Kind/Resource until EndTime
// (zero EndTime means no expiry).
type BlacklistEntry struct {
	Kind     BlacklistKind
	Resource string
	EndTime  int64 // unix seconds, 0 = never expires
}

// Action is the operation an ACLEntry grants or denies.
type Action string

const (
	ActionPublish   Action = "publish"
	ActionSubscribe Action = "subscribe"
)

// ACLEntry grants or denies Action on topic filter Resource for a
// username (empty Username matches any authenticated user).
type ACLEntry struct {
	Username string
	Resource string
	Action   Action
	Allow    bool
}

// patternEntry is a parsed ip_cidr or regex blacklist entry kept outside
// the bloom/exact-match fast path, since both require a real match
// rather than a set membership test.
type patternEntry struct {
	kind    BlacklistKind
	prefix  netip.Prefix
	regex   *regexp.Regexp
	endTime int64
}

// Blacklist answers ban checks for connect-time authorization.
type Blacklist struct {
	mu       sync.RWMutex
	filter   *bloom.BloomFilter
	exact    map[string]int64 // "kind:value" -> end_time (0 = never)
	patterns []patternEntry
}

// NewBlacklist creates an empty Blacklist sized for an expected entry
// count (used to size the bloom filter; 0 picks a small default).
func NewBlacklist(expectedEntries uint) *Blacklist {
	if expectedEntries == 0 {
		expectedEntries = 1024
	}
	return &Blacklist{
		filter: bloom.NewWithEstimates(expectedEntries, 0.01),
		exact:  make(map[string]int64),
	}
}

// Add installs one blacklist entry, compiling its pattern up front for
// the CIDR/regex kinds so a hot-path ban check never pays parse cost.
func (b *Blacklist) Add(e BlacklistEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch e.Kind {
	case BlacklistClientID, BlacklistUsername, BlacklistIP:
		key := exactKey(e.Kind, e.Resource)
		b.filter.AddString(key)
		b.exact[key] = e.EndTime
	case BlacklistIPCIDR:
		prefix, err := parseCIDROrIP(e.Resource)
		if err != nil {
			return err
		}
		b.patterns = append(b.patterns, patternEntry{kind: e.Kind, prefix: prefix, endTime: e.EndTime})
	case BlacklistClientIDMatch, BlacklistUsernameMatch:
		re, err := regexp.Compile(e.Resource)
		if err != nil {
			return err
		}
		b.patterns = append(b.patterns, patternEntry{kind: e.Kind, regex: re, endTime: e.EndTime})
	}
	return nil
}

func parseCIDROrIP(s string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func exactKey(kind BlacklistKind, value string) string {
	return string(kind) + ":" + value
}

// Banned reports whether clientID, username, or ip matches any
// unexpired blacklist entry at time now (unix seconds).
func (b *Blacklist) Banned(clientID, username, ip string, now int64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.exactBanned(BlacklistClientID, clientID, now) ||
		b.exactBanned(BlacklistUsername, username, now) ||
		b.exactBanned(BlacklistIP, ip, now) {
		return true
	}

	addr, addrErr := netip.ParseAddr(ip)
	for _, p := range b.patterns {
		if p.endTime != 0 && p.endTime < now {
			continue
		}
		switch p.kind {
		case BlacklistIPCIDR:
			if addrErr == nil && p.prefix.Contains(addr) {
				return true
			}
		case BlacklistClientIDMatch:
			if clientID != "" && p.regex.MatchString(clientID) {
				return true
			}
		case BlacklistUsernameMatch:
			if username != "" && p.regex.MatchString(username) {
				return true
			}
		}
	}
	return false
}

// exactBanned checks the bloom pre-filter first: a "definitely absent"
// answer skips the map lookup entirely.
func (b *Blacklist) exactBanned(kind BlacklistKind, value string, now int64) bool {
	if value == "" {
		return false
	}
	key := exactKey(kind, value)
	if !b.filter.TestString(key) {
		return false
	}
	endTime, ok := b.exact[key]
	if !ok {
		return false
	}
	return endTime == 0 || endTime >= now
}

// Checker evaluates publish/subscribe ACL rules. Rules are evaluated in
// insertion order and the first matching rule decides the outcome;
// with no matching rule, the operation is allowed (an empty rule set
// behaves like the codec's AllowAll authenticator).
type Checker struct {
	mu    sync.RWMutex
	rules []ACLEntry
}

// NewChecker creates an empty Checker.
func NewChecker() *Checker {
	return &Checker{}
}

// SetRules replaces the full rule set, as happens on a full ACL
// notification resync.
func (c *Checker) SetRules(rules []ACLEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = rules
}

// AddRule appends one rule, as happens on an incremental ACL
// notification.
func (c *Checker) AddRule(e ACLEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, e)
}

// Allow reports whether username may perform action on topic.
func (c *Checker) Allow(username, topic string, action Action) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.rules {
		if r.Action != action {
			continue
		}
		if r.Username != "" && r.Username != username {
			continue
		}
		if !filterMatches(r.Resource, topic) {
			continue
		}
		return r.Allow
	}
	return true
}

// filterMatches reports whether an ACL rule's topic filter matches
// topic, supporting the `+`/`#` wildcards the same way a subscription
// filter does.
func filterMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fParts := strings.Split(filter, "/")
	tParts := strings.Split(topic, "/")
	i := 0
	for ; i < len(fParts); i++ {
		if fParts[i] == "#" {
			return true
		}
		if i >= len(tParts) {
			return false
		}
		if fParts[i] != "+" && fParts[i] != tParts[i] {
			return false
		}
	}
	return i == len(tParts)
}
