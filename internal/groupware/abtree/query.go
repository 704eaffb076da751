package abtree

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/foxcpp/maddy-groupware/internal/groupware/propval"
)

// MinIDToNode looks up a node by its minid within the base.
func (b *Base) MinIDToNode(m MinID) (*Node, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.minIndex[m]
	return n, ok
}

// UIDToNode looks up a person/room/equipment/group/mlist node by its
// directory-assigned numeric id.
func (b *Base) UIDToNode(uid int64) (*Node, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.uidIndex[uid]
	return n, ok
}

// NodeToDN returns a distinguished name for n: the slash-joined
// (type-letter,id) path from the domain root, the same path node_to_guid
// hashes (spec §4.4).
func NodeToDN(b *Base, n *Node) string {
	var dn string
	for _, p := range pathFromRoot(b.arena, n) {
		dn += fmt.Sprintf("/%c%d", typeLetter(p.Kind), nodeID(p))
	}
	return dn
}

// DNToNode resolves a distinguished name to its node within the base.
func (b *Base) DNToNode(dn string) (*Node, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.dnIndex[dn]
	return n, ok
}

// NodeToGUID derives n's stable GUID using this base's arena for path
// resolution (wraps the package-level NodeToGUID).
func (b *Base) NodeToGUID(n *Node) uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return NodeToGUID(b.arena, n)
}

// DisplayName returns n's display name.
func (b *Base) DisplayName(n *Node) string { return n.DisplayName() }

// MlistInfo returns the mailing-list payload of an mlist node.
func (b *Base) MlistInfo(n *Node) (*MlistInfo, bool) {
	if n.Kind != KindMlist {
		return nil, false
	}
	return n.Mlist, true
}

// CompanyInfo returns the owning domain node for any node in the base —
// "company" in the source's terminology is the domain a user/group/class
// belongs to.
func (b *Base) CompanyInfo(n *Node) (*DomainInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := n
	for {
		if cur.Kind == KindDomain {
			return cur.Domain, true
		}
		if cur.Parent < 0 || cur.Parent >= len(b.arena) {
			return nil, false
		}
		cur = b.arena[cur.Parent]
	}
}

// DepartmentName returns the display name of the nearest enclosing group
// or class, i.e. a user's "department".
func (b *Base) DepartmentName(n *Node) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := n
	for cur.Parent >= 0 && cur.Parent < len(b.arena) {
		cur = b.arena[cur.Parent]
		if cur.Kind == KindGroup || cur.Kind == KindClass {
			return cur.Group.DisplayName, true
		}
	}
	return "", false
}

// FetchProp returns a property value for n, for the small set of
// properties the rule engine and booking actually query (display name,
// display type); codepage is accepted for interface parity with the
// source's fetchprop but only affects string encoding, which this module
// represents uniformly as Go strings (UTF-8).
func (b *Base) FetchProp(_ uint32, tag propval.Tag, n *Node) (propval.Value, bool) {
	switch tag {
	case propval.Tag{Type: propval.TUnicode, ID: 0x3001}: // PR_DISPLAY_NAME
		return propval.Value{Type: propval.TUnicode, Str: n.DisplayName()}, true
	case propval.PR_DISPLAY_TYPE:
		return propval.Value{Type: propval.TI32, I32: n.DisplayType()}, true
	default:
		return propval.Value{}, false
	}
}

// ResolveDN resolves a minid that may reference a domain not covered by
// the current base. If node is local, it is returned directly. If the
// minid names a domain the base does not cover, a KindRemote stub is
// inserted into the base's remote-list (a shallow copy of the real
// node's type-specific info) and returned instead; remote stubs are
// never GAL members (spec §4.4).
func (b *Base) ResolveDN(m MinID, home *Base, realMinID MinID) *Node {
	if n, ok := b.MinIDToNode(m); ok {
		return n
	}
	if home == nil {
		return nil
	}
	real, ok := home.MinIDToNode(realMinID)
	if !ok {
		return nil
	}

	var info interface{}
	switch real.Kind {
	case KindPerson, KindRoom, KindEquipment:
		cp := *real.Person
		info = &cp
	case KindMlist:
		cp := *real.Mlist
		info = &cp
	}

	stub := &Node{
		MinID: m,
		Kind:  KindRemote,
		Remote: &RemoteInfo{
			HomeBaseID: home.ID,
			RealMinID:  realMinID,
			Info:       info,
		},
	}

	b.remoteMu.Lock()
	b.remotes = append(b.remotes, stub)
	b.remoteMu.Unlock()

	return stub
}

// Remotes returns the base's current remote-stub list.
func (b *Base) Remotes() []*Node {
	b.remoteMu.Lock()
	defer b.remoteMu.Unlock()
	out := make([]*Node, len(b.remotes))
	copy(out, b.remotes)
	return out
}
