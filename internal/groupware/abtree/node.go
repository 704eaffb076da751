// Package abtree implements the address-book tree (spec component C4): an
// in-memory forest of domains -> groups -> classes -> users/mlists/
// rooms/equipment, refreshed on a TTL, that the rule engine and NSPI query
// for recipient metadata.
package abtree

import "github.com/google/uuid"

// Kind tags an address-book node by role, per spec §3.
type Kind uint8

const (
	KindDomain Kind = iota
	KindGroup
	KindClass
	KindPerson
	KindRoom
	KindEquipment
	KindMlist
	KindRemote
)

// MinID packs (type:3, value:29) into a 32-bit address-book identifier,
// per spec §3. Reserved minids <= reservedMinidMax are remapped to a
// distinct "special" type so they never collide with a real node.
type MinID uint32

const reservedMinidMax = 0x10

// MakeMinID packs a kind and value into a MinID, remapping reserved low
// values into KindRemote's tag space the way the source reserves minids
// <= 0x10 for special meaning rather than real nodes.
func MakeMinID(kind Kind, value uint32) MinID {
	if value <= reservedMinidMax {
		return MinID(uint32(KindRemote)<<29 | (value & 0x1fffffff))
	}
	return MinID(uint32(kind)<<29 | (value & 0x1fffffff))
}

// Kind returns the node kind encoded in a minid.
func (m MinID) Kind() Kind { return Kind(uint32(m) >> 29) }

// Value returns the 29-bit value encoded in a minid.
func (m MinID) Value() uint32 { return uint32(m) & 0x1fffffff }

// DisplayTypeRoom / DisplayTypeEquipment are the PR_DISPLAY_TYPE values
// C7 (booking) checks a recipient against (spec §4.7).
const (
	DisplayTypeUser      = 0
	DisplayTypeDistList  = 1
	DisplayTypeRoom      = 7
	DisplayTypeEquipment = 8
)

// PersonInfo is the type-specific payload of a KindPerson node.
type PersonInfo struct {
	UID         int64
	Username    string
	DisplayName string
	Room        bool
	Equipment   bool
	Aliases     []string
}

// MlistInfo is the type-specific payload of a KindMlist node.
type MlistInfo struct {
	ListID      int64
	DisplayName string
	Members     []int64 // person UIDs
}

// GroupInfo is the type-specific payload of a KindGroup / KindClass node.
type GroupInfo struct {
	GroupID     int64
	DisplayName string
}

// DomainInfo is the type-specific payload of a KindDomain node.
type DomainInfo struct {
	DomainID int64
	OrgID    int64
	Name     string
}

// RemoteInfo is the type-specific payload of a KindRemote stub: a shallow
// copy of the real node's type-specific info plus the base it actually
// lives in (spec §4.4 "remote stubs").
type RemoteInfo struct {
	HomeBaseID int64
	RealMinID  MinID
	Info       interface{} // shallow copy of the referenced node's payload
}

// Node is one address-book tree entry. Children are held as an owning,
// ordered slice (not raw parent pointers) per the redesign note in spec
// §9; Parent is an index into the owning Base's flat arena, -1 at the
// root.
type Node struct {
	MinID  MinID
	Kind   Kind
	Parent int // index into Base.arena, -1 for the root domain/group level

	Person *PersonInfo
	Mlist  *MlistInfo
	Group  *GroupInfo
	Domain *DomainInfo
	Remote *RemoteInfo

	Children []*Node

	// pdata marks this node as an alias for a node cached elsewhere —
	// set when the same underlying directory entry is reachable from
	// two positions in the forest (e.g. a user who is also a domain-
	// level user and a group member); the alias is never the owner and
	// must not be double-freed (spec §3 invariant).
	pdata *Node
}

// DisplayName returns the node's display name across all node kinds that
// carry one; domains, classes and remote stubs report their best
// available label.
func (n *Node) DisplayName() string {
	switch n.Kind {
	case KindPerson:
		return n.Person.DisplayName
	case KindMlist:
		return n.Mlist.DisplayName
	case KindGroup, KindClass:
		return n.Group.DisplayName
	case KindDomain:
		return n.Domain.Name
	case KindRemote:
		if pi, ok := n.Remote.Info.(*PersonInfo); ok {
			return pi.DisplayName
		}
		if mi, ok := n.Remote.Info.(*MlistInfo); ok {
			return mi.DisplayName
		}
		return ""
	default:
		return ""
	}
}

// IsResource reports whether the node is a room or equipment mailbox —
// the classification C7 (booking) and C6 (rule actions referencing
// recipients) dispatch on.
func (n *Node) IsResource() bool {
	return n.Kind == KindRoom || n.Kind == KindEquipment
}

// DisplayType maps a node to the PR_DISPLAY_TYPE value rule conditions
// and booking compare against.
func (n *Node) DisplayType() int32 {
	switch n.Kind {
	case KindRoom:
		return DisplayTypeRoom
	case KindEquipment:
		return DisplayTypeEquipment
	case KindMlist:
		return DisplayTypeDistList
	default:
		return DisplayTypeUser
	}
}

// baseGUIDNamespace is a fixed root used only to derive a base's
// deterministic per-process GUID via uuid.NewSHA1; it carries no meaning
// beyond that.
var baseGUIDNamespace = uuid.MustParse("1b671a64-40d5-491e-99b0-da01ff1f3341")
