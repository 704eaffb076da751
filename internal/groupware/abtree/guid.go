package abtree

import (
	"crypto/md5" //nolint:gosec // required bit-for-bit by node_to_guid's derivation, not a security boundary
	"encoding/binary"
	"strings"

	"github.com/google/uuid"
)

// typeLetter returns the single-letter tag node_to_guid's path join uses
// for a node kind, e.g. "d/12/g/4/u/88".
func typeLetter(k Kind) byte {
	switch k {
	case KindDomain:
		return 'd'
	case KindGroup:
		return 'g'
	case KindClass:
		return 'c'
	case KindPerson:
		return 'u'
	case KindRoom:
		return 'r'
	case KindEquipment:
		return 'e'
	case KindMlist:
		return 'l'
	case KindRemote:
		return 'x'
	default:
		return '?'
	}
}

func nodeID(n *Node) int64 {
	switch n.Kind {
	case KindDomain:
		return n.Domain.DomainID
	case KindGroup, KindClass:
		return n.Group.GroupID
	case KindPerson, KindRoom, KindEquipment:
		return n.Person.UID
	case KindMlist:
		return n.Mlist.ListID
	default:
		return 0
	}
}

// pathFromRoot returns the (type-letter, id) tuples from the base's
// domain root down to n, inclusive, using the arena's Parent indices.
func pathFromRoot(arena []*Node, n *Node) []*Node {
	var path []*Node
	cur := n
	for {
		path = append([]*Node{cur}, path...)
		if cur.Parent < 0 || cur.Parent >= len(arena) {
			break
		}
		cur = arena[cur.Parent]
	}
	return path
}

// NodeToGUID derives a stable GUID for n: deterministic from node type,
// node id, and an MD5 digest of the slash-joined root path, per spec
// §4.4's node_to_guid contract:
//
//	time_low              = (node_type:8 | id:24)
//	time_mid / time_hi    = second id component (here: the same id,
//	                        since this module's node ids are 64-bit
//	                        but the field is 16+16 bits wide — the low
//	                        32 bits of id beyond time_low's 24 are used)
//	node[] / clock_seq[]  = first 8 bytes of MD5(path)
//
// arena is the owning base's flat node list (for Parent resolution).
func NodeToGUID(arena []*Node, n *Node) uuid.UUID {
	path := pathFromRoot(arena, n)
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = string(typeLetter(p.Kind)) + "/" + itoa(nodeID(p))
	}
	digest := md5.Sum([]byte(strings.Join(parts, "/")))

	id := nodeID(n)
	var g uuid.UUID
	timeLow := uint32(n.Kind)<<24 | uint32(id)&0x00ffffff
	binary.BigEndian.PutUint32(g[0:4], timeLow)
	binary.BigEndian.PutUint16(g[4:6], uint16(id>>24))
	binary.BigEndian.PutUint16(g[6:8], uint16(id>>40))
	copy(g[8:16], digest[:8])
	return g
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// BaseGUID derives a base's per-base random-looking GUID whose last 4
// bytes encode baseID, per spec §3 ("a per-base random GUID whose last 4
// bytes encode the base-id").
func BaseGUID(seed uuid.UUID, baseID int64) uuid.UUID {
	g := uuid.NewSHA1(seed, []byte(itoa(baseID)))
	binary.BigEndian.PutUint32(g[12:16], uint32(baseID))
	return g
}
