// Package ids implements the per-store change-number and entry-id
// allocator (spec component C1): monotonic change numbers, contiguous eid
// ranges, XID construction and PCL bookkeeping.
package ids

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// CN is a 64-bit strictly monotonic per-store change number. A CN is never
// reused.
type CN uint64

// EID is a 64-bit entry identifier: replid (top 16 bits) : gc (bottom 48
// bits). Replid 1 denotes the local replica.
type EID uint64

const localReplid = 1

// MakeEID packs a replica id and global counter into an EID.
func MakeEID(replid uint16, gc uint64) EID {
	return EID(uint64(replid)<<48 | (gc & 0x0000ffffffffffff))
}

// Replid returns the replica-id component of an eid.
func (e EID) Replid() uint16 { return uint16(e >> 48) }

// GC returns the global-counter component of an eid.
func (e EID) GC() uint64 { return uint64(e) & 0x0000ffffffffffff }

// XID is a change identifier: a namespace GUID plus a change number,
// serialised as 22 bytes (16-byte GUID + 6-byte big-endian gc).
type XID struct {
	NS uuid.UUID
	CN CN
}

// Serialize encodes the XID per spec §3: GUID bytes followed by the
// low 48 bits of CN, big-endian.
func (x XID) Serialize() [22]byte {
	var out [22]byte
	copy(out[:16], x.NS[:])
	var cnBytes [8]byte
	binary.BigEndian.PutUint64(cnBytes[:], uint64(x.CN))
	copy(out[16:22], cnBytes[2:8])
	return out
}

// ParseXID decodes a 22-byte serialised XID.
func ParseXID(b []byte) (XID, error) {
	if len(b) != 22 {
		return XID{}, fmt.Errorf("ids: XID must be 22 bytes, got %d", len(b))
	}
	var ns uuid.UUID
	copy(ns[:], b[:16])
	var cnBytes [8]byte
	copy(cnBytes[2:8], b[16:22])
	return XID{NS: ns, CN: CN(binary.BigEndian.Uint64(cnBytes[:]))}, nil
}

// PCL is the Predecessor Change List: the highest CN observed per
// namespace GUID.
type PCL map[uuid.UUID]XID

// Append replaces pcl's entry for x.NS iff x.CN is greater than the
// existing one (or absent), per spec §3's one-XID-per-namespace
// invariant. Returns the (possibly unmodified) map for chaining.
func (pcl PCL) Append(x XID) PCL {
	if pcl == nil {
		pcl = PCL{}
	}
	if existing, ok := pcl[x.NS]; !ok || x.CN > existing.CN {
		pcl[x.NS] = x
	}
	return pcl
}

// Serialize emits XIDs sorted by namespace GUID, concatenated.
func (pcl PCL) Serialize() []byte {
	nss := make([]uuid.UUID, 0, len(pcl))
	for ns := range pcl {
		nss = append(nss, ns)
	}
	sort.Slice(nss, func(i, j int) bool {
		return nss[i].String() < nss[j].String()
	})
	out := make([]byte, 0, len(nss)*22)
	for _, ns := range nss {
		b := pcl[ns].Serialize()
		out = append(out, b[:]...)
	}
	return out
}

// ParsePCL decodes a blob produced by PCL.Serialize (a concatenation of
// 22-byte XIDs) back into a PCL map.
func ParsePCL(b []byte) (PCL, error) {
	if len(b)%22 != 0 {
		return nil, fmt.Errorf("ids: PCL blob length %d is not a multiple of 22", len(b))
	}
	pcl := PCL{}
	for i := 0; i < len(b); i += 22 {
		x, err := ParseXID(b[i : i+22])
		if err != nil {
			return nil, err
		}
		pcl = pcl.Append(x)
	}
	return pcl, nil
}

// Compare orders two PCLs per-namespace. It returns "<" if pcl is a strict
// subset of other's lineage (every shared namespace CN in pcl is <=
// other's, and at least one is strictly less, with no contradicting
// namespace), ">" for the converse, "=" if all shared CNs match and the
// namespace sets are equal, and "?" if neither dominates (conflicting
// lineages).
func (pcl PCL) Compare(other PCL) string {
	lessSeen, greaterSeen := false, false
	allNS := map[uuid.UUID]struct{}{}
	for ns := range pcl {
		allNS[ns] = struct{}{}
	}
	for ns := range other {
		allNS[ns] = struct{}{}
	}
	for ns := range allNS {
		a, aok := pcl[ns]
		b, bok := other[ns]
		switch {
		case aok && bok:
			if a.CN < b.CN {
				lessSeen = true
			} else if a.CN > b.CN {
				greaterSeen = true
			}
		case aok && !bok:
			greaterSeen = true
		case !aok && bok:
			lessSeen = true
		}
	}
	switch {
	case lessSeen && greaterSeen:
		return "?"
	case lessSeen:
		return "<"
	case greaterSeen:
		return ">"
	default:
		return "="
	}
}

// StoreNamespace derives a store's XID namespace GUID: deterministic from
// the domain-id (public store, id >= 0) or user-id (private store,
// encoded as the bitwise complement so the two id spaces never collide),
// the way abtree.Base derives its per-base GUID from a base-id (see
// abtree.BaseGUID).
func StoreNamespace(isPublic bool, id int64) uuid.UUID {
	var tag byte
	if isPublic {
		tag = 'D'
	} else {
		tag = 'U'
	}
	return uuid.NewSHA1(storeNamespaceRoot, []byte(fmt.Sprintf("%c:%d", tag, id)))
}

// storeNamespaceRoot is a fixed, arbitrary root UUID used only to derive
// deterministic per-store namespaces via uuid.NewSHA1; it carries no
// meaning on its own.
var storeNamespaceRoot = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// Allocator issues CNs and eid ranges for one store. The zero value is
// not usable; construct with NewAllocator.
//
// CN and eid allocation are crash-safe reservations: Persist is called
// with the counters' new high-water marks before AllocateCN/AllocateEIDRange
// return, mirroring the teacher's imapsql delivery Commit/Abort split —
// here expressed as the Persist callback rather than a SQL transaction,
// so the allocator is storage-agnostic and the concrete backend
// (internal/storage/exmdb) supplies the durable write.
type Allocator struct {
	mu   sync.Mutex
	cn   CN
	ns   uuid.UUID
	eid  map[int64]eidRange // per folder
	rng  EID                // allocated-eid-range size
	seen map[int64]bool

	// Persist is invoked with the allocator's new high-water CN (and,
	// for eid allocation, the new range ceiling) before the call
	// returns success. A non-nil error aborts the allocation with
	// RpcFailed via the caller's gwerrors wrapping.
	Persist func(cn CN) error
}

type eidRange struct {
	cur, max EID
}

// ALLOCATED_EID_RANGE is the fixed per-folder eid range size (spec §4.1).
const ALLOCATED_EID_RANGE EID = 0x8000

// NewAllocator creates an Allocator for a store whose XID namespace is ns,
// starting from the given high-water CN (0 for a fresh store).
func NewAllocator(ns uuid.UUID, startCN CN) *Allocator {
	return &Allocator{
		ns:  ns,
		cn:  startCN,
		eid: map[int64]eidRange{},
		rng: ALLOCATED_EID_RANGE,
	}
}

// AllocateCN issues the next monotonic CN for the store.
func (a *Allocator) AllocateCN() (CN, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.cn + 1
	if a.Persist != nil {
		if err := a.Persist(next); err != nil {
			return 0, err
		}
	}
	a.cn = next
	return a.cn, nil
}

// AllocateEIDRange reserves or extends the [cur, max] range for folder,
// returning the next free eid in that range and advancing cur past it.
// When the range is exhausted a fresh ALLOCATED_EID_RANGE-sized block is
// reserved, per spec §4.1.
func (a *Allocator) AllocateEIDRange(folder int64) (EID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.eid[folder]
	if !ok || r.cur >= r.max {
		base, err := a.reserveRangeLocked()
		if err != nil {
			return 0, err
		}
		r = eidRange{cur: base, max: base + a.rng}
	}
	out := r.cur
	r.cur++
	a.eid[folder] = r
	return out, nil
}

func (a *Allocator) reserveRangeLocked() (EID, error) {
	// The range base is drawn from the same monotonic counter as CNs
	// so ranges never overlap across folders, mirroring how the
	// teacher's imapsql backend draws UIDVALIDITY values from a single
	// sequence.
	next := a.cn + 1
	if a.Persist != nil {
		if err := a.Persist(next); err != nil {
			return 0, err
		}
	}
	a.cn = next
	return MakeEID(localReplid, uint64(next)*uint64(a.rng)), nil
}

// AllocateMessageID allocates a fresh eid for a new message in folder.
func (a *Allocator) AllocateMessageID(folder int64) (EID, error) {
	return a.AllocateEIDRange(folder)
}

// MakeXID builds the XID for a CN just allocated from this store.
func (a *Allocator) MakeXID(cn CN) XID {
	return XID{NS: a.ns, CN: cn}
}
