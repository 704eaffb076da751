// Package npmap implements the named-property mapper (spec component C2):
// (namespace-GUID, id-or-string) <-> store-local 16-bit property ids, plus
// cross-store remapping of a whole message tree.
package npmap

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/foxcpp/maddy-groupware/internal/groupware/gwerrors"
	"github.com/foxcpp/maddy-groupware/internal/groupware/propval"
)

// Name identifies a named property portably: a namespace GUID plus
// either a numeric LID or a string name (exactly one is meaningful,
// selected by HasString).
type Name struct {
	GUID      uuid.UUID
	LID       uint32
	Str       string
	HasString bool
}

func (n Name) key() string {
	if n.HasString {
		return n.GUID.String() + ":" + n.Str
	}
	return fmt.Sprintf("%s:#%d", n.GUID, n.LID)
}

// NotFoundID is the sentinel id returned for get_propids(..., create=false)
// on an unknown name (spec §4.2).
const NotFoundID uint16 = 0

// Store is one store's named-property table: a bidirectional mapping
// between Name and a store-local id >= propval.NamedPropStart. It is the
// unit npmap.Mapper operates one-per-store.
type Store struct {
	byName map[string]uint16
	byID   map[uint16]Name
	next   uint16
}

// NewStore returns an empty named-property table for one store.
func NewStore() *Store {
	return &Store{
		byName: map[string]uint16{},
		byID:   map[uint16]Name{},
		next:   propval.NamedPropStart,
	}
}

// Mapper resolves named properties across a set of per-store Stores,
// keyed by an opaque store identifier (a directory path, in the concrete
// internal/storage/exmdb backend).
type Mapper struct {
	stores map[string]*Store
}

// NewMapper returns a Mapper with no stores registered.
func NewMapper() *Mapper {
	return &Mapper{stores: map[string]*Store{}}
}

// Store returns (creating if necessary) the named-property table for the
// given store id.
func (m *Mapper) Store(storeID string) *Store {
	s, ok := m.stores[storeID]
	if !ok {
		s = NewStore()
		m.stores[storeID] = s
	}
	return s
}

// GetPropIDs resolves each name in names against store storeID. When
// create is true, an unknown name is allocated a fresh id; when false,
// an unknown name resolves to NotFoundID.
func (m *Mapper) GetPropIDs(storeID string, names []Name, create bool) []uint16 {
	s := m.Store(storeID)
	out := make([]uint16, len(names))
	for i, n := range names {
		out[i] = s.resolve(n, create)
	}
	return out
}

func (s *Store) resolve(n Name, create bool) uint16 {
	k := n.key()
	if id, ok := s.byName[k]; ok {
		return id
	}
	if !create {
		return NotFoundID
	}
	id := s.next
	s.next++
	s.byName[k] = id
	s.byID[id] = n
	return id
}

// GetPropNames resolves each id in ids (which must be >= NamedPropStart)
// back to its portable Name within storeID.
func (m *Mapper) GetPropNames(storeID string, ids []uint16) ([]Name, error) {
	s := m.Store(storeID)
	out := make([]Name, len(ids))
	for i, id := range ids {
		n, ok := s.byID[id]
		if !ok {
			return nil, gwerrors.New(gwerrors.NotFound, "npmap.GetPropNames", fmt.Errorf("id %#x not registered in store %q", id, storeID))
		}
		out[i] = n
	}
	return out, nil
}

// ReplaceNPIDs walks msg's bags (top-level, every recipient, every
// attachment, every embedded message recursively — propval.Message.
// WalkBags gives exactly this order) and rewrites every tag with
// id >= propval.NamedPropStart in place: the tag's name is resolved in
// src, then re-resolved (with creation) in dst, and the bag's entry is
// moved to the new tag id. Ordering within a bag is preserved. If any
// id fails to resolve in src, the entire operation is aborted and msg is
// left unmodified (spec §4.2: "no partial rewrite is observable").
func (m *Mapper) ReplaceNPIDs(msg *propval.Message, src, dst string) error {
	srcStore := m.Store(src)

	// First pass: collect every named tag across every bag and resolve
	// its name in src. Abort before mutating anything if any id is
	// unmapped.
	type rewrite struct {
		bag    *propval.Bag
		oldTag propval.Tag
		name   Name
	}
	var rewrites []rewrite
	var walkErr error
	msg.WalkBags(func(bag *propval.Bag) {
		if walkErr != nil {
			return
		}
		for _, tag := range bag.Tags() {
			if !tag.IsNamed() {
				continue
			}
			name, ok := srcStore.byID[tag.ID]
			if !ok {
				walkErr = gwerrors.New(gwerrors.NotFound, "npmap.ReplaceNPIDs",
					fmt.Errorf("tag %#x not registered in source store %q", tag.ID, src))
				return
			}
			rewrites = append(rewrites, rewrite{bag: bag, oldTag: tag, name: name})
		}
	})
	if walkErr != nil {
		return walkErr
	}

	// Second pass: resolve each name in dst (creating on first sight)
	// and apply the rewrite. Every name resolves successfully since
	// create=true never fails, so the whole batch is now infallible —
	// satisfying the "abort before any mutation" contract above.
	dstStore := m.Store(dst)
	for _, r := range rewrites {
		newID := dstStore.resolve(r.name, true)
		newTag := propval.Tag{Type: r.oldTag.Type, ID: newID}
		r.bag.ReplaceTag(r.oldTag, newTag)
	}
	return nil
}
