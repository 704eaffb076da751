// Package exmdbtest provides an in-memory fake of groupware/store.Backend
// for unit tests, the same role internal/testutils.Target plays for
// module.DeliveryTarget: a recording, deterministic stand-in for the real
// SQLite-backed internal/storage/exmdb store.
package exmdbtest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foxcpp/maddy-groupware/internal/groupware/ids"
	"github.com/foxcpp/maddy-groupware/internal/groupware/npmap"
	"github.com/foxcpp/maddy-groupware/internal/groupware/propval"
	"github.com/foxcpp/maddy-groupware/internal/groupware/ruleproc"
	"github.com/foxcpp/maddy-groupware/internal/groupware/store"
)

type folderKey struct {
	dir    string
	folder ids.EID
}

// Backend is an in-memory store.Backend. Construct with New. Safe for
// concurrent use by multiple deliveries, matching the real store's
// contract (spec §5).
type Backend struct {
	mu sync.Mutex

	alloc *ids.Allocator
	np    *npmap.Mapper

	messages map[folderKey]map[ids.EID]*propval.Message
	rules    map[folderKey][]store.RuleRow
	extRules map[folderKey][]store.ExtRuleRow

	storeProps map[string]*propval.Bag
	folderPerm map[folderKey]store.Permission

	oof      map[string]store.OOFState
	contacts map[string]map[string]bool
	entryIDs map[string]store.EntryID
	notified []folderKey
	overlap  map[string]int
}

// New returns an empty Backend.
func New() *Backend {
	b := &Backend{
		messages:   map[folderKey]map[ids.EID]*propval.Message{},
		rules:      map[folderKey][]store.RuleRow{},
		extRules:   map[folderKey][]store.ExtRuleRow{},
		storeProps: map[string]*propval.Bag{},
		folderPerm: map[folderKey]store.Permission{},
		oof:        map[string]store.OOFState{},
		contacts:   map[string]map[string]bool{},
		entryIDs:   map[string]store.EntryID{},
		overlap:    map[string]int{},
		np:         npmap.NewMapper(),
	}
	b.alloc = ids.NewAllocator(uuid.New(), 0)
	return b
}

// --- test setup helpers, not part of store.Backend ---

// PutMessage seeds a message at (dir, folder, msg).
func (b *Backend) PutMessage(dir string, folder, msg ids.EID, m *propval.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := folderKey{dir, folder}
	if b.messages[k] == nil {
		b.messages[k] = map[ids.EID]*propval.Message{}
	}
	b.messages[k][msg] = m
}

// PutRules seeds the standard rule table for (dir, folder).
func (b *Backend) PutRules(dir string, folder ids.EID, rows []store.RuleRow) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rules[folderKey{dir, folder}] = rows
}

// PutExtendedRules seeds the extended rule rows for (dir, folder).
func (b *Backend) PutExtendedRules(dir string, folder ids.EID, rows []store.ExtRuleRow) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.extRules[folderKey{dir, folder}] = rows
}

// SetOOF marks dir as currently out-of-office (or not), with no window
// configured.
func (b *Backend) SetOOF(dir string, oof bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.oof[dir] = store.OOFState{Active: oof}
}

// SetOOFWindow marks dir as out-of-office, scoped to [start, end).
func (b *Backend) SetOOFWindow(dir string, start, end time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.oof[dir] = store.OOFState{Active: true, HasWindow: true, Start: start, End: end}
}

// AddContact seeds dir's contacts with addr, for the EXTERNAL_AUDIENCE
// OOF-reply guard.
func (b *Backend) AddContact(dir, addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.contacts[dir] == nil {
		b.contacts[dir] = map[string]bool{}
	}
	b.contacts[dir][strings.ToLower(addr)] = true
}

// SetFolderPerm seeds the permission bits GetFolderPerm will report.
func (b *Backend) SetFolderPerm(dir string, folder ids.EID, perm store.Permission) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.folderPerm[folderKey{dir, folder}] = perm
}

// SetEntryID registers the EntryID ResolveEntryID returns for a given
// opaque blob.
func (b *Backend) SetEntryID(blob string, entry store.EntryID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entryIDs[blob] = entry
}

// SetOverlap seeds the overlap count ApptMeetreqOverlap returns for dir.
func (b *Backend) SetOverlap(dir string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.overlap[dir] = n
}

// Notified returns the (dir, folder) pairs NotifyNewMail was called with,
// in call order.
func (b *Backend) Notified() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.notified))
	for i, k := range b.notified {
		out[i] = fmt.Sprintf("%s:%d", k.dir, k.folder)
	}
	return out
}

// Message returns the message currently at (dir, folder, msg), if any.
func (b *Backend) Message(dir string, folder, msg ids.EID) (*propval.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := folderKey{dir, folder}
	m, ok := b.messages[k][msg]
	return m, ok
}

// --- store.Backend ---

func (b *Backend) GetStoreProperties(_ context.Context, dir string, tags []propval.Tag) (*propval.Bag, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	src, ok := b.storeProps[dir]
	if !ok {
		return propval.NewBag(), nil
	}
	out := propval.NewBag()
	for _, t := range tags {
		if v, ok := src.Get(t); ok {
			out.Set(t, v)
		}
	}
	return out, nil
}

func (b *Backend) GetFolderPerm(_ context.Context, dir string, folder ids.EID, _ string) (store.Permission, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.folderPerm[folderKey{dir, folder}], nil
}

// LoadRuleTable returns every standard rule row attached to (dir, folder),
// unfiltered: ruleproc.FilterStandard is the single source of truth for
// ENABLED/ONLY_WHEN_OOF eligibility, so this fake (like the concrete
// exmdb backend) does not narrow the result itself.
func (b *Backend) LoadRuleTable(_ context.Context, dir string, folder ids.EID) ([]store.RuleRow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows := b.rules[folderKey{dir, folder}]
	return append([]store.RuleRow(nil), rows...), nil
}

func (b *Backend) LoadExtendedRules(_ context.Context, dir string, folder ids.EID) ([]store.ExtRuleRow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]store.ExtRuleRow(nil), b.extRules[folderKey{dir, folder}]...), nil
}

func (b *Backend) GetMessageProperties(_ context.Context, dir string, msg ids.EID, tags []propval.Tag) (*propval.Bag, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, msgs := range b.messages {
		if k.dir != dir {
			continue
		}
		m, ok := msgs[msg]
		if !ok {
			continue
		}
		out := propval.NewBag()
		for _, t := range tags {
			if v, ok := m.Bag.Get(t); ok {
				out.Set(t, v)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("exmdbtest: message %d not found in %s", msg, dir)
}

func (b *Backend) ReadMessage(_ context.Context, dir string, msg ids.EID) (*propval.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, msgs := range b.messages {
		if k.dir != dir {
			continue
		}
		if m, ok := msgs[msg]; ok {
			return m.Clone(), nil
		}
	}
	return nil, fmt.Errorf("exmdbtest: message %d not found in %s", msg, dir)
}

func (b *Backend) WriteMessage(_ context.Context, dir string, folder ids.EID, msg *propval.Message) (ids.EID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, err := b.alloc.AllocateEIDRange(int64(folder))
	if err != nil {
		return 0, err
	}
	k := folderKey{dir, folder}
	if b.messages[k] == nil {
		b.messages[k] = map[ids.EID]*propval.Message{}
	}
	b.messages[k][id] = msg
	return id, nil
}

func (b *Backend) DeleteMessages(_ context.Context, dir string, folder ids.EID, msgs []ids.EID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := folderKey{dir, folder}
	for _, id := range msgs {
		delete(b.messages[k], id)
	}
	return nil
}

func (b *Backend) SetMessageProperties(_ context.Context, dir string, msg ids.EID, props *propval.Bag) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, msgs := range b.messages {
		if k.dir != dir {
			continue
		}
		m, ok := msgs[msg]
		if !ok {
			continue
		}
		props.Range(func(t propval.Tag, v propval.Value) bool {
			m.Bag.Set(t, v)
			return true
		})
		return nil
	}
	return fmt.Errorf("exmdbtest: message %d not found in %s", msg, dir)
}

// SetMessageReadState flips PR_MESSAGE_READ and folds xid into the
// message's own stored PCL via ruleproc.Stamp, since this RPC bypasses
// the SetMessageProperties bag round-trip ruleproc otherwise uses to
// maintain PR_PREDECESSOR_CHANGE_LIST.
func (b *Backend) SetMessageReadState(_ context.Context, dir string, msg ids.EID, read bool, xid ids.XID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, msgs := range b.messages {
		if k.dir != dir {
			continue
		}
		if m, ok := msgs[msg]; ok {
			m.Bag.Set(propval.PR_MESSAGE_READ, propval.Value{Type: propval.TBool, B: read})
			ruleproc.Stamp(m.Bag, xid)
			return nil
		}
	}
	return fmt.Errorf("exmdbtest: message %d not found in %s", msg, dir)
}

func (b *Backend) AllocateCN(_ context.Context, _ string) (ids.XID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cn, err := b.alloc.AllocateCN()
	if err != nil {
		return ids.XID{}, err
	}
	return b.alloc.MakeXID(cn), nil
}

func (b *Backend) AllocateMessageID(_ context.Context, _ string, folder ids.EID) (ids.EID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.alloc.AllocateEIDRange(int64(folder))
}

func (b *Backend) MoveCopyMessage(_ context.Context, srcDir string, srcFolder ids.EID, msg ids.EID, dstDir string, dstFolder ids.EID, newMsgID ids.EID, isMove bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	srcKey := folderKey{srcDir, srcFolder}
	m, ok := b.messages[srcKey][msg]
	if !ok {
		return fmt.Errorf("exmdbtest: message %d not found in %s:%d", msg, srcDir, srcFolder)
	}
	dstKey := folderKey{dstDir, dstFolder}
	if b.messages[dstKey] == nil {
		b.messages[dstKey] = map[ids.EID]*propval.Message{}
	}
	if isMove {
		delete(b.messages[srcKey], msg)
		b.messages[dstKey][newMsgID] = m
	} else {
		b.messages[dstKey][newMsgID] = m.Clone()
	}
	return nil
}

func (b *Backend) GetNamedPropIDs(_ context.Context, dir string, names []store.NamedPropName, create bool) ([]uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns := make([]npmap.Name, len(names))
	for i, n := range names {
		ns[i] = npmap.Name{GUID: uuid.UUID(n.GUID), LID: n.LID, Str: n.Str, HasString: n.HasString}
	}
	return b.np.GetPropIDs(dir, ns, create), nil
}

func (b *Backend) GetNamedPropNames(_ context.Context, dir string, propIDs []uint16) ([]store.NamedPropName, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	names, err := b.np.GetPropNames(dir, propIDs)
	if err != nil {
		return nil, err
	}
	out := make([]store.NamedPropName, len(names))
	for i, n := range names {
		out[i] = store.NamedPropName{GUID: [16]byte(n.GUID), LID: n.LID, Str: n.Str, HasString: n.HasString}
	}
	return out, nil
}

func (b *Backend) NotifyNewMail(_ context.Context, dir string, folder ids.EID, _ ids.EID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notified = append(b.notified, folderKey{dir, folder})
	return nil
}

func (b *Backend) ApptMeetreqOverlap(_ context.Context, dir string, _, _ time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overlap[dir], nil
}

func (b *Backend) ResolveEntryID(_ context.Context, entryID []byte) (store.EntryID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entryIDs[string(entryID)]
	if !ok {
		return store.EntryID{}, fmt.Errorf("exmdbtest: unknown entry id %x", entryID)
	}
	return e, nil
}

func (b *Backend) IsOutOfOffice(_ context.Context, dir string) (store.OOFState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.oof[dir], nil
}

func (b *Backend) IsContact(_ context.Context, dir string, addr string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.contacts[dir][strings.ToLower(addr)], nil
}
