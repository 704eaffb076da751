// Package store declares the abstract store RPC surface (spec §6) that
// the rule engine, booking, and named-property mapper depend on. It has
// no concrete implementation in this module other than the SQLite-backed
// internal/storage/exmdb package and the in-memory fake used by tests.
package store

import (
	"context"
	"time"

	"github.com/foxcpp/maddy-groupware/internal/groupware/ids"
	"github.com/foxcpp/maddy-groupware/internal/groupware/propval"
)

// EntryID identifies a store: a directory path plus whether it is a
// public (domain) or private (mailbox) store, mirroring the
// (store-entryid) pairs move/copy actions carry (spec §3/§4.6.1).
type EntryID struct {
	Dir      string
	IsPublic bool
	OwnerID  int64 // domain-id when IsPublic, user-id otherwise
}

// RuleRow is a standard rule's persisted shape (spec §6 "Rule
// persistence").
type RuleRow struct {
	RuleID    int64
	State     uint32
	Sequence  int32
	Name      string
	Provider  string
	Condition []byte // serialised restriction, opaque to the store
	Actions   []byte // serialised action list, opaque to the store
}

// ExtRuleRow is an extended rule's two key-property blobs plus the
// associated message's id, as loaded from the folder's associated-
// contents table (spec §3/§4.6 step 3).
type ExtRuleRow struct {
	MessageID   ids.EID
	ConditionBlob []byte
	ActionBlob    []byte
}

// Permission bits the Backend reports for get_folder_perm.
type Permission uint32

const (
	PermOwner  Permission = 1 << 0
	PermCreate Permission = 1 << 1
)

// Backend is the store RPC surface named in spec §6. Every call takes a
// context first and returns the gwerrors taxonomy on failure.
type Backend interface {
	GetStoreProperties(ctx context.Context, dir string, tags []propval.Tag) (*propval.Bag, error)
	GetFolderPerm(ctx context.Context, dir string, folder ids.EID, user string) (Permission, error)

	// LoadRuleTable/LoadExtendedRules return every rule row attached to
	// folder, unfiltered by state: eligibility (ENABLED vs. ONLY_WHEN_OOF)
	// is decided once, centrally, by ruleproc.FilterStandard — the
	// backend must not apply its own narrower filter (see DESIGN.md).
	LoadRuleTable(ctx context.Context, dir string, folder ids.EID) ([]RuleRow, error)
	LoadExtendedRules(ctx context.Context, dir string, folder ids.EID) ([]ExtRuleRow, error)

	GetMessageProperties(ctx context.Context, dir string, msg ids.EID, tags []propval.Tag) (*propval.Bag, error)
	ReadMessage(ctx context.Context, dir string, msg ids.EID) (*propval.Message, error)
	WriteMessage(ctx context.Context, dir string, folder ids.EID, msg *propval.Message) (ids.EID, error)
	DeleteMessages(ctx context.Context, dir string, folder ids.EID, msgs []ids.EID) error
	SetMessageProperties(ctx context.Context, dir string, msg ids.EID, props *propval.Bag) error
	// SetMessageReadState flips PR_MESSAGE_READ and folds xid (already
	// allocated via AllocateCN) into the message's own stored PCL, since
	// this call bypasses the generic SetMessageProperties bag round-trip
	// and so must maintain PR_PREDECESSOR_CHANGE_LIST itself.
	SetMessageReadState(ctx context.Context, dir string, msg ids.EID, read bool, xid ids.XID) error

	// AllocateCN issues the store's next CN wrapped in that store's XID
	// namespace, so callers can append it to a message's PCL (ruleproc.Stamp)
	// without separately round-tripping the namespace GUID.
	AllocateCN(ctx context.Context, dir string) (ids.XID, error)
	AllocateMessageID(ctx context.Context, dir string, folder ids.EID) (ids.EID, error)

	MoveCopyMessage(ctx context.Context, srcDir string, srcFolder ids.EID, msg ids.EID, dstDir string, dstFolder ids.EID, newMsgID ids.EID, isMove bool) error

	GetNamedPropIDs(ctx context.Context, dir string, names []NamedPropName, create bool) ([]uint16, error)
	GetNamedPropNames(ctx context.Context, dir string, ids []uint16) ([]NamedPropName, error)

	NotifyNewMail(ctx context.Context, dir string, folder ids.EID, msg ids.EID) error

	ApptMeetreqOverlap(ctx context.Context, dir string, start, end time.Time) (int, error)

	// ResolveEntryID maps a (store-entryid) blob from a move/copy action
	// payload to a local directory path and owner, per §4.6.1(a).
	ResolveEntryID(ctx context.Context, entryID []byte) (EntryID, error)

	IsOutOfOffice(ctx context.Context, dir string) (OOFState, error)

	// IsContact reports whether addr appears in dir's contacts, for the
	// EXTERNAL_AUDIENCE OOF-reply guard (spec §4.6.1(f)/§6): when that
	// flag is set, an external sender must also be a known contact
	// before an auto-reply is sent.
	IsContact(ctx context.Context, dir string, addr string) (bool, error)
}

// OOFState is IsOutOfOffice's result: whether out-of-office is switched
// on at all, and, if a window was configured (spec §4.6.1(f)/§6's
// optional [start,end] OOF window), the bounds it's scoped to.
type OOFState struct {
	Active    bool
	HasWindow bool
	Start     time.Time
	End       time.Time
}

// Effective reports whether OOF is actually in force at now: Active
// with no configured window means always-on; a configured window
// additionally requires now to fall within [Start, End).
func (s OOFState) Effective(now time.Time) bool {
	if !s.Active {
		return false
	}
	if !s.HasWindow {
		return true
	}
	return !now.Before(s.Start) && now.Before(s.End)
}

// NamedPropName is the wire shape of npmap.Name used across the Backend
// boundary (store package does not import npmap to avoid a cycle;
// internal/storage/exmdb converts between the two).
type NamedPropName struct {
	GUID      [16]byte
	LID       uint32
	Str       string
	HasString bool
}
