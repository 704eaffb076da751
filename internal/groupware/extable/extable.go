// Package extable implements the sorted, paged table engine (spec
// component C5): the load -> query -> bookmark -> expand/collapse ->
// store/restore state machine that rule-driven views and MAPI clients
// observe.
package extable

import (
	"context"
	"fmt"

	"github.com/foxcpp/maddy-groupware/internal/groupware/gwerrors"
	"github.com/foxcpp/maddy-groupware/internal/groupware/propval"
	"github.com/foxcpp/maddy-groupware/internal/groupware/restrict"
)

// Kind selects which store RPC family backs a table, per spec §3.
type Kind int

const (
	KindContent Kind = iota
	KindHierarchy
	KindAttachment
	KindPermission
	KindRule
)

// State is a table's lifecycle state (spec §4.5).
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
)

// SortDir is a sort-order column's direction.
type SortDir int

const (
	SortAsc SortDir = iota
	SortDesc
)

// SortColumn is one entry of a table's sort-order set.
type SortColumn struct {
	Tag propval.Tag
	Dir SortDir
}

// Row is one table row: its instance identity plus its projected
// property values, in column order.
type Row struct {
	InstanceID     uint64
	InstanceNumber uint32
	RowType        uint32
	Values         []propval.Value
}

// Bookmark is a stable reference to a table row, addressed by a
// monotonically increasing index that is never reused even when the
// bookmark itself is later found to be stale (spec §3/§4.5).
type Bookmark struct {
	InstanceID     uint64
	InstanceNumber uint32
	RowType        uint32
	SavedPosition  int
}

// Backend is the store RPC surface a Table delegates to (spec §6): load,
// query, mark/locate, expand/collapse and state round-trip, each scoped
// to one store-assigned table_id.
type Backend interface {
	Load(ctx context.Context, kind Kind, restriction *restrict.Node, sort []SortColumn) (tableID uint32, total int, err error)
	Unload(ctx context.Context, tableID uint32) error
	Total(ctx context.Context, tableID uint32) (int, error)
	QueryRows(ctx context.Context, tableID uint32, forward bool, start, count int, columns []propval.Tag) ([]Row, error)
	Mark(ctx context.Context, tableID uint32, position int) (Bookmark, error)
	// Locate reports where bm's row now sits. found=true + rowTypeMatch=true
	// means the exact instance still exists. found=true + rowTypeMatch=false
	// means the row type matches but not the specific instance (position is
	// still meaningful, per spec §4.5's three-outcome contract). found=false
	// means the row is gone entirely.
	Locate(ctx context.Context, tableID uint32, bm Bookmark) (position int, found bool, rowTypeMatch bool, err error)
	Expand(ctx context.Context, tableID uint32, instID uint64) (found bool, position int, rowCountDelta int, err error)
	Collapse(ctx context.Context, tableID uint32, instID uint64) (found bool, position int, rowCountDelta int, err error)
	StoreState(ctx context.Context, tableID uint32) (stateID uint32, err error)
	RestoreState(ctx context.Context, tableID uint32, stateID uint32) (total int, err error)
}

// Table is one sorted, paged view. The zero value is StateUnloaded and
// ready to use; construct with New.
type Table struct {
	kind    Kind
	backend Backend

	state       State
	tableID     uint32
	columns     []propval.Tag
	sort        []SortColumn
	restriction *restrict.Node
	position    int
	total       int

	bookmarks []Bookmark
}

// New returns an unloaded table of the given kind backed by be.
func New(kind Kind, be Backend) *Table {
	return &Table{kind: kind, backend: be, state: StateUnloaded}
}

// State reports the table's current lifecycle state.
func (t *Table) State() State { return t.state }

// SetRestriction sets the restriction to load/reload the table with. Must
// be called before Load (or after Reset) to take effect.
func (t *Table) SetRestriction(r *restrict.Node) { t.restriction = r }

// SetSort sets the sort-order set to load/reload the table with.
func (t *Table) SetSort(s []SortColumn) { t.sort = append([]SortColumn(nil), s...) }

// Load transitions unloaded -> loading -> loaded. Attachment tables are
// synthetic and always considered loaded (spec §4.5); other kinds
// delegate to the backend, capturing its assigned table_id and the
// resulting row count. On failure the table is left in its prior state
// (no partial mutation), per spec §4.5's failure contract.
func (t *Table) Load(ctx context.Context) error {
	if t.kind == KindAttachment {
		t.state = StateLoaded
		return nil
	}
	if t.state == StateLoaded {
		return nil
	}
	t.state = StateLoading
	id, total, err := t.backend.Load(ctx, t.kind, t.restriction, t.sort)
	if err != nil {
		t.state = StateUnloaded
		return gwerrors.New(gwerrors.RpcFailed, "extable.Load", err)
	}
	t.tableID = id
	t.total = total
	t.position = 0
	t.state = StateLoaded
	return nil
}

// Unload releases the backend resource and clears notification
// registration; column/sort/restriction/bookmark state is left intact
// (spec §4.5: only Reset clears those).
func (t *Table) Unload(ctx context.Context) error {
	if t.kind == KindAttachment || t.state != StateLoaded {
		t.state = StateUnloaded
		return nil
	}
	err := t.backend.Unload(ctx, t.tableID)
	t.state = StateUnloaded
	if err != nil {
		return gwerrors.New(gwerrors.RpcFailed, "extable.Unload", err)
	}
	return nil
}

// Reset is Unload plus clearing columns, sort order, restriction,
// position, and bookmarks.
func (t *Table) Reset(ctx context.Context) error {
	err := t.Unload(ctx)
	t.columns = nil
	t.sort = nil
	t.restriction = nil
	t.position = 0
	t.bookmarks = nil
	t.total = 0
	return err
}

// SetColumns sets the projected tag list for subsequent QueryRows calls;
// a nil/empty tags clears columns (after which QueryRows fails).
func (t *Table) SetColumns(tags []propval.Tag) {
	t.columns = append([]propval.Tag(nil), tags...)
}

// QueryRows returns up to count rows starting at the current position,
// advancing position by the number of rows actually returned. At either
// boundary it returns an empty set without advancing past it (spec
// §4.5).
func (t *Table) QueryRows(ctx context.Context, forward bool, count int) ([]Row, error) {
	if len(t.columns) == 0 {
		return nil, gwerrors.New(gwerrors.InvariantViolated, "extable.QueryRows", fmt.Errorf("columns not set"))
	}
	if t.state != StateLoaded {
		return nil, gwerrors.New(gwerrors.InvariantViolated, "extable.QueryRows", fmt.Errorf("table not loaded"))
	}

	start := t.position
	if !forward {
		start = t.position - 1
	}
	if forward && start >= t.total {
		return nil, nil
	}
	if !forward && start < 0 {
		return nil, nil
	}

	rows, err := t.backend.QueryRows(ctx, t.tableID, forward, start, count, t.columns)
	if err != nil {
		return nil, gwerrors.New(gwerrors.RpcFailed, "extable.QueryRows", err)
	}

	if forward {
		t.position += len(rows)
		if t.position > t.total {
			t.position = t.total
		}
	} else {
		t.position -= len(rows)
		if t.position < 0 {
			t.position = 0
		}
	}
	return rows, nil
}

// SeekCurrent advances (or, if !forward, retreats) the position by n,
// clamped to [0, total].
func (t *Table) SeekCurrent(forward bool, n int) {
	if forward {
		t.position = clamp(t.position+n, 0, t.total)
	} else {
		t.position = clamp(t.position-n, 0, t.total)
	}
}

// SetPosition clamps p to [0, total] and sets it as the current position.
func (t *Table) SetPosition(p int) {
	t.position = clamp(p, 0, t.total)
}

// Position returns the current row index.
func (t *Table) Position() int { return t.position }

// Total returns the table's current row count.
func (t *Table) Total() int { return t.total }

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// CreateBookmark captures a stable (instance-id, instance-number,
// row-type) tuple at the current position via the backend's mark RPC,
// and stores it at a monotonically increasing index that is never
// reused, even once the bookmark is later dropped (spec §4.5/§3).
func (t *Table) CreateBookmark(ctx context.Context) (int, error) {
	bm, err := t.backend.Mark(ctx, t.tableID, t.position)
	if err != nil {
		return 0, gwerrors.New(gwerrors.RpcFailed, "extable.CreateBookmark", err)
	}
	idx := len(t.bookmarks)
	t.bookmarks = append(t.bookmarks, bm)
	return idx, nil
}

// RetrieveBookmark asks the backend to locate the bookmarked tuple in the
// (possibly re-sorted/filtered) table. Three outcomes per spec §4.5:
// the exact row exists (position set, exists=true); the row-type matches
// but the exact instance doesn't (position set, exists=false); the row
// is gone (position restored to the saved position, clamped to the
// current total, exists=false).
func (t *Table) RetrieveBookmark(ctx context.Context, idx int) (exists bool, err error) {
	if idx < 0 || idx >= len(t.bookmarks) {
		return false, gwerrors.New(gwerrors.NotFound, "extable.RetrieveBookmark", fmt.Errorf("bookmark %d unknown", idx))
	}
	bm := t.bookmarks[idx]
	pos, found, rowTypeMatch, err := t.backend.Locate(ctx, t.tableID, bm)
	if err != nil {
		return false, gwerrors.New(gwerrors.RpcFailed, "extable.RetrieveBookmark", err)
	}
	switch {
	case found && rowTypeMatch:
		t.position = pos
		return true, nil
	case found && !rowTypeMatch:
		t.position = pos
		return false, nil
	default:
		t.position = clamp(bm.SavedPosition, 0, t.total)
		return false, nil
	}
}

// Expand and Collapse are category-row operations; they report whether
// the category was found, its resulting position, and the row-count
// delta caused by the operation. They do not change the table's current
// position (spec §4.5).
func (t *Table) Expand(ctx context.Context, instID uint64) (found bool, position int, delta int, err error) {
	found, position, delta, err = t.backend.Expand(ctx, t.tableID, instID)
	if err != nil {
		return false, 0, 0, gwerrors.New(gwerrors.RpcFailed, "extable.Expand", err)
	}
	t.total += delta
	return found, position, delta, nil
}

func (t *Table) Collapse(ctx context.Context, instID uint64) (found bool, position int, delta int, err error) {
	found, position, delta, err = t.backend.Collapse(ctx, t.tableID, instID)
	if err != nil {
		return false, 0, 0, gwerrors.New(gwerrors.RpcFailed, "extable.Collapse", err)
	}
	t.total += delta
	return found, position, delta, nil
}

// StoreState captures an opaque state-id round-trip that preserves sort,
// filter and categorisation.
func (t *Table) StoreState(ctx context.Context) (uint32, error) {
	id, err := t.backend.StoreState(ctx, t.tableID)
	if err != nil {
		return 0, gwerrors.New(gwerrors.RpcFailed, "extable.StoreState", err)
	}
	return id, nil
}

// RestoreState restores a previously stored state and returns a new
// bookmark pointing at the original current row's post-restore position
// (or an invalid-but-reserved index if the row is no longer present),
// per spec §4.5.
func (t *Table) RestoreState(ctx context.Context, stateID uint32) (newBookmark int, err error) {
	priorPos := t.position
	total, err := t.backend.RestoreState(ctx, t.tableID, stateID)
	if err != nil {
		return 0, gwerrors.New(gwerrors.RpcFailed, "extable.RestoreState", err)
	}
	t.total = total
	t.position = clamp(priorPos, 0, t.total)

	bm, err := t.backend.Mark(ctx, t.tableID, t.position)
	idx := len(t.bookmarks)
	if err != nil {
		// Row no longer present: reserve the index anyway (spec's
		// "invalid-but-reserved index") so the index space stays
		// monotonic even on failure to mark.
		t.bookmarks = append(t.bookmarks, Bookmark{SavedPosition: t.position})
		return idx, nil
	}
	t.bookmarks = append(t.bookmarks, bm)
	return idx, nil
}
