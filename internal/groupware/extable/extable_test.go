package extable

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foxcpp/maddy-groupware/internal/groupware/propval"
	"github.com/foxcpp/maddy-groupware/internal/groupware/restrict"
)

// fakeBackend is a minimal in-memory extable.Backend: rows are identified
// by their index, instance id == index+1, row type is always 0 unless
// overridden via catRows.
type fakeBackend struct {
	rows      []Row
	catRows   map[uint64]bool // instance ids treated as collapsible categories
	collapsed map[uint64]bool
	nextTable uint32
	nextState uint32
	states    map[uint32][]Row
	loadErr   error
}

func newFakeBackend(n int) *fakeBackend {
	rows := make([]Row, n)
	for i := range rows {
		rows[i] = Row{InstanceID: uint64(i + 1), InstanceNumber: 0, RowType: 0}
	}
	return &fakeBackend{rows: rows, catRows: map[uint64]bool{}, collapsed: map[uint64]bool{}, states: map[uint32][]Row{}}
}

func (f *fakeBackend) Load(ctx context.Context, kind Kind, restriction *restrict.Node, sort []SortColumn) (uint32, int, error) {
	if f.loadErr != nil {
		return 0, 0, f.loadErr
	}
	f.nextTable++
	return f.nextTable, f.visibleCount(), nil
}

func (f *fakeBackend) visibleCount() int {
	n := 0
	for _, r := range f.rows {
		if !f.collapsed[r.InstanceID] {
			n++
		}
	}
	return n
}

func (f *fakeBackend) Unload(ctx context.Context, tableID uint32) error { return nil }

func (f *fakeBackend) Total(ctx context.Context, tableID uint32) (int, error) {
	return f.visibleCount(), nil
}

func (f *fakeBackend) visible() []Row {
	out := make([]Row, 0, len(f.rows))
	for _, r := range f.rows {
		if !f.collapsed[r.InstanceID] {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeBackend) QueryRows(ctx context.Context, tableID uint32, forward bool, start, count int, columns []propval.Tag) ([]Row, error) {
	vis := f.visible()
	if forward {
		end := start + count
		if end > len(vis) {
			end = len(vis)
		}
		if start >= len(vis) || start >= end {
			return nil, nil
		}
		return append([]Row(nil), vis[start:end]...), nil
	}
	begin := start - count + 1
	if begin < 0 {
		begin = 0
	}
	if start < 0 {
		return nil, nil
	}
	end := start + 1
	if end > len(vis) {
		end = len(vis)
	}
	out := append([]Row(nil), vis[begin:end]...)
	return out, nil
}

func (f *fakeBackend) Mark(ctx context.Context, tableID uint32, position int) (Bookmark, error) {
	vis := f.visible()
	if position < 0 || position >= len(vis) {
		return Bookmark{}, nil
	}
	r := vis[position]
	return Bookmark{InstanceID: r.InstanceID, InstanceNumber: r.InstanceNumber, RowType: r.RowType, SavedPosition: position}, nil
}

func (f *fakeBackend) Locate(ctx context.Context, tableID uint32, bm Bookmark) (int, bool, bool, error) {
	vis := f.visible()
	for i, r := range vis {
		if r.InstanceID == bm.InstanceID {
			if r.InstanceNumber == bm.InstanceNumber {
				return i, true, true, nil
			}
			return i, true, false, nil
		}
	}
	return 0, false, false, nil
}

func (f *fakeBackend) Expand(ctx context.Context, tableID uint32, instID uint64) (bool, int, int, error) {
	if !f.catRows[instID] {
		return false, 0, 0, nil
	}
	delete(f.collapsed, instID)
	pos := 0
	for _, r := range f.visible() {
		if r.InstanceID == instID {
			break
		}
		pos++
	}
	return true, pos, 1, nil
}

func (f *fakeBackend) Collapse(ctx context.Context, tableID uint32, instID uint64) (bool, int, int, error) {
	if !f.catRows[instID] {
		return false, 0, 0, nil
	}
	f.collapsed[instID] = true
	pos := 0
	for _, r := range f.visible() {
		if r.InstanceID == instID {
			break
		}
		pos++
	}
	return true, pos, -1, nil
}

func (f *fakeBackend) StoreState(ctx context.Context, tableID uint32) (uint32, error) {
	f.nextState++
	f.states[f.nextState] = append([]Row(nil), f.visible()...)
	return f.nextState, nil
}

func (f *fakeBackend) RestoreState(ctx context.Context, tableID uint32, stateID uint32) (int, error) {
	rows, ok := f.states[stateID]
	if !ok {
		return 0, nil
	}
	return len(rows), nil
}

func TestTableLoadUnloadLifecycle(t *testing.T) {
	be := newFakeBackend(3)
	tbl := New(KindContent, be)
	require.Equal(t, StateUnloaded, tbl.State())

	require.NoError(t, tbl.Load(context.Background()))
	require.Equal(t, StateLoaded, tbl.State())
	require.Equal(t, 3, tbl.Total())

	require.NoError(t, tbl.Unload(context.Background()))
	require.Equal(t, StateUnloaded, tbl.State())
}

func TestTableLoadFailureLeavesPriorState(t *testing.T) {
	be := newFakeBackend(1)
	be.loadErr = context.DeadlineExceeded
	tbl := New(KindContent, be)
	err := tbl.Load(context.Background())
	require.Error(t, err)
	require.Equal(t, StateUnloaded, tbl.State())
}

func TestAttachmentTableAlwaysLoaded(t *testing.T) {
	tbl := New(KindAttachment, newFakeBackend(0))
	require.NoError(t, tbl.Load(context.Background()))
	require.Equal(t, StateLoaded, tbl.State())
}

func TestQueryRowsRequiresColumnsAndLoad(t *testing.T) {
	be := newFakeBackend(2)
	tbl := New(KindContent, be)
	_, err := tbl.QueryRows(context.Background(), true, 10)
	require.Error(t, err)

	tbl.SetColumns([]propval.Tag{{ID: 1}})
	_, err = tbl.QueryRows(context.Background(), true, 10)
	require.Error(t, err, "not loaded yet")
}

func TestQueryRowsPaginationAndBoundaries(t *testing.T) {
	be := newFakeBackend(5)
	tbl := New(KindContent, be)
	tbl.SetColumns([]propval.Tag{{ID: 1}})
	require.NoError(t, tbl.Load(context.Background()))

	rows, err := tbl.QueryRows(context.Background(), true, 3)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, 3, tbl.Position())

	rows, err = tbl.QueryRows(context.Background(), true, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, 5, tbl.Position())

	// At forward boundary: empty, no further advance.
	rows, err = tbl.QueryRows(context.Background(), true, 10)
	require.NoError(t, err)
	require.Empty(t, rows)
	require.Equal(t, 5, tbl.Position())

	tbl.SetPosition(0)
	rows, err = tbl.QueryRows(context.Background(), false, 10)
	require.NoError(t, err)
	require.Empty(t, rows)
	require.Equal(t, 0, tbl.Position())
}

func TestBookmarkThreeOutcomes(t *testing.T) {
	be := newFakeBackend(3)
	tbl := New(KindContent, be)
	tbl.SetColumns([]propval.Tag{{ID: 1}})
	require.NoError(t, tbl.Load(context.Background()))

	tbl.SetPosition(1)
	idx, err := tbl.CreateBookmark(context.Background())
	require.NoError(t, err)

	// Outcome 1: exact row still present.
	exists, err := tbl.RetrieveBookmark(context.Background(), idx)
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, 1, tbl.Position())

	// Outcome 3: row entirely gone -> falls back to saved position, clamped.
	be.rows = append([]Row(nil), be.rows[:1]...) // drop rows 2 and 3
	be.nextTable = 0
	require.NoError(t, tbl.Reset(context.Background()))
	require.NoError(t, tbl.Load(context.Background()))
	exists, err = tbl.RetrieveBookmark(context.Background(), 0)
	require.Error(t, err, "bookmark index was cleared by Reset")
	_ = exists
}

func TestRetrieveBookmarkUnknownIndexErrors(t *testing.T) {
	be := newFakeBackend(1)
	tbl := New(KindContent, be)
	tbl.SetColumns([]propval.Tag{{ID: 1}})
	require.NoError(t, tbl.Load(context.Background()))
	_, err := tbl.RetrieveBookmark(context.Background(), 5)
	require.Error(t, err)
}

func TestExpandCollapseAdjustTotalNotPosition(t *testing.T) {
	be := newFakeBackend(3)
	be.catRows[2] = true
	be.collapsed[2] = true
	tbl := New(KindContent, be)
	tbl.SetColumns([]propval.Tag{{ID: 1}})
	require.NoError(t, tbl.Load(context.Background()))
	tbl.SetPosition(1)

	found, _, delta, err := tbl.Expand(context.Background(), 2)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 1, delta)
	require.Equal(t, 1, tbl.Position(), "Expand must not move current position")

	found, _, delta, err = tbl.Collapse(context.Background(), 2)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, -1, delta)
}

func TestStoreRestoreStateRoundTrip(t *testing.T) {
	be := newFakeBackend(4)
	tbl := New(KindContent, be)
	tbl.SetColumns([]propval.Tag{{ID: 1}})
	require.NoError(t, tbl.Load(context.Background()))
	tbl.SetPosition(2)

	stateID, err := tbl.StoreState(context.Background())
	require.NoError(t, err)

	tbl.SetPosition(0)
	newBM, err := tbl.RestoreState(context.Background(), stateID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, newBM, 0)
	require.Equal(t, 2, tbl.Position())
}
