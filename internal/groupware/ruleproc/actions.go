package ruleproc

import (
	"context"
	"fmt"

	"github.com/foxcpp/maddy-groupware/internal/groupware/gwerrors"
	"github.com/foxcpp/maddy-groupware/internal/groupware/ids"
	"github.com/foxcpp/maddy-groupware/internal/groupware/propval"
)

// actionOutcome carries what happened dispatching one action block: err
// is non-nil on any failure; fatalDelivery marks errors that must abort
// the entire delivery (spec §7's InvariantViolated/OutOfMemory), as
// opposed to errors that only skip this action.
type actionOutcome struct {
	err           error
	fatalDelivery bool
}

func ok() actionOutcome { return actionOutcome{} }

func skip(err error) actionOutcome { return actionOutcome{err: err} }

func fatal(err error) actionOutcome { return actionOutcome{err: err, fatalDelivery: true} }

// dispatch executes one action block against d's current message,
// updating d's "current" folder/message pointer for MOVE, per spec
// §4.6.1. Move/copy failures are fatal to the current rule (but not the
// delivery); tag/mark-as-read failures are logged and rule processing
// continues — both are represented here as a non-fatal actionOutcome,
// since only InvariantViolated/OutOfMemory abort the whole delivery.
func (d *delivery) dispatch(ctx context.Context, act ActionBlock) actionOutcome {
	switch act.Type {
	case ActionMove:
		return d.moveCopy(ctx, act, true)
	case ActionCopy:
		return d.moveCopy(ctx, act, false)
	case ActionTag:
		return d.tag(ctx, act)
	case ActionMarkRead:
		return d.markRead(ctx)
	case ActionDelete:
		d.deleteRequested = true
		return ok()
	case ActionReply, ActionOOFReply:
		return d.reply(ctx, act)
	case ActionDefer, ActionBounce, ActionForward, ActionDelegate:
		// Not detailed beyond their name in the governing specification;
		// recognised and safely skipped rather than guessed at.
		return skip(gwerrors.New(gwerrors.NotFound, "ruleproc.dispatch", fmt.Errorf("action %v not implemented", act.Type)))
	default:
		return skip(gwerrors.New(gwerrors.NotFound, "ruleproc.dispatch", fmt.Errorf("unknown action %v", act.Type)))
	}
}

func loopKey(dir string, folder ids.EID) string {
	return fmt.Sprintf("%s:%d", dir, folder)
}

func (d *delivery) moveCopy(ctx context.Context, act ActionBlock, isMove bool) actionOutcome {
	t := act.Target

	dstDir := d.curDir
	dstFolder := t.Folder

	if t.CrossStore {
		entry, err := d.e.Backend.ResolveEntryID(ctx, t.StoreEntryID)
		if err != nil {
			return skip(gwerrors.New(gwerrors.NotFound, "ruleproc.moveCopy.ResolveEntryID", err))
		}
		dstDir = entry.Dir
		dstFolder = t.DstFolder
	}

	key := loopKey(dstDir, dstFolder)
	if d.loopCheck[key] {
		// Loop detected: silently skip, per spec §4.6.1. Loop detection
		// keys on (store_dir, folder_id) only, so it does not
		// distinguish move from copy (spec §9 open question).
		return skip(gwerrors.New(gwerrors.LoopDetected, "ruleproc.moveCopy", fmt.Errorf("folder %s already visited this delivery", key)))
	}
	d.loopCheck[key] = true

	if !t.CrossStore {
		return d.moveCopySameStore(ctx, dstFolder, isMove)
	}
	return d.moveCopyCrossStore(ctx, dstDir, dstFolder, isMove)
}

func (d *delivery) moveCopySameStore(ctx context.Context, dstFolder ids.EID, isMove bool) actionOutcome {
	newID, err := d.e.Backend.AllocateMessageID(ctx, d.curDir, dstFolder)
	if err != nil {
		return skip(gwerrors.New(gwerrors.RpcFailed, "ruleproc.moveCopySameStore.AllocateMessageID", err))
	}
	if err := d.e.Backend.MoveCopyMessage(ctx, d.curDir, d.curFolder, d.curMsgID, d.curDir, dstFolder, newID, isMove); err != nil {
		return skip(gwerrors.New(gwerrors.RpcFailed, "ruleproc.moveCopySameStore.MoveCopyMessage", err))
	}
	if isMove {
		// The engine's "current" pointer updates to the new location;
		// subsequent actions in this or later rules operate on it
		// (spec §4.6.1).
		d.curFolder = dstFolder
		d.curMsgID = newID
	}
	return ok()
}

func (d *delivery) moveCopyCrossStore(ctx context.Context, dstDir string, dstFolder ids.EID, isMove bool) actionOutcome {
	perm, err := d.e.Backend.GetFolderPerm(ctx, dstDir, dstFolder, d.inv.EnvelopeTo)
	if err != nil {
		return skip(gwerrors.New(gwerrors.RpcFailed, "ruleproc.moveCopyCrossStore.GetFolderPerm", err))
	}
	if perm&(store_PermOwner|store_PermCreate) == 0 {
		return skip(gwerrors.New(gwerrors.AccessDenied, "ruleproc.moveCopyCrossStore", fmt.Errorf("caller lacks Owner/Create on %s:%d", dstDir, dstFolder)))
	}

	copied := d.msg.Clone()
	if err := d.e.NP.ReplaceNPIDs(copied, d.curDir, dstDir); err != nil {
		return skip(gwerrors.New(gwerrors.RpcFailed, "ruleproc.moveCopyCrossStore.ReplaceNPIDs", err))
	}

	xid, err := d.e.Backend.AllocateCN(ctx, dstDir)
	if err != nil {
		return skip(gwerrors.New(gwerrors.RpcFailed, "ruleproc.moveCopyCrossStore.AllocateCN", err))
	}
	Stamp(copied.Bag, xid)
	touchLastModification(copied.Bag)

	newID, err := d.e.Backend.WriteMessage(ctx, dstDir, dstFolder, copied)
	if err != nil {
		return skip(gwerrors.New(gwerrors.RpcFailed, "ruleproc.moveCopyCrossStore.WriteMessage", err))
	}

	if isMove {
		if err := d.e.Backend.DeleteMessages(ctx, d.curDir, d.curFolder, []ids.EID{d.curMsgID}); err != nil {
			return skip(gwerrors.New(gwerrors.RpcFailed, "ruleproc.moveCopyCrossStore.DeleteMessages(source)", err))
		}
		d.curDir = dstDir
		d.curFolder = dstFolder
		d.curMsgID = newID
		d.msg = copied
	}
	return ok()
}

// store_PermOwner/store_PermCreate mirror store.Permission's bit values
// without importing store here for the bitmask check; see
// store.PermOwner/store.PermCreate.
const (
	store_PermOwner  = 1 << 0
	store_PermCreate = 1 << 1
)

func (d *delivery) tag(ctx context.Context, act ActionBlock) actionOutcome {
	xid, err := d.e.Backend.AllocateCN(ctx, d.curDir)
	if err != nil {
		return skip(gwerrors.New(gwerrors.RpcFailed, "ruleproc.tag.AllocateCN", err))
	}
	// Stamp against d.msg.Bag, not a fresh bag: it already carries the
	// message's last-known PCL (loaded by ReadMessage), so appending here
	// extends that lineage instead of starting a new one from empty.
	d.msg.Bag.Set(act.TagValue, act.Value)
	Stamp(d.msg.Bag, xid)
	touchLastModification(d.msg.Bag)

	props := propval.NewBag()
	copyTag(props, d.msg.Bag, act.TagValue)
	copyTag(props, d.msg.Bag, propval.PR_CHANGE_NUMBER)
	copyTag(props, d.msg.Bag, propval.PR_PREDECESSOR_CHANGE_LIST)
	copyTag(props, d.msg.Bag, propval.PR_LAST_MODIFICATION_TIME)
	copyTag(props, d.msg.Bag, propval.PR_LOCAL_COMMIT_TIME)
	if err := d.e.Backend.SetMessageProperties(ctx, d.curDir, d.curMsgID, props); err != nil {
		return skip(gwerrors.New(gwerrors.RpcFailed, "ruleproc.tag.SetMessageProperties", err))
	}
	return ok()
}

func copyTag(dst, src *propval.Bag, t propval.Tag) {
	if v, ok := src.Get(t); ok {
		dst.Set(t, v)
	}
}

func (d *delivery) markRead(ctx context.Context) actionOutcome {
	xid, err := d.e.Backend.AllocateCN(ctx, d.curDir)
	if err != nil {
		return skip(gwerrors.New(gwerrors.RpcFailed, "ruleproc.markRead.AllocateCN", err))
	}
	if err := d.e.Backend.SetMessageReadState(ctx, d.curDir, d.curMsgID, true, xid); err != nil {
		return skip(gwerrors.New(gwerrors.RpcFailed, "ruleproc.markRead.SetMessageReadState", err))
	}
	d.msg.Bag.Set(propval.PR_MESSAGE_READ, propval.Value{Type: propval.TBool, B: true})
	Stamp(d.msg.Bag, xid)
	return ok()
}

// Stamp writes a fresh PR_CHANGE_NUMBER and appends the corresponding
// XID to PR_PREDECESSOR_CHANGE_LIST, reading whatever PCL bag already
// carries (the store's last-persisted one for an existing message,
// empty for a freshly cloned one) so the existing lineage is extended
// rather than replaced. This is the §8 invariant: "after any action,
// PCL contains an XID whose CN equals PidTagChangeNumber". Shared with
// internal/storage/exmdb(test) so SetMessageReadState's own PCL
// maintenance uses the exact same logic.
func Stamp(bag *propval.Bag, xid ids.XID) {
	bag.Set(propval.PR_CHANGE_NUMBER, propval.Value{Type: propval.TI64, I64: int64(xid.CN)})
	pcl := ids.PCL{}
	if v, ok := bag.Get(propval.PR_PREDECESSOR_CHANGE_LIST); ok {
		if parsed, err := ids.ParsePCL(v.Bin); err == nil {
			pcl = parsed
		}
	}
	pcl = pcl.Append(xid)
	bag.Set(propval.PR_PREDECESSOR_CHANGE_LIST, propval.Value{Type: propval.TBinary, Bin: pcl.Serialize()})
}

func touchLastModification(bag *propval.Bag) {
	bag.Set(propval.PR_LAST_MODIFICATION_TIME, propval.Value{Type: propval.TFiletime})
	bag.Set(propval.PR_LOCAL_COMMIT_TIME, propval.Value{Type: propval.TFiletime})
}
