package ruleproc

import (
	"context"
	"fmt"
	"time"

	"github.com/foxcpp/maddy-groupware/framework/log"
	"github.com/foxcpp/maddy-groupware/framework/module"
	"github.com/foxcpp/maddy-groupware/internal/groupware/abtree"
	"github.com/foxcpp/maddy-groupware/internal/groupware/booking"
	"github.com/foxcpp/maddy-groupware/internal/groupware/gwerrors"
	"github.com/foxcpp/maddy-groupware/internal/groupware/ids"
	"github.com/foxcpp/maddy-groupware/internal/groupware/npmap"
	"github.com/foxcpp/maddy-groupware/internal/groupware/propval"
	"github.com/foxcpp/maddy-groupware/internal/groupware/restrict"
	"github.com/foxcpp/maddy-groupware/internal/groupware/store"
)

// Engine evaluates and executes rules for delivered messages. One Engine
// serves an entire process; each Deliver call is independent and shares
// no mutable state with concurrent calls except the collaborators named
// in spec §5 (Backend's own internals, the abtree cache, the bounce-
// audit table, and the NP mapper), mirroring "concurrent deliveries ...
// no shared mutable state except the caches".
type Engine struct {
	Backend store.Backend
	AB      *abtree.Manager
	NP      *npmap.Mapper
	Bounce  *BounceAudit
	Log     log.Logger

	BookingPolicy func(ctx context.Context, dir string) (booking.Policy, error)

	// Outgoing is where ActionReply/ActionOOFReply hand off the rendered
	// auto-reply, the same DeliveryTarget seam msgpipeline uses to reach
	// internal/target/remote or internal/target/queue.
	Outgoing module.DeliveryTarget
	// DomainLocality classifies a sender's domain relative to dir's
	// organisation, used to sort OOF senders into local/same-org/
	// external (spec §4.6.1(f)): a plain bool cannot express "different
	// domain but same organisation", which the spec treats as internal.
	// Nil means "every domain is local".
	DomainLocality func(ctx context.Context, dir, domain string) Locality
	// Templates holds raw textproto-formatted auto-reply bodies keyed by
	// name ("internal-reply", "external-reply", ...).
	Templates map[string][]byte
}

// Invocation is one delivery's input, spec §4.6.
type Invocation struct {
	StoreDir      string
	EnvelopeFrom  string
	EnvelopeTo    string
	FolderID      ids.EID
	MessageID     ids.EID
}

// Result summarises what Deliver did, mainly for tests and metrics.
type Result struct {
	FinalFolder  ids.EID
	FinalMsgID   ids.EID
	Deleted      bool
	RulesRun     int
	ActionsRun   int
	NotifySkipped bool
}

// Deliver runs spec §4.6 steps 1-7 against inv.
func (e *Engine) Deliver(ctx context.Context, inv Invocation) (Result, error) {
	res := Result{FinalFolder: inv.FolderID, FinalMsgID: inv.MessageID}

	oofState, err := e.Backend.IsOutOfOffice(ctx, inv.StoreDir)
	if err != nil {
		return res, gwerrors.New(gwerrors.RpcFailed, "ruleproc.Deliver.IsOutOfOffice", err)
	}
	oof := oofState.Effective(time.Now())

	stdRows, err := e.Backend.LoadRuleTable(ctx, inv.StoreDir, inv.FolderID)
	if err != nil {
		return res, gwerrors.New(gwerrors.RpcFailed, "ruleproc.Deliver.LoadRuleTable", err)
	}
	var std []StandardRule
	for _, row := range stdRows {
		sr, derr := decodeStandardRule(row)
		if derr != nil {
			e.Log.Error("ruleproc: dropping malformed standard rule", derr, "rule", row.RuleID)
			continue
		}
		std = append(std, sr)
	}
	std = FilterStandard(std, oof)

	extRows, err := e.Backend.LoadExtendedRules(ctx, inv.StoreDir, inv.FolderID)
	if err != nil {
		return res, gwerrors.New(gwerrors.RpcFailed, "ruleproc.Deliver.LoadExtendedRules", err)
	}
	var ext []ExtendedRule
	for _, row := range extRows {
		er, perr := parseExtendedRule(row)
		if perr != nil {
			e.Log.Error("ruleproc: dropping malformed extended rule", perr, "msg", row.MessageID)
			continue
		}
		ext = append(ext, er)
	}

	combined := sortedCombined(std, ext)

	msg, err := e.Backend.ReadMessage(ctx, inv.StoreDir, inv.MessageID)
	if err != nil {
		return res, gwerrors.New(gwerrors.RpcFailed, "ruleproc.Deliver.ReadMessage", err)
	}

	d := &delivery{
		e:           e,
		inv:         inv,
		msg:         msg,
		curDir:      inv.StoreDir,
		curFolder:   inv.FolderID,
		curMsgID:    inv.MessageID,
		loopCheck:   map[string]bool{},
	}

	var exited bool
	for _, rule := range combined {
		if exited && !rule.onlyWhenOOF() {
			continue
		}
		if rule.condition() != nil {
			elems := elementsOf(msg)
			if !restrict.Eval(rule.condition(), msg.Bag, elems) {
				continue
			}
		}
		res.RulesRun++

		actions := rule.actions()
		if rule.isExtended() {
			actions = filterExtendedActions(actions)
		}
		for _, act := range actions {
			outcome := d.dispatch(ctx, act)
			res.ActionsRun++
			if outcome.fatalDelivery {
				return res, outcome.err
			}
			// Non-fatal-to-delivery outcomes (NotFound, AccessDenied,
			// RpcFailed, LoopDetected on a single action) are logged
			// and the loop continues to the next action/rule, per
			// spec §7 policy.
			if outcome.err != nil {
				e.Log.Error("ruleproc: action failed", outcome.err, "rule", ruleLabel(rule), "action", act.Type)
			}
		}
		if rule.exitLevel() {
			exited = true
		}
	}

	res.FinalFolder = d.curFolder
	res.FinalMsgID = d.curMsgID
	res.Deleted = d.deleteRequested

	if !d.deleteRequested {
		if bErr := e.processBooking(ctx, d); bErr != nil {
			e.Log.Error("ruleproc: booking decision failed", bErr)
		}
	}

	if d.deleteRequested {
		if err := e.Backend.DeleteMessages(ctx, d.curDir, d.curFolder, []ids.EID{d.curMsgID}); err != nil {
			return res, gwerrors.New(gwerrors.RpcFailed, "ruleproc.Deliver.DeleteMessages", err)
		}
		res.NotifySkipped = true
		return res, nil
	}

	if err := e.Backend.NotifyNewMail(ctx, d.curDir, d.curFolder, d.curMsgID); err != nil {
		return res, gwerrors.New(gwerrors.RpcFailed, "ruleproc.Deliver.NotifyNewMail", err)
	}
	return res, nil
}

func ruleLabel(r combinedRule) string {
	if r.standard != nil {
		return fmt.Sprintf("std:%d", r.standard.RuleID)
	}
	return fmt.Sprintf("ext:%d", r.extended.MessageID)
}

func elementsOf(msg *propval.Message) restrict.Elements {
	return restrict.Elements{
		Recipients:  msg.Recipients,
		Attachments: attachmentBags(msg.Attachments),
	}
}

func attachmentBags(atts []*propval.Attachment) []*propval.Bag {
	out := make([]*propval.Bag, len(atts))
	for i, a := range atts {
		out[i] = a.Bag
	}
	return out
}

func filterExtendedActions(actions []ActionBlock) []ActionBlock {
	out := make([]ActionBlock, 0, len(actions))
	for _, a := range actions {
		if extendedAllowed[a.Type] {
			out = append(out, a)
		}
	}
	return out
}

// delivery carries per-invocation state: the engine's "current" message
// pointer (which MOVE actions update) and the loop-check set, which per
// spec §5 is never shared across invocations.
type delivery struct {
	e   *Engine
	inv Invocation

	msg *propval.Message

	curDir    string
	curFolder ids.EID
	curMsgID  ids.EID

	loopCheck map[string]bool

	deleteRequested bool
}

func decodeStandardRule(row store.RuleRow) (StandardRule, error) {
	cond, err := DecodeRestriction(row.Condition)
	if err != nil {
		return StandardRule{}, err
	}
	actions, err := DecodeActions(row.Actions)
	if err != nil {
		return StandardRule{}, err
	}
	return StandardRule{
		RuleID:    row.RuleID,
		State:     State(row.State),
		Sequence:  row.Sequence,
		Name:      row.Name,
		Provider:  row.Provider,
		Condition: cond,
		Actions:   actions,
	}, nil
}
