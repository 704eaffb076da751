package ruleproc

import (
	"context"
	"fmt"

	"github.com/foxcpp/maddy-groupware/internal/groupware/booking"
	"github.com/foxcpp/maddy-groupware/internal/groupware/gwerrors"
	"github.com/foxcpp/maddy-groupware/internal/groupware/propval"
)

// processBooking runs the resource-mailbox decision table (spec §4.7)
// against the message just delivered by d, after rule processing and
// before NotifyNewMail. It is a no-op when the engine has no
// BookingPolicy hook or the message does not apply (not a meeting
// request addressed to a room/equipment recipient).
func (e *Engine) processBooking(ctx context.Context, d *delivery) error {
	if e.BookingPolicy == nil {
		return nil
	}
	classVal, ok := d.msg.Bag.Get(propval.PR_MESSAGE_CLASS)
	if !ok || !booking.Applicable(d.msg.Recipients, classVal.Str) {
		return nil
	}

	policy, err := e.BookingPolicy(ctx, d.curDir)
	if err != nil {
		return gwerrors.New(gwerrors.RpcFailed, "ruleproc.processBooking.BookingPolicy", err)
	}

	startV, hasStart := d.msg.Bag.Get(propval.PR_START_DATE)
	endV, hasEnd := d.msg.Bag.Get(propval.PR_END_DATE)
	if !hasStart || !hasEnd {
		return gwerrors.New(gwerrors.NotFound, "ruleproc.processBooking", fmt.Errorf("meeting request missing start/end date"))
	}

	overlap, err := e.Backend.ApptMeetreqOverlap(ctx, d.curDir, startV.Filetime, endV.Filetime)
	if err != nil {
		return gwerrors.New(gwerrors.RpcFailed, "ruleproc.processBooking.ApptMeetreqOverlap", err)
	}

	// Recurrence is not modeled in the property set this package carries
	// (spec §1 Non-goals: no full MAPI property catalogue); every meeting
	// request is treated as non-recurring, so
	// DeclineRecurringMeetingRequests never fires. A store that needs
	// recurrence handling can extend propval with the relevant tag and
	// thread it through here without touching the decision table itself.
	const recurring = false

	xid, err := e.Backend.AllocateCN(ctx, d.curDir)
	if err != nil {
		return gwerrors.New(gwerrors.RpcFailed, "ruleproc.processBooking.AllocateCN", err)
	}

	decision := booking.Process(d.msg.Bag, recurring, policy, overlap)
	if decision == booking.Untouched {
		return nil
	}
	Stamp(d.msg.Bag, xid)
	touchLastModification(d.msg.Bag)
	return e.Backend.SetMessageProperties(ctx, d.curDir, d.curMsgID, d.msg.Bag)
}
