// Package booking implements resource-mailbox booking policy (spec
// component C7): for room/equipment recipients of a meeting request, it
// inspects free/busy overlap and the mailbox's configured policy bits to
// decide auto-accept, auto-decline, or leave-untouched.
package booking

import (
	"context"
	"time"

	"github.com/foxcpp/maddy-groupware/internal/groupware/propval"
)

// Policy is the resource mailbox's booking policy bitmask (spec §4.7).
type Policy uint32

const (
	ProcessMeetingRequests            Policy = 1 << 0
	DeclineRecurringMeetingRequests   Policy = 1 << 1
	DeclineConflictingMeetingRequests Policy = 1 << 2
)

// Decision is the outcome of evaluating the decision table.
type Decision int

const (
	Untouched Decision = iota
	Accepted
	Declined
)

const (
	MeetingRequestClass = "IPM.Schedule.Meeting.Request"
	MeetingAcceptClass  = "IPM.Schedule.Meeting.Resp.Pos"
	MeetingDeclineClass = "IPM.Schedule.Meeting.Resp.Neg"
)

// FreeBusyLookup is the store RPC this component blocks on: appt_meetreq_
// overlap in spec §6, returning the count of overlapping non-tentative
// events in [start, end].
type FreeBusyLookup func(ctx context.Context, mailbox string, start, end time.Time) (overlapCount int, err error)

// Decide applies spec §4.7's first-match-wins decision table.
func Decide(recurring bool, policy Policy, overlapCount int) Decision {
	switch {
	case recurring && policy&DeclineRecurringMeetingRequests != 0:
		return Declined
	case policy&DeclineConflictingMeetingRequests != 0 && overlapCount >= 1:
		return Declined
	case policy&ProcessMeetingRequests != 0 && overlapCount == 0:
		return Accepted
	default:
		// Covers both "PROCESS disabled" and "PROCESS enabled with a
		// conflicting overlap but DECLINE_CONFLICTING not set" — no
		// row in the decision table matches, so the item is left
		// untouched.
		return Untouched
	}
}

// Applicable reports whether booking should run at all for this message:
// a recipient classified as room/equipment and a meeting-request class,
// per spec §4.7's trigger condition.
func Applicable(recipients []*propval.Bag, messageClass string) bool {
	if messageClass != MeetingRequestClass {
		return false
	}
	for _, r := range recipients {
		dt, ok := r.Get(propval.PR_DISPLAY_TYPE)
		if ok && (dt.I32 == 7 /* room */ || dt.I32 == 8 /* equipment */) {
			return true
		}
	}
	return false
}

// Process runs the Decide logic for one resource recipient and, when a
// decision is reached, writes the intended response onto bag: message
// class, response-status, and (on Accepted) busy-status. The caller
// (ruleproc) is responsible for allocating and attaching the fresh
// CN/PCL entry this write requires, the same way every other C6 action
// does (spec §4.7: "Write a fresh CN and PCL entry").
func Process(bag *propval.Bag, recurring bool, policy Policy, overlapCount int) Decision {
	d := Decide(recurring, policy, overlapCount)
	switch d {
	case Accepted:
		bag.Set(propval.PR_MESSAGE_CLASS, propval.Value{Type: propval.TUnicode, Str: MeetingAcceptClass})
		bag.Set(propval.PR_RESPONSE_STATUS, propval.Value{Type: propval.TI32, I32: 1}) // Accepted
		bag.Set(propval.PR_BUSY_STATUS, propval.Value{Type: propval.TI32, I32: 2})     // Busy
	case Declined:
		bag.Set(propval.PR_MESSAGE_CLASS, propval.Value{Type: propval.TUnicode, Str: MeetingDeclineClass})
		bag.Set(propval.PR_RESPONSE_STATUS, propval.Value{Type: propval.TI32, I32: 2}) // Declined
	}
	return d
}
