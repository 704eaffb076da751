package booking

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foxcpp/maddy-groupware/internal/groupware/propval"
)

func roomBag() *propval.Bag {
	b := propval.NewBag()
	b.Set(propval.PR_DISPLAY_TYPE, propval.Value{Type: propval.TI32, I32: 7})
	return b
}

func equipmentBag() *propval.Bag {
	b := propval.NewBag()
	b.Set(propval.PR_DISPLAY_TYPE, propval.Value{Type: propval.TI32, I32: 8})
	return b
}

func personBag() *propval.Bag {
	b := propval.NewBag()
	b.Set(propval.PR_DISPLAY_TYPE, propval.Value{Type: propval.TI32, I32: 0})
	return b
}

func TestDecideRecurringDeclineFirstMatchWins(t *testing.T) {
	// Recurring + DECLINE_RECURRING wins even if PROCESS is also set and
	// there is no overlap, per the decision table's first-match-wins order.
	d := Decide(true, DeclineRecurringMeetingRequests|ProcessMeetingRequests, 0)
	require.Equal(t, Declined, d)
}

func TestDecideConflictingOverlapDeclines(t *testing.T) {
	d := Decide(false, DeclineConflictingMeetingRequests, 1)
	require.Equal(t, Declined, d)

	// No overlap: conflicting-decline never fires.
	d = Decide(false, DeclineConflictingMeetingRequests, 0)
	require.Equal(t, Untouched, d)
}

func TestDecideProcessWithNoOverlapAccepts(t *testing.T) {
	d := Decide(false, ProcessMeetingRequests, 0)
	require.Equal(t, Accepted, d)
}

func TestDecideProcessWithOverlapAndNoDeclinePolicyIsUntouched(t *testing.T) {
	d := Decide(false, ProcessMeetingRequests, 1)
	require.Equal(t, Untouched, d)
}

func TestDecideNoPolicyBitsIsUntouched(t *testing.T) {
	d := Decide(false, 0, 0)
	require.Equal(t, Untouched, d)
}

func TestDecideProcessAndDeclineConflictingBothSetOverlapDeclines(t *testing.T) {
	// DECLINE_CONFLICTING's row outranks PROCESS's accept row when both
	// are set and there is an overlap.
	d := Decide(false, ProcessMeetingRequests|DeclineConflictingMeetingRequests, 2)
	require.Equal(t, Declined, d)
}

func TestApplicableRequiresMeetingRequestClassAndResourceRecipient(t *testing.T) {
	require.True(t, Applicable([]*propval.Bag{roomBag()}, MeetingRequestClass))
	require.True(t, Applicable([]*propval.Bag{equipmentBag()}, MeetingRequestClass))
	require.False(t, Applicable([]*propval.Bag{personBag()}, MeetingRequestClass), "no resource recipient")
	require.False(t, Applicable([]*propval.Bag{roomBag()}, "IPM.Note"), "wrong message class")
	require.False(t, Applicable(nil, MeetingRequestClass))
}

func TestApplicableAnyResourceRecipientAmongMany(t *testing.T) {
	require.True(t, Applicable([]*propval.Bag{personBag(), roomBag()}, MeetingRequestClass))
}

func TestProcessAcceptedWritesClassAndBusyStatus(t *testing.T) {
	bag := propval.NewBag()
	d := Process(bag, false, ProcessMeetingRequests, 0)
	require.Equal(t, Accepted, d)

	cls, ok := bag.Get(propval.PR_MESSAGE_CLASS)
	require.True(t, ok)
	require.Equal(t, MeetingAcceptClass, cls.Str)

	resp, ok := bag.Get(propval.PR_RESPONSE_STATUS)
	require.True(t, ok)
	require.EqualValues(t, 1, resp.I32)

	busy, ok := bag.Get(propval.PR_BUSY_STATUS)
	require.True(t, ok)
	require.EqualValues(t, 2, busy.I32)
}

func TestProcessDeclinedWritesClassAndResponseStatusOnly(t *testing.T) {
	bag := propval.NewBag()
	d := Process(bag, false, DeclineConflictingMeetingRequests, 3)
	require.Equal(t, Declined, d)

	cls, ok := bag.Get(propval.PR_MESSAGE_CLASS)
	require.True(t, ok)
	require.Equal(t, MeetingDeclineClass, cls.Str)

	resp, ok := bag.Get(propval.PR_RESPONSE_STATUS)
	require.True(t, ok)
	require.EqualValues(t, 2, resp.I32)

	_, ok = bag.Get(propval.PR_BUSY_STATUS)
	require.False(t, ok, "declined meetings do not set busy status")
}

func TestProcessUntouchedWritesNothing(t *testing.T) {
	bag := propval.NewBag()
	d := Process(bag, false, 0, 0)
	require.Equal(t, Untouched, d)
	require.Equal(t, 0, bag.Len())
}
