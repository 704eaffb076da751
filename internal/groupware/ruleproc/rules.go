// Package ruleproc implements the rule loader and evaluator (spec
// component C6): it loads standard and extended rules for a folder,
// filters and sorts them, evaluates conditions, and executes action
// blocks against a freshly delivered message.
package ruleproc

import (
	"sort"

	"github.com/foxcpp/maddy-groupware/internal/groupware/ids"
	"github.com/foxcpp/maddy-groupware/internal/groupware/propval"
	"github.com/foxcpp/maddy-groupware/internal/groupware/restrict"
)

// State is the standard-rule state bitmask, spec §3.
type State uint32

const (
	StateEnabled       State = 1 << 0
	StateOnlyWhenOOF   State = 1 << 1
	StateExitLevel     State = 1 << 2
	StateParseError    State = 1 << 3
	StateError         State = 1 << 4
	StateSkipIfSCLOver State = 1 << 5
)

// ActionType enumerates the action-block kinds, spec §3.
type ActionType int

const (
	ActionMove ActionType = iota
	ActionCopy
	ActionReply
	ActionOOFReply
	ActionDefer
	ActionBounce
	ActionForward
	ActionDelegate
	ActionTag
	ActionDelete
	ActionMarkRead
)

// extendedAllowed is the strict action subset extended rules may use
// (spec §4.6.2); anything else is silently ignored for forward
// compatibility.
var extendedAllowed = map[ActionType]bool{
	ActionMarkRead: true,
	ActionTag:      true,
	ActionDelete:   true,
}

// MoveCopyTarget is an action's destination: either a same-store folder
// eid, or a (store-entryid, folder-entryid) pair with CrossStore set
// (spec §3).
type MoveCopyTarget struct {
	CrossStore   bool
	Folder       ids.EID // same-store case
	StoreEntryID []byte  // cross-store case: target store's entry-id
	DstFolder    ids.EID // cross-store case: target folder eid within that store
}

// ActionBlock is one rule action: a type, flags, and a type-specific
// payload (spec §3).
type ActionBlock struct {
	Type  ActionType
	Flags uint32

	// ActionMove / ActionCopy
	Target MoveCopyTarget

	// ActionTag
	TagValue propval.Tag
	Value    propval.Value

	// ActionReply / ActionOOFReply
	TemplateName string // "internal-reply" or "external-reply"
}

// StandardRule is a folder-attached rule record, spec §3.
type StandardRule struct {
	RuleID    int64
	State     State
	Sequence  int32
	Name      string
	Provider  string
	Condition *restrict.Node // nil means "no condition" (always matches)
	Actions   []ActionBlock
}

// ExtendedRule is a hidden associated message carrying a self-describing
// binary condition/action payload plus its own named-property table for
// portable reinterpretation, spec §3.
type ExtendedRule struct {
	MessageID ids.EID
	Version   uint32
	Condition *restrict.Node
	Actions   []ActionBlock
	// NamedProps is the per-rule named-property index table carried by
	// the blob, used to re-resolve any named tags the blob references
	// against the current store (spec §4.6 step 3).
	NamedProps map[uint16]NPEntry
}

// NPEntry is one entry of an extended rule's self-describing named-
// property table.
type NPEntry struct {
	GUID      [16]byte
	LID       uint32
	Str       string
	HasString bool
}

// combinedRule is the common view ruleEngine iterates over, after
// standard and extended rules are merged and sorted.
type combinedRule struct {
	sequence  int32
	standard  *StandardRule
	extended  *ExtendedRule
}

func (r combinedRule) condition() *restrict.Node {
	if r.standard != nil {
		return r.standard.Condition
	}
	return r.extended.Condition
}

func (r combinedRule) actions() []ActionBlock {
	if r.standard != nil {
		return r.standard.Actions
	}
	return r.extended.Actions
}

func (r combinedRule) exitLevel() bool {
	return r.standard != nil && r.standard.State&StateExitLevel != 0
}

func (r combinedRule) onlyWhenOOF() bool {
	return r.standard != nil && r.standard.State&StateOnlyWhenOOF != 0
}

func (r combinedRule) isExtended() bool {
	return r.extended != nil
}

// RuleStateEligible reports whether a standard rule carrying the given
// state bits should be loaded for this delivery: ENABLED rules always
// qualify, and when the mailbox is currently out-of-office,
// ONLY_WHEN_OOF rules additionally qualify. This is an OR of the two
// tests, not an AND-narrowing of the enabled set, mirroring
// rx_load_std_rules's RES_OR of its two RES_BITMASK restrictions
// (original_source/lib/ruleproc.cpp) — turning OOF on must never
// disable a mailbox's ordinary rules.
func RuleStateEligible(state State, oof bool) bool {
	return state&StateEnabled != 0 || (oof && state&StateOnlyWhenOOF != 0)
}

// FilterStandard returns the rules RuleStateEligible accepts, the single
// source of truth for standard-rule eligibility (spec §4.6 step 2); the
// store.Backend is expected to return every row for the folder and let
// this decide, rather than duplicate the filter itself.
func FilterStandard(rules []StandardRule, oof bool) []StandardRule {
	out := make([]StandardRule, 0, len(rules))
	for _, r := range rules {
		if RuleStateEligible(r.State, oof) {
			out = append(out, r)
		}
	}
	return out
}

// sortedCombined merges standard and extended rules and sorts the result
// ascending by sequence, stably (spec §4.6 step 4).
func sortedCombined(std []StandardRule, ext []ExtendedRule) []combinedRule {
	out := make([]combinedRule, 0, len(std)+len(ext))
	for i := range std {
		out = append(out, combinedRule{sequence: std[i].Sequence, standard: &std[i]})
	}
	for i := range ext {
		// Extended rules carry no explicit sequence in the source;
		// this module sorts them after same-sequence standard rules
		// by assigning sequence 0, which is the common default for
		// standard rules too, so stability (original load order)
		// breaks ties exactly as spec §4.6 step 4 requires ("stable").
		out = append(out, combinedRule{sequence: 0, extended: &ext[i]})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].sequence < out[j].sequence
	})
	return out
}
