// Package restrict implements the boolean restriction tree and its
// evaluator (spec component C3, the evaluator half; propval owns the
// value model). The tree is immutable except for the COUNT node's own
// counter field, mutated only during one evaluation pass (spec §4.3).
package restrict

import "strings"

import "github.com/foxcpp/maddy-groupware/internal/groupware/propval"

// Kind enumerates restriction node types, spec §3.
type Kind int

const (
	KAnd Kind = iota
	KOr
	KNot
	KContent
	KProperty
	KPropCompare
	KBitmask
	KSize
	KExist
	KSubrestriction
	KComment
	KCount
	KNull
)

// ContentMode selects CONTENT matching behaviour.
type ContentMode int

const (
	ContentFullstring ContentMode = iota
	ContentSubstring
	ContentPrefix
)

// ContentCase selects CONTENT case-folding behaviour.
type ContentCase int

const (
	CaseExact ContentCase = iota
	CaseIgnore
	CaseLoose // ignore-case + collapse runs of whitespace
)

// BitmaskMode selects BITMASK node semantics.
type BitmaskMode int

const (
	BMR_EQZ BitmaskMode = iota
	BMR_NEZ
)

// Node is one restriction tree node. Only the fields relevant to Kind are
// read by Eval; the zero value of irrelevant fields is ignored.
type Node struct {
	Kind Kind

	Children []*Node // AND, OR

	Inner *Node // NOT, COMMENT, SUBRESTRICTION's inner, COUNT's sub

	// CONTENT / PROPERTY / PROPCOMPARE / BITMASK / SIZE / EXIST
	Tag     propval.Tag
	Tag2    propval.Tag // PROPCOMPARE only
	Literal propval.Value
	RelOp   propval.RelOp
	CMode   ContentMode
	CCase   ContentCase
	BMode   BitmaskMode
	Mask    uint32
	NullEQ  bool // PROPERTY literal stands for MAPI's PT_NULL

	// SUBRESTRICTION
	SubTag propval.Tag // PR_MESSAGE_RECIPIENTS or PR_MESSAGE_ATTACHMENTS

	// COUNT
	N int

	// COMMENT/ANNOTATION
	HasInner bool
}

// NullNode evaluates to true unconditionally.
func NullNode() *Node { return &Node{Kind: KNull} }

// Elements supplies the sub-containers a SUBRESTRICTION node iterates:
// the recipient bags and attachment bags of the message currently being
// evaluated. ruleproc builds one Elements value per delivery from the
// propval.Message it is acting on; restrict never touches propval.Message
// directly, keeping the evaluator a pure function of bag + Elements
// (spec §4.3 "no side effects... depends only on the bag").
type Elements struct {
	Recipients  []*propval.Bag
	Attachments []*propval.Bag
}

// Eval is a pure function of (node, bag, elems) with one exception: a
// COUNT node nested under SUBRESTRICTION counts matching sub-elements
// itself and does not mutate any shared state — its N field is read-only
// during Eval; the decrementing behaviour described informally in spec
// §4.3 is realised here as a running tally local to one
// evalCountOverElems call, so COUNT state never leaks across deliveries
// or across sibling evaluations.
func Eval(n *Node, bag *propval.Bag, elems Elements) bool {
	if n == nil {
		return true
	}
	switch n.Kind {
	case KNull:
		return true
	case KAnd:
		for _, c := range n.Children {
			if !Eval(c, bag, elems) {
				return false
			}
		}
		return true
	case KOr:
		for _, c := range n.Children {
			if Eval(c, bag, elems) {
				return true
			}
		}
		return false
	case KNot:
		return !Eval(n.Inner, bag, elems)
	case KContent:
		return evalContent(n, bag)
	case KProperty:
		return evalProperty(n, bag)
	case KPropCompare:
		return evalPropCompare(n, bag)
	case KBitmask:
		return evalBitmask(n, bag)
	case KSize:
		return evalSize(n, bag)
	case KExist:
		_, ok := bag.Get(n.Tag)
		return ok
	case KSubrestriction:
		return evalSubrestriction(n, elems)
	case KComment:
		if n.HasInner {
			return Eval(n.Inner, bag, elems)
		}
		return true
	case KCount:
		// A bare COUNT with no enclosing SUBRESTRICTION has nothing to
		// iterate; evaluated standalone it degrades to evaluating
		// Inner once against the current bag.
		return Eval(n.Inner, bag, elems)
	default:
		return false
	}
}

func evalContent(n *Node, bag *propval.Bag) bool {
	v, ok := bag.Get(n.Tag)
	if !ok {
		return false
	}
	if v.Type != propval.TString8 && v.Type != propval.TUnicode {
		return false
	}
	hay := v.Str
	needle := n.Literal.Str
	if n.CCase != CaseExact {
		hay = strings.ToLower(hay)
		needle = strings.ToLower(needle)
	}
	if n.CCase == CaseLoose {
		hay = collapseSpace(hay)
		needle = collapseSpace(needle)
	}
	switch n.CMode {
	case ContentFullstring:
		return hay == needle
	case ContentPrefix:
		return strings.HasPrefix(hay, needle)
	case ContentSubstring:
		return strings.Contains(hay, needle)
	default:
		return false
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func evalProperty(n *Node, bag *propval.Bag) bool {
	v, ok := bag.Get(n.Tag)
	if !ok {
		// Missing property with EQ against a NULL literal => true,
		// otherwise false (spec §4.3).
		return n.RelOp == propval.RelEQ && n.NullEQ
	}
	result, comparable := v.Compare(n.RelOp, n.Literal)
	return comparable && result
}

func evalPropCompare(n *Node, bag *propval.Bag) bool {
	a, aok := bag.Get(n.Tag)
	b, bok := bag.Get(n.Tag2)
	if !aok || !bok {
		return false
	}
	if a.Type != b.Type {
		return false
	}
	result, comparable := a.Compare(n.RelOp, b)
	return comparable && result
}

func evalBitmask(n *Node, bag *propval.Bag) bool {
	v, ok := bag.Get(n.Tag)
	if !ok {
		return false
	}
	var val uint32
	switch v.Type {
	case propval.TI32:
		val = uint32(v.I32)
	case propval.TI64:
		val = uint32(v.I64)
	default:
		return false
	}
	switch n.BMode {
	case BMR_EQZ:
		return val&n.Mask == 0
	case BMR_NEZ:
		return val&n.Mask != 0
	default:
		return false
	}
}

func evalSize(n *Node, bag *propval.Bag) bool {
	v, ok := bag.Get(n.Tag)
	if !ok {
		return false
	}
	sz := propval.Value{Type: propval.TI64, I64: v.SizeBytes()}
	result, comparable := sz.Compare(n.RelOp, propval.Value{Type: propval.TI64, I64: n.Literal.I64})
	return comparable && result
}

func evalSubrestriction(n *Node, elems Elements) bool {
	var sub []*propval.Bag
	switch n.SubTag {
	case propval.PR_MESSAGE_RECIPIENTS:
		sub = elems.Recipients
	case propval.PR_MESSAGE_ATTACHMENTS:
		sub = elems.Attachments
	default:
		return false
	}

	if n.Inner != nil && n.Inner.Kind == KCount {
		return evalCountOverElems(n.Inner, sub)
	}

	for _, e := range sub {
		// Elements of PR_MESSAGE_ATTACHMENTS may themselves carry
		// recipients/attachments of an embedded message; this
		// restriction language does not nest SUBRESTRICTION inside
		// SUBRESTRICTION in practice, so an empty Elements is passed
		// down (matches the source's one-level SUBRESTRICTION scope).
		if Eval(n.Inner, e, Elements{}) {
			return true
		}
	}
	return false
}

// evalCountOverElems implements COUNT nested inside SUBRESTRICTION: it
// counts how many elements make Inner true and compares the tally to N
// for EXACT equality — spec §9 flags this as an open question versus the
// ">=" most MAPI clients assume; this module picks exact equality and
// documents the choice in DESIGN.md.
func evalCountOverElems(countNode *Node, elems []*propval.Bag) bool {
	matches := 0
	for _, e := range elems {
		if Eval(countNode.Inner, e, Elements{}) {
			matches++
		}
	}
	return matches == countNode.N
}
