package ruleproc

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/foxcpp/maddy-groupware/internal/groupware/gwerrors"
	"github.com/foxcpp/maddy-groupware/internal/groupware/restrict"
	"github.com/foxcpp/maddy-groupware/internal/groupware/store"
)

// Wire encoding for rule condition/action payloads (spec §6 "Rule
// persistence"). There is no pre-existing portable MAPI restriction/
// action wire codec in this module's dependency set (spec §1 Non-goals:
// no full MAPI property catalogue), so the condition tree and action
// list are gob-encoded — the same stdlib choice the teacher's own
// internal/updatepipe makes for its change-log payloads, justified in
// DESIGN.md as a bespoke, spec-defined format rather than a place an
// ecosystem codec could serve.

func init() {
	gob.Register(&restrict.Node{})
}

// EncodeRestriction serialises a condition tree for storage in a
// StandardRule row's Condition column.
func EncodeRestriction(n *restrict.Node) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(n); err != nil {
		return nil, gwerrors.New(gwerrors.InvariantViolated, "ruleproc.EncodeRestriction", err)
	}
	return buf.Bytes(), nil
}

// DecodeRestriction is the inverse of EncodeRestriction. An empty blob
// decodes to "no condition" (nil), which the engine treats as always-true.
func DecodeRestriction(b []byte) (*restrict.Node, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var n *restrict.Node
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&n); err != nil {
		return nil, gwerrors.New(gwerrors.Parse, "ruleproc.DecodeRestriction", err)
	}
	return n, nil
}

// EncodeActions serialises an action-block list for storage in a
// StandardRule row's Actions column.
func EncodeActions(actions []ActionBlock) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(actions); err != nil {
		return nil, gwerrors.New(gwerrors.InvariantViolated, "ruleproc.EncodeActions", err)
	}
	return buf.Bytes(), nil
}

// DecodeActions is the inverse of EncodeActions.
func DecodeActions(b []byte) ([]ActionBlock, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var actions []ActionBlock
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&actions); err != nil {
		return nil, gwerrors.New(gwerrors.Parse, "ruleproc.DecodeActions", err)
	}
	return actions, nil
}

// extendedRuleVersion is the only accepted extended-rule blob version
// (spec §4.6 step 3 / §9 open question: behaviour on version > 1 is
// "drop silently", which this module implements without additionally
// persisting a parse-error flag on the rule record — see DESIGN.md).
const extendedRuleVersion = 1

// extBlob is the self-describing shape of one extended-rule blob: a
// version header, the blob's own named-property index table (for
// portable reinterpretation against whatever store currently holds it),
// and a payload gob-encoded as raw bytes (decoded by the caller once the
// version check passes).
type extBlob struct {
	Version    uint32
	NamedProps map[uint16]NPEntry
	Payload    []byte
}

func encodeExtBlob(b extBlob) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, b.Version); err != nil {
		return nil, err
	}
	if err := gob.NewEncoder(&buf).Encode(b.NamedProps); err != nil {
		return nil, err
	}
	if err := gob.NewEncoder(&buf).Encode(b.Payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeExtBlob(raw []byte) (extBlob, error) {
	var out extBlob
	r := bytes.NewReader(raw)
	if err := binary.Read(r, binary.LittleEndian, &out.Version); err != nil {
		return out, err
	}
	dec := gob.NewDecoder(r)
	if err := dec.Decode(&out.NamedProps); err != nil {
		return out, err
	}
	if err := dec.Decode(&out.Payload); err != nil {
		return out, err
	}
	return out, nil
}

// parseExtendedRule decodes one extended-rule row's condition and action
// blobs (spec §4.6 step 3). Each blob independently carries a version
// header and named-property table; a version other than 1 causes the
// whole rule to be dropped silently (spec §9 open question, resolved
// here in favour of matching the observed behaviour exactly). The two
// blobs' named-property tables are merged into the ExtendedRule's
// NamedProps for re-resolution against the current store.
func parseExtendedRule(row store.ExtRuleRow) (ExtendedRule, error) {
	condBlob, err := decodeExtBlob(row.ConditionBlob)
	if err != nil {
		return ExtendedRule{}, gwerrors.New(gwerrors.Parse, "ruleproc.parseExtendedRule", fmt.Errorf("condition blob: %w", err))
	}
	actBlob, err := decodeExtBlob(row.ActionBlob)
	if err != nil {
		return ExtendedRule{}, gwerrors.New(gwerrors.Parse, "ruleproc.parseExtendedRule", fmt.Errorf("action blob: %w", err))
	}
	if condBlob.Version != extendedRuleVersion || actBlob.Version != extendedRuleVersion {
		return ExtendedRule{}, gwerrors.New(gwerrors.Parse, "ruleproc.parseExtendedRule",
			fmt.Errorf("unsupported extended rule version %d/%d", condBlob.Version, actBlob.Version))
	}

	cond, err := DecodeRestriction(condBlob.Payload)
	if err != nil {
		return ExtendedRule{}, err
	}
	actions, err := DecodeActions(actBlob.Payload)
	if err != nil {
		return ExtendedRule{}, err
	}

	merged := make(map[uint16]NPEntry, len(condBlob.NamedProps)+len(actBlob.NamedProps))
	for k, v := range condBlob.NamedProps {
		merged[k] = v
	}
	for k, v := range actBlob.NamedProps {
		merged[k] = v
	}

	return ExtendedRule{
		MessageID:  row.MessageID,
		Version:    condBlob.Version,
		Condition:  cond,
		Actions:    filterExtendedActions(actions),
		NamedProps: merged,
	}, nil
}
