package propval

// Well-known property tags the ruleproc/restrict/booking packages dispatch
// on by identity. Only the subset actually referenced by this module is
// declared; a full MAPI property catalogue is explicitly out of scope
// (spec §1 Non-goals).
var (
	PR_MESSAGE_RECIPIENTS  = Tag{Type: TObjectRef, ID: 0x0e12}
	PR_MESSAGE_ATTACHMENTS = Tag{Type: TObjectRef, ID: 0x0e13}
	PR_SUBJECT             = Tag{Type: TUnicode, ID: 0x0037}
	PR_MESSAGE_CLASS       = Tag{Type: TUnicode, ID: 0x001a}
	PR_RECIPIENT_TYPE      = Tag{Type: TI32, ID: 0x0c15}
	PR_DISPLAY_TYPE        = Tag{Type: TI32, ID: 0x3900}
	PR_CHANGE_NUMBER       = Tag{Type: TI64, ID: 0x67a4}
	PR_PREDECESSOR_CHANGE_LIST = Tag{Type: TBinary, ID: 0x65e2}
	PR_LAST_MODIFICATION_TIME  = Tag{Type: TFiletime, ID: 0x3008}
	PR_LOCAL_COMMIT_TIME       = Tag{Type: TFiletime, ID: 0x6709}
	PR_START_DATE          = Tag{Type: TFiletime, ID: 0x0060}
	PR_END_DATE            = Tag{Type: TFiletime, ID: 0x0061}
	PR_RESPONSE_STATUS     = Tag{Type: TI32, ID: 0x3229}
	PR_BUSY_STATUS         = Tag{Type: TI32, ID: 0x8205}
	PR_MESSAGE_READ        = Tag{Type: TBool, ID: 0x0e69}
)

// Message is a property bag plus an ordered recipient list and an ordered
// attachment list, per spec §3.
type Message struct {
	Bag         *Bag
	Recipients  []*Bag
	Attachments []*Attachment
}

// Attachment is a property bag with an optional embedded message; nesting
// depth is bounded by the client that produced it, per spec §3.
type Attachment struct {
	Bag     *Bag
	Message *Message
}

// NewMessage returns an empty message.
func NewMessage() *Message {
	return &Message{Bag: NewBag()}
}

// Clone deep-copies the message, its recipients, and its attachments
// (recursively through embedded messages).
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := &Message{Bag: m.Bag.Clone()}
	out.Recipients = make([]*Bag, len(m.Recipients))
	for i, r := range m.Recipients {
		out.Recipients[i] = r.Clone()
	}
	out.Attachments = make([]*Attachment, len(m.Attachments))
	for i, a := range m.Attachments {
		out.Attachments[i] = &Attachment{Bag: a.Bag.Clone(), Message: a.Message.Clone()}
	}
	return out
}

// WalkBags invokes f on the message's own bag, every recipient bag, every
// attachment bag, and (recursively) every bag of an embedded message — the
// traversal order npmap.ReplaceNPIDs relies on to preserve in-bag ordering
// while rewriting every named tag it finds (spec §4.2).
func (m *Message) WalkBags(f func(*Bag)) {
	if m == nil {
		return
	}
	f(m.Bag)
	for _, r := range m.Recipients {
		f(r)
	}
	for _, a := range m.Attachments {
		f(a.Bag)
		a.Message.WalkBags(f)
	}
}
