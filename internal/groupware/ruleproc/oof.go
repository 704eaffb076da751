package ruleproc

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/emersion/go-message/textproto"

	"github.com/foxcpp/maddy-groupware/framework/buffer"
	"github.com/foxcpp/maddy-groupware/framework/module"
	"github.com/foxcpp/maddy-groupware/internal/groupware/gwerrors"
	"github.com/foxcpp/maddy-groupware/internal/groupware/propval"
)

// Out-of-office action flag bits (ActionBlock.Flags), spec §4.6.1(f).
const (
	FlagAllowExternalOOF uint32 = 1 << 0 // reply to senders outside the local domain set at all
	FlagExternalAudience uint32 = 1 << 1 // use the "external" template instead of "internal" for such senders
)

// bounceKey identifies one (sender, mailbox) pair for the per-process
// once-per-sender throttle.
type bounceKey struct {
	from string
	to   string
}

// BounceAudit throttles auto-replies (out-of-office and bounce messages)
// to at most one per (envelope-from, mailbox) pair for the lifetime of
// the process, the simplest rule that prevents reply storms between two
// auto-responders. Capacity-bounded: once full, the single
// oldest-by-insertion entry is evicted to admit a new one, resolving
// spec §9's open question on audit eviction order in favour of
// insertion/timestamp order, the least-surprising choice for an
// operator inspecting the table.
type BounceAudit struct {
	mu       sync.Mutex
	capacity int
	order    []bounceKey
	seen     map[bounceKey]struct{}
}

// NewBounceAudit returns an empty audit table bounded to capacity
// entries.
func NewBounceAudit(capacity int) *BounceAudit {
	if capacity <= 0 {
		capacity = 4096
	}
	return &BounceAudit{
		capacity: capacity,
		seen:     map[bounceKey]struct{}{},
	}
}

// Allow reports whether an auto-reply from "to" addressed to "from" may
// be sent, and records it if so. Safe for concurrent use across
// deliveries, per spec §5.
func (b *BounceAudit) Allow(from, to string) bool {
	k := bounceKey{from: from, to: to}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.seen[k]; ok {
		return false
	}
	if len(b.order) >= b.capacity {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.seen, oldest)
	}
	b.seen[k] = struct{}{}
	b.order = append(b.order, k)
	return true
}

// reply implements the ActionReply/ActionOOFReply action, spec §4.6.1(f):
// a guard chain decides whether an auto-reply may be sent at all, then a
// template is rendered and handed to the engine's configured outgoing
// target with X-Auto-Response-Suppress set so well-behaved peers do not
// loop back.
func (d *delivery) reply(ctx context.Context, act ActionBlock) actionOutcome {
	from := d.inv.EnvelopeFrom
	to := d.inv.EnvelopeTo

	if from == "" || strings.EqualFold(from, "MAILER-DAEMON") || strings.EqualFold(from, "none@none") {
		// Placeholder/null sender (bounces, DSNs, the literal "none@none"
		// MAPI uses for a missing PR_SENDER_EMAIL_ADDRESS): never
		// auto-reply to these, per spec §4.6.1(f).
		return skip(gwerrors.New(gwerrors.NotFound, "ruleproc.reply", fmt.Errorf("refusing to reply to null sender")))
	}
	if strings.EqualFold(from, to) {
		// Never reply to oneself.
		return skip(gwerrors.New(gwerrors.NotFound, "ruleproc.reply", fmt.Errorf("refusing to reply to own address")))
	}

	loc := d.e.locality(ctx, d.curDir, from)
	external := loc == LocalityExternal
	if external && act.Flags&FlagAllowExternalOOF == 0 {
		return skip(gwerrors.New(gwerrors.AccessDenied, "ruleproc.reply", fmt.Errorf("external sender %q not permitted by policy", from)))
	}

	externalAudience := act.Flags&FlagExternalAudience != 0
	if external && externalAudience {
		isContact, err := d.e.Backend.IsContact(ctx, d.curDir, from)
		if err != nil {
			return skip(gwerrors.New(gwerrors.RpcFailed, "ruleproc.reply.IsContact", err))
		}
		if !isContact {
			return skip(gwerrors.New(gwerrors.AccessDenied, "ruleproc.reply", fmt.Errorf("external sender %q not in contacts, required by EXTERNAL_AUDIENCE", from)))
		}
	}

	if d.e.Bounce != nil && !d.e.Bounce.Allow(from, to) {
		return skip(gwerrors.New(gwerrors.NotFound, "ruleproc.reply", fmt.Errorf("already auto-replied to %q this process lifetime", from)))
	}

	tmplName := act.TemplateName
	if tmplName == "" {
		if external && externalAudience {
			tmplName = "external-reply"
		} else {
			tmplName = "internal-reply"
		}
	}

	if d.e.Outgoing == nil {
		return skip(gwerrors.New(gwerrors.NotFound, "ruleproc.reply", fmt.Errorf("no outgoing target configured")))
	}

	header, body, err := d.e.renderTemplate(tmplName, d)
	if err != nil {
		return skip(gwerrors.New(gwerrors.Parse, "ruleproc.reply", err))
	}

	del, err := d.e.Outgoing.Start(ctx, &module.MsgMetadata{}, to)
	if err != nil {
		return skip(gwerrors.New(gwerrors.RpcFailed, "ruleproc.reply.Start", err))
	}
	if err := del.AddRcpt(ctx, from); err != nil {
		_ = del.Abort(ctx)
		return skip(gwerrors.New(gwerrors.RpcFailed, "ruleproc.reply.AddRcpt", err))
	}
	if err := del.Body(ctx, header, buffer.MemoryBuffer{Slice: body}); err != nil {
		_ = del.Abort(ctx)
		return skip(gwerrors.New(gwerrors.RpcFailed, "ruleproc.reply.Body", err))
	}
	if err := del.Commit(ctx); err != nil {
		return skip(gwerrors.New(gwerrors.RpcFailed, "ruleproc.reply.Commit", err))
	}
	return ok()
}

// Locality classifies a sender's domain relative to the mailbox's own
// organisation, spec §4.6.1(f)/§6: Local (same domain), SameOrg (a
// different domain but the same organisation — still internal for
// OOF-audience purposes), or External.
type Locality int

const (
	LocalityExternal Locality = iota
	LocalityLocal
	LocalitySameOrg
)

// locality classifies addr relative to dir's organisation. A nil
// DomainLocality hook treats every address as Local, the conservative
// default for a single-domain installation.
func (e *Engine) locality(ctx context.Context, dir, addr string) Locality {
	if e.DomainLocality == nil {
		return LocalityLocal
	}
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return LocalityLocal
	}
	return e.DomainLocality(ctx, dir, addr[at+1:])
}

// renderTemplate builds the auto-reply header and body from the
// message currently being delivered. Templates are plain textproto
// bodies read from the engine's Templates map (populated from disk by
// the caller that constructs Engine, the same layered-config pattern
// framework/config.Map uses elsewhere); a missing template name falls
// back to a minimal canned body so OOF replies degrade gracefully
// rather than failing delivery outright.
func (e *Engine) renderTemplate(name string, d *delivery) (textproto.Header, []byte, error) {
	raw, ok := e.Templates[name]
	if !ok {
		raw = defaultOOFTemplate
	}
	hdr, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return textproto.Header{}, nil, fmt.Errorf("parsing template %q: %w", name, err)
	}
	body := raw[bytes.Index(raw, []byte("\r\n\r\n"))+4:]

	hdr.Set("X-Auto-Response-Suppress", "All")
	hdr.Set("Auto-Submitted", "auto-replied")
	hdr.Set("To", d.inv.EnvelopeFrom)
	hdr.Set("From", d.inv.EnvelopeTo)
	if subj, has := d.msg.Bag.Get(propval.PR_SUBJECT); has {
		hdr.Set("Subject", "Automatic reply: "+subj.Str)
	}
	return hdr, body, nil
}

var defaultOOFTemplate = []byte("Subject: Out of Office\r\nContent-Type: text/plain; charset=utf-8\r\n\r\nThis is an automatic reply. I am currently out of office.\r\n")
