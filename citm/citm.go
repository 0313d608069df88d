// Package citm implements the Client-In-The-Middle proxy core. One
// Instance joins exactly one DN (downwards/client) session with one UP
// (upwards/store) session and drives them through a single advance
// state machine; at most one worker executes advance for a given
// Instance at any time.
//
// The four work queues and the single-flight advance gate are grounded
// on dispatcher.Dispatcher's Queue/completed pair (dispatcher/dispatcher.go):
// that type uses one queue.Queue to receive work and a second to collect
// completions, processed by Queue.Process/Signal; an Instance here needs
// four such queues instead of two, and an atomic gate in
// place of the dispatcher's single background goroutine, since many
// Instances share a worker pool rather than each owning a goroutine.
package citm

import (
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/caffix/queue"

	"github.com/Splintermail/splintermail-client-sub000/devicekeys"
	"github.com/Splintermail/splintermail-client-sub000/errkind"
	"github.com/Splintermail/splintermail-client-sub000/errs"
	"github.com/Splintermail/splintermail-client-sub000/imapwire"
	"github.com/Splintermail/splintermail-client-sub000/upsession"
)

// inflightCmd is what UnhandledCmds carries: a DN command as it arrived,
// with its original tag still in cmd.Tag.
type inflightCmd struct {
	cmd *imapwire.Command
}

// returnedResp is what ReturnedResps carries: an upstream response paired
// with the DN tag it must be re-tagged to on the way out.
type returnedResp struct {
	dnTag string
	resp *imapwire.Response
	done bool
}

// DN is the subset of *dnsession.Session an Instance needs; kept as an
// interface so citm does not import dnsession's Controller-implementer
// concretely, avoiding an import cycle symmetrical to the one
// dnsession.Controller already avoids.
type DN interface {
	SendResp(resp *imapwire.Response) error
	Close(reason string) error
	NextRawLine() (string, bool)
}

// UP is the subset of *upsession.Session an Instance needs.
type UP interface {
	SendCmd(cmd *imapwire.Command, dnTag string, cb upsession.Callback) error
	CancelAll(cause error)
	Close() error
}

// Instance joins one DN session to one UP session.
type Instance struct {
	ID string

	dn DN
	up UP

	// accountID identifies the authenticated user for device-key
	// operations. A CITM never performs authentication itself (the real
	// store validates LOGIN); instead advance watches LOGIN commands
	// pass through and binds accountID once the forwarded LOGIN's tagged
	// response comes back OK. Only advance ever touches these three
	// fields, preserving the single-writer invariant.
	accountID string
	pendingLoginTag string
	pendingLoginUser string

	keys devicekeys.Store
	// xkeyLoaded mirrors the xkeyLoaded flag the paired dnsession.Session
	// was constructed with, so CAPABILITY/ENABLE answer locally with the
	// same capability string the greeting advertised.
	xkeyLoaded bool
	log *slog.Logger

	// The four queues an Instance's worker dispatches through.
	UnhandledCmds *queue.Queue // *inflightCmd, arrived from DN, not yet handled
	ReturnedResps *queue.Queue // *returnedResp, tagged response from UP, not yet sent to DN
	UnhandledResps *queue.Queue // *imapwire.Response, untagged from UP for a forwarded command
	ReturnedCmds *queue.Queue // *imapwire.Response, produced locally (local commands, XKEYSYNC, upstream send failures)

	executing atomic.Bool
	closed atomic.Bool

	xkeysync *xkeysyncState
	wake chan struct{}
}

// New constructs an Instance over a DN session and an already dialed UP;
// the DN session need not have been started (greeted) yet. xkeyLoaded must match the value the paired dnsession.Session
// was constructed with.
func New(id, accountID string, dn DN, up UP, keys devicekeys.Store, xkeyLoaded bool, log *slog.Logger) *Instance {
	ci := &Instance{
		ID: id,
		accountID: accountID,
		dn: dn,
		up: up,
		keys: keys,
		xkeyLoaded: xkeyLoaded,
		log: log,
		UnhandledCmds: queue.NewQueue(),
		ReturnedResps: queue.NewQueue(),
		UnhandledResps: queue.NewQueue(),
		ReturnedCmds: queue.NewQueue(),
		wake: make(chan struct{}, 1),
	}
	for _, q := range []*queue.Queue{ci.UnhandledCmds, ci.ReturnedResps, ci.UnhandledResps, ci.ReturnedCmds} {
		q := q
		go func() {
			for range q.Signal() {
				ci.notify()
			}
		}()
	}
	return ci
}

func (ci *Instance) notify() {
	select {
	case ci.wake <- struct{}{}:
	default:
	}
}

// EnqueueUnhandledCmd implements dnsession.Controller.
func (ci *Instance) EnqueueUnhandledCmd(cmd *imapwire.Command) {
	ci.UnhandledCmds.Append(&inflightCmd{cmd: cmd})
}

// NotifyDNClosed implements dnsession.Controller.
func (ci *Instance) NotifyDNClosed(err error) {
	ci.shutdown(err)
}

// NotifyUPClosed is called by whatever owns the UP session's read loop
// when the upstream connection drops.
func (ci *Instance) NotifyUPClosed(err error) {
	ci.shutdown(err)
}

func (ci *Instance) shutdown(err error) {
	if !ci.closed.CompareAndSwap(false, true) {
		return
	}
	reason := "session closed"
	if err != nil {
		reason = err.Error()
	}
	ci.up.CancelAll(errs.New(errkind.Conn, "%s", reason))
	_ = ci.dn.Close(reason)
}

// Signal returns a channel that fires whenever any of the four queues (or
// an open XKEYSYNC stream's timers) has work, so a worker pool can learn
// when an Instance needs advancing without polling — the same role
// dispatcher.Dispatcher.completed.Signal() plays for a single dispatcher,
// generalized from one queue to several via the fan-in goroutines started
// in New and startXkeysync.
func (ci *Instance) Signal() <-chan struct{} { return ci.wake }

// TryAdvance attempts to claim the single-flight gate and run advance
// if nothing else currently holds it. Returns false if another worker is
// already advancing this Instance, in which case the caller should simply
// move on to other work.
func (ci *Instance) TryAdvance() bool {
	if !ci.executing.CompareAndSwap(false, true) {
		return false
	}
	defer ci.executing.Store(false)
	ci.advance()
	return true
}

// HasWork reports whether any queue has pending items, used by the
// worker pool to decide whether TryAdvance is worth attempting.
func (ci *Instance) HasWork() bool {
	if ci.UnhandledCmds.Len() > 0 ||
		ci.ReturnedResps.Len() > 0 ||
		ci.UnhandledResps.Len() > 0 ||
		ci.ReturnedCmds.Len() > 0 {
		return true
	}
	return ci.xkeysync != nil && ci.xkeysync.events.Len() > 0
}

// advance runs the five rules below until every queue is empty, then
// yields. It is never invoked by more than one goroutine at once for a
// given Instance (enforced by TryAdvance's gate).
func (ci *Instance) advance() {
	for {
		progressed := false

		if elem, ok := ci.UnhandledCmds.Next(); ok {
			progressed = true
			ic := elem.(*inflightCmd)
			ci.handleCmd(ic.cmd)
		}

		if elem, ok := ci.ReturnedResps.Next(); ok {
			progressed = true
			rr := elem.(*returnedResp)
			resp := rr.resp
			if resp.Kind == imapwire.RespTagged {
				resp.Tag = rr.dnTag
				if resp.Stat == imapwire.OK && rr.dnTag == ci.pendingLoginTag && ci.pendingLoginTag != "" {
					ci.accountID = ci.pendingLoginUser
					ci.pendingLoginTag = ""
				}
			}
			if err := ci.dn.SendResp(resp); err != nil {
				ci.shutdown(err)
				return
			}
		}

		if elem, ok := ci.UnhandledResps.Next(); ok {
			progressed = true
			resp := elem.(*imapwire.Response)
			if err := ci.dn.SendResp(resp); err != nil {
				ci.shutdown(err)
				return
			}
		}

		if elem, ok := ci.ReturnedCmds.Next(); ok {
			progressed = true
			resp := elem.(*imapwire.Response)
			if err := ci.dn.SendResp(resp); err != nil {
				ci.shutdown(err)
				return
			}
		}

		if ci.pumpXkeysync() {
			progressed = true
		}

		if !progressed {
			return // rule 5: yield once every queue is drained
		}
	}
}

// localOnlyExtensions lists the extension names ENABLE is allowed to
// acknowledge; XKEY is the only one this proxy ever advertises in
// CAPABILITY, so it is the only one ENABLE can legally turn on.
var localOnlyExtensions = map[string]bool{"XKEY": true}

// handleCmd implements rules 2-4: commands with a local-only answer
// (CAPABILITY, NOOP, LOGOUT, ENABLE of known extensions) are answered
// without ever reaching the UP session; XKEYADD/XKEYSYNC route to the
// device-key subsystem; everything else is forwarded upstream with its
// tag rewritten.
func (ci *Instance) handleCmd(cmd *imapwire.Command) {
	switch strings.ToUpper(cmd.Verb) {
	case "CAPABILITY":
		ci.ReturnedCmds.Append(imapwire.Untagged("CAPABILITY " + imapwire.Capability(ci.xkeyLoaded)))
		ci.ReturnedCmds.Append(imapwire.TaggedOK(cmd.Tag, "", "CAPABILITY completed"))
		return
	case "NOOP":
		ci.ReturnedCmds.Append(imapwire.TaggedOK(cmd.Tag, "", "NOOP completed"))
		return
	case "LOGOUT":
		ci.ReturnedCmds.Append(imapwire.Untagged("BYE logging out"))
		ci.ReturnedCmds.Append(imapwire.TaggedOK(cmd.Tag, "", "LOGOUT completed"))
		ci.shutdown(nil)
		return
	case "ENABLE":
		var enabled []string
		for _, a := range cmd.Args {
			name := strings.ToUpper(a.String())
			if ci.xkeyLoaded && localOnlyExtensions[name] {
				enabled = append(enabled, name)
			}
		}
		if len(enabled) > 0 {
			ci.ReturnedCmds.Append(imapwire.Untagged("ENABLED " + strings.Join(enabled, " ")))
		}
		ci.ReturnedCmds.Append(imapwire.TaggedOK(cmd.Tag, "", "ENABLE completed"))
		return
	case "XKEYADD":
		resp := devicekeys.HandleXkeyadd(ci.keys, ci.accountID, cmd)
		ci.ReturnedCmds.Append(resp)
		return
	case "XKEYSYNC":
		ci.startXkeysync(cmd)
		return
	}

	dnTag := cmd.Tag
	if strings.EqualFold(cmd.Verb, "LOGIN") && len(cmd.Args) >= 1 {
		ci.pendingLoginTag = dnTag
		ci.pendingLoginUser = cmd.Args[0].String()
	}

	err := ci.up.SendCmd(cmd, dnTag, func(resp *imapwire.Response, done bool) {
		if resp.Kind == imapwire.RespTagged {
			ci.ReturnedResps.Append(&returnedResp{dnTag: dnTag, resp: resp, done: done})
		} else {
			ci.UnhandledResps.Append(resp)
		}
	})
	if err != nil {
		ci.ReturnedCmds.Append(imapwire.TaggedNO(dnTag, "upstream unavailable"))
	}
}
