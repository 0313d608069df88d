package citm

import (
	"strings"
	"time"

	"github.com/caffix/queue"

	"github.com/Splintermail/splintermail-client-sub000/devicekeys"
	"github.com/Splintermail/splintermail-client-sub000/imapwire"
)

// xkeysyncEvent is what the keepalive/poll tickers and the raw DONE line
// push onto an xkeysyncState's event queue; advance drains it the same
// way it drains the other four queues.
type xkeysyncEvent int

const (
	evKeepalive xkeysyncEvent = iota
	evPoll
	evDone
	evBadLine
)

// maxPollRetries is the number of consecutive poll-diff failures tolerated
// before the stream gives up; a transient failure resets the counter.
const maxPollRetries = 3

// xkeysyncState tracks one open XKEYSYNC stream after its initial diff
// has been sent. Grounded on original_source/server/xkey/xkeysync.c's
// timer pair, which
// is itself modeled on dovecot's cmd-idle.c: a keepalive timer that
// prevents idle middleboxes from dropping the connection, and a poll
// timer that re-diffs the key set against the store for out-of-band
// changes (e.g. another connection's XKEYADD).
type xkeysyncState struct {
	tag string
	events *queue.Queue
	stop chan struct{}
	// known is the fingerprint set the client is believed to hold, used
	// as the baseline for each poll's re-diff; it starts as the server's
	// set immediately after the initial CREATED/DELETED batch is sent.
	known []string
	// retryCount counts consecutive poll-diff failures; a successful poll
	// resets it to zero.
	retryCount int
}

func startTicker(q *queue.Queue, ev xkeysyncEvent, interval time.Duration, stop chan struct{}) {
	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				q.Append(ev)
			}
		}
	}()
}

const (
	keepaliveInterval = 29 * time.Minute // Idle_Notify_Interval (~1740s)
	pollInterval = 5 * time.Second
)

// startXkeysync computes and sends the initial CREATED/DELETED diff for
// an XKEYSYNC command, then enters streaming mode.
func (ci *Instance) startXkeysync(cmd *imapwire.Command) {
	fprs := make([]string, len(cmd.Args))
	for i, a := range cmd.Args {
		fprs[i] = a.String()
	}

	created, deleted, err := devicekeys.Diff(fprs, ci.keys, ci.accountID)
	if err != nil {
		ci.ReturnedCmds.Append(imapwire.TaggedBAD(cmd.Tag, "XKEYSYNC failed to compute diff"))
		return
	}
	for _, fpr := range deleted {
		ci.ReturnedCmds.Append(&imapwire.Response{Kind: imapwire.RespXkeysyncDeleted, Fpr: fpr})
	}
	for _, fpr := range created {
		pub, err := ci.keys.GetPubkey(ci.accountID, fpr)
		if err != nil {
			// The fingerprint came straight out of the sorted diff; a
			// store miss here means the store and the diff disagree,
			// which is an internal inconsistency, not a missing key.
			ci.ReturnedCmds.Append(imapwire.TaggedBAD(cmd.Tag, "internal server failure"))
			return
		}
		ci.ReturnedCmds.Append(&imapwire.Response{Kind: imapwire.RespXkeysyncCreated, Pubkey: pub})
	}
	ci.ReturnedCmds.Append(&imapwire.Response{Kind: imapwire.RespXkeysyncOK})
	ci.ReturnedCmds.Append(imapwire.PlusOK())

	serverSet, err := ci.keys.ListFingerprints(ci.accountID)
	if err != nil {
		serverSet = nil
	}
	state := &xkeysyncState{
		tag: cmd.Tag,
		events: queue.NewQueue(),
		stop: make(chan struct{}),
		known: serverSet,
	}
	ci.xkeysync = state
	ci.dn.(interface{ SetRawLineMode(bool) }).SetRawLineMode(true)

	startTicker(state.events, evKeepalive, keepaliveInterval, state.stop)
	startTicker(state.events, evPoll, pollInterval, state.stop)

	// Bridge the xkeysync event queue into the same advance-wakeup path
	// the other four queues use.
	go func() {
		for range state.events.Signal() {
			ci.notify()
		}
	}()
}

// EnqueueRawLine implements dnsession.Controller for the raw-line phase of
// an open XKEYSYNC stream: "DONE" terminates it cleanly, anything else is
// a protocol violation.
func (ci *Instance) EnqueueRawLine(line string) {
	if ci.xkeysync == nil {
		return
	}
	if strings.EqualFold(strings.TrimSpace(line), "DONE") {
		ci.xkeysync.events.Append(evDone)
		return
	}
	ci.xkeysync.events.Append(evBadLine)
}

// failXkeysync tears down the open stream and answers its tag BAD,
// used both for a non-DONE raw line and for an unrecoverable poll failure.
func (ci *Instance) failXkeysync(reason string) {
	close(ci.xkeysync.stop)
	ci.dn.(interface{ SetRawLineMode(bool) }).SetRawLineMode(false)
	_ = ci.dn.SendResp(imapwire.TaggedBAD(ci.xkeysync.tag, reason))
	ci.xkeysync = nil
}

// pumpXkeysync drains one xkeysync event, if an XKEYSYNC stream is open.
// Called from advance alongside the four main queues.
func (ci *Instance) pumpXkeysync() bool {
	if ci.xkeysync == nil {
		return false
	}
	elem, ok := ci.xkeysync.events.Next()
	if !ok {
		return false
	}
	switch elem.(xkeysyncEvent) {
	case evKeepalive:
		_ = ci.dn.SendResp(&imapwire.Response{Kind: imapwire.RespUntagged, Text: "OK still here"})
	case evPoll:
		created, deleted, err := devicekeys.Diff(ci.xkeysync.known, ci.keys, ci.accountID)
		if err != nil {
			ci.xkeysync.retryCount++
			if ci.xkeysync.retryCount >= maxPollRetries {
				ci.failXkeysync("internal server failure")
			}
			return true
		}
		ci.xkeysync.retryCount = 0
		if len(created) > 0 || len(deleted) > 0 {
			for _, fpr := range deleted {
				_ = ci.dn.SendResp(&imapwire.Response{Kind: imapwire.RespXkeysyncDeleted, Fpr: fpr})
			}
			for _, fpr := range created {
				pub, perr := ci.keys.GetPubkey(ci.accountID, fpr)
				if perr != nil {
					ci.failXkeysync("internal server failure")
					return true
				}
				_ = ci.dn.SendResp(&imapwire.Response{Kind: imapwire.RespXkeysyncCreated, Pubkey: pub})
			}
			_ = ci.dn.SendResp(&imapwire.Response{Kind: imapwire.RespXkeysyncOK})
			if newSet, lerr := ci.keys.ListFingerprints(ci.accountID); lerr == nil {
				ci.xkeysync.known = newSet
			}
		}
	case evDone:
		close(ci.xkeysync.stop)
		ci.dn.(interface{ SetRawLineMode(bool) }).SetRawLineMode(false)
		_ = ci.dn.SendResp(imapwire.TaggedOK(ci.xkeysync.tag, "", "XKEYSYNC complete"))
		ci.xkeysync = nil
	case evBadLine:
		ci.failXkeysync("expected DONE")
	}
	return true
}
