// Package dnsserver implements the authoritative DNS UDP responder: a
// single-zone, RFC 1035 subset covering A/AAAA/NS/SOA/TXT answers for
// the static root apex plus per-user records and ACME dns-01 challenge
// TXT records served out of kvpsync's replicated zone.
//
// miekg/dns supplies the wire codec (header/question parsing, rdata
// encoding) in place of a hand-rolled byte parser; the classification
// table itself is grounded on original_source/server/dns/parse.c, which
// this package reimplements as Responder.serveOne rather than translates.
package dnsserver

import (
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/ratelimit"

	"github.com/Splintermail/splintermail-client-sub000/kvpsync"
	"github.com/Splintermail/splintermail-client-sub000/membuf"
)

// RootRecords holds the static apex answers (NS/SOA and the handful of
// fixed A/AAAA records for the bare zone), never touched by kvpsync.
type RootRecords struct {
	Apex string
	NS []string
	SOA *dns.SOA
	A []net.IP
	AAAA []net.IP
}

// AccountLookup resolves the A/AAAA records bound to a user label; this
// is a narrow seam onto account.DB.SubdomainUser plus whatever table
// stores the bound address, kept abstract here so dnsserver does not
// import package account directly.
type AccountLookup interface {
	ResolveUser(label string) (a, aaaa []net.IP, found bool)
}

// Responder answers one zone's worth of DNS queries over a single
// net.PacketConn, backed by a membuf.Pool for receive/response buffers
// and a kvpsync.Receiver for the replicated half of the zone.
type Responder struct {
	conn net.PacketConn
	pool *membuf.Pool
	log *slog.Logger

	root RootRecords
	zone *kvpsync.Receiver
	lookup AccountLookup
	negRate ratelimit.Limiter
}

// New constructs a Responder. negRatePerSec throttles NXDOMAIN
// generation, through one limiter shared by all sources, so a flood of
// queries for nonexistent names cannot monopolize the send path.
func New(conn net.PacketConn, pool *membuf.Pool, root RootRecords, zone *kvpsync.Receiver, lookup AccountLookup, negRatePerSec int, log *slog.Logger) *Responder {
	if negRatePerSec <= 0 {
		negRatePerSec = 1000
	}
	return &Responder{
		conn: conn,
		pool: pool,
		log: log,
		root: root,
		zone: zone,
		lookup: lookup,
		negRate: ratelimit.New(negRatePerSec),
	}
}

// Serve runs the single-threaded receive loop until the connection is
// closed or a send fails; any send error is treated as fatal and
// initiates shutdown. The loop is single-threaded so a kvpsync zone swap
// is never observed mid-answer.
func (r *Responder) Serve() error {
	for {
		buf, ok := r.pool.Acquire()
		if !ok {
			// Backpressure: leave the socket unread until a buffer frees
			// up.
			time.Sleep(time.Millisecond)
			continue
		}
		n, addr, err := r.conn.ReadFrom(buf.Base[:])
		if err != nil {
			_ = buf.Release()
			return err
		}
		buf.N = n
		buf.Addr = addr
		if err := r.serveOne(buf); err != nil {
			return err
		}
	}
}

// rcode mirrors the handful of response codes this responder ever emits.
type rcode int

const (
	rcodeNoError rcode = dns.RcodeSuccess
	rcodeServfail rcode = dns.RcodeServerFailure
	rcodeNXDomain rcode = dns.RcodeNameError
	rcodeRefused rcode = dns.RcodeRefused
	rcodeNotImpl rcode = dns.RcodeNotImplemented
)

// serveOne parses, classifies, and answers one datagram already read
// into buf.Base[:buf.N]. The buffer is always released before
// returning, including on a write error, which the caller treats as fatal.
func (r *Responder) serveOne(buf *membuf.Buf) error {
	defer buf.Release()

	req := new(dns.Msg)
	if err := req.Unpack(buf.Base[:buf.N]); err != nil {
		return nil // malformed: drop silently
	}

	// reject malformed requests
	if req.Response || req.Opcode != dns.OpcodeQuery || len(req.Question) != 1 {
		return nil
	}
	q := req.Question[0]
	if q.Qclass != dns.ClassINET || q.Qtype == 0 {
		return nil
	}

	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true

	code, answer := r.classify(q)
	resp.Rcode = int(code)
	if answer != nil {
		resp.Answer = append(resp.Answer, answer...)
	}

	wire, err := resp.Pack()
	if err != nil {
		return nil
	}
	addr, _ := buf.Addr.(net.Addr)
	if addr == nil {
		return nil
	}
	copy(buf.Resp[:], wire)
	if _, err := r.conn.WriteTo(buf.Resp[:len(wire)], addr); err != nil {
		return err // a send error is fatal, initiates shutdown
	}
	return nil
}

// classify maps a question into a response code and, when answerable,
// the RRs to return.
func (r *Responder) classify(q dns.Question) (rcode, []dns.RR) {
	name := strings.ToLower(strings.TrimSuffix(q.Name, "."))
	apex := strings.ToLower(r.root.Apex)

	if name != apex && !strings.HasSuffix(name, "."+apex) {
		return rcodeRefused, nil
	}

	switch q.Qtype {
	case dns.TypeA, dns.TypeNS, dns.TypeSOA, dns.TypeTXT, dns.TypeAAAA:
		// supported
	default:
		return rcodeNotImpl, nil
	}

	if name == apex {
		return r.answerApex(q.Qtype)
	}

	label := strings.TrimSuffix(name, "."+apex)
	if rest, ok := strings.CutSuffix(label, "._acme-challenge"); ok {
		return r.answerChallenge(rest, q)
	}
	if strings.HasPrefix(label, "_acme-challenge.") {
		return r.answerChallenge(strings.TrimPrefix(label, "_acme-challenge."), q)
	}
	if !strings.Contains(label, ".") {
		return r.answerUser(label, q)
	}
	return rcodeRefused, nil
}

func (r *Responder) answerApex(qtype uint16) (rcode, []dns.RR) {
	var out []dns.RR
	switch qtype {
	case dns.TypeSOA:
		if r.root.SOA != nil {
			out = append(out, r.root.SOA)
		}
	case dns.TypeNS:
		for _, ns := range r.root.NS {
			out = append(out, &dns.NS{Hdr: dns.RR_Header{Name: dns.Fqdn(r.root.Apex), Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: 3600}, Ns: dns.Fqdn(ns)})
		}
	case dns.TypeA:
		for _, ip := range r.root.A {
			out = append(out, &dns.A{Hdr: dns.RR_Header{Name: dns.Fqdn(r.root.Apex), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300}, A: ip})
		}
	case dns.TypeAAAA:
		for _, ip := range r.root.AAAA {
			out = append(out, &dns.AAAA{Hdr: dns.RR_Header{Name: dns.Fqdn(r.root.Apex), Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 300}, AAAA: ip})
		}
	}
	return rcodeNoError, out
}

func (r *Responder) answerChallenge(label string, q dns.Question) (rcode, []dns.RR) {
	if q.Qtype != dns.TypeTXT {
		return r.negative()
	}
	if r.zone == nil || !r.zone.AnyLive() {
		return rcodeServfail, nil
	}
	val, live := r.zone.Zone().Lookup(label, nowNanos())
	if !live || val == nil {
		return r.negative()
	}
	txt := &dns.TXT{Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60}, Txt: []string{string(val)}}
	return rcodeNoError, []dns.RR{txt}
}

func (r *Responder) answerUser(label string, q dns.Question) (rcode, []dns.RR) {
	// A label outside the static root can only be answered from the
	// replicated zone; with no peer live that zone cannot be trusted, so
	// this is a SERVFAIL, not "name not found", exactly as answerChallenge
	// already treats an unreachable zone for TXT queries.
	if r.zone == nil || !r.zone.AnyLive() {
		return rcodeServfail, nil
	}
	if r.lookup == nil {
		return r.negative()
	}
	aIPs, aaaaIPs, found := r.lookup.ResolveUser(label)
	if !found {
		return r.negative()
	}
	var out []dns.RR
	switch q.Qtype {
	case dns.TypeA:
		for _, ip := range aIPs {
			out = append(out, &dns.A{Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300}, A: ip})
		}
	case dns.TypeAAAA:
		for _, ip := range aaaaIPs {
			out = append(out, &dns.AAAA{Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 300}, AAAA: ip})
		}
	default:
		return rcodeNotImpl, nil
	}
	if len(out) == 0 {
		return r.negative()
	}
	return rcodeNoError, out
}

// negative rate-limits NXDOMAIN generation, with one limiter shared by
// all sources, before returning it, so a flood of queries for nonexistent names cannot monopolize the
// reactor's send path.
func (r *Responder) negative() (rcode, []dns.RR) {
	r.negRate.Take()
	return rcodeNXDomain, nil
}

func nowNanos() uint64 { return uint64(time.Now().UnixNano()) }
