// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

// Command dnsd is the authoritative DNS responder plus its kvpsync
// replication receiver. CLI surface: "dnsd [ADDR] [-p PORT]", matching
// spec.md's dns [ADDR] [-p PORT] invocation.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/miekg/dns"

	"github.com/Splintermail/splintermail-client-sub000/account"
	"github.com/Splintermail/splintermail-client-sub000/config"
	"github.com/Splintermail/splintermail-client-sub000/dnsserver"
	"github.com/Splintermail/splintermail-client-sub000/kvpsync"
	"github.com/Splintermail/splintermail-client-sub000/logging"
	"github.com/Splintermail/splintermail-client-sub000/membuf"
)

func main() {
	var (
		port    int
		logdir  string
		cfgPath string
		syslog  bool
	)
	flag.IntVar(&port, "p", 0, "port to listen on (overrides config)")
	flag.StringVar(&logdir, "log-dir", "", "path to the log directory")
	flag.StringVar(&cfgPath, "config", "", "path to the YAML config file")
	flag.BoolVar(&syslog, "syslog", false, "log to syslog instead of a JSON logfile")
	flag.Parse()

	addr := ""
	if flag.NArg() > 0 {
		addr = flag.Arg(0)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v", err)
		os.Exit(1)
	}
	config.ClampThreadPoolSize(4)

	if addr == "" {
		addr = cfg.DNSAddr
	}
	if port == 0 {
		port = cfg.DNSPort
	}

	l, closeLog, err := buildLogger(logdir, syslog)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v", err)
		os.Exit(1)
	}
	defer closeLog()

	db, err := account.Open(cfg.Database)
	if err != nil {
		l.Error("failed to open the account database", "err", err)
		os.Exit(1)
	}

	pc, err := net.ListenPacket("udp", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		l.Error("failed to bind DNS listener", "addr", addr, "port", port, "err", err)
		os.Exit(1)
	}
	defer pc.Close()

	kvconn, err := net.ListenPacket("udp", fmt.Sprintf("%s:%d", addr, cfg.KvpsyncPort))
	if err != nil {
		l.Error("failed to bind kvpsync listener", "addr", addr, "port", cfg.KvpsyncPort, "err", err)
		os.Exit(1)
	}
	defer kvconn.Close()

	recv := kvpsync.NewReceiver(kvconn, cfg.KvpsyncPeers, l, nowNanos)
	recv.Bootstrap(uint64(time.Now().UnixNano()))
	go kvpsyncRecvLoop(kvconn, recv, l)

	pool := membuf.NewPool(cfg.NMembufs)
	root := buildRootRecords(cfg)
	lookup := zoneLookup{db: db, zone: recv}

	responder := dnsserver.New(pc, pool, root, recv, lookup, 1000, l)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	go func() {
		if err := responder.Serve(); err != nil {
			l.Error("DNS responder exited", "err", err)
		}
	}()

	<-quit
	l.Info("Terminating the DNS/kvpsync daemon")
}

func nowNanos() uint64 { return uint64(time.Now().UnixNano()) }

func buildLogger(logdir string, useSyslog bool) (*slog.Logger, func(), error) {
	if useSyslog {
		l, err := logging.NewSyslog("dnsd", slog.LevelInfo)
		if err != nil {
			return nil, nil, err
		}
		return l, func() {}, nil
	}

	if logdir != "" {
		if err := os.MkdirAll(logdir, 0750); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create the log directory: %v", err)
		}
	}
	filename := fmt.Sprintf("dnsd_%s.log", time.Now().Format("2006-01-02T15:04:05"))
	f, err := os.OpenFile(filepath.Join(logdir, filename), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}
	return logging.NewJSON(f, slog.LevelInfo), func() { f.Close() }, nil
}

// kvpsyncRecvLoop feeds inbound UDP datagrams to the Receiver, mirroring
// the reactor-driven receive loop dnsserver.Responder.Serve runs for IMAP
// DNS traffic, kept separate since kvpsync and DNS queries arrive on
// distinct sockets.
func kvpsyncRecvLoop(conn net.PacketConn, recv *kvpsync.Receiver, log *slog.Logger) {
	buf := make([]byte, 65535)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			log.Error("kvpsync receive failed", "err", err)
			return
		}
		recv.HandleDatagram(addr.String(), buf[:n])
	}
}

func buildRootRecords(cfg *config.Config) dnsserver.RootRecords {
	apex := dns.Fqdn(cfg.Zone)
	return dnsserver.RootRecords{
		Apex: apex,
		NS:   []string{"ns1." + apex, "ns2." + apex},
		SOA: &dns.SOA{
			Hdr:     dns.RR_Header{Name: apex, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: 3600},
			Ns:      "ns1." + apex,
			Mbox:    "hostmaster." + apex,
			Serial:  1,
			Refresh: 3600,
			Retry:   600,
			Expire:  604800,
			Minttl:  300,
		},
	}
}

// zoneLookup answers per-user A/AAAA queries out of the same replicated
// zone TXT challenges are served from: a label's bound addresses are
// kept under "A:"+label / "AAAA:"+label keys, one raw net.IP per value,
// populated by the same kvpsync INSERT stream the account/alias CLI
// surface writes subdomain bindings through (out of scope here, see
// kvpsync.Producer). Falling back to account.DB.SubdomainUser is not
// needed here since an unbound label simply has no A:/AAAA: key.
type zoneLookup struct {
	db   account.DB
	zone *kvpsync.Receiver
}

// ResolveUser assumes the caller (dnsserver.Responder.answerUser) has
// already turned "no peer live" into SERVFAIL before calling this; here an
// absent key always means the label genuinely has no bound address.
func (z zoneLookup) ResolveUser(label string) (a, aaaa []net.IP, found bool) {
	now := nowNanos()
	if v, live := z.zone.Zone().Lookup("A:"+label, now); live && len(v) == net.IPv4len {
		a = append(a, net.IP(v))
	}
	if v, live := z.zone.Zone().Lookup("AAAA:"+label, now); live && len(v) == net.IPv6len {
		aaaa = append(aaaa, net.IP(v))
	}
	if len(a) == 0 && len(aaaa) == 0 {
		return nil, nil, false
	}
	return a, aaaa, true
}
