// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

// Command citmd is the IMAP listener binary: it accepts client
// connections, dials the paired upstream mailbox store for each one, and
// joins the two through a citm.Instance.
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/Splintermail/splintermail-client-sub000/account"
	"github.com/Splintermail/splintermail-client-sub000/citm"
	"github.com/Splintermail/splintermail-client-sub000/config"
	"github.com/Splintermail/splintermail-client-sub000/devicekeys"
	"github.com/Splintermail/splintermail-client-sub000/dnsession"
	"github.com/Splintermail/splintermail-client-sub000/imapwire"
	"github.com/Splintermail/splintermail-client-sub000/logging"
	"github.com/Splintermail/splintermail-client-sub000/upsession"
)

func main() {
	var logdir, cfgPath string
	flag.StringVar(&logdir, "log-dir", "", "path to the log directory")
	flag.StringVar(&cfgPath, "config", "", "path to the YAML config file")
	flag.Parse()

	if logdir != "" {
		if err := os.MkdirAll(logdir, 0750); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create the log directory: %v", err)
		}
	}

	filename := fmt.Sprintf("citmd_%s.log", time.Now().Format("2006-01-02T15:04:05"))
	f, err := os.OpenFile(filepath.Join(logdir, filename), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v", err)
	}
	defer f.Close()

	l := logging.NewJSON(f, slog.LevelInfo)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v", err)
		os.Exit(1)
	}
	config.ClampThreadPoolSize(4)

	db, err := account.Open(cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open the account database: %v", err)
		os.Exit(1)
	}
	keys := devicekeys.NewSQLStore(db, cfg.DeviceCap)

	listenTLS, err := loadListenerTLS(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load listener TLS material: %v", err)
		os.Exit(1)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to listen on %s: %v", cfg.ListenAddr, err)
		os.Exit(1)
	}
	if listenTLS != nil {
		ln = tls.NewListener(ln, listenTLS)
	}
	defer ln.Close()

	pool := citm.NewPool(cfg.CitmWorkers, l)
	defer pool.Shutdown()

	upCfg := upsession.Config{Addr: cfg.UpstreamAddr}
	if cfg.UpstreamTLS.CertFile != "" || cfg.UpstreamTLS.Insecure {
		upCfg.TLSConfig = &tls.Config{InsecureSkipVerify: cfg.UpstreamTLS.Insecure}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	go acceptLoop(ln, pool, keys, upCfg, l)

	<-quit
	l.Info("Terminating the CITM proxy")
}

// acceptLoop accepts DN connections one at a time and spins each into its
// own Instance, matching cmd/amass_engine/main.go's top-level
// accept-then-signal-wait shape but with a connection-accepting loop
// instead of a one-shot engine start.
func acceptLoop(ln net.Listener, pool *citm.Pool, keys devicekeys.Store, upCfg upsession.Config, log *slog.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Error("accept failed", "err", err)
			return
		}
		go handleConn(conn, pool, keys, upCfg, log)
	}
}

func handleConn(conn net.Conn, pool *citm.Pool, keys devicekeys.Store, upCfg upsession.Config, log *slog.Logger) {
	id := uuid.NewString()
	sessLog := logging.WithAttrs(log, "citm_id", id)

	up, err := upsession.Dial(upCfg, sessLog, nil)
	if err != nil {
		sessLog.Warn("upstream dial failed, dropping connection", "err", err)
		_ = conn.Close()
		return
	}

	var inst *citm.Instance
	const xkeyLoaded = true
	dn := dnsession.New(conn, citmController{inst: &inst}, sessLog, xkeyLoaded)
	inst = citm.New(id, "", dn, up, keys, xkeyLoaded, sessLog)
	pool.Register(inst)

	go func() {
		if err := up.ReadLoop(); err != nil {
			inst.NotifyUPClosed(err)
		}
	}()

	if err := dn.Start(); err != nil {
		sessLog.Warn("greeting failed", "err", err)
		_ = dn.Close(err.Error())
		pool.Unregister(id)
		return
	}

	buf := make([]byte, 16384)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			dn.OnBytes(buf[:n])
		}
		if err != nil {
			_ = dn.Close(err.Error())
			pool.Unregister(id)
			return
		}
	}
}

// citmController forwards dnsession.Controller calls to the Instance
// constructed right after the Session itself, breaking the otherwise
// circular construction order (Session needs a Controller before the
// Instance that implements it exists).
type citmController struct {
	inst **citm.Instance
}

func (c citmController) EnqueueUnhandledCmd(cmd *imapwire.Command) { (*c.inst).EnqueueUnhandledCmd(cmd) }
func (c citmController) EnqueueRawLine(line string)                { (*c.inst).EnqueueRawLine(line) }
func (c citmController) NotifyDNClosed(err error)                  { (*c.inst).NotifyDNClosed(err) }

func loadListenerTLS(cfg *config.Config) (*tls.Config, error) {
	if cfg.TLS.CertFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
