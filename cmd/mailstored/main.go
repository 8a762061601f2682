// Command mailstored runs the IMAP/POP3/LMTP mail store (spec.md §1-
// §9): a single Reactor driving every database backend and client
// session, fronted by one accept loop per listening protocol.
//
// The overall shape is adapted from the teacher's cmd/tqdbproxy/main.go
// (flag-configured entrypoint, metrics server goroutine, signal-driven
// shutdown), generalised from two database proxies to one mail store's
// IMAP/POP3/LMTP listeners plus its own PostgreSQL client pool.
package main

import (
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arbora/mailstored/internal/config"
	"github.com/arbora/mailstored/internal/db"
	"github.com/arbora/mailstored/internal/imap"
	"github.com/arbora/mailstored/internal/logging"
	"github.com/arbora/mailstored/internal/mailbox"
	"github.com/arbora/mailstored/internal/metrics"
	"github.com/arbora/mailstored/internal/pop3"
	"github.com/arbora/mailstored/internal/reactor"
)

func main() {
	configPath := flag.String("config", "/etc/mailstored.ini", "Path to configuration file")
	metricsAddr := flag.String("metrics", ":9091", "Metrics endpoint address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("mailstored: loading config: %v", err)
	}

	logOut := os.Stderr
	logr := logging.New(logOut, logging.ParseLevel(cfg.LogLevel))

	metrics.Init()
	go func() {
		http.Handle("/metrics", metrics.Handler())
		logr.Info("metrics endpoint listening", "addr", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			logr.Error("metrics server stopped", "err", err)
		}
	}()

	r, err := reactor.New(logr)
	if err != nil {
		log.Fatalf("mailstored: creating reactor: %v", err)
	}

	pool := db.NewPool(db.PoolConfig{
		Creds: db.Credentials{
			Host:     cfg.DBAddress,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
		},
		MaxHandles:    cfg.DBMaxHandles,
		MinHandles:    2,
		HandleIdle:    time.Duration(cfg.DBHandleInterval) * time.Second,
		TxIdleHealthy: 30 * time.Second,
		TxIdleFailed:  5 * time.Second,
	}, r, logr)

	tree := mailbox.NewTree()
	flagNames := mailbox.NewNameCache()
	entryNames := mailbox.NewNameCache()

	imapServices := imap.Services{
		Pool:       pool,
		Tree:       tree,
		FlagNames:  flagNames,
		EntryNames: entryNames,
		Registry:   imap.NewRegistry(),
		Hostname:   cfg.Hostname,
	}
	pop3Services := pop3.Services{
		Pool:     pool,
		Hostname: cfg.Hostname,
	}

	go acceptLoop(r, cfg.IMAPListen, logr, "imap", func(conn net.Conn) (reactor.Handler, func(*reactor.Connection)) {
		sess := imap.NewSession(imapServices, logr)
		return sess, sess.Attach
	})
	go acceptLoop(r, cfg.POP3Listen, logr, "pop3", func(conn net.Conn) (reactor.Handler, func(*reactor.Connection)) {
		sess := pop3.NewSession(pop3Services, logr)
		return sess, sess.Attach
	})

	go func() {
		if err := pool.EnsureMinHandles(); err != nil {
			logr.Error("failed to establish initial database handles", "err", err)
		}
	}()

	go func() {
		if err := r.Run(); err != nil {
			logr.Error("reactor stopped", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logr.Info("shutting down")
	r.Shutdown()
}

// acceptLoop runs a blocking Accept loop on addr, handing each new
// connection to newHandler and registering it with r. It runs on its
// own goroutine per listener: only Reactor.Run's single goroutine ever
// touches session state afterward (spec.md §4.2, §5).
func acceptLoop(r *reactor.Reactor, addr string, logr *logging.Logger, proto string, newHandler func(net.Conn) (reactor.Handler, func(*reactor.Connection))) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logr.Error("listener failed to start", "proto", proto, "addr", addr, "err", err)
		return
	}
	logr.Info("listening", "proto", proto, "addr", addr)
	metrics.SessionsActive.WithLabelValues(proto).Set(0)

	for {
		conn, err := ln.Accept()
		if err != nil {
			logr.Error("accept failed", "proto", proto, "err", err)
			continue
		}
		handler, attach := newHandler(conn)
		rc, err := r.Register(conn, handler)
		if err != nil {
			logr.Error("failed to register connection", "proto", proto, "err", err)
			conn.Close()
			continue
		}
		// attach wires the session's *reactor.Connection in and then
		// calls rc.Connect(), which dispatches EventConnect now that
		// the session is ready to handle it (e.g. to send a greeting).
		attach(rc)
		metrics.SessionsActive.WithLabelValues(proto).Inc()
	}
}
