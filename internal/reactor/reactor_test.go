//go:build linux

package reactor

import (
	"net"
	"testing"
	"time"

	"github.com/arbora/mailstored/internal/logging"
)

type recordingHandler struct {
	conn   *Connection
	events []Event
	onRead func(c *Connection)
}

func (h *recordingHandler) React(ev Event) {
	h.events = append(h.events, ev)
	if ev == EventRead && h.onRead != nil {
		h.onRead(h.conn)
	}
	if ev == EventShutdown && h.conn != nil {
		h.conn.SetState(Closing)
	}
}

func TestAttachedConnectionGetsConnectThenRead(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	server, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	r, err := New(logging.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h := &recordingHandler{}
	c, err := r.Register(server, h)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	h.conn = c
	c.Connect()

	if _, err := client.Write([]byte("hello\n")); err != nil {
		t.Fatalf("client write: %v", err)
	}

	go func() {
		time.Sleep(200 * time.Millisecond)
		r.Shutdown()
	}()

	done := make(chan struct{})
	go func() {
		r.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return after Shutdown")
	}

	if len(h.events) == 0 || h.events[0] != EventConnect {
		t.Fatalf("events = %v, want to start with EventConnect", h.events)
	}
	if len(h.events) < 2 || h.events[1] != EventRead {
		t.Fatalf("events = %v, want EventRead right after EventConnect", h.events)
	}
}
