package db

import (
	"fmt"
	"net"
	"time"

	"github.com/arbora/mailstored/internal/pgwire"
)

// CancelQuery opens a brand-new, single-use connection to the server
// identified by creds and sends a CancelRequest for the given backend
// pid/secret key, then closes it immediately (spec.md §4.3
// Cancellation, §8 scenario S5: "a session cancels a long-running
// query"). PostgreSQL treats the cancel request as best-effort and
// sends no reply, so this never touches the Reactor: it is a short,
// synchronous side channel, not a long-lived connection the event loop
// needs to multiplex.
func CancelQuery(creds Credentials, pid, secretKey int32) error {
	addr := net.JoinHostPort(creds.Host, fmt.Sprintf("%d", creds.Port))
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("db: cancel dial %s: %w", addr, err)
	}
	defer conn.Close()

	w := pgwire.NewWriter()
	w.Untagged(pgwire.CancelRequest(pid, secretKey))
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(w.Bytes()); err != nil {
		return fmt.Errorf("db: cancel write: %w", err)
	}
	return nil
}
