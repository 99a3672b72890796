package smtp

import (
	"errors"
	"io"
	"net"
	"time"
)

// deadlineWriter sets a fresh write deadline before every write so a stuck
// peer surfaces as a timeout instead of blocking forever.
type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w deadlineWriter) Write(p []byte) (int, error) {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
		return 0, err
	}
	return w.conn.Write(p)
}

// writeFull writes p in a loop. Attempts that make progress continue
// immediately. The first attempt without progress starts a stall timer;
// further attempts are spaced by pause and give up with ErrWriteStalled
// once timeout has passed without progress.
func writeFull(w io.Writer, p []byte, timeout, pause time.Duration) error {
	var stalledSince time.Time
	for len(p) > 0 {
		n, err := w.Write(p)
		p = p[n:]
		if err != nil && !isTimeout(err) {
			return err
		}
		if len(p) == 0 {
			return nil
		}

		if n > 0 {
			stalledSince = time.Time{}
			continue
		}
		if stalledSince.IsZero() {
			stalledSince = time.Now()
		} else if time.Since(stalledSince) >= timeout {
			return ErrWriteStalled
		}
		time.Sleep(pause)
	}
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
