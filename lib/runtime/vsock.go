package runtime

import (
	"context"
	"fmt"
	"net"

	"github.com/mdlayher/vsock"
)

// GuestDialer opens byte streams to guest ports for engines that expose the
// guest over a side channel instead of through their session handle.
type GuestDialer interface {
	// Key identifies the guest for connection pooling and logging.
	Key() string
	Dial(ctx context.Context, port uint32) (net.Conn, error)
}

// VsockDialer reaches guests over AF_VSOCK, addressed by context id.
type VsockDialer struct {
	ContextID uint32
}

var _ GuestDialer = VsockDialer{}

func (d VsockDialer) Key() string {
	return fmt.Sprintf("vsock-cid-%d", d.ContextID)
}

// Dial connects to the given port on the guest. The returned conn has
// independent read and write halves with blocking-stream semantics.
func (d VsockDialer) Dial(ctx context.Context, port uint32) (net.Conn, error) {
	conn, err := vsock.Dial(d.ContextID, port, nil)
	if err != nil {
		return nil, fmt.Errorf("dial vsock cid %d port %d: %w", d.ContextID, port, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// WithGuestDialer returns a session whose DialGuest goes through the given
// dialer while Stop and Kill keep hitting the inner session. Hypervisor
// runtimes wrap their sessions this way, pairing VsockDialer with the
// guest's context id.
func WithGuestDialer(inner Session, d GuestDialer) Session {
	return &dialerSession{Session: inner, dialer: d}
}

type dialerSession struct {
	Session
	dialer GuestDialer
}

func (s *dialerSession) DialGuest(ctx context.Context, port uint32) (net.Conn, error) {
	conn, err := s.dialer.Dial(ctx, port)
	if err != nil {
		return nil, fmt.Errorf("dial guest %s: %w", s.dialer.Key(), err)
	}
	return conn, nil
}
