// Package runtime is the seam between the lifecycle core and whatever
// executes guest code. The virtualization engine itself is an external
// collaborator; implementations of Runtime adapt it to the boot-session
// contract. A built-in in-process runtime is provided for hosts without a
// hypervisor and for tests.
package runtime

import (
	"context"
	"net"

	"github.com/substratehq/substrate/lib/events"
	"github.com/substratehq/substrate/lib/vmconfig"
)

// Fixed guest-facing mount points, consumed by payloads.
const (
	// ApkMountPath is where the owning package contents appear in the guest.
	ApkMountPath = "/mnt/apk"
	// EncryptedStoreMountPath is where encrypted storage appears when
	// enabled.
	EncryptedStoreMountPath = "/mnt/encryptedstore"
)

// GuestServicePort is the guest channel port the in-guest service listens on.
const GuestServicePort uint32 = 62000

// StartSpec describes one boot session.
type StartSpec struct {
	Name        string
	Config      vmconfig.Config
	ImagePath   string
	StoragePath string // empty when encrypted storage is disabled
	SealingKey  []byte
	BootNonce   string
}

// Runtime starts boot sessions. Start returns as soon as the session is
// launched; boot progress and failures are reported exclusively through the
// event channel, terminating with exactly one Stopped event.
type Runtime interface {
	Start(ctx context.Context, spec StartSpec, ch *events.Channel) (Session, error)
}

// Session is one active run.
type Session interface {
	// Stop requests a graceful shutdown and waits for the terminal event.
	Stop(ctx context.Context) error
	// Kill tears the session down without giving the payload a chance to
	// finish, and waits for the terminal event.
	Kill(ctx context.Context) error
	// DialGuest opens a byte stream to the given guest port.
	DialGuest(ctx context.Context, port uint32) (net.Conn, error)
}
