package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/substratehq/substrate/lib/events"
	"github.com/substratehq/substrate/lib/image"
	"github.com/substratehq/substrate/lib/logger"
)

// defaultMinMemoryMib is the smallest explicit memory size the guest can boot
// with. Configs below it hang during early boot instead of reaching the
// payload.
const defaultMinMemoryMib = 64

// payloadDescriptor is the declarative payload config format, read from the
// apk contents when the config selects a descriptor instead of an entry
// binary.
type payloadDescriptor struct {
	Name string       `json:"name,omitempty"`
	Task *payloadTask `json:"task"`
}

type payloadTask struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// Local is the built-in in-process runtime. It executes the boot protocol
// (integrity verification, payload resolution, the event sequence up to the
// terminal stop) and serves the guest property service over in-memory pipes.
type Local struct {
	// MinMemoryMib overrides the minimum bootable memory; zero means the
	// default.
	MinMemoryMib int
}

// NewLocal returns a Local runtime with defaults.
func NewLocal() *Local {
	return &Local{}
}

type localSession struct {
	spec  StartSpec
	ch    *events.Channel
	props map[string]string

	stopOnce sync.Once
	killOnce sync.Once
	stopCh   chan struct{}
	killCh   chan struct{}
	done     chan struct{}

	mu    sync.Mutex
	conns []net.Conn
}

// Start launches the boot session. The returned session is live immediately;
// every boot failure mode surfaces as a Stopped event, never as an error
// here.
func (l *Local) Start(ctx context.Context, spec StartSpec, ch *events.Channel) (Session, error) {
	s := &localSession{
		spec:   spec,
		ch:     ch,
		props:  map[string]string{},
		stopCh: make(chan struct{}),
		killCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.boot(ctx, l.minMemory())
	return s, nil
}

func (l *Local) minMemory() int {
	if l.MinMemoryMib > 0 {
		return l.MinMemoryMib
	}
	return defaultMinMemoryMib
}

// boot runs the whole session on its own goroutine and publishes the ordered
// event sequence. It closes done after the terminal event.
func (s *localSession) boot(ctx context.Context, minMemoryMib int) {
	defer close(s.done)
	defer s.closeConns()
	log := logger.FromContext(ctx)

	stop := func(reason events.StopReason) {
		s.ch.Publish(events.Event{Kind: events.Stopped, Reason: reason})
	}

	cfg := s.spec.Config

	// Integrity gate: nothing guest-visible happens before this passes.
	im := image.Open(s.spec.ImagePath)
	if err := im.VerifyIntegrity(s.spec.SealingKey, cfg.ProtectedVm()); err != nil {
		log.WarnContext(ctx, "instance image failed verification",
			"vm", s.spec.Name, "error", err)
		stop(events.ReasonIntegrityViolation)
		return
	}

	// An undersized guest stalls before the payload runs; the watchdog
	// reports it as a hangup.
	if mem := cfg.MemoryMib(); mem != 0 && mem < minMemoryMib {
		log.InfoContext(ctx, "guest below minimum bootable memory",
			"vm", s.spec.Name, "memory_mib", mem)
		stop(events.ReasonHangup)
		return
	}

	if path := cfg.PayloadConfigPath(); path != "" {
		data, err := os.ReadFile(filepath.Join(cfg.ApkPath(), path))
		if err != nil {
			stop(events.ReasonInvalidPayloadConfig)
			return
		}
		var desc payloadDescriptor
		if err := json.Unmarshal(data, &desc); err != nil || desc.Task == nil {
			stop(events.ReasonInvalidPayloadConfig)
			return
		}
	} else {
		binary := filepath.Join(cfg.ApkPath(), cfg.PayloadBinaryPath())
		if _, err := os.Stat(binary); err != nil {
			stop(events.ReasonUnknownRuntimeError)
			return
		}
	}

	s.ch.Publish(events.Event{Kind: events.PayloadStarted})
	s.setProp("debug.payload.run", "true")

	s.setProp("debug.payload.ready", "true")
	s.ch.Publish(events.Event{Kind: events.PayloadReady})

	select {
	case <-s.stopCh:
		s.ch.Publish(events.Event{Kind: events.PayloadFinished, ExitCode: 0})
		stop(events.ReasonShutdown)
	case <-s.killCh:
		stop(events.ReasonKilled)
	case <-ctx.Done():
		stop(events.ReasonKilled)
	}
}

func (s *localSession) setProp(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.props[key] = value
}

func (s *localSession) getProp(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.props[key]
}

// Stop requests shutdown and waits for the terminal event.
func (s *localSession) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill tears the session down and waits for the terminal event.
func (s *localSession) Kill(ctx context.Context) error {
	s.killOnce.Do(func() { close(s.killCh) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DialGuest connects to the in-guest service. Only the service port accepts
// connections; everything else behaves like a refused connection.
func (s *localSession) DialGuest(ctx context.Context, port uint32) (net.Conn, error) {
	if port != GuestServicePort {
		return nil, fmt.Errorf("dial guest port %d: connection refused", port)
	}
	select {
	case <-s.done:
		return nil, fmt.Errorf("dial guest port %d: guest is down", port)
	default:
	}

	host, guest := net.Pipe()
	s.mu.Lock()
	s.conns = append(s.conns, host, guest)
	s.mu.Unlock()
	go s.serveGuest(guest)
	return host, nil
}

// closeConns force-closes open guest channels when the session ends.
func (s *localSession) closeConns() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// serveGuest answers the in-guest service's line protocol:
//
//	getprop <name>  ->  property value (empty line when unset)
//	apk-path        ->  guest mount point of the apk contents
//	storage-path    ->  encrypted storage mount point, empty when disabled
func (s *localSession) serveGuest(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		var reply string
		switch {
		case strings.HasPrefix(line, "getprop "):
			reply = s.getProp(strings.TrimSpace(strings.TrimPrefix(line, "getprop ")))
		case line == "apk-path":
			reply = ApkMountPath
		case line == "storage-path":
			if s.spec.Config.EncryptedStorageEnabled() {
				reply = EncryptedStoreMountPath
			}
		default:
			reply = ""
		}
		if _, err := fmt.Fprintln(conn, reply); err != nil {
			return
		}
	}
}
