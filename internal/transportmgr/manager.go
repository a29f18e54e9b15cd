// Package transportmgr owns the connection state machine, the
// advertisement/discovery lifecycle, and the lan-timeout-then-cloud-
// fallback connect race.
package transportmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/callzhang/hypo/internal/logging"
)

// ConnectionState is one state of the manager's connection lifecycle.
type ConnectionState struct {
	Name string // idle, connecting_lan, connected_lan, connecting_cloud, connected_cloud, disconnected, error
	Err  error
}

func stateNamed(name string) ConnectionState { return ConnectionState{Name: name} }

var (
	StateIdle            = stateNamed("idle")
	StateConnectingLAN   = stateNamed("connecting_lan")
	StateConnectedLAN    = stateNamed("connected_lan")
	StateConnectingCloud = stateNamed("connecting_cloud")
	StateConnectedCloud  = stateNamed("connected_cloud")
	StateDisconnected    = stateNamed("disconnected")
)

func StateError(err error) ConnectionState { return ConnectionState{Name: "error", Err: err} }

// Preference selects which transport(s) preferred_transport returns.
type Preference int

const (
	PreferLANFirst Preference = iota
	PreferCloudOnly
)

// FallbackReason records why connect() fell through to the cloud dialer.
type FallbackReason string

const (
	FallbackNone       FallbackReason = ""
	FallbackLANTimeout FallbackReason = "lan_timeout"
	FallbackLANFailure FallbackReason = "lan_failure"
	FallbackLANUnknown FallbackReason = "unknown"
)

// Dialer opens a transport connection; LAN and cloud dialers share this
// shape so connect can race them generically.
type Dialer func(ctx context.Context) error

// LastSuccess records which transport most recently completed a successful
// send/connect for a given peer key, used by the connection prober.
type LastSuccess struct {
	LAN   bool
	Cloud bool
}

// Manager owns connection state, last-successful-transport bookkeeping,
// and publishes state transitions to subscribers.
type Manager struct {
	log *logging.Logger

	mu          sync.Mutex
	state       ConnectionState
	lastSuccess map[string]LastSuccess
	subs        []chan ConnectionState

	DefaultLANTimeout time.Duration
}

func New(log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Default()
	}
	return &Manager{
		log:               log,
		state:             StateIdle,
		lastSuccess:       make(map[string]LastSuccess),
		DefaultLANTimeout: 3 * time.Second,
	}
}

func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe returns a channel that receives subsequent state transitions.
// The channel is buffered (16) and publishing never blocks: a transition
// is dropped for a subscriber whose buffer is full.
func (m *Manager) Subscribe() <-chan ConnectionState {
	ch := make(chan ConnectionState, 16)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

func (m *Manager) setState(s ConnectionState) {
	m.mu.Lock()
	m.state = s
	subs := append([]chan ConnectionState(nil), m.subs...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// RecordSuccess updates last_successful_transport(key).
func (m *Manager) RecordSuccess(key string, lan bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSuccess[key] = LastSuccess{LAN: lan, Cloud: !lan}
}

func (m *Manager) LastSuccessfulTransport(key string) (LastSuccess, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.lastSuccess[key]
	return ls, ok
}

// CloudConnected reports whether the manager's connection state is
// currently connected_cloud, for the connection prober.
func (m *Manager) CloudConnected() bool {
	return m.State().Name == StateConnectedCloud.Name
}

// LastSuccessfulTransportWasCloud reports whether peerKey's most recent
// successful send/connect was over the cloud leg, for the Connection
// Prober.
func (m *Manager) LastSuccessfulTransportWasCloud(peerKey string) bool {
	ls, ok := m.LastSuccessfulTransport(peerKey)
	return ok && ls.Cloud
}

// PreferredTransportIsDual reports whether preference resolves to the dual
// (LAN+cloud) transport: lan_first returns Dual, cloud_only returns cloud
// alone.
func PreferredTransportIsDual(p Preference) bool { return p == PreferLANFirst }

// Connect races lanDialer against lanTimeout; on success it enters
// connected_lan. On failure or timeout it records the fallback reason and
// invokes cloudDialer, entering connected_cloud on success.
func (m *Manager) Connect(ctx context.Context, lanDialer, cloudDialer Dialer, lanTimeout time.Duration) (FallbackReason, error) {
	if lanTimeout <= 0 {
		lanTimeout = m.DefaultLANTimeout
	}
	m.setState(StateConnectingLAN)

	lanCtx, cancel := context.WithTimeout(ctx, lanTimeout)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error { return lanDialer(lanCtx) })

	lanErrCh := make(chan error, 1)
	go func() { lanErrCh <- g.Wait() }()

	var reason FallbackReason
	select {
	case err := <-lanErrCh:
		if err == nil {
			m.setState(StateConnectedLAN)
			return FallbackNone, nil
		}
		if lanCtx.Err() != nil {
			reason = FallbackLANTimeout
		} else {
			reason = FallbackLANFailure
		}
	case <-lanCtx.Done():
		reason = FallbackLANTimeout
	}

	m.log.Warn(fmt.Sprintf("transportmgr: lan connect fell back to cloud: %s", reason))
	m.setState(StateConnectingCloud)
	if err := cloudDialer(ctx); err != nil {
		m.setState(StateError(err))
		return reason, err
	}
	m.setState(StateConnectedCloud)
	return reason, nil
}

func (m *Manager) Disconnect() {
	m.setState(StateDisconnected)
}

// MarkConnectedLAN, MarkConnectedCloud and MarkDisconnected let a caller
// that manages its own dial attempts outside Connect (hypod's periodic LAN
// re-dial loop, which only needs to race a single known peer rather than
// the full lan-then-cloud-fallback sequence) still keep the published
// ConnectionState honest.
func (m *Manager) MarkConnectedLAN()   { m.setState(StateConnectedLAN) }
func (m *Manager) MarkConnectedCloud() { m.setState(StateConnectedCloud) }
func (m *Manager) MarkDisconnected()   { m.setState(StateDisconnected) }
