// Package prober recomputes each paired peer's online/offline status on
// events rather than on a fixed tick: network-path changes, discovery
// added/removed, and app-foreground transitions all trigger a pass over
// the current state of internal/discovery, internal/lanserver, and
// internal/transportmgr.
package prober

import (
	"sync"

	"github.com/callzhang/hypo/internal/entry"
	"github.com/callzhang/hypo/internal/logging"
)

// Event is any occurrence that should trigger a status recompute. The
// payload is informational only; recompute always re-derives status from
// the current state of all three sources rather than from the event
// itself.
type Event struct {
	Kind string // "discovery", "network_path", "foreground"
}

// DiscoverySource reports currently discovered peers by device id.
type DiscoverySource interface {
	DiscoveredDeviceIDs() []entry.DeviceId
}

// InboundSource reports device ids with a live inbound LAN server
// connection; internal/lanserver.Server.ConnectedDeviceIDs satisfies this.
type InboundSource interface {
	ConnectedDeviceIDs() []entry.DeviceId
}

// CloudStatusSource reports whether the cloud transport is currently in
// the connected_cloud state and which peers last succeeded over cloud;
// internal/transportmgr.Manager satisfies this via State/LastSuccessfulTransport.
type CloudStatusSource interface {
	CloudConnected() bool
	LastSuccessfulTransportWasCloud(peerKey string) bool
}

// Registry receives online/offline updates; internal/settings.Store (paired
// device records) is the production implementation.
type Registry interface {
	SetOnline(id entry.DeviceId, online bool)
}

// Prober recomputes per-peer status on every event received on Events.
type Prober struct {
	Discovery DiscoverySource
	Inbound   InboundSource
	Cloud     CloudStatusSource
	Registry  Registry
	Log       *logging.Logger

	Events chan Event

	mu     sync.Mutex
	online map[entry.DeviceId]bool

	stopCh chan struct{}
}

func New(discovery DiscoverySource, inbound InboundSource, cloud CloudStatusSource, registry Registry, log *logging.Logger) *Prober {
	if log == nil {
		log = logging.Default()
	}
	return &Prober{
		Discovery: discovery,
		Inbound:   inbound,
		Cloud:     cloud,
		Registry:  registry,
		Log:       log,
		Events:    make(chan Event, 32),
		online:    make(map[entry.DeviceId]bool),
		stopCh:    make(chan struct{}),
	}
}

// Run consumes Events until Stop is called, recomputing status on each one.
func (p *Prober) Run() {
	for {
		select {
		case <-p.stopCh:
			return
		case ev, ok := <-p.Events:
			if !ok {
				return
			}
			p.Recompute(ev)
		}
	}
}

func (p *Prober) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
}

// Recompute re-derives every peer's status: a peer is online iff it appears in current
// discovery, OR has an active inbound server connection, OR its last
// successful transport was cloud and the cloud socket is currently
// connected_cloud. It pushes every peer whose status changed to Registry.
func (p *Prober) Recompute(_ Event) {
	known := make(map[entry.DeviceId]bool)

	if p.Discovery != nil {
		for _, id := range p.Discovery.DiscoveredDeviceIDs() {
			known[id] = true
		}
	}
	if p.Inbound != nil {
		for _, id := range p.Inbound.ConnectedDeviceIDs() {
			known[id] = true
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Re-evaluate every peer we've ever seen plus every peer newly
	// observed this round, so a peer that drops out of all three sources
	// transitions to offline instead of being silently forgotten.
	allIDs := make(map[entry.DeviceId]struct{}, len(known)+len(p.online))
	for id := range known {
		allIDs[id] = struct{}{}
	}
	for id := range p.online {
		allIDs[id] = struct{}{}
	}

	for id := range allIDs {
		online := known[id]
		if !online && p.Cloud != nil && p.Cloud.LastSuccessfulTransportWasCloud(string(id)) && p.Cloud.CloudConnected() {
			online = true
		}
		if prev, ok := p.online[id]; !ok || prev != online {
			p.online[id] = online
			if p.Registry != nil {
				p.Registry.SetOnline(id, online)
			}
		}
	}
}

// IsOnline reports the last-computed status for id.
func (p *Prober) IsOnline(id entry.DeviceId) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[id]
}
