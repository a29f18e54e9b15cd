package main

import (
	"sync"

	"github.com/callzhang/hypo/internal/entry"
	"github.com/callzhang/hypo/internal/transport"
	"github.com/callzhang/hypo/internal/transportmgr"
	"github.com/callzhang/hypo/internal/wire"
)

// lanAwareSender adapts transport.DualTransport to a LAN leg that gets
// re-pointed at whichever paired peer is currently reachable (see
// agent.dialLANPeers). transport.DualTransport itself assumes its LAN/Cloud
// fields are set once at construction and read concurrently from Send; this
// wrapper adds the locking needed to swap the LAN leg safely at runtime by
// building a short-lived DualTransport value under the lock and calling
// Send on that local copy, never mutating a shared *DualTransport in place.
type lanAwareSender struct {
	mu       sync.Mutex
	lan      *transport.WebSocketTransport
	cloud    *transport.WebSocketTransport
	seal     transport.Sealer
	transmgr *transportmgr.Manager
}

func newLANAwareSender(cloud *transport.WebSocketTransport, seal transport.Sealer, transmgr *transportmgr.Manager) *lanAwareSender {
	return &lanAwareSender{cloud: cloud, seal: seal, transmgr: transmgr}
}

// Send dispatches over a snapshot of the current LAN/cloud legs, then
// records which leg(s) were actually connected at send time against
// last_successful_transport, keyed by target device id, the way the
// connection prober expects to read it.
func (s *lanAwareSender) Send(ent entry.ClipboardEntry, payload wire.ClipboardPayload, target entry.DeviceId) error {
	s.mu.Lock()
	snapshot := transport.DualTransport{LAN: s.lan, Cloud: s.cloud, Seal: s.seal}
	s.mu.Unlock()

	err := snapshot.Send(ent, payload, target)
	if err == nil && s.transmgr != nil {
		if snapshot.LAN != nil && snapshot.LAN.State() == transport.Connected {
			s.transmgr.RecordSuccess(string(target), true)
		}
		if snapshot.Cloud != nil && snapshot.Cloud.State() == transport.Connected {
			s.transmgr.RecordSuccess(string(target), false)
		}
	}
	return err
}

func (s *lanAwareSender) setLAN(t *transport.WebSocketTransport) *transport.WebSocketTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.lan
	s.lan = t
	return prev
}

func (s *lanAwareSender) lanState() transport.State {
	s.mu.Lock()
	lan := s.lan
	s.mu.Unlock()
	if lan == nil {
		return transport.Idle
	}
	return lan.State()
}
