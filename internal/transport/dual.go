package transport

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/callzhang/hypo/internal/entry"
	"github.com/callzhang/hypo/internal/wire"
)

// LANSendTimeout bounds the LAN leg of a dual send.
const LANSendTimeout = 3 * time.Second

// Sealer re-seals a ClipboardPayload with a fresh nonce for a named
// transport leg. internal/syncengine.Engine satisfies this by composing a
// new envelope per call.
type Sealer interface {
	Transmit(ent entry.ClipboardEntry, payload wire.ClipboardPayload, target entry.DeviceId) (wire.SyncEnvelope, error)
}

// DualTransport wraps a LAN and a cloud WebSocketTransport. Send
// re-encrypts the same ClipboardPayload independently per path: each
// Sealer.Transmit call draws its own AES-GCM nonce via
// internal/cryptoutil.Encrypt, so the two legs never share a nonce even
// though they carry the same plaintext.
type DualTransport struct {
	LAN   *WebSocketTransport
	Cloud *WebSocketTransport
	Seal  Sealer
}

// Send dispatches concurrently over both legs, LAN bounded by
// LANSendTimeout, success if either leg succeeds, the cloud leg's error
// propagated only if both fail.
func (d *DualTransport) Send(ent entry.ClipboardEntry, payload wire.ClipboardPayload, target entry.DeviceId) error {
	var g errgroup.Group
	var lanErr, cloudErr error

	if d.LAN != nil {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), LANSendTimeout)
			defer cancel()
			env, err := d.Seal.Transmit(ent, payload, target)
			if err != nil {
				lanErr = err
				return nil
			}
			done := make(chan error, 1)
			go func() { done <- d.LAN.Send(env) }()
			select {
			case lanErr = <-done:
			case <-ctx.Done():
				lanErr = ctx.Err()
			}
			return nil
		})
	} else {
		lanErr = fmt.Errorf("transport: no lan leg configured")
	}

	if d.Cloud != nil {
		g.Go(func() error {
			env, err := d.Seal.Transmit(ent, payload, target)
			if err != nil {
				cloudErr = err
				return nil
			}
			cloudErr = d.Cloud.Send(env)
			return nil
		})
	} else {
		cloudErr = fmt.Errorf("transport: no cloud leg configured")
	}

	_ = g.Wait()

	if lanErr == nil || cloudErr == nil {
		return nil
	}
	return fmt.Errorf("transport: dual send failed, cloud error: %w", cloudErr)
}

// Connect fans out connect calls to both legs in parallel, best-effort.
func (d *DualTransport) Connect(ctx context.Context) error {
	var g errgroup.Group
	if d.LAN != nil {
		g.Go(func() error { return d.LAN.Connect(ctx) })
	}
	if d.Cloud != nil {
		g.Go(func() error { return d.Cloud.Connect(ctx) })
	}
	return g.Wait()
}

// Disconnect fans out disconnects in parallel, best-effort.
func (d *DualTransport) Disconnect() error {
	var g errgroup.Group
	if d.LAN != nil {
		g.Go(func() error { return d.LAN.Disconnect() })
	}
	if d.Cloud != nil {
		g.Go(func() error { return d.Cloud.Disconnect() })
	}
	return g.Wait()
}
