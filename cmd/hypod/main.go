// Command hypod is the clipboard-sync agent process: it parses
// configuration, builds every component, and runs until an interrupt or
// terminate signal arrives.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/callzhang/hypo/internal/blobstore"
	"github.com/callzhang/hypo/internal/clipboard"
	"github.com/callzhang/hypo/internal/config"
	"github.com/callzhang/hypo/internal/cryptoutil"
	"github.com/callzhang/hypo/internal/discovery"
	"github.com/callzhang/hypo/internal/entry"
	"github.com/callzhang/hypo/internal/history"
	"github.com/callzhang/hypo/internal/keystore"
	"github.com/callzhang/hypo/internal/lanserver"
	"github.com/callzhang/hypo/internal/logging"
	"github.com/callzhang/hypo/internal/notify"
	"github.com/callzhang/hypo/internal/orchestrator"
	"github.com/callzhang/hypo/internal/pairing"
	"github.com/callzhang/hypo/internal/prober"
	"github.com/callzhang/hypo/internal/settings"
	"github.com/callzhang/hypo/internal/syncengine"
	"github.com/callzhang/hypo/internal/transport"
	"github.com/callzhang/hypo/internal/transportmgr"
	"github.com/callzhang/hypo/internal/wire"
)

var (
	configPath = flag.String("config", "", "path to a hypod config file (gcfg format)")
	dataDir    = flag.String("data-dir", "", "directory for bbolt stores and history (default: $HOME/.hypo)")
	logLevel   = flag.String("log-level", "info", "debug|info|warn|error|critical")
)

func main() {
	flag.Parse()

	dir := *dataDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("hypod: resolve home dir: %v", err)
		}
		dir = filepath.Join(home, ".hypo")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		log.Fatalf("hypod: create data dir: %v", err)
	}

	cfg, err := config.Load(*configPath, dir)
	if err != nil {
		log.Fatalf("hypod: load config: %v", err)
	}

	logger := logging.New(os.Stderr)
	logger.SetLevel(parseLevel(*logLevel))
	logging.SetDefault(logger)

	agent, err := newAgent(cfg, logger)
	if err != nil {
		log.Fatalf("hypod: init: %v", err)
	}
	defer agent.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	agent.Run(ctx)
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.DEBUG
	case "warn":
		return logging.WARN
	case "error":
		return logging.ERROR
	case "critical":
		return logging.CRITICAL
	default:
		return logging.INFO
	}
}

// settingsPairedAdapter satisfies pairing.PairedDeviceSink by wrapping a
// *settings.Store, whose PutPairedDevice takes a whole PairedDevice row
// rather than pairing's three loose fields.
type settingsPairedAdapter struct {
	store *settings.Store
}

func (a settingsPairedAdapter) PutPairedDevice(id entry.DeviceId, name string, platform entry.DevicePlatform) error {
	return a.store.PutPairedDevice(settings.PairedDevice{
		ID:       id,
		Name:     name,
		Platform: platform,
		IsOnline: true,
	})
}

// agent is the composition root: it owns every subsystem's lifecycle, from
// storage handles through transports to the orchestrator.
type agent struct {
	cfg config.Config

	log *logging.Logger

	keys     *keystore.Store
	settings *settings.Store
	persist  *history.Persister
	hist     *history.Store

	signKey cryptoutil.Ed25519KeyPair

	pasteboard *memoryPasteboard
	monitor    *clipboard.Monitor

	engine    *syncengine.Engine
	cloud     *transport.WebSocketTransport
	sender    *lanAwareSender
	transmgr  *transportmgr.Manager
	lan       *lanserver.Server
	discovery *discovery.Service
	prober    *prober.Prober
	orch      *orchestrator.Orchestrator
	host      *pairing.HostSession
}

func newAgent(cfg config.Config, logger *logging.Logger) (*agent, error) {
	a := &agent{cfg: cfg, log: logger}

	var err error
	if a.keys, err = keystore.Open(cfg.KeyStorePath); err != nil {
		return nil, fmt.Errorf("open keystore: %w", err)
	}
	if a.settings, err = settings.Open(cfg.SettingsPath); err != nil {
		return nil, fmt.Errorf("open settings: %w", err)
	}
	if a.persist, err = history.OpenPersister(cfg.HistoryPath); err != nil {
		return nil, fmt.Errorf("open history persister: %w", err)
	}
	a.hist = history.New(cfg.HistoryMaxEntries, a.persist)

	a.signKey, err = cryptoutil.GenerateEd25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate identity signing key: %w", err)
	}

	a.pasteboard = newMemoryPasteboard()
	sink := notify.NewLogSink(logger)
	monitorCfg := clipboard.DefaultConfig()
	monitorCfg.MaxRawSizeForCompression = cfg.MaxRawSizeForCompression
	monitorCfg.MaxImageDimensionPx = cfg.MaxImageDimensionPx
	monitorCfg.MaxAttachmentBytes = cfg.MaxAttachmentBytes
	monitorCfg.MaxCopySizeBytes = cfg.MaxCopySizeBytes
	a.monitor = clipboard.New(a.pasteboard, monitorCfg, cfg.DeviceID, sink)

	a.engine = &syncengine.Engine{
		Keys:            a.keys,
		LocalDeviceID:   cfg.DeviceID,
		LocalPlatform:   cfg.DevicePlatform,
		LocalDeviceName: cfg.DeviceName,
		PlaintextMode:   cfg.PlaintextMode,
		Log:             logger,
	}

	a.transmgr = transportmgr.New(logger)

	if cfg.CloudRelayURL != "" {
		a.cloud = transport.New(transport.Config{
			URL:         cfg.CloudRelayURL,
			Environment: transport.EnvironmentCloud,
		}, logger)
	}

	a.sender = newLANAwareSender(a.cloud, a.engine, a.transmgr)

	a.discovery = discovery.New(discovery.Config{
		DeviceID:          string(cfg.DeviceID),
		FingerprintSHA256: cryptoutil.FingerprintSHA256(a.signKey.Public),
		Version:           "1.0",
		Protocols:         []string{"hypo/1"},
		Port:              cfg.LANPort,
		StalePeerInterval: cfg.StalePeerInterval,
		PruneInterval:     cfg.PruneInterval,
	}, a.settings, logger)

	blobs, err := blobstore.NewFSBlobStore(cfg.BlobDir)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	a.orch = orchestrator.New(a.hist, a.keys, a.engine, a.sender, cfg.DeviceID)
	a.orch.Pasteboard = a.pasteboard
	a.orch.Monitor = a.monitor
	a.orch.LastSeen = a.settings
	a.orch.Blobs = blobs
	a.orch.Log = logger

	a.host = pairing.NewHostSession(cfg.DeviceID, cfg.DeviceName, a.signKey, a.keys, settingsPairedAdapter{a.settings})

	a.lan = lanserver.New(fmt.Sprintf(":%d", cfg.LANPort), cfg.DeviceID, &lanHandler{agent: a}, logger)

	a.prober = prober.New(a.discovery, a.lan, a.transmgr, a.settings, logger)

	return a, nil
}

// lanHandler bridges lanserver's classified frames into pairing and the
// orchestrator: pairing frames drive the HostSession state machine,
// clipboard frames become orchestrator inbound events tagged with LAN
// origin.
type lanHandler struct {
	agent *agent
}

func (h *lanHandler) HandlePairing(c *lanserver.Conn, raw []byte) {
	var msg pairing.ChallengeMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.agent.log.Warn(fmt.Sprintf("hypod: bad pairing frame: %v", err))
		return
	}
	plain, key, err := h.agent.host.HandleChallenge(msg)
	if err != nil {
		h.agent.log.Warn(fmt.Sprintf("hypod: pairing challenge rejected: %v", err))
		return
	}
	ack, err := h.agent.host.BuildAck(msg, plain, key)
	if err != nil {
		h.agent.log.Warn(fmt.Sprintf("hypod: build pairing ack: %v", err))
		return
	}
	if err := c.SendJSON(ack); err != nil {
		h.agent.log.Warn(fmt.Sprintf("hypod: send pairing ack: %v", err))
	}
	select {
	case h.agent.prober.Events <- prober.Event{Kind: "discovery"}:
	default:
	}
}

// HandleClipboard is the LAN server's inbound clipboard path:
// frames arriving on an accepted inbound connection go straight to the
// orchestrator tagged OriginLAN, independent of whatever the outbound LAN
// dial client happens to be connected to.
func (h *lanHandler) HandleClipboard(c *lanserver.Conn, env wire.SyncEnvelope) {
	if err := h.agent.orch.HandleIncoming(env, entry.OriginLAN); err != nil {
		h.agent.log.Warn(fmt.Sprintf("hypod: handle lan clipboard frame: %v", err))
	}
}

func (a *agent) Close() {
	if a.lan != nil {
		_ = a.lan.Stop(context.Background())
	}
	if a.discovery != nil {
		_ = a.discovery.Stop()
	}
	if a.cloud != nil {
		_ = a.cloud.Disconnect()
	}
	if a.sender != nil && a.sender.lan != nil {
		_ = a.sender.lan.Disconnect()
	}
	if a.transmgr != nil {
		a.transmgr.MarkDisconnected()
	}
	if a.persist != nil {
		_ = a.persist.Close()
	}
	if a.settings != nil {
		_ = a.settings.Close()
	}
	if a.keys != nil {
		_ = a.keys.Close()
	}
}

func (a *agent) Run(ctx context.Context) {
	if err := a.discovery.WarmStart(); err != nil {
		a.log.Warn(fmt.Sprintf("hypod: discovery warm start: %v", err))
	}
	if err := a.discovery.Start(); err != nil {
		a.log.Error(fmt.Sprintf("hypod: discovery start: %v", err))
	}
	if err := a.lan.Start(); err != nil {
		a.log.Error(fmt.Sprintf("hypod: lan server start: %v", err))
	}
	if a.cloud != nil {
		if err := a.cloud.Connect(ctx); err != nil {
			a.log.Warn(fmt.Sprintf("hypod: cloud connect: %v", err))
		} else {
			a.transmgr.MarkConnectedCloud()
		}
	}

	go a.monitor.Run(ctx)
	go a.prober.Run()
	go a.orch.Run(ctx)
	go a.pumpCaptured(ctx)
	// The LAN leg's inbound path is lanHandler.HandleClipboard (an accepted
	// server connection), not the outbound dial client's Inbox: that client
	// is used only to send. Only the cloud relay connection receives over
	// Inbox, since it is a single shared multiplexed socket.
	if a.cloud != nil {
		go a.pumpInbound(ctx, a.cloud, entry.OriginCloud)
	}
	go a.pumpConnectionState(ctx)
	go a.dialLANPeers(ctx)

	<-ctx.Done()
	a.log.Info("hypod: shutting down")
	a.prober.Stop()
}

func (a *agent) pumpCaptured(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-a.monitor.Captured:
			if err := a.orch.HandleCaptured(e); err != nil {
				a.log.Warn(fmt.Sprintf("hypod: handle captured entry: %v", err))
			}
		}
	}
}

func (a *agent) pumpInbound(ctx context.Context, t *transport.WebSocketTransport, origin entry.TransportOrigin) {
	if t == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-t.Inbox:
			if err := a.orch.HandleIncoming(env, origin); err != nil {
				a.log.Warn(fmt.Sprintf("hypod: handle inbound envelope: %v", err))
			}
		}
	}
}

// dialLANPeers keeps the sender's LAN leg pointed at a reachable paired
// peer: whenever it isn't connected, it picks the first discovered peer
// with a stored key and dials that peer's LAN server. The LAN leg topology
// this package's WebSocketTransport models (one URL per connection) only
// supports one active LAN peer at a time; fan-out to the remaining paired
// devices still happens over the cloud
// relay leg, which multiplexes by the envelope's target field on a single
// shared socket.
func (a *agent) dialLANPeers(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if a.sender.lanState() == transport.Connected {
			continue
		}
		for _, p := range a.discovery.Peers() {
			if p.DeviceID == "" || !a.keys.Has(entry.NormalizeDeviceId(p.DeviceID)) {
				continue
			}
			url := fmt.Sprintf("ws://%s:%d", p.Host, p.Port)
			lan := transport.New(transport.Config{URL: url, Environment: transport.EnvironmentLAN}, a.log)
			if err := lan.Connect(ctx); err != nil {
				a.log.Debug(fmt.Sprintf("hypod: lan dial to %s failed: %v", url, err))
				continue
			}
			if prev := a.sender.setLAN(lan); prev != nil {
				_ = prev.Disconnect()
			}
			a.transmgr.MarkConnectedLAN()
			a.transmgr.RecordSuccess(string(entry.NormalizeDeviceId(p.DeviceID)), true)
			break
		}
	}
}

func (a *agent) pumpConnectionState(ctx context.Context) {
	ch := a.transmgr.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-ch:
			a.orch.OnConnectionStateChange(s)
		}
	}
}
