// Package discovery implements Bonjour/mDNS advertise and browse:
// service `_hypo._tcp.local.` with device_id/fingerprint_sha256/version/
// protocols TXT keys, multicast over golang.org/x/net/ipv4, and TTL-pruned
// peer tracking warm-started from a persisted cache.
//
// PTR/SRV/TXT records are built and parsed with github.com/miekg/dns;
// ipv4.NewPacketConn is used in place of a bare net.ListenUDP so that
// join/leave-group can be controlled explicitly.
package discovery

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/ipv4"

	"github.com/callzhang/hypo/internal/entry"
	"github.com/callzhang/hypo/internal/logging"
)

const (
	ServiceName = "_hypo._tcp.local."
	mdnsAddr    = "224.0.0.251:5353"

	DefaultStalePeerInterval = 300 * time.Second
	DefaultPruneInterval     = 60 * time.Second
)

// DiscoveredPeer is one resolved peer advertisement.
type DiscoveredPeer struct {
	ServiceName       string
	Host              string
	Port              int
	DeviceID          string
	FingerprintSHA256 string
	Version           string
	Protocols         []string
	LastSeen          time.Time
}

// Cache persists service_name -> last_seen across restarts, backed
// by internal/settings.Store in production.
type Cache interface {
	SetLastSeen(serviceName string, t time.Time) error
	LastSeen() (map[string]time.Time, error)
}

// Config configures a Service instance.
type Config struct {
	DeviceID          string
	FingerprintSHA256 string
	Version           string
	Protocols         []string
	Port              int
	StalePeerInterval time.Duration
	PruneInterval     time.Duration
}

func (c *Config) setDefaults() {
	if c.StalePeerInterval == 0 {
		c.StalePeerInterval = DefaultStalePeerInterval
	}
	if c.PruneInterval == 0 {
		c.PruneInterval = DefaultPruneInterval
	}
}

// Service advertises this device and browses for peers.
type Service struct {
	cfg   Config
	cache Cache
	log   *logging.Logger

	mu    sync.Mutex
	peers map[string]DiscoveredPeer

	stopCh chan struct{}
	wg     sync.WaitGroup

	pconn *ipv4.PacketConn
	sock  *net.UDPConn
}

func New(cfg Config, cache Cache, log *logging.Logger) *Service {
	cfg.setDefaults()
	if log == nil {
		log = logging.Default()
	}
	return &Service{cfg: cfg, cache: cache, log: log, peers: make(map[string]DiscoveredPeer), stopCh: make(chan struct{})}
}

// Peers returns a snapshot of currently known (non-stale) peers.
func (s *Service) Peers() []DiscoveredPeer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DiscoveredPeer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// DiscoveredDeviceIDs returns the normalized device ids of all currently
// known (non-stale) peers, for the connection prober.
func (s *Service) DiscoveredDeviceIDs() []entry.DeviceId {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entry.DeviceId, 0, len(s.peers))
	for _, p := range s.peers {
		if p.DeviceID != "" {
			out = append(out, entry.NormalizeDeviceId(p.DeviceID))
		}
	}
	return out
}

// WarmStart seeds the peer map from Cache so recently seen peers don't look
// brand-new immediately after a restart: known peers take the cached
// last-seen time, and cached service names not yet in the map are added
// with only ServiceName and LastSeen set until browsing resolves them.
func (s *Service) WarmStart() error {
	if s.cache == nil {
		return nil
	}
	seen, err := s.cache.LastSeen()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, t := range seen {
		if p, ok := s.peers[name]; ok {
			p.LastSeen = t
			s.peers[name] = p
		} else {
			s.peers[name] = DiscoveredPeer{ServiceName: name, LastSeen: t}
		}
	}
	return nil
}

// Start joins the mDNS multicast group, begins advertising, browsing, and
// the stale-peer pruner.
func (s *Service) Start() error {
	addr, err := net.ResolveUDPAddr("udp4", mdnsAddr)
	if err != nil {
		return fmt.Errorf("discovery: resolve mdns addr: %w", err)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: addr.Port})
	if err != nil {
		return fmt.Errorf("discovery: listen udp4: %w", err)
	}
	pconn := ipv4.NewPacketConn(conn)
	if ifaces, ierr := net.Interfaces(); ierr == nil {
		for i := range ifaces {
			_ = pconn.JoinGroup(&ifaces[i], addr)
		}
	}
	s.sock = conn
	s.pconn = pconn

	s.wg.Add(3)
	go s.advertiseLoop(addr)
	go s.browseLoop()
	go s.pruneLoop()
	return nil
}

func (s *Service) Stop() error {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	if s.pconn != nil {
		if ifaces, ierr := net.Interfaces(); ierr == nil {
			if addr, aerr := net.ResolveUDPAddr("udp4", mdnsAddr); aerr == nil {
				for i := range ifaces {
					_ = s.pconn.LeaveGroup(&ifaces[i], addr)
				}
			}
		}
	}
	var err error
	if s.sock != nil {
		err = s.sock.Close()
	}
	s.wg.Wait()
	return err
}

// advertiseLoop periodically broadcasts a PTR+SRV+TXT response announcing
// this device, re-sent every StalePeerInterval/3 so peers refresh before
// they'd otherwise prune us.
func (s *Service) advertiseLoop(addr *net.UDPAddr) {
	defer s.wg.Done()
	interval := s.cfg.StalePeerInterval / 3
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.sendAdvertisement(addr)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sendAdvertisement(addr)
		}
	}
}

func (s *Service) sendAdvertisement(addr *net.UDPAddr) {
	msg := s.buildAnnouncement()
	packed, err := msg.Pack()
	if err != nil {
		s.log.Warn(fmt.Sprintf("discovery: pack announcement: %v", err))
		return
	}
	if _, err := s.sock.WriteToUDP(packed, addr); err != nil {
		s.log.Warn(fmt.Sprintf("discovery: send announcement: %v", err))
	}
}

func (s *Service) buildAnnouncement() *dns.Msg {
	instance := fmt.Sprintf("%s.%s", s.cfg.DeviceID, ServiceName)
	host, _ := os.Hostname()

	m := new(dns.Msg)
	m.Response = true
	m.Authoritative = true

	ptr := &dns.PTR{
		Hdr: dns.RR_Header{Name: ServiceName, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: uint32(s.cfg.StalePeerInterval.Seconds())},
		Ptr: instance,
	}
	srv := &dns.SRV{
		Hdr:      dns.RR_Header{Name: instance, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: uint32(s.cfg.StalePeerInterval.Seconds())},
		Priority: 0, Weight: 0, Port: uint16(s.cfg.Port), Target: host + ".",
	}
	txt := &dns.TXT{
		Hdr: dns.RR_Header{Name: instance, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: uint32(s.cfg.StalePeerInterval.Seconds())},
		Txt: []string{
			"device_id=" + s.cfg.DeviceID,
			"fingerprint_sha256=" + s.cfg.FingerprintSHA256,
			"version=" + s.cfg.Version,
			"protocols=" + strings.Join(s.cfg.Protocols, ","),
		},
	}
	m.Answer = append(m.Answer, ptr, srv, txt)
	return m
}

// browseLoop reads incoming mDNS packets and folds PTR/SRV/TXT answers for
// our service into the peer map.
func (s *Service) browseLoop() {
	defer s.wg.Done()
	buf := make([]byte, 8192)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		_ = s.sock.SetReadDeadline(time.Now().Add(time.Second))
		n, src, err := s.sock.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		m := new(dns.Msg)
		if err := m.Unpack(buf[:n]); err != nil {
			continue
		}
		s.handleAnswer(m, src)
	}
}

func (s *Service) handleAnswer(m *dns.Msg, src *net.UDPAddr) {
	var peer DiscoveredPeer
	var instance string
	for _, rr := range m.Answer {
		switch r := rr.(type) {
		case *dns.PTR:
			if r.Hdr.Name == ServiceName {
				instance = r.Ptr
			}
		case *dns.SRV:
			peer.ServiceName = r.Hdr.Name
			peer.Port = int(r.Port)
			peer.Host = src.IP.String()
		case *dns.TXT:
			for _, kv := range r.Txt {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					continue
				}
				switch k {
				case "device_id":
					peer.DeviceID = v
				case "fingerprint_sha256":
					peer.FingerprintSHA256 = v
				case "version":
					peer.Version = v
				case "protocols":
					peer.Protocols = strings.Split(v, ",")
				}
			}
		}
	}
	if peer.ServiceName == "" {
		peer.ServiceName = instance
	}
	if peer.DeviceID == "" || strings.EqualFold(peer.DeviceID, s.cfg.DeviceID) {
		return // ignore our own advertisement and incomplete records
	}
	peer.LastSeen = time.Now()

	s.mu.Lock()
	s.peers[peer.ServiceName] = peer
	s.mu.Unlock()
	if s.cache != nil {
		_ = s.cache.SetLastSeen(peer.ServiceName, peer.LastSeen)
	}
}

// pruneLoop removes peers not seen within StalePeerInterval, running every
// PruneInterval.
func (s *Service) pruneLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.pruneStale()
		}
	}
}

func (s *Service) pruneStale() {
	cutoff := time.Now().Add(-s.cfg.StalePeerInterval)
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, p := range s.peers {
		if p.LastSeen.Before(cutoff) {
			delete(s.peers, name)
		}
	}
}
