// Package discovery implements the mgid-based peer discovery side channel of
// spec §6.6: new joiners multicast a beacon on a well-known IPv6 multicast
// group, and existing members listen for it. A member that hears a beacon
// passes it to its callback (pkg/node only logs it); no config file or CID
// is sent back to the joiner.
//
// Structurally this follows the teacher's DNS server (pkg/dns/server.go):
// a Config struct with defaults, a Server holding a mutex-guarded running
// flag, and ctx-scoped Start/Stop methods — just built on stdlib UDP
// multicast sockets instead of miekg/dns, since there is no actual DNS
// protocol surface here to justify that dependency (see DESIGN.md).
package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dare-rsm/dare-core/pkg/logging"
	"github.com/rs/zerolog"
)

// DefaultGroup is the multicast group joiners beacon on and members listen
// to, unless EnvConfig.MGID overrides it (§6.6).
const DefaultGroup = "ff02::da2e:1"

// DefaultPort is the UDP port the discovery beacon uses.
const DefaultPort = 4243

// Config holds discovery server configuration.
type Config struct {
	Group string // IPv6 multicast group address
	Iface string // network interface to join the group on; "" picks the default
	Port  int
}

// Beacon is the payload a joiner broadcasts: who it is and where its control
// endpoint can be reached so an existing member can dial it directly.
type Beacon struct {
	NodeID     string
	ServerIdx  uint8
	ControlURL string
}

// Server listens for discovery beacons on the configured multicast group.
type Server struct {
	cfg    Config
	conn   *net.UDPConn
	onRecv func(Beacon, net.Addr)

	mu      sync.Mutex
	running bool
	logger  zerolog.Logger
}

// NewServer creates a discovery server with defaults filled in.
func NewServer(cfg Config, onRecv func(Beacon, net.Addr)) *Server {
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	return &Server{cfg: cfg, onRecv: onRecv, logger: logging.WithComponent("discovery")}
}

// Start joins the multicast group and reads beacons until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("discovery: server already running")
	}
	s.running = true
	s.mu.Unlock()

	var iface *net.Interface
	if s.cfg.Iface != "" {
		i, err := net.InterfaceByName(s.cfg.Iface)
		if err != nil {
			return fmt.Errorf("discovery: interface %s: %w", s.cfg.Iface, err)
		}
		iface = i
	}

	addr := &net.UDPAddr{IP: net.ParseIP(s.cfg.Group), Port: s.cfg.Port}
	conn, err := net.ListenMulticastUDP("udp6", iface, addr)
	if err != nil {
		return fmt.Errorf("discovery: join %s: %w", s.cfg.Group, err)
	}
	s.conn = conn

	s.logger.Info().Str("group", s.cfg.Group).Int("port", s.cfg.Port).Msg("discovery: listening")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 1024)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil
		}
		beacon, ok := decodeBeacon(buf[:n])
		if !ok {
			continue
		}
		if s.onRecv != nil {
			s.onRecv(beacon, src)
		}
	}
}

// Stop closes the listening socket.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// BeaconOnce sends a single beacon datagram to the multicast group, used by a
// joining server that does not yet know any peer's address (§6.6).
func BeaconOnce(cfg Config, beacon Beacon) error {
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	addr := &net.UDPAddr{IP: net.ParseIP(cfg.Group), Port: cfg.Port}
	conn, err := net.DialUDP("udp6", nil, addr)
	if err != nil {
		return fmt.Errorf("discovery: dial %s: %w", cfg.Group, err)
	}
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Write(encodeBeacon(beacon))
	return err
}

func encodeBeacon(b Beacon) []byte {
	return []byte(fmt.Sprintf("%s|%d|%s", b.NodeID, b.ServerIdx, b.ControlURL))
}

func decodeBeacon(buf []byte) (Beacon, bool) {
	parts := splitBeacon(string(buf))
	if len(parts) != 3 {
		return Beacon{}, false
	}
	var idxVal int
	if _, err := fmt.Sscanf(parts[1], "%d", &idxVal); err != nil {
		return Beacon{}, false
	}
	return Beacon{NodeID: parts[0], ServerIdx: uint8(idxVal), ControlURL: parts[2]}, true
}

func splitBeacon(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}
