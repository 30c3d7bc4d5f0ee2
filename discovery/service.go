package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/net/ipv4"

	"lanshare/models"
)

const (
	// DefaultPort is the UDP port presence messages are sent to and received on.
	DefaultPort = 41234
	// DefaultBroadcastInterval is the presence announcement period.
	DefaultBroadcastInterval = 3 * time.Second
	// DefaultSweepInterval is the stale-device check period.
	DefaultSweepInterval = 5 * time.Second
	// DefaultDeviceTimeout is how long a device survives without a presence message.
	DefaultDeviceTimeout = 10 * time.Second
	// DefaultEventBuffer is the capacity of the events channel.
	DefaultEventBuffer = 128

	maxDatagramSize = 64 * 1024
)

const (
	// EventDeviceFound is emitted the first time a device id is seen.
	EventDeviceFound EventType = "device_found"
	// EventDeviceListChanged carries a full snapshot after any table change.
	EventDeviceListChanged EventType = "device_list_changed"
	// EventDeviceLost is emitted once per evicted device.
	EventDeviceLost EventType = "device_lost"
)

// EventType identifies discovery notifications.
type EventType string

// Event carries discovery updates to the host.
type Event struct {
	Type    EventType
	Device  models.Device
	Devices []models.Device
}

// Identity is the local identity announced in presence messages.
type Identity struct {
	DeviceID   string
	DeviceName string
	Email      string
}

// IdentityUpdate changes the announced identity. Nil fields are left as they are.
type IdentityUpdate struct {
	DeviceName *string
	Email      *string
}

// Config controls the discovery socket and timers.
type Config struct {
	// Port is both the bind port and the broadcast destination port.
	// A negative value binds an ephemeral port.
	Port              int
	ListenAddress     string
	BroadcastInterval time.Duration
	SweepInterval     time.Duration
	DeviceTimeout     time.Duration
	EventBuffer       int

	// BroadcastTargets replaces the per-interface broadcast addresses with
	// explicit host:port destinations.
	BroadcastTargets []string

	AdvertiseMDNS bool
	TransferPort  int
	MDNSService   string
	MDNSDomain    string

	Logger log.Logger

	registerFn   registerFunc
	interfacesFn func() ([]interfaceAddrs, error)
	now          func() time.Time
}

func (c Config) withDefaults() Config {
	out := c
	switch {
	case out.Port == 0:
		out.Port = DefaultPort
	case out.Port < 0:
		out.Port = 0
	}
	if out.BroadcastInterval <= 0 {
		out.BroadcastInterval = DefaultBroadcastInterval
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = DefaultSweepInterval
	}
	if out.DeviceTimeout <= 0 {
		out.DeviceTimeout = DefaultDeviceTimeout
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = DefaultEventBuffer
	}
	if out.MDNSService == "" {
		out.MDNSService = DefaultMDNSService
	}
	if out.MDNSDomain == "" {
		out.MDNSDomain = DefaultMDNSDomain
	}
	if out.Logger == nil {
		out.Logger = log.NewNopLogger()
	}
	if out.registerFn == nil {
		out.registerFn = defaultRegister
	}
	if out.interfacesFn == nil {
		out.interfacesFn = systemInterfaces
	}
	if out.now == nil {
		out.now = time.Now
	}
	return out
}

// Service broadcasts local presence and tracks peers seen on the LAN.
type Service struct {
	cfg    Config
	logger log.Logger
	events chan Event

	runMu      sync.Mutex
	running    bool
	conn       *net.UDPConn
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	advertiser *Advertiser

	identityMu sync.RWMutex
	identity   Identity

	// emitMu keeps table changes and their events in the same order.
	emitMu  sync.Mutex
	mu      sync.RWMutex
	devices map[string]models.Device
}

// New creates a stopped discovery service.
func New(config Config) *Service {
	cfg := config.withDefaults()
	return &Service{
		cfg:     cfg,
		logger:  log.With(cfg.Logger, "component", "discovery"),
		events:  make(chan Event, cfg.EventBuffer),
		devices: make(map[string]models.Device),
	}
}

// Start binds the discovery socket and begins broadcasting and sweeping.
// Calling Start on a running service does nothing.
func (s *Service) Start(identity Identity) error {
	if strings.TrimSpace(identity.DeviceID) == "" {
		return errors.New("self device ID is required")
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return nil
	}

	laddr := &net.UDPAddr{Port: s.cfg.Port}
	if s.cfg.ListenAddress != "" {
		laddr.IP = net.ParseIP(s.cfg.ListenAddress)
		if laddr.IP == nil {
			return fmt.Errorf("invalid listen address %q", s.cfg.ListenAddress)
		}
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", laddr, err)
	}

	pc := ipv4.NewPacketConn(conn)

	s.identityMu.Lock()
	s.identity = identity
	s.identityMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s.conn = conn
	s.cancel = cancel

	s.wg.Add(3)
	go s.receiveLoop(ctx, conn)
	go s.broadcastLoop(ctx, pc)
	go s.sweepLoop(ctx)

	if s.cfg.AdvertiseMDNS {
		advertiser, err := startAdvertiser(s.cfg, identity)
		if err != nil {
			level.Warn(s.logger).Log("msg", "mDNS advertisement unavailable", "err", err)
		} else {
			s.advertiser = advertiser
		}
	}

	s.running = true
	level.Info(s.logger).Log("msg", "discovery started", "addr", conn.LocalAddr(), "device_id", identity.DeviceID)
	return nil
}

// Stop halts all activity, closes the socket and clears the device table.
func (s *Service) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}

	s.cancel()
	_ = s.conn.Close()
	s.wg.Wait()

	if s.advertiser != nil {
		s.advertiser.Stop()
		s.advertiser = nil
	}

	s.mu.Lock()
	s.devices = make(map[string]models.Device)
	s.mu.Unlock()

	s.conn = nil
	s.cancel = nil
	s.running = false
	level.Info(s.logger).Log("msg", "discovery stopped")
}

// Running reports whether the service is started.
func (s *Service) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

// LocalAddr returns the bound socket address, or nil when stopped.
func (s *Service) LocalAddr() net.Addr {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// UpdateIdentity changes the name and/or email used by subsequent broadcasts.
func (s *Service) UpdateIdentity(update IdentityUpdate) {
	s.identityMu.Lock()
	if update.DeviceName != nil {
		s.identity.DeviceName = *update.DeviceName
	}
	if update.Email != nil {
		s.identity.Email = *update.Email
	}
	identity := s.identity
	s.identityMu.Unlock()

	s.runMu.Lock()
	advertiser := s.advertiser
	s.runMu.Unlock()
	advertiser.update(identity)
}

// Identity returns the identity currently announced.
func (s *Service) Identity() Identity {
	s.identityMu.RLock()
	defer s.identityMu.RUnlock()
	return s.identity
}

// Events provides asynchronous discovery notifications. The channel stays
// open across Stop/Start cycles. Found and lost events are never dropped
// while the service runs; list snapshots are dropped when the buffer is full.
func (s *Service) Events() <-chan Event {
	return s.events
}

// Devices returns a snapshot of all current devices.
func (s *Service) Devices() []models.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// FindByEmail returns the first device announcing the given email.
func (s *Service) FindByEmail(email string) (models.Device, bool) {
	for _, device := range s.Devices() {
		if device.Email == email {
			return device, true
		}
	}
	return models.Device{}, false
}

// FindByID returns the device with the given id.
func (s *Service) FindByID(deviceID string) (models.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	device, ok := s.devices[deviceID]
	return device, ok
}

func (s *Service) receiveLoop(ctx context.Context, conn *net.UDPConn) {
	defer s.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			level.Debug(s.logger).Log("msg", "read presence datagram failed", "err", err)
			continue
		}
		s.handleDatagram(ctx, buf[:n], src)
	}
}

func (s *Service) handleDatagram(ctx context.Context, payload []byte, src net.Addr) {
	msg, err := DecodePresence(payload)
	if err != nil {
		level.Debug(s.logger).Log("msg", "discarding datagram", "src", src, "err", err)
		return
	}
	if msg.DeviceID == s.Identity().DeviceID {
		return
	}
	s.upsert(ctx, msg, addrIP(src))
}

func (s *Service) upsert(ctx context.Context, msg PresenceMessage, ip string) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	_, existed := s.devices[msg.DeviceID]
	device := models.Device{
		DeviceID:   msg.DeviceID,
		DeviceName: msg.DeviceName,
		Email:      msg.Email,
		IP:         ip,
		LastSeen:   s.cfg.now(),
	}
	s.devices[msg.DeviceID] = device
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if !existed {
		level.Info(s.logger).Log("msg", "device found", "device_id", device.DeviceID, "name", device.DeviceName, "ip", ip)
		s.emitEvent(ctx, Event{Type: EventDeviceFound, Device: device})
	}
	s.emitEvent(ctx, Event{Type: EventDeviceListChanged, Devices: snapshot})
}

func (s *Service) broadcastLoop(ctx context.Context, pc *ipv4.PacketConn) {
	defer s.wg.Done()

	// Announce immediately so peers do not wait a full interval.
	s.broadcast(pc)

	ticker := time.NewTicker(s.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.broadcast(pc)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) broadcast(pc *ipv4.PacketConn) {
	identity := s.Identity()
	if strings.TrimSpace(identity.Email) == "" {
		return
	}

	payload, err := EncodePresence(PresenceMessage{
		Type:       PresenceType,
		DeviceID:   identity.DeviceID,
		DeviceName: identity.DeviceName,
		Email:      identity.Email,
		Timestamp:  s.cfg.now().UnixMilli(),
	})
	if err != nil {
		level.Error(s.logger).Log("msg", "encode presence failed", "err", err)
		return
	}

	for _, target := range s.broadcastTargets() {
		if err := s.sendPresence(pc, payload, target); err != nil {
			level.Debug(s.logger).Log("msg", "presence send failed", "target", target.Addr, "err", err)
		}
	}
}

// sendPresence writes payload out of the target's interface. Platforms that
// reject the interface hint get a plain send.
func (s *Service) sendPresence(pc *ipv4.PacketConn, payload []byte, target broadcastTarget) error {
	if target.IfIndex > 0 {
		cm := &ipv4.ControlMessage{IfIndex: target.IfIndex}
		_, err := pc.WriteTo(payload, cm, target.Addr)
		if err == nil {
			return nil
		}
		level.Debug(s.logger).Log("msg", "interface-bound presence send failed", "ifindex", target.IfIndex, "err", err)
	}
	_, err := pc.WriteTo(payload, nil, target.Addr)
	return err
}

func (s *Service) broadcastTargets() []broadcastTarget {
	if len(s.cfg.BroadcastTargets) > 0 {
		out := make([]broadcastTarget, 0, len(s.cfg.BroadcastTargets))
		for _, raw := range s.cfg.BroadcastTargets {
			addr, err := net.ResolveUDPAddr("udp4", raw)
			if err != nil {
				level.Warn(s.logger).Log("msg", "invalid broadcast target", "target", raw, "err", err)
				continue
			}
			out = append(out, broadcastTarget{Addr: addr})
		}
		return out
	}

	ifaces, err := s.cfg.interfacesFn()
	if err != nil {
		level.Warn(s.logger).Log("msg", "list interfaces failed", "err", err)
		ifaces = nil
	}
	return broadcastAddresses(ifaces, s.cfg.Port)
}

func (s *Service) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	now := s.cfg.now()

	s.mu.Lock()
	var lost []models.Device
	for id, device := range s.devices {
		if now.Sub(device.LastSeen) <= s.cfg.DeviceTimeout {
			continue
		}
		delete(s.devices, id)
		lost = append(lost, device)
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if len(lost) == 0 {
		return
	}
	for _, device := range lost {
		level.Info(s.logger).Log("msg", "device lost", "device_id", device.DeviceID, "last_seen", device.LastSeen)
		s.emitEvent(ctx, Event{Type: EventDeviceLost, Device: device})
	}
	s.emitEvent(ctx, Event{Type: EventDeviceListChanged, Devices: snapshot})
}

func (s *Service) snapshotLocked() []models.Device {
	out := make([]models.Device, 0, len(s.devices))
	for _, device := range s.devices {
		out = append(out, device)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

// emitEvent drops list snapshots when the buffer is full, since a later one
// supersedes them. Found and lost events wait for room until ctx ends.
func (s *Service) emitEvent(ctx context.Context, event Event) {
	if event.Type == EventDeviceListChanged {
		select {
		case s.events <- event:
		default:
			level.Debug(s.logger).Log("msg", "event dropped", "type", event.Type)
		}
		return
	}
	select {
	case s.events <- event:
	case <-ctx.Done():
		level.Debug(s.logger).Log("msg", "event dropped", "type", event.Type, "err", ctx.Err())
	}
}

func addrIP(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.String()
	case nil:
		return ""
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
