package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultMDNSService is the mDNS service name without domain suffix.
	DefaultMDNSService = "_lanshare._tcp"
	// DefaultMDNSDomain is the mDNS domain.
	DefaultMDNSDomain = "local."
	// MDNSVersion is the TXT record protocol version.
	MDNSVersion = 1
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)

func defaultRegister(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
	return zeroconf.Register(instance, service, domain, port, text, ifaces)
}

// Advertiser publishes the transfer endpoint via mDNS alongside UDP presence.
type Advertiser struct {
	server *zeroconf.Server
}

func startAdvertiser(cfg Config, identity Identity) (*Advertiser, error) {
	if cfg.TransferPort <= 0 {
		return nil, errors.New("transfer port must be > 0")
	}

	instance := identity.DeviceName
	if instance == "" {
		instance = identity.DeviceID
	}

	server, err := cfg.registerFn(instance, cfg.MDNSService, cfg.MDNSDomain, cfg.TransferPort, advertisementText(identity), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

func advertisementText(identity Identity) []string {
	return []string{
		"device_id=" + identity.DeviceID,
		"email=" + identity.Email,
		"version=" + strconv.Itoa(MDNSVersion),
	}
}

func (a *Advertiser) update(identity Identity) {
	if a == nil || a.server == nil {
		return
	}
	a.server.SetText(advertisementText(identity))
}

// Stop withdraws the mDNS registration.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}
