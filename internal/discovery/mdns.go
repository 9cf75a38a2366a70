// ABOUTME: mDNS presence for the daemon and discovery of network devices.
// ABOUTME: Advertises the control gateway; browses for remote speaker sinks.
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
)

const (
	// serviceControl is the gateway's service type, what clients browse for.
	serviceControl = "_auricle._tcp"
	// serviceDevice is advertised by network speakers the daemon can adopt
	// as output devices.
	serviceDevice = "_auricle-dev._tcp"

	browseInterval = 10 * time.Second
	queryTimeout   = 3 * time.Second
)

// Config holds discovery configuration.
type Config struct {
	// Name is the advertised instance name, usually the daemon name.
	Name string
	// Port is the control gateway port.
	Port int
}

// DeviceInfo describes a discovered network device.
type DeviceInfo struct {
	Name string
	Host string
	Port int
}

// Addr returns the dialable host:port.
func (d *DeviceInfo) Addr() string {
	return net.JoinHostPort(d.Host, fmt.Sprintf("%d", d.Port))
}

// Manager advertises the daemon and browses for network devices. Each device
// is announced once; disappearance is the sink's problem to report.
type Manager struct {
	config  Config
	ctx     context.Context
	cancel  context.CancelFunc
	devices chan *DeviceInfo

	mu   sync.Mutex
	seen map[string]bool
}

// NewManager creates a discovery manager.
func NewManager(config Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		devices: make(chan *DeviceInfo, 10),
		seen:    make(map[string]bool),
	}
}

// Advertise publishes the control gateway via mDNS.
func (m *Manager) Advertise() error {
	ips, err := localIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		m.config.Name,
		serviceControl,
		"",
		"",
		m.config.Port,
		ips,
		[]string{"path=/auricle"},
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}

	log.Printf("Advertising mDNS service: %s on port %d (type: %s)", m.config.Name, m.config.Port, serviceControl)

	go func() {
		<-m.ctx.Done()
		server.Shutdown()
	}()

	return nil
}

// Browse starts looking for network devices. Results arrive on Devices.
func (m *Manager) Browse() error {
	go m.browseLoop()
	return nil
}

func (m *Manager) browseLoop() {
	for {
		entries := make(chan *mdns.ServiceEntry, 10)
		collected := make(chan struct{})

		go func() {
			defer close(collected)
			for entry := range entries {
				m.handleEntry(entry)
			}
		}()

		params := &mdns.QueryParam{
			Service: serviceDevice,
			Domain:  "local",
			Timeout: queryTimeout,
			Entries: entries,
		}
		if err := mdns.Query(params); err != nil {
			log.Printf("Warning: mdns query failed: %v", err)
		}
		close(entries)
		<-collected

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(browseInterval):
		}
	}
}

func (m *Manager) handleEntry(entry *mdns.ServiceEntry) {
	addr := entryAddr(entry)
	if addr == nil {
		return
	}

	dev := &DeviceInfo{
		Name: instanceName(entry.Name),
		Host: addr.String(),
		Port: entry.Port,
	}

	m.mu.Lock()
	if m.seen[dev.Addr()] {
		m.mu.Unlock()
		return
	}
	m.seen[dev.Addr()] = true
	m.mu.Unlock()

	log.Printf("Discovered network device: %s at %s", dev.Name, dev.Addr())

	select {
	case m.devices <- dev:
	case <-m.ctx.Done():
	}
}

// Forget clears a device from the seen set so a later announcement surfaces
// it again, for sinks that dropped off and came back.
func (m *Manager) Forget(addr string) {
	m.mu.Lock()
	delete(m.seen, addr)
	m.mu.Unlock()
}

// Devices returns the channel of discovered network devices.
func (m *Manager) Devices() <-chan *DeviceInfo {
	return m.devices
}

// Stop stops advertising and browsing.
func (m *Manager) Stop() {
	m.cancel()
}

// instanceName strips the service and domain suffix from a full entry name.
func instanceName(full string) string {
	name := full
	if i := strings.Index(name, "."+serviceDevice); i >= 0 {
		name = name[:i]
	}
	return strings.ReplaceAll(name, "\\ ", " ")
}

func entryAddr(entry *mdns.ServiceEntry) net.IP {
	if entry.AddrV4 != nil {
		return entry.AddrV4
	}
	return entry.AddrV6
}

// localIPs returns the non-loopback IPv4 addresses to advertise on.
func localIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
