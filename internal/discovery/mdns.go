// ABOUTME: mDNS advertisement and browsing of streamsync monitor feeds
// ABOUTME: A running session advertises _streamsync._tcp, tsyncctl browses for it
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

// ServiceType is the mDNS service of a monitor feed
const ServiceType = "_streamsync._tcp"

// Config holds discovery configuration
type Config struct {
	ServiceName  string
	Port         int
	Module       string
	CollectionID string
}

// Manager handles mDNS operations
type Manager struct {
	config   Config
	ctx      context.Context
	cancel   context.CancelFunc
	monitors chan *MonitorInfo
}

// MonitorInfo describes a discovered monitor feed
type MonitorInfo struct {
	Name         string
	Host         string
	Port         int
	Path         string
	Module       string
	CollectionID string
}

// URL returns the websocket address of the feed
func (m *MonitorInfo) URL() string {
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(m.Host, fmt.Sprint(m.Port)), m.Path)
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
		monitors: make(chan *MonitorInfo, 10),
	}
}

// TXT returns the TXT records advertised with the service
func (c Config) TXT() []string {
	txt := []string{"path=/ws"}
	if c.Module != "" {
		txt = append(txt, "module="+c.Module)
	}
	if c.CollectionID != "" {
		txt = append(txt, "collection="+c.CollectionID)
	}
	return txt
}

// Advertise advertises the monitor feed via mDNS until Stop
func (m *Manager) Advertise() error {
	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		m.config.ServiceName,
		ServiceType,
		"",
		"",
		m.config.Port,
		ips,
		m.config.TXT(),
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}

	log.Printf("Advertising mDNS service: %s on port %d (type: %s)", m.config.ServiceName, m.config.Port, ServiceType)

	go func() {
		<-m.ctx.Done()
		server.Shutdown()
	}()

	return nil
}

// Browse queries for monitor feeds until Stop
func (m *Manager) Browse() error {
	go m.browseLoop()
	return nil
}

// browseLoop continuously browses for monitors
func (m *Manager) browseLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 10)
		done := make(chan struct{})

		go func() {
			defer close(done)
			for entry := range entries {
				info := monitorFromEntry(entry)
				log.Printf("Discovered monitor: %s at %s", info.Name, info.URL())

				select {
				case m.monitors <- info:
				case <-m.ctx.Done():
					for range entries {
					}
					return
				}
			}
		}()

		params := &mdns.QueryParam{
			Service: ServiceType,
			Domain:  "local",
			Timeout: 3 * time.Second,
			Entries: entries,
		}

		if err := mdns.Query(params); err != nil {
			log.Printf("mDNS query failed: %v", err)
		}
		close(entries)
		<-done
	}
}

func monitorFromEntry(entry *mdns.ServiceEntry) *MonitorInfo {
	info := &MonitorInfo{
		Name: strings.TrimSuffix(entry.Name, "."+ServiceType+".local."),
		Port: entry.Port,
		Path: "/ws",
	}
	if entry.AddrV4 != nil {
		info.Host = entry.AddrV4.String()
	} else if entry.AddrV6 != nil {
		info.Host = entry.AddrV6.String()
	} else {
		info.Host = strings.TrimSuffix(entry.Host, ".")
	}

	for _, field := range entry.InfoFields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "path":
			info.Path = value
		case "module":
			info.Module = value
		case "collection":
			info.CollectionID = value
		}
	}
	return info
}

// Monitors returns the channel of discovered monitors
func (m *Manager) Monitors() <-chan *MonitorInfo {
	return m.monitors
}

// Stop stops the discovery manager
func (m *Manager) Stop() {
	m.cancel()
}

// getLocalIPs returns local IP addresses
func getLocalIPs() ([]net.IP, error) {
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
