package discovery

import (
	"fmt"
	"net"
	"os"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"
)

const serviceType = "_sketchroom._tcp"

// Advertiser announces the server on the local network so clients can find
// it without knowing its address.
type Advertiser struct {
	server *mdns.Server
	logger *zap.Logger
}

func newService(instance, host string, port int, ips []net.IP) (*mdns.MDNSService, error) {
	return mdns.NewMDNSService(
		instance,
		serviceType,
		"",
		host,
		port,
		ips,
		[]string{"sketchroom", "path=/ws"},
	)
}

func Advertise(port int, logger *zap.Logger) (*Advertiser, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("could not get hostname: %w", err)
	}

	service, err := newService(host, "", port, []net.IP{firstIPv4()})
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to start mDNS server: %w", err)
	}

	logger.Info("advertising on mDNS",
		zap.String("service", serviceType),
		zap.String("instance", host),
		zap.Int("port", port))
	return &Advertiser{server: server, logger: logger}, nil
}

func (a *Advertiser) Shutdown() error {
	a.logger.Info("mDNS advertisement stopped")
	return a.server.Shutdown()
}

// firstIPv4 returns the first non-loopback IPv4 address that is up.
func firstIPv4() net.IP {
	ifaces, _ := net.Interfaces()
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.To4()
			}
		}
	}
	return net.IPv4(127, 0, 0, 1)
}
