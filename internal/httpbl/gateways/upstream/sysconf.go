package upstream

import (
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// DefaultResolvConf is where system nameservers are read from when no
// upstream servers are configured.
const DefaultResolvConf = "/etc/resolv.conf"

// SystemServers returns the nameservers listed in a resolv.conf style file as
// ip:port strings.
func SystemServers(path string) ([]string, error) {
	conf, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(conf.Servers) == 0 {
		return nil, fmt.Errorf("no nameservers in %s", path)
	}

	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, net.JoinHostPort(s, conf.Port))
	}
	return servers, nil
}
