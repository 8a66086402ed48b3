package worker

import (
	"net"
	"os"
	"runtime"
)

// DetectCapabilities probes the local environment for the capability flags
// the registry and dispatcher use to match workers against services: whether privileged ICMP is available, and whether the host has a
// routable IPv6 address.
func DetectCapabilities() []string {
	var caps []string
	if hasICMPPrivilege() {
		caps = append(caps, "icmp")
	}
	if hasIPv6() {
		caps = append(caps, "ipv6")
	}
	return caps
}

// hasICMPPrivilege reports whether this process can open a raw ICMP socket.
// On Linux, an unprivileged ICMP socket additionally requires the
// net.ipv4.ping_group_range sysctl to include the process's group, which we
// can't check directly — running as root is the conservative signal the
// registration flow uses.
func hasICMPPrivilege() bool {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		return false
	}
	return os.Geteuid() == 0
}

func hasIPv6() bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ipNet.IP.To4() == nil && !ipNet.IP.IsLoopback() && ipNet.IP.IsGlobalUnicast() {
			return true
		}
	}
	return false
}
