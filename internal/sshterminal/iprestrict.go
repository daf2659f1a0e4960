package sshterminal

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/gluk-w/jumpterm/internal/logutil"
)

// ErrIPNotAllowed is returned by CheckIPAllowed for a client outside a
// target's allow list.
var ErrIPNotAllowed = errors.New("source IP not allowed")

// parseAllowEntry parses one IP or CIDR. A single IP becomes a /32 or /128.
func parseAllowEntry(entry string) (*net.IPNet, error) {
	if strings.Contains(entry, "/") {
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
		}
		return network, nil
	}
	ip := net.ParseIP(entry)
	if ip == nil {
		return nil, fmt.Errorf("invalid IP address %q", entry)
	}
	bits := 128
	if ip.To4() != nil {
		ip, bits = ip.To4(), 32
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

// ParseAllowedIPs parses a comma-separated list of IPs and CIDR ranges. Empty
// input returns nil, which allows everyone.
func ParseAllowedIPs(allowList string) ([]*net.IPNet, error) {
	var networks []*net.IPNet
	for _, part := range strings.Split(allowList, ",") {
		entry := strings.TrimSpace(part)
		if entry == "" {
			continue
		}
		network, err := parseAllowEntry(entry)
		if err != nil {
			return nil, err
		}
		networks = append(networks, network)
	}
	return networks, nil
}

// CheckIPAllowed returns nil if sourceIP may open a terminal under allowList.
func CheckIPAllowed(sourceIP, allowList string) error {
	networks, err := ParseAllowedIPs(allowList)
	if err != nil {
		return fmt.Errorf("invalid allow list: %w", err)
	}
	if len(networks) == 0 {
		return nil
	}

	ip := net.ParseIP(strings.TrimSpace(sourceIP))
	if ip == nil {
		return fmt.Errorf("%w: could not parse %q", ErrIPNotAllowed, logutil.SanitizeForLog(sourceIP))
	}
	for _, network := range networks {
		if network.Contains(ip) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrIPNotAllowed, logutil.SanitizeForLog(sourceIP))
}

// NormalizeAllowList validates allowList and returns it in canonical form,
// e.g. "10.0.0.0/8, 192.168.1.7".
func NormalizeAllowList(allowList string) (string, error) {
	var normalized []string
	for _, part := range strings.Split(allowList, ",") {
		entry := strings.TrimSpace(part)
		if entry == "" {
			continue
		}
		network, err := parseAllowEntry(entry)
		if err != nil {
			return "", err
		}
		if strings.Contains(entry, "/") {
			normalized = append(normalized, network.String())
		} else {
			normalized = append(normalized, network.IP.String())
		}
	}
	return strings.Join(normalized, ", "), nil
}
