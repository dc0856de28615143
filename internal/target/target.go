package target

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultPort is used when neither the target string nor any option source names a port
const DefaultPort = 22

// Target represents a resolved destination and the connection attributes used to reach it
type Target struct {
	User          string // SSH username, empty until resolved
	Host          string // Hostname or IP address
	Port          int    // SSH port number, 0 until resolved
	IdentityFile  string // Path to SSH private key file
	Password      string // Password for password/keyboard-interactive auth
	ForwardAgent  bool   // Forward the local SSH agent to the remote host
	VerifyHostKey bool   // Check the host key against known_hosts
	Original      string // Original host specification string, used as the output label
}

// Label returns the string used to attribute output to this target
func (t Target) Label() string {
	if t.Original != "" {
		return t.Original
	}
	return t.Host
}

// Address returns the host:port dial address
func (t Target) Address() string {
	port := t.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// String renders the target as user@host:port
func (t Target) String() string {
	if t.User == "" {
		return t.Address()
	}
	return t.User + "@" + t.Address()
}

// ParseHostSpec parses a single host specification in the format "[user@]host[:port][?key=path]"
func ParseHostSpec(spec string) (Target, error) {
	target := Target{
		Original: spec,
	}

	if strings.TrimSpace(spec) == "" {
		return target, fmt.Errorf("empty host specification")
	}

	// Split on '?' to separate host part from query parameters
	parts := strings.SplitN(spec, "?", 2)
	hostPart := parts[0]

	if len(parts) == 2 {
		values, err := url.ParseQuery(parts[1])
		if err != nil {
			return target, fmt.Errorf("invalid query parameters: %w", err)
		}
		if key := values.Get("key"); key != "" {
			target.IdentityFile = key
		}
	}

	var userHost string
	if strings.Contains(hostPart, "@") {
		userHostParts := strings.SplitN(hostPart, "@", 2)
		target.User = userHostParts[0]
		userHost = userHostParts[1]
	} else {
		userHost = hostPart
	}

	var host, portStr string

	if strings.HasPrefix(userHost, "[") {
		// IPv6 format: [::1]:2222
		closeBracket := strings.Index(userHost, "]")
		if closeBracket == -1 {
			return target, fmt.Errorf("invalid IPv6 address format: missing closing bracket")
		}
		host = userHost[1:closeBracket]
		remainder := userHost[closeBracket+1:]
		if strings.HasPrefix(remainder, ":") {
			portStr = remainder[1:]
		}
	} else if strings.Count(userHost, ":") == 1 {
		hostPortParts := strings.SplitN(userHost, ":", 2)
		host = hostPortParts[0]
		portStr = hostPortParts[1]
	} else {
		// hostname, IPv4, or a bare IPv6 address without a port
		host = userHost
	}

	target.Host = host

	if portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return target, fmt.Errorf("invalid port number '%s': %w", portStr, err)
		}
		if port < 1 || port > 65535 {
			return target, fmt.Errorf("port number %d out of valid range (1-65535)", port)
		}
		target.Port = port
	}

	if err := ValidateTarget(target); err != nil {
		return target, fmt.Errorf("validation failed: %w", err)
	}

	return target, nil
}

// ValidateTarget validates a target for correctness
func ValidateTarget(target Target) error {
	if target.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if strings.ContainsAny(target.Host, " \t\n/") {
		return fmt.Errorf("host '%s' contains invalid characters", target.Host)
	}

	if target.IdentityFile != "" {
		path := ExpandHome(target.IdentityFile)
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("identity file '%s' not accessible: %w", target.IdentityFile, err)
		}
	}

	return nil
}

// ParseList parses a whitespace separated list of host specifications, preserving order
func ParseList(input string) ([]Target, error) {
	specs := strings.Fields(input)
	targets := make([]Target, 0, len(specs))

	for i, spec := range specs {
		target, err := ParseHostSpec(spec)
		if err != nil {
			return nil, fmt.Errorf("error parsing host %d ('%s'): %w", i+1, spec, err)
		}
		targets = append(targets, target)
	}

	return targets, nil
}

// ExpandHome replaces a leading "~/" with the user's home directory
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
