package ssh

import (
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/kevinburke/ssh_config"

	"fleetsh/internal/target"
)

// HostOptions are the per-host values read from an OpenSSH client config
type HostOptions struct {
	HostName     string
	User         string
	Port         int
	IdentityFile string
	ForwardAgent *bool
}

// HostConfig resolves per-host options from an OpenSSH client config file
type HostConfig struct {
	cfg *ssh_config.Config
}

// LoadHostConfig reads path, or ~/.ssh/config when path is empty.
// A missing file yields an empty config.
func LoadHostConfig(path string) (*HostConfig, error) {
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return &HostConfig{}, nil
		}
		path = filepath.Join(homeDir, ".ssh", "config")
	}

	f, err := os.Open(target.ExpandHome(path))
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return &HostConfig{}, nil
		}
		return nil, fmt.Errorf("failed to open ssh config: %w", err)
	}
	defer func() { _ = f.Close() }()

	return ParseHostConfig(f)
}

// ParseHostConfig decodes an OpenSSH client config
func ParseHostConfig(r io.Reader) (*HostConfig, error) {
	cfg, err := ssh_config.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh config: %w", err)
	}
	return &HostConfig{cfg: cfg}, nil
}

// Lookup returns the options configured for alias
func (h *HostConfig) Lookup(alias string) HostOptions {
	var opts HostOptions
	if h == nil || h.cfg == nil {
		return opts
	}

	get := func(key string) string {
		value, err := h.cfg.Get(alias, key)
		if err != nil {
			return ""
		}
		return value
	}

	opts.HostName = get("HostName")
	opts.User = get("User")
	if port, err := strconv.Atoi(get("Port")); err == nil {
		opts.Port = port
	}
	if identity := get("IdentityFile"); identity != "" {
		opts.IdentityFile = target.ExpandHome(identity)
	}
	switch get("ForwardAgent") {
	case "yes":
		v := true
		opts.ForwardAgent = &v
	case "no":
		v := false
		opts.ForwardAgent = &v
	}

	return opts
}
