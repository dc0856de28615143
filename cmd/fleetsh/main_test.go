package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetsh/internal/config"
	"fleetsh/internal/logging"
)

func TestResolveTargets_ManualList(t *testing.T) {
	t.Parallel()

	c := &config.Config{ManualList: true}
	res, err := resolveTargets(c, "web1 ops@web2:2200", logging.Discard())
	require.NoError(t, err)
	require.Len(t, res.Targets, 2)
	assert.Equal(t, "ops@web2:2200", res.Targets[1].Label())
}

func TestResolveTargets_NoInventory(t *testing.T) {
	t.Parallel()

	_, err := resolveTargets(&config.Config{}, "role:web", logging.Discard())
	assert.ErrorContains(t, err, "--manual-list")
}

func TestResolveTargets_Inventory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nodes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- name: web1
  attributes: {fqdn: web1.internal, role: web}
- name: web2
  attributes: {role: web}
`), 0o600))

	c := &config.Config{Inventory: path, DefaultAttribute: "fqdn"}
	res, err := resolveTargets(c, "role:web", logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Matched)
	require.Len(t, res.Targets, 1)
	assert.Equal(t, "web1.internal", res.Targets[0].Host)
	assert.Equal(t, []string{"web2"}, res.Missing)
}

func TestTargetOptions(t *testing.T) {
	t.Parallel()

	opts := targetOptions(&config.Config{
		SSHUser:       "ops",
		SSHPort:       2222,
		IdentityFile:  "/keys/id",
		ForwardAgent:  true,
		HostKeyVerify: true,
	})
	assert.Equal(t, "ops", opts.User)
	assert.Equal(t, 2222, opts.Port)
	assert.Equal(t, "/keys/id", opts.IdentityFile)
	assert.True(t, opts.ForwardAgent)
	assert.True(t, opts.VerifyHostKey)
}

func TestKnownHostsFiles(t *testing.T) {
	t.Parallel()

	assert.Nil(t, knownHostsFiles(&config.Config{KnownHosts: []string{}}))
	assert.Equal(t, []string{"/k"}, knownHostsFiles(&config.Config{KnownHosts: []string{"/k"}}))
}

func TestEnvironmentHelp(t *testing.T) {
	t.Parallel()

	help := environmentHelp()
	assert.Contains(t, help, "\n  FLEETSH_SSH_GATEWAY")
	assert.Contains(t, help, "\n  FLEETSH_ON_ERROR")
	assert.Contains(t, rootCmd.Long, help)
}

func TestDescribeConfigSource(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "environment and flags", describeConfigSource(""))
	assert.Equal(t, "/etc/fleetsh/config.yaml", describeConfigSource("/etc/fleetsh/config.yaml"))
}
