package ssh

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
Host bastion
  HostName 203.0.113.10
  User jump
  Port 2222
  ForwardAgent yes

Host web*
  User deploy
  IdentityFile /keys/web
`

func TestHostConfig_Lookup(t *testing.T) {
	t.Parallel()

	hc, err := ParseHostConfig(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	bastion := hc.Lookup("bastion")
	assert.Equal(t, "203.0.113.10", bastion.HostName)
	assert.Equal(t, "jump", bastion.User)
	assert.Equal(t, 2222, bastion.Port)
	require.NotNil(t, bastion.ForwardAgent)
	assert.True(t, *bastion.ForwardAgent)

	web := hc.Lookup("web3")
	assert.Equal(t, "deploy", web.User)
	assert.Equal(t, "/keys/web", web.IdentityFile)
	assert.Zero(t, web.Port)
	assert.Nil(t, web.ForwardAgent)

	assert.Equal(t, HostOptions{}, hc.Lookup("db1"))
}

func TestHostConfig_NilSafe(t *testing.T) {
	t.Parallel()

	var hc *HostConfig
	assert.Equal(t, HostOptions{}, hc.Lookup("anything"))
}

func TestLoadHostConfig_MissingFile(t *testing.T) {
	t.Parallel()

	hc, err := LoadHostConfig(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Equal(t, HostOptions{}, hc.Lookup("web1"))
}
