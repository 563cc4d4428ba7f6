package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleFile = `
[settings]
max_location_changes_per_day = "3"
"location.2.remark_scheme" = "new"

[topics]
manage = 11
outages = 14

[[callers]]
name = "bot"
api_key = "bot-key"
capabilities = ["clients:read", "clients:write"]
`

func TestParseFile(t *testing.T) {
	file, err := ParseFile([]byte(sampleFile))
	require.NoError(t, err)

	assert.Equal(t, "3", file.Settings["max_location_changes_per_day"])
	assert.Equal(t, "new", file.Settings["location.2.remark_scheme"])
	assert.Equal(t, 14, file.Topics["outages"])
	require.Len(t, file.Callers, 1)
	assert.Equal(t, []string{"clients:read", "clients:write"}, file.Callers[0].Capabilities)
}

func TestParseFileRejectsIncompleteCaller(t *testing.T) {
	_, err := ParseFile([]byte("[[callers]]\nname = \"x\"\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleFile), 0o600))

	t.Setenv("SETTINGS_FILE", path)
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_DSN", "")
	t.Setenv("ADMIN_API_KEY", "root-key")
	t.Setenv("PANEL_TIMEOUT_SECONDS", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "data/provisioner.db", cfg.DBDSN)
	assert.Equal(t, "5s", cfg.PanelTimeout.String())
	require.Len(t, cfg.File.Callers, 2)
	assert.Equal(t, "admin", cfg.File.Callers[1].Name)
}

func TestLoadRequiresDSNForServerDrivers(t *testing.T) {
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DB_DSN", "")
	t.Setenv("ADMIN_API_KEY", "k")

	_, err := Load()
	assert.Error(t, err)
}
