package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"e2e_engine/internal/cryptographic/signature"

	"github.com/stretchr/testify/require"
)

func TestServerDefaults(t *testing.T) {
	cfg, err := LoadServerFile("")
	require.NoError(t, err)

	require.Equal(t, defaultListen, cfg.Listen)
	require.Equal(t, "http://"+defaultListen, cfg.PublicURL)
	require.Equal(t, defaultMongoURI, cfg.Mongo.URI)
	require.Equal(t, defaultRedisAddr, cfg.Redis.Addr)
	require.Equal(t, defaultOfflineTTL, cfg.Redis.OfflineTTL)
	require.Equal(t, defaultChallengeTimeout, cfg.ChallengeTimeout)
	require.EqualValues(t, defaultMaxMessageSize, cfg.MaxMessageSize)
}

func TestLoadServer(t *testing.T) {
	cfg, err := LoadServer([]byte(`
Listen = "0.0.0.0:8443"
PublicURL = "https://relay.example.org"
ChallengeTimeout = "30s"

[Mongo]
Database = "relay"

[Redis]
Addr = "cache:6379"
DB = 2
OfflineTTL = "48h"

[Logging]
Development = true
Level = "debug"
`))
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:8443", cfg.Listen)
	require.Equal(t, "https://relay.example.org", cfg.PublicURL)
	require.Equal(t, 30*time.Second, cfg.ChallengeTimeout)
	require.Equal(t, "relay", cfg.Mongo.Database)
	require.Equal(t, defaultMongoURI, cfg.Mongo.URI)
	require.Equal(t, 2, cfg.Redis.DB)
	require.Equal(t, 48*time.Hour, cfg.Redis.OfflineTTL)
	require.True(t, cfg.Logging.Development)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestServerRejectsBadURL(t *testing.T) {
	_, err := LoadServer([]byte(`PublicURL = "ftp://relay"`))
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = LoadServer([]byte(`MaxMessageSize = -1`))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadClientFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
ServerURL = "https://relay.example.org"
DataFile = "/var/lib/alice.db"
Curve = "ed448"
`), 0o600))

	cfg, err := LoadClientFile(path)
	require.NoError(t, err)
	require.Equal(t, "https://relay.example.org", cfg.ServerURL)
	require.Equal(t, "/var/lib/alice.db", cfg.DataFile)
	require.Equal(t, signature.Curve448, cfg.CurveID())
	require.Equal(t, defaultRequestTimeout, cfg.RequestTimeout)
}

func TestClientRejectsUnknownCurve(t *testing.T) {
	_, err := LoadClient([]byte(`Curve = "secp256k1"`))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestWrite(t *testing.T) {
	cfg, err := LoadClient(nil)
	require.NoError(t, err)

	var sb strings.Builder
	require.NoError(t, Write(&sb, cfg))
	require.Contains(t, sb.String(), `ServerURL = "http://localhost:9090"`)
	require.Contains(t, sb.String(), `DataFile = "engine.db"`)
}
