package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polistern/pboted/config"
	"github.com/polistern/pboted/identity"
	"github.com/polistern/pboted/transport"
)

func testIdentity(t *testing.T, seed byte) identity.Identity {
	t.Helper()

	raw := make([]byte, identity.MinLen)
	for i := 0; i < identity.BaseKeyLen; i++ {
		raw[i] = seed ^ byte(i%251)
	}
	id, _, err := identity.FromBuffer(raw)
	require.NoError(t, err)
	return id
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := &config.Config{DataDir: t.TempDir(), LogLevel: "none"}
	return cfg
}

func newTestDaemon(t *testing.T, ctx context.Context, cfg *config.Config) *Daemon {
	t.Helper()

	overlay := transport.NewLoopback()
	local := testIdentity(t, 100)
	session := overlay.Session(local.ToBase64())

	d, err := New(ctx, cfg, session, nil, nil)
	require.NoError(t, err)
	return d
}

func TestBootstrapFromEmpty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig(t)

	a, b := testIdentity(t, 1), testIdentity(t, 2)
	cfg.Bootstrap.Address = []string{a.ToBase64(), b.ToBase64()}

	d := newTestDaemon(t, ctx, cfg)
	require.NoError(t, d.Start(ctx))
	defer d.Stop(ctx)

	rt := d.DHT().RoutingTable()
	assert.Equal(t, 2, rt.Len())
	assert.NotNil(t, rt.Get(a.Hash()))
	assert.NotNil(t, rt.Get(b.Hash()))
}

func TestBootstrapSkipsMalformedAddresses(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig(t)

	good := testIdentity(t, 3)
	cfg.Bootstrap.Address = []string{"!!not-base64!!", good.ToBase64()}

	d := newTestDaemon(t, ctx, cfg)
	require.NoError(t, d.Start(ctx))
	defer d.Stop(ctx)

	assert.Equal(t, 1, d.DHT().RoutingTable().Len())
}

func TestNodesFilePersistsAcrossRestart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig(t)

	a, b := testIdentity(t, 1), testIdentity(t, 2)
	cfg.Bootstrap.Address = []string{a.ToBase64(), b.ToBase64()}

	first := newTestDaemon(t, ctx, cfg)
	require.NoError(t, first.Start(ctx))
	first.Stop(ctx)

	path := filepath.Join(cfg.DataDir, nodesFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "#", "peer file carries a header comment")
	assert.Contains(t, string(data), a.ToBase64())
	assert.Contains(t, string(data), b.ToBase64())

	// A restart loads the persisted peers without touching bootstrap.
	cfg.Bootstrap.Address = nil
	second := newTestDaemon(t, ctx, cfg)
	require.NoError(t, second.Start(ctx))
	defer second.Stop(ctx)

	rt := second.DHT().RoutingTable()
	assert.Equal(t, 2, rt.Len())
	assert.NotNil(t, rt.Get(a.Hash()))
	assert.NotNil(t, rt.Get(b.Hash()))
}

func TestStartWithoutPeers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := newTestDaemon(t, ctx, testConfig(t))
	require.NoError(t, d.Start(ctx))
	defer d.Stop(ctx)

	assert.Equal(t, 0, d.DHT().RoutingTable().Len())
}
