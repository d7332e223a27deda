package spvcfg

import (
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/spvchain/headers"
	"github.com/stretchr/testify/require"
)

// TestChainValidate checks the header chain settings validation.
func TestChainValidate(t *testing.T) {
	t.Parallel()

	genesis := headers.NewRecord(
		&chaincfg.RegressionNetParams.GenesisBlock.Header,
	)
	raw, err := genesis.Serialize()
	require.NoError(t, err)
	startHex := hex.EncodeToString(raw)

	testCases := []struct {
		name   string
		modify func(c *Chain)
		valid  bool
	}{{
		name:   "defaults",
		modify: func(*Chain) {},
		valid:  true,
	}, {
		name: "unknown network",
		modify: func(c *Chain) {
			c.Network = "nonet"
		},
	}, {
		name: "custom without start header",
		modify: func(c *Chain) {
			c.Network = "custom"
		},
	}, {
		name: "custom with start header",
		modify: func(c *Chain) {
			c.Network = "custom"
			c.StartHeader = startHex
		},
		valid: true,
	}, {
		name: "malformed start header",
		modify: func(c *Chain) {
			c.StartHeader = startHex[:100]
		},
	}, {
		name: "zero depth",
		modify: func(c *Chain) {
			c.ConfirmationDepth = 0
		},
	}, {
		name: "negative orphans",
		modify: func(c *Chain) {
			c.MaxOrphans = -1
		},
	}, {
		name: "negative ttl",
		modify: func(c *Chain) {
			c.OrphanTTL = -1
		},
	}, {
		name: "negative cache",
		modify: func(c *Chain) {
			c.CacheSize = -1
		},
	}}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultChain()
			tc.modify(cfg)

			err := Validate(cfg)
			if tc.valid {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
		})
	}

	cfg := DefaultChain()
	cfg.StartHeader = startHex
	start, err := cfg.ParseStartHeader()
	require.NoError(t, err)
	require.Equal(t, genesis.Hash(), start.UnsafeFromSome().Hash())
}

// TestDB opens the configured bolt backend and checks validation.
func TestDB(t *testing.T) {
	t.Parallel()

	cfg := DefaultDB()
	require.NoError(t, cfg.Validate())

	dir := t.TempDir()
	db, err := cfg.GetBackend(dir)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	require.FileExists(t, filepath.Join(dir, DBFilename))

	err = kvdb.Update(db, func(tx kvdb.RwTx) error {
		_, err := tx.CreateTopLevelBucket([]byte("test"))
		return err
	}, func() {})
	require.NoError(t, err)

	cfg.Backend = "etcd"
	require.Error(t, cfg.Validate())
}

// TestPrometheusValidate checks the exporter address validation.
func TestPrometheusValidate(t *testing.T) {
	t.Parallel()

	cfg := DefaultPrometheus()
	require.False(t, cfg.Enabled())
	require.NoError(t, cfg.Validate())

	cfg.Enable = true
	require.NoError(t, cfg.Validate())

	cfg.Listen = "no-port"
	require.Error(t, cfg.Validate())
}

// TestHealthCheckValidate checks the health check settings validation.
func TestHealthCheckValidate(t *testing.T) {
	t.Parallel()

	cfg := DefaultHealthCheck()
	require.True(t, cfg.DiskCheck.Enabled())
	require.NoError(t, cfg.Validate())

	cfg.DiskCheck.RequiredRemaining = 1
	require.ErrorContains(t, cfg.Validate(), "disk required ratio")
	cfg.DiskCheck.RequiredRemaining = 0.2

	cfg.DiskCheck.Interval = time.Second
	require.ErrorContains(t, cfg.Validate(), "below minimum")

	// A disabled check is not validated any further.
	cfg.DiskCheck.Attempts = 0
	require.False(t, cfg.DiskCheck.Enabled())
	require.NoError(t, cfg.Validate())

	cfg.DiskCheck.Attempts = -1
	require.ErrorContains(t, cfg.Validate(), "must not be negative")

	cfg.DiskCheck = nil
	require.Error(t, cfg.Validate())
}
