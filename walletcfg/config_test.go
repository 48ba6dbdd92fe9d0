package walletcfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

func TestCleanAndExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	t.Setenv("WALLETSYNC_TEST_DIR", "/tmp/walletsync")

	require.Empty(t, CleanAndExpandPath(""))
	require.Equal(
		t, filepath.Join(home, ".walletsync"),
		CleanAndExpandPath("~/.walletsync/"),
	)
	require.Equal(
		t, "/tmp/walletsync/data",
		CleanAndExpandPath("$WALLETSYNC_TEST_DIR/./data"),
	)
}

func TestNetParams(t *testing.T) {
	t.Parallel()

	tests := []struct {
		network string
		want    *chaincfg.Params
	}{
		{"mainnet", &chaincfg.MainNetParams},
		{"testnet", &chaincfg.TestNet3Params},
		{"testnet3", &chaincfg.TestNet3Params},
		{"signet", &chaincfg.SigNetParams},
		{"regtest", &chaincfg.RegressionNetParams},
		{"simnet", &chaincfg.SimNetParams},
	}
	for _, test := range tests {
		params, err := NetParams(test.network)
		require.NoError(t, err)
		require.Equal(t, test.want.Name, params.Name)
	}

	_, err := NetParams("litecoin")
	require.Error(t, err)
}

func TestCookiePath(t *testing.T) {
	t.Parallel()

	b := DefaultBitcoind()
	b.Dir = "/bitcoin"

	require.Equal(t, "/bitcoin/.cookie", b.CookiePath("mainnet"))
	require.Equal(t, "/bitcoin/testnet3/.cookie", b.CookiePath("testnet3"))
	require.Equal(t, "/bitcoin/regtest/.cookie", b.CookiePath("regtest"))

	b.RPCCookie = "/custom/.cookie"
	require.Equal(t, "/custom/.cookie", b.CookiePath("regtest"))

	b.RPCCookie = ""
	b.RPCUser, b.RPCPass = "user", "pass"
	require.Empty(t, b.CookiePath("mainnet"))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(v *validators)
		wantErr string
	}{
		{
			name:   "defaults",
			mutate: func(*validators) {},
		},
		{
			name: "user without pass",
			mutate: func(v *validators) {
				v.bitcoind.RPCUser = "user"
			},
			wantErr: "must be set together",
		},
		{
			name: "slow block polling",
			mutate: func(v *validators) {
				v.bitcoind.BlockPollInterval = time.Hour
			},
			wantErr: "blockpollinginterval",
		},
		{
			name: "unknown store backend",
			mutate: func(v *validators) {
				v.store.Backend = "etcd"
			},
			wantErr: "unknown store backend",
		},
		{
			name: "empty magic",
			mutate: func(v *validators) {
				v.store.Magic = ""
			},
			wantErr: "store.magic",
		},
		{
			name: "missing descriptor",
			mutate: func(v *validators) {
				v.wallet.Descriptor = ""
			},
			wantErr: "wallet.descriptor",
		},
		{
			name: "unknown boundary",
			mutate: func(v *validators) {
				v.sync.Boundary = "sideways"
			},
			wantErr: "boundary",
		},
		{
			name: "no passes",
			mutate: func(v *validators) {
				v.sync.MaxPasses = 0
			},
			wantErr: "maxpasses",
		},
		{
			name: "short health check interval",
			mutate: func(v *validators) {
				v.health.ChainCheck.Interval = time.Second
			},
			wantErr: "chain backend interval",
		},
		{
			name: "disabled health check",
			mutate: func(v *validators) {
				v.health.ChainCheck.Interval = time.Second
				v.health.ChainCheck.Attempts = 0
			},
		},
		{
			name: "disk ratio out of range",
			mutate: func(v *validators) {
				v.health.DiskCheck.RequiredRemaining = 1
			},
			wantErr: "disk required ratio",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			v := defaultValidators()
			test.mutate(v)

			err := Validate(
				v.bitcoind, v.store, v.wallet, v.sync, v.health,
			)
			if test.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, test.wantErr)
		})
	}
}

type validators struct {
	bitcoind *Bitcoind
	store    *Store
	wallet   *Wallet
	sync     *Sync
	health   *HealthCheckConfig
}

func defaultValidators() *validators {
	w := DefaultWallet()
	w.Descriptor = "tr(xpub/0/*)"

	return &validators{
		bitcoind: DefaultBitcoind(),
		store:    DefaultStore(),
		wallet:   w,
		sync:     DefaultSync(),
		health:   DefaultHealthCheck(),
	}
}
