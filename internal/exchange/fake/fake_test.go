package fake

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetDepositAddressDefaultsToOnlyNetwork(t *testing.T) {
	v := New()
	v.SeedAddress("BTC", "BTC", "addr-btc")
	v.SeedAddress("USDT", "TRC20", "addr-usdt")

	addr, err := v.GetDepositAddress(context.Background(), "USDT", "")
	require.NoError(t, err)
	require.Equal(t, "addr-usdt", addr.Address)
	require.Equal(t, "TRC20", addr.Network)

	addr, err = v.GetDepositAddress(context.Background(), "BTC", "BTC")
	require.NoError(t, err)
	require.Equal(t, "addr-btc", addr.Address)
}

func TestGetDepositAddressEmptyNetworkNeedsOneCandidate(t *testing.T) {
	v := New()
	_, err := v.GetDepositAddress(context.Background(), "BTC", "")
	require.Error(t, err)

	v.SeedAddress("USDT", "TRC20", "addr-trc")
	v.SeedAddress("USDT", "ERC20", "addr-erc")
	_, err = v.GetDepositAddress(context.Background(), "USDT", "")
	require.Error(t, err)
}
