package depositmatch

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestCanonicalizeNetwork(t *testing.T) {
	cases := map[string]string{
		"eth":      "ERC20",
		"Ethereum": "ERC20",
		"TRX":      "TRC20",
		"bsc":      "BEP20",
		"Polygon":  "MATIC",
		"solana":   "SOL",
		"AVAX":     "AVAXC",
		"btc":      "BTC",
		"KASPA":    "KASPA",
		"  ":       "",
	}
	for in, want := range cases {
		require.Equal(t, want, CanonicalizeNetwork(in), "input %q", in)
	}
}

func TestNormalizePrefersTopLevelFields(t *testing.T) {
	d := Normalize(map[string]any{
		"currency":  "usdt",
		"network":   "trx",
		"txid":      "0xABCDEF",
		"amount":    "12.50",
		"status":    "OK",
		"timestamp": float64(1700000000000),
		"info": map[string]any{
			"coin":   "btc",
			"chain":  "eth",
			"txHash": "0xother",
			"amount": "99",
			"status": "failed",
		},
	})
	require.Equal(t, "USDT", d.Currency)
	require.Equal(t, "TRX", d.Network)
	require.Equal(t, "0xabcdef", d.TxID)
	require.Equal(t, "12.5", d.Amount)
	require.Equal(t, "ok", d.Status)
	require.Equal(t, int64(1700000000000), d.Timestamp)
}

func TestNormalizeFallsBackToInfo(t *testing.T) {
	d := Normalize(map[string]any{
		"info": map[string]any{
			"asset":      "SOL",
			"chainName":  "solana",
			"hash":       "TXHASH",
			"qty":        float64(3),
			"state":      "Completed",
			"insertTime": float64(1690000000000),
		},
	})
	require.Equal(t, "SOL", d.Currency)
	require.Equal(t, "SOLANA", d.Network)
	require.Equal(t, "txhash", d.TxID)
	require.Equal(t, "3", d.Amount)
	require.Equal(t, "completed", d.Status)
	require.Equal(t, int64(1690000000000), d.Timestamp)
}

func TestIsConfirmedStatus(t *testing.T) {
	for _, s := range []string{"", "ok", "Success", "succeeded", "completed", "complete", "confirmed", "weird_venue_value"} {
		require.True(t, IsConfirmedStatus(s), "status %q", s)
	}
	for _, s := range []string{"failed", "rejected", "canceled", "cancelled", "pending", "processing"} {
		require.False(t, IsConfirmedStatus(s), "status %q", s)
	}
}

func TestFindMatchingByTxHash(t *testing.T) {
	deposits := []map[string]any{
		{"currency": "BTC", "txid": "0xAAA", "amount": "1"},
		{"currency": "BTC", "txid": "0xBBB", "amount": "1"},
	}
	d, ok := FindMatching(Args{
		Deposits:        deposits,
		Symbol:          "btc",
		Network:         "btc",
		ExpectedAmount:  dec(t, "1"),
		ExpectedTxHash:  "0xBBB",
		AmountTolerance: dec(t, "0.00000001"),
	})
	require.True(t, ok)
	require.Equal(t, "0xbbb", d.TxID)
}

func TestFindMatchingTxHashNeverFallsBackToAmount(t *testing.T) {
	// Same amount and network, but the expected hash is absent from the list.
	deposits := []map[string]any{
		{"currency": "BTC", "network": "BTC", "txid": "0xAAA", "amount": "1"},
	}
	_, ok := FindMatching(Args{
		Deposits:        deposits,
		Symbol:          "BTC",
		Network:         "BTC",
		ExpectedAmount:  dec(t, "1"),
		ExpectedTxHash:  "0xMISSING",
		AmountTolerance: dec(t, "0.00000001"),
	})
	require.False(t, ok)
}

func TestFindMatchingByAmountWithinTolerance(t *testing.T) {
	deposits := []map[string]any{
		{"currency": "BTC", "network": "BTC", "amount": "1.23456788"},
	}
	_, ok := FindMatching(Args{
		Deposits:        deposits,
		Symbol:          "BTC",
		Network:         "BTC",
		ExpectedAmount:  dec(t, "1.23456789"),
		AmountTolerance: dec(t, "0.00000001"),
	})
	require.True(t, ok)

	_, ok = FindMatching(Args{
		Deposits:        deposits,
		Symbol:          "BTC",
		Network:         "BTC",
		ExpectedAmount:  dec(t, "1.23456790"),
		AmountTolerance: dec(t, "0.00000001"),
	})
	require.False(t, ok, "delta of 2e-8 exceeds tolerance")
}

func TestFindMatchingRequiresNetworkForAmountPath(t *testing.T) {
	deposits := []map[string]any{
		{"currency": "BTC", "amount": "1"},
	}
	_, ok := FindMatching(Args{
		Deposits:        deposits,
		Symbol:          "BTC",
		Network:         "BTC",
		ExpectedAmount:  dec(t, "1"),
		AmountTolerance: dec(t, "0.00000001"),
	})
	require.False(t, ok, "deposits without a network must not match by amount alone")
}

func TestFindMatchingHonorsNetworkAliases(t *testing.T) {
	deposits := []map[string]any{
		{"currency": "USDT", "network": "Ethereum", "amount": "5000.00"},
	}
	_, ok := FindMatching(Args{
		Deposits:        deposits,
		Symbol:          "USDT",
		Network:         "ERC20",
		ExpectedAmount:  dec(t, "5000.00"),
		AmountTolerance: dec(t, "0.00000001"),
	})
	require.True(t, ok)
}

func TestFindMatchingSkipsUnconfirmed(t *testing.T) {
	deposits := []map[string]any{
		{"currency": "BTC", "network": "BTC", "amount": "1", "status": "pending"},
		{"currency": "BTC", "network": "BTC", "amount": "1", "status": "ok"},
	}
	d, ok := FindMatching(Args{
		Deposits:        deposits,
		Symbol:          "BTC",
		Network:         "BTC",
		ExpectedAmount:  dec(t, "1"),
		AmountTolerance: dec(t, "0.00000001"),
	})
	require.True(t, ok)
	require.Equal(t, "ok", d.Status)
}
