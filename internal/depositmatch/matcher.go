// Package depositmatch normalizes venue deposit records and matches them
// against expected exchange deposits.
package depositmatch

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Deposit is the stable shape extracted from a raw venue deposit record.
// Venue adapters vary wildly in field naming; extraction is best-effort and
// missing fields stay empty.
type Deposit struct {
	Currency  string
	Network   string
	TxID      string
	Amount    string
	Status    string
	Timestamp int64
}

var networkAliases = map[string]string{
	"ETH":      "ERC20",
	"ETHEREUM": "ERC20",
	"ERC20":    "ERC20",

	"TRON":  "TRC20",
	"TRX":   "TRC20",
	"TRC20": "TRC20",

	"BSC":   "BEP20",
	"BNB":   "BEP20",
	"BEP20": "BEP20",

	"POLYGON": "MATIC",
	"MATIC":   "MATIC",

	"SOLANA": "SOL",
	"SOL":    "SOL",

	"AVALANCHE": "AVAXC",
	"AVAX":      "AVAXC",
	"AVAXC":     "AVAXC",

	"BTC":  "BTC",
	"LTC":  "LTC",
	"DOGE": "DOGE",
	"XRP":  "XRP",
}

// CanonicalizeNetwork maps venue chain aliases onto a stable network
// identifier. Unrecognized values pass through upper-cased.
func CanonicalizeNetwork(network string) string {
	v := strings.ToUpper(strings.TrimSpace(network))
	if v == "" {
		return ""
	}
	if canonical, ok := networkAliases[v]; ok {
		return canonical
	}
	return v
}

func upperSafe(value any) string {
	v := stringify(value)
	return strings.ToUpper(v)
}

func lowerSafe(value any) string {
	v := stringify(value)
	return strings.ToLower(v)
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

func amountString(value any) string {
	raw := stringify(value)
	if raw == "" {
		return ""
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return ""
	}
	return d.String()
}

func timestamp(value any) int64 {
	switch v := value.(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0
		}
		if ts, err := time.Parse(time.RFC3339, trimmed); err == nil {
			return ts.UnixMilli()
		}
		if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return n
		}
		return 0
	default:
		return 0
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Normalize extracts a Deposit from a raw venue record. The record's nested
// "info" object, when present, supplies fallback fields.
func Normalize(record map[string]any) Deposit {
	info, _ := record["info"].(map[string]any)
	if info == nil {
		info = map[string]any{}
	}

	ts := timestamp(record["timestamp"])
	if ts == 0 {
		for _, key := range []string{"datetime"} {
			if ts = timestamp(record[key]); ts != 0 {
				break
			}
		}
	}
	if ts == 0 {
		for _, key := range []string{"insertTime", "createdAt", "time"} {
			if ts = timestamp(info[key]); ts != 0 {
				break
			}
		}
	}

	return Deposit{
		Currency: firstNonEmpty(
			upperSafe(record["currency"]), upperSafe(record["code"]), upperSafe(record["symbol"]),
			upperSafe(info["currency"]), upperSafe(info["coin"]), upperSafe(info["asset"]),
		),
		Network: firstNonEmpty(
			upperSafe(record["network"]),
			upperSafe(info["network"]), upperSafe(info["chain"]), upperSafe(info["chainName"]), upperSafe(info["chainType"]),
		),
		TxID: firstNonEmpty(
			lowerSafe(record["txid"]), lowerSafe(record["txId"]), lowerSafe(record["txHash"]), lowerSafe(record["hash"]),
			lowerSafe(info["txid"]), lowerSafe(info["txId"]), lowerSafe(info["txHash"]), lowerSafe(info["hash"]),
		),
		Amount: firstNonEmpty(
			amountString(record["amount"]), amountString(record["quantity"]), amountString(record["value"]),
			amountString(info["amount"]), amountString(info["qty"]),
		),
		Status: firstNonEmpty(
			lowerSafe(record["status"]),
			lowerSafe(info["status"]), lowerSafe(info["state"]),
		),
		Timestamp: ts,
	}
}

// IsConfirmedStatus reports whether a deposit status counts as settled.
//
// Empty and unknown statuses are treated as confirmed: several venues omit
// status entirely, and matching still requires a tx hash or amount+network
// agreement. False negatives here strand user funds.
func IsConfirmedStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "":
		return true
	case "ok", "success", "succeeded", "completed", "complete", "confirmed":
		return true
	case "failed", "rejected", "canceled", "cancelled":
		return false
	case "pending", "processing":
		return false
	default:
		return true
	}
}

// Args describes the expected deposit to search for.
type Args struct {
	Deposits       []map[string]any
	Symbol         string
	Network        string
	ExpectedAmount decimal.Decimal
	// ExpectedTxHash, when known, forces a strict tx-hash match and disables
	// the amount fallback.
	ExpectedTxHash  string
	AmountTolerance decimal.Decimal
}

// FindMatching returns the first deposit matching the expectation, or false.
//
// When an expected tx hash is known only an exact hash match succeeds. The
// fallback path requires currency, canonical network and an amount within the
// absolute tolerance. Deposits that omit their network never match by amount
// alone.
func FindMatching(args Args) (Deposit, bool) {
	expectedSymbol := strings.ToUpper(strings.TrimSpace(args.Symbol))
	expectedNetwork := CanonicalizeNetwork(args.Network)
	expectedTx := strings.ToLower(strings.TrimSpace(args.ExpectedTxHash))

	if expectedSymbol == "" || expectedNetwork == "" {
		return Deposit{}, false
	}

	for _, raw := range args.Deposits {
		d := Normalize(raw)

		if d.Currency != expectedSymbol {
			continue
		}
		if !IsConfirmedStatus(d.Status) {
			continue
		}

		if expectedTx != "" {
			if d.TxID != "" && d.TxID == expectedTx {
				return d, true
			}
			continue
		}

		if CanonicalizeNetwork(d.Network) != expectedNetwork || d.Network == "" {
			continue
		}
		if d.Amount == "" {
			continue
		}
		amount, err := decimal.NewFromString(d.Amount)
		if err != nil || amount.Sign() <= 0 {
			continue
		}
		if args.ExpectedAmount.Sign() <= 0 {
			continue
		}
		if amount.Sub(args.ExpectedAmount).Abs().LessThanOrEqual(args.AmountTolerance) {
			return d, true
		}
	}
	return Deposit{}, false
}
