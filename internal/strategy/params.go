package strategy

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Params configure one order's quote loop. They arrive as the opaque
// strategy_params JSON stored on the order; zero fields fall back to the
// service defaults.
type Params struct {
	// SpreadBps is the half-spread around mid in basis points.
	SpreadBps int `json:"spreadBps"`
	// Layers is the number of quote levels per side.
	Layers int `json:"layers"`
	// LayerStepBps widens each additional layer by this many basis points.
	LayerStepBps int `json:"layerStepBps"`
	// OrderSize is the per-quote quantity as a decimal string.
	OrderSize string `json:"orderSize"`
	// RefreshSec is the quote loop interval in seconds.
	RefreshSec int `json:"refreshSec"`
	// PriceCeiling and PriceFloor guard quote prices; a side whose price
	// crosses a guard is not quoted. Empty disables the guard.
	PriceCeiling string `json:"priceCeiling,omitempty"`
	PriceFloor   string `json:"priceFloor,omitempty"`
	// RequoteThresholdBps is the mid move that forces a requote. Zero means
	// half the spread.
	RequoteThresholdBps int `json:"requoteThresholdBps,omitempty"`
}

// DefaultParams are applied where the order's strategy_params are silent.
var DefaultParams = Params{
	SpreadBps:    20,
	Layers:       1,
	LayerStepBps: 10,
	OrderSize:    "0.001",
	RefreshSec:   5,
}

// ParseParams decodes strategy params JSON and fills gaps from defaults.
func ParseParams(raw []byte, defaults Params) (Params, error) {
	params := defaults
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return Params{}, fmt.Errorf("strategy: decode params: %w", err)
		}
	}
	if params.SpreadBps <= 0 {
		params.SpreadBps = defaults.SpreadBps
	}
	if params.Layers <= 0 {
		params.Layers = defaults.Layers
	}
	if params.LayerStepBps <= 0 {
		params.LayerStepBps = defaults.LayerStepBps
	}
	if params.OrderSize == "" {
		params.OrderSize = defaults.OrderSize
	}
	if params.RefreshSec <= 0 {
		params.RefreshSec = defaults.RefreshSec
	}
	if _, err := decimal.NewFromString(params.OrderSize); err != nil {
		return Params{}, fmt.Errorf("strategy: invalid order size %q", params.OrderSize)
	}
	for _, guard := range []string{params.PriceCeiling, params.PriceFloor} {
		if guard == "" {
			continue
		}
		if _, err := decimal.NewFromString(guard); err != nil {
			return Params{}, fmt.Errorf("strategy: invalid price guard %q", guard)
		}
	}
	if params.RequoteThresholdBps <= 0 {
		params.RequoteThresholdBps = params.SpreadBps / 2
	}
	return params, nil
}

// Refresh returns the quote loop interval.
func (p Params) Refresh() time.Duration {
	return time.Duration(p.RefreshSec) * time.Second
}
