// Package lifecycle advances market-making orders through their state
// machine. Each step runs as a queued job handler behind an idempotency gate,
// so redelivered jobs never duplicate ledger postings or external calls.
package lifecycle

import (
	"fmt"

	"github.com/mvg-fi-dev/mrmarket/internal/domain/orderstore"
)

// transitions is the legal edge set. A state absent from the map has no
// outgoing edges besides failed.
var transitions = map[orderstore.State][]orderstore.State{
	orderstore.StateCreated:             {orderstore.StatePaymentPending},
	orderstore.StatePaymentPending:      {orderstore.StatePaymentIncomplete, orderstore.StatePaymentComplete, orderstore.StateExitRequested},
	orderstore.StatePaymentIncomplete:   {orderstore.StatePaymentComplete, orderstore.StateExitRequested},
	orderstore.StatePaymentComplete:     {orderstore.StateWithdrawing, orderstore.StateExitRequested},
	orderstore.StateWithdrawing:         {orderstore.StateWithdrawalConfirmed, orderstore.StateExitRequested},
	orderstore.StateWithdrawalConfirmed: {orderstore.StateDepositConfirming, orderstore.StateExitRequested},
	orderstore.StateDepositConfirming:   {orderstore.StateDepositConfirmed, orderstore.StateExitRequested},
	orderstore.StateDepositConfirmed:    {orderstore.StateJoiningCampaign, orderstore.StateExitRequested},
	orderstore.StateJoiningCampaign:     {orderstore.StateCampaignJoined},
	orderstore.StateCampaignJoined:      {orderstore.StateRunning},
	orderstore.StateRunning:             {orderstore.StatePaused, orderstore.StateExitRequested},
	orderstore.StatePaused:              {orderstore.StateRunning, orderstore.StateStopped, orderstore.StateExitRequested},
	orderstore.StateStopped:             {orderstore.StatePaused, orderstore.StateExitRequested},
	orderstore.StateExitRequested:       {orderstore.StateExitWithdrawing},
	orderstore.StateExitWithdrawing:     {orderstore.StateExitRefunding},
	orderstore.StateExitRefunding:       {orderstore.StateExitComplete},
}

// Terminal reports whether a state has no outgoing edges at all.
func Terminal(state orderstore.State) bool {
	return state == orderstore.StateExitComplete || state == orderstore.StateFailed
}

// CanTransition reports whether from → to is a legal edge. Any non-terminal
// state may transition to failed.
func CanTransition(from, to orderstore.State) bool {
	if Terminal(from) {
		return false
	}
	if to == orderstore.StateFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrIllegalTransition wraps a rejected state change.
type ErrIllegalTransition struct {
	From orderstore.State
	To   orderstore.State
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("lifecycle: illegal transition %s -> %s", e.From, e.To)
}

// Display is the human-readable rendering of a state.
type Display struct {
	Label string
	Hint  string
	Tone  string
}

// Tone values used by DisplayFor.
const (
	ToneInfo    = "info"
	ToneSuccess = "success"
	ToneWarning = "warning"
	ToneDanger  = "danger"
	ToneNeutral = "neutral"
)

var displays = map[orderstore.State]Display{
	orderstore.StateCreated:             {Label: "Created", Hint: "Waiting for the first payment", Tone: ToneInfo},
	orderstore.StatePaymentPending:      {Label: "Awaiting payment", Hint: "Deposit both legs to continue", Tone: ToneInfo},
	orderstore.StatePaymentIncomplete:   {Label: "Payment incomplete", Hint: "Part of the payment has arrived", Tone: ToneWarning},
	orderstore.StatePaymentComplete:     {Label: "Payment received", Hint: "Moving funds to the exchange", Tone: ToneInfo},
	orderstore.StateWithdrawing:         {Label: "Transferring to exchange", Hint: "Outbound transfer in flight", Tone: ToneInfo},
	orderstore.StateWithdrawalConfirmed: {Label: "Transfer confirmed", Hint: "Waiting for the exchange to credit", Tone: ToneInfo},
	orderstore.StateDepositConfirming:   {Label: "Confirming exchange deposit", Hint: "Matching deposits on the venue", Tone: ToneInfo},
	orderstore.StateDepositConfirmed:    {Label: "Funds on exchange", Hint: "Preparing to start", Tone: ToneInfo},
	orderstore.StateJoiningCampaign:     {Label: "Joining campaign", Hint: "", Tone: ToneInfo},
	orderstore.StateCampaignJoined:      {Label: "Campaign joined", Hint: "", Tone: ToneInfo},
	orderstore.StateRunning:             {Label: "Running", Hint: "Market making is active", Tone: ToneSuccess},
	orderstore.StatePaused:              {Label: "Paused", Hint: "Quoting is suspended", Tone: ToneWarning},
	orderstore.StateStopped:             {Label: "Stopped", Hint: "Quoting is stopped", Tone: ToneWarning},
	orderstore.StateExitRequested:       {Label: "Exit requested", Hint: "Winding down the order", Tone: ToneWarning},
	orderstore.StateExitWithdrawing:     {Label: "Withdrawing from exchange", Hint: "Returning allocated funds", Tone: ToneWarning},
	orderstore.StateExitRefunding:       {Label: "Refunding", Hint: "Sending funds back to you", Tone: ToneWarning},
	orderstore.StateExitComplete:        {Label: "Exit complete", Hint: "All funds returned", Tone: ToneSuccess},
	orderstore.StateFailed:              {Label: "Failed", Hint: "The order failed; received funds are refunded", Tone: ToneDanger},
}

// DisplayFor renders a state for user-facing surfaces. Unknown states render
// with a neutral tone instead of failing.
func DisplayFor(state orderstore.State) Display {
	if display, ok := displays[state]; ok {
		return display
	}
	return Display{Label: string(state), Hint: "Unrecognized order state", Tone: ToneNeutral}
}
