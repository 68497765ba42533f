package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionState is the lifecycle of one opportunity execution.
//
//	Accepted -> LegsPlaced -> AllFilled -> Settled
//	                       -> PartialFailure -> Unwinding -> Unwound
//	                       -> Timeout -> Cancelling -> Cancelled
type ExecutionState string

const (
	ExecAccepted       ExecutionState = "ACCEPTED"
	ExecLegsPlaced     ExecutionState = "LEGS_PLACED"
	ExecAllFilled      ExecutionState = "ALL_FILLED"
	ExecSettled        ExecutionState = "SETTLED"
	ExecPartialFailure ExecutionState = "PARTIAL_FAILURE"
	ExecUnwinding      ExecutionState = "UNWINDING"
	ExecUnwound        ExecutionState = "UNWOUND"
	ExecTimeout        ExecutionState = "TIMEOUT"
	ExecCancelling     ExecutionState = "CANCELLING"
	ExecCancelled      ExecutionState = "CANCELLED"
)

// IsTerminal reports whether the execution is finished.
func (s ExecutionState) IsTerminal() bool {
	return s == ExecSettled || s == ExecUnwound || s == ExecCancelled
}

// ExecutionRecord is the structured outcome of one execution, handed to the
// journal whether it succeeded or not.
type ExecutionRecord struct {
	ID             string           `json:"id"`
	OpportunityID  string           `json:"opportunity_id"`
	Kind           OpportunityKind  `json:"kind"`
	Symbol         string           `json:"symbol"` // Symbol or cycle path
	Venues         []string         `json:"venues"`
	State          ExecutionState   `json:"state"`
	History        []ExecutionState `json:"history"`
	Legs           []Leg            `json:"legs"`
	ExpectedProfit decimal.Decimal  `json:"expected_profit"`
	RealizedPnL    decimal.Decimal  `json:"realized_pnl"`
	Reason         string           `json:"reason,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	FinishedAt     time.Time        `json:"finished_at"`
}

// Success reports whether every leg filled and the execution settled.
func (r *ExecutionRecord) Success() bool {
	return r.State == ExecSettled
}

// StateTransition is a journal entry for one execution state change.
type StateTransition struct {
	ExecutionID string         `json:"execution_id"`
	From        ExecutionState `json:"from"`
	To          ExecutionState `json:"to"`
	At          time.Time      `json:"at"`
	Note        string         `json:"note,omitempty"`
}

// OpportunityRecord is a journal entry for a detected opportunity.
type OpportunityRecord struct {
	ID           string          `json:"id"`
	Kind         OpportunityKind `json:"kind"`
	Symbol       string          `json:"symbol"`
	Venues       []string        `json:"venues"`
	NetProfitPct decimal.Decimal `json:"net_profit_pct"`
	Notional     decimal.Decimal `json:"notional"`
	Decision     string          `json:"decision"` // "executed", "rejected:<check>", "monitor"
	DiscoveredAt time.Time       `json:"discovered_at"`
}

// Settlement is what the coordinator reports to the risk gate when an
// execution finishes, successful or not.
type Settlement struct {
	Kind        OpportunityKind
	Symbols     []string
	Venues      []string
	RealizedPnL decimal.Decimal
	Success     bool
	At          time.Time
}

// RiskSnapshot is a read-only view of the risk state.
type RiskSnapshot struct {
	DailyPnL           decimal.Decimal        `json:"daily_pnl"`
	HourlyPnL          decimal.Decimal        `json:"hourly_pnl"`
	DailyLossRemaining decimal.Decimal        `json:"daily_loss_remaining"`
	OpenPositions      int                    `json:"open_positions"`
	BlockedSymbols     map[string]time.Time   `json:"blocked_symbols"`
	BlockedVenues      map[string]time.Time   `json:"blocked_venues"`
	VenueHealth        map[string]VenueHealth `json:"venue_health"`
	DayStart           time.Time              `json:"day_start"`
}
