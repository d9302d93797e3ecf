// Package models provides data structures and state management for trades.
package models

import (
	"errors"
	"fmt"
)

// TradeStatus represents the lifecycle stage of a trade.
type TradeStatus string

const (
	// StatusPending means the entry order has been placed but not filled.
	StatusPending TradeStatus = "pending"
	// StatusOpen means the entry filled and a conditional order protects it.
	StatusOpen TradeStatus = "open"
	// StatusClosing means an exit is in flight (trigger, manual, emergency).
	StatusClosing TradeStatus = "closing"
	// StatusClosed is terminal: exit confirmed and PnL realized.
	StatusClosed TradeStatus = "closed"
	// StatusFailed is terminal: the trade never reached a protected state.
	StatusFailed TradeStatus = "failed"
)

// Transition conditions.
const (
	ConditionOrderFilled      = "order_filled"
	ConditionOrderRejected    = "order_rejected"
	ConditionProtectionFailed = "protection_failed"
	ConditionStopTriggered    = "conditional_triggered"
	ConditionManualClose      = "manual_close"
	ConditionEmergencyExit    = "emergency_exit"
	ConditionExternalClose    = "external_close"
	ConditionExitFilled       = "exit_filled"
	ConditionExitFailed       = "exit_failed"
)

// ErrInvalidStateTransition is matched by errors.Is against any transition
// validation failure.
var ErrInvalidStateTransition = errors.New("invalid state transition")

// InvalidTransitionError carries the rejected transition details.
type InvalidTransitionError struct {
	From      TradeStatus
	To        TradeStatus
	Condition string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s (condition %q)", e.From, e.To, e.Condition)
}

// Is reports whether target is ErrInvalidStateTransition.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// StatusTransition defines one legal edge of the trade lifecycle.
type StatusTransition struct {
	From        TradeStatus
	To          TradeStatus
	Condition   string
	Description string
}

// ValidTransitions is the complete trade lifecycle:
// pending -> open -> (stop updates) -> closing -> closed, with failure edges.
var ValidTransitions = []StatusTransition{
	{StatusPending, StatusOpen, ConditionOrderFilled, "Entry order filled, protection attached"},
	{StatusPending, StatusFailed, ConditionOrderRejected, "Entry order rejected or canceled by broker"},
	{StatusPending, StatusFailed, ConditionProtectionFailed, "Conditional order could not be placed after fill"},

	{StatusOpen, StatusClosing, ConditionStopTriggered, "Broker-side conditional order triggered"},
	{StatusOpen, StatusClosing, ConditionManualClose, "Operator requested close"},
	{StatusOpen, StatusClosing, ConditionEmergencyExit, "Protection lost, emergency market unwind"},
	{StatusOpen, StatusClosed, ConditionExternalClose, "Position found closed at broker during reconciliation"},

	{StatusClosing, StatusClosed, ConditionExitFilled, "Exit order filled"},
	{StatusClosing, StatusFailed, ConditionExitFailed, "Exit order failed; manual intervention required"},
}

// ValidateTransition checks whether from -> to under condition is legal.
func ValidateTransition(from, to TradeStatus, condition string) error {
	for _, tr := range ValidTransitions {
		if tr.From == from && tr.To == to && tr.Condition == condition {
			return nil
		}
	}
	return &InvalidTransitionError{From: from, To: to, Condition: condition}
}

// IsTerminal reports whether a status admits no further transitions.
func (s TradeStatus) IsTerminal() bool {
	return s == StatusClosed || s == StatusFailed
}

// IsActive reports whether the trade still has broker-side exposure.
func (s TradeStatus) IsActive() bool {
	return s == StatusPending || s == StatusOpen || s == StatusClosing
}
