package events

import "math/big"

const (
	// TypeMessageApplied is emitted when an inbound cross-chain message has
	// been applied to the ledger.
	TypeMessageApplied = "crosschain.message_applied"
	// TypeMessageReplayed is emitted when a duplicate message is ignored.
	// Replays are not failures; the event exists for audit visibility only.
	TypeMessageReplayed = "crosschain.message_replayed"
	// TypeSuspectedGap is emitted when an out-of-order hold expires without
	// the predecessor nonce arriving.
	TypeSuspectedGap = "crosschain.suspected_gap"
	// TypeEmergencyToggled is emitted when the global emergency mode changes.
	TypeEmergencyToggled = "system.emergency_toggled"
)

// MessageApplied reports a ledger mutation driven by a cross-chain message.
type MessageApplied struct {
	SourceChain string
	DestChain   string
	Nonce       uint64
	User        string
	Receiver    string
	Action      string
	Asset       string
	Amount      *big.Int
}

func (MessageApplied) EventType() string { return TypeMessageApplied }

// MessageReplayed reports an ignored duplicate delivery.
type MessageReplayed struct {
	SourceChain string
	Nonce       uint64
}

func (MessageReplayed) EventType() string { return TypeMessageReplayed }

// SuspectedGap reports a nonce gap that outlived the ordering hold.
type SuspectedGap struct {
	SourceChain   string
	MissingNonce  uint64
	BlockedNonces []uint64
}

func (SuspectedGap) EventType() string { return TypeSuspectedGap }

// EmergencyToggled reports a change of the global circuit breaker.
type EmergencyToggled struct {
	Active bool
}

func (EmergencyToggled) EventType() string { return TypeEmergencyToggled }
