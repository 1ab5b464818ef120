package crosschain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Action identifies the ledger mutation an inbound message requests.
type Action string

const (
	ActionDeposit  Action = "deposit"
	ActionWithdraw Action = "withdraw"
	ActionBorrow   Action = "borrow"
	ActionRepay    Action = "repay"
)

// Valid reports whether the action maps to a ledger operation.
func (a Action) Valid() bool {
	switch a {
	case ActionDeposit, ActionWithdraw, ActionBorrow, ActionRepay:
		return true
	default:
		return false
	}
}

// Status is the terminal disposition of a submitted message.
type Status string

const (
	StatusApplied          Status = "applied"
	StatusDuplicateIgnored Status = "duplicate_ignored"
	StatusPendingOrder     Status = "pending_order"
	StatusRejected         Status = "rejected"
	StatusSuspectedGap     Status = "suspected_gap"
)

var (
	// ErrMalformedMessage rejects payloads that fail strict decoding or field
	// validation. Malformed messages never consume a nonce.
	ErrMalformedMessage = errors.New("crosschain: malformed message")
	// ErrUnknownSource rejects messages from chains the reconciler was not
	// configured to trust.
	ErrUnknownSource = errors.New("crosschain: unrecognised source chain")
)

// Message is one ordered ledger instruction from a source chain. Nonces are
// per-source, strictly increasing, and start at 1. Receiver names the account
// credited on the destination chain when the bridge settles outbound.
type Message struct {
	SourceChain string   `json:"source_chain"`
	DestChain   string   `json:"dest_chain"`
	Nonce       uint64   `json:"nonce"`
	Action      Action   `json:"action"`
	User        string   `json:"user"`
	Receiver    string   `json:"receiver"`
	Asset       string   `json:"asset"`
	Amount      *big.Int `json:"-"`
}

type wireMessage struct {
	SourceChain string `json:"source_chain"`
	DestChain   string `json:"dest_chain"`
	Nonce       uint64 `json:"nonce"`
	Action      string `json:"action"`
	User        string `json:"user"`
	Receiver    string `json:"receiver"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
}

// ParseMessage decodes and validates a wire payload. Unknown fields, missing
// fields, and non-decimal amounts are all rejected as malformed.
func ParseMessage(payload []byte) (*Message, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	var wire wireMessage
	if err := decoder.Decode(&wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if decoder.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedMessage)
	}

	amount, ok := new(big.Int).SetString(strings.TrimSpace(wire.Amount), 10)
	if !ok {
		return nil, fmt.Errorf("%w: amount %q is not a base-10 integer", ErrMalformedMessage, wire.Amount)
	}

	msg := &Message{
		SourceChain: strings.ToLower(strings.TrimSpace(wire.SourceChain)),
		DestChain:   strings.ToLower(strings.TrimSpace(wire.DestChain)),
		Nonce:       wire.Nonce,
		Action:      Action(strings.ToLower(strings.TrimSpace(wire.Action))),
		User:        strings.TrimSpace(wire.User),
		Receiver:    strings.TrimSpace(wire.Receiver),
		Asset:       strings.ToLower(strings.TrimSpace(wire.Asset)),
		Amount:      amount,
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// Validate enforces the structural invariants every message must satisfy
// before it can consume a nonce.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrMalformedMessage)
	}
	if m.SourceChain == "" {
		return fmt.Errorf("%w: source chain required", ErrMalformedMessage)
	}
	if m.DestChain == "" {
		return fmt.Errorf("%w: destination chain required", ErrMalformedMessage)
	}
	if m.Nonce == 0 {
		return fmt.Errorf("%w: nonce must be positive", ErrMalformedMessage)
	}
	if !m.Action.Valid() {
		return fmt.Errorf("%w: unsupported action %q", ErrMalformedMessage, m.Action)
	}
	if m.User == "" {
		return fmt.Errorf("%w: user required", ErrMalformedMessage)
	}
	if m.Receiver == "" {
		return fmt.Errorf("%w: receiver required", ErrMalformedMessage)
	}
	if m.Asset == "" {
		return fmt.Errorf("%w: asset required", ErrMalformedMessage)
	}
	if m.Amount == nil || m.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrMalformedMessage)
	}
	return nil
}
