package matchmaking

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/wager/internal/game"
	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
)

// MessageKind discriminates wire messages.
type MessageKind string

const (
	KindFindMatch      MessageKind = "FIND_MATCH"
	KindCancelMatch    MessageKind = "CANCEL_MATCH"
	KindConnected      MessageKind = "CONNECTED"
	KindSearchingMatch MessageKind = "SEARCHING_MATCH"
	KindMatchFound     MessageKind = "MATCH_FOUND"
	KindGameResult     MessageKind = "GAME_RESULT"
	KindMatchCancelled MessageKind = "MATCH_CANCELLED"
	KindError          MessageKind = "ERROR"
	KindBalanceUpdate  MessageKind = "BALANCE_UPDATE"
)

// Inbound is a validated client message: FindMatch or CancelMatch.
type Inbound interface {
	inbound()
}

// FindMatch asks to be paired, or to play the house when UseHouseBalance is set.
type FindMatch struct {
	GameKind        game.Kind
	Stake           ledger.PositiveAmountMinor
	Side            game.Side
	UseHouseBalance bool
}

// CancelMatch withdraws a queued FindMatch.
type CancelMatch struct{}

func (FindMatch) inbound()   {}
func (CancelMatch) inbound() {}

type rawInbound struct {
	Kind            MessageKind `json:"kind"`
	GameKind        string      `json:"gameKind"`
	Stake           stakeText   `json:"stake"`
	Side            string      `json:"side"`
	UseHouseBalance bool        `json:"useHouseBalance"`
}

// stakeText accepts the stake as a JSON string or number and keeps its literal text.
type stakeText string

func (stake *stakeText) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*stake = ""
		return nil
	}
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		*stake = stakeText(text)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return err
	}
	*stake = stakeText(number.String())
	return nil
}

// DecodeInbound parses and validates one client message.
func DecodeInbound(payload []byte) (Inbound, error) {
	var raw rawInbound
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	switch MessageKind(strings.ToUpper(strings.TrimSpace(string(raw.Kind)))) {
	case KindCancelMatch:
		return CancelMatch{}, nil
	case KindFindMatch:
		return decodeFindMatch(raw)
	default:
		return nil, fmt.Errorf("%w: unsupported kind %q", ErrInvalidMessage, raw.Kind)
	}
}

func decodeFindMatch(raw rawInbound) (FindMatch, error) {
	kind, err := game.ParseKind(raw.GameKind)
	if err != nil {
		return FindMatch{}, fmt.Errorf("%w: %v", ErrInvalidGameKind, err)
	}
	stake, err := ledger.ParseStake(string(raw.Stake))
	if err != nil {
		return FindMatch{}, fmt.Errorf("%w: %v", ErrInvalidStake, err)
	}
	side, err := game.ParseSide(raw.Side)
	if err != nil {
		return FindMatch{}, fmt.Errorf("%w: %v", ErrInvalidSide, err)
	}
	if kind.UsesSide() && side == game.SideNone {
		return FindMatch{}, fmt.Errorf("%w: %s requires heads or tails", ErrInvalidSide, kind)
	}
	if !kind.UsesSide() && side != game.SideNone {
		return FindMatch{}, fmt.Errorf("%w: %s takes no side", ErrInvalidSide, kind)
	}
	return FindMatch{GameKind: kind, Stake: stake, Side: side, UseHouseBalance: raw.UseHouseBalance}, nil
}

// Outbound is a server message. Only the fields relevant to Kind are set.
type Outbound struct {
	Kind             MessageKind  `json:"kind"`
	ParticipantID    string       `json:"participantId,omitempty"`
	SessionID        string       `json:"sessionId,omitempty"`
	GameKind         game.Kind    `json:"gameKind,omitempty"`
	Stake            string       `json:"stake,omitempty"`
	StakeMinor       *int64       `json:"stakeMinor,omitempty"`
	OpponentID       string       `json:"opponentId,omitempty"`
	House            *bool        `json:"house,omitempty"`
	Outcome          string       `json:"outcome,omitempty"`
	Verdict          game.Verdict `json:"verdict,omitempty"`
	Payout           string       `json:"payout,omitempty"`
	PayoutMinor      *int64       `json:"payoutMinor,omitempty"`
	Side             game.Side    `json:"side,omitempty"`
	OpponentSide     game.Side    `json:"opponentSide,omitempty"`
	Card             *game.Card   `json:"card,omitempty"`
	OpponentCard     *game.Card   `json:"opponentCard,omitempty"`
	Balance          string       `json:"balance,omitempty"`
	BalanceMinor     *int64       `json:"balanceMinor,omitempty"`
	TestBalance      string       `json:"testBalance,omitempty"`
	TestBalanceMinor *int64       `json:"testBalanceMinor,omitempty"`
	Code             string       `json:"code,omitempty"`
	Message          string       `json:"message,omitempty"`
}

// ConnectedMessage greets a new connection; guests get no participant id.
func ConnectedMessage(participant *Participant) Outbound {
	return Outbound{Kind: KindConnected, ParticipantID: participant.UserID.String()}
}

// SearchingMessage confirms a queued FindMatch.
func SearchingMessage(kind game.Kind, stake ledger.PositiveAmountMinor) Outbound {
	return Outbound{Kind: KindSearchingMatch, GameKind: kind, Stake: ledger.FormatMinor(stake.Int64()), StakeMinor: int64Ref(stake.Int64())}
}

// MatchFoundMessage announces a funded session.
func MatchFoundMessage(sessionID ledger.SessionID, kind game.Kind, stake ledger.PositiveAmountMinor, opponentID string, house bool) Outbound {
	return Outbound{
		Kind:       KindMatchFound,
		SessionID:  sessionID.String(),
		GameKind:   kind,
		Stake:      ledger.FormatMinor(stake.Int64()),
		StakeMinor: int64Ref(stake.Int64()),
		OpponentID: opponentID,
		House:      &house,
	}
}

// GameResultMessage reports one seat's view of a settled session.
func GameResultMessage(sessionID ledger.SessionID, outcome game.Outcome, seat game.SeatResult, stake ledger.PositiveAmountMinor) Outbound {
	house := outcome.House
	message := Outbound{
		Kind:         KindGameResult,
		SessionID:    sessionID.String(),
		GameKind:     outcome.Kind,
		Verdict:      seat.Verdict,
		Payout:       ledger.FormatMinor(seat.Payout),
		PayoutMinor:  int64Ref(seat.Payout),
		Stake:        ledger.FormatMinor(stake.Int64()),
		StakeMinor:   int64Ref(stake.Int64()),
		House:        &house,
		Side:         seat.Side,
		OpponentSide: seat.OpponentSide,
		Card:         seat.Card,
		OpponentCard: seat.OpponentCard,
	}
	switch outcome.Kind {
	case game.KindCoinFlip:
		message.Outcome = outcome.CoinSide.String()
	case game.KindHighCard:
		if seat.Card != nil && seat.OpponentCard != nil {
			message.Outcome = seat.Card.String() + " vs " + seat.OpponentCard.String()
		}
	}
	return message
}

// CancelledMessage confirms a queue entry is gone.
func CancelledMessage() Outbound {
	return Outbound{Kind: KindMatchCancelled}
}

// ErrorMessage converts err into a client error with a stable code.
func ErrorMessage(err error) Outbound {
	code := ErrorCode(err)
	return Outbound{Kind: KindError, Code: code, Message: clientMessage(code)}
}

// BalanceMessage pushes both counters of an account.
func BalanceMessage(balance ledger.Balance) Outbound {
	return Outbound{
		Kind:             KindBalanceUpdate,
		Balance:          ledger.FormatMinor(balance.Real.Int64()),
		BalanceMinor:     int64Ref(balance.Real.Int64()),
		TestBalance:      ledger.FormatMinor(balance.Test.Int64()),
		TestBalanceMinor: int64Ref(balance.Test.Int64()),
	}
}

func int64Ref(value int64) *int64 {
	return &value
}
