// Package game holds the pure rule modules for the supported wagering games.
package game

import (
	"errors"
	"fmt"
	"strings"
)

// Kind names a supported game.
type Kind string

const (
	KindCoinFlip Kind = "coinflip"
	KindHighCard Kind = "highcard"
)

// Side is a coin face.
type Side string

const (
	SideNone  Side = ""
	SideHeads Side = "heads"
	SideTails Side = "tails"
)

// Verdict is a participant's result.
type Verdict string

const (
	VerdictWin  Verdict = "win"
	VerdictLose Verdict = "lose"
	VerdictDraw Verdict = "draw"
)

var (
	ErrUnknownKind  = errors.New("unknown game kind")
	ErrInvalidSide  = errors.New("invalid side")
	ErrInvalidSeats = errors.New("invalid seats")
	ErrInvalidStake = errors.New("invalid stake")
	ErrRandomness   = errors.New("randomness source failed")
)

// ParseKind validates a client supplied game kind.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindCoinFlip:
		return KindCoinFlip, nil
	case KindHighCard:
		return KindHighCard, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}

// String returns the kind value.
func (kind Kind) String() string {
	return string(kind)
}

// UsesSide reports whether participants declare a side for this kind.
func (kind Kind) UsesSide() bool {
	return kind == KindCoinFlip
}

// ParseSide validates a client supplied coin side. Empty input yields SideNone.
func ParseSide(raw string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(raw))) {
	case SideNone:
		return SideNone, nil
	case SideHeads:
		return SideHeads, nil
	case SideTails:
		return SideTails, nil
	default:
		return SideNone, fmt.Errorf("%w: %q", ErrInvalidSide, raw)
	}
}

// Opposite returns the other coin face; SideNone has no opposite.
func (side Side) Opposite() Side {
	switch side {
	case SideHeads:
		return SideTails
	case SideTails:
		return SideHeads
	default:
		return SideNone
	}
}

// String returns the side value.
func (side Side) String() string {
	return string(side)
}
