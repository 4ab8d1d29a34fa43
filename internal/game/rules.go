package game

import (
	"fmt"
	"math"
)

// SeatResult is one participant's view of a resolved game. Seat order matches
// the sides passed to Resolve; in house mode the house is never a seat.
type SeatResult struct {
	Verdict      Verdict
	Payout       int64
	Side         Side
	OpponentSide Side
	Card         *Card
	OpponentCard *Card
}

// Outcome is the result of one game.
type Outcome struct {
	Kind     Kind
	House    bool
	CoinSide Side
	Seats    []SeatResult
}

// Rules resolves games from a randomness source.
type Rules struct {
	source Source
}

// NewRules returns Rules drawing from source; nil selects CryptoSource.
func NewRules(source Source) *Rules {
	if source == nil {
		source = CryptoSource{}
	}
	return &Rules{source: source}
}

// Resolve plays one game. One side means house mode, two sides mean the two
// seats of a player-versus-player game. Payouts are 2x stake on a win, the stake
// on a draw and zero on a loss.
func (rules *Rules) Resolve(kind Kind, stake int64, sides []Side) (Outcome, error) {
	if stake <= 0 || stake > math.MaxInt64/2 {
		return Outcome{}, fmt.Errorf("%w: %d", ErrInvalidStake, stake)
	}
	if len(sides) != 1 && len(sides) != 2 {
		return Outcome{}, fmt.Errorf("%w: %d seats", ErrInvalidSeats, len(sides))
	}
	switch kind {
	case KindCoinFlip:
		return rules.resolveCoinFlip(stake, sides)
	case KindHighCard:
		return rules.resolveHighCard(stake, sides)
	default:
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func (rules *Rules) resolveCoinFlip(stake int64, sides []Side) (Outcome, error) {
	for _, side := range sides {
		if side != SideHeads && side != SideTails {
			return Outcome{}, fmt.Errorf("%w: coinflip requires heads or tails", ErrInvalidSide)
		}
	}
	house := len(sides) == 1
	playerSide := sides[0]
	opponentSide := playerSide.Opposite()
	if !house {
		if sides[1] != opponentSide {
			return Outcome{}, fmt.Errorf("%w: seats chose the same side", ErrInvalidSide)
		}
	}
	draw, err := rules.source.Intn(2)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrRandomness, err)
	}
	coin := SideHeads
	if draw == 1 {
		coin = SideTails
	}
	outcome := Outcome{Kind: KindCoinFlip, House: house, CoinSide: coin}
	outcome.Seats = append(outcome.Seats, coinSeat(stake, playerSide, opponentSide, coin))
	if !house {
		outcome.Seats = append(outcome.Seats, coinSeat(stake, opponentSide, playerSide, coin))
	}
	return outcome, nil
}

func coinSeat(stake int64, side Side, opponentSide Side, coin Side) SeatResult {
	seat := SeatResult{Side: side, OpponentSide: opponentSide, Verdict: VerdictLose}
	if side == coin {
		seat.Verdict = VerdictWin
		seat.Payout = stake * 2
	}
	return seat
}

func (rules *Rules) resolveHighCard(stake int64, sides []Side) (Outcome, error) {
	for _, side := range sides {
		if side != SideNone {
			return Outcome{}, fmt.Errorf("%w: highcard takes no side", ErrInvalidSide)
		}
	}
	deck := NewDeck()
	if err := Shuffle(rules.source, deck); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrRandomness, err)
	}
	first, second := deck[0], deck[1]
	house := len(sides) == 1
	outcome := Outcome{Kind: KindHighCard, House: house}
	outcome.Seats = append(outcome.Seats, cardSeat(stake, first, second))
	if !house {
		outcome.Seats = append(outcome.Seats, cardSeat(stake, second, first))
	}
	return outcome, nil
}

func cardSeat(stake int64, card Card, opponentCard Card) SeatResult {
	seat := SeatResult{Card: &card, OpponentCard: &opponentCard}
	switch {
	case card.Rank > opponentCard.Rank:
		seat.Verdict = VerdictWin
		seat.Payout = stake * 2
	case card.Rank == opponentCard.Rank:
		seat.Verdict = VerdictDraw
		seat.Payout = stake
	default:
		seat.Verdict = VerdictLose
	}
	return seat
}
