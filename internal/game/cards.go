package game

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Source supplies uniform integers in [0, n).
type Source interface {
	Intn(n int) (int, error)
}

// CryptoSource draws from crypto/rand.
type CryptoSource struct{}

// Intn returns a uniform integer in [0, n).
func (CryptoSource) Intn(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("%w: bound %d", ErrRandomness, n)
	}
	value, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRandomness, err)
	}
	return int(value.Int64()), nil
}

// Suit is a card suit.
type Suit string

const (
	SuitClubs    Suit = "clubs"
	SuitDiamonds Suit = "diamonds"
	SuitHearts   Suit = "hearts"
	SuitSpades   Suit = "spades"
)

const (
	MinRank  = 2
	MaxRank  = 14
	DeckSize = 52
)

var suits = []Suit{SuitClubs, SuitDiamonds, SuitHearts, SuitSpades}

// Card is a playing card; Rank runs 2..14 with 14 as the ace.
type Card struct {
	Rank int  `json:"rank"`
	Suit Suit `json:"suit"`
}

// String renders the card as rank label plus suit initial, e.g. "AS" or "10H".
func (card Card) String() string {
	var label string
	switch card.Rank {
	case 11:
		label = "J"
	case 12:
		label = "Q"
	case 13:
		label = "K"
	case 14:
		label = "A"
	default:
		label = strconv.Itoa(card.Rank)
	}
	if card.Suit == "" {
		return label
	}
	return label + strings.ToUpper(string(card.Suit)[:1])
}

// NewDeck returns a fresh ordered 52 card deck.
func NewDeck() []Card {
	deck := make([]Card, 0, DeckSize)
	for _, suit := range suits {
		for rank := MinRank; rank <= MaxRank; rank++ {
			deck = append(deck, Card{Rank: rank, Suit: suit})
		}
	}
	return deck
}

// Shuffle permutes cards in place with Fisher-Yates.
func Shuffle(source Source, cards []Card) error {
	for index := len(cards) - 1; index > 0; index-- {
		swapIndex, err := source.Intn(index + 1)
		if err != nil {
			return err
		}
		if swapIndex < 0 || swapIndex > index {
			return fmt.Errorf("%w: index %d out of range", ErrRandomness, swapIndex)
		}
		cards[index], cards[swapIndex] = cards[swapIndex], cards[index]
	}
	return nil
}
