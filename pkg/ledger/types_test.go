package ledger

import (
	"errors"
	"math"
	"testing"
)

func TestNewUserID(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		input   string
		wantErr error
		wantVal string
	}{
		{name: "valid", input: " user-123 ", wantVal: "user-123"},
		{name: "empty", input: "   ", wantErr: ErrInvalidUserID},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			result, err := NewUserID(tc.input)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected error %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.String() != tc.wantVal {
				t.Fatalf("expected %q, got %q", tc.wantVal, result.String())
			}
		})
	}
}

func TestNewSessionID(t *testing.T) {
	t.Parallel()
	_, err := NewSessionID("")
	if !errors.Is(err, ErrInvalidSessionID) {
		t.Fatalf("expected ErrInvalidSessionID, got %v", err)
	}
}

func TestNewIdempotencyKey(t *testing.T) {
	t.Parallel()
	_, err := NewIdempotencyKey("   ")
	if !errors.Is(err, ErrInvalidIdempotencyKey) {
		t.Fatalf("expected ErrInvalidIdempotencyKey, got %v", err)
	}
}

func TestAmountConstructors(t *testing.T) {
	t.Parallel()
	if _, err := NewAmountMinor(-1); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if value, err := NewAmountMinor(0); err != nil || value != 0 {
		t.Fatalf("expected zero amount, got %d, %v", value, err)
	}
	if _, err := NewPositiveAmountMinor(0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := NewEntryAmountMinor(math.MinInt64); !errors.Is(err, ErrInvalidEntryAmount) {
		t.Fatalf("expected ErrInvalidEntryAmount, got %v", err)
	}
}

func TestPositiveAmountDoubled(t *testing.T) {
	t.Parallel()
	doubled, err := PositiveAmountMinor(100_000_000).Doubled()
	if err != nil || doubled != 200_000_000 {
		t.Fatalf("expected 200000000, got %d, %v", doubled, err)
	}
	if _, err := PositiveAmountMinor(math.MaxInt64/2 + 1).Doubled(); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected overflow rejection, got %v", err)
	}
}

func TestNewMetadataJSON(t *testing.T) {
	t.Parallel()
	meta, err := NewMetadataJSON("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.String() != "{}" {
		t.Fatalf("expected default metadata to be '{}', got %q", meta.String())
	}
	_, err = NewMetadataJSON("not-json")
	if !errors.Is(err, ErrInvalidMetadataJSON) {
		t.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
}

func TestParseEnums(t *testing.T) {
	t.Parallel()
	if entryType, err := ParseEntryType(" win "); err != nil || entryType != EntryWin {
		t.Fatalf("expected WIN, got %q, %v", entryType, err)
	}
	if _, err := ParseEntryType("HOLD"); !errors.Is(err, ErrInvalidEntryType) {
		t.Fatalf("expected ErrInvalidEntryType, got %v", err)
	}
	if kind, err := ParseBalanceKind("TEST"); err != nil || kind != BalanceTest {
		t.Fatalf("expected test kind, got %q, %v", kind, err)
	}
	if _, err := ParseBalanceKind("bonus"); !errors.Is(err, ErrInvalidBalanceKind) {
		t.Fatalf("expected ErrInvalidBalanceKind, got %v", err)
	}
	if _, err := ParseEntryStatus("pending"); !errors.Is(err, ErrInvalidEntryStatus) {
		t.Fatalf("expected ErrInvalidEntryStatus, got %v", err)
	}
}

func TestBalanceOf(t *testing.T) {
	t.Parallel()
	balance := Balance{Real: 7, Test: 3}
	if balance.Of(BalanceReal) != 7 || balance.Of(BalanceTest) != 3 {
		t.Fatalf("unexpected counters: %+v", balance)
	}
}
