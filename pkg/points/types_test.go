package points

import (
	"errors"
	"testing"
)

func TestNewUserIDValidation(test *testing.T) {
	test.Parallel()
	userID, err := NewUserID("  user-1  ")
	if err != nil {
		test.Fatalf("valid user id rejected: %v", err)
	}
	if userID.String() != "user-1" {
		test.Fatalf("expected trimmed id, got %q", userID.String())
	}
	for _, raw := range []string{"", "   "} {
		if _, err := NewUserID(raw); !errors.Is(err, ErrInvalidUserID) {
			test.Fatalf("raw %q: expected ErrInvalidUserID, got %v", raw, err)
		}
	}
}

func TestNewPositiveAmount(test *testing.T) {
	test.Parallel()
	amount, err := NewPositiveAmount(25)
	if err != nil {
		test.Fatalf("valid amount rejected: %v", err)
	}
	if amount.Int64() != 25 {
		test.Fatalf("expected 25, got %d", amount.Int64())
	}
	for _, raw := range []int64{0, -5} {
		if _, err := NewPositiveAmount(raw); !errors.Is(err, ErrInvalidAmount) {
			test.Fatalf("raw %d: expected ErrInvalidAmount, got %v", raw, err)
		}
	}
}

func TestParseReferenceType(test *testing.T) {
	test.Parallel()
	for _, raw := range []string{"purchase", "purchase_refund", "manual_adjustment", "activity"} {
		if _, err := ParseReferenceType(raw); err != nil {
			test.Fatalf("raw %q rejected: %v", raw, err)
		}
	}
	if _, err := ParseReferenceType("mystery"); !errors.Is(err, ErrInvalidReferenceType) {
		test.Fatalf("expected ErrInvalidReferenceType, got %v", err)
	}
}

func TestDisputableWindow(test *testing.T) {
	test.Parallel()
	credit := Transaction{Amount: 100, DisputeDeadlineUnixUTC: 1000}
	if !credit.Disputable(1000) {
		test.Fatalf("credit at the deadline must be disputable")
	}
	if credit.Disputable(1001) {
		test.Fatalf("credit past the deadline must not be disputable")
	}
	debit := Transaction{Amount: -100, DisputeDeadlineUnixUTC: 1000}
	if debit.Disputable(500) {
		test.Fatalf("debits must not be disputable")
	}
	final := Transaction{Amount: 100}
	if final.Disputable(0) {
		test.Fatalf("deadline-free credits must not be disputable")
	}
}
