// Package payment implements the monthly-fee state machine for members and
// dependents:
//
//	Pending -> AwaitingConfirmation -> Paid
//	Paid -> Pending                 (expiry, reversal, monthly reset)
//	AwaitingConfirmation -> Pending (reversal)
//
// Every function returns a new Account and leaves persistence to the caller.
package payment

import (
	"time"

	"gymtrack/internal/apperr"
)

// Status is the payment state derived from the two stored flags.
type Status string

const (
	StatusPending              Status = "pending"
	StatusAwaitingConfirmation Status = "awaiting-confirmation"
	StatusPaid                 Status = "paid"
)

// StatusOf derives the status from the stored flags.
func StatusOf(paid, pending bool) Status {
	switch {
	case paid:
		return StatusPaid
	case pending:
		return StatusAwaitingConfirmation
	default:
		return StatusPending
	}
}

// Account is the payment view of one billable person.
// Paid and PaymentPending are never both true.
type Account struct {
	ID              string
	Paid            bool
	PaymentPending  bool
	LastPaymentDate *time.Time
}

func (a Account) Status() Status { return StatusOf(a.Paid, a.PaymentPending) }

func stamp(t time.Time) *time.Time { return &t }

func validate(a Account) error {
	if a.ID == "" {
		return apperr.Invalid("account id is required")
	}
	return nil
}

// Report records a member's self-reported payment: the account waits for
// staff confirmation from now on. A paid account that reports again goes
// back to awaiting confirmation.
func Report(a Account, now time.Time) (Account, error) {
	if err := validate(a); err != nil {
		return Account{}, err
	}
	a.Paid = false
	a.PaymentPending = true
	a.LastPaymentDate = stamp(now)
	return a, nil
}

// Confirm marks the account paid. It is valid from any state. The report
// date is kept when the account was awaiting confirmation.
func Confirm(a Account, now time.Time) (Account, error) {
	if err := validate(a); err != nil {
		return Account{}, err
	}
	if !a.PaymentPending || a.LastPaymentDate == nil {
		a.LastPaymentDate = stamp(now)
	}
	a.Paid = true
	a.PaymentPending = false
	return a, nil
}

// Reverse returns the account to pending. LastPaymentDate is kept.
func Reverse(a Account) (Account, error) {
	if err := validate(a); err != nil {
		return Account{}, err
	}
	a.Paid = false
	a.PaymentPending = false
	return a, nil
}

// DaysBetween counts whole calendar days from a to b on b's calendar.
func DaysBetween(a, b time.Time) int {
	a = a.In(b.Location())
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}
