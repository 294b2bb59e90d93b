package payment

import "time"

// DefaultExpiryDays is how long a confirmed payment stays valid.
const DefaultExpiryDays = 30

// ExpiryPolicy drives the per-person expiry rule.
type ExpiryPolicy struct {
	Days int
}

// DefaultExpiry expires payments 30 days after LastPaymentDate.
var DefaultExpiry = ExpiryPolicy{Days: DefaultExpiryDays}

func (p ExpiryPolicy) days() int {
	if p.Days <= 0 {
		return DefaultExpiryDays
	}
	return p.Days
}

// Expired reports whether a paid account has passed its validity window.
// A paid account without LastPaymentDate never expires.
func (p ExpiryPolicy) Expired(a Account, now time.Time) bool {
	if !a.Paid || a.LastPaymentDate == nil {
		return false
	}
	return DaysBetween(*a.LastPaymentDate, now) >= p.days()
}

// Check clears Paid and PaymentPending once the payment has expired and is
// a no-op otherwise, so applying it twice equals applying it once.
func (p ExpiryPolicy) Check(a Account, now time.Time) (Account, error) {
	if err := validate(a); err != nil {
		return Account{}, err
	}
	if p.Expired(a, now) {
		a.Paid = false
		a.PaymentPending = false
	}
	return a, nil
}

// CheckExpiry is Check under DefaultExpiry.
func CheckExpiry(a Account, now time.Time) (Account, error) {
	return DefaultExpiry.Check(a, now)
}

// ResetPolicy states what the monthly reset clears besides Paid. The
// reset and the expiry rule both clear Paid and are not ordered against
// each other; these switches make their interaction explicit.
type ResetPolicy struct {
	ClearPending         bool `yaml:"clear_pending"`
	ClearLastPaymentDate bool `yaml:"clear_last_payment_date"`
}

// Apply resets one account.
func (p ResetPolicy) Apply(a Account) Account {
	a.Paid = false
	if p.ClearPending {
		a.PaymentPending = false
	}
	if p.ClearLastPaymentDate {
		a.LastPaymentDate = nil
	}
	return a
}

// MonthlyReset sets Paid=false on every account, whatever its state or
// payment recency.
func MonthlyReset(accounts []Account, p ResetPolicy) []Account {
	out := make([]Account, len(accounts))
	for i, a := range accounts {
		out[i] = p.Apply(a)
	}
	return out
}
