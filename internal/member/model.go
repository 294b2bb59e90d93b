package member

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"gymtrack/internal/apperr"
	"gymtrack/internal/attendance"
	"gymtrack/internal/payment"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Person is a billable person: a member or one of their dependents.
// Paid and PaymentPending are never both true.
type Person struct {
	ID              string              `json:"id" validate:"required"`
	Name            string              `json:"name" validate:"required,max=120"`
	PaymentDueDay   int                 `json:"payment_due_day" validate:"min=1,max=31"`
	Paid            bool                `json:"paid"`
	PaymentPending  bool                `json:"payment_pending"`
	LastPaymentDate *time.Time          `json:"last_payment_date,omitempty"`
	Attendance      []attendance.Record `json:"attendance"`
	PhotoURL        string              `json:"photo_url,omitempty" validate:"omitempty,url"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Dependent is structurally a Person owned by exactly one Member.
type Dependent = Person

// Member is the stored document: the account holder and their dependents.
type Member struct {
	Person
	Email        string      `json:"email,omitempty" validate:"omitempty,email"`
	Phone        string      `json:"phone,omitempty" validate:"omitempty,max=32"`
	PasswordHash string      `json:"password_hash,omitempty"`
	Dependents   []Dependent `json:"dependents" validate:"dive"`
}

// Status derives the payment status.
func (p Person) Status() payment.Status { return payment.StatusOf(p.Paid, p.PaymentPending) }

// Account projects the payment fields.
func (p Person) Account() payment.Account {
	return payment.Account{
		ID:              p.ID,
		Paid:            p.Paid,
		PaymentPending:  p.PaymentPending,
		LastPaymentDate: p.LastPaymentDate,
	}
}

// WithAccount returns p carrying a's payment fields.
func (p Person) WithAccount(a payment.Account) Person {
	p.Paid = a.Paid
	p.PaymentPending = a.PaymentPending
	p.LastPaymentDate = a.LastPaymentDate
	return p
}

// Target names one billable person inside a member document.
type Target struct {
	MemberID    string
	DependentID string
}

// Self targets the member themself.
func Self(memberID string) Target { return Target{MemberID: memberID} }

func (t Target) String() string {
	if t.DependentID == "" {
		return t.MemberID
	}
	return t.MemberID + "/" + t.DependentID
}

func (t Target) validate() error {
	if strings.TrimSpace(t.MemberID) == "" {
		return apperr.Invalid("member id is required")
	}
	return nil
}

// PersonAt returns the person t points at.
func (m Member) PersonAt(t Target) (Person, error) {
	if t.DependentID == "" {
		return m.Person, nil
	}
	dep, _, ok := FindDependent(m.Dependents, t.DependentID)
	if !ok {
		return Person{}, apperr.NotFound("dependent " + t.DependentID + " not found")
	}
	return dep, nil
}

// WithPersonAt returns m with the person at t replaced by p.
func (m Member) WithPersonAt(t Target, p Person) (Member, error) {
	if t.DependentID == "" {
		m.Person = p
		return m, nil
	}
	deps, err := ReplaceDependent(m.Dependents, p)
	if err != nil {
		return Member{}, err
	}
	m.Dependents = deps
	return m, nil
}

// People lists the member followed by their dependents with their targets.
func (m Member) People() ([]Target, []Person) {
	targets := []Target{Self(m.ID)}
	people := []Person{m.Person}
	for _, d := range m.Dependents {
		targets = append(targets, Target{MemberID: m.ID, DependentID: d.ID})
		people = append(people, d)
	}
	return targets, people
}

// Validate checks field constraints and the payment invariant.
func (m Member) Validate() error {
	if err := validate.Struct(m); err != nil {
		return validationError(err)
	}
	_, people := m.People()
	for _, p := range people {
		if p.Paid && p.PaymentPending {
			return apperr.Invalid(fmt.Sprintf("person %s is both paid and awaiting confirmation", p.ID))
		}
	}
	return nil
}

// ValidatePerson checks a single dependent.
func ValidatePerson(p Person) error {
	if err := validate.Struct(p); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return apperr.Invalid(err.Error())
	}
	parts := make([]string, 0, len(ve))
	for _, fe := range ve {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return apperr.Invalid("validation failed: " + strings.Join(parts, ", "))
}

// Public strips fields that never leave the server.
func (m Member) Public() Member {
	m.PasswordHash = ""
	return m
}
