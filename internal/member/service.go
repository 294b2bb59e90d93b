package member

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"gymtrack/internal/apperr"
	"gymtrack/internal/attendance"
	"gymtrack/internal/cache"
	"gymtrack/internal/metrics"
	"gymtrack/internal/payment"
	"gymtrack/internal/queue"
)

// Publisher receives member change notifications.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// StatsCache stores computed semester stats.
type StatsCache interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Options configures a Service. Zero values fall back to the defaults of
// the engines.
type Options struct {
	Rules       attendance.Rules
	Denominator attendance.DenominatorPolicy
	Expiry      payment.ExpiryPolicy
	Reset       payment.ResetPolicy
	Location    *time.Location
	Publisher   Publisher
	Cache       StatsCache
	CacheTTL    time.Duration
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Service runs member, attendance and payment operations as
// read-modify-write cycles on member documents.
type Service struct {
	repo *Repository
	opts Options
	log  zerolog.Logger
}

// NewService creates a service backed by a repository.
func NewService(repo *Repository, opts Options) *Service {
	if opts.Rules.Blackouts == nil {
		opts.Rules = attendance.DefaultRules
	}
	if opts.Denominator == "" {
		opts.Denominator = attendance.DenominatorComputed
	}
	if opts.Expiry.Days <= 0 {
		opts.Expiry = payment.DefaultExpiry
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		repo: repo,
		opts: opts,
		log:  opts.Logger.With().Str("component", "member").Logger(),
	}
}

func (s *Service) now() time.Time { return s.opts.Now().In(s.opts.Location) }

// Today is the current calendar date at the gym.
func (s *Service) Today() string { return attendance.FormatDate(s.now()) }

func (s *Service) notify(ctx context.Context, typ, memberID, reason string) {
	if s.opts.Publisher == nil {
		return
	}
	msg := queue.NewMessage(typ, memberID, reason)
	if err := s.opts.Publisher.Publish(ctx, msg); err != nil {
		s.log.Warn().Err(err).Str("type", typ).Str("member_id", memberID).Msg("publish member event failed")
	}
}

// RegisterInput carries the fields of a new member.
type RegisterInput struct {
	Name          string
	Email         string
	Phone         string
	PaymentDueDay int
	Password      string
}

// Register creates a member with a fresh id.
func (s *Service) Register(ctx context.Context, in RegisterInput) (Member, error) {
	m := Member{
		Person: Person{
			ID:            uuid.NewString(),
			Name:          strings.TrimSpace(in.Name),
			PaymentDueDay: in.PaymentDueDay,
			Attendance:    []attendance.Record{},
		},
		Email:      strings.ToLower(strings.TrimSpace(in.Email)),
		Phone:      strings.TrimSpace(in.Phone),
		Dependents: []Dependent{},
	}
	if in.Password != "" {
		hash, err := HashPassword(in.Password)
		if err != nil {
			return Member{}, err
		}
		m.PasswordHash = hash
	}
	created, err := s.repo.Create(ctx, m)
	if err != nil {
		return Member{}, err
	}
	s.log.Info().Str("member_id", created.ID).Msg("member registered")
	s.notify(ctx, queue.TypeMemberChanged, created.ID, "registered")
	return created, nil
}

// Get returns a member.
func (s *Service) Get(ctx context.Context, id string) (Member, error) {
	if strings.TrimSpace(id) == "" {
		return Member{}, apperr.Invalid("member id is required")
	}
	return s.repo.Get(ctx, id)
}

// List returns every member sorted by name.
func (s *Service) List(ctx context.Context) ([]Member, error) {
	return s.repo.List(ctx)
}

// Delete removes a member with their dependents and attendance.
func (s *Service) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return apperr.Invalid("member id is required")
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info().Str("member_id", id).Msg("member deleted")
	s.notify(ctx, queue.TypeMemberDeleted, id, "deleted")
	return nil
}

// DependentInput carries the editable fields of a dependent.
type DependentInput struct {
	Name          string
	PaymentDueDay int
}

// AddDependent registers a dependent under memberID.
func (s *Service) AddDependent(ctx context.Context, memberID string, in DependentInput) (Dependent, error) {
	now := s.opts.Now().UTC()
	dep := Dependent{
		ID:            uuid.NewString(),
		Name:          strings.TrimSpace(in.Name),
		PaymentDueDay: in.PaymentDueDay,
		Attendance:    []attendance.Record{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := ValidatePerson(dep); err != nil {
		return Dependent{}, err
	}
	_, err := s.repo.Update(ctx, memberID, func(m Member) (Member, error) {
		deps, err := AddDependent(m.Dependents, dep)
		if err != nil {
			return Member{}, err
		}
		m.Dependents = deps
		return m, nil
	})
	if err != nil {
		return Dependent{}, err
	}
	s.notify(ctx, queue.TypeMemberChanged, memberID, "dependent added")
	return dep, nil
}

// UpdateDependent changes a dependent's name and due day.
func (s *Service) UpdateDependent(ctx context.Context, memberID, dependentID string, in DependentInput) (Dependent, error) {
	t := Target{MemberID: memberID, DependentID: dependentID}
	return s.mutate(ctx, t, "dependent updated", func(p Person) (Person, error) {
		p.Name = strings.TrimSpace(in.Name)
		p.PaymentDueDay = in.PaymentDueDay
		p.UpdatedAt = s.opts.Now().UTC()
		return p, nil
	})
}

// RemoveDependent deletes a dependent and their attendance.
func (s *Service) RemoveDependent(ctx context.Context, memberID, dependentID string) error {
	_, err := s.repo.Update(ctx, memberID, func(m Member) (Member, error) {
		deps, err := RemoveDependent(m.Dependents, dependentID)
		if err != nil {
			return Member{}, err
		}
		m.Dependents = deps
		return m, nil
	})
	if err != nil {
		return err
	}
	s.notify(ctx, queue.TypeMemberChanged, memberID, "dependent removed")
	return nil
}

// SetPhoto stores the photo URL of the person at t.
func (s *Service) SetPhoto(ctx context.Context, t Target, url string) (Person, error) {
	return s.mutate(ctx, t, "photo", func(p Person) (Person, error) {
		p.PhotoURL = url
		return p, nil
	})
}

// mutate applies fn to the person at t inside one conditional write.
func (s *Service) mutate(ctx context.Context, t Target, reason string, fn func(Person) (Person, error)) (Person, error) {
	if err := t.validate(); err != nil {
		return Person{}, err
	}
	var out Person
	_, err := s.repo.Update(ctx, t.MemberID, func(m Member) (Member, error) {
		p, err := m.PersonAt(t)
		if err != nil {
			return Member{}, err
		}
		next, err := fn(p)
		if err != nil {
			return Member{}, err
		}
		out = next
		return m.WithPersonAt(t, next)
	})
	if err != nil {
		return Person{}, err
	}
	s.notify(ctx, queue.TypeMemberChanged, t.MemberID, reason)
	return out, nil
}

// CheckIn records today's attendance for the person at t.
func (s *Service) CheckIn(ctx context.Context, t Target) (attendance.Record, error) {
	today := s.Today()
	_, err := s.mutate(ctx, t, "checkin", func(p Person) (Person, error) {
		records, err := s.opts.Rules.CheckIn(p.Attendance, today)
		if err != nil {
			return Person{}, err
		}
		p.Attendance = records
		return p, nil
	})
	switch {
	case err == nil:
		metrics.CheckIns.WithLabelValues("ok").Inc()
	case errors.Is(err, apperr.ErrDuplicateCheckIn):
		metrics.CheckIns.WithLabelValues("duplicate").Inc()
	case errors.Is(err, apperr.ErrBlackoutDate):
		metrics.CheckIns.WithLabelValues("blackout").Inc()
	default:
		metrics.CheckIns.WithLabelValues("error").Inc()
	}
	if err != nil {
		return attendance.Record{}, err
	}
	s.log.Info().Str("target", t.String()).Str("date", today).Msg("checked in")
	return attendance.Record{Date: today}, nil
}

// ConfirmCheckIn marks the attendance of date as confirmed by staff. An
// unknown date is not an error.
func (s *Service) ConfirmCheckIn(ctx context.Context, t Target, date string) (Person, error) {
	if _, err := attendance.ParseDate(date); err != nil {
		return Person{}, err
	}
	p, err := s.mutate(ctx, t, "checkin confirmed", func(p Person) (Person, error) {
		p.Attendance = attendance.ConfirmCheckIn(p.Attendance, date)
		return p, nil
	})
	if err != nil {
		return Person{}, err
	}
	metrics.CheckInConfirmations.Inc()
	return p, nil
}

// Stats returns the current-semester attendance of the person at t.
func (s *Service) Stats(ctx context.Context, t Target) (attendance.Stats, error) {
	if err := t.validate(); err != nil {
		return attendance.Stats{}, err
	}
	now := s.now()
	key := cache.StatsKey(t.MemberID, t.DependentID, attendance.FormatDate(now))

	if s.opts.Cache != nil {
		var st attendance.Stats
		err := s.opts.Cache.Get(ctx, key, &st)
		switch {
		case err == nil:
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			return st, nil
		case errors.Is(err, cache.ErrCacheMiss):
			metrics.CacheLookups.WithLabelValues("miss").Inc()
		default:
			metrics.CacheLookups.WithLabelValues("error").Inc()
			s.log.Warn().Err(err).Str("key", key).Msg("stats cache read failed")
		}
	}

	m, version, err := s.repo.GetVersioned(ctx, t.MemberID)
	if err != nil {
		return attendance.Stats{}, err
	}
	p, err := m.PersonAt(t)
	if err != nil {
		return attendance.Stats{}, err
	}
	st := attendance.SemesterStats(p.Attendance, now.Year(), now, s.opts.Denominator)

	if s.opts.Cache != nil {
		s.cacheStats(ctx, key, t.MemberID, version, st)
	}
	return st, nil
}

// cacheStats stores st unless the member was written after it was read, so
// an invalidation issued in between is not undone.
func (s *Service) cacheStats(ctx context.Context, key, memberID string, version int64, st attendance.Stats) {
	cur, err := s.repo.Version(ctx, memberID)
	if err != nil || cur != version {
		s.log.Debug().Str("key", key).Msg("member changed while computing stats; not caching")
		return
	}
	if err := s.opts.Cache.Set(ctx, key, st, s.opts.CacheTTL); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("stats cache write failed")
	}
}

// History returns the attendance of the person at t between from and to.
func (s *Service) History(ctx context.Context, t Target, from, to string) ([]attendance.Record, error) {
	for _, d := range []string{from, to} {
		if d == "" {
			continue
		}
		if _, err := attendance.ParseDate(d); err != nil {
			return nil, err
		}
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	m, err := s.repo.Get(ctx, t.MemberID)
	if err != nil {
		return nil, err
	}
	p, err := m.PersonAt(t)
	if err != nil {
		return nil, err
	}
	return attendance.History(p.Attendance, from, to), nil
}

func (s *Service) transition(ctx context.Context, t Target, action string, fn func(payment.Account) (payment.Account, error)) (Person, error) {
	p, err := s.mutate(ctx, t, "payment "+action, func(p Person) (Person, error) {
		acc, err := fn(p.Account())
		if err != nil {
			return Person{}, err
		}
		return p.WithAccount(acc), nil
	})
	if err != nil {
		return Person{}, err
	}
	metrics.PaymentTransitions.WithLabelValues(action).Inc()
	s.log.Info().Str("target", t.String()).Str("action", action).Str("status", string(p.Status())).Msg("payment transition")
	return p, nil
}

// ReportPayment records a self-reported payment awaiting confirmation.
func (s *Service) ReportPayment(ctx context.Context, t Target) (Person, error) {
	now := s.now()
	return s.transition(ctx, t, "report", func(a payment.Account) (payment.Account, error) {
		return payment.Report(a, now)
	})
}

// ConfirmPayment marks the person at t as paid.
func (s *Service) ConfirmPayment(ctx context.Context, t Target) (Person, error) {
	now := s.now()
	return s.transition(ctx, t, "confirm", func(a payment.Account) (payment.Account, error) {
		return payment.Confirm(a, now)
	})
}

// ReversePayment returns the person at t to pending.
func (s *Service) ReversePayment(ctx context.Context, t Target) (Person, error) {
	return s.transition(ctx, t, "reverse", payment.Reverse)
}

// applyAll runs fn over every person of every member in one batch and
// returns how many people fn changed in the attempt that was written.
func (s *Service) applyAll(ctx context.Context, fn func(Person) (Person, bool)) ([]Member, int, error) {
	perMember := make(map[string]int)
	changed, err := s.repo.UpdateAll(ctx, func(m Member) (Member, bool) {
		n := 0
		next := m
		if p, ok := fn(m.Person); ok {
			next.Person = p
			n++
		}
		deps := make([]Dependent, len(m.Dependents))
		for i, d := range m.Dependents {
			deps[i] = d
			if p, ok := fn(d); ok {
				deps[i] = p
				n++
			}
		}
		next.Dependents = deps
		perMember[m.ID] = n
		return next, n > 0
	})
	if err != nil {
		return nil, 0, err
	}
	count := 0
	for _, m := range changed {
		count += perMember[m.ID]
	}
	return changed, count, nil
}

// ExpireOverdue applies the expiry rule to everyone and returns how many
// payments expired.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	now := s.now()
	changed, n, err := s.applyAll(ctx, func(p Person) (Person, bool) {
		if !s.opts.Expiry.Expired(p.Account(), now) {
			return p, false
		}
		acc, err := s.opts.Expiry.Check(p.Account(), now)
		if err != nil {
			s.log.Warn().Err(err).Str("person_id", p.ID).Msg("skipping malformed person")
			return p, false
		}
		return p.WithAccount(acc), true
	})
	if err != nil {
		return 0, err
	}
	for _, m := range changed {
		s.notify(ctx, queue.TypeMemberChanged, m.ID, "payment expired")
	}
	metrics.PaymentTransitions.WithLabelValues("expire").Add(float64(n))
	s.log.Info().Int("expired", n).Msg("expiry sweep finished")
	return n, nil
}

// MonthlyReset clears Paid for every member and dependent and returns how
// many people were reset.
func (s *Service) MonthlyReset(ctx context.Context) (int, error) {
	_, n, err := s.applyAll(ctx, func(p Person) (Person, bool) {
		return p.WithAccount(s.opts.Reset.Apply(p.Account())), true
	})
	if err != nil {
		metrics.ResetRuns.WithLabelValues("error").Inc()
		return 0, err
	}
	metrics.ResetRuns.WithLabelValues("ok").Inc()
	metrics.LastResetPersons.Set(float64(n))
	s.log.Info().Int("persons", n).
		Bool("clear_pending", s.opts.Reset.ClearPending).
		Bool("clear_last_payment_date", s.opts.Reset.ClearLastPaymentDate).
		Msg("monthly payment reset")
	s.notify(ctx, queue.TypePaymentsReset, "", "monthly reset")
	return n, nil
}

// OverviewEntry is one row of the admin payment listing.
type OverviewEntry struct {
	MemberID        string         `json:"member_id"`
	DependentID     string         `json:"dependent_id,omitempty"`
	Name            string         `json:"name"`
	Status          payment.Status `json:"status"`
	PaymentDueDay   int            `json:"payment_due_day"`
	LastPaymentDate *time.Time     `json:"last_payment_date,omitempty"`
}

// Overview summarises payment status across the gym.
type Overview struct {
	Counts  map[payment.Status]int `json:"counts"`
	Entries []OverviewEntry        `json:"entries"`
}

// PaymentOverview lists every person, optionally only those in status.
func (s *Service) PaymentOverview(ctx context.Context, status payment.Status) (Overview, error) {
	members, err := s.repo.List(ctx)
	if err != nil {
		return Overview{}, err
	}
	ov := Overview{
		Counts: map[payment.Status]int{
			payment.StatusPending:              0,
			payment.StatusAwaitingConfirmation: 0,
			payment.StatusPaid:                 0,
		},
		Entries: []OverviewEntry{},
	}
	for _, m := range members {
		targets, people := m.People()
		for i, p := range people {
			st := p.Status()
			ov.Counts[st]++
			if status != "" && st != status {
				continue
			}
			ov.Entries = append(ov.Entries, OverviewEntry{
				MemberID:        targets[i].MemberID,
				DependentID:     targets[i].DependentID,
				Name:            p.Name,
				Status:          st,
				PaymentDueDay:   p.PaymentDueDay,
				LastPaymentDate: p.LastPaymentDate,
			})
		}
	}
	return ov, nil
}

// HashPassword hashes a member password with bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) < 6 {
		return "", apperr.Invalid("password must have at least 6 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", apperr.Internal("hash password", err)
	}
	return string(hash), nil
}

// Authenticate checks a member's password.
func (s *Service) Authenticate(ctx context.Context, memberID, password string) (Member, error) {
	m, err := s.repo.Get(ctx, memberID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return Member{}, apperr.Unauthorized("invalid credentials")
		}
		return Member{}, err
	}
	if m.PasswordHash == "" || bcrypt.CompareHashAndPassword([]byte(m.PasswordHash), []byte(password)) != nil {
		return Member{}, apperr.Unauthorized("invalid credentials")
	}
	return m, nil
}
