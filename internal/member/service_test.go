package member

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"gymtrack/internal/apperr"
	"gymtrack/internal/attendance"
	"gymtrack/internal/cache"
	"gymtrack/internal/docstore"
	"gymtrack/internal/metrics"
	"gymtrack/internal/payment"
	"gymtrack/internal/queue"
)

var saoPaulo = time.FixedZone("BRT", -3*60*60)

type recorder struct {
	mu   sync.Mutex
	msgs []queue.Message
}

func (r *recorder) Publish(_ context.Context, msg queue.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Type
	}
	return out
}

type mapCache struct {
	data map[string][]byte
	sets int
}

func (c *mapCache) Get(_ context.Context, key string, dest any) error {
	raw, ok := c.data[key]
	if !ok {
		return cache.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (c *mapCache) Set(_ context.Context, key string, value any, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.data[key] = raw
	c.sets++
	return nil
}

type fixture struct {
	svc   *Service
	repo  *Repository
	pub   *recorder
	cache *mapCache
	now   time.Time
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	f := &fixture{
		repo:  NewRepository(docstore.NewMemory()),
		pub:   &recorder{},
		cache: &mapCache{data: map[string][]byte{}},
		now:   now,
	}
	f.svc = NewService(f.repo, Options{
		Location:  saoPaulo,
		Publisher: f.pub,
		Cache:     f.cache,
		Logger:    zerolog.Nop(),
		Now:       func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) register(t *testing.T, name string) Member {
	t.Helper()
	m, err := f.svc.Register(context.Background(), RegisterInput{Name: name, PaymentDueDay: 5, Password: "hunter22"})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return m
}

func TestRegisterAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC))
	m := f.register(t, "  Ana  ")

	if m.ID == "" || m.Name != "Ana" || m.PasswordHash == "" {
		t.Fatalf("unexpected member %+v", m)
	}
	if _, err := f.svc.Authenticate(ctx, m.ID, "hunter22"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	for _, tc := range []struct{ id, password string }{
		{m.ID, "wrong"},
		{"missing", "hunter22"},
	} {
		if _, err := f.svc.Authenticate(ctx, tc.id, tc.password); !errors.Is(err, apperr.ErrUnauthorized) {
			t.Fatalf("authenticate(%q): expected unauthorized, got %v", tc.id, err)
		}
	}
	if _, err := f.svc.Register(ctx, RegisterInput{Name: "Bob", PaymentDueDay: 1, Password: "123"}); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Fatalf("expected short password to be rejected, got %v", err)
	}
	if got := f.pub.types(); len(got) != 1 || got[0] != queue.TypeMemberChanged {
		t.Fatalf("published %v", got)
	}
}

func TestCheckInUsesGymCalendar(t *testing.T) {
	ctx := context.Background()
	// 01:00 UTC on the 11th is still the 10th in São Paulo.
	f := newFixture(t, time.Date(2026, 3, 11, 1, 0, 0, 0, time.UTC))
	m := f.register(t, "Ana")

	rec, err := f.svc.CheckIn(ctx, Self(m.ID))
	if err != nil {
		t.Fatalf("check in: %v", err)
	}
	if rec.Date != "2026-03-10" || rec.Confirmed {
		t.Fatalf("record = %+v", rec)
	}
	if _, err := f.svc.CheckIn(ctx, Self(m.ID)); !errors.Is(err, apperr.ErrDuplicateCheckIn) {
		t.Fatalf("expected duplicate, got %v", err)
	}
}

func TestCheckInErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2026, 1, 1, 15, 0, 0, 0, time.UTC))
	m := f.register(t, "Ana")

	tests := []struct {
		name   string
		target Target
		want   error
	}{
		{"blackout", Self(m.ID), apperr.ErrBlackoutDate},
		{"unknown member", Self("nope"), apperr.ErrNotFound},
		{"unknown dependent", Target{MemberID: m.ID, DependentID: "nope"}, apperr.ErrNotFound},
		{"empty target", Target{}, apperr.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.CheckIn(ctx, tt.target); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDependentLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC))
	m := f.register(t, "Ana")

	dep, err := f.svc.AddDependent(ctx, m.ID, DependentInput{Name: "Bia", PaymentDueDay: 10})
	if err != nil {
		t.Fatalf("add dependent: %v", err)
	}
	if _, err := f.svc.AddDependent(ctx, m.ID, DependentInput{Name: ""}); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	target := Target{MemberID: m.ID, DependentID: dep.ID}
	if _, err := f.svc.CheckIn(ctx, target); err != nil {
		t.Fatalf("dependent check in: %v", err)
	}
	updated, err := f.svc.UpdateDependent(ctx, m.ID, dep.ID, DependentInput{Name: "Beatriz", PaymentDueDay: 12})
	if err != nil {
		t.Fatalf("update dependent: %v", err)
	}
	if updated.Name != "Beatriz" || len(updated.Attendance) != 1 {
		t.Fatalf("updated = %+v", updated)
	}

	got, _ := f.svc.Get(ctx, m.ID)
	if len(got.Attendance) != 0 {
		t.Fatal("dependent check-in leaked onto the member")
	}
	if err := f.svc.RemoveDependent(ctx, m.ID, dep.ID); err != nil {
		t.Fatalf("remove dependent: %v", err)
	}
	if _, err := f.svc.CheckIn(ctx, target); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found after removal, got %v", err)
	}
}

func TestStatsAreCached(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC))
	m := f.register(t, "Ana")
	target := Self(m.ID)

	if _, err := f.svc.CheckIn(ctx, target); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.ConfirmCheckIn(ctx, target, "2026-03-10"); err != nil {
		t.Fatal(err)
	}
	st, err := f.svc.Stats(ctx, target)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := attendance.Stats{
		Semester:    attendance.Semester{Year: 2026, Half: attendance.H1},
		Total:       1,
		Confirmed:   1,
		Denominator: 155,
		Percentage:  1,
	}
	if st != want {
		t.Fatalf("stats = %+v, want %+v", st, want)
	}
	if _, err := f.svc.Stats(ctx, target); err != nil {
		t.Fatal(err)
	}
	if f.cache.sets != 1 {
		t.Fatalf("cache written %d times, want 1", f.cache.sets)
	}
	if _, ok := f.cache.data[cache.StatsKey(m.ID, "", "2026-03-10")]; !ok {
		t.Fatal("stats not cached under the day key")
	}
}

// writeAfterGet lands a concurrent write right after the first read.
type writeAfterGet struct {
	docstore.Store
	armed bool
}

func (s *writeAfterGet) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	doc, err := s.Store.Get(ctx, collection, id)
	if err == nil && s.armed {
		s.armed = false
		_ = s.Store.Set(ctx, collection, id, doc.Body)
	}
	return doc, err
}

func TestStatsSkipsCacheWhenMemberChanges(t *testing.T) {
	ctx := context.Background()
	store := &writeAfterGet{Store: docstore.NewMemory()}
	c := &mapCache{data: map[string][]byte{}}
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	svc := NewService(NewRepository(store), Options{
		Cache:  c,
		Logger: zerolog.Nop(),
		Now:    func() time.Time { return now },
	})
	m, err := svc.Register(ctx, RegisterInput{Name: "Ana", PaymentDueDay: 5})
	if err != nil {
		t.Fatal(err)
	}

	store.armed = true
	if _, err := svc.Stats(ctx, Self(m.ID)); err != nil {
		t.Fatalf("stats: %v", err)
	}
	if c.sets != 0 {
		t.Fatalf("stale stats cached %d times", c.sets)
	}
	if _, err := svc.Stats(ctx, Self(m.ID)); err != nil {
		t.Fatal(err)
	}
	if c.sets != 1 {
		t.Fatalf("cache written %d times, want 1", c.sets)
	}
}

func TestConfirmCheckInValidatesDate(t *testing.T) {
	f := newFixture(t, time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC))
	m := f.register(t, "Ana")
	if _, err := f.svc.ConfirmCheckIn(context.Background(), Self(m.ID), "10/03/2026"); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	// confirming a day without a check-in is a no-op
	if _, err := f.svc.ConfirmCheckIn(context.Background(), Self(m.ID), "2026-02-02"); err != nil {
		t.Fatalf("confirm unknown date: %v", err)
	}
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2026, 3, 9, 15, 0, 0, 0, time.UTC))
	m := f.register(t, "Ana")
	for _, day := range []int{9, 10, 11} {
		f.now = time.Date(2026, 3, day, 15, 0, 0, 0, time.UTC)
		if _, err := f.svc.CheckIn(ctx, Self(m.ID)); err != nil {
			t.Fatal(err)
		}
	}
	recs, err := f.svc.History(ctx, Self(m.ID), "2026-03-10", "")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(recs) != 2 || recs[0].Date != "2026-03-10" {
		t.Fatalf("history = %+v", recs)
	}
	if _, err := f.svc.History(ctx, Self(m.ID), "bad", ""); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestPaymentTransitions(t *testing.T) {
	ctx := context.Background()
	reported := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	f := newFixture(t, reported)
	m := f.register(t, "Ana")
	target := Self(m.ID)

	p, err := f.svc.ReportPayment(ctx, target)
	if err != nil || p.Status() != payment.StatusAwaitingConfirmation {
		t.Fatalf("report: %v %v", p.Status(), err)
	}

	f.now = reported.Add(48 * time.Hour)
	p, err = f.svc.ConfirmPayment(ctx, target)
	if err != nil || p.Status() != payment.StatusPaid {
		t.Fatalf("confirm: %v %v", p.Status(), err)
	}
	if !p.LastPaymentDate.Equal(reported) {
		t.Fatalf("confirmation moved the report date to %v", p.LastPaymentDate)
	}

	p, err = f.svc.ReversePayment(ctx, target)
	if err != nil || p.Status() != payment.StatusPending {
		t.Fatalf("reverse: %v %v", p.Status(), err)
	}
}

func TestExpireOverdue(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	f := newFixture(t, start)
	a := f.register(t, "Ana")
	b := f.register(t, "Bruno")
	dep, err := f.svc.AddDependent(ctx, a.ID, DependentInput{Name: "Bia", PaymentDueDay: 5})
	if err != nil {
		t.Fatal(err)
	}
	for _, tg := range []Target{Self(a.ID), {MemberID: a.ID, DependentID: dep.ID}} {
		if _, err := f.svc.ConfirmPayment(ctx, tg); err != nil {
			t.Fatal(err)
		}
	}
	f.now = start.Add(20 * 24 * time.Hour)
	if _, err := f.svc.ConfirmPayment(ctx, Self(b.ID)); err != nil {
		t.Fatal(err)
	}

	f.now = start.Add(30 * 24 * time.Hour)
	n, err := f.svc.ExpireOverdue(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 2 {
		t.Fatalf("expired %d, want 2", n)
	}
	got, _ := f.svc.Get(ctx, a.ID)
	if got.Paid || got.Dependents[0].Paid {
		t.Fatal("member or dependent still paid")
	}
	if got, _ := f.svc.Get(ctx, b.ID); !got.Paid {
		t.Fatal("recent payment expired")
	}
	if n, _ := f.svc.ExpireOverdue(ctx); n != 0 {
		t.Fatalf("second sweep expired %d", n)
	}
}

func TestMonthlyResetAndOverview(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC))
	a := f.register(t, "Ana")
	b := f.register(t, "Bruno")
	dep, err := f.svc.AddDependent(ctx, a.ID, DependentInput{Name: "Bia", PaymentDueDay: 5})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.ConfirmPayment(ctx, Self(a.ID)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.ReportPayment(ctx, Self(b.ID)); err != nil {
		t.Fatal(err)
	}

	ov, err := f.svc.PaymentOverview(ctx, payment.StatusPaid)
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if ov.Counts[payment.StatusPaid] != 1 || ov.Counts[payment.StatusAwaitingConfirmation] != 1 || ov.Counts[payment.StatusPending] != 1 {
		t.Fatalf("counts = %v", ov.Counts)
	}
	if len(ov.Entries) != 1 || ov.Entries[0].MemberID != a.ID {
		t.Fatalf("entries = %+v", ov.Entries)
	}

	n, err := f.svc.MonthlyReset(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 3 {
		t.Fatalf("reset %d people, want 3", n)
	}
	ov, _ = f.svc.PaymentOverview(ctx, "")
	if ov.Counts[payment.StatusPaid] != 0 || ov.Counts[payment.StatusAwaitingConfirmation] != 1 {
		t.Fatalf("after reset counts = %v", ov.Counts)
	}
	if len(ov.Entries) != 3 || ov.Entries[1].DependentID != dep.ID {
		t.Fatalf("entries = %+v", ov.Entries)
	}
	types := f.pub.types()
	if types[len(types)-1] != queue.TypePaymentsReset {
		t.Fatalf("last event = %s", types[len(types)-1])
	}
}

func TestBatchCountsSurviveRetry(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{Store: docstore.NewMemory()}
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	svc := NewService(NewRepository(store), Options{
		Logger: zerolog.Nop(),
		Now:    func() time.Time { return now },
	})
	var ids []string
	for _, name := range []string{"Ana", "Bruno"} {
		m, err := svc.Register(ctx, RegisterInput{Name: name, PaymentDueDay: 5})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := svc.ConfirmPayment(ctx, Self(m.ID)); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, m.ID)
	}

	store.races = 1
	n, err := svc.MonthlyReset(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 2 {
		t.Fatalf("reset %d persons, want 2", n)
	}

	for _, id := range ids {
		if _, err := svc.ConfirmPayment(ctx, Self(id)); err != nil {
			t.Fatal(err)
		}
	}
	now = now.Add(31 * 24 * time.Hour)
	store.races = 1
	n, err = svc.ExpireOverdue(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 2 {
		t.Fatalf("expired %d persons, want 2", n)
	}
}

func TestMonthlyResetClearsPendingWhenConfigured(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(docstore.NewMemory())
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	svc := NewService(repo, Options{
		Reset:  payment.ResetPolicy{ClearPending: true, ClearLastPaymentDate: true},
		Logger: zerolog.Nop(),
		Now:    func() time.Time { return now },
	})
	m, err := svc.Register(ctx, RegisterInput{Name: "Ana", PaymentDueDay: 5})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ReportPayment(ctx, Self(m.ID)); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.MonthlyReset(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := svc.Get(ctx, m.ID)
	if got.Status() != payment.StatusPending || got.LastPaymentDate != nil {
		t.Fatalf("status %s, last payment %v", got.Status(), got.LastPaymentDate)
	}
}

func TestDeletePublishes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC))
	m := f.register(t, "Ana")
	if err := f.svc.Delete(ctx, m.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := f.svc.Delete(ctx, m.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	types := f.pub.types()
	if types[len(types)-1] != queue.TypeMemberDeleted {
		t.Fatalf("last event = %s", types[len(types)-1])
	}
}

func TestCheckInMetrics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC))
	m := f.register(t, "Ana")

	ok := testutil.ToFloat64(metrics.CheckIns.WithLabelValues("ok"))
	dup := testutil.ToFloat64(metrics.CheckIns.WithLabelValues("duplicate"))
	_, _ = f.svc.CheckIn(ctx, Self(m.ID))
	_, _ = f.svc.CheckIn(ctx, Self(m.ID))

	if got := testutil.ToFloat64(metrics.CheckIns.WithLabelValues("ok")) - ok; got != 1 {
		t.Errorf("ok check-ins counted %v", got)
	}
	if got := testutil.ToFloat64(metrics.CheckIns.WithLabelValues("duplicate")) - dup; got != 1 {
		t.Errorf("duplicate check-ins counted %v", got)
	}

	resets := testutil.ToFloat64(metrics.ResetRuns.WithLabelValues("ok"))
	if _, err := f.svc.MonthlyReset(ctx); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(metrics.ResetRuns.WithLabelValues("ok")) - resets; got != 1 {
		t.Errorf("reset runs counted %v", got)
	}
	if got := testutil.ToFloat64(metrics.LastResetPersons); got != 1 {
		t.Errorf("last reset persons = %v", got)
	}
}
