package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vionex/impact/impact/pkg/domain"
)

// Memory is an in-process Store with the same conflict semantics as Postgres.
type Memory struct {
	mu         sync.Mutex
	donations  map[string]domain.Donation
	donors     map[string]domain.Donor
	ngos       map[string]domain.NGO
	awards     map[string]string // donation id -> donor id
	impactLogs map[string]domain.ImpactLog

	// FailImpactLogWrites makes PutImpactLog fail with this error when set.
	FailImpactLogWrites error
}

func NewMemory() *Memory {
	return &Memory{
		donations:  make(map[string]domain.Donation),
		donors:     make(map[string]domain.Donor),
		ngos:       make(map[string]domain.NGO),
		awards:     make(map[string]string),
		impactLogs: make(map[string]domain.ImpactLog),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) CreateDonation(_ context.Context, d *domain.Donation) error {
	if err := d.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.donations[d.ID]; ok {
		return fmt.Errorf("failed to insert donation %s: %w", d.ID, ErrConflict)
	}
	m.donations[d.ID] = cloneDonation(*d)
	return nil
}

func (m *Memory) GetDonation(_ context.Context, id string) (*domain.Donation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.donations[id]
	if !ok {
		return nil, fmt.Errorf("donation %s: %w", id, ErrNotFound)
	}
	out := cloneDonation(d)
	return &out, nil
}

func (m *Memory) ListDonationsByDonor(_ context.Context, donorID string) ([]domain.Donation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.Donation{}
	for _, d := range m.donations {
		if d.DonorID == donorID {
			out = append(out, cloneDonation(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) UpdateDonationIf(_ context.Context, id string, from domain.Status, fn func(*domain.Donation)) (*domain.Donation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.donations[id]
	if !ok {
		return nil, fmt.Errorf("donation %s: %w", id, ErrNotFound)
	}
	if current.Status != from {
		out := cloneDonation(current)
		return &out, fmt.Errorf("%w: donation %s is %s, not %s", ErrConflict, id, current.Status, from)
	}
	next := cloneDonation(current)
	fn(&next)
	next.ID = current.ID
	if err := next.Validate(); err != nil {
		return nil, err
	}
	m.donations[id] = cloneDonation(next)
	return &next, nil
}

func (m *Memory) SwapLedgerClaim(_ context.Context, id string, expect, next domain.LedgerClaim) (*domain.Donation, error) {
	if !next.State.Valid() {
		return nil, fmt.Errorf("%w: unknown ledger state %q", domain.ErrInvalidInput, next.State)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.donations[id]
	if !ok {
		return nil, fmt.Errorf("donation %s: %w", id, ErrNotFound)
	}
	if current.Status != domain.StatusClosed || current.Ledger.State != expect.State || current.Ledger.Token != expect.Token {
		out := cloneDonation(current)
		return &out, fmt.Errorf("%w: ledger claim on donation %s is %q", ErrConflict, id, current.Ledger.State)
	}
	updated := cloneDonation(current)
	updated.Ledger = next
	updated.Ledger.ClaimedAt = cloneTime(next.ClaimedAt)
	updated.UpdatedAt = time.Now().UTC()
	if err := updated.Validate(); err != nil {
		return nil, err
	}
	m.donations[id] = updated
	out := cloneDonation(updated)
	return &out, nil
}

func (m *Memory) PutDonor(_ context.Context, d *domain.Donor, mode PutMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, exists := m.donors[d.ID]
	if exists && mode == PutInsertIfAbsent {
		return fmt.Errorf("failed to put donor %s: %w", d.ID, ErrConflict)
	}
	for id, other := range m.donors {
		if id != d.ID && strings.EqualFold(other.Email, d.Email) {
			return fmt.Errorf("failed to put donor %s: %w: email", d.ID, ErrConflict)
		}
	}
	stored := *d
	stored.Profile = maps.Clone(profileOrEmpty(d.Profile))
	stored.Points = 0
	if exists {
		stored.Points = existing.Points
		stored.CreatedAt = existing.CreatedAt
	}
	m.donors[d.ID] = stored
	return nil
}

func (m *Memory) GetDonor(_ context.Context, id string) (*domain.Donor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.donors[id]
	if !ok {
		return nil, fmt.Errorf("donor %s: %w", id, ErrNotFound)
	}
	d.Profile = maps.Clone(d.Profile)
	return &d, nil
}

func (m *Memory) GetDonorByEmail(_ context.Context, email string) (*domain.Donor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.donors {
		if strings.EqualFold(d.Email, email) {
			d.Profile = maps.Clone(d.Profile)
			return &d, nil
		}
	}
	return nil, fmt.Errorf("donor %s: %w", email, ErrNotFound)
}

func (m *Memory) PutNGO(_ context.Context, n *domain.NGO, mode PutMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, exists := m.ngos[n.ID]
	if exists && mode == PutInsertIfAbsent {
		return fmt.Errorf("failed to put ngo %s: %w", n.ID, ErrConflict)
	}
	for id, other := range m.ngos {
		if id != n.ID && strings.EqualFold(other.Email, n.Email) {
			return fmt.Errorf("failed to put ngo %s: %w: email", n.ID, ErrConflict)
		}
	}
	stored := *n
	stored.Profile = maps.Clone(profileOrEmpty(n.Profile))
	if exists {
		stored.CreatedAt = existing.CreatedAt
	}
	m.ngos[n.ID] = stored
	return nil
}

func (m *Memory) GetNGO(_ context.Context, id string) (*domain.NGO, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.ngos[id]
	if !ok {
		return nil, fmt.Errorf("ngo %s: %w", id, ErrNotFound)
	}
	n.Profile = maps.Clone(n.Profile)
	return &n, nil
}

func (m *Memory) GetNGOByEmail(_ context.Context, email string) (*domain.NGO, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.ngos {
		if strings.EqualFold(n.Email, email) {
			n.Profile = maps.Clone(n.Profile)
			return &n, nil
		}
	}
	return nil, fmt.Errorf("ngo %s: %w", email, ErrNotFound)
}

func (m *Memory) AwardPoints(_ context.Context, donorID, donationID string, amount int64) (bool, int64, error) {
	if amount <= 0 {
		return false, 0, fmt.Errorf("%w: award amount must be positive", domain.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	donor, ok := m.donors[donorID]
	if !ok {
		return false, 0, fmt.Errorf("donor %s: %w", donorID, ErrNotFound)
	}
	if _, done := m.awards[donationID]; done {
		return false, donor.Points, nil
	}
	m.awards[donationID] = donorID
	donor.Points += amount
	donor.UpdatedAt = time.Now().UTC()
	m.donors[donorID] = donor
	return true, donor.Points, nil
}

func (m *Memory) PutImpactLog(_ context.Context, l *domain.ImpactLog, mode PutMode) (bool, error) {
	if err := l.Validate(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailImpactLogWrites != nil {
		return false, m.FailImpactLogWrites
	}
	existing, exists := m.impactLogs[l.Signature]
	if exists && mode == PutInsertIfAbsent {
		return false, nil
	}
	for sig, other := range m.impactLogs {
		if sig == l.Signature {
			continue
		}
		if other.CounterValue == l.CounterValue || other.SlotAddress == l.SlotAddress ||
			(l.DonationID != "" && other.DonationID == l.DonationID) {
			return false, fmt.Errorf("failed to put impact log %s: %w", l.Signature, ErrConflict)
		}
	}
	stored := *l
	if exists && stored.DonationID == "" {
		stored.DonationID = existing.DonationID
	}
	m.impactLogs[l.Signature] = stored
	return true, nil
}

func (m *Memory) GetImpactLog(_ context.Context, signature string) (*domain.ImpactLog, error) {
	return m.findImpactLog(func(l domain.ImpactLog) bool { return l.Signature == signature }, "impact log", signature)
}

func (m *Memory) GetImpactLogByDonation(_ context.Context, donationID string) (*domain.ImpactLog, error) {
	return m.findImpactLog(func(l domain.ImpactLog) bool { return donationID != "" && l.DonationID == donationID }, "impact log for donation", donationID)
}

func (m *Memory) AdoptImpactLog(_ context.Context, donationID, medicine string, quantity uint64, ts int64) (*domain.ImpactLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var match *domain.ImpactLog
	for _, l := range m.impactLogs {
		if l.DonationID == donationID && donationID != "" {
			return nil, fmt.Errorf("failed to adopt impact log for donation %s: %w", donationID, ErrConflict)
		}
		if l.DonationID != "" || l.MedicineName != medicine || l.Quantity != quantity || l.Timestamp != ts {
			continue
		}
		if match == nil || l.CounterValue < match.CounterValue {
			match = &l
		}
	}
	if match == nil {
		return nil, fmt.Errorf("unlinked impact log for donation %s: %w", donationID, ErrNotFound)
	}
	match.DonationID = donationID
	m.impactLogs[match.Signature] = *match
	out := *match
	return &out, nil
}

func (m *Memory) GetImpactLogByCounter(_ context.Context, counter uint64) (*domain.ImpactLog, error) {
	return m.findImpactLog(func(l domain.ImpactLog) bool { return l.CounterValue == counter }, "impact log at counter", fmt.Sprint(counter))
}

func (m *Memory) findImpactLog(match func(domain.ImpactLog) bool, kind, key string) (*domain.ImpactLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.impactLogs {
		if match(l) {
			return &l, nil
		}
	}
	return nil, fmt.Errorf("%s %s: %w", kind, key, ErrNotFound)
}

func (m *Memory) ListImpactLogs(_ context.Context, page Page) ([]domain.ImpactLog, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]domain.ImpactLog, 0, len(m.impactLogs))
	for _, l := range m.impactLogs {
		all = append(all, l)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CounterValue > all[j].CounterValue })

	total := len(all)
	start := min(max(page.Offset, 0), total)
	end := total
	if page.Limit > 0 {
		end = min(start+page.Limit, total)
	}
	return all[start:end], total, nil
}

func (m *Memory) MirroredCounters(_ context.Context, from, to uint64) (map[uint64]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint64]struct{})
	for _, l := range m.impactLogs {
		if l.CounterValue >= from && l.CounterValue < to {
			out[l.CounterValue] = struct{}{}
		}
	}
	return out, nil
}

func cloneDonation(d domain.Donation) domain.Donation {
	d.ExpiryDate = cloneTime(d.ExpiryDate)
	d.RequestedAt = cloneTime(d.RequestedAt)
	d.ConfirmedAt = cloneTime(d.ConfirmedAt)
	d.FeedbackAt = cloneTime(d.FeedbackAt)
	d.Ledger.ClaimedAt = cloneTime(d.Ledger.ClaimedAt)
	return d
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
