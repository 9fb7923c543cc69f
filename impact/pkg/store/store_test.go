package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/vionex/impact/impact/pkg/domain"
	"github.com/vionex/impact/impact/pkg/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newDonation(donorID string) *domain.Donation {
	return &domain.Donation{
		ID:           uuid.NewString(),
		DonorID:      donorID,
		MedicineName: "Amoxicillin",
		Quantity:     50,
		Status:       domain.StatusAvailable,
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
}

func newDonor(email string) *domain.Donor {
	return &domain.Donor{ID: uuid.NewString(), Name: "Ann", Email: email, CreatedAt: t0, UpdatedAt: t0}
}

func newImpactLog(counter uint64, donationID string) *domain.ImpactLog {
	return &domain.ImpactLog{
		Signature:    fmt.Sprintf("sig-%d-%s", counter, uuid.NewString()),
		CounterValue: counter,
		SlotAddress:  fmt.Sprintf("slot-%d", counter),
		DonationID:   donationID,
		DonorName:    "Ann",
		NGOName:      "Care",
		MedicineName: "Amoxicillin",
		Quantity:     50,
		Timestamp:    t0.Unix(),
		LoggedAt:     t0,
	}
}

func claim(d *domain.Donation) {
	d.Status = domain.StatusRequested
	d.NGOID = "ngo-1"
	d.RequestToken = "token-1"
	at := t0.Add(time.Minute)
	d.RequestedAt = &at
	d.UpdatedAt = at
}

func TestImpact_Store_Donations(t *testing.T) {
	t.Parallel()

	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := newStore(t)

			t.Run("create and get", func(t *testing.T) {
				d := newDonation("donor-a")
				expiry := time.Date(2027, 1, 31, 0, 0, 0, 0, time.UTC)
				d.ExpiryDate = &expiry
				require.NoError(t, s.CreateDonation(ctx, d))

				got, err := s.GetDonation(ctx, d.ID)
				require.NoError(t, err)
				require.Equal(t, d.ID, got.ID)
				require.Equal(t, domain.StatusAvailable, got.Status)
				require.Equal(t, int64(50), got.Quantity)
				require.NotNil(t, got.ExpiryDate)
				require.True(t, expiry.Equal(*got.ExpiryDate))
				require.Empty(t, got.NGOID)

				require.ErrorIs(t, s.CreateDonation(ctx, d), store.ErrConflict)
			})

			t.Run("missing donation", func(t *testing.T) {
				_, err := s.GetDonation(ctx, uuid.NewString())
				require.ErrorIs(t, err, store.ErrNotFound)

				_, err = s.UpdateDonationIf(ctx, uuid.NewString(), domain.StatusAvailable, claim)
				require.ErrorIs(t, err, store.ErrNotFound)
			})

			t.Run("invalid donation is rejected", func(t *testing.T) {
				d := newDonation("donor-a")
				d.Quantity = 0
				require.ErrorIs(t, s.CreateDonation(ctx, d), domain.ErrInvalidInput)
			})

			t.Run("list by donor", func(t *testing.T) {
				donor := uuid.NewString()
				first := newDonation(donor)
				second := newDonation(donor)
				second.CreatedAt = t0.Add(time.Hour)
				require.NoError(t, s.CreateDonation(ctx, second))
				require.NoError(t, s.CreateDonation(ctx, first))
				require.NoError(t, s.CreateDonation(ctx, newDonation("someone-else")))

				list, err := s.ListDonationsByDonor(ctx, donor)
				require.NoError(t, err)
				require.Len(t, list, 2)
				require.Equal(t, first.ID, list[0].ID)
				require.Equal(t, second.ID, list[1].ID)

				empty, err := s.ListDonationsByDonor(ctx, uuid.NewString())
				require.NoError(t, err)
				require.Empty(t, empty)
			})

			t.Run("conditional update", func(t *testing.T) {
				d := newDonation("donor-a")
				require.NoError(t, s.CreateDonation(ctx, d))

				updated, err := s.UpdateDonationIf(ctx, d.ID, domain.StatusAvailable, claim)
				require.NoError(t, err)
				require.Equal(t, domain.StatusRequested, updated.Status)
				require.Equal(t, "ngo-1", updated.NGOID)

				current, err := s.UpdateDonationIf(ctx, d.ID, domain.StatusAvailable, claim)
				require.ErrorIs(t, err, store.ErrConflict)
				require.NotNil(t, current)
				require.Equal(t, domain.StatusRequested, current.Status)
			})

			t.Run("conditional update rejects broken pairing", func(t *testing.T) {
				d := newDonation("donor-a")
				require.NoError(t, s.CreateDonation(ctx, d))

				_, err := s.UpdateDonationIf(ctx, d.ID, domain.StatusAvailable, func(d *domain.Donation) {
					d.Status = domain.StatusRequested
					d.NGOID = "ngo-1"
				})
				require.ErrorIs(t, err, domain.ErrInvalidInput)

				got, err := s.GetDonation(ctx, d.ID)
				require.NoError(t, err)
				require.Equal(t, domain.StatusAvailable, got.Status)
			})

			t.Run("concurrent conditional updates have one winner", func(t *testing.T) {
				d := newDonation("donor-a")
				require.NoError(t, s.CreateDonation(ctx, d))

				const n = 8
				var (
					wg        sync.WaitGroup
					mu        sync.Mutex
					winners   int
					conflicts int
				)
				for i := 0; i < n; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := s.UpdateDonationIf(ctx, d.ID, domain.StatusAvailable, claim)
						mu.Lock()
						defer mu.Unlock()
						switch {
						case err == nil:
							winners++
						case errors.Is(err, store.ErrConflict):
							conflicts++
						default:
							t.Errorf("unexpected error: %v", err)
						}
					}()
				}
				wg.Wait()
				require.Equal(t, 1, winners)
				require.Equal(t, n-1, conflicts)
			})
		})
	}
}

func TestImpact_Store_Profiles(t *testing.T) {
	t.Parallel()

	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := newStore(t)

			t.Run("donor put and lookups", func(t *testing.T) {
				d := newDonor("ann@example.org")
				d.Profile = map[string]any{"city": "Lagos"}
				require.NoError(t, s.PutDonor(ctx, d, store.PutInsertIfAbsent))

				got, err := s.GetDonor(ctx, d.ID)
				require.NoError(t, err)
				require.Equal(t, "Ann", got.Name)
				require.Equal(t, "Lagos", got.Profile["city"])
				require.Zero(t, got.Points)

				byEmail, err := s.GetDonorByEmail(ctx, "ANN@example.org")
				require.NoError(t, err)
				require.Equal(t, d.ID, byEmail.ID)

				_, err = s.GetDonorByEmail(ctx, "nobody@example.org")
				require.ErrorIs(t, err, store.ErrNotFound)

				require.ErrorIs(t, s.PutDonor(ctx, d, store.PutInsertIfAbsent), store.ErrConflict)
			})

			t.Run("duplicate email conflicts", func(t *testing.T) {
				require.NoError(t, s.PutDonor(ctx, newDonor("dup@example.org"), store.PutInsertIfAbsent))
				require.ErrorIs(t, s.PutDonor(ctx, newDonor("dup@example.org"), store.PutInsertIfAbsent), store.ErrConflict)
			})

			t.Run("overwrite keeps points", func(t *testing.T) {
				d := newDonor("keep@example.org")
				require.NoError(t, s.PutDonor(ctx, d, store.PutInsertIfAbsent))
				awarded, balance, err := s.AwardPoints(ctx, d.ID, uuid.NewString(), 10)
				require.NoError(t, err)
				require.True(t, awarded)
				require.Equal(t, int64(10), balance)

				d.Name = "Ann B"
				d.Points = 0
				require.NoError(t, s.PutDonor(ctx, d, store.PutOverwrite))

				got, err := s.GetDonor(ctx, d.ID)
				require.NoError(t, err)
				require.Equal(t, "Ann B", got.Name)
				require.Equal(t, int64(10), got.Points)
			})

			t.Run("ngo put and lookups", func(t *testing.T) {
				n := &domain.NGO{ID: uuid.NewString(), Name: "Care", Email: "care@example.org", CreatedAt: t0, UpdatedAt: t0}
				require.NoError(t, s.PutNGO(ctx, n, store.PutInsertIfAbsent))

				got, err := s.GetNGO(ctx, n.ID)
				require.NoError(t, err)
				require.Equal(t, "Care", got.Name)

				byEmail, err := s.GetNGOByEmail(ctx, "care@EXAMPLE.org")
				require.NoError(t, err)
				require.Equal(t, n.ID, byEmail.ID)

				_, err = s.GetNGO(ctx, uuid.NewString())
				require.ErrorIs(t, err, store.ErrNotFound)
			})
		})
	}
}

func TestImpact_Store_AwardPoints(t *testing.T) {
	t.Parallel()

	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := newStore(t)

			t.Run("once per donation", func(t *testing.T) {
				d := newDonor(uuid.NewString() + "@example.org")
				require.NoError(t, s.PutDonor(ctx, d, store.PutInsertIfAbsent))

				donation := uuid.NewString()
				awarded, balance, err := s.AwardPoints(ctx, d.ID, donation, 10)
				require.NoError(t, err)
				require.True(t, awarded)
				require.Equal(t, int64(10), balance)

				awarded, balance, err = s.AwardPoints(ctx, d.ID, donation, 10)
				require.NoError(t, err)
				require.False(t, awarded)
				require.Equal(t, int64(10), balance)

				awarded, balance, err = s.AwardPoints(ctx, d.ID, uuid.NewString(), 10)
				require.NoError(t, err)
				require.True(t, awarded)
				require.Equal(t, int64(20), balance)
			})

			t.Run("concurrent awards for distinct donations all land", func(t *testing.T) {
				d := newDonor(uuid.NewString() + "@example.org")
				require.NoError(t, s.PutDonor(ctx, d, store.PutInsertIfAbsent))

				const n = 10
				var wg sync.WaitGroup
				for i := 0; i < n; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, _, err := s.AwardPoints(ctx, d.ID, uuid.NewString(), 10)
						if err != nil {
							t.Errorf("award failed: %v", err)
						}
					}()
				}
				wg.Wait()

				got, err := s.GetDonor(ctx, d.ID)
				require.NoError(t, err)
				require.Equal(t, int64(n*10), got.Points)
			})

			t.Run("concurrent awards for one donation award once", func(t *testing.T) {
				d := newDonor(uuid.NewString() + "@example.org")
				require.NoError(t, s.PutDonor(ctx, d, store.PutInsertIfAbsent))

				donation := uuid.NewString()
				var wg sync.WaitGroup
				for i := 0; i < 8; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						if _, _, err := s.AwardPoints(ctx, d.ID, donation, 10); err != nil {
							t.Errorf("award failed: %v", err)
						}
					}()
				}
				wg.Wait()

				got, err := s.GetDonor(ctx, d.ID)
				require.NoError(t, err)
				require.Equal(t, int64(10), got.Points)
			})

			t.Run("unknown donor", func(t *testing.T) {
				_, _, err := s.AwardPoints(ctx, uuid.NewString(), uuid.NewString(), 10)
				require.ErrorIs(t, err, store.ErrNotFound)
			})
		})
	}
}

func TestImpact_Store_ImpactLogs(t *testing.T) {
	t.Parallel()

	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := newStore(t)

			t.Run("insert if absent is idempotent", func(t *testing.T) {
				l := newImpactLog(0, "donation-0")
				inserted, err := s.PutImpactLog(ctx, l, store.PutInsertIfAbsent)
				require.NoError(t, err)
				require.True(t, inserted)

				again := *l
				again.DonorName = "Changed"
				inserted, err = s.PutImpactLog(ctx, &again, store.PutInsertIfAbsent)
				require.NoError(t, err)
				require.False(t, inserted)

				got, err := s.GetImpactLog(ctx, l.Signature)
				require.NoError(t, err)
				require.Equal(t, "Ann", got.DonorName)
				require.Equal(t, uint64(0), got.CounterValue)

				byDonation, err := s.GetImpactLogByDonation(ctx, "donation-0")
				require.NoError(t, err)
				require.Equal(t, l.Signature, byDonation.Signature)

				byCounter, err := s.GetImpactLogByCounter(ctx, 0)
				require.NoError(t, err)
				require.Equal(t, l.Signature, byCounter.Signature)
			})

			t.Run("overwrite keeps the donation link", func(t *testing.T) {
				l := newImpactLog(1, "donation-1")
				_, err := s.PutImpactLog(ctx, l, store.PutInsertIfAbsent)
				require.NoError(t, err)

				replay := *l
				replay.DonationID = ""
				replay.Quantity = 51
				inserted, err := s.PutImpactLog(ctx, &replay, store.PutOverwrite)
				require.NoError(t, err)
				require.True(t, inserted)

				got, err := s.GetImpactLog(ctx, l.Signature)
				require.NoError(t, err)
				require.Equal(t, uint64(51), got.Quantity)
				require.Equal(t, "donation-1", got.DonationID)
			})

			t.Run("a second signature for the same slot conflicts", func(t *testing.T) {
				_, err := s.PutImpactLog(ctx, newImpactLog(2, ""), store.PutInsertIfAbsent)
				require.NoError(t, err)
				_, err = s.PutImpactLog(ctx, newImpactLog(2, ""), store.PutInsertIfAbsent)
				require.ErrorIs(t, err, store.ErrConflict)
			})

			t.Run("list and mirrored counters", func(t *testing.T) {
				for n := uint64(3); n < 6; n++ {
					_, err := s.PutImpactLog(ctx, newImpactLog(n, ""), store.PutInsertIfAbsent)
					require.NoError(t, err)
				}

				logs, total, err := s.ListImpactLogs(ctx, store.Page{Limit: 2})
				require.NoError(t, err)
				require.Equal(t, 6, total)
				require.Len(t, logs, 2)
				require.Equal(t, uint64(5), logs[0].CounterValue)
				require.Equal(t, uint64(4), logs[1].CounterValue)

				logs, _, err = s.ListImpactLogs(ctx, store.Page{Limit: 10, Offset: 5})
				require.NoError(t, err)
				require.Len(t, logs, 1)
				require.Equal(t, uint64(0), logs[0].CounterValue)

				mirrored, err := s.MirroredCounters(ctx, 4, 10)
				require.NoError(t, err)
				require.Len(t, mirrored, 2)
				require.Contains(t, mirrored, uint64(4))
				require.Contains(t, mirrored, uint64(5))
			})

			t.Run("missing", func(t *testing.T) {
				_, err := s.GetImpactLog(ctx, "nope")
				require.ErrorIs(t, err, store.ErrNotFound)
				_, err = s.GetImpactLogByDonation(ctx, "nope")
				require.ErrorIs(t, err, store.ErrNotFound)
			})
		})
	}
}

func closeDonation(d *domain.Donation) {
	claim(d)
	d.Status = domain.StatusClosed
	d.Outcome = domain.OutcomePositive
	at := t0.Add(time.Hour)
	d.FeedbackAt = &at
	d.UpdatedAt = at
	d.Ledger = domain.LedgerClaim{State: domain.LedgerPending, Token: "claim-1", ClaimedAt: &at}
}

func TestImpact_Store_LedgerClaim(t *testing.T) {
	t.Parallel()

	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := newStore(t)

			t.Run("closing stores the claim", func(t *testing.T) {
				d := newDonation("donor-a")
				require.NoError(t, s.CreateDonation(ctx, d))
				_, err := s.UpdateDonationIf(ctx, d.ID, domain.StatusAvailable, closeDonation)
				require.NoError(t, err)

				got, err := s.GetDonation(ctx, d.ID)
				require.NoError(t, err)
				require.Equal(t, domain.LedgerPending, got.Ledger.State)
				require.Equal(t, "claim-1", got.Ledger.Token)
				require.NotNil(t, got.Ledger.ClaimedAt)
				require.True(t, t0.Add(time.Hour).Equal(*got.Ledger.ClaimedAt))
			})

			t.Run("swap requires the current state and token", func(t *testing.T) {
				d := newDonation("donor-a")
				require.NoError(t, s.CreateDonation(ctx, d))
				closed, err := s.UpdateDonationIf(ctx, d.ID, domain.StatusAvailable, closeDonation)
				require.NoError(t, err)

				stale := closed.Ledger
				stale.Token = "claim-0"
				current, err := s.SwapLedgerClaim(ctx, d.ID, stale, domain.LedgerClaim{State: domain.LedgerFailed, Token: "claim-0"})
				require.ErrorIs(t, err, store.ErrConflict)
				require.Equal(t, domain.LedgerPending, current.Ledger.State)

				committed := closed.Ledger
				committed.State = domain.LedgerCommitted
				committed.Signature = "sig-1"
				updated, err := s.SwapLedgerClaim(ctx, d.ID, closed.Ledger, committed)
				require.NoError(t, err)
				require.Equal(t, domain.LedgerCommitted, updated.Ledger.State)
				require.Equal(t, "sig-1", updated.Ledger.Signature)

				// The holder that lost the claim cannot move it again.
				_, err = s.SwapLedgerClaim(ctx, d.ID, closed.Ledger, domain.LedgerClaim{State: domain.LedgerFailed, Token: "claim-1"})
				require.ErrorIs(t, err, store.ErrConflict)

				got, err := s.GetDonation(ctx, d.ID)
				require.NoError(t, err)
				require.Equal(t, domain.LedgerCommitted, got.Ledger.State)
				require.Equal(t, "sig-1", got.Ledger.Signature)
			})

			t.Run("open donations have no claim", func(t *testing.T) {
				d := newDonation("donor-a")
				require.NoError(t, s.CreateDonation(ctx, d))
				_, err := s.SwapLedgerClaim(ctx, d.ID, domain.LedgerClaim{}, domain.LedgerClaim{State: domain.LedgerPending, Token: "x"})
				require.ErrorIs(t, err, store.ErrConflict)

				_, err = s.SwapLedgerClaim(ctx, uuid.NewString(), domain.LedgerClaim{}, domain.LedgerClaim{})
				require.ErrorIs(t, err, store.ErrNotFound)
			})

			t.Run("concurrent takeovers have one winner", func(t *testing.T) {
				d := newDonation("donor-a")
				require.NoError(t, s.CreateDonation(ctx, d))
				closed, err := s.UpdateDonationIf(ctx, d.ID, domain.StatusAvailable, closeDonation)
				require.NoError(t, err)

				const n = 8
				var (
					wg      sync.WaitGroup
					mu      sync.Mutex
					winners int
				)
				for i := 0; i < n; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := s.SwapLedgerClaim(ctx, d.ID, closed.Ledger, domain.LedgerClaim{
							State:     domain.LedgerPending,
							Token:     uuid.NewString(),
							ClaimedAt: closed.Ledger.ClaimedAt,
						})
						mu.Lock()
						defer mu.Unlock()
						switch {
						case err == nil:
							winners++
						case !errors.Is(err, store.ErrConflict):
							t.Errorf("unexpected error: %v", err)
						}
					}()
				}
				wg.Wait()
				require.Equal(t, 1, winners)
			})
		})
	}
}

func TestImpact_Store_AdoptImpactLog(t *testing.T) {
	t.Parallel()

	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := newStore(t)

			linked := newImpactLog(0, "donation-linked")
			_, err := s.PutImpactLog(ctx, linked, store.PutInsertIfAbsent)
			require.NoError(t, err)
			other := newImpactLog(1, "")
			other.Quantity = 7
			_, err = s.PutImpactLog(ctx, other, store.PutInsertIfAbsent)
			require.NoError(t, err)

			_, err = s.AdoptImpactLog(ctx, "donation-a", "Amoxicillin", 50, t0.Unix())
			require.ErrorIs(t, err, store.ErrNotFound)

			orphan := newImpactLog(2, "")
			_, err = s.PutImpactLog(ctx, orphan, store.PutInsertIfAbsent)
			require.NoError(t, err)

			adopted, err := s.AdoptImpactLog(ctx, "donation-a", "Amoxicillin", 50, t0.Unix())
			require.NoError(t, err)
			require.Equal(t, orphan.Signature, adopted.Signature)
			require.Equal(t, "donation-a", adopted.DonationID)

			byDonation, err := s.GetImpactLogByDonation(ctx, "donation-a")
			require.NoError(t, err)
			require.Equal(t, orphan.Signature, byDonation.Signature)

			_, err = s.AdoptImpactLog(ctx, "donation-b", "Amoxicillin", 50, t0.Unix())
			require.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}
