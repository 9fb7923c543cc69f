package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vionex/impact/impact/pkg/domain"
	"github.com/vionex/impact/impact/pkg/metrics"
)

type PostgresConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *PostgresConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("pool is required")
	}
	return nil
}

type Postgres struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewPostgres(cfg PostgresConfig) (*Postgres, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Postgres{log: cfg.Logger, pool: cfg.Pool}, nil
}

var _ Store = (*Postgres)(nil)

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const donationColumns = `id, donor_id, ngo_id, medicine_name, quantity, expiry_date, request_token,
	status, outcome, created_at, requested_at, confirmed_at, feedback_at, updated_at,
	ledger_state, ledger_token, ledger_signature, ledger_claimed_at`

func scanDonation(row pgx.Row) (*domain.Donation, error) {
	var (
		d                            domain.Donation
		ngoID, requestToken, outcome *string
		ledgerToken, ledgerSignature *string
		status, ledgerState          string
	)
	err := row.Scan(
		&d.ID, &d.DonorID, &ngoID, &d.MedicineName, &d.Quantity, &d.ExpiryDate, &requestToken,
		&status, &outcome, &d.CreatedAt, &d.RequestedAt, &d.ConfirmedAt, &d.FeedbackAt, &d.UpdatedAt,
		&ledgerState, &ledgerToken, &ledgerSignature, &d.Ledger.ClaimedAt,
	)
	if err != nil {
		return nil, err
	}
	d.NGOID = deref(ngoID)
	d.RequestToken = deref(requestToken)
	d.Status = domain.Status(status)
	d.Outcome = domain.Outcome(deref(outcome))
	d.Ledger.State = domain.LedgerState(ledgerState)
	d.Ledger.Token = deref(ledgerToken)
	d.Ledger.Signature = deref(ledgerSignature)
	return &d, nil
}

func (s *Postgres) CreateDonation(ctx context.Context, d *domain.Donation) (err error) {
	defer observe(time.Now(), &err)
	if err := d.Validate(); err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO donations (`+donationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		d.ID, d.DonorID, nullable(d.NGOID), d.MedicineName, d.Quantity, d.ExpiryDate, nullable(d.RequestToken),
		string(d.Status), nullable(string(d.Outcome)), d.CreatedAt, d.RequestedAt, d.ConfirmedAt, d.FeedbackAt, d.UpdatedAt,
		string(d.Ledger.State), nullable(d.Ledger.Token), nullable(d.Ledger.Signature), d.Ledger.ClaimedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert donation %s: %w", d.ID, mapPgError(err))
	}
	return nil
}

func (s *Postgres) GetDonation(ctx context.Context, id string) (_ *domain.Donation, err error) {
	defer observe(time.Now(), &err)
	d, err := scanDonation(s.pool.QueryRow(ctx, `SELECT `+donationColumns+` FROM donations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("donation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get donation %s: %w", id, err)
	}
	return d, nil
}

func (s *Postgres) ListDonationsByDonor(ctx context.Context, donorID string) (_ []domain.Donation, err error) {
	defer observe(time.Now(), &err)
	rows, err := s.pool.Query(ctx, `
		SELECT `+donationColumns+` FROM donations WHERE donor_id = $1 ORDER BY created_at, id
	`, donorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list donations for donor %s: %w", donorID, err)
	}
	defer rows.Close()

	out := []domain.Donation{}
	for rows.Next() {
		d, err := scanDonation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan donation: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *Postgres) UpdateDonationIf(ctx context.Context, id string, from domain.Status, fn func(*domain.Donation)) (*domain.Donation, error) {
	current, err := s.GetDonation(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != from {
		return current, fmt.Errorf("%w: donation %s is %s, not %s", ErrConflict, id, current.Status, from)
	}

	next := *current
	fn(&next)
	next.ID = current.ID
	if err := next.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE donations SET
			ngo_id = $3, medicine_name = $4, quantity = $5, expiry_date = $6, request_token = $7,
			status = $8, outcome = $9, requested_at = $10, confirmed_at = $11, feedback_at = $12,
			updated_at = $13, ledger_state = $14, ledger_token = $15, ledger_signature = $16,
			ledger_claimed_at = $17
		WHERE id = $1 AND status = $2
	`,
		id, string(from),
		nullable(next.NGOID), next.MedicineName, next.Quantity, next.ExpiryDate, nullable(next.RequestToken),
		string(next.Status), nullable(string(next.Outcome)), next.RequestedAt, next.ConfirmedAt, next.FeedbackAt,
		next.UpdatedAt, string(next.Ledger.State), nullable(next.Ledger.Token), nullable(next.Ledger.Signature),
		next.Ledger.ClaimedAt,
	)
	observe(start, &err)
	if err != nil {
		return nil, fmt.Errorf("failed to update donation %s: %w", id, mapPgError(err))
	}
	if tag.RowsAffected() == 0 {
		// Lost the race; report what the winner left behind.
		latest, err := s.GetDonation(ctx, id)
		if err != nil {
			return nil, err
		}
		return latest, fmt.Errorf("%w: donation %s moved to %s", ErrConflict, id, latest.Status)
	}
	return &next, nil
}

func (s *Postgres) SwapLedgerClaim(ctx context.Context, id string, expect, next domain.LedgerClaim) (_ *domain.Donation, err error) {
	defer observe(time.Now(), &err)
	if !next.State.Valid() {
		return nil, fmt.Errorf("%w: unknown ledger state %q", domain.ErrInvalidInput, next.State)
	}
	d, err := scanDonation(s.pool.QueryRow(ctx, `
		UPDATE donations SET
			ledger_state = $4, ledger_token = $5, ledger_signature = $6, ledger_claimed_at = $7,
			updated_at = now()
		WHERE id = $1 AND status = 'closed' AND ledger_state = $2 AND ledger_token IS NOT DISTINCT FROM $3
		RETURNING `+donationColumns,
		id, string(expect.State), nullable(expect.Token),
		string(next.State), nullable(next.Token), nullable(next.Signature), next.ClaimedAt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.GetDonation(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return current, fmt.Errorf("%w: ledger claim on donation %s is %q", ErrConflict, id, current.Ledger.State)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to swap ledger claim on donation %s: %w", id, mapPgError(err))
	}
	return d, nil
}

// PutDonor never writes points; balances change only through AwardPoints.
func (s *Postgres) PutDonor(ctx context.Context, d *domain.Donor, mode PutMode) (err error) {
	defer observe(time.Now(), &err)
	query := `
		INSERT INTO donors (id, name, email, profile, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if mode == PutOverwrite {
		query += ` ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, email = EXCLUDED.email, profile = EXCLUDED.profile, updated_at = EXCLUDED.updated_at`
	}
	_, err = s.pool.Exec(ctx, query, d.ID, d.Name, d.Email, profileOrEmpty(d.Profile), d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to put donor %s: %w", d.ID, mapPgError(err))
	}
	return nil
}

const donorColumns = `id, name, email, profile, points, created_at, updated_at`

func scanDonor(row pgx.Row) (*domain.Donor, error) {
	var d domain.Donor
	if err := row.Scan(&d.ID, &d.Name, &d.Email, &d.Profile, &d.Points, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Postgres) GetDonor(ctx context.Context, id string) (_ *domain.Donor, err error) {
	defer observe(time.Now(), &err)
	d, err := scanDonor(s.pool.QueryRow(ctx, `SELECT `+donorColumns+` FROM donors WHERE id = $1`, id))
	return d, notFound(err, "donor", id)
}

func (s *Postgres) GetDonorByEmail(ctx context.Context, email string) (_ *domain.Donor, err error) {
	defer observe(time.Now(), &err)
	d, err := scanDonor(s.pool.QueryRow(ctx, `SELECT `+donorColumns+` FROM donors WHERE lower(email) = lower($1)`, email))
	return d, notFound(err, "donor", email)
}

func (s *Postgres) PutNGO(ctx context.Context, n *domain.NGO, mode PutMode) (err error) {
	defer observe(time.Now(), &err)
	query := `
		INSERT INTO ngos (id, name, email, profile, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if mode == PutOverwrite {
		query += ` ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, email = EXCLUDED.email, profile = EXCLUDED.profile, updated_at = EXCLUDED.updated_at`
	}
	_, err = s.pool.Exec(ctx, query, n.ID, n.Name, n.Email, profileOrEmpty(n.Profile), n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to put ngo %s: %w", n.ID, mapPgError(err))
	}
	return nil
}

const ngoColumns = `id, name, email, profile, created_at, updated_at`

func scanNGO(row pgx.Row) (*domain.NGO, error) {
	var n domain.NGO
	if err := row.Scan(&n.ID, &n.Name, &n.Email, &n.Profile, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *Postgres) GetNGO(ctx context.Context, id string) (_ *domain.NGO, err error) {
	defer observe(time.Now(), &err)
	n, err := scanNGO(s.pool.QueryRow(ctx, `SELECT `+ngoColumns+` FROM ngos WHERE id = $1`, id))
	return n, notFound(err, "ngo", id)
}

func (s *Postgres) GetNGOByEmail(ctx context.Context, email string) (_ *domain.NGO, err error) {
	defer observe(time.Now(), &err)
	n, err := scanNGO(s.pool.QueryRow(ctx, `SELECT `+ngoColumns+` FROM ngos WHERE lower(email) = lower($1)`, email))
	return n, notFound(err, "ngo", email)
}

func (s *Postgres) AwardPoints(ctx context.Context, donorID, donationID string, amount int64) (awarded bool, balance int64, err error) {
	defer observe(time.Now(), &err)
	if amount <= 0 {
		return false, 0, fmt.Errorf("%w: award amount must be positive", domain.ErrInvalidInput)
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Lock the donor row first so a missing donor fails before the award is claimed.
		if err := tx.QueryRow(ctx, `SELECT points FROM donors WHERE id = $1 FOR UPDATE`, donorID).Scan(&balance); err != nil {
			return notFound(err, "donor", donorID)
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO reward_awards (donation_id, donor_id, amount)
			VALUES ($1, $2, $3)
			ON CONFLICT (donation_id) DO NOTHING
		`, donationID, donorID, amount)
		if err != nil {
			return fmt.Errorf("failed to record award: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		awarded = true
		return tx.QueryRow(ctx, `
			UPDATE donors SET points = points + $2, updated_at = now()
			WHERE id = $1
			RETURNING points
		`, donorID, amount).Scan(&balance)
	})
	if err != nil {
		return false, 0, fmt.Errorf("failed to award points for donation %s: %w", donationID, err)
	}
	return awarded, balance, nil
}

func (s *Postgres) PutImpactLog(ctx context.Context, l *domain.ImpactLog, mode PutMode) (_ bool, err error) {
	defer observe(time.Now(), &err)
	if err := l.Validate(); err != nil {
		return false, err
	}
	query := `
		INSERT INTO impact_logs (signature, counter_value, slot_address, donation_id, donor_name, ngo_name,
			medicine_name, quantity, ts, logged_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	switch mode {
	case PutInsertIfAbsent:
		query += ` ON CONFLICT (signature) DO NOTHING`
	default:
		query += ` ON CONFLICT (signature) DO UPDATE SET
			counter_value = EXCLUDED.counter_value, slot_address = EXCLUDED.slot_address,
			donation_id = COALESCE(EXCLUDED.donation_id, impact_logs.donation_id),
			donor_name = EXCLUDED.donor_name, ngo_name = EXCLUDED.ngo_name,
			medicine_name = EXCLUDED.medicine_name, quantity = EXCLUDED.quantity, ts = EXCLUDED.ts`
	}
	tag, err := s.pool.Exec(ctx, query,
		l.Signature, int64(l.CounterValue), l.SlotAddress, nullable(l.DonationID), l.DonorName, l.NGOName,
		l.MedicineName, int64(l.Quantity), l.Timestamp, l.LoggedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to put impact log %s: %w", l.Signature, mapPgError(err))
	}
	return tag.RowsAffected() > 0, nil
}

const impactLogColumns = `signature, counter_value, slot_address, donation_id, donor_name, ngo_name,
	medicine_name, quantity, ts, logged_at`

func scanImpactLog(row pgx.Row) (*domain.ImpactLog, error) {
	var (
		l                 domain.ImpactLog
		counter, quantity int64
		donationID        *string
	)
	err := row.Scan(&l.Signature, &counter, &l.SlotAddress, &donationID, &l.DonorName, &l.NGOName,
		&l.MedicineName, &quantity, &l.Timestamp, &l.LoggedAt)
	if err != nil {
		return nil, err
	}
	l.CounterValue = uint64(counter)
	l.Quantity = uint64(quantity)
	l.DonationID = deref(donationID)
	return &l, nil
}

func (s *Postgres) GetImpactLog(ctx context.Context, signature string) (_ *domain.ImpactLog, err error) {
	defer observe(time.Now(), &err)
	l, err := scanImpactLog(s.pool.QueryRow(ctx, `SELECT `+impactLogColumns+` FROM impact_logs WHERE signature = $1`, signature))
	return l, notFound(err, "impact log", signature)
}

func (s *Postgres) GetImpactLogByDonation(ctx context.Context, donationID string) (_ *domain.ImpactLog, err error) {
	defer observe(time.Now(), &err)
	l, err := scanImpactLog(s.pool.QueryRow(ctx, `SELECT `+impactLogColumns+` FROM impact_logs WHERE donation_id = $1`, donationID))
	return l, notFound(err, "impact log for donation", donationID)
}

func (s *Postgres) AdoptImpactLog(ctx context.Context, donationID, medicine string, quantity uint64, ts int64) (_ *domain.ImpactLog, err error) {
	defer observe(time.Now(), &err)
	l, err := scanImpactLog(s.pool.QueryRow(ctx, `
		UPDATE impact_logs SET donation_id = $1
		WHERE signature = (
			SELECT signature FROM impact_logs
			WHERE donation_id IS NULL AND medicine_name = $2 AND quantity = $3 AND ts = $4
			ORDER BY counter_value
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+impactLogColumns,
		donationID, medicine, int64(quantity), ts,
	))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		err = mapPgError(err)
	}
	return l, notFound(err, "unlinked impact log for donation", donationID)
}

func (s *Postgres) GetImpactLogByCounter(ctx context.Context, counter uint64) (_ *domain.ImpactLog, err error) {
	defer observe(time.Now(), &err)
	l, err := scanImpactLog(s.pool.QueryRow(ctx, `SELECT `+impactLogColumns+` FROM impact_logs WHERE counter_value = $1`, int64(counter)))
	return l, notFound(err, "impact log at counter", fmt.Sprint(counter))
}

func (s *Postgres) ListImpactLogs(ctx context.Context, page Page) (_ []domain.ImpactLog, _ int, err error) {
	defer observe(time.Now(), &err)
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM impact_logs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count impact logs: %w", err)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+impactLogColumns+` FROM impact_logs
		ORDER BY counter_value DESC
		LIMIT $1 OFFSET $2
	`, limitArg(page.Limit), max(page.Offset, 0))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list impact logs: %w", err)
	}
	defer rows.Close()

	out := []domain.ImpactLog{}
	for rows.Next() {
		l, err := scanImpactLog(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan impact log: %w", err)
		}
		out = append(out, *l)
	}
	return out, total, rows.Err()
}

func (s *Postgres) MirroredCounters(ctx context.Context, from, to uint64) (_ map[uint64]struct{}, err error) {
	defer observe(time.Now(), &err)
	rows, err := s.pool.Query(ctx, `
		SELECT counter_value FROM impact_logs WHERE counter_value >= $1 AND counter_value < $2
	`, int64(from), int64(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query mirrored counters: %w", err)
	}
	defer rows.Close()

	out := make(map[uint64]struct{})
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out[uint64(n)] = struct{}{}
	}
	return out, rows.Err()
}

func observe(start time.Time, errp *error) {
	metrics.DatabaseQueryDuration.Observe(time.Since(start).Seconds())
	status := "success"
	if errp != nil && *errp != nil && !errors.Is(*errp, ErrNotFound) {
		status = "error"
	}
	metrics.DatabaseQueriesTotal.WithLabelValues(status).Inc()
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505": // unique_violation
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	case "23514", "23502": // check_violation, not_null_violation
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, pgErr.Message)
	}
	return err
}

func notFound(err error, kind, key string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to get %s %s: %w", kind, key, err)
	}
	return nil
}

// limitArg maps a non-positive limit to NULL, which Postgres treats as no limit.
func limitArg(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func profileOrEmpty(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return p
}
