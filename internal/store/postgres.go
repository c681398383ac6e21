package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"agrimanagement/internal/apperr"
	"agrimanagement/internal/models"
)

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const userColumns = `id, email, password_hash, google_id, display_name, created_at, updated_at`

func scanUser(row pgx.Row) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.GoogleID, &u.DisplayName, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

// CreateUser inserts the user together with the default subscription row.
func (s *Postgres) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.User{}, classify("begin create user", err)
	}
	defer tx.Rollback(ctx)

	created, err := scanUser(tx.QueryRow(ctx, `
		INSERT INTO users (id, email, password_hash, google_id, display_name)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+userColumns,
		user.ID, strings.ToLower(user.Email), user.PasswordHash, user.GoogleID, user.DisplayName))
	if err != nil {
		return models.User{}, classify("create user", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO subscriptions (user_id, plan_tier, billing_status)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING`, created.ID, models.TierFree, models.BillingActive)
	if err != nil {
		return models.User{}, classify("create default subscription", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.User{}, classify("commit create user", err)
	}
	return created, nil
}

func (s *Postgres) GetUserByID(ctx context.Context, id uuid.UUID) (models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	return u, classify("get user", err)
}

func (s *Postgres) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, strings.ToLower(email)))
	return u, classify("get user by email", err)
}

func (s *Postgres) GetUserByGoogleID(ctx context.Context, googleID string) (models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE google_id = $1`, googleID))
	return u, classify("get user by google id", err)
}

func (s *Postgres) LinkGoogleID(ctx context.Context, userID uuid.UUID, googleID string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE users SET google_id = $1, updated_at = NOW()
		WHERE id = $2`, googleID, userID)
	if err != nil {
		return classify("link google id", err)
	}
	if ct.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

const subscriptionColumns = `user_id, plan_tier, billing_status, external_customer_ref,
	external_subscription_ref, period_start, period_end, last_event_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (models.Subscription, error) {
	var sub models.Subscription
	err := row.Scan(&sub.UserID, &sub.PlanTier, &sub.BillingStatus, &sub.ExternalCustomerRef,
		&sub.ExternalSubscriptionRef, &sub.PeriodStart, &sub.PeriodEnd, &sub.LastEventAt, &sub.CreatedAt, &sub.UpdatedAt)
	return sub, err
}

func (s *Postgres) EnsureSubscription(ctx context.Context, userID uuid.UUID) (models.Subscription, error) {
	// The no-op update makes RETURNING yield the existing row on conflict.
	sub, err := scanSubscription(s.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (user_id, plan_tier, billing_status)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING `+subscriptionColumns, userID, models.TierFree, models.BillingActive))
	return sub, classify("ensure subscription", err)
}

func (s *Postgres) GetSubscription(ctx context.Context, userID uuid.UUID) (models.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`, userID))
	return sub, classify("get subscription", err)
}

func (s *Postgres) FindSubscriptionByExternalRef(ctx context.Context, subscriptionRef string) (models.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_subscription_ref = $1`, subscriptionRef))
	return sub, classify("find subscription by external ref", err)
}

func (s *Postgres) FindSubscriptionByCustomerRef(ctx context.Context, customerRef string) (models.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_customer_ref = $1`, customerRef))
	return sub, classify("find subscription by customer ref", err)
}

func (s *Postgres) SaveSubscription(ctx context.Context, sub models.Subscription) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (user_id, plan_tier, billing_status, external_customer_ref,
			external_subscription_ref, period_start, period_end, last_event_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id)
		DO UPDATE SET plan_tier = EXCLUDED.plan_tier,
			billing_status = EXCLUDED.billing_status,
			external_customer_ref = COALESCE(EXCLUDED.external_customer_ref, subscriptions.external_customer_ref),
			external_subscription_ref = EXCLUDED.external_subscription_ref,
			period_start = EXCLUDED.period_start,
			period_end = EXCLUDED.period_end,
			last_event_at = GREATEST(EXCLUDED.last_event_at, subscriptions.last_event_at),
			updated_at = NOW()
		WHERE subscriptions.last_event_at IS NULL
			OR EXCLUDED.last_event_at IS NULL
			OR subscriptions.last_event_at <= EXCLUDED.last_event_at`,
		sub.UserID, sub.PlanTier, sub.BillingStatus, sub.ExternalCustomerRef,
		sub.ExternalSubscriptionRef, sub.PeriodStart, sub.PeriodEnd, sub.LastEventAt)
	if err != nil {
		return classify("save subscription", err)
	}
	// The insert either lands, updates, or is filtered by the ordering guard.
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save subscription: %w", ErrStale)
	}
	return nil
}

func (s *Postgres) SetExternalCustomer(ctx context.Context, userID uuid.UUID, ref string) (string, error) {
	var stored string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (user_id, plan_tier, billing_status, external_customer_ref)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id)
		DO UPDATE SET external_customer_ref = COALESCE(subscriptions.external_customer_ref, EXCLUDED.external_customer_ref),
			updated_at = NOW()
		RETURNING external_customer_ref`, userID, models.TierFree, models.BillingActive, ref).Scan(&stored)
	return stored, classify("set external customer", err)
}

func (s *Postgres) RevertExpired(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE subscriptions
		SET plan_tier = $1, billing_status = $2, external_subscription_ref = NULL,
			period_start = NULL, period_end = NULL, updated_at = NOW()
		WHERE billing_status = $3 AND (period_end IS NULL OR period_end <= $4)
		RETURNING user_id`, models.TierFree, models.BillingActive, models.BillingCanceled, now)
	if err != nil {
		return nil, classify("revert expired subscriptions", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	return ids, classify("revert expired subscriptions", err)
}

const usageColumnList = `user_id, period_start, scan_count, assistant_count, export_count, created_at, updated_at`

func (s *Postgres) GetOrCreateUsage(ctx context.Context, userID uuid.UUID, period time.Time) (models.UsageLedgerEntry, error) {
	var e models.UsageLedgerEntry
	err := s.pool.QueryRow(ctx, `
		INSERT INTO usage_ledger (user_id, period_start)
		VALUES ($1, $2)
		ON CONFLICT (user_id, period_start) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING `+usageColumnList, userID, period,
	).Scan(&e.UserID, &e.PeriodStart, &e.ScanCount, &e.AssistantCount, &e.ExportCount, &e.CreatedAt, &e.UpdatedAt)
	return e, classify("get or create usage", err)
}

func (s *Postgres) IncrementUsage(ctx context.Context, userID uuid.UUID, period time.Time, feature models.Feature) (int, error) {
	col, ok := usageColumns[feature]
	if !ok {
		return 0, apperr.InvalidInput("unknown feature %q", feature)
	}
	var count int
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO usage_ledger (user_id, period_start, %[1]s)
		VALUES ($1, $2, 1)
		ON CONFLICT (user_id, period_start)
		DO UPDATE SET %[1]s = usage_ledger.%[1]s + 1, updated_at = NOW()
		RETURNING %[1]s`, col), userID, period).Scan(&count)
	return count, classify("increment usage", err)
}

const transactionColumns = `id, user_id, kind, occurred_on, category, amount, memo, source, created_at`

func scanTransaction(row pgx.Row) (models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.UserID, &t.Kind, &t.OccurredOn, &t.Category, &t.Amount, &t.Memo, &t.Source, &t.CreatedAt)
	return t, err
}

func (s *Postgres) CreateTransaction(ctx context.Context, t models.Transaction) (models.Transaction, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	created, err := scanTransaction(s.pool.QueryRow(ctx, `
		INSERT INTO transactions (id, user_id, kind, occurred_on, category, amount, memo, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+transactionColumns,
		t.ID, t.UserID, t.Kind, t.OccurredOn, t.Category, t.Amount, t.Memo, t.Source))
	return created, classify("create transaction", err)
}

func (s *Postgres) ListTransactions(ctx context.Context, userID uuid.UUID, filter models.TransactionFilter) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE user_id = $1`
	args := []any{userID}
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		query += fmt.Sprintf(" AND occurred_on >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		query += fmt.Sprintf(" AND occurred_on <= $%d", len(args))
	}
	query += " ORDER BY occurred_on DESC, created_at DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("list transactions", err)
	}
	defer rows.Close()
	var out []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, classify("scan transaction", err)
		}
		out = append(out, t)
	}
	return out, classify("list transactions", rows.Err())
}

func (s *Postgres) DeleteTransaction(ctx context.Context, userID, id uuid.UUID) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM transactions WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return classify("delete transaction", err)
	}
	if ct.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (s *Postgres) MonthlyTotals(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]models.MonthlyTotal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT date_trunc('month', occurred_on)::date AS month, kind, SUM(amount)::bigint
		FROM transactions
		WHERE user_id = $1 AND occurred_on >= $2 AND occurred_on < $3
		GROUP BY 1, 2
		ORDER BY 1, 2`, userID, from, to)
	if err != nil {
		return nil, classify("monthly totals", err)
	}
	defer rows.Close()
	var out []models.MonthlyTotal
	for rows.Next() {
		var m models.MonthlyTotal
		if err := rows.Scan(&m.Month, &m.Kind, &m.Amount); err != nil {
			return nil, classify("scan monthly total", err)
		}
		out = append(out, m)
	}
	return out, classify("monthly totals", rows.Err())
}

func (s *Postgres) CategoryTotals(ctx context.Context, userID uuid.UUID, kind string, from, to time.Time, limit int) ([]models.CategoryTotal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT category, SUM(amount)::bigint AS total
		FROM transactions
		WHERE user_id = $1 AND kind = $2 AND occurred_on >= $3 AND occurred_on < $4
		GROUP BY category
		ORDER BY total DESC, category
		LIMIT $5`, userID, kind, from, to, limit)
	if err != nil {
		return nil, classify("category totals", err)
	}
	defer rows.Close()
	var out []models.CategoryTotal
	for rows.Next() {
		var c models.CategoryTotal
		if err := rows.Scan(&c.Category, &c.Amount); err != nil {
			return nil, classify("scan category total", err)
		}
		out = append(out, c)
	}
	return out, classify("category totals", rows.Err())
}

// classify turns driver errors into the application taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%s: %w", op, ErrConflict)
		case "23503":
			return fmt.Errorf("%s: referenced user: %w", op, apperr.ErrNotFound)
		case "40001", "40P01":
			return apperr.Persistence(op, err, true)
		}
		return apperr.Persistence(op, err, false)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Persistence(op, err, false)
	}
	return apperr.Persistence(op, err, pgconn.SafeToRetry(err) || pgconn.Timeout(err))
}
