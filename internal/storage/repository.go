package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrStoreUnavailable marks failures reaching the alert store itself.
	ErrStoreUnavailable = errors.New("storage: store unavailable")
	// ErrAlertNotFound is returned when an update targets no row.
	ErrAlertNotFound = errors.New("storage: alert not found")
	// ErrClaimCodeTaken is returned when an unclaimed alert already owns the code.
	ErrClaimCodeTaken = errors.New("storage: claim code already in use")
	// ErrValidation marks intake input that cannot be stored.
	ErrValidation = errors.New("storage: invalid alert")
)

const (
	alertColumns = `id, group_id, account_id, threshold_pct, channel,
        COALESCE(phone, ''), COALESCE(email, ''), COALESCE(claim_code, ''), COALESCE(chat_session_id, ''),
        is_open, created_at, fired_at`

	insertAlertSQL = `INSERT INTO alerts (
        id,
        group_id,
        account_id,
        threshold_pct,
        channel,
        phone,
        email,
        claim_code,
        chat_session_id,
        is_open,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,NULLIF($6, ''),NULLIF($7, ''),NULLIF($8, ''),NULLIF($9, ''),$10,$11
    )
    RETURNING ` + alertColumns + `;`

	listOpenAlertsSQL = `SELECT ` + alertColumns + `
    FROM alerts
    WHERE is_open
    ORDER BY created_at;`

	listAlertsByAccountSQL = `SELECT ` + alertColumns + `
    FROM alerts
    WHERE account_id = $1
    ORDER BY created_at DESC;`

	listRecentAlertsSQL = `SELECT ` + alertColumns + `
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	closeAlertSQL = `UPDATE alerts
    SET is_open = FALSE, fired_at = $2
    WHERE id = $1 AND is_open;`

	findByClaimCodeSQL = `SELECT ` + alertColumns + `
    FROM alerts
    WHERE claim_code = $1
      AND channel = 'chat'
      AND chat_session_id IS NULL
      AND is_open
    LIMIT 1;`

	bindSessionSQL = `UPDATE alerts
    SET chat_session_id = $2
    WHERE id = $1;`

	purgeExpiredUnclaimedSQL = `DELETE FROM alerts
    WHERE channel = 'chat'
      AND chat_session_id IS NULL
      AND created_at < $1;`

	insertRatioSampleSQL = `INSERT INTO ratio_samples (
        alert_id,
        evaluated_at,
        ratio_pct,
        threshold_pct,
        block_number,
        fired
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (alert_id, evaluated_at) DO UPDATE
    SET ratio_pct     = EXCLUDED.ratio_pct,
        threshold_pct = EXCLUDED.threshold_pct,
        block_number  = EXCLUDED.block_number,
        fired         = EXCLUDED.fired;`

	sampleColumns = `id, alert_id, evaluated_at, ratio_pct, threshold_pct, block_number, fired, created_at`

	listSamplesBetweenSQL = `SELECT ` + sampleColumns + `
    FROM ratio_samples
    WHERE alert_id = $1
      AND evaluated_at >= $2
      AND evaluated_at < $3
    ORDER BY evaluated_at;`

	listRecentSamplesSQL = `SELECT ` + sampleColumns + `
    FROM ratio_samples
    ORDER BY evaluated_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`

	uniqueViolation = "23505"
)

// AlertStore is the persistence boundary used by the evaluation engine and the chat bot.
type AlertStore interface {
	ListOpen(ctx context.Context) ([]Alert, error)
	CloseAlert(ctx context.Context, id string, firedAt time.Time) error
	FindByClaimCode(ctx context.Context, code string) (*Alert, error)
	BindSession(ctx context.Context, id, sessionID string) error
	PurgeExpiredUnclaimed(ctx context.Context, olderThan time.Duration) (int64, error)
}

// IntakeStore covers alert creation and listing for the CLI.
type IntakeStore interface {
	Create(ctx context.Context, alert Alert) (Alert, error)
	ListByAccount(ctx context.Context, accountID string) ([]Alert, error)
	ListAlerts(ctx context.Context, limit int) ([]Alert, error)
}

// RatioSampleStore keeps evaluation history.
type RatioSampleStore interface {
	InsertRatioSample(ctx context.Context, sample RatioSample) error
	ListSamplesBetween(ctx context.Context, alertID string, from, to time.Time) ([]RatioSample, error)
	ListRecentSamples(ctx context.Context, limit int) ([]RatioSample, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL implementation of every store interface.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// the session lock is dropped with the connection if this fails
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Create inserts a new alert and returns the stored row.
func (s *Store) Create(ctx context.Context, alert Alert) (Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return Alert{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.ID,
		alert.GroupID,
		alert.AccountID,
		alert.ThresholdPct.String(),
		string(alert.Channel),
		alert.Phone,
		alert.Email,
		alert.ClaimCode,
		alert.ChatSessionID,
		alert.IsOpen,
		alert.CreatedAt,
	)
	stored, err := scanAlert(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Alert{}, ErrClaimCodeTaken
		}
		return Alert{}, fmt.Errorf("insert alert: %w", err)
	}
	return stored, nil
}

// ListOpen returns every alert that has not fired yet.
func (s *Store) ListOpen(ctx context.Context) ([]Alert, error) {
	return s.queryAlerts(ctx, "list open alerts", listOpenAlertsSQL)
}

// ListByAccount returns all alerts watching one margin account.
func (s *Store) ListByAccount(ctx context.Context, accountID string) ([]Alert, error) {
	return s.queryAlerts(ctx, "list alerts by account", listAlertsByAccountSQL, accountID)
}

// ListAlerts lists the most recently created alerts.
func (s *Store) ListAlerts(ctx context.Context, limit int) ([]Alert, error) {
	return s.queryAlerts(ctx, "list recent alerts", listRecentAlertsSQL, limit)
}

func (s *Store) queryAlerts(ctx context.Context, op, query string, args ...any) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	alerts := make([]Alert, 0)
	for rows.Next() {
		alert, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("%s: %w", op, scanErr)
		}
		alerts = append(alerts, alert)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("%s: %w", op, rows.Err())
	}
	return alerts, nil
}

// CloseAlert marks an open alert as fired. Closing an already closed alert returns ErrAlertNotFound.
func (s *Store) CloseAlert(ctx context.Context, id string, firedAt time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, closeAlertSQL, id, firedAt)
	if execErr != nil {
		return fmt.Errorf("close alert: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrAlertNotFound
	}
	return nil
}

// FindByClaimCode returns the open, unclaimed chat alert holding code, or nil.
func (s *Store) FindByClaimCode(ctx context.Context, code string) (*Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	alert, scanErr := scanAlert(pool.QueryRow(ctx, findByClaimCodeSQL, code))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return nil, nil
	}
	if scanErr != nil {
		return nil, fmt.Errorf("find by claim code: %w", scanErr)
	}
	return &alert, nil
}

// BindSession attaches a chat session to an alert. Last write wins.
func (s *Store) BindSession(ctx context.Context, id, sessionID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, bindSessionSQL, id, sessionID)
	if execErr != nil {
		return fmt.Errorf("bind session: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrAlertNotFound
	}
	return nil
}

// PurgeExpiredUnclaimed deletes chat alerts never claimed within olderThan.
func (s *Store) PurgeExpiredUnclaimed(ctx context.Context, olderThan time.Duration) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	cutoff := s.now().UTC().Add(-olderThan)
	cmdTag, execErr := pool.Exec(ctx, purgeExpiredUnclaimedSQL, cutoff)
	if execErr != nil {
		return 0, fmt.Errorf("purge expired unclaimed: %w", execErr)
	}
	return cmdTag.RowsAffected(), nil
}

// InsertRatioSample records one evaluation.
func (s *Store) InsertRatioSample(ctx context.Context, sample RatioSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var ratio interface{}
	if !sample.Unbounded {
		ratio = sample.RatioPct.String()
	}

	var block interface{}
	if sample.BlockNumber != nil {
		block = *sample.BlockNumber
	}

	_, execErr := pool.Exec(ctx, insertRatioSampleSQL,
		sample.AlertID,
		sample.EvaluatedAt,
		ratio,
		sample.ThresholdPct.String(),
		block,
		sample.Fired,
	)
	if execErr != nil {
		return fmt.Errorf("insert ratio sample: %w", execErr)
	}
	return nil
}

// ListSamplesBetween lists one alert's samples within a time window.
func (s *Store) ListSamplesBetween(ctx context.Context, alertID string, from, to time.Time) ([]RatioSample, error) {
	return s.querySamples(ctx, "list samples between", listSamplesBetweenSQL, alertID, from, to)
}

// ListRecentSamples lists the most recent samples ordered by descending time.
func (s *Store) ListRecentSamples(ctx context.Context, limit int) ([]RatioSample, error) {
	return s.querySamples(ctx, "list recent samples", listRecentSamplesSQL, limit)
}

func (s *Store) querySamples(ctx context.Context, op, query string, args ...any) ([]RatioSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	samples := make([]RatioSample, 0)
	for rows.Next() {
		sample, scanErr := scanRatioSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func scanAlert(row pgx.Row) (Alert, error) {
	var (
		alert        Alert
		thresholdStr string
		channel      string
		firedAt      sql.NullTime
	)

	if err := row.Scan(
		&alert.ID,
		&alert.GroupID,
		&alert.AccountID,
		&thresholdStr,
		&channel,
		&alert.Phone,
		&alert.Email,
		&alert.ClaimCode,
		&alert.ChatSessionID,
		&alert.IsOpen,
		&alert.CreatedAt,
		&firedAt,
	); err != nil {
		return Alert{}, err
	}

	threshold, err := decimal.NewFromString(thresholdStr)
	if err != nil {
		return Alert{}, fmt.Errorf("parse threshold pct: %w", err)
	}
	alert.ThresholdPct = threshold
	alert.Channel = Channel(channel)
	if firedAt.Valid {
		value := firedAt.Time
		alert.FiredAt = &value
	}
	return alert, nil
}

func scanRatioSample(rows pgx.Rows) (RatioSample, error) {
	var (
		sample       RatioSample
		ratioStr     sql.NullString
		thresholdStr string
		block        sql.NullInt64
	)

	if err := rows.Scan(
		&sample.ID,
		&sample.AlertID,
		&sample.EvaluatedAt,
		&ratioStr,
		&thresholdStr,
		&block,
		&sample.Fired,
		&sample.CreatedAt,
	); err != nil {
		return RatioSample{}, err
	}

	if ratioStr.Valid {
		ratio, err := decimal.NewFromString(ratioStr.String)
		if err != nil {
			return RatioSample{}, fmt.Errorf("parse ratio pct: %w", err)
		}
		sample.RatioPct = ratio
	} else {
		sample.Unbounded = true
	}

	threshold, err := decimal.NewFromString(thresholdStr)
	if err != nil {
		return RatioSample{}, fmt.Errorf("parse threshold pct: %w", err)
	}
	sample.ThresholdPct = threshold

	if block.Valid {
		value := block.Int64
		sample.BlockNumber = &value
	}
	return sample, nil
}

var (
	_ AlertStore       = (*Store)(nil)
	_ IntakeStore      = (*Store)(nil)
	_ RatioSampleStore = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
)
