package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"txguard/internal/ledger"
	"txguard/internal/risk"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrDuplicate is returned when a primary key is already present.
	ErrDuplicate = errors.New("storage: duplicate record")
)

const (
	transactionColumns = `id,
        user_id,
        merchant_id,
        amount::text,
        currency,
        status,
        device_id,
        lat,
        lon,
        country,
        occurred_at`

	insertTransactionSQL = `INSERT INTO transactions (
        id,
        user_id,
        merchant_id,
        amount,
        currency,
        status,
        device_id,
        lat,
        lon,
        country,
        occurred_at
    ) VALUES (
        $1,$2,$3,$4::numeric,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (id) DO NOTHING;`

	listUserTransactionsSinceSQL = `SELECT ` + transactionColumns + `
    FROM transactions
    WHERE user_id = $1
      AND occurred_at >= $2
      AND occurred_at < $3
    ORDER BY occurred_at;`

	listUserTransactionsSQL = `SELECT ` + transactionColumns + `
    FROM transactions
    WHERE user_id = $1
      AND occurred_at < $2
    ORDER BY occurred_at DESC
    LIMIT $3;`

	knownDevicesSQL = `SELECT DISTINCT device_id
    FROM transactions
    WHERE user_id = $1
      AND occurred_at < $2
      AND device_id <> ''
    ORDER BY device_id;`

	lastLocationSQL = `SELECT ` + transactionColumns + `
    FROM transactions
    WHERE user_id = $1
      AND occurred_at < $2
      AND lat IS NOT NULL
      AND lon IS NOT NULL
    ORDER BY occurred_at DESC
    LIMIT 1;`

	listTransactionsBetweenSQL = `SELECT ` + transactionColumns + `
    FROM transactions
    WHERE occurred_at >= $1
      AND occurred_at < $2
    ORDER BY occurred_at;`

	assessmentColumns = `id::text,
        transaction_id,
        user_id,
        overall_score,
        risk_level,
        recommendation,
        reasons,
        factors,
        created_at`

	insertAssessmentSQL = `INSERT INTO risk_assessments (
        id,
        transaction_id,
        user_id,
        overall_score,
        risk_level,
        recommendation,
        reasons,
        factors
    ) VALUES (
        $1::uuid,$2,$3,$4,$5,$6,$7,$8
    )
    RETURNING created_at;`

	listRecentAssessmentsSQL = `SELECT ` + assessmentColumns + `
    FROM risk_assessments
    ORDER BY created_at DESC
    LIMIT $1;`

	listAssessmentsBetweenSQL = `SELECT ` + assessmentColumns + `
    FROM risk_assessments
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at;`

	appendBlockSQL = `INSERT INTO ledger_blocks (
        idx,
        ts_millis,
        data,
        previous_hash,
        nonce,
        hash
    ) VALUES (
        $1,$2,$3,$4,$5::numeric,$6
    )
    ON CONFLICT (idx) DO NOTHING;`

	listBlocksSQL = `SELECT
        idx,
        ts_millis,
        data,
        previous_hash,
        nonce::text,
        hash
    FROM ledger_blocks
    ORDER BY idx;`

	deleteBlocksSQL = `DELETE FROM ledger_blocks;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// TransactionStore persists observed transactions and answers the lookups
// needed to build a risk context. "before" bounds are exclusive so a
// transaction never appears in its own context.
type TransactionStore interface {
	InsertTransaction(ctx context.Context, tx risk.Transaction) error
	ListUserTransactionsSince(ctx context.Context, userID string, since, before time.Time) ([]risk.Transaction, error)
	ListUserTransactions(ctx context.Context, userID string, before time.Time, limit int) ([]risk.Transaction, error)
	KnownDevices(ctx context.Context, userID string, before time.Time) ([]string, error)
	LastLocation(ctx context.Context, userID string, before time.Time) (*risk.Transaction, error)
	ListTransactionsBetween(ctx context.Context, from, to time.Time) ([]risk.Transaction, error)
}

// AssessmentStore defines operations for assessment auditing.
type AssessmentStore interface {
	InsertAssessment(ctx context.Context, rec AssessmentRecord) (AssessmentRecord, error)
	ListRecentAssessments(ctx context.Context, limit int) ([]AssessmentRecord, error)
	ListAssessmentsBetween(ctx context.Context, from, to time.Time) ([]AssessmentRecord, error)
}

// BlockStore persists sealed ledger blocks.
type BlockStore interface {
	AppendBlock(ctx context.Context, blk ledger.Block) error
	ListBlocks(ctx context.Context) ([]ledger.Block, error)
	DeleteBlocks(ctx context.Context) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates PostgreSQL access to transactions, assessments, and blocks.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
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
		// A failed unlock is released with the session when the
		// connection is dropped.
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			conn.Conn().Close(ctxUnlock)
		}
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

// InsertTransaction persists a transaction. A known ID is rejected with
// ErrDuplicate.
func (s *Store) InsertTransaction(ctx context.Context, tx risk.Transaction) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var lat, lon, country interface{}
	if tx.Location != nil {
		lat = tx.Location.Lat
		lon = tx.Location.Lon
		country = tx.Location.Country
	}

	tag, execErr := pool.Exec(ctx, insertTransactionSQL,
		tx.ID,
		tx.UserID,
		tx.MerchantID,
		tx.Amount.String(),
		tx.Currency,
		tx.Status,
		tx.DeviceID,
		lat,
		lon,
		country,
		tx.Timestamp.UTC(),
	)
	if execErr != nil {
		return fmt.Errorf("insert transaction: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("insert transaction %s: %w", tx.ID, ErrDuplicate)
	}
	return nil
}

// ListUserTransactionsSince lists a user's transactions in [since, before),
// oldest first.
func (s *Store) ListUserTransactionsSince(ctx context.Context, userID string, since, before time.Time) ([]risk.Transaction, error) {
	return s.queryTransactions(ctx, "list user transactions since", listUserTransactionsSinceSQL, userID, since.UTC(), before.UTC())
}

// ListUserTransactions lists up to limit of a user's transactions before the
// given instant, newest first.
func (s *Store) ListUserTransactions(ctx context.Context, userID string, before time.Time, limit int) ([]risk.Transaction, error) {
	return s.queryTransactions(ctx, "list user transactions", listUserTransactionsSQL, userID, before.UTC(), limit)
}

// ListTransactionsBetween lists every transaction in [from, to), oldest first.
func (s *Store) ListTransactionsBetween(ctx context.Context, from, to time.Time) ([]risk.Transaction, error) {
	return s.queryTransactions(ctx, "list transactions between", listTransactionsBetweenSQL, from.UTC(), to.UTC())
}

// KnownDevices lists device IDs the user transacted from before the instant.
func (s *Store) KnownDevices(ctx context.Context, userID string, before time.Time) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, knownDevicesSQL, userID, before.UTC())
	if queryErr != nil {
		return nil, fmt.Errorf("known devices: %w", queryErr)
	}
	devices, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("known devices: %w", err)
	}
	return devices, nil
}

// LastLocation returns the user's most recent located transaction before the
// instant, or nil when there is none.
func (s *Store) LastLocation(ctx context.Context, userID string, before time.Time) (*risk.Transaction, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, lastLocationSQL, userID, before.UTC())
	if queryErr != nil {
		return nil, fmt.Errorf("last location: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	tx, err := scanTransaction(rows)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *Store) queryTransactions(ctx context.Context, op, query string, args ...interface{}) ([]risk.Transaction, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	txs := make([]risk.Transaction, 0)
	for rows.Next() {
		tx, scanErr := scanTransaction(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		txs = append(txs, tx)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return txs, nil
}

// InsertAssessment persists an assessment, assigning an ID when absent.
func (s *Store) InsertAssessment(ctx context.Context, rec AssessmentRecord) (AssessmentRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AssessmentRecord{}, err
	}

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	reasons, err := json.Marshal(rec.Reasons)
	if err != nil {
		return AssessmentRecord{}, fmt.Errorf("marshal reasons: %w", err)
	}
	factors := rec.Factors
	if len(factors) == 0 {
		factors = json.RawMessage("{}")
	}

	row := pool.QueryRow(ctx, insertAssessmentSQL,
		rec.ID.String(),
		rec.TransactionID,
		rec.UserID,
		rec.OverallScore,
		string(rec.RiskLevel),
		rec.Recommendation,
		reasons,
		[]byte(factors),
	)
	if scanErr := row.Scan(&rec.CreatedAt); scanErr != nil {
		return AssessmentRecord{}, fmt.Errorf("insert assessment: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAssessments lists the most recent assessments, newest first.
func (s *Store) ListRecentAssessments(ctx context.Context, limit int) ([]AssessmentRecord, error) {
	return s.queryAssessments(ctx, "list recent assessments", listRecentAssessmentsSQL, limit)
}

// ListAssessmentsBetween lists assessments created in [from, to).
func (s *Store) ListAssessmentsBetween(ctx context.Context, from, to time.Time) ([]AssessmentRecord, error) {
	return s.queryAssessments(ctx, "list assessments between", listAssessmentsBetweenSQL, from.UTC(), to.UTC())
}

func (s *Store) queryAssessments(ctx context.Context, op, query string, args ...interface{}) ([]AssessmentRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	records := make([]AssessmentRecord, 0)
	for rows.Next() {
		var (
			rec       AssessmentRecord
			idStr     string
			level     string
			reasonsJS []byte
			factorsJS []byte
		)
		if err := rows.Scan(
			&idStr,
			&rec.TransactionID,
			&rec.UserID,
			&rec.OverallScore,
			&level,
			&rec.Recommendation,
			&reasonsJS,
			&factorsJS,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("parse assessment id: %w", err)
		}
		rec.ID = id
		rec.RiskLevel = risk.RiskLevel(level)
		if err := json.Unmarshal(reasonsJS, &rec.Reasons); err != nil {
			return nil, fmt.Errorf("parse reasons: %w", err)
		}
		rec.Factors = json.RawMessage(factorsJS)
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// AppendBlock persists a sealed block. A second block with the same index is
// rejected with ErrDuplicate.
func (s *Store) AppendBlock(ctx context.Context, blk ledger.Block) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tag, execErr := pool.Exec(ctx, appendBlockSQL,
		int64(blk.Index),
		blk.Timestamp,
		string(blk.Data),
		blk.PreviousHash,
		strconv.FormatUint(blk.Nonce, 10),
		blk.Hash,
	)
	if execErr != nil {
		return fmt.Errorf("append block %d: %w", blk.Index, execErr)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("append block %d: %w", blk.Index, ErrDuplicate)
	}
	return nil
}

// ListBlocks returns the persisted chain ordered by index.
func (s *Store) ListBlocks(ctx context.Context) ([]ledger.Block, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listBlocksSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list blocks: %w", queryErr)
	}
	defer rows.Close()

	blocks := make([]ledger.Block, 0)
	for rows.Next() {
		var (
			idx      int64
			data     string
			nonceStr string
			blk      ledger.Block
		)
		if err := rows.Scan(&idx, &blk.Timestamp, &data, &blk.PreviousHash, &nonceStr, &blk.Hash); err != nil {
			return nil, err
		}
		nonce, err := strconv.ParseUint(nonceStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse nonce of block %d: %w", idx, err)
		}
		blk.Index = uint64(idx)
		blk.Nonce = nonce
		blk.Data = json.RawMessage(data)
		blocks = append(blocks, blk)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return blocks, nil
}

// DeleteBlocks removes every persisted block.
func (s *Store) DeleteBlocks(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteBlocksSQL); execErr != nil {
		return fmt.Errorf("delete blocks: %w", execErr)
	}
	return nil
}

func scanTransaction(rows pgx.Rows) (risk.Transaction, error) {
	var (
		tx        risk.Transaction
		amountStr string
		lat       sql.NullFloat64
		lon       sql.NullFloat64
		country   sql.NullString
	)

	if err := rows.Scan(
		&tx.ID,
		&tx.UserID,
		&tx.MerchantID,
		&amountStr,
		&tx.Currency,
		&tx.Status,
		&tx.DeviceID,
		&lat,
		&lon,
		&country,
		&tx.Timestamp,
	); err != nil {
		return risk.Transaction{}, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return risk.Transaction{}, fmt.Errorf("parse amount: %w", err)
	}
	tx.Amount = amount
	tx.Timestamp = tx.Timestamp.UTC()

	if lat.Valid && lon.Valid {
		tx.Location = &risk.Location{Lat: lat.Float64, Lon: lon.Float64, Country: country.String}
	}
	return tx, nil
}

var (
	_ TransactionStore = (*Store)(nil)
	_ AssessmentStore  = (*Store)(nil)
	_ BlockStore       = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
)
