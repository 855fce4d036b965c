package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/yellowbet/internal/domain"
)

// SessionStore implements domain.SessionStore using PostgreSQL.
type SessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore creates a SessionStore backed by pool.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

const sessionCols = `id, wallet, channel_id, deposit::text, status, fail_reason, fail_message,
	final_balance::text, total_winnings::text, total_losses::text,
	close_tx_hash, report_path, created_at, updated_at, closed_at`

// Create inserts a session record.
func (s *SessionStore) Create(ctx context.Context, rec domain.SessionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (
			id, wallet, channel_id, deposit, status, fail_reason, fail_message,
			final_balance, total_winnings, total_losses,
			close_tx_hash, report_path, created_at, updated_at, closed_at
		) VALUES (
			$1, $2, $3, $4::numeric, $5, $6, $7,
			$8::numeric, $9::numeric, $10::numeric,
			$11, $12, $13, $14, $15
		)`,
		rec.ID, rec.Wallet, rec.ChannelID, rec.Deposit.String(), string(rec.Status),
		string(rec.FailReason), rec.FailMessage,
		rec.FinalBalance.String(), rec.TotalWinnings.String(), rec.TotalLosses.String(),
		rec.CloseTxHash, rec.ReportPath, rec.CreatedAt, rec.UpdatedAt, rec.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create session %s: %w", rec.ID, err)
	}
	return nil
}

// Update overwrites the mutable columns of a session record.
func (s *SessionStore) Update(ctx context.Context, rec domain.SessionRecord) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET
			channel_id     = $2,
			status         = $3,
			fail_reason    = $4,
			fail_message   = $5,
			final_balance  = $6::numeric,
			total_winnings = $7::numeric,
			total_losses   = $8::numeric,
			close_tx_hash  = $9,
			report_path    = $10,
			updated_at     = $11,
			closed_at      = $12
		WHERE id = $1`,
		rec.ID, rec.ChannelID, string(rec.Status), string(rec.FailReason), rec.FailMessage,
		rec.FinalBalance.String(), rec.TotalWinnings.String(), rec.TotalLosses.String(),
		rec.CloseTxHash, rec.ReportPath, rec.UpdatedAt, rec.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update session %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update session %s: %w", rec.ID, domain.ErrNotFound)
	}
	return nil
}

// GetByID returns the session record with the given id.
func (s *SessionStore) GetByID(ctx context.Context, id string) (domain.SessionRecord, error) {
	return s.one(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = $1`, id)
}

// GetByChannel returns the latest session record on a channel.
func (s *SessionStore) GetByChannel(ctx context.Context, channelID string) (domain.SessionRecord, error) {
	return s.one(ctx, `SELECT `+sessionCols+` FROM sessions WHERE channel_id = $1 ORDER BY created_at DESC LIMIT 1`, channelID)
}

// ListByWallet returns the sessions of a wallet, newest first.
func (s *SessionStore) ListByWallet(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.SessionRecord, error) {
	query, args := pageClause(`SELECT `+sessionCols+` FROM sessions WHERE wallet = $1`, []any{wallet},
		"created_at", "created_at DESC", opts.Limit, opts.Offset, opts.Since, opts.Until)
	return s.many(ctx, query, args...)
}

// ListByStatus returns every session in status, oldest first.
func (s *SessionStore) ListByStatus(ctx context.Context, status domain.SessionStatus) ([]domain.SessionRecord, error) {
	return s.many(ctx, `SELECT `+sessionCols+` FROM sessions WHERE status = $1 ORDER BY created_at`, string(status))
}

func (s *SessionStore) one(ctx context.Context, query string, arg string) (domain.SessionRecord, error) {
	rec, err := scanSession(s.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SessionRecord{}, domain.ErrNotFound
		}
		return domain.SessionRecord{}, fmt.Errorf("postgres: get session %s: %w", arg, err)
	}
	return rec, nil
}

func (s *SessionStore) many(ctx context.Context, query string, args ...any) ([]domain.SessionRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan session: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list sessions rows: %w", err)
	}
	return out, nil
}

func scanSession(row pgx.Row) (domain.SessionRecord, error) {
	var rec domain.SessionRecord
	var deposit, status, reason, final, winnings, losses string
	err := row.Scan(
		&rec.ID, &rec.Wallet, &rec.ChannelID, &deposit, &status, &reason, &rec.FailMessage,
		&final, &winnings, &losses,
		&rec.CloseTxHash, &rec.ReportPath, &rec.CreatedAt, &rec.UpdatedAt, &rec.ClosedAt,
	)
	if err != nil {
		return domain.SessionRecord{}, err
	}
	rec.Deposit = dec(deposit)
	rec.Status = domain.SessionStatus(status)
	rec.FailReason = domain.ErrorKind(reason)
	rec.FinalBalance = dec(final)
	rec.TotalWinnings = dec(winnings)
	rec.TotalLosses = dec(losses)
	return rec, nil
}
