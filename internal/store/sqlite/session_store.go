package sqlite

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/alanyoungcy/yellowbet/internal/domain"
)

// SessionStore implements domain.SessionStore on SQLite.
type SessionStore struct {
	db *gorm.DB
}

// NewSessionStore creates a SessionStore on db.
func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

// Create inserts a session record.
func (s *SessionStore) Create(ctx context.Context, rec domain.SessionRecord) error {
	row := sessionFromDomain(rec)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("sqlite: create session %s: %w", rec.ID, err)
	}
	return nil
}

// Update overwrites every mutable column of a session record.
func (s *SessionStore) Update(ctx context.Context, rec domain.SessionRecord) error {
	row := sessionFromDomain(rec)
	res := s.db.WithContext(ctx).Model(&sessionRow{ID: rec.ID}).
		Select("channel_id", "status", "fail_reason", "fail_message", "final_balance",
			"total_winnings", "total_losses", "close_tx_hash", "report_path",
			"updated_at", "closed_at").
		Updates(&row)
	if res.Error != nil {
		return fmt.Errorf("sqlite: update session %s: %w", rec.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sqlite: update session %s: %w", rec.ID, domain.ErrNotFound)
	}
	return nil
}

// GetByID returns the session record with the given id.
func (s *SessionStore) GetByID(ctx context.Context, id string) (domain.SessionRecord, error) {
	return s.first(ctx, "id = ?", id)
}

// GetByChannel returns the latest session record on a channel.
func (s *SessionStore) GetByChannel(ctx context.Context, channelID string) (domain.SessionRecord, error) {
	return s.first(ctx, "channel_id = ?", channelID)
}

// ListByWallet returns the sessions of a wallet, newest first.
func (s *SessionStore) ListByWallet(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.SessionRecord, error) {
	var rows []sessionRow
	q := s.db.WithContext(ctx).Where("wallet = ?", wallet).Order("created_at DESC")
	q = page(q, "created_at", opts.Limit, opts.Offset, opts.Since, opts.Until)
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlite: list sessions of %s: %w", wallet, err)
	}
	return sessionsToDomain(rows), nil
}

// ListByStatus returns every session in status, oldest first.
func (s *SessionStore) ListByStatus(ctx context.Context, status domain.SessionStatus) ([]domain.SessionRecord, error) {
	var rows []sessionRow
	err := s.db.WithContext(ctx).Where("status = ?", string(status)).Order("created_at").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("sqlite: list %s sessions: %w", status, err)
	}
	return sessionsToDomain(rows), nil
}

func (s *SessionStore) first(ctx context.Context, where string, arg string) (domain.SessionRecord, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where(where, arg).Order("created_at DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.SessionRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.SessionRecord{}, fmt.Errorf("sqlite: get session %s: %w", arg, err)
	}
	return row.toDomain(), nil
}

func sessionFromDomain(rec domain.SessionRecord) sessionRow {
	return sessionRow{
		ID:            rec.ID,
		Wallet:        rec.Wallet,
		ChannelID:     rec.ChannelID,
		Deposit:       rec.Deposit.String(),
		Status:        string(rec.Status),
		FailReason:    string(rec.FailReason),
		FailMessage:   rec.FailMessage,
		FinalBalance:  rec.FinalBalance.String(),
		TotalWinnings: rec.TotalWinnings.String(),
		TotalLosses:   rec.TotalLosses.String(),
		CloseTxHash:   rec.CloseTxHash,
		ReportPath:    rec.ReportPath,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
		ClosedAt:      rec.ClosedAt,
	}
}

func (r sessionRow) toDomain() domain.SessionRecord {
	rec := domain.SessionRecord{
		ID:            r.ID,
		Wallet:        r.Wallet,
		ChannelID:     r.ChannelID,
		Deposit:       dec(r.Deposit),
		Status:        domain.SessionStatus(r.Status),
		FailReason:    domain.ErrorKind(r.FailReason),
		FailMessage:   r.FailMessage,
		FinalBalance:  dec(r.FinalBalance),
		TotalWinnings: dec(r.TotalWinnings),
		TotalLosses:   dec(r.TotalLosses),
		CloseTxHash:   r.CloseTxHash,
		ReportPath:    r.ReportPath,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
	if r.ClosedAt != nil {
		t := r.ClosedAt.UTC()
		rec.ClosedAt = &t
	}
	return rec
}

func sessionsToDomain(rows []sessionRow) []domain.SessionRecord {
	out := make([]domain.SessionRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}
