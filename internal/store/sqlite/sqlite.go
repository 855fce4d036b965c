// Package sqlite implements the domain store interfaces on a local SQLite
// file through gorm and the pure Go glebarez driver.
package sqlite

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Open connects to the database at path, creating its directory when
// needed, and migrates the schema.
func Open(path string) (*gorm.DB, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}

	// A single connection keeps an in-memory database alive and serialises
	// writers on the file.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite: underlying db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&marketRow{}, &betRow{}, &sessionRow{}, &auditRow{}); err != nil {
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return db, nil
}

// Close releases the database handle.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("sqlite: underlying db: %w", err)
	}
	return sqlDB.Close()
}

type marketRow struct {
	ID          string `gorm:"primaryKey"`
	Question    string
	Description string
	Category    string
	Status      string `gorm:"index"`
	YesOdds     float64
	NoOdds      float64
	StartTime   time.Time
	EndTime     time.Time
	Result      string
	TotalVolume string
	BetCount    int
	AutoResolve bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (marketRow) TableName() string { return "markets" }

type betRow struct {
	ID              string `gorm:"primaryKey"`
	SessionID       string `gorm:"index"`
	MarketID        string `gorm:"index"`
	Outcome         string
	Amount          string
	OddsAtPlacement float64
	PotentialPayout string
	PlacedAt        time.Time `gorm:"index"`
	Settled         bool
	Won             *bool
}

func (betRow) TableName() string { return "bets" }

type sessionRow struct {
	ID            string `gorm:"primaryKey"`
	Wallet        string `gorm:"index"`
	ChannelID     string `gorm:"index"`
	Deposit       string
	Status        string `gorm:"index"`
	FailReason    string
	FailMessage   string
	FinalBalance  string
	TotalWinnings string
	TotalLosses   string
	CloseTxHash   string
	ReportPath    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ClosedAt      *time.Time
}

func (sessionRow) TableName() string { return "sessions" }

type auditRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Event     string `gorm:"index"`
	SessionID string `gorm:"index"`
	Detail    string
	CreatedAt time.Time `gorm:"index"`
}

func (auditRow) TableName() string { return "audit_log" }

// dec parses a stored decimal; empty columns read as zero.
func dec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// page applies ListOpts paging and the time window on column.
func page(q *gorm.DB, column string, limit, offset int, since, until *time.Time) *gorm.DB {
	if since != nil {
		q = q.Where(column+" >= ?", *since)
	}
	if until != nil {
		q = q.Where(column+" <= ?", *until)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	return q
}
