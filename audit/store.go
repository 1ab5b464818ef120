package audit

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"crosslend/native/crosschain"
	"crosslend/native/lending"
)

// LiquidationRow is the persisted form of a committed liquidation. Amounts are
// stored as decimal strings so arbitrary-precision balances survive the trip.
type LiquidationRow struct {
	ID               uint64 `gorm:"primaryKey;autoIncrement"`
	Borrower         string `gorm:"index"`
	Liquidator       string `gorm:"index"`
	DebtAsset        string
	CollateralAsset  string
	DebtRepaid       string
	CollateralSeized string
	Timestamp        uint64
	Emergency        bool
	CreatedAt        time.Time
}

// TableName keeps the table name stable across gorm naming strategies.
func (LiquidationRow) TableName() string { return "liquidation_records" }

// GapAlertRow is the persisted form of a suspected nonce gap.
type GapAlertRow struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	Source        string `gorm:"index"`
	MissingNonce  uint64
	BlockedNonces string
	DetectedAt    time.Time
	CreatedAt     time.Time
}

func (GapAlertRow) TableName() string { return "gap_alerts" }

// Store is the relational audit log. It satisfies both the liquidation record
// sink and the reconciler's gap alert sink.
type Store struct {
	db *gorm.DB
}

// Open connects to the audit database and migrates the schema. Supported
// drivers are "sqlite" and "postgres".
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		if strings.TrimSpace(dsn) == "" {
			dsn = "file:crosslend_audit.db"
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("audit: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", driver, err)
	}
	if err := db.AutoMigrate(&LiquidationRow{}, &GapAlertRow{}); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// AppendLiquidation persists one liquidation record and returns its assigned
// id.
func (s *Store) AppendLiquidation(record *lending.LiquidationRecord) (uint64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("audit: store not configured")
	}
	if record == nil {
		return 0, fmt.Errorf("audit: record required")
	}
	row := LiquidationRow{
		Borrower:         record.Borrower,
		Liquidator:       record.Liquidator,
		DebtAsset:        record.DebtAsset,
		CollateralAsset:  record.CollateralAsset,
		DebtRepaid:       bigString(record.DebtRepaid),
		CollateralSeized: bigString(record.CollateralSeized),
		Timestamp:        record.Timestamp,
		Emergency:        record.Emergency,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return 0, fmt.Errorf("audit: append liquidation: %w", err)
	}
	return row.ID, nil
}

// RecordGap persists one suspected gap alert.
func (s *Store) RecordGap(alert *crosschain.GapAlert) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("audit: store not configured")
	}
	if alert == nil {
		return fmt.Errorf("audit: alert required")
	}
	blocked := make([]string, 0, len(alert.BlockedNonces))
	for _, nonce := range alert.BlockedNonces {
		blocked = append(blocked, fmt.Sprintf("%d", nonce))
	}
	row := GapAlertRow{
		Source:        alert.Source,
		MissingNonce:  alert.MissingNonce,
		BlockedNonces: strings.Join(blocked, ","),
		DetectedAt:    alert.DetectedAt,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("audit: record gap: %w", err)
	}
	return nil
}

// ListLiquidations returns the most recent liquidations for the borrower,
// newest first. An empty borrower lists across all borrowers.
func (s *Store) ListLiquidations(borrower string, limit int) ([]LiquidationRow, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("audit: store not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	query := s.db.Order("id desc").Limit(limit)
	if borrower = strings.TrimSpace(borrower); borrower != "" {
		query = query.Where("borrower = ?", borrower)
	}
	var rows []LiquidationRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("audit: list liquidations: %w", err)
	}
	return rows, nil
}

// ListGaps returns the most recent gap alerts for the source, newest first.
func (s *Store) ListGaps(source string, limit int) ([]GapAlertRow, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("audit: store not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	query := s.db.Order("id desc").Limit(limit)
	if source = strings.TrimSpace(source); source != "" {
		query = query.Where("source = ?", source)
	}
	var rows []GapAlertRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("audit: list gaps: %w", err)
	}
	return rows, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
