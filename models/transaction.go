package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Transaction is one sold line-item of one receipt: the fact table every
// summary is derived from.
//
// Dedup key: (tenant_id, receipt_number, item_name, receipt_timestamp).
// The source row ordinal is deliberately not part of the key — re-exports of
// the same window do not keep row order stable.
//
// Invariant: gross_revenue = subtotal + tax + service_charge + discount,
// with discount stored non-positive.
type Transaction struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	TenantId    string `gorm:"size:36;not null;uniqueIndex:idx_tx_dedup,priority:1;index:idx_tx_tenant_time,priority:1" json:"tenant_id"`
	ImportJobId string `gorm:"size:36;index" json:"import_job_id"`

	ReceiptNumber    string    `gorm:"size:64;not null;uniqueIndex:idx_tx_dedup,priority:2" json:"receipt_number"`
	ItemName         string    `gorm:"size:191;not null;uniqueIndex:idx_tx_dedup,priority:3" json:"item_name"`
	ReceiptTimestamp time.Time `gorm:"not null;uniqueIndex:idx_tx_dedup,priority:4;index:idx_tx_tenant_time,priority:2" json:"receipt_timestamp"`

	Category      string `gorm:"size:128" json:"category"`
	MacroCategory string `gorm:"size:32" json:"macro_category"`
	StoreName     string `gorm:"size:128" json:"store_name"`

	Quantity      int             `gorm:"default:1" json:"quantity"`
	UnitPrice     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	Subtotal      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"subtotal"`
	Tax           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"tax"`
	ServiceCharge decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"service_charge"`
	Discount      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"discount"`
	GrossRevenue  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"gross_revenue"`

	// Derived from receipt_timestamp at insert time so summary rebuilds can
	// group without timezone math in SQL.
	BusinessDate time.Time `gorm:"type:date;index" json:"business_date"`
	DayOfWeek    int       `json:"day_of_week"` // 0=Monday .. 6=Sunday
	LocalHour    int       `json:"local_hour"`  // 0-23

	SourceFile      string    `gorm:"size:255" json:"source_file"`
	SourceRowNumber int       `json:"source_row_number"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// InsertTransactionsBatch inserts a batch with insert-ignore semantics on the
// dedup key. Returns the number of rows actually inserted; the remainder of
// the batch already existed.
func InsertTransactionsBatch(ctx context.Context, db *gorm.DB, batch []Transaction) (int64, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&batch)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// DeleteTransactionsByJob removes every fact row a job inserted. Used by the
// compensating delete on cancel/abort and by post-hoc job deletion.
func DeleteTransactionsByJob(ctx context.Context, db *gorm.DB, tenantId string, jobId string) (int64, error) {
	res := db.WithContext(ctx).
		Where("tenant_id = ? AND import_job_id = ?", tenantId, jobId).
		Delete(&Transaction{})
	return res.RowsAffected, res.Error
}

func GetDistinctStoreNames(ctx context.Context, db *gorm.DB, tenantId string) ([]string, error) {
	var names []string
	err := db.WithContext(ctx).
		Model(&Transaction{}).
		Distinct("store_name").
		Where("tenant_id = ? AND store_name <> ''", tenantId).
		Order("store_name").
		Pluck("store_name", &names).Error
	return names, err
}

func GetDistinctCategories(ctx context.Context, db *gorm.DB, tenantId string) ([]string, error) {
	var categories []string
	err := db.WithContext(ctx).
		Model(&Transaction{}).
		Distinct("category").
		Where("tenant_id = ? AND category <> ''", tenantId).
		Order("category").
		Pluck("category", &categories).Error
	return categories, err
}

func CountTransactions(ctx context.Context, db *gorm.DB, tenantId string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&Transaction{}).
		Where("tenant_id = ?", tenantId).
		Count(&count).Error
	return count, err
}
