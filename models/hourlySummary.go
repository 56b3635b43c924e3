package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// HourlySummary is a pre-aggregated (day-of-week, hour) bucket used by the
// dashboard heatmap and dayparting views.
//
// Grain: (tenant_id, day_of_week, hour, store_name|null, macro_category|null).
// A NULL store_name or macro_category is the rollup across all branches /
// all categories. Rebuilt wholesale per tenant on refresh.
type HourlySummary struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	TenantId string `gorm:"size:36;not null;index:idx_hs_tenant" json:"tenant_id"`

	DayOfWeek     int     `json:"day_of_week"` // 0=Monday .. 6=Sunday
	Hour          int     `json:"hour"`        // 0-23
	StoreName     *string `gorm:"size:128" json:"store_name"`
	MacroCategory *string `gorm:"size:32" json:"macro_category"`

	Revenue          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"revenue"`
	Quantity         int64           `json:"quantity"`
	TransactionCount int64           `json:"transaction_count"`
	ReceiptCount     int64           `json:"receipt_count"`

	RefreshedAt time.Time `gorm:"autoUpdateTime" json:"refreshed_at"`
}
