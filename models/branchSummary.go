package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	PeriodTypeDaily   = "daily"
	PeriodTypeWeekly  = "weekly" // Monday start
	PeriodTypeMonthly = "monthly"
)

// BranchSummary is the per-branch, per-period aggregate behind the branch
// comparison dashboard. Rebuilt wholesale per tenant on refresh.
//
// Grain: (tenant_id, period_type, period_start, store_name).
type BranchSummary struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	TenantId string `gorm:"size:36;not null;index:idx_bs_tenant" json:"tenant_id"`

	PeriodType  string    `gorm:"size:16;not null" json:"period_type"`
	PeriodStart time.Time `gorm:"type:date;not null" json:"period_start"`
	StoreName   string    `gorm:"size:128;not null" json:"store_name"`

	Revenue          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"revenue"`
	TransactionCount int64           `json:"transaction_count"`
	ReceiptCount     int64           `json:"receipt_count"`
	AvgTicket        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"avg_ticket"`

	// TopItems is a JSON-encoded []TopItem, largest revenue first.
	TopItems []byte `gorm:"type:json" json:"top_items"`

	RefreshedAt time.Time `gorm:"autoUpdateTime" json:"refreshed_at"`
}

// TopItem is one entry of BranchSummary.TopItems.
type TopItem struct {
	ItemName string          `json:"item_name"`
	Revenue  decimal.Decimal `json:"revenue"`
	Quantity int64           `json:"quantity"`
}

func EncodeTopItems(items []TopItem) []byte {
	b, _ := json.Marshal(items)
	return b
}

func DecodeTopItems(raw []byte) []TopItem {
	if len(raw) == 0 {
		return nil
	}
	var items []TopItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	return items
}
