package models

import "time"

// ItemPair is the market-basket aggregate: how often two items appear on the
// same receipt within the rolling analysis window.
//
// item_a < item_b lexicographically so the pair key is order-independent.
type ItemPair struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	TenantId string `gorm:"size:36;not null;index:idx_ip_tenant" json:"tenant_id"`

	ItemA string `gorm:"size:191;not null" json:"item_a"`
	ItemB string `gorm:"size:191;not null" json:"item_b"`

	// Frequency is the number of receipts containing both items; SupportPct
	// is that count as a percentage of all receipts in the window.
	Frequency  int64   `json:"frequency"`
	SupportPct float64 `json:"support_pct"`

	WindowStart time.Time `gorm:"type:date" json:"window_start"`
	RefreshedAt time.Time `gorm:"autoUpdateTime" json:"refreshed_at"`
}
