package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Exclusion reasons accepted by the API.
const (
	ExclusionReasonModifier      = "modifier"
	ExclusionReasonNonAnalytical = "non_analytical"
	ExclusionReasonLowVolume     = "low_volume"
	ExclusionReasonManual        = "manual"
)

// ExcludedItem marks an item name an operator removed from analytics.
// Exclusions are applied on every summary refresh; they are not applied
// retroactively to already-written fact rows.
type ExcludedItem struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TenantId   string    `gorm:"size:36;not null;uniqueIndex:idx_excl_tenant_item,priority:1" json:"tenant_id"`
	ItemName   string    `gorm:"size:191;not null;uniqueIndex:idx_excl_tenant_item,priority:2" json:"item_name"`
	Reason     string    `gorm:"size:32;not null" json:"reason"`
	ExcludedBy string    `gorm:"size:36" json:"excluded_by"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func IsValidExclusionReason(reason string) bool {
	switch reason {
	case ExclusionReasonModifier, ExclusionReasonNonAnalytical, ExclusionReasonLowVolume, ExclusionReasonManual:
		return true
	}
	return false
}

func ListExcludedItems(ctx context.Context, db *gorm.DB, tenantId string) ([]ExcludedItem, error) {
	var items []ExcludedItem
	err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantId).
		Order("created_at DESC").
		Find(&items).Error
	return items, err
}

// ListExcludedItemNames returns just the names, for refresh-time filtering.
func ListExcludedItemNames(ctx context.Context, db *gorm.DB, tenantId string) ([]string, error) {
	var names []string
	err := db.WithContext(ctx).
		Model(&ExcludedItem{}).
		Where("tenant_id = ?", tenantId).
		Pluck("item_name", &names).Error
	return names, err
}
