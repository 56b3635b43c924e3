package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/resto_analytics/utils"
	"gorm.io/gorm"
)

// Tenant is one restaurant group. Tenant CRUD lives in the admin service;
// this backend only reads the row to validate imports and scope queries.
type Tenant struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	Timezone  string    `gorm:"size:64;default:'Asia/Manila'" json:"timezone"`
	IsActive  bool      `gorm:"default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetTenantById(ctx context.Context, db *gorm.DB, tenantId string) (*Tenant, error) {
	var tenant Tenant
	if err := db.WithContext(ctx).Where("id = ?", tenantId).Take(&tenant).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &tenant, nil
}

// ListTenantIdsWithTransactions returns active tenants that have at least one
// fact row. Used by the operator refresh tool.
func ListTenantIdsWithTransactions(ctx context.Context, db *gorm.DB) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).
		Table("tenants").
		Select("tenants.id").
		Where("tenants.is_active = ?", true).
		Where("EXISTS (SELECT 1 FROM transactions WHERE transactions.tenant_id = tenants.id)").
		Scan(&ids).Error
	return ids, err
}
