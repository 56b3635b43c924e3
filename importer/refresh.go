package importer

import (
	"context"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/resto_analytics/models"
	"bitbucket.org/mmdatafocus/resto_analytics/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	pairWindowDays   = 90
	pairMinFrequency = 3
	topItemCount     = 5
	summaryBatchSize = 200
)

type RefreshStats struct {
	HourlyRows int `json:"hourly_rows"`
	PairRows   int `json:"pair_rows"`
	BranchRows int `json:"branch_rows"`
}

// RefreshSummaries rebuilds all three summary tables for one tenant from the
// current fact table, applying the exclusion list. Full replace, one
// transaction per table: a mid-rebuild failure leaves that table on its
// previous contents rather than half-stale.
func RefreshSummaries(ctx context.Context, db *gorm.DB, tenantId string) (RefreshStats, error) {
	var stats RefreshStats

	excluded, err := models.ListExcludedItemNames(ctx, db, tenantId)
	if err != nil {
		return stats, err
	}

	if stats.HourlyRows, err = rebuildHourlySummaries(ctx, db, tenantId, excluded); err != nil {
		return stats, err
	}
	if stats.PairRows, err = rebuildItemPairs(ctx, db, tenantId, excluded); err != nil {
		return stats, err
	}
	if stats.BranchRows, err = rebuildBranchSummaries(ctx, db, tenantId, excluded); err != nil {
		return stats, err
	}

	// Invalidate cached dashboard reads. Best effort; a stale cache expires
	// on its own TTL.
	_ = utils.BumpCacheVersion(tenantId)

	return stats, nil
}

func factScope(tx *gorm.DB, tenantId string, excluded []string) *gorm.DB {
	q := tx.Model(&models.Transaction{}).Where("tenant_id = ?", tenantId)
	if len(excluded) > 0 {
		q = q.Where("item_name NOT IN ?", excluded)
	}
	return q
}

type hourlyBucket struct {
	DayOfWeek        int
	LocalHour        int
	StoreName        *string
	MacroCategory    *string
	Revenue          decimal.Decimal
	Quantity         int64
	TransactionCount int64
	ReceiptCount     int64
}

// rebuildHourlySummaries materializes four grouping sets: the overall
// rollup, per store, per macro category, and per store+macro. NULL store or
// macro on a summary row marks the rollup dimension.
func rebuildHourlySummaries(ctx context.Context, db *gorm.DB, tenantId string, excluded []string) (int, error) {
	groupings := []struct {
		selects string
		groupBy string
	}{
		{
			selects: "day_of_week, local_hour, SUM(gross_revenue) AS revenue, SUM(quantity) AS quantity, COUNT(*) AS transaction_count, COUNT(DISTINCT receipt_number) AS receipt_count",
			groupBy: "day_of_week, local_hour",
		},
		{
			selects: "day_of_week, local_hour, store_name, SUM(gross_revenue) AS revenue, SUM(quantity) AS quantity, COUNT(*) AS transaction_count, COUNT(DISTINCT receipt_number) AS receipt_count",
			groupBy: "day_of_week, local_hour, store_name",
		},
		{
			selects: "day_of_week, local_hour, macro_category, SUM(gross_revenue) AS revenue, SUM(quantity) AS quantity, COUNT(*) AS transaction_count, COUNT(DISTINCT receipt_number) AS receipt_count",
			groupBy: "day_of_week, local_hour, macro_category",
		},
		{
			selects: "day_of_week, local_hour, store_name, macro_category, SUM(gross_revenue) AS revenue, SUM(quantity) AS quantity, COUNT(*) AS transaction_count, COUNT(DISTINCT receipt_number) AS receipt_count",
			groupBy: "day_of_week, local_hour, store_name, macro_category",
		},
	}

	var rows []models.HourlySummary
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("tenant_id = ?", tenantId).Delete(&models.HourlySummary{}).Error; err != nil {
			return err
		}

		for _, g := range groupings {
			var buckets []hourlyBucket
			err := factScope(tx, tenantId, excluded).
				Select(g.selects).
				Group(g.groupBy).
				Scan(&buckets).Error
			if err != nil {
				return err
			}
			for _, b := range buckets {
				rows = append(rows, models.HourlySummary{
					TenantId:         tenantId,
					DayOfWeek:        b.DayOfWeek,
					Hour:             b.LocalHour,
					StoreName:        b.StoreName,
					MacroCategory:    b.MacroCategory,
					Revenue:          b.Revenue,
					Quantity:         b.Quantity,
					TransactionCount: b.TransactionCount,
					ReceiptCount:     b.ReceiptCount,
				})
			}
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, summaryBatchSize).Error
	})
	return len(rows), err
}

type receiptItemRow struct {
	ReceiptNumber string
	ItemName      string
}

func rebuildItemPairs(ctx context.Context, db *gorm.DB, tenantId string, excluded []string) (int, error) {
	windowStart := time.Now().In(sourceLocation).AddDate(0, 0, -pairWindowDays)
	windowStart = time.Date(windowStart.Year(), windowStart.Month(), windowStart.Day(), 0, 0, 0, 0, time.UTC)

	var pairs []models.ItemPair
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lines []receiptItemRow
		err := factScope(tx, tenantId, excluded).
			Distinct("receipt_number", "item_name").
			Where("business_date >= ?", windowStart).
			Scan(&lines).Error
		if err != nil {
			return err
		}

		itemsByReceipt := make(map[string][]string)
		for _, line := range lines {
			itemsByReceipt[line.ReceiptNumber] = append(itemsByReceipt[line.ReceiptNumber], line.ItemName)
		}
		totalReceipts := len(itemsByReceipt)

		type pairKey struct{ a, b string }
		counts := make(map[pairKey]int64)
		for _, items := range itemsByReceipt {
			sort.Strings(items)
			for i := 0; i < len(items); i++ {
				for j := i + 1; j < len(items); j++ {
					counts[pairKey{items[i], items[j]}]++
				}
			}
		}

		for key, freq := range counts {
			if freq < pairMinFrequency {
				continue
			}
			pairs = append(pairs, models.ItemPair{
				TenantId:    tenantId,
				ItemA:       key.a,
				ItemB:       key.b,
				Frequency:   freq,
				SupportPct:  float64(freq) / float64(totalReceipts) * 100,
				WindowStart: windowStart,
			})
		}
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].Frequency > pairs[j].Frequency })

		if err := tx.Where("tenant_id = ?", tenantId).Delete(&models.ItemPair{}).Error; err != nil {
			return err
		}
		if len(pairs) == 0 {
			return nil
		}
		return tx.CreateInBatches(pairs, summaryBatchSize).Error
	})
	return len(pairs), err
}

type dailyStoreRow struct {
	BusinessDate     time.Time
	StoreName        string
	Revenue          decimal.Decimal
	TransactionCount int64
	ReceiptCount     int64
}

type dailyStoreItemRow struct {
	BusinessDate time.Time
	StoreName    string
	ItemName     string
	Revenue      decimal.Decimal
	Quantity     int64
}

func rebuildBranchSummaries(ctx context.Context, db *gorm.DB, tenantId string, excluded []string) (int, error) {
	var summaries []models.BranchSummary
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var days []dailyStoreRow
		err := factScope(tx, tenantId, excluded).
			Select("business_date, store_name, SUM(gross_revenue) AS revenue, COUNT(*) AS transaction_count, COUNT(DISTINCT receipt_number) AS receipt_count").
			Where("store_name <> ''").
			Group("business_date, store_name").
			Scan(&days).Error
		if err != nil {
			return err
		}

		var items []dailyStoreItemRow
		err = factScope(tx, tenantId, excluded).
			Select("business_date, store_name, item_name, SUM(gross_revenue) AS revenue, SUM(quantity) AS quantity").
			Where("store_name <> ''").
			Group("business_date, store_name, item_name").
			Scan(&items).Error
		if err != nil {
			return err
		}

		summaries = rollUpBranchPeriods(tenantId, days, items)

		if err := tx.Where("tenant_id = ?", tenantId).Delete(&models.BranchSummary{}).Error; err != nil {
			return err
		}
		if len(summaries) == 0 {
			return nil
		}
		return tx.CreateInBatches(summaries, summaryBatchSize).Error
	})
	return len(summaries), err
}

// PeriodStart returns the bucket start date for a business date. Weeks start
// on Monday.
func PeriodStart(periodType string, d time.Time) time.Time {
	d = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	switch periodType {
	case models.PeriodTypeWeekly:
		return d.AddDate(0, 0, -mondayIndexedWeekday(d.Weekday()))
	case models.PeriodTypeMonthly:
		return time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return d
	}
}

type branchAgg struct {
	revenue          decimal.Decimal
	transactionCount int64
	receiptCount     int64
	items            map[string]*models.TopItem
}

// rollUpBranchPeriods folds per-day store aggregates into daily, weekly and
// monthly summary rows. A receipt has a single timestamp so it belongs to
// exactly one day; summing daily distinct-receipt counts into larger periods
// is exact.
func rollUpBranchPeriods(tenantId string, days []dailyStoreRow, items []dailyStoreItemRow) []models.BranchSummary {
	periodTypes := []string{models.PeriodTypeDaily, models.PeriodTypeWeekly, models.PeriodTypeMonthly}

	type aggKey struct {
		periodType string
		start      time.Time
		store      string
	}
	aggs := make(map[aggKey]*branchAgg)

	for _, day := range days {
		for _, pt := range periodTypes {
			key := aggKey{pt, PeriodStart(pt, day.BusinessDate), day.StoreName}
			agg := aggs[key]
			if agg == nil {
				agg = &branchAgg{items: make(map[string]*models.TopItem)}
				aggs[key] = agg
			}
			agg.revenue = agg.revenue.Add(day.Revenue)
			agg.transactionCount += day.TransactionCount
			agg.receiptCount += day.ReceiptCount
		}
	}

	for _, item := range items {
		for _, pt := range periodTypes {
			key := aggKey{pt, PeriodStart(pt, item.BusinessDate), item.StoreName}
			agg := aggs[key]
			if agg == nil {
				continue
			}
			entry := agg.items[item.ItemName]
			if entry == nil {
				entry = &models.TopItem{ItemName: item.ItemName}
				agg.items[item.ItemName] = entry
			}
			entry.Revenue = entry.Revenue.Add(item.Revenue)
			entry.Quantity += item.Quantity
		}
	}

	summaries := make([]models.BranchSummary, 0, len(aggs))
	for key, agg := range aggs {
		avgTicket := decimal.Zero
		if agg.receiptCount > 0 {
			avgTicket = agg.revenue.Div(decimal.NewFromInt(agg.receiptCount)).Round(2)
		}
		summaries = append(summaries, models.BranchSummary{
			TenantId:         tenantId,
			PeriodType:       key.periodType,
			PeriodStart:      key.start,
			StoreName:        key.store,
			Revenue:          agg.revenue,
			TransactionCount: agg.transactionCount,
			ReceiptCount:     agg.receiptCount,
			AvgTicket:        avgTicket,
			TopItems:         models.EncodeTopItems(topItems(agg.items)),
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		a, b := summaries[i], summaries[j]
		if a.PeriodType != b.PeriodType {
			return a.PeriodType < b.PeriodType
		}
		if !a.PeriodStart.Equal(b.PeriodStart) {
			return a.PeriodStart.Before(b.PeriodStart)
		}
		return a.StoreName < b.StoreName
	})
	return summaries
}

func topItems(byName map[string]*models.TopItem) []models.TopItem {
	items := make([]models.TopItem, 0, len(byName))
	for _, item := range byName {
		items = append(items, *item)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].Revenue.Equal(items[j].Revenue) {
			return items[i].Revenue.GreaterThan(items[j].Revenue)
		}
		return items[i].ItemName < items[j].ItemName
	})
	if len(items) > topItemCount {
		items = items[:topItemCount]
	}
	return items
}
