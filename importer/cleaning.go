package importer

import (
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/resto_analytics/models"
	"github.com/shopspring/decimal"
)

// Categories excluded from analytics entirely. These are bar/retail/pass-through
// lines that distort menu analysis; their rows are dropped before persistence
// and counted on the job.
var excludeCategories = map[string]struct{}{
	"Spirits":          {},
	"MIXERS":           {},
	"Extras":           {},
	"Pour Over Bar":    {},
	"Retail Beans":     {},
	"Merchandise":      {},
	"Breakage/Corkage": {},
	"Online- Food":     {},
	"Online- Drinks":   {},
	"Water":            {},
	"Wine":             {},
	"Wine: Glass":      {},
	"Beers":            {},
	"Cocktails":        {},
	"Events":           {},
	"Foodpanda/Grab":   {},
	"Party Tray":       {},
}

const MacroCategoryOther = "OTHER"

// Raw point-of-sale categories collapse onto a six-bucket taxonomy. Anything
// unmapped lands in OTHER rather than failing.
var macroCategoryMap = map[string]string{
	"All Day Brunch": "FOOD",
	"Rice Bowls":     "FOOD",
	"Pasta":          "FOOD",
	"Sandwiches":     "FOOD",
	"Salads":         "FOOD",
	"Appetizers":     "FOOD",
	"Mains":          "FOOD",
	"Sides":          "FOOD",
	"Soups":          "FOOD",
	"Starters":       "FOOD",
	"Entrees":        "FOOD",
	"Snacks":         "FOOD",
	"Breakfast":      "FOOD",
	"Lunch":          "FOOD",
	"Dinner":         "FOOD",

	"Espresso Bar":     "BEVERAGE",
	"Coffee Creations": "BEVERAGE",
	"Non Coffee":       "BEVERAGE",
	"Tea":              "BEVERAGE",
	"Juices":           "BEVERAGE",
	"Smoothies":        "BEVERAGE",
	"Cold Drinks":      "BEVERAGE",
	"Hot Drinks":       "BEVERAGE",
	"Soft Drinks":      "BEVERAGE",

	"Cocktails":   "ALCOHOL",
	"Wine":        "ALCOHOL",
	"Wine: Glass": "ALCOHOL",
	"Beers":       "ALCOHOL",
	"Spirits":     "ALCOHOL",

	"Sweets":   "SWEETS",
	"Pastries": "SWEETS",
	"Desserts": "SWEETS",
	"Cakes":    "SWEETS",

	"Retail Beans": "RETAIL",
	"Merchandise":  "RETAIL",

	"Extras":           "OTHER",
	"MIXERS":           "OTHER",
	"Events":           "OTHER",
	"Foodpanda/Grab":   "OTHER",
	"Party Tray":       "OTHER",
	"Breakage/Corkage": "OTHER",
	"Online- Food":     "OTHER",
	"Online- Drinks":   "OTHER",
	"Water":            "OTHER",
	"Pour Over Bar":    "OTHER",
}

func IsExcludedCategory(category string) bool {
	_, ok := excludeCategories[category]
	return ok
}

func MacroCategory(category string) string {
	if category == "" {
		return MacroCategoryOther
	}
	if macro, ok := macroCategoryMap[category]; ok {
		return macro
	}
	return MacroCategoryOther
}

// AllocateServiceCharge distributes the receipt-level service charge to one
// line in proportion to that line's share of the receipt subtotal, rounded
// to 2 decimal places.
func AllocateServiceCharge(itemSubtotal, receiptSubtotal, receiptServiceCharge decimal.Decimal) decimal.Decimal {
	if receiptSubtotal.Sign() <= 0 {
		return decimal.Zero
	}
	return itemSubtotal.Mul(receiptServiceCharge).Div(receiptSubtotal).Round(2)
}

// ReceiptTotals carries the per-receipt figures the allocation needs: the sum
// of item-row subtotals and the sum of the Service Charge column over
// "Service Charge" rows.
type ReceiptTotals struct {
	Subtotals      map[string]decimal.Decimal
	ServiceCharges map[string]decimal.Decimal
}

func ComputeReceiptTotals(rows []*Row) ReceiptTotals {
	totals := ReceiptTotals{
		Subtotals:      make(map[string]decimal.Decimal),
		ServiceCharges: make(map[string]decimal.Decimal),
	}
	for _, row := range rows {
		if row.Err != nil || row.ReceiptNumber == "" {
			continue
		}
		switch row.Kind {
		case RowKindItem:
			if row.HasSubtotal {
				totals.Subtotals[row.ReceiptNumber] = totals.Subtotals[row.ReceiptNumber].Add(row.Subtotal)
			}
		case RowKindServiceCharge:
			totals.ServiceCharges[row.ReceiptNumber] = totals.ServiceCharges[row.ReceiptNumber].Add(row.ServiceCharge)
		}
	}
	return totals
}

var (
	errMissingSubtotal  = errors.New("missing subtotal")
	errMissingTimestamp = errors.New("missing or unparseable timestamp")
	errMissingReceipt   = errors.New("missing receipt number")
)

// BuildTransaction turns one item row into a fact-row candidate. Category
// exclusion is the caller's concern (checked before building); this function
// rejects rows that cannot form a valid fact: no subtotal means the parse
// went wrong upstream, and the dedup key needs both receipt number and
// timestamp.
func BuildTransaction(row *Row, totals ReceiptTotals) (*models.Transaction, error) {
	if !row.HasSubtotal {
		return nil, errMissingSubtotal
	}
	if !row.HasTimestamp {
		return nil, errMissingTimestamp
	}
	if row.ReceiptNumber == "" {
		return nil, errMissingReceipt
	}

	quantity := row.Quantity
	if quantity < 1 {
		quantity = 1
	}

	// The export has no reliable unit price column; derive it.
	unitPrice := row.UnitPrice
	if unitPrice.IsZero() {
		unitPrice = row.Subtotal.Div(decimal.NewFromInt(int64(quantity))).Round(4)
	}

	// Discount is stored non-positive so the revenue identity is a plain sum.
	discount := row.Discount
	if discount.Sign() > 0 {
		discount = discount.Neg()
	}

	allocatedSC := AllocateServiceCharge(
		row.Subtotal,
		totals.Subtotals[row.ReceiptNumber],
		totals.ServiceCharges[row.ReceiptNumber],
	)

	gross := row.Subtotal.Add(row.Tax).Add(allocatedSC).Add(discount)

	local := row.Timestamp.In(sourceLocation)
	businessDate := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)

	return &models.Transaction{
		ReceiptNumber:    row.ReceiptNumber,
		ItemName:         row.ItemName,
		ReceiptTimestamp: row.Timestamp,
		Category:         row.Category,
		MacroCategory:    MacroCategory(row.Category),
		StoreName:        row.StoreName,
		Quantity:         quantity,
		UnitPrice:        unitPrice,
		Subtotal:         row.Subtotal,
		Tax:              row.Tax,
		ServiceCharge:    allocatedSC,
		Discount:         discount,
		GrossRevenue:     gross,
		BusinessDate:     businessDate,
		DayOfWeek:        mondayIndexedWeekday(local.Weekday()),
		LocalHour:        local.Hour(),
		SourceRowNumber:  row.RowNumber,
	}, nil
}

// mondayIndexedWeekday maps Go's Sunday-first weekday to 0=Monday .. 6=Sunday.
func mondayIndexedWeekday(d time.Weekday) int {
	return (int(d) + 6) % 7
}
