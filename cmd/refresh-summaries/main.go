package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/resto_analytics/config"
	"bitbucket.org/mmdatafocus/resto_analytics/importer"
	"bitbucket.org/mmdatafocus/resto_analytics/models"
	"bitbucket.org/mmdatafocus/resto_analytics/utils"
)

// Rebuilds the summary tables outside the normal post-import trigger. With no
// --tenant-id it walks every tenant that has fact rows.
func main() {
	tenantID := flag.String("tenant-id", "", "Optional: tenant id (uuid); default all tenants with data")
	dryRun := flag.Bool("dry-run", false, "List tenants that would be refreshed without touching data")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	config.ConnectRedisWithRetry()

	ctx := utils.SetSkipTenantScopeInContext(context.Background(), true)

	var tenantIds []string
	if strings.TrimSpace(*tenantID) != "" {
		if _, err := models.GetTenantById(ctx, db, *tenantID); err != nil {
			fmt.Fprintf(os.Stderr, "tenant %s not found: %v\n", *tenantID, err)
			os.Exit(1)
		}
		tenantIds = []string{*tenantID}
	} else {
		var err error
		tenantIds, err = models.ListTenantIdsWithTransactions(ctx, db)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list tenants: %v\n", err)
			os.Exit(1)
		}
	}

	if len(tenantIds) == 0 {
		fmt.Println("no tenants with transaction data")
		return
	}
	fmt.Printf("refreshing summaries for %d tenant(s)\n", len(tenantIds))
	if *dryRun {
		for _, id := range tenantIds {
			fmt.Printf("  would refresh %s\n", id)
		}
		return
	}

	failed := 0
	for _, id := range tenantIds {
		start := time.Now()
		tenantCtx := utils.SetTenantIdInContext(ctx, id)
		stats, err := importer.RefreshSummaries(tenantCtx, db, id)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "  %s: FAILED: %v\n", id, err)
			continue
		}
		fmt.Printf("  %s: hourly=%d pairs=%d branch=%d (%.1fs)\n",
			id, stats.HourlyRows, stats.PairRows, stats.BranchRows, time.Since(start).Seconds())
	}
	if failed > 0 {
		os.Exit(1)
	}
}
