package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"bitbucket.org/mmdatafocus/resto_analytics/config"
	"bitbucket.org/mmdatafocus/resto_analytics/importer"
	"bitbucket.org/mmdatafocus/resto_analytics/utils"
)

// Cron entrypoint: fail import jobs whose owning process died. The in-server
// sweeps (startup and pre-upload) cover the common cases; this catches the
// rest on a schedule.
func main() {
	tenantID := flag.String("tenant-id", "", "Optional: restrict the sweep to one tenant")
	timeoutMin := flag.Int("timeout-minutes", 0, "Optional: override IMPORT_STALE_TIMEOUT_MINUTES")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	timeout := importer.StaleTimeout()
	if *timeoutMin > 0 {
		timeout = time.Duration(*timeoutMin) * time.Minute
	}

	ctx := utils.SetSkipTenantScopeInContext(context.Background(), true)
	n, err := importer.ReapStaleJobs(ctx, db, *tenantID, timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("marked %d stale import job(s) failed (timeout %s)\n", n, timeout)
}
