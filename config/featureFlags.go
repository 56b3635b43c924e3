package config

import (
	"os"
	"strings"
)

// EmitImportEvents controls whether import-job completion events are published
// to Pub/Sub for downstream consumers (anomaly scan, weekly reports).
//
// Set via env:
// - EMIT_IMPORT_EVENTS=true
func EmitImportEvents() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("EMIT_IMPORT_EVENTS")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// RequireTenantImportLock upgrades the per-tenant import lock from best-effort
// to mandatory: uploads are rejected while another job holds the lock instead
// of proceeding and relying on the stale-job sweep.
//
// Set via env:
// - REQUIRE_TENANT_IMPORT_LOCK=true
func RequireTenantImportLock() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("REQUIRE_TENANT_IMPORT_LOCK")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
