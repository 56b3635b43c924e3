package utils

import (
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/resto_analytics/config"
)

// Dashboard responses are cached under keys that embed a per-tenant version
// number. Bumping the version after a summary refresh invalidates every cached
// aggregate for that tenant without enumerating keys.

func cacheVersionKey(tenantId string) string {
	return "CacheVersion:" + tenantId
}

func GetCacheVersion(tenantId string) string {
	val, ok, err := config.GetRedisValue(cacheVersionKey(tenantId))
	if err != nil || !ok {
		return "0"
	}
	return val
}

func BumpCacheVersion(tenantId string) error {
	return config.IncrRedisKey(cacheVersionKey(tenantId))
}

// DashboardCacheKey builds a versioned cache key for a tenant-scoped query.
func DashboardCacheKey(prefix string, tenantId string, parts ...string) string {
	key := fmt.Sprintf("%s:v%s:%s", prefix, GetCacheVersion(tenantId), tenantId)
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

func CacheShortTTL() time.Duration {
	return 30 * time.Second
}
