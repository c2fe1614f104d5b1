package config

import (
	"os"
	"strings"
)

// EnvBool reads a boolean env var. Accepts true/false, 1/0, yes/no, y/n, on/off.
func EnvBool(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

// SalesSyncPushEnabled gates the Pub/Sub push endpoint of the sync service.
//
// Set via env:
// - ENABLE_SALES_SYNC_PUSH_ENDPOINT=false
func SalesSyncPushEnabled() bool {
	return EnvBool("ENABLE_SALES_SYNC_PUSH_ENDPOINT", true)
}

// ProviderEnabled reports whether a POS provider may be synced at all.
//
// Set via env:
// - SALES_SYNC_DISABLED_PROVIDERS="square,toast"
//
// Provider keys are case-insensitive.
func ProviderEnabled(provider string) bool {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return false
	}
	raw := os.Getenv("SALES_SYNC_DISABLED_PROVIDERS")
	for _, part := range strings.Split(raw, ",") {
		if strings.ToLower(strings.TrimSpace(part)) == provider {
			return false
		}
	}
	return true
}
