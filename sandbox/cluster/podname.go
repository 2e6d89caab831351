package cluster

import "strings"

const podNamePrefix = "sandboxd-exec-"

// generatePodName produces a DNS-label-safe pod name from a random UUID
// handle: the prefix plus the first 12 hex characters with hyphens
// stripped.
func generatePodName(handle string) string {
	hex := strings.ReplaceAll(handle, "-", "")
	if len(hex) > 12 {
		hex = hex[:12]
	}
	return podNamePrefix + hex
}
