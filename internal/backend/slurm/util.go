package slurm

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"site-agent-go/internal/config"
)

var accountNamePattern = regexp.MustCompile(`[^a-zA-Z0-9-_]+`)

// sanitizeAccountName strips characters the accounting subsystem rejects,
// lowercases the result and caps its length.
func sanitizeAccountName(name string, maxLength int) string {
	sanitized := accountNamePattern.ReplaceAllString(strings.ToLower(name), "")
	if maxLength > 0 && len(sanitized) > maxLength {
		sanitized = sanitized[:maxLength]
	}
	return sanitized
}

// monthWindow returns the first and last day of t's month as YYYY-MM-DD.
func monthWindow(t time.Time) (string, string) {
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	end := start.AddDate(0, 1, -1)
	return start.Format("2006-01-02"), end.Format("2006-01-02")
}

// toWaldurUnits converts a native value to control-plane units using the
// component's unit factor. Usage values keep two decimals, limit reads are
// truncated to integers.
func toWaldurUnits(component config.Component, value float64, toInt bool) float64 {
	factor := component.UnitFactor
	if factor < 1 {
		factor = 1
	}
	converted := value / float64(factor)
	if toInt {
		return math.Trunc(converted)
	}
	return math.Round(converted*100) / 100
}

// toNativeUnits converts a control-plane value to native cluster units.
func toNativeUnits(component config.Component, value int64) int64 {
	factor := component.UnitFactor
	if factor < 1 {
		factor = 1
	}
	return value * factor
}

// usageBasedLimits returns the default native-unit limits granted to
// usage-based components on resource creation.
func usageBasedLimits(components map[string]config.Component) map[string]int64 {
	limits := make(map[string]int64)
	for name, component := range components {
		if component.AccountingType == config.AccountingTypeUsage {
			limits[name] = toNativeUnits(component, component.DefaultLimit)
		}
	}
	return limits
}

// sumInto adds src into dst component-wise.
func sumInto(dst, src map[string]int64) {
	for component, value := range src {
		dst[component] += value
	}
}

// formatLimits renders native limits as the comma-separated key=value list
// the accounting subsystem expects, with deterministic key order.
func formatLimits(limits map[string]int64) string {
	names := make([]string, 0, len(limits))
	for name := range limits {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, fmt.Sprintf("%s=%d", name, limits[name]))
	}
	return strings.Join(pairs, ",")
}
