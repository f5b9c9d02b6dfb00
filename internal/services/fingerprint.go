package services

import (
	"fmt"
	"sort"
	"strings"

	"matteragent/internal/models"
)

// Fingerprint captures the effective tool configuration of an agent: the
// deduplicated preset selection (order-insensitive), the custom endpoints
// in request order, and the app the agent was built for. Two requests with
// equal fingerprints can share one cached agent.
type Fingerprint struct {
	presets []string
	custom  []models.CustomToolConfig
	appName string
}

// NewFingerprint normalizes a request's tool selection into a comparable
// fingerprint. Preset order and duplicates do not matter; custom endpoint
// order does, since the selection references them positionally.
func NewFingerprint(selected []string, custom []models.CustomToolConfig, appName string) Fingerprint {
	seen := make(map[string]bool, len(selected))
	presets := make([]string, 0, len(selected))
	for _, id := range selected {
		if seen[id] {
			continue
		}
		seen[id] = true
		presets = append(presets, id)
	}
	sort.Strings(presets)

	customCopy := make([]models.CustomToolConfig, len(custom))
	copy(customCopy, custom)

	return Fingerprint{presets: presets, custom: customCopy, appName: appName}
}

// Equal reports whether two fingerprints describe the same agent
// configuration.
func (f Fingerprint) Equal(other Fingerprint) bool {
	if f.appName != other.appName {
		return false
	}
	if len(f.presets) != len(other.presets) || len(f.custom) != len(other.custom) {
		return false
	}
	for i := range f.presets {
		if f.presets[i] != other.presets[i] {
			return false
		}
	}
	for i := range f.custom {
		if f.custom[i].URL != other.custom[i].URL || f.custom[i].Transport != other.custom[i].Transport {
			return false
		}
	}
	return true
}

// AppName returns the app the fingerprint was taken for.
func (f Fingerprint) AppName() string {
	return f.appName
}

// String renders a short log-friendly form.
func (f Fingerprint) String() string {
	parts := make([]string, 0, len(f.custom))
	for _, ct := range f.custom {
		parts = append(parts, ct.Transport+":"+ct.URL)
	}
	return fmt.Sprintf("app=%s presets=[%s] custom=[%s]",
		f.appName, strings.Join(f.presets, ","), strings.Join(parts, ","))
}
