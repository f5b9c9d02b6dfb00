package tools

import (
	"log"
	"strings"

	"matteragent/internal/models"
)

// Descriptor is a concrete remote-tool connection: where to dial, how, and
// with which caller credential attached.
type Descriptor struct {
	Name      string
	URL       string
	Transport string
	Headers   map[string]string
}

// Resolver turns requested tool identifiers into connection descriptors.
// It is stateless; all tables live in the registry.
type Resolver struct {
	registry *Registry
}

// NewResolver creates a resolver backed by the given registry.
func NewResolver(registry *Registry) *Resolver {
	return &Resolver{registry: registry}
}

// ResolvePreset resolves a "preset-*" tool id against the application's
// tool table, falling back to the global preset table. Returns nil when the
// id is unknown in both: the caller logs and continues without the tool.
func (r *Resolver) ResolvePreset(toolID, appName, userID string) *Descriptor {
	ep, ok := r.registry.Preset(appName, strings.TrimPrefix(toolID, "preset-"))
	if !ok {
		log.Printf("⚠️ Tool %s has no configuration in app %s or the global table", toolID, appName)
		return nil
	}
	return r.describe(ep.Name, ep.URL, ep.Transport, userID)
}

// ResolveCustom validates a caller-supplied endpoint. Returns nil when the
// URL is missing or the transport is unsupported.
func (r *Resolver) ResolveCustom(tool models.CustomToolConfig, userID string) *Descriptor {
	if tool.URL == "" || tool.Transport == "" {
		log.Printf("❌ Custom tool missing required fields: url=%q transport=%q", tool.URL, tool.Transport)
		return nil
	}
	if tool.Transport != TransportHTTP && tool.Transport != TransportSSE {
		log.Printf("❌ Custom tool has unsupported transport %q (want http or sse)", tool.Transport)
		return nil
	}
	return r.describe(tool.URL, tool.URL, tool.Transport, userID)
}

// ResolveSelection resolves an ordered tool selection into descriptors.
// "custom-*" entries are correlated to the parallel custom list by counting
// prior custom entries in the selection, not by the identifier's suffix.
// Failed resolutions are dropped; an empty result is a valid outcome.
func (r *Resolver) ResolveSelection(selected []string, custom []models.CustomToolConfig, appName, userID string) []Descriptor {
	var descriptors []Descriptor
	customSeen := 0

	for _, toolID := range selected {
		switch {
		case strings.HasPrefix(toolID, "preset-"):
			if d := r.ResolvePreset(toolID, appName, userID); d != nil {
				descriptors = append(descriptors, *d)
				log.Printf("✅ Resolved preset tool %s for app %s", toolID, appName)
			}
		case strings.HasPrefix(toolID, "custom-"):
			index := customSeen
			customSeen++
			if index >= len(custom) {
				log.Printf("❌ Custom tool index out of range: %d (got %d custom tools)", index, len(custom))
				continue
			}
			if d := r.ResolveCustom(custom[index], userID); d != nil {
				descriptors = append(descriptors, *d)
				log.Printf("✅ Resolved custom tool %s (%s)", d.URL, d.Transport)
			}
		default:
			log.Printf("⚠️ Skipping unrecognized tool id %q", toolID)
		}
	}

	return descriptors
}

// describe builds a descriptor, annotating it with the caller identity so
// the remote endpoint can attribute calls to the correct user.
func (r *Resolver) describe(name, url, transport, userID string) *Descriptor {
	headers := map[string]string{}
	if userID != "" {
		headers["user_id"] = userID
	}
	return &Descriptor{
		Name:      name,
		URL:       url,
		Transport: transport,
		Headers:   headers,
	}
}
