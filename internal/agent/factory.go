package agent

import (
	"log"
	"net/http"
	"time"

	"matteragent/internal/tools"
)

// Factory builds agents for a given app with a resolved tool selection.
// Tool endpoint failures never abort a build: the agent comes up with
// whatever endpoints connected.
type Factory struct {
	registry       *tools.Registry
	model          ModelBinding
	connectTimeout time.Duration
	readTimeout    time.Duration
}

func NewFactory(registry *tools.Registry, model ModelBinding, connectTimeout, readTimeout time.Duration) *Factory {
	return &Factory{
		registry:       registry,
		model:          model,
		connectTimeout: connectTimeout,
		readTimeout:    readTimeout,
	}
}

// Build connects the given tool endpoints and assembles a ready agent for
// appName. Unknown apps fall back to the default app configuration inside
// the registry.
func (f *Factory) Build(appName string, descriptors []tools.Descriptor) (*Agent, error) {
	app := f.registry.App(appName)

	servers := connectAll(descriptors, f.connectTimeout)

	toolIndex := make(map[string]*toolServer)
	var specs []map[string]interface{}
	for _, server := range servers {
		for _, def := range server.tools {
			if _, exists := toolIndex[def.Name]; exists {
				log.Printf("⚠️ Duplicate tool name %q, keeping first endpoint", def.Name)
				continue
			}
			toolIndex[def.Name] = server
			specs = append(specs, functionSpec(def))
		}
	}

	log.Printf("🤖 Built agent for app %s: %d endpoints, %d tools", appName, len(servers), len(toolIndex))

	return &Agent{
		appName:      appName,
		label:        app.Label,
		systemPrompt: app.SystemPrompt,
		model:        f.model,
		servers:      servers,
		toolIndex:    toolIndex,
		specs:        specs,
		httpClient: &http.Client{
			Timeout: f.readTimeout,
		},
		readTimeout: f.readTimeout,
	}, nil
}
