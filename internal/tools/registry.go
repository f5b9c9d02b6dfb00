package tools

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Supported MCP transports
const (
	TransportHTTP = "http"
	TransportSSE  = "sse"
)

// DefaultApp is the application namespace used when a request names no app
// or names an unknown one.
const DefaultApp = "default"

// Endpoint describes a preset MCP tool server.
type Endpoint struct {
	Name      string `yaml:"name"`
	URL       string `yaml:"url"`
	Transport string `yaml:"transport"`
}

// AppConfig is the per-application agent configuration: a display label, a
// system prompt and the application's own preset tool table.
type AppConfig struct {
	Label        string              `yaml:"label"`
	SystemPrompt string              `yaml:"system_prompt"`
	Tools        map[string]Endpoint `yaml:"tools"`
}

type registryFile struct {
	Apps    map[string]AppConfig `yaml:"apps"`
	Presets map[string]Endpoint  `yaml:"presets"`
}

// Registry holds the application and global preset tool tables.
// It is safe for concurrent use; Reload swaps the tables atomically.
type Registry struct {
	mu      sync.RWMutex
	path    string
	apps    map[string]AppConfig
	presets map[string]Endpoint

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRegistry loads the registry from a YAML file. A missing file is not
// fatal: the registry starts with only the built-in default app.
func NewRegistry(path string) *Registry {
	r := &Registry{
		path:    path,
		apps:    map[string]AppConfig{},
		presets: map[string]Endpoint{},
		done:    make(chan struct{}),
	}
	if err := r.Reload(); err != nil {
		log.Printf("⚠️ Could not load app registry from %s: %v (using built-in default)", path, err)
	}
	return r
}

// Reload re-reads the registry file and swaps the tables.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("failed to read registry file: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse registry YAML: %w", err)
	}

	if file.Apps == nil {
		file.Apps = map[string]AppConfig{}
	}
	if file.Presets == nil {
		file.Presets = map[string]Endpoint{}
	}

	r.mu.Lock()
	r.apps = file.Apps
	r.presets = file.Presets
	r.mu.Unlock()

	log.Printf("✅ App registry loaded: %d apps, %d global presets", len(file.Apps), len(file.Presets))
	return nil
}

// App returns the configuration for an application namespace, falling back
// to the "default" entry when the namespace is unknown.
func (r *Registry) App(name string) AppConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.apps[name]; ok {
		return cfg
	}
	if cfg, ok := r.apps[DefaultApp]; ok {
		return cfg
	}
	return AppConfig{
		Label:        "MatterAI",
		SystemPrompt: "You are MatterAI, a materials-science research assistant. Answer precisely and cite tool results when you used them.",
	}
}

// Preset looks up a preset tool id in the application's own table first,
// then in the global preset table.
func (r *Registry) Preset(appName, toolID string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.apps[appName]; ok {
		if ep, ok := cfg.Tools[toolID]; ok {
			return ep, true
		}
	}
	ep, ok := r.presets[toolID]
	return ep, ok
}

// Watch starts a background watcher that reloads the registry whenever the
// file changes. Stop the registry to stop the watcher.
func (r *Registry) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create registry watcher: %w", err)
	}
	// Watch the directory: editors replace the file, which drops a watch
	// on the file itself.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch registry directory: %w", err)
	}
	r.watcher = watcher

	go func() {
		for {
			select {
			case <-r.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(r.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				log.Printf("🔄 App registry file changed, reloading...")
				if err := r.Reload(); err != nil {
					log.Printf("⚠️ Registry reload failed: %v (keeping previous tables)", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("⚠️ Registry watcher error: %v", err)
			}
		}
	}()

	log.Printf("👀 Watching app registry file: %s", r.path)
	return nil
}

// Stop stops the file watcher.
func (r *Registry) Stop() {
	close(r.done)
	if r.watcher != nil {
		r.watcher.Close()
	}
}
