// Package agents implements the agent registry and the bundle lifecycle.
//
// Agents are a two-phase construct: installed (bundle files present,
// manifest parseable) and active (slug in the persisted active set and
// instantiated this process). The registry exclusively owns each live
// instance for the process lifetime.
package agents

import (
	"context"

	"github.com/pageforge/pageforge/agent-engine/pkg/models"
)

// ManifestAgent is the default Agent built straight from a bundle
// manifest: system prompt and tool definitions come from the manifest,
// tool execution falls through to the core set. Bundles that need custom
// behavior register a factory instead.
type ManifestAgent struct {
	manifest models.AgentManifest
}

// NewManifestAgent wraps a manifest as a live agent.
func NewManifestAgent(m models.AgentManifest) *ManifestAgent {
	return &ManifestAgent{manifest: m}
}

func (a *ManifestAgent) ID() string          { return a.manifest.Slug }
func (a *ManifestAgent) Name() string        { return a.manifest.Name }
func (a *ManifestAgent) Description() string { return a.manifest.Description }

func (a *ManifestAgent) SystemPrompt() string { return a.manifest.SystemPrompt }

func (a *ManifestAgent) Tools() []models.ToolDefinition {
	defs := make([]models.ToolDefinition, 0, len(a.manifest.Tools))
	for _, t := range a.manifest.Tools {
		defs = append(defs, models.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return defs
}

func (a *ManifestAgent) RequiredCapabilities() []string {
	return a.manifest.RequiredCapabilities
}

// ExecuteTool never handles anything itself; every call resolves through
// the core tool set.
func (a *ManifestAgent) ExecuteTool(ctx context.Context, name string, args map[string]interface{}, identity models.Identity) (map[string]interface{}, bool, error) {
	return nil, false, nil
}

func (a *ManifestAgent) Cleanup(ctx context.Context) error { return nil }
