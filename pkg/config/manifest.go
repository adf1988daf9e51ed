package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentSpec declares one co-located agent a node process should host
// (§1.1: "a single node process hosting one or more co-located agents").
type AgentSpec struct {
	DID        string `yaml:"did"`
	PackMode   string `yaml:"pack_mode,omitempty"`   // parsed but not read by tapnode serve, which packs every agent plain
	Policy     string `yaml:"policy,omitempty"`      // "allow-all" | "deny-all" (default); "cel" requires PolicyExpr
	PolicyExpr string `yaml:"policy_expr,omitempty"` // CEL expression, required when Policy is "cel"

	// Bridge optionally spawns one external decision bridge child
	// dedicated to this agent (§4.G).
	Bridge *BridgeSpec `yaml:"bridge,omitempty"`
}

// BridgeSpec declares the child process an agent's decision bridge spawns.
type BridgeSpec struct {
	Command          string        `yaml:"command"`
	Args             []string      `yaml:"args,omitempty"`
	SubscriptionMode string        `yaml:"subscription_mode,omitempty"` // "decisions" (default) or "all"
	TokenTTL         time.Duration `yaml:"token_ttl,omitempty"`
}

// Manifest is the top-level shape of a node's agent registration file.
type Manifest struct {
	Agents []AgentSpec `yaml:"agents"`
}

// LoadManifest reads and parses an agent registration manifest. It
// mirrors the teacher's own config.LoadProfile: read the file, unmarshal
// with gopkg.in/yaml.v3, wrap any error with the path for context.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read manifest %q: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("config: parse manifest %q: %w", path, err)
	}
	if len(m.Agents) == 0 {
		return nil, fmt.Errorf("config: manifest %q declares no agents", path)
	}
	for i, a := range m.Agents {
		if a.DID == "" {
			return nil, fmt.Errorf("config: manifest %q: agents[%d] missing did", path, i)
		}
	}
	return &m, nil
}
