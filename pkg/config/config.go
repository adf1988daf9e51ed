// Package config holds tapnode's environment-driven process configuration
// and the optional YAML manifest that declares the set of co-located
// agents a single node process hosts (§1.1, §2.1).
package config

import "os"

// Config holds tapnode server configuration, read from the environment
// with the same default-on-empty idiom as the teacher's own config.Load.
type Config struct {
	Root        string
	Listen      string
	LogLevel    string
	BridgeCmd   string
	BridgeArgs  string
	ManifestDir string
}

// Load reads Config from the environment, applying defaults for anything
// unset.
func Load() *Config {
	root := os.Getenv("TAPNODE_ROOT")
	if root == "" {
		root = "./data"
	}

	listen := os.Getenv("TAPNODE_LISTEN")
	if listen == "" {
		listen = ":8443"
	}

	logLevel := os.Getenv("TAPNODE_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	return &Config{
		Root:        root,
		Listen:      listen,
		LogLevel:    logLevel,
		BridgeCmd:   os.Getenv("TAPNODE_BRIDGE_CMD"),
		BridgeArgs:  os.Getenv("TAPNODE_BRIDGE_ARGS"),
		ManifestDir: os.Getenv("TAPNODE_MANIFEST_DIR"),
	}
}
