package pipeline

import "agent-provisioner/pkg/config"

// Settings are the values the executor reads afresh for every host, so edits
// to the config file apply to the next execution.
type Settings struct {
	Agent             config.Agent
	SSH               config.SSH
	DefaultTemplateID string
	DefaultGroupID    string
	MarkerToken       string
}

type SettingsFunc func() Settings

// CurrentSettings reads the most recently loaded config.
func CurrentSettings() Settings {
	cfg := config.Current()
	if cfg == nil {
		return Settings{}
	}
	return settingsFrom(cfg)
}

func settingsFrom(cfg *config.Config) Settings {
	return Settings{
		Agent:             cfg.Agent,
		SSH:               cfg.SSH,
		DefaultTemplateID: cfg.Inventory.DefaultTemplateID,
		DefaultGroupID:    cfg.Inventory.DefaultGroupID,
		MarkerToken:       cfg.Inventory.MarkerToken,
	}
}
