package aiexperiments

import "embed"

// PresetFS contains the prompt presets bundled with the gateway. Each YAML file describes one named
// template made of user and system prompt parts, see the prompt package for the file layout.
//
//go:embed presets/*.yaml
var PresetFS embed.FS
