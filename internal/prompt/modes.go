package prompt

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadModes merges mode overrides from a YAML file over the defaults. An
// empty path returns the defaults untouched.
//
// File shape:
//
//	modes:
//	  rag:
//	    system: "..."
//	    include_thoughts: true
//	    model: gemini-2.5-pro
func LoadModes(path string) (map[string]Mode, error) {
	modes := Defaults()
	if path == "" {
		return modes, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read modes file %s: %w", path, err)
	}
	var file struct {
		Modes map[string]Mode `yaml:"modes"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse modes file %s: %w", path, err)
	}
	for name, override := range file.Modes {
		base, ok := modes[name]
		if !ok {
			base = Mode{Name: name}
		}
		if override.System != "" {
			base.System = override.System
		}
		if override.Model != "" {
			base.Model = override.Model
		}
		base.IncludeThoughts = override.IncludeThoughts
		base.EnableSearch = override.EnableSearch
		modes[name] = base
	}
	return modes, nil
}
