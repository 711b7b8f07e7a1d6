package prompt

import (
	"bytes"
	"fmt"
	"io/fs"
	"slices"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Preset is a named prompt template loaded from YAML. Part texts are text/template sources executed
// against the variables passed to Template; a part with a When key is only included when that variable
// is non-empty.
type Preset struct {
	Name           string       `yaml:"name"`
	Description    string       `yaml:"description"`
	Format         string       `yaml:"format"`
	System         []presetPart `yaml:"system"`
	User           []presetPart `yaml:"user"`
	PrefixResponse string       `yaml:"prefixResponse"`
	Grammar        string       `yaml:"grammar"`
	Params         PresetParams `yaml:"params"`
}

// PresetParams are generation defaults attached to a preset.
type PresetParams struct {
	Temperature float64  `yaml:"temperature"`
	MaxTokens   int      `yaml:"maxTokens"`
	Stop        []string `yaml:"stop"`
}

type presetPart struct {
	Str  string `yaml:"str"`
	Pre  string `yaml:"pre"`
	Suf  string `yaml:"suf"`
	When string `yaml:"when"`
}

// Presets is a set of presets indexed by name.
type Presets map[string]Preset

// LoadPresets decodes every file matching pattern in fsys. Duplicate names are an error.
func LoadPresets(fsys fs.FS, pattern string) (Presets, error) {
	files, err := fs.Glob(fsys, pattern)
	if err != nil {
		return nil, fmt.Errorf("error globbing presets: %w", err)
	}

	presets := make(Presets, len(files))
	for _, file := range files {
		data, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("error reading preset %s: %w", file, err)
		}
		var p Preset
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("error decoding preset %s: %w", file, err)
		}
		if p.Name == "" {
			return nil, fmt.Errorf("preset %s has no name", file)
		}
		if _, ok := presets[p.Name]; ok {
			return nil, fmt.Errorf("duplicate preset %q in %s", p.Name, file)
		}
		presets[p.Name] = p
	}
	return presets, nil
}

// Names returns the preset names, sorted.
func (ps Presets) Names() []string {
	names := make([]string, 0, len(ps))
	for name := range ps {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Template fills the preset with vars.
func (p Preset) Template(vars map[string]string) (Template, error) {
	user, err := fillParts(p.User, vars)
	if err != nil {
		return Template{}, fmt.Errorf("preset %s: %w", p.Name, err)
	}
	system, err := fillParts(p.System, vars)
	if err != nil {
		return Template{}, fmt.Errorf("preset %s: %w", p.Name, err)
	}
	return Template{
		User:           user,
		System:         system,
		PrefixResponse: p.PrefixResponse,
		Grammar:        p.Grammar,
	}, nil
}

func fillParts(parts []presetPart, vars map[string]string) ([]Part, error) {
	out := make([]Part, 0, len(parts))
	for i, pp := range parts {
		tmpl, err := template.New(fmt.Sprintf("part%d", i)).Option("missingkey=zero").Parse(pp.Str)
		if err != nil {
			return nil, fmt.Errorf("error parsing part %d: %w", i, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, vars); err != nil {
			return nil, fmt.Errorf("error executing part %d: %w", i, err)
		}
		out = append(out, Part{
			Text:   buf.String(),
			Prefix: pp.Pre,
			Suffix: pp.Suf,
			Skip:   pp.When != "" && vars[pp.When] == "",
		})
	}
	return out, nil
}
