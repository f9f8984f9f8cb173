package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Voice is one selectable TTS voice
type Voice struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Language string `yaml:"language"`
	Speaker  string `yaml:"speaker"` // backend speaker identifier; defaults to ID
}

// VoiceCatalog maps the voice ids the UI offers to backend speakers
type VoiceCatalog struct {
	Default string  `yaml:"default"`
	Voices  []Voice `yaml:"voices"`

	byID map[string]Voice
}

// LoadVoiceCatalog reads the YAML voice catalog at path. An empty path yields
// an empty catalog, so lookups fall through to DEFAULT_VOICE.
func LoadVoiceCatalog(path string) (*VoiceCatalog, error) {
	if path == "" {
		return &VoiceCatalog{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open voice catalog %q: %w", path, err)
	}
	defer f.Close()

	catalog, err := LoadVoiceCatalogFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse voice catalog %q: %w", path, err)
	}
	return catalog, nil
}

// LoadVoiceCatalogFromReader decodes and validates a catalog from r
func LoadVoiceCatalogFromReader(r io.Reader) (*VoiceCatalog, error) {
	catalog := &VoiceCatalog{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(catalog); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := catalog.validate(); err != nil {
		return nil, err
	}
	return catalog, nil
}

func (vc *VoiceCatalog) validate() error {
	var errs []error
	vc.byID = make(map[string]Voice, len(vc.Voices))
	for i, v := range vc.Voices {
		if v.ID == "" {
			errs = append(errs, fmt.Errorf("voices[%d].id is required", i))
			continue
		}
		if _, dup := vc.byID[v.ID]; dup {
			errs = append(errs, fmt.Errorf("voices[%d].id %q is a duplicate", i, v.ID))
			continue
		}
		if v.Speaker == "" {
			v.Speaker = v.ID
			vc.Voices[i] = v
		}
		vc.byID[v.ID] = v
	}
	if vc.Default != "" {
		if _, ok := vc.byID[vc.Default]; !ok {
			errs = append(errs, fmt.Errorf("default voice %q is not in the catalog", vc.Default))
		}
	}
	return errors.Join(errs...)
}

// Lookup returns the voice with the given id
func (vc *VoiceCatalog) Lookup(id string) (Voice, bool) {
	if vc == nil {
		return Voice{}, false
	}
	v, ok := vc.byID[id]
	return v, ok
}

// Resolve maps a requested voice id to the backend speaker. An empty id uses
// the catalog default, then fallback. Ids missing from the catalog are passed
// through unchanged.
func (vc *VoiceCatalog) Resolve(id, fallback string) string {
	if id == "" && vc != nil {
		id = vc.Default
	}
	if id == "" {
		id = fallback
	}
	if v, ok := vc.Lookup(id); ok {
		return v.Speaker
	}
	return id
}
