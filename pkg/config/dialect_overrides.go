package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/blackholio/client-go/core"
	"github.com/blackholio/client-go/pkg/utils"
)

// dialectOverrideFile is the YAML shape of a rename-override file:
//
//	dialects:
//	  A+:
//	    base: A
//	    renames:
//	      player:
//	        score: points
//
// Each entry registers a derived adapter under its own name, so
// SERVER_LANGUAGE can select it like any built-in dialect.
type dialectOverrideFile struct {
	Dialects map[string]struct {
		Base    string                       `yaml:"base"`
		Renames map[string]map[string]string `yaml:"renames"`
	} `yaml:"dialects"`
}

// LoadDialectOverrides reads a rename-override file and registers one
// derived adapter per entry. Returns the names registered.
func LoadDialectOverrides(path string) ([]string, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, utils.Wrap(err, "config: read dialect overrides")
	}
	var file dialectOverrideFile
	if err := yaml.Unmarshal(blob, &file); err != nil {
		return nil, utils.Wrap(err, "config: parse dialect overrides")
	}
	names := make([]string, 0, len(file.Dialects))
	for name, entry := range file.Dialects {
		adapter, err := core.NewDerivedAdapter(core.DialectName(name), core.DialectName(entry.Base), entry.Renames)
		if err != nil {
			return nil, utils.Wrap(err, "config: derive dialect "+name)
		}
		core.RegisterAdapter(adapter)
		names = append(names, name)
	}
	return names, nil
}
