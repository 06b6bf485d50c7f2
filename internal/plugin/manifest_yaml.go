package plugin

import "gopkg.in/yaml.v3"

type manifestYAML struct {
	Types      []string `yaml:"types"`
	AutoBoot   bool     `yaml:"autoBoot"`
	MachPrefix string   `yaml:"machPrefix"`
}

// decodeManifestYAML decodes a plugin manifest, falling back to sensible
// defaults (auto-boot off, no declared types) on a malformed file rather than
// failing discovery outright — a single bad plugin manifest should not take
// down the loader, matching the boot-time leniency spec.md §7 asks for
// elsewhere in the daemon.
func decodeManifestYAML(data []byte, name string) Manifest {
	var raw manifestYAML
	_ = yaml.Unmarshal(data, &raw)

	types := make([]Type, 0, len(raw.Types))
	for _, t := range raw.Types {
		types = append(types, Type(t))
	}
	prefix := raw.MachPrefix
	if prefix == "" {
		prefix = "com.kestrel"
	}
	return Manifest{
		Name:       name,
		Types:      types,
		AutoBoot:   raw.AutoBoot,
		MachPrefix: prefix,
	}
}
