package middleware

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/guestmem/internal/memaddr"
)

// HexUint64 unmarshals a YAML scalar that is either a plain decimal
// integer or a "0x"-prefixed hex literal into a uint64, per spec §6's
// MemoryMap config format ("hex accepted with 0x prefix").
type HexUint64 uint64

func (h *HexUint64) UnmarshalYAML(value *yaml.Node) error {
	s := strings.TrimSpace(value.Value)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return fmt.Errorf("middleware: parse hex/decimal uint64 %q: %w", value.Value, err)
	}
	*h = HexUint64(v)
	return nil
}

// mapConfigEntry is the YAML shape of one MemoryMap section.
type mapConfigEntry struct {
	Base     HexUint64 `yaml:"base"`
	Size     HexUint64 `yaml:"size"`
	RealBase HexUint64 `yaml:"real_base"`
}

// LoadMemoryMapYAML parses a YAML mapping of named sections to
// {base, size, real_base} into an ordered memaddr.MemoryMap. Section
// names are accepted for readability but are not otherwise significant;
// entries are applied in document order, matching MemoryMap's
// first-match-wins semantics.
func LoadMemoryMapYAML(data []byte) (memaddr.MemoryMap, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return memaddr.MemoryMap{}, fmt.Errorf("middleware: parse memory map yaml: %w", err)
	}
	if len(doc.Content) == 0 {
		return memaddr.MemoryMap{}, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return memaddr.MemoryMap{}, fmt.Errorf("middleware: memory map yaml root must be a mapping")
	}

	var entries []memaddr.MappingEntry
	for i := 0; i+1 < len(root.Content); i += 2 {
		var e mapConfigEntry
		if err := root.Content[i+1].Decode(&e); err != nil {
			return memaddr.MemoryMap{}, fmt.Errorf("middleware: memory map section %q: %w", root.Content[i].Value, err)
		}
		entries = append(entries, memaddr.MappingEntry{
			Base:     memaddr.Address(e.Base),
			Size:     uint64(e.Size),
			RealBase: memaddr.Address(e.RealBase),
		})
	}
	return memaddr.NewMemoryMap(entries), nil
}
