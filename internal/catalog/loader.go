// Package catalog parses the external layer catalog into ordered entries.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/mohammed-shakir/parcel-intersections/internal/core/model"
)

var ErrNotMapping = errors.New("catalog document must be a mapping of layer id to description")

// Catalog is the parsed layer list in declaration order.
type Catalog struct {
	Entries     []model.LayerCatalogEntry
	Fingerprint string
	Skipped     []string
}

type Loader struct {
	logger   *slog.Logger
	validate *validator.Validate
}

func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger, validate: validator.New()}
}

func (l *Loader) LoadFile(path string) (Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("open catalog: %w", err)
	}
	defer func() { _ = f.Close() }()
	return l.Load(f)
}

// Load reads a JSON or YAML catalog. Malformed entries are skipped with a warning.
func (l *Loader) Load(r io.Reader) (Catalog, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return Catalog{}, ErrNotMapping
		}
		return Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}
	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return Catalog{}, ErrNotMapping
	}

	var out Catalog
	seen := make(map[string]struct{}, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		id := strings.TrimSpace(root.Content[i].Value)
		entry, err := l.parseEntry(id, root.Content[i+1])
		if err == nil {
			if _, dup := seen[id]; dup {
				err = errors.New("duplicate layer identifier")
			}
		}
		if err != nil {
			l.logger.Warn("catalog entry skipped", "layer", id, "err", err)
			out.Skipped = append(out.Skipped, id)
			continue
		}
		seen[id] = struct{}{}
		out.Entries = append(out.Entries, entry)
	}

	fp, err := Fingerprint(out.Entries)
	if err != nil {
		return Catalog{}, err
	}
	out.Fingerprint = fp
	return out, nil
}

func (l *Loader) parseEntry(id string, node *yaml.Node) (model.LayerCatalogEntry, error) {
	if node.Kind != yaml.MappingNode {
		return model.LayerCatalogEntry{}, errors.New("entry is not a mapping")
	}
	var d entryDoc
	if err := node.Decode(&d); err != nil {
		return model.LayerCatalogEntry{}, fmt.Errorf("decode entry: %w", err)
	}

	retained := firstList(d.Retained, d.Keep)
	if len(retained) == 0 {
		return model.LayerCatalogEntry{}, errors.New("no retained attributes")
	}
	kind, err := model.ParseGeometryKind(firstString(d.GeometryKind, d.GeomType))
	if err != nil {
		return model.LayerCatalogEntry{}, err
	}

	entry := model.LayerCatalogEntry{
		Identifier:         id,
		DisplayName:        firstString(d.DisplayName, d.DisplayNameAlt, d.Nom, id),
		Category:           firstString(d.Category, d.Type),
		GeometryKind:       kind,
		RetainedAttributes: retained,
		GroupByKeys:        firstList(d.GroupBy, d.GroupByAlt),
		Zoning:             d.Zoning,
	}
	if err := l.validate.Struct(entry); err != nil {
		return model.LayerCatalogEntry{}, fmt.Errorf("validate entry: %w", err)
	}
	return entry, nil
}

// Fingerprint hashes the parsed entries so cached reports can be tied to a catalog revision.
func Fingerprint(entries []model.LayerCatalogEntry) (string, error) {
	b, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("fingerprint catalog: %w", err)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(b)), nil
}

type entryDoc struct {
	DisplayName    string     `yaml:"displayName"`
	DisplayNameAlt string     `yaml:"display_name"`
	Nom            string     `yaml:"nom"`
	Category       string     `yaml:"category"`
	Type           string     `yaml:"type"`
	GeometryKind   string     `yaml:"geometryKind"`
	GeomType       string     `yaml:"geom_type"`
	Retained       stringList `yaml:"retainedAttributes"`
	Keep           stringList `yaml:"keep"`
	GroupBy        stringList `yaml:"groupByKeys"`
	GroupByAlt     stringList `yaml:"group_by"`
	Zoning         bool       `yaml:"zoning"`
}

// stringList accepts either a scalar or a sequence of scalars.
type stringList []string

func (s *stringList) UnmarshalYAML(value *yaml.Node) error {
	var raw []string
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*s = nil
			return nil
		}
		raw = []string{value.Value}
	case yaml.SequenceNode:
		if err := value.Decode(&raw); err != nil {
			return err
		}
	default:
		return fmt.Errorf("line %d: expected string or list", value.Line)
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	*s = out
	return nil
}

func firstString(vs ...string) string {
	for _, v := range vs {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func firstList(ls ...stringList) []string {
	for _, l := range ls {
		if len(l) > 0 {
			return []string(l)
		}
	}
	return nil
}
