package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"annoline/internal/domain"
)

const (
	DescriptorFile = "config.yaml"
	MappingFile    = "Mapping.csv"
)

// Descriptor is the parsed config.yaml of a batch folder.
type Descriptor struct {
	Project    string
	Categories []string
}

type rawDescriptor struct {
	Project *struct {
		Pathology *string `yaml:"pathology"`
	} `yaml:"project"`
	Classes yaml.Node `yaml:"classes"`
}

// ParseDescriptor requires project.pathology. classes is optional; anything but a list of
// scalars is treated as no categories.
func ParseDescriptor(data []byte) (Descriptor, error) {
	var raw rawDescriptor
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrDescriptorStructure, err)
	}
	if raw.Project == nil || raw.Project.Pathology == nil {
		return Descriptor{}, fmt.Errorf("%w: missing project.pathology", ErrDescriptorStructure)
	}
	d := Descriptor{Project: strings.TrimSpace(*raw.Project.Pathology)}
	if d.Project == "" {
		return Descriptor{}, fmt.Errorf("%w: empty project.pathology", ErrDescriptorStructure)
	}
	if raw.Classes.Kind == yaml.SequenceNode {
		seen := map[string]bool{}
		for _, item := range raw.Classes.Content {
			if item.Kind != yaml.ScalarNode {
				continue
			}
			name := strings.TrimSpace(item.Value)
			if seen[name] {
				continue
			}
			seen[name] = true
			d.Categories = append(d.Categories, name)
		}
	}
	return d, nil
}

// Row is one surviving Mapping.csv line.
type Row struct {
	Path       string
	ExternalID string
}

var mappingColumns = []string{"batch", "foldername", "StudyID"}

// ParseMapping reads Mapping.csv relative to the batch root. Rows missing any required value are
// skipped. An empty file yields no rows.
func ParseMapping(root string, data []byte) ([]Row, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: not valid UTF-8", ErrMappingDecode)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: no header", ErrMappingColumns)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMappingDecode, err)
	}
	idx := make(map[string]int, len(header))
	for i, name := range header {
		if _, dup := idx[name]; !dup {
			idx[name] = i
		}
	}
	for _, col := range mappingColumns {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMappingColumns, col)
		}
	}
	field := func(rec []string, col string) string {
		i := idx[col]
		if i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
	var rows []Row
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMappingDecode, err)
		}
		batch, folder, id := field(rec, "batch"), field(rec, "foldername"), field(rec, "StudyID")
		if batch == "" || folder == "" || id == "" {
			continue
		}
		rows = append(rows, Row{Path: domain.StudyPath(root, batch, folder), ExternalID: id})
	}
	return rows, nil
}

// BatchName is the final segment of the batch root.
func BatchName(root string) string {
	return path.Base(root)
}
