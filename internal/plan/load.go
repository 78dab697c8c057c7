package plan

import (
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// planSchema validates the declarative plan file before it is decoded into
// typed requests, so malformed files fail with a field-level message.
const planSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["size", "partitions"],
  "additionalProperties": false,
  "properties": {
    "size": {"type": "string", "minLength": 1},
    "table": {"enum": ["mbr", "gpt"]},
    "alignment": {"type": "string", "minLength": 1},
    "partitions": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "size", "filesystem"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "size": {"type": "string", "minLength": 1},
          "filesystem": {"enum": ["fat32", "vfat", "ext4", "xfs"]},
          "mount": {"type": "string"},
          "boot": {"type": "boolean"}
        }
      }
    }
  }
}`

// Document mirrors the on-disk plan file.
type Document struct {
	Size       string              `yaml:"size"`
	Table      string              `yaml:"table"`
	Alignment  string              `yaml:"alignment"`
	Partitions []DocumentPartition `yaml:"partitions"`
}

// DocumentPartition is one partition entry of the plan file. Size is either
// a size string or the keyword "remaining".
type DocumentPartition struct {
	Name       string `yaml:"name"`
	Size       string `yaml:"size"`
	Filesystem string `yaml:"filesystem"`
	Mount      string `yaml:"mount"`
	Boot       bool   `yaml:"boot"`
}

// Load reads a plan file, validates it against the plan schema and computes
// the concrete partition layout.
func Load(path string) (*ImagePlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates and lays out a plan from raw YAML bytes.
func Parse(data []byte) (*ImagePlan, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse plan file: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("plan.schema.json", strings.NewReader(planSchema)); err != nil {
		return nil, fmt.Errorf("failed to load plan schema: %w", err)
	}
	schema, err := compiler.Compile("plan.schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile plan schema: %w", err)
	}
	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("invalid plan file: %w", err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode plan file: %w", err)
	}
	return doc.Compute()
}

// Compute converts the document into layout requests and runs the planner.
func (d *Document) Compute() (*ImagePlan, error) {
	totalBytes, err := ParseSize(d.Size)
	if err != nil {
		return nil, fmt.Errorf("invalid image size: %w", err)
	}

	table := TableType(d.Table)
	if d.Table == "" {
		table = TableMBR
	}

	alignment := uint64(DefaultAlignment)
	if d.Alignment != "" {
		alignment, err = ParseSize(d.Alignment)
		if err != nil {
			return nil, fmt.Errorf("invalid alignment: %w", err)
		}
	}

	requests := make([]Request, 0, len(d.Partitions))
	for _, p := range d.Partitions {
		req := Request{
			Name:       p.Name,
			Filesystem: p.Filesystem,
			MountPoint: p.Mount,
			Boot:       p.Boot,
		}
		if strings.EqualFold(p.Size, "remaining") {
			req.Remaining = true
		} else {
			req.SizeBytes, err = ParseSize(p.Size)
			if err != nil {
				return nil, fmt.Errorf("invalid size for partition %q: %w", p.Name, err)
			}
		}
		requests = append(requests, req)
	}

	return Compute(totalBytes, table, alignment, requests)
}
