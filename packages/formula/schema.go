package formula

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spacemonkeygo/errors"
)

// schema gate defaults
const (
	DefaultSupportedMajor = 1
	DefaultSchemaVersion  = "1.0.0"
	DefaultSDKVersion     = "1.0.0"
)

// GateDetails describes the versions involved in a gate failure
type GateDetails struct {
	SchemaVersion string
	SDKVersion    string
}

// GateFailure is a failed schema gate check.
type GateFailure struct {
	Code    string
	Message string
	Details GateDetails
	Errors  []string
}

// Err converts the failure into a classed error. opts attach extra data.
func (g *GateFailure) Err(opts ...errors.ErrorOption) error {
	if g == nil {
		return nil
	}
	class := SchemaValidationError
	if g.Code == CodeSchemaVersion {
		class = SchemaVersionError
	}
	opts = append([]errors.ErrorOption{WithCode(g.Code), WithDetails(g.Details)}, opts...)
	return class.NewWith(g.Message, opts...)
}

// Validator gates raw documents before the engine attaches to them.
type Validator interface {
	Validate(raw map[string]any) *GateFailure
}

// StructuralValidator checks the version tag and the document shape the
// engine relies on.
type StructuralValidator struct {
	SupportedMajor int
	SchemaVersion  string
	SDKVersion     string
}

var _ Validator = (*StructuralValidator)(nil)

// NewStructuralValidator returns a validator with the default versions
func NewStructuralValidator() *StructuralValidator {
	return &StructuralValidator{
		SupportedMajor: DefaultSupportedMajor,
		SchemaVersion:  DefaultSchemaVersion,
		SDKVersion:     DefaultSDKVersion,
	}
}

func (v *StructuralValidator) details() GateDetails {
	return GateDetails{SchemaVersion: v.SchemaVersion, SDKVersion: v.SDKVersion}
}

// Validate returns nil when the document passes
func (v *StructuralValidator) Validate(raw map[string]any) *GateFailure {
	supported := v.SupportedMajor
	if supported <= 0 {
		supported = DefaultSupportedMajor
	}
	if major := VersionMajor(raw["v"]); major > supported {
		return &GateFailure{
			Code:    CodeSchemaVersion,
			Message: fmt.Sprintf("document schema version %d is newer than supported version %d", major, supported),
			Details: v.details(),
		}
	}

	problems := validateShape(raw)
	if len(problems) == 0 {
		return nil
	}
	return &GateFailure{
		Code:    CodeSchemaValidation,
		Message: fmt.Sprintf("document failed schema validation: %s", strings.Join(problems, "; ")),
		Details: v.details(),
		Errors:  problems,
	}
}

// VersionMajor reads the major component of a version tag. missing or
// malformed tags count as version 1.
func VersionMajor(tag any) int {
	var text string
	switch t := tag.(type) {
	case string:
		text = t
	case int64:
		return max(int(t), 1)
	case uint64:
		return max(int(t), 1)
	case float64:
		return max(int(t), 1)
	case int:
		return max(t, 1)
	default:
		return 1
	}
	major, _, _ := strings.Cut(strings.TrimPrefix(strings.TrimSpace(text), "v"), ".")
	n, err := strconv.Atoi(major)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func validateShape(raw map[string]any) []string {
	var problems []string
	fieldsRaw, present := raw["fields"]
	if !present {
		return []string{"fields is required"}
	}
	fields, ok := fieldsRaw.([]any)
	if !ok {
		return []string{"fields must be a list"}
	}

	formulaIDs := make(map[string]struct{})
	if defs, ok := raw["formulas"].([]any); ok {
		for _, item := range defs {
			if def, ok := item.(map[string]any); ok {
				if id, _ := def["_id"].(string); id != "" {
					formulaIDs[id] = struct{}{}
				}
			}
		}
	}

	seen := make(map[string]int, len(fields))
	for i, item := range fields {
		field, ok := item.(map[string]any)
		if !ok {
			problems = append(problems, fmt.Sprintf("fields[%d] must be an object", i))
			continue
		}
		kind, _ := field["type"].(string)
		if kind == "" {
			problems = append(problems, fmt.Sprintf("fields[%d] has no type", i))
		}
		id, _ := field["_id"].(string)
		identifier, _ := field["identifier"].(string)
		if id == "" && identifier == "" {
			problems = append(problems, fmt.Sprintf("fields[%d] has neither _id nor identifier", i))
		}
		for _, key := range []string{id, identifier} {
			if key == "" {
				continue
			}
			if first, dup := seen[key]; dup && first != i {
				problems = append(problems, fmt.Sprintf("fields[%d] reuses key %q of fields[%d]", i, key, first))
			}
			seen[key] = i
		}

		if applied, ok := field["formulas"].([]any); ok {
			for _, a := range applied {
				ref, _ := a.(map[string]any)
				id, _ := ref["formula"].(string)
				if _, known := formulaIDs[id]; !known {
					problems = append(problems, fmt.Sprintf("fields[%d] applies unknown formula %q", i, id))
				}
			}
		}

		value, hasValue := field["value"]
		if !hasValue || value == nil {
			continue
		}
		switch FieldKind(kind) {
		case FieldTable:
			problems = append(problems, validateRows(i, value)...)
		case FieldChart:
			problems = append(problems, validateLines(i, value)...)
		}
	}
	return problems
}

func validateRows(i int, value any) []string {
	rows, ok := value.([]any)
	if !ok {
		return []string{fmt.Sprintf("fields[%d] table value must be a list of rows", i)}
	}
	var problems []string
	for j, row := range rows {
		if _, ok := row.(map[string]any); !ok {
			problems = append(problems, fmt.Sprintf("fields[%d].value[%d] must be a row object", i, j))
		}
	}
	return problems
}

func validateLines(i int, value any) []string {
	lines, ok := value.([]any)
	if !ok {
		return []string{fmt.Sprintf("fields[%d] chart value must be a list of lines", i)}
	}
	var problems []string
	for j, item := range lines {
		line, ok := item.(map[string]any)
		if !ok {
			problems = append(problems, fmt.Sprintf("fields[%d].value[%d] must be a line object", i, j))
			continue
		}
		if points, present := line["points"]; present && points != nil {
			if _, ok := points.([]any); !ok {
				problems = append(problems, fmt.Sprintf("fields[%d].value[%d].points must be a list", i, j))
			}
		}
	}
	return problems
}
