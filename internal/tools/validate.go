package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// compileSchema compiles a tool's argument schema at registration time so
// malformed schemas surface immediately rather than on first call.
func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("strand://tools/%s/schema.json", name)
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// validateArgs checks args against the compiled schema and returns a
// deterministic single-violation message suitable for feeding back to the
// model.
func validateArgs(schema *jsonschema.Schema, args json.RawMessage) error {
	if schema == nil {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	err := schema.Validate(decoded)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if ok := asValidationError(err, &ve); ok {
		return fmt.Errorf("%s", firstViolation(ve))
	}
	return err
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

// firstViolation walks to the leaf causes and picks the one with the
// lexically smallest instance location, so the reported violation does not
// depend on map iteration order.
func firstViolation(ve *jsonschema.ValidationError) string {
	leaves := collectLeaves(ve)
	sort.Slice(leaves, func(i, j int) bool {
		if leaves[i].InstanceLocation != leaves[j].InstanceLocation {
			return leaves[i].InstanceLocation < leaves[j].InstanceLocation
		}
		return leaves[i].Message < leaves[j].Message
	})
	leaf := leaves[0]
	loc := leaf.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("argument %s: %s", strings.TrimPrefix(loc, "#"), leaf.Message)
}

func collectLeaves(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, cause := range ve.Causes {
		out = append(out, collectLeaves(cause)...)
	}
	return out
}
