package tool

import (
	"fmt"
	"strings"
)

// Arguments are the decoded arguments of one call.
type Arguments map[string]any

// String returns the string argument named key.
func (a Arguments) String(key string) (string, error) {
	value, ok := a[key]
	if !ok || value == nil {
		return "", newToolError(ToolErrorCodeMissingArgument, "Missing required argument: "+key, nil)
	}
	s, ok := value.(string)
	if !ok {
		return "", newToolError(ToolErrorCodeInvalidArguments, fmt.Sprintf("argument %s must be a string, got %T", key, value), nil)
	}
	return s, nil
}

// Strings returns the string list argument named key. A missing or null
// argument yields an empty list.
func (a Arguments) Strings(key string) ([]string, error) {
	value, ok := a[key]
	if !ok || value == nil {
		return nil, nil
	}
	switch list := value.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, newToolError(ToolErrorCodeInvalidArguments, fmt.Sprintf("argument %s[%d] must be a string, got %T", key, i, item), nil)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, newToolError(ToolErrorCodeInvalidArguments, fmt.Sprintf("argument %s must be a list of strings, got %T", key, value), nil)
	}
}

// validate checks args against the tool's schema. Missing required fields
// are reported on their own before full schema validation so the message
// names the field.
func (e *entry) validate(args Arguments) *ToolError {
	for _, field := range e.descriptor.InputSchema.Required {
		if value, ok := args[field]; !ok || value == nil {
			return withToolErrorDetails(
				newToolError(ToolErrorCodeMissingArgument, "Missing required argument: "+field, nil),
				map[string]any{"field": field},
			)
		}
	}
	if err := e.schema.Validate(map[string]any(args)); err != nil {
		return newToolError(
			ToolErrorCodeInvalidArguments,
			fmt.Sprintf("Invalid arguments for %s: %s", e.descriptor.Name, strings.TrimSpace(err.Error())),
			err,
		)
	}
	return nil
}
