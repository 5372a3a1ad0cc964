package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/m4xw311/aichat/errors"
	schemavalidator "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sirupsen/logrus"
)

var reflector = &jsonschema.Reflector{
	Anonymous:                 true,
	DoNotReference:            true,
	AllowAdditionalProperties: true,
}

// reflectSchema renders the input schema of a parameter struct as a plain
// JSON object. Fields without omitempty are required.
func reflectSchema(params any) map[string]any {
	s := reflector.Reflect(params)
	data, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("tools: cannot marshal schema for %T: %v", params, err))
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		panic(fmt.Sprintf("tools: cannot decode schema for %T: %v", params, err))
	}
	delete(m, "$schema")
	delete(m, "$id")
	if _, ok := m["properties"]; !ok {
		m["properties"] = map[string]any{}
	}
	return m
}

// decodeArgs copies the loosely typed arguments of a call into a parameter
// struct. Fields absent from args keep the values already in params.
func decodeArgs(args map[string]interface{}, params any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return errors.Errorf(errors.ErrInvalidArgument, "arguments are not serializable: %v", err)
	}
	if err := json.Unmarshal(data, params); err != nil {
		return errors.Errorf(errors.ErrInvalidArgument, "invalid arguments: %v", err)
	}
	return nil
}

func jsonResult(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrapf(err, "failed to serialize tool result")
	}
	return string(data), nil
}

// OpenAIDefinition is the completion-style tool descriptor.
func OpenAIDefinition(t Tool) map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        t.Name(),
			"description": t.Description(),
			"parameters":  t.Schema(),
		},
	}
}

// AnthropicDefinition is the turn-style tool descriptor.
func AnthropicDefinition(t Tool) map[string]any {
	return map[string]any{
		"name":         t.Name(),
		"description":  t.Description(),
		"input_schema": t.Schema(),
	}
}

// SchemaProperties splits an input schema into its properties and required
// field names.
func SchemaProperties(schema map[string]any) (map[string]any, []string) {
	props, _ := schema["properties"].(map[string]any)
	if props == nil {
		props = map[string]any{}
	}
	var required []string
	switch r := schema["required"].(type) {
	case []string:
		required = r
	case []any:
		for _, v := range r {
			if s, ok := v.(string); ok {
				required = append(required, s)
			}
		}
	}
	return props, required
}

type compiledSchema struct {
	schema *schemavalidator.Schema
	err    error
}

var validators sync.Map // Tool -> *compiledSchema

func validatorFor(t Tool) *compiledSchema {
	if v, ok := validators.Load(t); ok {
		return v.(*compiledSchema)
	}
	cs := &compiledSchema{}
	cs.schema, cs.err = compileSchema(t.Name(), t.Schema())
	if cs.err != nil {
		logrus.WithError(cs.err).WithField("tool", t.Name()).Debug("tool schema not compilable, arguments will not be validated")
	}
	v, _ := validators.LoadOrStore(t, cs)
	return v.(*compiledSchema)
}

func compileSchema(name string, schema map[string]any) (*schemavalidator.Schema, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	doc, err := schemavalidator.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	url := "https://aichat.local/tools/" + name + ".json"
	c := schemavalidator.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Validate checks args against the tool's input schema.
func Validate(t Tool, args map[string]interface{}) error {
	cs := validatorFor(t)
	if cs.schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return errors.Errorf(errors.ErrInvalidArgument, "arguments are not serializable: %v", err)
	}
	inst, err := schemavalidator.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return errors.Errorf(errors.ErrInvalidArgument, "arguments are not valid JSON: %v", err)
	}
	if err := cs.schema.Validate(inst); err != nil {
		return errors.Errorf(errors.ErrInvalidArgument, "invalid arguments for '%s': %v", t.Name(), err)
	}
	return nil
}

// Invoke validates args and runs the tool. A panicking tool is reported as an
// error like any other failure.
func Invoke(ctx context.Context, t Tool, args map[string]interface{}) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("tool", t.Name()).Errorf("tool panicked: %v", r)
			err = errors.New("tool '%s' panicked: %v", t.Name(), r)
		}
	}()
	if err := Validate(t, args); err != nil {
		return "", err
	}
	return t.Execute(ctx, args)
}
