package scenario

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const testSchemaJSON = `{
  "type": "object",
  "required": ["test_id", "scenario_id", "test_type", "questions"],
  "properties": {
    "test_id": {"type": "string", "minLength": 1},
    "scenario_id": {"type": "string", "minLength": 1},
    "test_type": {"enum": ["pre_test", "post_test"]},
    "questions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["question_id", "text", "options", "correct_option_id", "subskill"],
        "properties": {
          "question_id": {"type": "string", "minLength": 1},
          "text": {"type": "string", "minLength": 1},
          "options": {
            "type": "array",
            "minItems": 2,
            "items": {
              "type": "object",
              "required": ["option_id", "text"],
              "properties": {
                "option_id": {"type": "string", "minLength": 1},
                "text": {"type": "string", "minLength": 1}
              }
            }
          },
          "correct_option_id": {"type": "string", "minLength": 1},
          "subskill": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

var (
	testSchemaOnce sync.Once
	testSchema     *jsonschema.Schema
	testSchemaErr  error
)

func compiledTestSchema() (*jsonschema.Schema, error) {
	testSchemaOnce.Do(func() {
		var def any
		if err := json.Unmarshal([]byte(testSchemaJSON), &def); err != nil {
			testSchemaErr = fmt.Errorf("parse test schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema://test_definition.json", def); err != nil {
			testSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		testSchema, testSchemaErr = c.Compile("schema://test_definition.json")
	})
	return testSchema, testSchemaErr
}

func validateTestJSON(file string, raw []byte) error {
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return &SchemaError{File: file, Reason: "invalid JSON: " + err.Error()}
	}
	compiled, err := compiledTestSchema()
	if err != nil {
		return err
	}
	if err := compiled.Validate(parsed); err != nil {
		return &SchemaError{File: file, Reason: "schema validation failed: " + err.Error()}
	}
	return nil
}
