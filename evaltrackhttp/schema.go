package evaltrackhttp

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// traceSchemaJSON is the wire shape of a trace, as accepted by the server.
const traceSchemaJSON = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["id", "request", "response", "created_at", "updated_at"],
	"properties": {
		"id":         { "type": "string", "minLength": 1 },
		"request":    { "type": "object" },
		"response":   { "type": "object" },
		"created_at": { "type": "string", "format": "date-time" },
		"updated_at": { "type": "string", "format": "date-time" }
	}
}`

var traceSchema = mustCompileSchema(traceSchemaJSON)

func mustCompileSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Errorf("compile trace schema: %w", err))
	}
	return schema
}

// validateTraceJSON returns a description of each way body fails to match the
// trace schema. An empty result means the body is valid.
func validateTraceJSON(body []byte) []string {
	result, err := traceSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return []string{err.Error()} // not JSON at all
	}

	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}

	return problems
}
