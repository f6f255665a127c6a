package middleware

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// maxBodyBytes bounds request bodies read for validation.
const maxBodyBytes = 64 << 10

// SendRequestSchema describes the body of POST /send. Text length is not
// checked here: the gateway bounds it in UTF-8 bytes.
const SendRequestSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["contactId", "text"],
	"properties": {
		"contactId": {"type": "integer", "minimum": 1},
		"text": {"type": "string", "minLength": 1}
	}
}`

// CompileSchema compiles a JSON schema document.
func CompileSchema(name, schema string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schema))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	compiled, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return compiled, nil
}

// ValidateJSON rejects bodies that are not JSON or do not match schema with
// 400. The body is restored for the next handler.
func ValidateJSON(schema *jsonschema.Schema) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "unreadable request body")
				return
			}
			if len(body) > maxBodyBytes {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}

			inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
			if err := schema.Validate(inst); err != nil {
				writeJSONError(w, http.StatusBadRequest, "request does not match schema")
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
