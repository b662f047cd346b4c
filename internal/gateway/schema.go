package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/agentbridge/internal/apierr"
)

// Compiled request-body schemas. Validation happens before decoding into
// the typed request structs, so handlers never see malformed shapes.
var (
	createThreadSchema = mustCompileSchema(`{
		"type": "object",
		"properties": {
			"model":       {"type": "string"},
			"cwd":         {"type": "string"},
			"personality": {"type": "string"}
		},
		"additionalProperties": false
	}`)

	resumeThreadSchema = mustCompileSchema(`{
		"type": "object",
		"properties": {
			"personality": {"type": "string"}
		},
		"additionalProperties": false
	}`)

	startTurnSchema = mustCompileSchema(`{
		"type": "object",
		"required": ["input"],
		"properties": {
			"input":       {"type": ["string", "array"]},
			"model":       {"type": "string"},
			"effort":      {"type": "string"},
			"summary":     {"type": "string"},
			"personality": {"type": "string"},
			"cwd":         {"type": "string"}
		},
		"additionalProperties": false
	}`)

	steerTurnSchema = mustCompileSchema(`{
		"type": "object",
		"required": ["input"],
		"properties": {
			"input": {"type": ["string", "array"]}
		},
		"additionalProperties": false
	}`)

	cancelLoginSchema = mustCompileSchema(`{
		"type": "object",
		"required": ["loginId"],
		"properties": {
			"loginId": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`)

	approvalSchema = mustCompileSchema(`{
		"type": "object",
		"required": ["requestId", "decision"],
		"properties": {
			"requestId": {"type": "string", "minLength": 1},
			"decision":  {"type": ["string", "object"]}
		},
		"additionalProperties": false
	}`)

	tunnelEnableSchema = mustCompileSchema(`{
		"type": "object",
		"required": ["password"],
		"properties": {
			"password": {"type": "string", "minLength": 8, "maxLength": 256}
		},
		"additionalProperties": false
	}`)

	tunnelLoginSchema = mustCompileSchema(`{
		"type": "object",
		"required": ["password"],
		"properties": {
			"password": {"type": "string", "minLength": 1, "maxLength": 256},
			"next":     {"type": "string"}
		},
		"additionalProperties": false
	}`)
)

func mustCompileSchema(src string) *jsonschema.Schema {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("body.json", doc); err != nil {
		panic(err)
	}
	schema, err := c.Compile("body.json")
	if err != nil {
		panic(err)
	}
	return schema
}

// decodeBody validates the request body against schema and decodes it
// into dst. An empty body counts as {}.
func decodeBody(r *http.Request, schema *jsonschema.Schema, dst any) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apierr.New(apierr.CodeInvalidRequest, "request body too large", http.StatusRequestEntityTooLarge)
		}
		return apierr.Invalid("unreadable request body")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return apierr.Invalid("request body is not valid JSON")
	}
	if err := schema.Validate(doc); err != nil {
		return apierr.Invalid(err.Error())
	}
	if dst != nil {
		if err := json.Unmarshal(data, dst); err != nil {
			return apierr.Invalid("request body does not match the expected shape")
		}
	}
	return nil
}
