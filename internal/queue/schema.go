package queue

import (
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"resource-pipeline/internal/errs"
	"resource-pipeline/internal/models"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

// payloadSchemas holds one compiled schema per queue.
type payloadSchemas map[string]*gojsonschema.Schema

func loadSchemas() (payloadSchemas, error) {
	out := make(payloadSchemas, len(models.QueueNames))
	for _, name := range models.QueueNames {
		raw, err := schemaFiles.ReadFile("schemas/" + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("read schema for %s: %w", name, err)
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", name, err)
		}
		out[name] = schema
	}
	return out, nil
}

// validate checks payload against the queue's schema. Violations come back as an
// ErrInvalidPayload carrying one message per field.
func (s payloadSchemas) validate(queueName string, payload map[string]any) error {
	schema, ok := s[queueName]
	if !ok {
		return errs.Wrap(errs.ErrUnknownQueue, "unknown queue %q", queueName)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	res, err := schema.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return errs.Wrap(errs.ErrInvalidPayload, "payload is not valid JSON: %v", err)
	}
	if res.Valid() {
		return nil
	}

	fields := make(map[string]string, len(res.Errors()))
	for _, e := range res.Errors() {
		field := e.Field()
		if field == "(root)" {
			if p, ok := e.Details()["property"].(string); ok {
				field = p
			}
		}
		if _, seen := fields[field]; !seen {
			fields[field] = e.Description()
		}
	}
	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, f)
	}
	sort.Strings(names)

	e := errs.Wrap(errs.ErrInvalidPayload, "invalid %s payload: %s", queueName, strings.Join(names, ", "))
	e.Fields = fields
	return e
}
