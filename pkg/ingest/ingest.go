// Package ingest decodes simulation requests supplied by evidence producers.
// Documents are checked against an embedded JSON Schema before they are
// decoded, then validated as deltas. Every rejection is an InvalidDelta error.
package ingest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/errorir"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/simulation"
)

const schemaURL = "https://trustsim.schemas.local/ingest/request.schema.json"

//go:embed request.schema.json
var requestSchema string

// Decoder validates and decodes requests. It is safe for concurrent use.
type Decoder struct {
	schema *jsonschema.Schema
}

// NewDecoder compiles the request schema.
func NewDecoder() (*Decoder, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, bytes.NewReader([]byte(requestSchema))); err != nil {
		return nil, fmt.Errorf("ingest schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("ingest schema compile failed: %w", err)
	}
	return &Decoder{schema: compiled}, nil
}

// Decode validates one JSON request document.
func (d *Decoder) Decode(data []byte) (simulation.Request, error) {
	doc, err := parse(data)
	if err != nil {
		return simulation.Request{}, err
	}
	return d.decodeValue(doc, data)
}

// DecodeAll validates a JSON array of request documents. The first invalid
// element rejects the whole batch.
func (d *Decoder) DecodeAll(r io.Reader) ([]simulation.Request, error) {
	var raw []json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errorir.Wrap(errorir.KindInvalidDelta, err, "request batch is not a JSON array")
	}
	out := make([]simulation.Request, 0, len(raw))
	for i, item := range raw {
		req, err := d.Decode(item)
		if err != nil {
			return nil, errorir.Wrap(errorir.KindInvalidDelta, err, "request %d", i)
		}
		out = append(out, req)
	}
	return out, nil
}

func parse(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, errorir.Wrap(errorir.KindInvalidDelta, err, "request is not valid JSON")
	}
	if dec.More() {
		return nil, errorir.InvalidDelta("request has trailing data")
	}
	return doc, nil
}

func (d *Decoder) decodeValue(doc any, data []byte) (simulation.Request, error) {
	if err := d.schema.Validate(doc); err != nil {
		return simulation.Request{}, errorir.Wrap(errorir.KindInvalidDelta, err, "request failed schema validation")
	}

	var req simulation.Request
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return simulation.Request{}, errorir.Wrap(errorir.KindInvalidDelta, err, "decode request")
	}
	if m := req.Delta.Metadata; m != nil && m.ActionType != req.Type {
		return simulation.Request{}, errorir.InvalidDelta("request type %q does not match metadata type %q", req.Type, m.ActionType)
	}
	if err := req.Delta.Validate(); err != nil {
		return simulation.Request{}, err
	}
	return req, nil
}
