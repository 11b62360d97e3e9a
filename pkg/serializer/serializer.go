// Package serializer defines the abstract serialize/deserialize contract the
// core consumes as an external, swappable collaborator. It ships the JSON
// and binary (gob) variants the core is expected to support out of the box;
// both are deterministic for a given object graph (map keys are not part of
// either registered message type's field set — callers use structs).
package serializer

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"

	"github.com/catgadev/catga/pkg/catgaerr"
	"github.com/catgadev/catga/pkg/result"
)

// Serializer converts Go values to and from bytes for transport and
// persistence. Implementations must be safe for concurrent use.
type Serializer interface {
	// Name identifies the wire format, used in transport headers and
	// outbox records so a consumer can pick the matching decoder.
	Name() string
	// Serialize encodes v to bytes.
	Serialize(v any) result.Result[[]byte]
	// Deserialize decodes data into a new value of the type pointed to by
	// out (out must be a non-nil pointer).
	Deserialize(data []byte, out any) result.Result[struct{}]
}

// JSON is the default human-readable serializer, matching the JSON wire
// format used by transport message payloads throughout pkg/transport.
type JSON struct{}

// NewJSON constructs a JSON serializer.
func NewJSON() JSON { return JSON{} }

func (JSON) Name() string { return "json" }

func (JSON) Serialize(v any) result.Result[[]byte] {
	data, err := json.Marshal(v)
	if err != nil {
		return result.FailureWithCause[[]byte](catgaerr.SerializationFailed, "json marshal failed", err)
	}
	return result.Success(data)
}

func (JSON) Deserialize(data []byte, out any) result.Result[struct{}] {
	if out == nil {
		return result.Failure[struct{}](catgaerr.SerializationFailed, "deserialize target is nil")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return result.FailureWithCause[struct{}](catgaerr.SerializationFailed, "json unmarshal failed", err)
	}
	return result.Success(struct{}{})
}

// Binary is a gob-based serializer for callers who prefer a compact,
// schema-evolving binary format over JSON; both registered types must be
// gob-registered by the caller when serializing interface values.
type Binary struct{}

// NewBinary constructs a gob-based binary serializer.
func NewBinary() Binary { return Binary{} }

func (Binary) Name() string { return "binary" }

func (Binary) Serialize(v any) result.Result[[]byte] {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return result.FailureWithCause[[]byte](catgaerr.SerializationFailed, "gob encode failed", err)
	}
	return result.Success(buf.Bytes())
}

func (Binary) Deserialize(data []byte, out any) result.Result[struct{}] {
	if out == nil {
		return result.Failure[struct{}](catgaerr.SerializationFailed, "deserialize target is nil")
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(out); err != nil {
		return result.FailureWithCause[struct{}](catgaerr.SerializationFailed, "gob decode failed", err)
	}
	return result.Success(struct{}{})
}

// Registry resolves a Serializer by name, matching the `serializer` config
// option.
type Registry struct {
	byName map[string]Serializer
}

// NewRegistry builds a registry pre-populated with "json" and "binary".
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]Serializer)}
	r.Register(NewJSON())
	r.Register(NewBinary())
	return r
}

// Register adds or replaces a named serializer.
func (r *Registry) Register(s Serializer) {
	r.byName[s.Name()] = s
}

// Resolve returns the serializer registered under name.
func (r *Registry) Resolve(name string) (Serializer, error) {
	s, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("serializer: no serializer registered under name %q", name)
	}
	return s, nil
}
