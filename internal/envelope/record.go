// Package envelope implements the message envelope and tagged payload
// contract: the typed, schema-validated records that travel over the
// exchange, and the immutable addressing wrapper around them.
package envelope

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// FieldSpec declares one field of a Schema: its name, its expected Go type
// (nil accepts any value, including nil), and an optional default.
type FieldSpec struct {
	Name       string
	Type       reflect.Type
	Default    any
	HasDefault bool
}

// Schema describes the ordered, named fields of a Record variant.
type Schema struct {
	Name   string
	Fields []FieldSpec
}

// NewSchema builds a Schema. Panics on a duplicate field name, since that is
// a programming error in the schema declaration, not a runtime input fault.
func NewSchema(name string, fields ...FieldSpec) *Schema {
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if seen[f.Name] {
			panic(fmt.Sprintf("envelope: duplicate field %q in schema %q", f.Name, name))
		}
		seen[f.Name] = true
	}
	s := &Schema{Name: name, Fields: fields}
	registerSchema(s)
	return s
}

func (s *Schema) indexOf(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Payload is the capability set every envelope message must support:
// indexed access, structural field access by name, and a printable form.
// Record, *ExchangeError, and the bare stop-sentinel string all satisfy the
// spec's "transport-safe payload" contract; Payload captures the former two.
type Payload interface {
	Len() int
	At(i int) any
	Field(name string) (any, bool)
	String() string
}

// Record is a schema-validated, transport-safe payload value: the runtime
// counterpart of a tagged variant. Construction validates arity and
// per-field types up front; the resulting value supports named and indexed
// access, tuple equality, and a printable form.
type Record struct {
	schema *Schema
	values []any
}

// NewRecord constructs a Record from positional arguments, validating arity
// and per-field types against the schema.
func NewRecord(schema *Schema, args ...any) (*Record, error) {
	return NewRecordKW(schema, args, nil)
}

// NewRecordKW constructs a Record from positional args with optional keyword
// overrides/fallbacks, mirroring constructors that accept both forms.
func NewRecordKW(schema *Schema, args []any, kwargs map[string]any) (*Record, error) {
	if len(args) > len(schema.Fields) {
		return nil, fmt.Errorf("envelope: too many positional arguments for schema %q", schema.Name)
	}
	values := make([]any, len(schema.Fields))
	for i, f := range schema.Fields {
		var val any
		provided := false
		switch {
		case i < len(args):
			val, provided = args[i], true
		default:
			if v, ok := kwargs[f.Name]; ok {
				val, provided = v, true
			} else if f.HasDefault {
				val, provided = f.Default, true
			}
		}
		if !provided {
			return nil, fmt.Errorf("envelope: missing value for field %q in schema %q", f.Name, schema.Name)
		}
		if val != nil && f.Type != nil {
			if !reflect.TypeOf(val).AssignableTo(f.Type) {
				return nil, fmt.Errorf("envelope: field %q of schema %q expects %s, got %T", f.Name, schema.Name, f.Type, val)
			}
		}
		values[i] = val
	}
	return &Record{schema: schema, values: values}, nil
}

// Schema returns the schema this record was constructed against.
func (r *Record) Schema() *Schema { return r.schema }

// Len returns the number of fields in the record.
func (r *Record) Len() int { return len(r.values) }

// At returns the i'th positional value.
func (r *Record) At(i int) any { return r.values[i] }

// Field returns the named field's value, and whether the schema declares it.
func (r *Record) Field(name string) (any, bool) {
	idx := r.schema.indexOf(name)
	if idx < 0 {
		return nil, false
	}
	return r.values[idx], true
}

// MustField panics if name is not a field of the record's schema. Useful at
// call sites that already know, from the schema, the field must exist.
func (r *Record) MustField(name string) any {
	v, ok := r.Field(name)
	if !ok {
		panic(fmt.Sprintf("envelope: schema %q has no field %q", r.schema.Name, name))
	}
	return v
}

// Equal reports tuple-equality: same schema name and identical ordered
// field values.
func (r *Record) Equal(other *Record) bool {
	if other == nil || r.schema.Name != other.schema.Name || len(r.values) != len(other.values) {
		return false
	}
	for i := range r.values {
		if !reflect.DeepEqual(r.values[i], other.values[i]) {
			return false
		}
	}
	return true
}

func (r *Record) String() string {
	parts := make([]string, len(r.schema.Fields))
	for i, f := range r.schema.Fields {
		parts[i] = fmt.Sprintf("%s=%v", f.Name, r.values[i])
	}
	return fmt.Sprintf("%s(%s)", r.schema.Name, strings.Join(parts, ", "))
}

// schema registry, keyed by name, used by the wire codec to reconstruct a
// Record's type information after it has crossed a process boundary (the
// encoded form only carries the schema name and the positional values).
// Guarded by a mutex because registerSchema (via NewSchema) can run
// concurrently with lookupSchema on a transport's decode path (e.g.
// broker.Server.handle, client.Remote.readLoop), not just at package init.
var (
	schemaRegistryMu sync.RWMutex
	schemaRegistry   = make(map[string]*Schema)
)

func registerSchema(s *Schema) {
	schemaRegistryMu.Lock()
	defer schemaRegistryMu.Unlock()
	schemaRegistry[s.Name] = s
}

func lookupSchema(name string) (*Schema, bool) {
	schemaRegistryMu.RLock()
	defer schemaRegistryMu.RUnlock()
	s, ok := schemaRegistry[name]
	return s, ok
}
