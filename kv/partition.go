package kv

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidPartition is returned when a partition string cannot be parsed.
var ErrInvalidPartition = errors.New("invalid partition")

// Field is one named partition column value.
type Field struct {
	Name  string
	Value string
}

// Partition is the canonical encoding of ordered partition fields,
// for example "dt=2024-01-01/hr=10". The empty partition denotes an
// unpartitioned table. Partitions are comparable and usable as map keys.
type Partition string

// Unpartitioned is the partition of tables without partition columns.
const Unpartitioned Partition = ""

// NewPartition encodes fields in order. Names and values are path-escaped.
func NewPartition(fields ...Field) Partition {
	if len(fields) == 0 {
		return Unpartitioned
	}
	var sb strings.Builder
	for i, f := range fields {
		if i > 0 {
			sb.WriteByte('/')
		}
		sb.WriteString(url.PathEscape(f.Name))
		sb.WriteByte('=')
		sb.WriteString(url.PathEscape(f.Value))
	}
	return Partition(sb.String())
}

// ParsePartition validates s and returns it as a Partition.
func ParsePartition(s string) (Partition, error) {
	p := Partition(s)
	if _, err := p.parse(); err != nil {
		return "", err
	}
	return p, nil
}

// MustPartition builds a partition from alternating name/value pairs.
// It panics on an odd argument count and is intended for tests and tooling.
func MustPartition(pairs ...string) Partition {
	if len(pairs)%2 != 0 {
		panic("kv: MustPartition requires name/value pairs")
	}
	fields := make([]Field, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		fields = append(fields, Field{Name: pairs[i], Value: pairs[i+1]})
	}
	return NewPartition(fields...)
}

func (p Partition) parse() ([]Field, error) {
	if p == Unpartitioned {
		return nil, nil
	}
	parts := strings.Split(string(p), "/")
	fields := make([]Field, 0, len(parts))
	for _, part := range parts {
		name, value, ok := strings.Cut(part, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPartition, string(p))
		}
		n, err := url.PathUnescape(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidPartition, string(p), err)
		}
		v, err := url.PathUnescape(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidPartition, string(p), err)
		}
		fields = append(fields, Field{Name: n, Value: v})
	}
	return fields, nil
}

// Fields decodes the partition into its ordered fields.
// Malformed partitions decode to nil.
func (p Partition) Fields() []Field {
	fields, _ := p.parse()
	return fields
}

// Spec returns the partition as a name to value map.
func (p Partition) Spec() map[string]string {
	fields := p.Fields()
	spec := make(map[string]string, len(fields))
	for _, f := range fields {
		spec[f.Name] = f.Value
	}
	return spec
}

// Matches reports whether every entry of spec equals the partition's value
// for that field. An empty spec matches every partition.
func (p Partition) Matches(spec map[string]string) bool {
	if len(spec) == 0 {
		return true
	}
	values := p.Spec()
	for name, want := range spec {
		got, ok := values[name]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Path returns the directory prefix of the partition within the table.
func (p Partition) Path() string {
	return string(p)
}

// String implements fmt.Stringer.
func (p Partition) String() string {
	if p == Unpartitioned {
		return "<unpartitioned>"
	}
	return string(p)
}

// ParseSpec parses "a=1,b=2" into a partition spec.
func ParseSpec(s string) (map[string]string, error) {
	spec := make(map[string]string)
	if strings.TrimSpace(s) == "" {
		return spec, nil
	}
	for _, part := range strings.Split(s, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: spec %q", ErrInvalidPartition, s)
		}
		spec[name] = value
	}
	return spec, nil
}
