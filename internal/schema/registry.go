// Package schema validates chaincode event payloads before projection.
// Validation is advisory: a drifted payload is reported and counted, never
// dropped, so read-model builds keep moving while the drift is investigated.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// FieldType classifies a payload field for validation.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldBool   FieldType = "bool"
	FieldObject FieldType = "object"
	FieldArray  FieldType = "array"
)

// Field describes one payload attribute.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
}

// Descriptor is the registered shape of one chaincode event.
type Descriptor struct {
	Name    string
	Version string
	Fields  []Field
}

// Envelope is a decoded chaincode event ready for validation and dispatch.
type Envelope struct {
	EventName    string
	EventVersion string
	Payload      []byte
	Fields       map[string]interface{}
}

// Decode parses an event payload. The chaincode puts an optional
// "eventVersion" attribute next to the domain fields.
func Decode(eventName string, payload []byte) (*Envelope, error) {
	fields := make(map[string]interface{})
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventName, err)
	}

	env := &Envelope{
		EventName: eventName,
		Payload:   payload,
		Fields:    fields,
	}
	if v, ok := fields["eventVersion"].(string); ok {
		env.EventVersion = v
	}
	return env, nil
}

// String extracts a string field from the decoded payload.
func (e *Envelope) String(name string) string {
	v, _ := e.Fields[name].(string)
	return v
}

// Number extracts a numeric field; JSON numbers decode as float64.
func (e *Envelope) Number(name string) float64 {
	v, _ := e.Fields[name].(float64)
	return v
}

// Int64 extracts a numeric field as an integer amount.
func (e *Envelope) Int64(name string) int64 {
	return int64(e.Number(name))
}

// Result reports a validation outcome. Warnings never fail validation;
// they flag payloads worth a look (a missing version field, say).
type Result struct {
	OK           bool
	UnknownEvent bool
	Errors       []string
	Warnings     []string
}

// Registry holds the event catalog. Loaded at startup, read-only afterwards.
type Registry struct {
	mu      sync.RWMutex
	sealed  bool
	schemas map[string]*Descriptor
	aliases map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		schemas: make(map[string]*Descriptor),
		aliases: make(map[string]string),
	}
}

// Register adds a descriptor. Registering a name twice, or a name already
// claimed as an alias, fails: one canonical payload shape per event.
func (r *Registry) Register(d Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("schema registry is sealed")
	}
	if d.Name == "" {
		return fmt.Errorf("schema descriptor needs a name")
	}
	if _, exists := r.schemas[d.Name]; exists {
		return fmt.Errorf("schema %q already registered", d.Name)
	}
	if canonical, exists := r.aliases[d.Name]; exists {
		return fmt.Errorf("schema %q is an alias of %q; register the canonical shape instead", d.Name, canonical)
	}
	if d.Version == "" {
		d.Version = "1"
	}
	copied := d
	r.schemas[d.Name] = &copied
	return nil
}

// RegisterAlias maps a legacy event name onto a canonical one.
func (r *Registry) RegisterAlias(alias, canonical string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("schema registry is sealed")
	}
	if _, exists := r.schemas[alias]; exists {
		return fmt.Errorf("alias %q collides with a registered schema", alias)
	}
	if _, exists := r.schemas[canonical]; !exists {
		return fmt.Errorf("alias %q points at unregistered schema %q", alias, canonical)
	}
	r.aliases[alias] = canonical
	return nil
}

// Seal freezes the registry; startup calls it after the catalog is loaded.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Resolve returns the canonical name for an event and whether the input was
// a deprecated alias.
func (r *Registry) Resolve(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if canonical, ok := r.aliases[name]; ok {
		return canonical, true
	}
	return name, false
}

// Known reports whether a name (canonical or alias) is in the catalog.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.schemas[name]; ok {
		return true
	}
	_, ok := r.aliases[name]
	return ok
}

// EventNames lists the registered canonical names, sorted.
func (r *Registry) EventNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks an envelope against its descriptor. Unknown events are OK
// with the unknown signal set so newly deployed chaincode never blocks the
// projector. A missing envelope version is filled from the descriptor.
func (r *Registry) Validate(env *Envelope) Result {
	r.mu.RLock()
	defer r.mu.RUnlock()

	canonical := env.EventName
	if mapped, ok := r.aliases[canonical]; ok {
		canonical = mapped
	}

	desc, ok := r.schemas[canonical]
	if !ok {
		return Result{OK: true, UnknownEvent: true}
	}

	var errs, warns []string
	if env.EventVersion == "" {
		env.EventVersion = desc.Version
		warns = append(warns, "eventVersion missing, assuming "+desc.Version)
	} else if env.EventVersion != desc.Version {
		errs = append(errs, fmt.Sprintf("eventVersion %q does not match registered %q", env.EventVersion, desc.Version))
	}

	for _, f := range desc.Fields {
		value, present := env.Fields[f.Name]
		if !present || value == nil {
			if f.Required {
				errs = append(errs, "missing required field "+f.Name)
			}
			continue
		}
		if !typeMatches(f.Type, value) {
			errs = append(errs, fmt.Sprintf("field %s: expected %s, got %T", f.Name, f.Type, value))
		}
	}

	return Result{OK: len(errs) == 0, Errors: errs, Warnings: warns}
}

func typeMatches(t FieldType, v interface{}) bool {
	switch t {
	case FieldString:
		_, ok := v.(string)
		return ok
	case FieldNumber:
		_, ok := v.(float64)
		return ok
	case FieldBool:
		_, ok := v.(bool)
		return ok
	case FieldObject:
		_, ok := v.(map[string]interface{})
		return ok
	case FieldArray:
		_, ok := v.([]interface{})
		return ok
	default:
		return false
	}
}

// Summary renders validation errors for logs.
func (res Result) Summary() string {
	return strings.Join(res.Errors, "; ")
}
