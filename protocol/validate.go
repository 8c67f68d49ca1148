package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaURLBase = "https://infermesh.dev/schemas/"

// Result is the outcome of a schema validation. Errors are "field: message"
// strings with dotted paths, "(root)" for top-level failures.
type Result struct {
	OK     bool     `json:"ok"`
	Errors []string `json:"errors,omitempty"`
}

// Err folds the result into a single error, nil when valid.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	if len(r.Errors) == 0 {
		return errors.New("schema validation failed")
	}
	return errors.New(strings.Join(r.Errors, "; "))
}

func invalid(msgs ...string) Result { return Result{Errors: msgs} }

// Validator holds compiled schemas keyed by type name. The built-in set is
// loaded from the embedded schemas directory; operators can register extra
// schemas at runtime for custom payload types.
type Validator struct {
	mu      sync.RWMutex
	sources map[string][]byte
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the embedded schema set.
func NewValidator() (*Validator, error) {
	v := &Validator{
		sources: make(map[string][]byte),
		schemas: make(map[string]*jsonschema.Schema),
	}
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read embedded schemas: %w", err)
	}
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".json")
		raw, err := fs.ReadFile(schemaFS, "schemas/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", entry.Name(), err)
		}
		v.sources[name] = raw
	}
	compiler, err := v.newCompiler()
	if err != nil {
		return nil, err
	}
	for name := range v.sources {
		compiled, err := compiler.Compile(schemaURL(name))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", name, err)
		}
		v.schemas[name] = compiled
	}
	return v, nil
}

// newCompiler returns a Draft 2020-12 compiler preloaded with every known
// schema source so cross-schema refs resolve.
func (v *Validator) newCompiler() (*jsonschema.Compiler, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for name, raw := range v.sources {
		if err := c.AddResource(schemaURL(name), bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("load schema %q: %w", name, err)
		}
	}
	return c, nil
}

func schemaURL(name string) string { return schemaURLBase + name + ".json" }

// Register compiles and installs a schema under the given type name,
// replacing any previous schema of that name.
func (v *Validator) Register(name string, schemaJSON []byte) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("schema name must not be empty")
	}
	if !json.Valid(schemaJSON) {
		return fmt.Errorf("schema %q is not valid JSON", name)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	prev, hadPrev := v.sources[name]
	v.sources[name] = append([]byte(nil), schemaJSON...)
	compiler, err := v.newCompiler()
	if err == nil {
		var compiled *jsonschema.Schema
		compiled, err = compiler.Compile(schemaURL(name))
		if err == nil {
			v.schemas[name] = compiled
			return nil
		}
	}
	if hadPrev {
		v.sources[name] = prev
	} else {
		delete(v.sources, name)
	}
	return fmt.Errorf("compile schema %q: %w", name, err)
}

// Has reports whether a schema is registered for the type name.
func (v *Validator) Has(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.schemas[name]
	return ok
}

// Types lists registered schema names in sorted order.
func (v *Validator) Types() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	names := make([]string, 0, len(v.schemas))
	for name := range v.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks raw JSON against the named schema.
func (v *Validator) Validate(name string, raw []byte) Result {
	v.mu.RLock()
	schema, ok := v.schemas[name]
	v.mu.RUnlock()
	if !ok {
		return invalid(fmt.Sprintf("type: no schema registered for %q", name))
	}
	value, err := decodeJSONValue(raw)
	if err != nil {
		return invalid("(root): " + err.Error())
	}
	return resultFromValidation(schema.Validate(value))
}

// ValidateEnvelope checks the outer envelope shape, then the payload against
// the inner type's schema. Payload errors are reported under "payload.".
func (v *Validator) ValidateEnvelope(raw []byte, inner string) Result {
	outer := v.Validate("envelope", raw)
	if !outer.OK {
		return outer
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return invalid("(root): " + err.Error())
	}
	res := v.Validate(inner, env.Payload)
	if res.OK {
		return res
	}
	prefixed := make([]string, len(res.Errors))
	for i, msg := range res.Errors {
		prefixed[i] = prefixField(msg, "payload")
	}
	return Result{Errors: prefixed}
}

// controlSchemas maps control types to the schema validating their payloads.
var controlSchemas = map[ControlType]string{
	ControlCapsAnnounce:   "caps_announce",
	ControlPriceAnnounce:  "price_announce",
	ControlStatusAnnounce: "status_announce",
	ControlRFB:            "rfb",
	ControlBid:            "bid",
	ControlAward:          "award",
	ControlCancel:         "cancel",
	ControlReceiptSummary: "receipt_summary",
}

// SchemaForControl names the payload schema for a control type.
func SchemaForControl(t ControlType) (string, bool) {
	name, ok := controlSchemas[t]
	return name, ok
}

// ValidateControl checks a decoded control message's shape and its payload
// against the per-type schema.
func (v *Validator) ValidateControl(msg *RouterControlMessage) Result {
	raw, err := json.Marshal(msg)
	if err != nil {
		return invalid("(root): " + err.Error())
	}
	shape := v.Validate("control_message", raw)
	if !shape.OK {
		return shape
	}
	inner, ok := SchemaForControl(msg.Type)
	if !ok {
		return invalid(fmt.Sprintf("type: unknown control type %q", msg.Type))
	}
	res := v.Validate(inner, msg.Payload)
	if res.OK {
		return res
	}
	prefixed := make([]string, len(res.Errors))
	for i, m := range res.Errors {
		prefixed[i] = prefixField(m, "payload")
	}
	return Result{Errors: prefixed}
}

func decodeJSONValue(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON value")
	}
	return value, nil
}

func resultFromValidation(err error) Result {
	if err == nil {
		return Result{OK: true}
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return invalid("(root): " + err.Error())
	}
	var msgs []string
	flattenSchemaError(ve, &msgs)
	if len(msgs) == 0 {
		msgs = []string{fieldFromPointer(ve.InstanceLocation) + ": " + ve.Message}
	}
	seen := make(map[string]struct{}, len(msgs))
	out := msgs[:0]
	for _, m := range msgs {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return Result{Errors: out}
}

func flattenSchemaError(ve *jsonschema.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		*out = append(*out, fieldFromPointer(ve.InstanceLocation)+": "+ve.Message)
		return
	}
	for _, cause := range ve.Causes {
		flattenSchemaError(cause, out)
	}
}

func fieldFromPointer(ptr string) string {
	if ptr == "" || ptr == "/" {
		return "(root)"
	}
	tokens := strings.Split(strings.TrimPrefix(ptr, "/"), "/")
	for i, tok := range tokens {
		tok = strings.ReplaceAll(tok, "~1", "/")
		tokens[i] = strings.ReplaceAll(tok, "~0", "~")
	}
	return strings.Join(tokens, ".")
}

func prefixField(msg, prefix string) string {
	field, rest, found := strings.Cut(msg, ": ")
	if !found {
		return prefix + ": " + msg
	}
	if field == "(root)" {
		return prefix + ": " + rest
	}
	return prefix + "." + field + ": " + rest
}
