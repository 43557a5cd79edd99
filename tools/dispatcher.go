package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/barebitcoin/btc-mcp/network"
	"github.com/barebitcoin/btc-mcp/toolerr"
)

// HandlerFunc runs one tool against its raw argument object.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

type Tool struct {
	Descriptor
	Handler HandlerFunc
}

type Config struct {
	// DefaultNetwork is injected into every call that does not name a
	// network. Empty means network.Default.
	DefaultNetwork string
}

// Dispatcher routes a tool name to its handler. It holds no per-call
// state and is safe for concurrent use.
type Dispatcher struct {
	ordered []*Tool
	byName  map[string]*Tool
}

// New merges the four category registries into one routing table.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.DefaultNetwork == "" {
		cfg.DefaultNetwork = network.Default
	}
	if !network.IsRecognized(cfg.DefaultNetwork) {
		return nil, fmt.Errorf("default network: unsupported network %q", cfg.DefaultNetwork)
	}

	h := &handlers{defaultNetwork: strings.ToLower(cfg.DefaultNetwork)}

	d := &Dispatcher{byName: make(map[string]*Tool)}
	categories := [][]*Tool{
		h.addressTools(),
		h.transactionTools(),
		h.psbtTools(),
		h.utilityTools(),
	}
	for _, category := range categories {
		for _, tool := range category {
			if _, exists := d.byName[tool.Name]; exists {
				return nil, fmt.Errorf("duplicate tool name: %s", tool.Name)
			}
			d.byName[tool.Name] = tool
			d.ordered = append(d.ordered, tool)
		}
	}

	return d, nil
}

// List returns every descriptor in registry order.
func (d *Dispatcher) List() []Descriptor {
	return lo.Map(d.ordered, func(t *Tool, _ int) Descriptor { return t.Descriptor })
}

func (d *Dispatcher) Descriptor(name string) (Descriptor, bool) {
	tool, ok := d.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	return tool.Descriptor, true
}

type EnvelopeError struct {
	Code    toolerr.Code `json:"code"`
	Message string       `json:"message"`
}

// Envelope is the uniform response of every call.
type Envelope struct {
	Tool    string         `json:"tool"`
	Success bool           `json:"success"`
	Result  any            `json:"result,omitempty"`
	Error   *EnvelopeError `json:"error,omitempty"`
}

// Call invokes the named tool. Failures never escape as errors or panics;
// they are rendered into the envelope.
func (d *Dispatcher) Call(ctx context.Context, name string, args map[string]any) Envelope {
	start := time.Now()

	if _, ok := ctx.Value(requestIDKey).(string); !ok {
		ctx = WithRequestID(ctx, NewRequestID())
	}
	log := zerolog.Ctx(ctx).With().
		Str("tool", name).
		Logger()
	ctx = log.WithContext(ctx)

	result, err := d.invoke(ctx, name, args)

	level := zerolog.DebugLevel
	switch toolerr.CodeOf(err) {
	case "":
	case toolerr.CodeLibraryOperation:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	log.WithLevel(level).
		Stringer("duration", time.Since(start)).
		Err(err).
		Msgf("tool %s: %s", name, describeCode(toolerr.CodeOf(err)))

	if err != nil {
		return Envelope{
			Tool: name,
			Error: &EnvelopeError{
				Code:    toolerr.CodeOf(err),
				Message: toolerr.Message(err),
			},
		}
	}

	return Envelope{Tool: name, Success: true, Result: result}
}

func (d *Dispatcher) invoke(ctx context.Context, name string, args map[string]any) (result any, err error) {
	tool, ok := d.byName[name]
	if !ok {
		return nil, toolerr.NewError(toolerr.CodeUnknownTool, fmt.Errorf("unknown tool: %s", name))
	}

	args, err = tool.InputSchema.apply(args)
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			zerolog.Ctx(ctx).Warn().
				Str("stack", string(debug.Stack())).
				Interface("panic", r).
				Msg("recovered while running tool")
			result, err = nil, toolerr.Library(fmt.Errorf("panic: %v", r))
		}
	}()

	result, err = tool.Handler(ctx, args)
	if err != nil {
		return nil, toolerr.Library(err)
	}
	return result, nil
}

func describeCode(code toolerr.Code) string {
	if code == "" {
		return "ok"
	}
	return code.String()
}

// apply rejects unknown and missing fields, checks enumerations and fills
// in defaults. The input map is never mutated.
func (s Schema) apply(args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(s.Properties))
	for key, value := range args {
		if _, ok := s.property(key); !ok {
			return nil, toolerr.Format("unknown field: %q", key)
		}
		out[key] = value
	}

	for _, p := range s.Properties {
		value, present := out[p.Name]
		if !present || value == nil {
			if p.Required {
				return nil, toolerr.Format("missing required field: %q", p.Name)
			}
			if p.Default != nil {
				out[p.Name] = p.Default
			}
			continue
		}

		if len(p.Enum) == 0 {
			continue
		}
		str, isString := value.(string)
		if !isString || !lo.Contains(p.Enum, strings.ToLower(str)) {
			// Unsupported networks have their own code.
			if p.Name == "network" && isString {
				_, err := network.Resolve(str)
				return nil, err
			}
			return nil, toolerr.Format(
				"invalid value for %q: must be one of %s", p.Name, strings.Join(p.Enum, ", "),
			)
		}
		out[p.Name] = strings.ToLower(str)
	}

	return out, nil
}

// handle adapts a typed handler to the generic argument map. Field types
// are enforced by decoding, nested unknown fields are rejected.
func handle[T any, R any](fn func(ctx context.Context, in T) (R, error)) HandlerFunc {
	return func(ctx context.Context, args map[string]any) (any, error) {
		var in T
		if err := bind(args, &in); err != nil {
			return nil, err
		}
		return fn(ctx, in)
	}
}

func bind(args map[string]any, target any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return toolerr.Format("unable to parse arguments")
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()

	err = decoder.Decode(target)
	var typeErr *json.UnmarshalTypeError
	switch {
	case err == nil:
		return nil

	case errors.As(err, &typeErr):
		return toolerr.Format("invalid value for %q: expected %s", typeErr.Field, jsonTypeName(typeErr.Type))

	case strings.HasPrefix(err.Error(), "json: unknown field "):
		field := strings.TrimPrefix(err.Error(), "json: unknown field ")
		return toolerr.Format("unknown field: %s", field)

	default:
		return toolerr.Format("unable to parse arguments: %s", err)
	}
}

func jsonTypeName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.String:
		return "string"
	case reflect.Slice, reflect.Array:
		return "array"
	default:
		return "object"
	}
}

type requestIDKeyType int

const requestIDKey requestIDKeyType = 1

// WithRequestID attaches a request ID to ctx and to its context logger.
// Transports call this so the dispatcher log lines can be correlated with
// their own.
func WithRequestID(ctx context.Context, id string) context.Context {
	log := zerolog.Ctx(ctx).With().Str("requestId", id).Logger()
	return context.WithValue(log.WithContext(ctx), requestIDKey, id)
}

// NewRequestID returns a fresh request ID.
func NewRequestID() string {
	return "req_" + ulid.Make().String()
}
