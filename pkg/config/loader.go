package config

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Format is a configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatCUE  Format = "cue"
	FormatJSON Format = "json"
)

// FormatFor picks the syntax from a file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".cue":
		return FormatCUE, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}
}

// Loader reads node configuration files. A Loader is safe for concurrent use.
type Loader struct {
	// cue.Context is not safe for concurrent use.
	mu        sync.Mutex
	ctx       *cue.Context
	schema    cue.Value
	validator *validator.Validate
	logger    zerolog.Logger
	debounce  time.Duration
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLogger sets the logger used by Watch.
func WithLogger(l zerolog.Logger) LoaderOption {
	return func(ld *Loader) {
		ld.logger = l
	}
}

// WithDebounce sets how long Watch waits after the last change before
// reloading.
func WithDebounce(d time.Duration) LoaderOption {
	return func(ld *Loader) {
		if d > 0 {
			ld.debounce = d
		}
	}
}

// NewLoader creates a loader with the built-in CUE schema compiled.
func NewLoader(opts ...LoaderOption) (*Loader, error) {
	ctx := cuecontext.New()
	schema, err := compileSchema(ctx)
	if err != nil {
		return nil, err
	}

	l := &Loader{
		ctx:       ctx,
		schema:    schema,
		validator: validator.New(),
		logger:    zerolog.Nop(),
		debounce:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Load reads, defaults and validates the file at path.
func (l *Loader) Load(path string) (*Config, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	return l.Parse(data, format, path)
}

// Parse decodes data over Default and validates the result. name is used in
// error positions.
func (l *Loader) Parse(data []byte, format Format, name string) (*Config, error) {
	cfg := Default()

	switch format {
	case FormatYAML, FormatJSON:
		if err := l.decodeYAML(data, name, cfg); err != nil {
			return nil, err
		}
	case FormatCUE:
		if err := l.decodeCUE(data, name, cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := l.Validate(cfg); err != nil {
		var le *LoadError
		if stderrors.As(err, &le) {
			le.File = name
			for i := range le.Errors {
				le.Errors[i].File = name
			}
		}
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg field constraints.
func (l *Loader) Validate(cfg *Config) error {
	err := l.validator.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return fmt.Errorf("failed to validate config: %w", err)
	}

	le := &LoadError{}
	for _, fe := range verrs {
		le.Errors = append(le.Errors, ValidationError{
			Path:    fieldPath(fe.Namespace()),
			Message: fieldMessage(fe),
		})
	}
	return le
}

// yaml.v3 handles JSON documents as well.
func (l *Loader) decodeYAML(data []byte, name string, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil {
		if stderrors.Is(err, io.EOF) {
			return nil
		}
		return &LoadError{File: name, Errors: yamlErrors(name, err)}
	}
	return nil
}

func (l *Loader) decodeCUE(data []byte, name string, cfg *Config) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	val := l.ctx.CompileString(string(data), cue.Filename(name))
	if err := val.Err(); err != nil {
		return &LoadError{File: name, Errors: convertCUEErrors(name, err)}
	}

	unified := l.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &LoadError{File: name, Errors: convertCUEErrors(name, err)}
	}

	// Round-trip through JSON so fields the file omits keep their defaults.
	raw, err := unified.MarshalJSON()
	if err != nil {
		return &LoadError{File: name, Errors: convertCUEErrors(name, err)}
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return &LoadError{File: name, Errors: []ValidationError{{File: name, Message: err.Error()}}}
	}
	return nil
}

// convertCUEErrors flattens a CUE error list, preferring positions inside
// the loaded file over positions in the schema.
func convertCUEErrors(name string, err error) []ValidationError {
	var out []ValidationError

	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			File:    name,
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		}

		pos := errors.Positions(e)
		for i, p := range pos {
			if i == 0 || p.Filename() == name {
				ve.Line = p.Line()
				ve.Column = p.Column()
			}
			if p.Filename() == name {
				break
			}
		}
		out = append(out, ve)
	}

	if len(out) == 0 {
		out = append(out, ValidationError{File: name, Message: err.Error()})
	}
	return out
}

func yamlErrors(name string, err error) []ValidationError {
	var te *yaml.TypeError
	if stderrors.As(err, &te) {
		out := make([]ValidationError, 0, len(te.Errors))
		for _, msg := range te.Errors {
			out = append(out, ValidationError{File: name, Line: yamlLine(msg), Message: msg})
		}
		return out
	}
	return []ValidationError{{File: name, Line: yamlLine(err.Error()), Message: err.Error()}}
}

// yamlLine extracts N from yaml.v3 messages of the form "... line N: ...".
func yamlLine(msg string) int {
	idx := strings.Index(msg, "line ")
	if idx < 0 {
		return 0
	}
	var line int
	if _, err := fmt.Sscanf(msg[idx:], "line %d", &line); err != nil {
		return 0
	}
	return line
}

// fieldPath turns "Config.Scheduler.Workers" into "scheduler.workers".
func fieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = snakeCase(p)
	}
	return strings.Join(parts, ".")
}

func snakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		upper := r >= 'A' && r <= 'Z'
		if upper && i > 0 {
			prevLower := runes[i-1] >= 'a' && runes[i-1] <= 'z'
			nextLower := i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z'
			if prevLower || nextLower {
				b.WriteByte('_')
			}
		}
		if upper {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if":
		return fmt.Sprintf("is required when %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "startswith":
		return fmt.Sprintf("must start with %q", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
