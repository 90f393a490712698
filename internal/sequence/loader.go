package sequence

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// Load error codes.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeLoadFailed  = "E004" // File could not be parsed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeSchema      = "E006" // Schema violation
	ErrCodeUnsupported = "E007" // Unsupported file extension
)

// LoadError represents a failure to read, parse or schema-check a sequence file.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Line returns the 1-based line of the error, or 0 if unknown.
func (e *LoadError) Line() int {
	if e.Pos.IsValid() {
		return e.Pos.Line()
	}
	return 0
}

// Load reads, schema-checks, validates and compiles a sequence file.
//
// Returns *LoadError for read/parse/schema problems and ValidationErrors
// for semantic problems.
func Load(path string) (*Sequence, error) {
	f, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if errs := ValidateFile(f); len(errs) > 0 {
		return nil, errs
	}
	seq, err := f.Compile()
	if err != nil {
		return nil, &LoadError{Code: ErrCodeGeneric, Message: err.Error()}
	}
	return seq, nil
}

// LoadFile reads and schema-checks a sequence file without semantic validation.
// Supported extensions: .yaml, .yml, .cue.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("sequence file not found: %s", path)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("reading sequence file: %v", err)}
	}
	return Parse(path, data)
}

// Parse schema-checks and decodes sequence source. The extension of name
// selects the syntax.
func Parse(name string, data []byte) (*File, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("embedded schema: %v", err)}
	}
	def := schema.LookupPath(cue.ParsePath("#Sequence"))

	var src cue.Value
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".cue":
		src = ctx.CompileBytes(data, cue.Filename(name))
	case ".yaml", ".yml":
		astFile, err := cueyaml.Extract(name, data)
		if err != nil {
			return nil, cueLoadError(ErrCodeLoadFailed, err)
		}
		src = ctx.BuildFile(astFile)
	default:
		return nil, &LoadError{Code: ErrCodeUnsupported, Message: fmt.Sprintf("unsupported sequence file extension %q (want .yaml, .yml or .cue)", ext)}
	}
	if err := src.Err(); err != nil {
		return nil, cueLoadError(ErrCodeLoadFailed, err)
	}

	unified := def.Unify(src)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, cueLoadError(ErrCodeSchema, err)
	}

	if strings.EqualFold(filepath.Ext(name), ".cue") {
		return decodeCUE(unified)
	}
	return decodeYAML(data)
}

// decodeYAML decodes YAML source with unknown fields rejected.
func decodeYAML(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("decoding YAML: %v", err)}
	}
	return &f, nil
}

// decodeCUE exports the unified value as JSON and decodes that.
func decodeCUE(v cue.Value) (*File, error) {
	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, cueLoadError(ErrCodeLoadFailed, err)
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("decoding CUE: %v", err)}
	}
	return &f, nil
}

// cueLoadError converts a CUE error to a LoadError with position info.
func cueLoadError(code string, err error) *LoadError {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &LoadError{Code: code, Message: err.Error()}
	}

	first := errs[0]
	le := &LoadError{Code: code, Message: first.Error()}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		le.Pos = positions[0]
	}
	return le
}
