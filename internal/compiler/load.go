package compiler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/crmsync/internal/ir"
)

// Load error codes (E100-E199).
const (
	ErrCodeGeneric     = "E100" // Generic/unknown error
	ErrCodeScanError   = "E101" // Directory scan error
	ErrCodeNoFiles     = "E102" // No CUE files found
	ErrCodeLoadFailed  = "E103" // CUE load failed
	ErrCodeNotFound    = "E104" // Path not found
	ErrCodeBuildFailed = "E105" // CUE build failed
	ErrCodeDecode      = "E106" // Connection block could not be decoded
)

// LoadMode controls how errors are handled during loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// LoadResult contains the connections decoded from a directory.
type LoadResult struct {
	Connections []ir.ConnectionConfig
	FileCount   int
}

// LoadError represents an error that occurred while loading CUE files.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadDir loads every `connection: <id>: {...}` block from the CUE package in
// dir. Connections are returned sorted by id.
func LoadDir(dir string, mode LoadMode) (*LoadResult, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("config directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing config directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(files) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}
	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}}
	}

	result := &LoadResult{FileCount: len(files)}
	connections, errs := decodeConnections(value, mode)
	result.Connections = connections
	if len(connections) == 0 && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: "no connections found"})
	}
	return result, errs
}

// LoadString decodes connections from CUE source text. Used by tests and
// for single-file configuration.
func LoadString(src string) ([]ir.ConnectionConfig, error) {
	v := cuecontext.New().CompileString(src)
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	connections, errs := decodeConnections(v, LoadModeFailFast)
	if len(errs) > 0 {
		return nil, errs[0]
	}
	return connections, nil
}

func decodeConnections(value cue.Value, mode LoadMode) ([]ir.ConnectionConfig, []error) {
	var (
		out  []ir.ConnectionConfig
		errs []error
	)
	conns := value.LookupPath(cue.ParsePath("connection"))
	if !conns.Exists() {
		return nil, nil
	}
	iter, err := conns.Fields()
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("iterating connections: %v", err)}}
	}
	for iter.Next() {
		cfg, err := DecodeConnection(iter.Value())
		if err != nil {
			errs = append(errs, convertCompileError(err, "connection."+iter.Label()))
			if mode == LoadModeFailFast {
				return out, errs
			}
			continue
		}
		out = append(out, *cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Connection.ID < out[j].Connection.ID })
	return out, errs
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// convertCompileError converts a decoding error to a LoadError with position info.
func convertCompileError(err error, context string) *LoadError {
	var compileErr *CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    ErrCodeDecode,
			Message: fmt.Sprintf("%s: %s: %s", context, compileErr.Field, compileErr.Message),
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{
		Code:    ErrCodeGeneric,
		Message: fmt.Sprintf("%s: %v", context, err),
	}
}
