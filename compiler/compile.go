package compiler

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/regvm/object"
	"github.com/chazu/regvm/pkg/bytecode"
)

var log = commonlog.GetLogger("regvm.compiler")

var (
	ErrNotDefinition   = errors.New("value is not a function definition")
	ErrMissingAnalysis = errors.New("function definition has no analysis")
)

// Options control a compilation.
type Options struct {
	// DisableOptimization skips jump elision and local-value elimination.
	DisableOptimization bool
}

// Option configures Options.
type Option func(*Options)

// WithoutOptimization compiles the IR exactly as generated.
func WithoutOptimization() Option {
	return func(o *Options) { o.DisableOptimization = true }
}

// CompileFunctionDefinition compiles the analyzed body of a function
// definition object into bytecode. The definition itself is not modified.
func CompileFunctionDefinition(h *object.Heap, definition object.Value, opts ...Option) (*bytecode.Bytecode, error) {
	var options Options
	for _, opt := range opts {
		opt(&options)
	}

	def := h.DefinitionOf(definition)
	if def == nil {
		return nil, fmt.Errorf("%s: %w", h.Describe(definition), ErrNotDefinition)
	}
	analysis, ok := def.Analysis.(*FunctionAnalysis)
	if !ok || analysis == nil {
		return nil, fmt.Errorf("%s: %w", def.Name, ErrMissingAnalysis)
	}

	c := NewCompiler(h)
	c.BindAnalysis(analysis)
	c.position = def.Position

	var result *VectorOperand
	if analysis.Body != nil {
		var err error
		if result, err = c.CompileASTNode(analysis.Body); err != nil {
			return nil, fmt.Errorf("compiling %s: %w", def.Name, err)
		}
	} else {
		result = c.AddLiteral(object.Void)
	}
	if result != nil {
		c.Return(result)
	}

	if !options.DisableOptimization {
		removed := c.OptimizeJumps()
		if err := c.OptimizeLocalValues(); err != nil {
			return nil, fmt.Errorf("optimizing %s: %w", def.Name, err)
		}
		log.Debug("optimized function", "function", def.Name, "jumpsRemoved", removed)
	}

	b, err := c.Assemble()
	if err != nil {
		return nil, fmt.Errorf("assembling %s: %w", def.Name, err)
	}
	b.Definition = definition
	log.Debug("compiled function",
		"function", def.Name,
		"bytes", len(b.Instructions),
		"literals", len(b.Literals),
		"locals", b.LocalVectorSize)
	return b, nil
}
