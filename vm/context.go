package vm

import (
	"fmt"
	"io"
	"os"

	"github.com/tliron/commonlog"

	"github.com/chazu/regvm/jit"
	"github.com/chazu/regvm/object"
	"github.com/chazu/regvm/pkg/bytecode"
)

var log = commonlog.GetLogger("regvm.vm")

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// DefaultGCThreshold is the number of allocations between collections.
const DefaultGCThreshold = 4096

// Config holds the tunables of a Context.
type Config struct {
	// GCThreshold is the allocation count that requests a collection at the
	// next safepoint. Zero disables automatic collection.
	GCThreshold int

	// JIT enables native compilation of bytecode functions.
	JIT bool
	// ABI selects the native calling convention of emitted code.
	ABI jit.ABI
	// CodeZoneSize is the size in bytes of the executable code zone.
	CodeZoneSize int
	// Trampolines lets call sites reference functions that have not been
	// compiled yet.
	Trampolines bool

	// KeepStackTraces makes landing pads record the stack trace of the
	// exceptions they catch.
	KeepStackTraces bool

	// DisableOptimization compiles function definitions without the
	// optimizer passes.
	DisableOptimization bool
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		GCThreshold:     DefaultGCThreshold,
		ABI:             jit.SysV,
		CodeZoneSize:    jit.DefaultCodeZoneSize,
		Trampolines:     true,
		KeepStackTraces: true,
	}
}

// AbortFunc is invoked when an exception reaches the bottom of the record
// chain without finding a landing pad.
type AbortFunc func(ctx *Context, exception object.Value)

// Option configures a Context.
type Option func(*Context)

// WithConfig replaces the default configuration.
func WithConfig(c Config) Option {
	return func(ctx *Context) { ctx.config = c }
}

// WithStdout redirects the output of printing primitives.
func WithStdout(w io.Writer) Option {
	return func(ctx *Context) { ctx.stdout = w }
}

// WithStderr redirects unhandled exception reports.
func WithStderr(w io.Writer) Option {
	return func(ctx *Context) { ctx.stderr = w }
}

// WithAbort replaces the hook run for unhandled exceptions. The default is
// ExitOnAbort.
func WithAbort(f AbortFunc) Option {
	return func(ctx *Context) { ctx.abort = f }
}

// ExitOnAbort terminates the process, the way a standalone runtime does.
func ExitOnAbort(ctx *Context, exception object.Value) {
	os.Exit(1)
}

// ---------------------------------------------------------------------------
// Context
// ---------------------------------------------------------------------------

// Context is one execution context: a heap, a session, the active record
// chain and the collector state. A Context is used by one goroutine at a
// time.
type Context struct {
	Heap    *object.Heap
	Session bytecode.SessionID

	config Config
	stdout io.Writer
	stderr io.Writer
	abort  AbortFunc

	head Record

	gcLockCount int
	gcRequested bool
	gcStats     GCStats

	primitives primitiveTable
	jit        *jitManager

	doesNotUnderstandSelector object.Value
}

// NewContext creates a context over h. The JIT code zone is mapped when the
// configuration enables it.
func NewContext(h *object.Heap, opts ...Option) (*Context, error) {
	ctx := &Context{
		Heap:    h,
		Session: bytecode.NewSessionID(),
		config:  DefaultConfig(),
		stdout:  os.Stdout,
		stderr:  os.Stderr,
		abort:   ExitOnAbort,
	}
	for _, opt := range opts {
		opt(ctx)
	}

	ctx.doesNotUnderstandSelector = h.Intern("doesNotUnderstand:")
	ctx.installPrimitives()

	if ctx.config.JIT {
		m, err := newJITManager(ctx)
		if err != nil {
			return nil, fmt.Errorf("starting JIT: %w", err)
		}
		ctx.jit = m
	}

	log.Info("context created",
		"session", ctx.Session.String(),
		"jit", ctx.config.JIT,
		"gcThreshold", ctx.config.GCThreshold)
	return ctx, nil
}

// Config returns the configuration of the context.
func (ctx *Context) Config() Config {
	return ctx.config
}

// Restart begins a new session. Native code installed by earlier sessions
// becomes stale and is recompiled on next use.
func (ctx *Context) Restart() {
	ctx.head = nil
	ctx.gcLockCount = 0
	ctx.gcRequested = false
	ctx.Session = bytecode.NewSessionID()
	if ctx.jit != nil {
		ctx.jit.reset()
	}
	log.Info("context restarted", "session", ctx.Session.String())
}

// Close releases the code zone.
func (ctx *Context) Close() error {
	if ctx.jit != nil {
		return ctx.jit.close()
	}
	return nil
}

// JITEnabled reports whether bytecode functions run as native code.
func (ctx *Context) JITEnabled() bool {
	return ctx.jit != nil
}
