package vm

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chazu/regvm/object"
)

// ---------------------------------------------------------------------------
// Non-local control transfer
// ---------------------------------------------------------------------------

// ErrUnhandledException matches an Unwind for an exception no landing pad
// accepted.
var ErrUnhandledException = errors.New("unhandled exception")

// Signal is the reason control is unwinding.
type Signal uint8

const (
	SignalException Signal = iota
	SignalReturn
	SignalBreak
	SignalContinue
)

func (s Signal) String() string {
	switch s {
	case SignalException:
		return "exception"
	case SignalReturn:
		return "return"
	case SignalBreak:
		return "break"
	case SignalContinue:
		return "continue"
	}
	return fmt.Sprintf("Signal(%d)", s)
}

// Unwind is the error that carries control from the point of a raise,
// return, break or continue to its target record. Every frame between the
// two returns it unchanged; the frame that owns Target consumes it.
//
// By the time an Unwind is returned the record chain head is already Target
// and every cleanup in between has run. An exception without a landing pad
// has a nil Target.
type Unwind struct {
	Signal Signal
	Target Record
	Value  object.Value

	message string
}

func (u *Unwind) Error() string {
	if u.Target == nil {
		return fmt.Sprintf("unhandled exception: %s", u.message)
	}
	if u.message != "" {
		return fmt.Sprintf("unwinding %s to %s: %s", u.Signal, u.Target.Kind(), u.message)
	}
	return fmt.Sprintf("unwinding %s to %s", u.Signal, u.Target.Kind())
}

// Is makes unhandled exceptions match ErrUnhandledException.
func (u *Unwind) Is(target error) bool {
	return target == ErrUnhandledException && u.Signal == SignalException && u.Target == nil
}

// AsUnwind extracts an Unwind from err.
func AsUnwind(err error) (*Unwind, bool) {
	var u *Unwind
	if errors.As(err, &u) {
		return u, true
	}
	return nil, false
}

func (ctx *Context) unwindsTo(err error, target Record) bool {
	u, ok := AsUnwind(err)
	return ok && u.Target == target
}

// Raise signals exception. The nearest landing pad whose filter accepts the
// exception runs its action and becomes the head of the chain.
func (ctx *Context) Raise(exception object.Value) error {
	h := ctx.Heap
	var pad *LandingPadRecord
	for r := range ctx.Records() {
		lp, ok := r.(*LandingPadRecord)
		if ok && (lp.Filter == object.Null || h.IsKindOf(exception, lp.Filter)) {
			pad = lp
			break
		}
	}

	message := h.ExceptionMessage(exception)
	if pad == nil {
		log.Error("unhandled exception", "message", message, "depth", ctx.Depth())
		fmt.Fprintf(ctx.stderr, "Unhandled exception: %s\n", message)
		ctx.PrintStackTrace(ctx.stderr)
		if ctx.abort != nil {
			ctx.abort(ctx, exception)
		}
		return &Unwind{Signal: SignalException, Value: exception, message: message}
	}

	pad.Exception = exception
	if pad.KeepStackTrace {
		trace := ctx.BuildStackTraceUpTo(pad)
		elements := make([]object.Value, len(trace))
		for i, line := range trace {
			elements[i] = h.NewString(line)
		}
		pad.StackTrace = h.NewArray(elements...)
	}
	if pad.Action != object.Null {
		result, err := ctx.Apply(pad.Action, []object.Value{exception}, 0)
		if err != nil {
			return err
		}
		pad.ActionResult = result
	}

	if err := ctx.prepareUnwindingUntil(pad); err != nil {
		return err
	}
	ctx.head = pad
	return &Unwind{Signal: SignalException, Target: pad, Value: exception, message: message}
}

// RaiseError raises a new exception of type t. A null type raises Error.
func (ctx *Context) RaiseError(t object.Value, message string) error {
	return ctx.Raise(ctx.Heap.NewException(t, message))
}

// Errorf raises an Error with a formatted message.
func (ctx *Context) Errorf(format string, args ...any) error {
	return ctx.RaiseError(object.Null, fmt.Sprintf(format, args...))
}

// prepareUnwindingUntil runs pending cleanups and disarms the exit targets
// of every activation above target.
func (ctx *Context) prepareUnwindingUntil(target Record) error {
	for r := ctx.head; r != nil && r != target; r = r.Previous() {
		switch rec := r.(type) {
		case *FunctionActivationRecord:
			rec.Environment.ClearUnwindingRecords()
		case *BreakTargetRecord:
			rec.Environment.ClearUnwindingRecords()
		case *ContinueTargetRecord:
			rec.Environment.ClearUnwindingRecords()
		case *CleanupRecord:
			if rec.done {
				continue
			}
			rec.done = true
			ctx.head = rec.Previous()
			if _, err := ctx.Apply(rec.Action, nil, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

func (ctx *Context) unwindTo(signal Signal, target Record, value object.Value) error {
	if err := ctx.prepareUnwindingUntil(target); err != nil {
		return err
	}
	ctx.head = target
	return &Unwind{Signal: signal, Target: target, Value: value}
}

// ReturnInto returns value from the activation target.
func (ctx *Context) ReturnInto(target Record, value object.Value) error {
	fa, ok := target.(*FunctionActivationRecord)
	if !ok || !ctx.onChain(target) {
		return ctx.Errorf("Cannot unwind for return into invalid target.")
	}
	fa.Result = value
	return ctx.unwindTo(SignalReturn, fa, value)
}

// BreakInto leaves the loop owning target.
func (ctx *Context) BreakInto(target Record) error {
	if _, ok := target.(*BreakTargetRecord); !ok || !ctx.onChain(target) {
		return ctx.Errorf("Cannot unwind for break into invalid target.")
	}
	return ctx.unwindTo(SignalBreak, target, object.Void)
}

// ContinueInto ends the current iteration of the loop owning target.
func (ctx *Context) ContinueInto(target Record) error {
	if _, ok := target.(*ContinueTargetRecord); !ok || !ctx.onChain(target) {
		return ctx.Errorf("Cannot unwind for continue into invalid target.")
	}
	return ctx.unwindTo(SignalContinue, target, object.Void)
}

// ---------------------------------------------------------------------------
// Scoped records
// ---------------------------------------------------------------------------

// WithFunctionActivation runs body as the activation of fn. A return into
// the activation ends body with the returned value.
func (ctx *Context) WithFunctionActivation(fn, definition object.Value, body func(*FunctionActivationRecord) (object.Value, error)) (object.Value, error) {
	r := &FunctionActivationRecord{Function: fn, Definition: definition, Environment: &Environment{}}
	r.Environment.ReturnTarget = r
	ctx.Push(r)
	result, err := body(r)
	ctx.Pop(r)
	r.Environment.ClearUnwindingRecords()
	if ctx.unwindsTo(err, r) {
		return r.Result, nil
	}
	return result, err
}

// WithBreakTarget runs body with env's break target set. A break ends body
// with Void.
func (ctx *Context) WithBreakTarget(env *Environment, body func() (object.Value, error)) (object.Value, error) {
	r := &BreakTargetRecord{Environment: env}
	saved := env.BreakTarget
	env.BreakTarget = r
	ctx.Push(r)
	result, err := body()
	ctx.Pop(r)
	env.BreakTarget = saved
	if ctx.unwindsTo(err, r) {
		return object.Void, nil
	}
	return result, err
}

// WithContinueTarget runs body with env's continue target set. A continue
// ends body with Void.
func (ctx *Context) WithContinueTarget(env *Environment, body func() (object.Value, error)) (object.Value, error) {
	r := &ContinueTargetRecord{Environment: env}
	saved := env.ContinueTarget
	env.ContinueTarget = r
	ctx.Push(r)
	result, err := body()
	ctx.Pop(r)
	env.ContinueTarget = saved
	if ctx.unwindsTo(err, r) {
		return object.Void, nil
	}
	return result, err
}

// Catch runs body under a landing pad. An exception of type filter (any
// exception when filter is null) ends body; the result is then the value
// of applying action to the exception, or the exception itself when action
// is null.
func (ctx *Context) Catch(filter, action object.Value, body func() (object.Value, error)) (object.Value, error) {
	pad := &LandingPadRecord{Filter: filter, Action: action, KeepStackTrace: ctx.config.KeepStackTraces}
	ctx.Push(pad)
	result, err := body()
	ctx.Pop(pad)
	if !ctx.unwindsTo(err, pad) {
		return result, err
	}
	if action == object.Null {
		return pad.Exception, nil
	}
	return pad.ActionResult, nil
}

// Try is Catch with a host handler. handler runs after unwinding and
// receives the landing pad with the exception and its stack trace.
func (ctx *Context) Try(filter object.Value, body func() (object.Value, error), handler func(*LandingPadRecord) (object.Value, error)) (object.Value, error) {
	pad := &LandingPadRecord{Filter: filter, KeepStackTrace: ctx.config.KeepStackTraces}
	ctx.Push(pad)
	result, err := body()
	ctx.Pop(pad)
	if !ctx.unwindsTo(err, pad) {
		return result, err
	}
	guard := &GCRootsRecord{Roots: []object.Value{pad.Exception, pad.StackTrace}}
	ctx.Push(guard)
	defer ctx.Pop(guard)
	return handler(pad)
}

// Ensure runs body and then cleanup exactly once, whether body returns or
// control unwinds through it.
func (ctx *Context) Ensure(body func() (object.Value, error), cleanup object.Value) (object.Value, error) {
	r := &CleanupRecord{Action: cleanup}
	ctx.Push(r)
	result, err := body()
	ctx.Pop(r)
	if r.done {
		return result, err
	}
	r.done = true

	guard := &GCRootsRecord{Roots: []object.Value{result}}
	ctx.Push(guard)
	_, cerr := ctx.Apply(cleanup, nil, 0)
	ctx.Pop(guard)
	if cerr != nil {
		return object.Null, cerr
	}
	return guard.Roots[0], err
}

// ---------------------------------------------------------------------------
// Stack traces
// ---------------------------------------------------------------------------

// BuildStackTraceUpTo describes every activation from the head down to,
// but excluding, target. A nil target describes the whole chain.
func (ctx *Context) BuildStackTraceUpTo(target Record) []string {
	h := ctx.Heap
	var lines []string
	for r := range ctx.Records() {
		if r == target {
			break
		}
		switch rec := r.(type) {
		case *BytecodeActivationRecord:
			lines = append(lines, fmt.Sprintf("%s at %s", ctx.functionName(rec.Function), rec.SourcePosition(h)))
		case *JITActivationRecord:
			lines = append(lines, fmt.Sprintf("%s at %s [native]", ctx.functionName(rec.Function()), rec.SourcePosition(h)))
		case *SourcePositionRecord:
			lines = append(lines, fmt.Sprintf("at %s", rec.Position))
		}
	}
	return lines
}

// PrintStackTrace writes the stack trace of the whole chain.
func (ctx *Context) PrintStackTrace(w io.Writer) {
	lines := ctx.BuildStackTraceUpTo(nil)
	if len(lines) == 0 {
		return
	}
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString("  ")
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	io.WriteString(w, sb.String())
}

func (ctx *Context) functionName(fn object.Value) string {
	h := ctx.Heap
	if name := h.PrimitiveNameOf(fn); name != "" {
		return name
	}
	if def := h.DefinitionOf(h.FunctionDefinitionOf(fn)); def != nil && def.Name != "" {
		return def.Name
	}
	return "<anonymous>"
}
