package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/chazu/regvm/manifest"
	"github.com/chazu/regvm/object"
	"github.com/chazu/regvm/pkg/bytecode"
	"github.com/chazu/regvm/vm"
)

type cli struct {
	stdout   io.Writer
	stderr   io.Writer
	manifest *manifest.Manifest
	config   vm.Config
	entry    string
}

// open creates a context and loads the image at path into it.
func (c *cli) open(path string, config vm.Config) (*vm.Context, *vm.LoadedImage, error) {
	ctx, err := vm.NewContext(object.NewHeap(),
		vm.WithConfig(config),
		vm.WithStdout(c.stdout),
		vm.WithStderr(c.stderr),
		vm.WithAbort(c.abort))
	if err != nil {
		return nil, nil, err
	}
	loaded, err := ctx.LoadImageFile(path)
	if err != nil {
		ctx.Close()
		return nil, nil, err
	}
	return ctx, loaded, nil
}

// aborted carries an unhandled exception out of the command. The context
// has already printed the report and the stack trace.
type aborted struct {
	message string
}

// abort stops the running command instead of exiting the process, so run
// can still return its exit code.
func (c *cli) abort(ctx *vm.Context, exception object.Value) {
	panic(aborted{message: ctx.Heap.ExceptionMessage(exception)})
}

// runImage calls the entry binding with the command line arguments and
// prints a non-void result.
func (c *cli) runImage(path string, args []string) error {
	ctx, loaded, err := c.open(path, c.config)
	if err != nil {
		return err
	}
	defer ctx.Close()

	fn, ok := loaded.Functions[c.entry]
	if !ok {
		return fmt.Errorf("%s: no binding named %q", path, c.entry)
	}
	values := make([]object.Value, len(args))
	for i, a := range args {
		values[i] = parseArgument(ctx.Heap, a)
	}

	result, err := ctx.Call(fn, values...)
	if err != nil {
		return err
	}
	if result != object.Void {
		fmt.Fprintln(c.stdout, resultColor.Sprint(ctx.Heap.Describe(result)))
	}
	return nil
}

// parseArgument reads integers and booleans; anything else is a string.
func parseArgument(h *object.Heap, s string) object.Value {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if v, ok := object.TryFromInt(n); ok {
			return v
		}
	}
	switch s {
	case "true":
		return object.True
	case "false":
		return object.False
	}
	return h.NewString(s)
}

func (c *cli) disasm(path string) error {
	ctx, loaded, err := c.open(path, c.interpreterConfig())
	if err != nil {
		return err
	}
	defer ctx.Close()

	h := ctx.Heap
	for _, definition := range loaded.Definitions {
		def := h.DefinitionOf(definition)
		b, err := ctx.EnsureBytecode(definition)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.stdout, headerColor.Sprintf("; === %s ===", def.Name))
		fmt.Fprintln(c.stdout, b.Disassemble(h.Describe))
	}
	return nil
}

func (c *cli) jitdump(path string, names []string) error {
	config := c.config
	config.JIT = true
	ctx, loaded, err := c.open(path, config)
	if err != nil {
		return err
	}
	defer ctx.Close()

	if len(names) == 0 {
		names = sortedNames(loaded.Functions)
	}
	for _, name := range names {
		fn, ok := loaded.Functions[name]
		if !ok {
			return fmt.Errorf("%s: no binding named %q", path, name)
		}
		listing, err := ctx.NativeDisassembly(fn)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Fprintln(c.stdout, headerColor.Sprintf("; === %s ===", name))
		fmt.Fprintln(c.stdout, listing)
	}
	stats := ctx.JITStats()
	fmt.Fprintf(c.stdout, "; %d functions compiled, %d bytes of code\n", stats.Compiled, stats.CodeBytes)
	return nil
}

func (c *cli) info(path string) error {
	img, err := vm.ReadImageFile(path)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, headerColor.Sprintf("%s: %d functions, %d bindings", path, len(img.Functions), len(img.Bindings)))
	for i, f := range img.Functions {
		fmt.Fprintf(c.stdout, "  [%3d] %-24s args=%d captures=%d locals=%d literals=%d code=%d fingerprint=%016x\n",
			i, f.Name, f.ArgumentCount, f.CaptureCount, f.LocalVectorSize, len(f.Literals), len(f.Instructions), f.Fingerprint)
	}
	for _, b := range img.Bindings {
		fmt.Fprintf(c.stdout, "  %s -> [%d]\n", b.Name, b.Function)
	}
	return nil
}

func (c *cli) interpreterConfig() vm.Config {
	config := c.config
	config.JIT = false
	return config
}

func sortedNames(functions map[string]object.Value) []string {
	names := make([]string, 0, len(functions))
	for name := range functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// repack loads an image and writes its bound functions back out with the
// configured image flags.
func (c *cli) repack(path string, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	ctx, loaded, err := c.open(path, c.interpreterConfig())
	if err != nil {
		return err
	}
	defer ctx.Close()

	var flags bytecode.ImageFlags
	if c.manifest != nil {
		flags = c.manifest.ImageFlags()
	}
	return ctx.SaveImage(args[0], loaded.Functions, flags)
}
