// regvm CLI - runs and inspects compiled bytecode images
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/regvm/manifest"
)

var (
	errorColor  = color.New(color.FgRed, color.Bold)
	headerColor = color.New(color.FgCyan)
	resultColor = color.New(color.FgGreen)
)

var (
	errUsage          = errors.New("usage")
	errUnknownCommand = errors.New("unknown command")
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one CLI invocation and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("regvm", flag.ContinueOnError)
	fs.SetOutput(stderr)
	verbosity := fs.Int("v", 0, "Log verbosity (0 notices, 1 info, 2 debug)")
	configPath := fs.String("config", "", "Path to regvm.toml (default: search upward from the working directory)")
	useJIT := fs.Bool("jit", false, "Compile functions to native code")
	entry := fs.String("m", "main", "Binding to run")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: regvm [options] <command> <image> [args...]\n\n")
		fmt.Fprintf(stderr, "Commands:\n")
		fmt.Fprintf(stderr, "  run <image> [args...]      Run a bound function, printing its result\n")
		fmt.Fprintf(stderr, "  disasm <image>             List the bytecode of every function\n")
		fmt.Fprintf(stderr, "  jitdump <image> [names...] List the native code of bound functions\n")
		fmt.Fprintf(stderr, "  info <image>               Summarize the functions of an image\n")
		fmt.Fprintf(stderr, "  repack <image> <output>    Rewrite an image with the configured compression\n")
		fmt.Fprintf(stderr, "\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  regvm run app.rvmi 10           # Call main(10)\n")
		fmt.Fprintf(stderr, "  regvm -jit -m fib run app.rvmi 30\n")
		fmt.Fprintf(stderr, "  regvm jitdump app.rvmi fib\n")
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}

	m, err := loadManifest(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, errorColor.Sprintf("regvm: %v", err))
		return 1
	}

	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	level := m.Log.Verbosity
	if explicit["v"] {
		level = *verbosity
	}
	var logFile *string
	if m.Log.File != "" {
		logFile = &m.Log.File
	}
	commonlog.Configure(level, logFile)

	c := &cli{
		stdout:   stdout,
		stderr:   stderr,
		manifest: m,
		config:   m.Config(),
		entry:    *entry,
	}
	if *useJIT {
		c.config.JIT = true
	}

	rest := fs.Args()
	if len(rest) < 2 {
		fs.Usage()
		return 2
	}
	err = c.dispatch(rest[0], rest[1], rest[2:])
	if errors.Is(err, errUnknownCommand) {
		fmt.Fprintf(stderr, "regvm: unknown command %q\n\n", rest[0])
		fs.Usage()
		return 2
	}
	if err != nil {
		if errors.Is(err, errUsage) {
			fs.Usage()
			return 2
		}
		fmt.Fprintln(stderr, errorColor.Sprintf("regvm: %v", err))
		return 1
	}
	return 0
}

func loadManifest(path string) (*manifest.Manifest, error) {
	if path != "" {
		return manifest.LoadFile(path)
	}
	m, err := manifest.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if m == nil {
		return manifest.Default(), nil
	}
	return m, nil
}

// dispatch runs one command. An unhandled exception aborts it with an error.
func (c *cli) dispatch(command, path string, args []string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a, ok := r.(aborted)
			if !ok {
				panic(r)
			}
			err = fmt.Errorf("aborted by unhandled exception: %s", a.message)
		}
	}()

	switch command {
	case "run":
		return c.runImage(path, args)
	case "disasm":
		return c.disasm(path)
	case "jitdump":
		return c.jitdump(path, args)
	case "info":
		return c.info(path)
	case "repack":
		return c.repack(path, args)
	}
	return errUnknownCommand
}
