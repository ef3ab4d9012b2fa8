package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/arcadia/abml/internal/artifact"
	"github.com/arcadia/abml/internal/compiler"
	"github.com/arcadia/abml/internal/diagnostics"
	"github.com/arcadia/abml/internal/document"
	"github.com/arcadia/abml/internal/pipeline"
	"github.com/arcadia/abml/internal/runtime"
	"github.com/arcadia/abml/internal/vm"
)

const usage = `Usage:
  abml check   <file.abml> [--strict]
  abml compile <file.abml> [-o <file.abmc>] [--strict]
  abml disasm  <file.abml|file.abmc>
  abml run     <file.abml|file.abmc> [--ticks N] [--tick-ms D] [-v]
`

var colorize = isatty.IsTerminal(os.Stderr.Fd())

func main() {
	defer func() {
		if r := recover(); r != nil {
			if os.Getenv("DEBUG") == "1" {
				panic(r)
			}
			fmt.Fprintf(os.Stderr, "Internal error: %v\n", r)
			fmt.Fprintln(os.Stderr, "This is a bug. Please report it.")
			os.Exit(1)
		}
	}()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	verbosity := 0
	for _, arg := range os.Args {
		if arg == "-v" || arg == "--verbose" {
			verbosity = 2
		}
	}
	commonlog.Configure(verbosity, nil)

	switch os.Args[1] {
	case "check":
		handleCheck(os.Args[2:])
	case "compile":
		handleCompile(os.Args[2:])
	case "disasm":
		handleDisasm(os.Args[2:])
	case "run":
		handleRun(os.Args[2:])
	case "help", "-help", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n%s", os.Args[1], usage)
		os.Exit(2)
	}
}

func splitArgs(args []string) (files []string, flags map[string]string) {
	flags = map[string]string{}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			files = append(files, arg)
			continue
		}
		name := strings.TrimLeft(arg, "-")
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") && needsValue(name) {
			flags[name] = args[i+1]
			i++
		} else {
			flags[name] = "true"
		}
	}
	return files, flags
}

func needsValue(name string) bool {
	switch name {
	case "o", "ticks", "tick-ms":
		return true
	}
	return false
}

func printDiagnostics(diags []*diagnostics.Diagnostic) {
	for _, d := range diags {
		msg := d.Error()
		if colorize {
			if d.Severity == diagnostics.SeverityError {
				msg = "\x1b[31m" + msg + "\x1b[0m"
			} else {
				msg = "\x1b[33m" + msg + "\x1b[0m"
			}
		}
		fmt.Fprintf(os.Stderr, "- %s\n", msg)
	}
}

// compileFile runs the full pipeline over one source file, exiting on
// errors.
func compileFile(path string, strict bool) *compiler.Model {
	src, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading file: %s\n", err)
		os.Exit(1)
	}
	ctx := pipeline.Compile(&pipeline.Context{
		File:   path,
		Source: src,
		Strict: strict,
		Loader: document.NewFSLoader(filepath.Dir(path), strict),
	})
	printDiagnostics(ctx.Diagnostics)
	if ctx.HasErrors() || ctx.Model == nil {
		fmt.Fprintln(os.Stderr, "Compilation failed with errors.")
		os.Exit(1)
	}
	return ctx.Model
}

func loadModel(path string, strict bool) *compiler.Model {
	if strings.HasSuffix(path, ".abmc") {
		model, err := artifact.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading artifact: %s\n", err)
			os.Exit(1)
		}
		return model
	}
	return compileFile(path, strict)
}

func handleCheck(args []string) {
	files, flags := splitArgs(args)
	if len(files) != 1 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	src, err := os.ReadFile(files[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading file: %s\n", err)
		os.Exit(1)
	}
	strict := flags["strict"] == "true"
	ctx := pipeline.Compile(&pipeline.Context{
		File:   files[0],
		Source: src,
		Strict: strict,
		Loader: document.NewFSLoader(filepath.Dir(files[0]), strict),
	})
	printDiagnostics(ctx.Diagnostics)
	if ctx.HasErrors() {
		os.Exit(1)
	}
	fmt.Printf("%s: ok\n", files[0])
}

func handleCompile(args []string) {
	files, flags := splitArgs(args)
	if len(files) != 1 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	model := compileFile(files[0], flags["strict"] == "true")

	out := flags["o"]
	if out == "" {
		out = strings.TrimSuffix(files[0], filepath.Ext(files[0])) + ".abmc"
	}
	if err := artifact.WriteFile(out, model); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing artifact: %s\n", err)
		os.Exit(1)
	}
	data, _ := artifact.Encode(model)
	fmt.Printf("Compiled %s -> %s\n", files[0], out)
	fmt.Printf("Artifact size: %d bytes\n", len(data))
}

func handleDisasm(args []string) {
	files, flags := splitArgs(args)
	if len(files) != 1 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	model := loadModel(files[0], flags["strict"] == "true")
	fmt.Print(compiler.Disassemble(model))
}

func handleRun(args []string) {
	files, flags := splitArgs(args)
	if len(files) != 1 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	model := loadModel(files[0], flags["strict"] == "true")

	maxTicks := 1000
	if v := flags["ticks"]; v != "" {
		fmt.Sscanf(v, "%d", &maxTicks)
	}
	tickStep := 100 * time.Millisecond
	if v := flags["tick-ms"]; v != "" {
		var ms int
		fmt.Sscanf(v, "%d", &ms)
		tickStep = time.Duration(ms) * time.Millisecond
	}

	// Without an embedding host, actions echo to stdout and succeed.
	registry := runtime.NewRegistry()
	registry.RegisterFallback(func(inv runtime.Invocation) runtime.Outcome {
		params := ""
		if inv.Params != nil {
			params = " " + inv.Params.Inspect()
		}
		fmt.Printf("[%s] %s%s\n", inv.Channel, inv.Action, params)
		return runtime.Outcome{Result: vm.BoolVal(true)}
	})

	ex, err := runtime.New(model, runtime.Config{
		Entity:   runtime.NewMapProvider(),
		World:    runtime.NewMapProvider(),
		Registry: registry,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}

	now := time.Now()
	if err := ex.Start(now); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	for tick := 0; tick < maxTicks && !ex.Done(); tick++ {
		now = now.Add(tickStep)
		ex.Tick(now)
	}

	aborted := false
	for _, ch := range ex.Channels() {
		status := ch.Status().String()
		if ch.Fault() != "" {
			status += " (" + ch.Fault() + ")"
			aborted = true
		}
		fmt.Printf("channel %-20s %s\n", ch.Name(), status)
	}
	if aborted {
		os.Exit(1)
	}
}
