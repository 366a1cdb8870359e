// Completion: 100% - CLI entry point
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
)

const versionString = "tapec 1.0.0"

// usage prints the flag block in the teacher's own cmdHelp style: a
// single backtick-quoted block with USAGE/FLAGS/EXAMPLES sections,
// rather than the default output flag.PrintDefaults produces.
func usage() {
	fmt.Fprintf(os.Stderr, `tapec - tape-machine compiler toolchain (Version %s)

USAGE:
    tapec [flags] <program-file>

FLAGS:
    -backend string   target back end: c, nasm, elf64 (default "elf64")
    -compile          compile only, write output to -o and exit
                      (the default action when none of -compile, -tree,
                      -slow is given is also "compile")
    -tree             interpret the optimized IR with the tree-walking
                      interpreter instead of compiling
    -slow             interpret the raw source bytes directly, with no
                      parsing and no optimization
    -o string         output file path (default "a.out")
    -O int            optimization level, 0-3 (default 2)
    -no-check         omit tape bounds checks from compiled output
    -v, -verbose      trace each compilation stage to stderr
    -h, -help         show this help message and exit
    -V, -version      print version information and exit

EXAMPLES:
    tapec program.bf
    tapec -backend nasm -o program.asm program.bf
    tapec -backend c -O3 -o program.c program.bf
    tapec -tree program.bf
    tapec -slow program.bf

ENVIRONMENT:
    NO_COLOR          disable ANSI color in diagnostics (no-color.org)
    TAPEC_BACKEND     default for -backend when it is not given
    TAPEC_OPT_LEVEL   default for -O when it is not given

DOCUMENTATION:
    For bug reports: https://github.com/xyproto/tapec/issues

`, versionString)
}

func main() {
	flag.Usage = usage

	backend := flag.String("backend", defaultBackend(), "target back end: c, nasm, elf64")
	compileFlag := flag.Bool("compile", false, "compile only, write output and exit")
	treeFlag := flag.Bool("tree", false, "interpret the IR with the tree-walking interpreter")
	slowFlag := flag.Bool("slow", false, "interpret the raw source with the straight bytecode interpreter")
	output := flag.String("o", "a.out", "output file path")
	optLevel := flag.Int("O", defaultOptLevel(), "optimization level, 0-3")
	noCheck := flag.Bool("no-check", false, "omit tape bounds checks")
	verbose := flag.Bool("v", false, "trace each compilation stage to stderr")
	verboseLong := flag.Bool("verbose", false, "trace each compilation stage to stderr")
	help := flag.Bool("h", false, "show this help message and exit")
	helpLong := flag.Bool("help", false, "show this help message and exit")
	versionShort := flag.Bool("V", false, "print version information and exit")
	versionLong := flag.Bool("version", false, "print version information and exit")

	flag.Parse()

	if *help || *helpLong {
		usage()
		os.Exit(0)
	}
	if *versionShort || *versionLong {
		fmt.Println(versionString)
		os.Exit(0)
	}

	verboseMode := *verbose || *verboseLong

	if err := run(runOptions{
		backend:    *backend,
		compile:    *compileFlag,
		tree:       *treeFlag,
		slow:       *slowFlag,
		output:     *output,
		optLevel:   *optLevel,
		noCheck:    *noCheck,
		verbose:    verboseMode,
		positional: flag.Args(),
	}); err != nil {
		reportAndExit(err)
	}
}

type runOptions struct {
	backend    string
	compile    bool
	tree       bool
	slow       bool
	output     string
	optLevel   int
	noCheck    bool
	verbose    bool
	positional []string
}

// trace writes a one-line progress message to stderr when verbose mode
// is on, grounded on the teacher's own -v/--verbose stage tracing in
// its main().
func (o runOptions) trace(format string, args ...interface{}) {
	if !o.verbose {
		return
	}
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

// run resolves the requested action (compile / tree-interpret /
// bytecode-interpret) against exactly one positional source file and
// drives the pipeline end to end. Every error returned here is already
// a CompilerError; reportAndExit is the only place that inspects it.
func run(o runOptions) error {
	if len(o.positional) != 1 {
		return UsageError(fmt.Sprintf("expected exactly one source file, got %d", len(o.positional)))
	}
	path := o.positional[0]

	if o.optLevel < 0 || o.optLevel > 3 {
		return UsageError(fmt.Sprintf("invalid -O level %d: must be 0-3", o.optLevel))
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return ResourceError(fmt.Sprintf("error opening file: %v", err))
	}

	if o.slow {
		o.trace("running %s with the straight bytecode interpreter", path)
		return RunBytecode(bytes.NewReader(src), os.Stdin, os.Stdout)
	}

	o.trace("parsing %s", path)
	root, err := NewParserWithFilename(src, path).Parse()
	if err != nil {
		return err
	}

	o.trace("optimizing (level %d, no-check=%v)", o.optLevel, o.noCheck)
	root = Optimize(root, o.optLevel, o.noCheck)

	if o.tree {
		o.trace("running %s with the tree-walking interpreter", path)
		return RunTree(root, os.Stdin, os.Stdout)
	}

	return compileTo(o, root)
}

// compileTo dispatches to the back end named by -backend and writes its
// output to -o, recovering from the panics pseudoisa.go's whitelist
// constructors and GenerateELF raise on an internal invariant violation
// (those two paths report errors by panicking rather than returning
// one, per their own doc comments) so every failure still funnels
// through reportAndExit as a CompilerError.
func compileTo(o runOptions, root *Node) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if ce, ok := r.(CompilerError); ok {
				err = ce
				return
			}
			err = InvariantError(fmt.Sprintf("%v", r))
		}
	}()

	var data []byte
	switch o.backend {
	case "c":
		o.trace("generating C source")
		text, genErr := GenerateC(root)
		if genErr != nil {
			return genErr
		}
		data = []byte(text)
	case "nasm":
		o.trace("generating NASM assembly")
		text, genErr := GenerateNASM(root)
		if genErr != nil {
			return genErr
		}
		data = []byte(text)
	case "elf64":
		o.trace("generating ELF64 executable")
		data = GenerateELF(root)
	default:
		return UsageError(fmt.Sprintf("unknown backend %q: must be c, nasm, or elf64", o.backend))
	}

	o.trace("writing %s", o.output)
	return writeOutput(o.output, data, o.backend == "elf64")
}

// writeOutput writes data to path, marking it executable when the
// back end produced a native binary (the elf64 back end), matching the
// permission bits the original compiler gives its own output file.
func writeOutput(path string, data []byte, executable bool) error {
	perm := os.FileMode(0o644)
	if executable {
		perm = 0o755
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return ResourceError(fmt.Sprintf("error writing output file: %v", err))
	}
	return nil
}

// reportAndExit is the single exit funnel every error path in main
// flows through: it type-switches on CompilerError to choose the exit
// code and message shape, falling back to a generic "error: %v" for a
// plain Go error that somehow reached here unclassified.
func reportAndExit(err error) {
	if ce, ok := err.(CompilerError); ok {
		fmt.Fprint(os.Stderr, ce.Format(wantColor()))
		os.Exit(exitCodeFor(ce))
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// exitCodeFor assigns a distinct process exit code per error category,
// generalizing the original's single EXIT_FAILURE into something a
// calling script can distinguish on.
func exitCodeFor(ce CompilerError) int {
	switch ce.Category {
	case CategoryUserInput:
		return 2
	case CategoryRuntime:
		return 1
	case CategoryResource:
		return 3
	case CategoryInvariant:
		return 70 // EX_SOFTWARE, borrowed from sysexits.h
	default:
		return 1
	}
}
