// Completion: 100% - straight bytecode interpreter (no IR, no optimization)
package main

import (
	"bufio"
	"fmt"
	"io"
)

// bytecodeProgramLimit is the bytecode interpreter's own input cap
// (spec.md §6), grounded on slow.c's PROGRAM_SIZE (16 MiB). Unlike the
// compiling back ends and the tree interpreter, this path never builds
// an IR tree at all: it scans the raw source bytes directly, so it
// needs its own bound on how much source it will hold in memory.
const bytecodeProgramLimit = 16 * 1024 * 1024

// bytecodeInterpreter mirrors slow.c's two static structs (program,
// state) plus its fixed-size memory array.
type bytecodeInterpreter struct {
	program []byte
	ip      int
	mp      int
	tape    []byte
	in      *bufio.Reader
	out     *bufio.Writer
}

// RunBytecode reads src (capped at bytecodeProgramLimit, per spec.md
// §6) and interprets it directly against the raw instruction bytes,
// skipping parsing and optimization entirely (spec.md §6 "-slow"),
// grounded on original_source/src/interpreter/slow.c.
func RunBytecode(src io.Reader, in io.Reader, out io.Writer) error {
	program, err := readBytecodeProgram(src)
	if err != nil {
		return err
	}
	bi := &bytecodeInterpreter{
		program: program,
		tape:    make([]byte, tapeSize),
		in:      bufio.NewReader(in),
		out:     bufio.NewWriter(out),
	}
	defer bi.out.Flush()
	return bi.run(0)
}

// readBytecodeProgram mirrors slow.c's read_program: read up to the
// cap, and treat a source longer than the cap as a usage error rather
// than silently truncating it.
func readBytecodeProgram(src io.Reader) ([]byte, error) {
	limited := io.LimitReader(src, bytecodeProgramLimit+1)
	buf, err := io.ReadAll(limited)
	if err != nil {
		return nil, ResourceError(fmt.Sprintf("error reading program: %v", err))
	}
	if len(buf) > bytecodeProgramLimit {
		return nil, UsageError("program is too long")
	}
	return buf, nil
}

// run mirrors slow.c's run_instructions: loopLevel counts nesting depth
// purely for unmatched-bracket diagnostics, matching check_end_of_program/
// check_loop_end.
func (bi *bytecodeInterpreter) run(loopLevel int) error {
	start := bi.ip
	for bi.ip < len(bi.program) {
		c := bi.program[bi.ip]
		bi.ip++

		switch c {
		case '+':
			bi.tape[bi.mp]++
		case '-':
			bi.tape[bi.mp]--
		case '>':
			bi.mp++
			if bi.mp >= len(bi.tape) {
				bi.out.Flush()
				return RuntimeError("memory position out of bounds (overflow)")
			}
		case '<':
			bi.mp--
			if bi.mp < 0 {
				bi.out.Flush()
				return RuntimeError("memory position out of bounds (underflow)")
			}
		case '.':
			if err := bi.out.WriteByte(bi.tape[bi.mp]); err != nil {
				return ResourceError(fmt.Sprintf("write failed: %v", err))
			}
		case ',':
			b, err := bi.in.ReadByte()
			if err != nil {
				bi.out.Flush()
				if err == io.EOF {
					return RuntimeError("reached end of input")
				}
				return RuntimeError(fmt.Sprintf("Error when reading input: %v", err))
			}
			bi.tape[bi.mp] = b
		case '[':
			if bi.tape[bi.mp] == 0 {
				if err := bi.skip(loopLevel + 1); err != nil {
					return err
				}
			} else {
				if err := bi.run(loopLevel + 1); err != nil {
					return err
				}
			}
		case ']':
			if loopLevel == 0 {
				return UsageError(fmt.Sprintf("found unmatched ']' at position %d", bi.ip-1))
			}
			if bi.tape[bi.mp] == 0 {
				return nil
			}
			bi.ip = start
		}
	}

	if loopLevel != 0 {
		return UsageError(fmt.Sprintf("found unmatched '[' at position %d", start-1))
	}
	return nil
}

// skip mirrors slow.c's skip_instructions: advance ip past a loop body
// whose guard is already known to be false, without executing anything.
func (bi *bytecodeInterpreter) skip(loopLevel int) error {
	start := bi.ip
	for bi.ip < len(bi.program) {
		c := bi.program[bi.ip]
		bi.ip++

		switch c {
		case '[':
			if err := bi.skip(loopLevel + 1); err != nil {
				return err
			}
		case ']':
			if loopLevel == 0 {
				return UsageError(fmt.Sprintf("found unmatched ']' at position %d", bi.ip-1))
			}
			return nil
		}
	}

	if loopLevel != 0 {
		return UsageError(fmt.Sprintf("found unmatched '[' at position %d", start-1))
	}
	return nil
}
