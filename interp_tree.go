// Completion: 100% - tree-walking interpreter over the optimized IR
package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// treeInterpreter runs the optimized IR tree directly, one node at a
// time, grounded on original_source/src/interpreter/tree.c's
// run_body/run_loop pair. tape/ptr take the place of tree.c's static
// `state` struct.
type treeInterpreter struct {
	tape []byte
	ptr  int
	in   *bufio.Reader
	out  *bufio.Writer
}

func newTreeInterpreter(in io.Reader, out io.Writer) *treeInterpreter {
	return &treeInterpreter{
		tape: make([]byte, tapeSize),
		in:   bufio.NewReader(in),
		out:  bufio.NewWriter(out),
	}
}

// RunTree executes root with the tree-walking interpreter (spec.md §6
// "-tree") and flushes output before returning. A non-nil error is a
// RuntimeError for a failure of the interpreted program (bounds, end
// of input) or a ResourceError when writing its output fails.
func RunTree(root *Node, in io.Reader, out io.Writer) error {
	ti := newTreeInterpreter(in, out)
	defer ti.out.Flush()
	return ti.runBody(root)
}

// runBody mirrors tree.c's run_body/run_loop pair exactly, including
// keeping CHECK_RIGHT and CHECK_LEFT as two separate, non-fallthrough
// cases: one revision of the original tree interpreter has CHECK_RIGHT
// fall through into CHECK_LEFT (a missing break), which spec.md §REDESIGN
// FLAGS explicitly calls out as a bug implementations must not copy.
func (ti *treeInterpreter) runBody(node *Node) error {
	for n := node; n != nil; n = n.Next {
		switch n.Kind {
		case KindAdd:
			idx := ti.ptr + n.Offset
			ti.tape[idx] += byte(n.N)
		case KindAdd2:
			dst := ti.ptr + n.Offset
			src := ti.ptr + n.N
			ti.tape[dst] += ti.tape[src]
		case KindSet:
			idx := ti.ptr + n.Offset
			ti.tape[idx] = byte(n.N)
		case KindRight:
			ti.ptr += n.N
		case KindIn:
			b, err := ti.readByte()
			if err != nil {
				return err
			}
			ti.tape[ti.ptr+n.Offset] = b
		case KindOut:
			if err := ti.out.WriteByte(ti.tape[ti.ptr+n.Offset]); err != nil {
				return ResourceError(fmt.Sprintf("write failed: %v", err))
			}
		case KindLoop, KindStaticLoop:
			if err := ti.runLoop(n.Body, n.Offset); err != nil {
				return err
			}
		case KindCheckRight:
			if ti.ptr+n.N >= tapeSize {
				return ti.failTooFarRight()
			}
		case KindCheckLeft:
			if ti.ptr-n.N < 0 {
				return ti.failTooFarLeft()
			}
		}
	}
	return nil
}

func (ti *treeInterpreter) runLoop(body *Node, loopOffset int) error {
	for ti.tape[ti.ptr+loopOffset] != 0 {
		if err := ti.runBody(body); err != nil {
			return err
		}
	}
	return nil
}

func (ti *treeInterpreter) failTooFarRight() error {
	ti.out.Flush()
	return RuntimeError(strings.TrimSuffix(msgRight, "\n"))
}

func (ti *treeInterpreter) failTooFarLeft() error {
	ti.out.Flush()
	return RuntimeError(strings.TrimSuffix(msgLeft, "\n"))
}

// readByte mirrors tree.c's check_input: Go's io.Reader already
// distinguishes a genuine read error from EOF-without-error (err ==
// io.EOF vs any other non-nil err), which is exactly the ferror(stdin)
// distinction check_input makes by hand in C.
func (ti *treeInterpreter) readByte() (byte, error) {
	b, err := ti.in.ReadByte()
	if err == nil {
		return b, nil
	}
	ti.out.Flush()
	if err == io.EOF {
		return 0, RuntimeError(strings.TrimSuffix(msgEoi, "\n"))
	}
	return 0, RuntimeError(fmt.Sprintf("Error when reading input: %v", err))
}
