// Completion: 100% - x86 pseudo-ISA complete, operand contract enforced
package main

import "fmt"

// x86 registers. Only the subset the lowering pass actually uses gets
// named constants; the encoder works from the raw numeric encoding for
// any register reachable through these constructors.
type Reg8 int
type Reg32 int
type Reg64 int

const (
	RegAL  Reg8 = 0
	RegR8B Reg8 = 8
)

const (
	RegEAX  Reg32 = 0
	RegECX  Reg32 = 1
	RegEDX  Reg32 = 2
	RegEBP  Reg32 = 5
	RegEDI  Reg32 = 7
	RegR13D Reg32 = 13
)

const (
	RegRAX Reg64 = 0
	RegRCX Reg64 = 1
	RegRDX Reg64 = 2
	RegRBX Reg64 = 3
	RegRSP Reg64 = 4
	RegRBP Reg64 = 5
	RegRSI Reg64 = 6
	RegRDI Reg64 = 7
	RegR8  Reg64 = 8
	RegR9  Reg64 = 9
	RegR13 Reg64 = 13
)

// ExternSymbol enumerates the closed set of extern symbols the lowering
// pass may reference (spec.md §3 "Closed sets").
type ExternSymbol int

const (
	ExternExit ExternSymbol = iota
	ExternFerror
	ExternFgetc
	ExternFprintf
	ExternLibcStartMain
	ExternPerror
	ExternPutc
	ExternStderr
	ExternStdin
	ExternStdout
)

var externNames = map[ExternSymbol]string{
	ExternExit:          "exit",
	ExternFerror:        "ferror",
	ExternFgetc:         "fgetc",
	ExternFprintf:       "fprintf",
	ExternLibcStartMain: "__libc_start_main",
	ExternPerror:        "perror",
	ExternPutc:          "putc",
	ExternStderr:        "stderr",
	ExternStdin:         "stdin",
	ExternStdout:        "stdout",
}

func (s ExternSymbol) String() string { return externNames[s] }

// LocalSymbol enumerates the closed set of local symbols the lowering
// pass may define or reference.
type LocalSymbol int

const (
	LocalCheckInput LocalSymbol = iota
	LocalFailTooFarLeft
	LocalFailTooFarRight
	LocalM
	LocalMain
	LocalMsgEOI
	LocalMsgFerr
	LocalMsgLeft
	LocalMsgRight
	LocalStart
)

var localNames = map[LocalSymbol]string{
	LocalCheckInput:      "check_input",
	LocalFailTooFarLeft:  "fail_too_far_left",
	LocalFailTooFarRight: "fail_too_far_right",
	LocalM:               "m",
	LocalMain:            "main",
	LocalMsgEOI:          "msg_eoi",
	LocalMsgFerr:         "msg_ferr",
	LocalMsgLeft:         "msg_left",
	LocalMsgRight:        "msg_right",
	LocalStart:           "_start",
}

func (s LocalSymbol) String() string { return localNames[s] }

// operandType is the closed set of x86 pseudo-operand kinds.
type operandType int

const (
	opExtern operandType = iota
	opImm8
	opImm32
	opLabel
	opLocal
	opMem8Reg
	opMem64Extern
	opMem64Imm
	opMem64Local
	opMem64Rel
	opReg8
	opReg32
	opReg64
)

// operand is a tagged variant: r1/r2 hold register encodings (or, for
// extern/local, the symbol enum value), n holds an immediate or label
// number or displacement.
type operand struct {
	typ operandType
	r1  int
	r2  int
	n   int
}

func operExtern(sym ExternSymbol) *operand { return &operand{typ: opExtern, n: int(sym)} }
func operImm8(n int) *operand               { return &operand{typ: opImm8, n: n} }
func operImm32(n int) *operand              { return &operand{typ: opImm32, n: n} }
func operLabel(n int) *operand              { return &operand{typ: opLabel, n: n} }
func operLocal(sym LocalSymbol) *operand    { return &operand{typ: opLocal, n: int(sym)} }

// operMem8Reg builds the `[r1 + r2 + n]` byte-memory operand used for
// every tape-cell access: `[rbx + r13 + offset]`.
func operMem8Reg(r1, r2 Reg64, n int) *operand {
	return &operand{typ: opMem8Reg, r1: int(r1), r2: int(r2), n: n}
}
func operMem64Extern(sym ExternSymbol) *operand { return &operand{typ: opMem64Extern, n: int(sym)} }
func operMem64Local(sym LocalSymbol) *operand   { return &operand{typ: opMem64Local, n: int(sym)} }
func operMem64Rel(n int) *operand               { return &operand{typ: opMem64Rel, n: n} }
func operReg8(r Reg8) *operand                  { return &operand{typ: opReg8, r1: int(r)} }
func operReg32(r Reg32) *operand                { return &operand{typ: opReg32, r1: int(r)} }
func operReg64(r Reg64) *operand                { return &operand{typ: opReg64, r1: int(r)} }

func (o *operand) is64Bit() bool {
	switch o.typ {
	case opMem64Extern, opMem64Local, opMem64Rel, opReg64:
		return true
	default:
		return false
	}
}

// instrOp is the closed x86 pseudo-ISA opcode set.
type instrOp int

const (
	opAlign instrOp = iota
	opAdd
	opAnd
	opCall
	opCmp
	opJl
	opJmp
	opJns
	opJnz
	opJz
	opLabelInstr
	opLea
	opMov
	opMovzx
	opOr
	opPop
	opPush
	opRet
	opSegfault
	// opSyscall has no counterpart in original_source/src/backend/x86/
	// isa.h: the original's JIT back end (jit.c) was never implemented
	// ("TODO do stuff"), so nothing there ever needed a raw syscall
	// instruction. spec.md's JIT section requires in-process trampolines
	// for the extern surface (no cgo, no host libc symbol resolution at
	// run time), and those trampolines issue Linux syscalls directly;
	// this opcode is that one spec-driven addition to the closed set.
	opSyscall
)

// instr is a tagged instruction: opcode, optional dst/src operand, and
// an integer payload (used by align's byte count and label's number).
type instr struct {
	op  instrOp
	n   int
	dst *operand
	src *operand
	// next is used when building a flat instruction list for a function.
	next *instr
}

// pair is one admissible (dst, src) operand-type combination.
type pair struct{ dst, src operandType }

func invalidOperands(mnemonic string) CompilerError {
	return InvariantError(fmt.Sprintf("wrong/unsupported operand type(s) for %s instruction", mnemonic))
}

func checkSingle(operand *operand, allowed []operandType, mnemonic string) {
	for _, t := range allowed {
		if operand.typ == t {
			return
		}
	}
	panic(invalidOperands(mnemonic))
}

func checkBoth(dst, src *operand, allowed []pair, mnemonic string) {
	for _, p := range allowed {
		if dst.typ == p.dst && src.typ == p.src {
			return
		}
	}
	panic(invalidOperands(mnemonic))
}

// Each constructor below transcribes its whitelist verbatim from
// original_source/src/backend/x86/isa.c; a disallowed combination
// panics with an InvariantError (spec.md §7: "ISA constructor gets a
// disallowed operand combination" is an internal invariant violation).

func newInstrAlign(n int) *instr { return &instr{op: opAlign, n: n} }

var arithPairs = []pair{
	{opMem8Reg, opImm8},
	{opMem8Reg, opReg8},
	{opReg8, opReg8},
	{opReg32, opImm32},
	{opReg32, opReg32},
	{opReg64, opImm32},
	{opReg64, opReg64},
}

func newInstrAdd(dst, src *operand) *instr {
	checkBoth(dst, src, arithPairs, "add")
	return &instr{op: opAdd, dst: dst, src: src}
}

func newInstrAnd(dst, src *operand) *instr {
	checkBoth(dst, src, arithPairs, "and")
	return &instr{op: opAnd, dst: dst, src: src}
}

func newInstrCmp(dst, src *operand) *instr {
	checkBoth(dst, src, arithPairs, "cmp")
	return &instr{op: opCmp, dst: dst, src: src}
}

func newInstrOr(dst, src *operand) *instr {
	checkBoth(dst, src, arithPairs, "or")
	return &instr{op: opOr, dst: dst, src: src}
}

func newInstrCall(target *operand) *instr {
	checkSingle(target, []operandType{opExtern, opLocal}, "call")
	return &instr{op: opCall, dst: target}
}

func newInstrJl(target *operand) *instr {
	checkSingle(target, []operandType{opLabel}, "conditional jump (jl)")
	return &instr{op: opJl, dst: target}
}

func newInstrJmp(target *operand) *instr {
	checkSingle(target, []operandType{opLabel, opMem64Rel}, "jump (jmp)")
	return &instr{op: opJmp, dst: target}
}

func newInstrJns(target *operand) *instr {
	checkSingle(target, []operandType{opLabel}, "conditional jump (jns)")
	return &instr{op: opJns, dst: target}
}

func newInstrJnz(target *operand) *instr {
	checkSingle(target, []operandType{opLabel}, "conditional jump (jnz)")
	return &instr{op: opJnz, dst: target}
}

func newInstrJz(target *operand) *instr {
	checkSingle(target, []operandType{opLabel}, "conditional jump (jz)")
	return &instr{op: opJz, dst: target}
}

func newInstrLabel(n int) *instr {
	return &instr{op: opLabelInstr, dst: operLabel(n)}
}

var movPairs = []pair{
	{opMem8Reg, opReg8},
	{opMem8Reg, opImm8},
	{opReg8, opMem8Reg},
	{opReg32, opImm32},
	{opReg32, opReg32},
	{opReg64, opMem64Extern},
	{opReg64, opMem64Local},
	{opReg64, opReg64},
}

func newInstrMov(dst, src *operand) *instr {
	checkBoth(dst, src, movPairs, "mov")
	return &instr{op: opMov, dst: dst, src: src}
}

// leaPairs: original_source/src/backend/x86/isa.c's lea whitelist names
// a MEM64_LABEL operand kind that isa.h's own operand-type enum in the
// same snapshot never defines (REG64,MEM64_LABEL / REG64,MEM64_LOCAL).
// Reconciled here by giving lea's label case the plain label operand
// instead of a phantom memory kind — lea-of-a-label and lea-of-a-local
// are both "load this address into a register", which is what every
// call site (generate_start's return address, generate_fail_too_far's
// message pointer) actually needs.
var leaPairs = []pair{
	{opReg64, opLabel},
	{opReg64, opMem64Local},
}

func newInstrLea(dst, src *operand) *instr {
	checkBoth(dst, src, leaPairs, "lea")
	return &instr{op: opLea, dst: dst, src: src}
}

func newInstrSegfault() *instr { return &instr{op: opSegfault} }

func newInstrMovzx(dst, src *operand) *instr {
	checkBoth(dst, src, []pair{{opReg32, opMem8Reg}}, "movzx")
	return &instr{op: opMovzx, dst: dst, src: src}
}

func newInstrPop(dst *operand) *instr {
	checkSingle(dst, []operandType{opReg64}, "pop")
	return &instr{op: opPop, dst: dst}
}

func newInstrPush(src *operand) *instr {
	checkSingle(src, []operandType{opImm32, opMem64Rel, opReg64}, "push")
	return &instr{op: opPush, src: src}
}

func newInstrRet() *instr { return &instr{op: opRet} }

// newInstrSyscall takes no operands; see opSyscall's doc comment above.
func newInstrSyscall() *instr { return &instr{op: opSyscall} }
