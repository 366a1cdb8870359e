// Completion: 100% - NASM textual back end complete
package main

import (
	"fmt"
	"strings"
)

// reg8Names/reg32Names/reg64Names name only the register encodings this
// project's lowering pass actually produces; format_operand in
// original_source/src/backend/nasm.c indexes a complete table, but this
// closed pseudo-ISA never constructs any register outside this set.
var reg8Names = map[Reg8]string{
	RegAL: "al",
}

var reg32Names = map[Reg32]string{
	RegEAX:  "eax",
	RegECX:  "ecx",
	RegEDX:  "edx",
	RegEBP:  "ebp",
	RegEDI:  "edi",
	RegR13D: "r13d",
}

var reg64Names = map[Reg64]string{
	RegRAX: "rax",
	RegRCX: "rcx",
	RegRDX: "rdx",
	RegRBX: "rbx",
	RegRSP: "rsp",
	RegRBP: "rbp",
	RegRSI: "rsi",
	RegRDI: "rdi",
	RegR8:  "r8",
	RegR9:  "r9",
	RegR13: "r13",
}

// formatOperand mirrors nasm.c's format_operand switch, one case per
// pseudo-ISA operand kind.
func formatOperand(o *operand) string {
	switch o.typ {
	case opExtern:
		return ExternSymbol(o.n).String()
	case opImm8, opImm32:
		return fmt.Sprintf("%d", o.n)
	case opLabel:
		return fmt.Sprintf(".l%08d", o.n)
	case opLocal:
		return LocalSymbol(o.n).String()
	case opMem8Reg:
		return fmt.Sprintf("byte [%s + %s + %d]", reg64Names[Reg64(o.r1)], reg64Names[Reg64(o.r2)], o.n)
	case opMem64Extern:
		return fmt.Sprintf("qword [%s]", ExternSymbol(o.n).String())
	case opMem64Local:
		return fmt.Sprintf("qword [%s]", LocalSymbol(o.n).String())
	case opMem64Rel:
		return fmt.Sprintf("qword [rel %d]", o.n)
	case opReg8:
		return reg8Names[Reg8(o.r1)]
	case opReg32:
		return reg32Names[Reg32(o.r1)]
	case opReg64:
		return reg64Names[Reg64(o.r1)]
	default:
		panic(InvariantError("NASM backend: operand kind has no textual form"))
	}
}

// formatLeaSource formats lea's source operand bare, without the
// "qword [...]" memory-operand wrapping formatOperand gives
// opMem64Local elsewhere: lea computes an address, it never
// dereferences one, so the symbol name goes directly inside the single
// bracket pair emitInstrNASM's lea case already supplies.
func formatLeaSource(o *operand) string {
	switch o.typ {
	case opLabel:
		return fmt.Sprintf(".l%08d", o.n)
	case opMem64Local:
		return LocalSymbol(o.n).String()
	default:
		panic(invalidOperands("lea"))
	}
}

// emitInstrNASM mirrors nasm.c's emit_code dispatch, one case per
// pseudo-ISA opcode.
func emitInstrNASM(b *strings.Builder, i *instr) {
	const indent = "    "
	switch i.op {
	case opAlign:
		fmt.Fprintf(b, "%salign %d, nop\n", indent, i.n)
	case opAdd:
		fmt.Fprintf(b, "%sadd %s, %s\n", indent, formatOperand(i.dst), formatOperand(i.src))
	case opAnd:
		fmt.Fprintf(b, "%sand %s, %s\n", indent, formatOperand(i.dst), formatOperand(i.src))
	case opCall:
		fmt.Fprintf(b, "%scall %s\n\n", indent, formatOperand(i.dst))
	case opCmp:
		fmt.Fprintf(b, "%scmp %s, %s\n", indent, formatOperand(i.dst), formatOperand(i.src))
	case opJl:
		fmt.Fprintf(b, "%sjl %s\n\n", indent, formatOperand(i.dst))
	case opJmp:
		fmt.Fprintf(b, "%sjmp %s\n\n", indent, formatOperand(i.dst))
	case opJns:
		fmt.Fprintf(b, "%sjns %s\n\n", indent, formatOperand(i.dst))
	case opJnz:
		fmt.Fprintf(b, "%sjnz %s\n\n", indent, formatOperand(i.dst))
	case opJz:
		fmt.Fprintf(b, "%sjz %s\n\n", indent, formatOperand(i.dst))
	case opLabelInstr:
		fmt.Fprintf(b, "%s:\n", formatOperand(i.dst))
	case opLea:
		fmt.Fprintf(b, "%slea %s, [%s]\n", indent, formatOperand(i.dst), formatLeaSource(i.src))
	case opMov:
		fmt.Fprintf(b, "%smov %s, %s\n", indent, formatOperand(i.dst), formatOperand(i.src))
	case opMovzx:
		fmt.Fprintf(b, "%smovzx %s, %s\n", indent, formatOperand(i.dst), formatOperand(i.src))
	case opOr:
		fmt.Fprintf(b, "%sor %s, %s\n", indent, formatOperand(i.dst), formatOperand(i.src))
	case opPop:
		fmt.Fprintf(b, "%spop %s\n", indent, formatOperand(i.dst))
	case opPush:
		fmt.Fprintf(b, "%spush %s\n", indent, formatOperand(i.src))
	case opRet:
		fmt.Fprintf(b, "%sret\n\n", indent)
	case opSegfault:
		fmt.Fprintf(b, "%shlt\n\n", indent)
	case opSyscall:
		fmt.Fprintf(b, "%ssyscall\n", indent)
	default:
		panic(InvariantError("NASM backend: opcode has no textual form"))
	}
}

var externOrder = []ExternSymbol{
	ExternExit, ExternFerror, ExternFgetc, ExternFprintf,
	ExternLibcStartMain, ExternPerror, ExternPutc,
	ExternStderr, ExternStdin, ExternStdout,
}

func emitNASMHeader(b *strings.Builder) {
	b.WriteString("; generated by tapec (https://github.com/xyproto/tapec)\n\n")
	for _, sym := range externOrder {
		fmt.Fprintf(b, "    extern %s\n", sym.String())
	}
	b.WriteString("\n")
}

func emitNASMText(b *strings.Builder, fn *function) {
	b.WriteString("    section .text\n\n")
	for f := fn; f != nil; f = f.next {
		isGlobal := f.symbol == LocalStart || f.symbol == LocalMain
		name := f.symbol.String()
		if isGlobal {
			fmt.Fprintf(b, "    global %s:function (%s.end - %s)\n%s:\n", name, name, name, name)
		} else {
			fmt.Fprintf(b, "%s:\n", name)
		}
		for i := f.instrs; i != nil; i = i.next {
			emitInstrNASM(b, i)
		}
		if isGlobal {
			b.WriteString(".end:\n\n")
		}
	}
}

func emitNASMRodata(b *strings.Builder, root *Node) {
	b.WriteString("    section .rodata\n\n")
	if containsKind(root, KindCheckRight) {
		fmt.Fprintf(b, "%s:\n    db \"%s\", 10, 0\n", LocalMsgRight, strings.TrimSuffix(msgRight, "\n"))
	}
	if containsKind(root, KindCheckLeft) {
		fmt.Fprintf(b, "%s:\n    db \"%s\", 10, 0\n", LocalMsgLeft, strings.TrimSuffix(msgLeft, "\n"))
	}
	if containsKind(root, KindIn) {
		// no trailing newline for this one: it's passed to perror(), not fprintf()
		fmt.Fprintf(b, "%s:\n    db \"%s\", 0\n", LocalMsgFerr, msgFerr)
		fmt.Fprintf(b, "%s:\n    db \"%s\", 10, 0\n", LocalMsgEOI, strings.TrimSuffix(msgEoi, "\n"))
	}
	b.WriteString("\n")
}

func emitNASMData(b *strings.Builder) {
	fmt.Fprintf(b, "    section .data\n\n%s:\n    dq marray\n\n", LocalM)
}

func emitNASMBss(b *strings.Builder) {
	b.WriteString("    section .bss\n\nmarray:\n    resb 30000\n")
}

// GenerateNASM renders root's lowered form as an assembly listing in the
// syntax of a common x86-64 assembler (spec.md §6 backend "nasm"),
// grounded on original_source/src/backend/nasm.c's four-section
// structure.
func GenerateNASM(root *Node) (string, error) {
	fn := LowerProgram(root)
	var b strings.Builder
	emitNASMHeader(&b)
	emitNASMText(&b, fn)
	emitNASMRodata(&b, root)
	emitNASMData(&b)
	emitNASMBss(&b)
	return b.String(), nil
}
