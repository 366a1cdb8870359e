// Completion: 100% - in-process JIT back end
package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/xyproto/tapec/internal/engine"
)

// Linux/amd64 syscall numbers the trampolines below issue directly.
// See the package doc comment on trampolineInstrs for why these stand
// in for the extern surface instead of calling into host libc.
const (
	sysRead      = 0
	sysWrite     = 1
	sysExitGroup = 231
)

const (
	fdStdin  = 0
	fdStdout = 1
	fdStderr = 2
)

// jitPageSize is the alignment the GOT/data/bss region must start on,
// so the R+X/R+W permission split (spec.md §4.8) falls on a real page
// boundary; the only value that matters on Linux/amd64.
const jitPageSize = 4096

// pltEntrySize is the fixed size of one JIT PLT stub: a 6-byte
// `jmp [rip+disp32]` through the symbol's GOT slot, padded to 8.
// Unlike the ELF back end's lazy-binding PLT0 dance, no dynamic linker
// is involved, so a stub is just an indirect jump, not push+jmp+align.
const pltEntrySize = 8

// CallableProgram is a compiled-and-linked in-process image. Grounded
// on the teacher's handle-with-Close-method idiom (ExecutableBuilder).
type CallableProgram struct {
	mem  []byte
	main func()
}

// Run invokes the compiled program in this process. Run returns when
// the generated main returns normally. The exit() trampoline is reached
// only from the bounds-check and input-failure helpers; it terminates
// the whole process directly via exit_group, exactly like the ELF back
// end's compiled exit path, so Run does not return in that case.
func (p *CallableProgram) Run() { p.main() }

// Close unmaps the JIT image. Do not call it while Run is still
// executing on another goroutine.
func (p *CallableProgram) Close() error {
	if p.mem == nil {
		return nil
	}
	err := unix.Munmap(p.mem)
	p.mem = nil
	return err
}

// JITCompile lowers root through the shared IR/pseudo-ISA/encoder
// pipeline (identical to the ELF back end — code generation is
// back-end-agnostic) and links the result in-process.
//
// The original's jit.c is a 76-line stub (a hardcoded hello() function,
// "TODO do stuff"), so there is no real linking behavior to transcribe;
// spec.md §4.8 is the authoritative target. Its "populate the GOT from
// the host process's own libc symbols" wording is impractical to honor
// literally from a cgo-free Go binary — there is no dlopen/dlsym
// without cgo, and this project stays as cgo-free as the teacher. The
// documented substitute: every extern's GOT slot points at a small
// hand-built trampoline, emitted into the image itself, that issues the
// equivalent raw Linux syscall directly (read/write/exit_group)
// instead of calling libc. This preserves the externs' observable
// contract — the same bytes in, the same bytes out, the same process
// exit — without requiring runtime symbol resolution.
//
// Layout, one anonymous mmap, in order: .plt, .text (trampolines then
// the lowered main/helper chain), .rodata, then page-aligned .got,
// .data, .bss. [map start, .got) is flipped to R+X once every byte is
// written; .got/.data/.bss stay R+W.
func JITCompile(root *Node) (*CallableProgram, error) {
	if err := engine.RequireAMD64(); err != nil {
		return nil, ResourceError(fmt.Sprintf("jit: %v", err))
	}

	progFn := LowerProgram(root)
	mainFn := progFn.next // skip _start: the JIT calls main directly, no libc bring-up needed

	externs := collectExterns(mainFn)
	var funcExterns, dataExterns []ExternSymbol
	for _, s := range externs {
		if s.isFunction() {
			funcExterns = append(funcExterns, s)
		} else {
			dataExterns = append(dataExterns, s)
		}
	}
	messages := neededMessages(mainFn)
	var msgOrder []LocalSymbol
	for _, m := range []LocalSymbol{LocalMsgRight, LocalMsgLeft, LocalMsgFerr, LocalMsgEOI} {
		if messages[m] {
			msgOrder = append(msgOrder, m)
		}
	}

	// ---- pass 1: measure every section, independent of the final base address ----
	measureCtx := newEncoderContext()
	trampSize := 0
	for _, sym := range funcExterns {
		trampSize += sizeInstrs(trampolineInstrs(sym), measureCtx, 0)
	}
	textSize := measureFunctionChain(mainFn, measureCtx, uint64(pltEntrySize*len(funcExterns)+trampSize))

	rodataSize := 0
	for _, m := range msgOrder {
		rodataSize += len(messageText(m)) + 1
	}

	pltSize := pltEntrySize * len(funcExterns)
	gotSize := 8 * (len(funcExterns) + len(dataExterns))
	const dataSize = 8 // the `m` pointer, mirroring the ELF back end's .data
	bssSize := tapeSize

	codeLen := pltSize + trampSize + textSize + rodataSize
	codePages := alignUp(codeLen, jitPageSize)
	total := codePages + gotSize + dataSize + bssSize

	mem, err := unix.Mmap(-1, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, ResourceError(fmt.Sprintf("jit: mmap failed: %v", err))
	}
	base := uint64(uintptr(unsafe.Pointer(&mem[0])))

	pltBase := base
	textBase := pltBase + uint64(pltSize)
	rodataBase := textBase + uint64(trampSize+textSize)
	gotBase := base + uint64(codePages)
	funcGotBase := gotBase
	dataGotBase := gotBase + uint64(8*len(funcExterns))
	dataBase := gotBase + uint64(gotSize)
	bssBase := dataBase + uint64(dataSize)

	// ---- resolve every extern/local address now that the plan is fixed ----
	ctx := newEncoderContext()
	for i, sym := range funcExterns {
		ctx.setExtern(sym, pltBase+uint64(pltEntrySize*i))
	}
	for i, sym := range dataExterns {
		ctx.setExtern(sym, dataGotBase+uint64(8*i))
	}
	running := rodataBase
	for _, m := range msgOrder {
		ctx.setLocal(m, running)
		running += uint64(len(messageText(m)) + 1)
	}
	ctx.setLocal(LocalM, dataBase)

	// ---- pass 2: encode every section at its real address ----
	trampAddr := make(map[ExternSymbol]uint64, len(funcExterns))
	var text bytes.Buffer
	addr := textBase
	for _, sym := range funcExterns {
		trampAddr[sym] = addr
		addr = writeInstrs(&text, trampolineInstrs(sym), ctx, addr)
	}
	mainAddr := addr
	encodeFunctionChain(&text, mainFn, ctx, addr)

	var plt bytes.Buffer
	for i, sym := range funcExterns {
		buildJITPLTEntry(&plt, pltBase+uint64(pltEntrySize*i), funcGotBase+uint64(8*i))
	}

	var rodata bytes.Buffer
	for _, m := range msgOrder {
		rodata.WriteString(messageText(m))
		rodata.WriteByte(0)
	}

	copy(mem[0:], plt.Bytes())
	copy(mem[pltSize:], text.Bytes())
	copy(mem[rodataBase-base:], rodata.Bytes())
	for i, sym := range funcExterns {
		binary.LittleEndian.PutUint64(mem[funcGotBase-base+uint64(8*i):], trampAddr[sym])
	}
	for i := range dataExterns {
		// Sentinel only: every trampoline above hardcodes its own fd
		// number directly and never dereferences this slot's contents
		// (stdin/stdout/stderr never need a real FILE* in this image).
		binary.LittleEndian.PutUint64(mem[dataGotBase-base+uint64(8*i):], 0)
	}
	binary.LittleEndian.PutUint64(mem[dataBase-base:], bssBase)

	if err := unix.Mprotect(mem[:codePages], unix.PROT_READ|unix.PROT_EXEC); err != nil {
		unix.Munmap(mem)
		return nil, ResourceError(fmt.Sprintf("jit: mprotect failed: %v", err))
	}

	return &CallableProgram{mem: mem, main: funcFromAddr(uintptr(mainAddr))}, nil
}

// sizeInstrs and writeInstrs measure/emit one bare instruction chain —
// a trampoline, not a named function — at a given address, without
// encodeFunctionChain's function-symbol bookkeeping (a trampoline has
// no LocalSymbol of its own to bind).
func sizeInstrs(instrs *instr, ctx *encoderContext, addr uint64) int {
	ef := newEncoderFunction(instrs, addr, ctx)
	resolveLabels(ef, ctx)
	return computeFunctionSize(ef, ctx)
}

func writeInstrs(buf *bytes.Buffer, instrs *instr, ctx *encoderContext, addr uint64) uint64 {
	ef := newEncoderFunction(instrs, addr, ctx)
	resolveLabels(ef, ctx)
	size := computeFunctionSize(ef, ctx)
	out := make([]byte, size)
	encodeFunction(out, ef, ctx)
	buf.Write(out)
	return addr + uint64(size)
}

// buildJITPLTEntry emits one fixed pltEntrySize-byte stub: an absolute
// indirect jump through the symbol's GOT slot (`jmp [rip+disp32]`,
// always exactly 6 bytes for this operand form — see rel32's opMem64Rel
// case in encoder.go), padded with nop to the fixed stride.
func buildJITPLTEntry(buf *bytes.Buffer, entryAddr, gotSlotAddr uint64) {
	ctx := newEncoderContext()
	var b instrBuilder
	b.append(newInstrJmp(operMem64Rel(int(gotSlotAddr))))
	ef := newEncoderFunction(b.getFirst(), entryAddr, ctx)
	resolveLabels(ef, ctx)
	out := make([]byte, computeFunctionSize(ef, ctx))
	encodeFunction(out, ef, ctx)
	start := buf.Len()
	buf.Write(out)
	for buf.Len()-start < pltEntrySize {
		buf.WriteByte(0x90)
	}
}

// trampolineInstrs builds the one hand-written machine-code stub that
// stands in for extern sym's GOT target (see JITCompile's doc comment
// for why). Each stub honors the same SysV argument registers
// lower.go's lowerIn/lowerOut/generateFailTooFar/generateCheckInput
// already call it with, so the lowered code above never needs to know
// it is calling a trampoline instead of real libc.
func trampolineInstrs(sym ExternSymbol) *instr {
	var b instrBuilder
	switch sym {
	case ExternExit:
		// exit(status): status is already in edi from the caller.
		b.append(newInstrMov(operReg32(reg32RetVal), operImm32(sysExitGroup)))
		b.append(newInstrSyscall())
		b.append(newInstrSegfault()) // unreachable: exit_group never returns

	case ExternFerror, ExternPerror:
		// ferror always reports "no error", so the perror call
		// generateCheckInput guards with it is unreachable at runtime
		// in this image; both are stubs returning an unused value.
		b.append(newInstrMov(operReg32(reg32RetVal), operImm32(0)))
		b.append(newInstrRet())

	case ExternPutc:
		// putc(c, stream): c in edi, stream (ignored) in rsi. Stage c's
		// low byte through an 8-byte stack scratch slot (rsp's own top
		// word would be the return address, so it must be reserved
		// first) and write(1, scratch, 1).
		b.append(newInstrAdd(operReg64(RegRSP), operImm32(-8)))
		b.append(newInstrMov(operReg32(RegECX), operImm32(0)))
		b.append(newInstrMov(operReg32(reg32RetVal), operReg32(reg32Arg1)))
		b.append(newInstrMov(operMem8Reg(RegRSP, RegRCX, 0), operReg8(reg8RetVal)))
		b.append(newInstrMov(operReg32(reg32Arg1), operImm32(fdStdout)))
		b.append(newInstrMov(operReg64(reg64Arg2), operReg64(RegRSP)))
		b.append(newInstrMov(operReg32(RegEDX), operImm32(1)))
		b.append(newInstrMov(operReg32(reg32RetVal), operImm32(sysWrite)))
		b.append(newInstrSyscall())
		b.append(newInstrMov(operReg32(RegECX), operImm32(0)))
		b.append(newInstrMovzx(operReg32(reg32RetVal), operMem8Reg(RegRSP, RegRCX, 0)))
		b.append(newInstrAdd(operReg64(RegRSP), operImm32(8)))
		b.append(newInstrRet())

	case ExternFgetc:
		// fgetc(stream): stream (ignored) in rdi. read(0, scratch, 1);
		// 0 bytes read means EOF, reported as -1 like the real fgetc.
		const (
			labelEOF = iota
			labelDone
		)
		b.append(newInstrAdd(operReg64(RegRSP), operImm32(-8)))
		b.append(newInstrMov(operReg32(reg32Arg1), operImm32(fdStdin)))
		b.append(newInstrMov(operReg64(reg64Arg2), operReg64(RegRSP)))
		b.append(newInstrMov(operReg32(RegEDX), operImm32(1)))
		b.append(newInstrMov(operReg32(reg32RetVal), operImm32(sysRead)))
		b.append(newInstrSyscall())
		b.append(newInstrCmp(operReg32(reg32RetVal), operImm32(0)))
		b.append(newInstrJz(operLabel(labelEOF)))
		b.append(newInstrMov(operReg32(RegECX), operImm32(0)))
		b.append(newInstrMovzx(operReg32(reg32RetVal), operMem8Reg(RegRSP, RegRCX, 0)))
		b.append(newInstrJmp(operLabel(labelDone)))
		b.append(newInstrLabel(labelEOF))
		b.append(newInstrMov(operReg32(reg32RetVal), operImm32(-1)))
		b.append(newInstrLabel(labelDone))
		b.append(newInstrAdd(operReg64(RegRSP), operImm32(8)))
		b.append(newInstrRet())

	case ExternFprintf:
		// fprintf(stream, msg): stream (ignored) in rdi, msg in rsi.
		// Every message this compiler ever formats is a fixed constant
		// string with no format directives (msgRight/msgLeft/msgFerr/
		// msgEoi), so this is exactly write(2, msg, strlen(msg)): scan
		// for the NUL with rcx as a running cursor, then write.
		const (
			labelScan = iota
			labelScanDone
		)
		b.append(newInstrMov(operReg32(RegECX), operImm32(0)))
		b.append(newInstrLabel(labelScan))
		b.append(newInstrMovzx(operReg32(reg32RetVal), operMem8Reg(reg64Arg2, RegRCX, 0)))
		b.append(newInstrCmp(operReg32(reg32RetVal), operImm32(0)))
		b.append(newInstrJz(operLabel(labelScanDone)))
		b.append(newInstrAdd(operReg64(RegRCX), operImm32(1)))
		b.append(newInstrJmp(operLabel(labelScan)))
		b.append(newInstrLabel(labelScanDone))
		b.append(newInstrMov(operReg32(RegEDX), operReg32(RegECX)))
		b.append(newInstrMov(operReg32(reg32Arg1), operImm32(fdStderr)))
		b.append(newInstrMov(operReg32(reg32RetVal), operImm32(sysWrite)))
		b.append(newInstrSyscall())
		b.append(newInstrRet())
	}
	return b.getFirst()
}

// funcFromAddr performs the one "an address is just a raw integer" pun
// this package allows, per spec.md §4.8: a JIT image's generated code
// carries no Go type information, so the only way to call it is to
// reinterpret its entry address as a func value's underlying pointer.
// Confined to this one function, and only ever invoked by JITCompile
// after the mapping has already been flipped to R+X.
func funcFromAddr(addr uintptr) func() {
	type funcval struct{ fn uintptr }
	fv := funcval{fn: addr}
	return *(*func())(unsafe.Pointer(&fv))
}
