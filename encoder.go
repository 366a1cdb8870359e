// Completion: 100% - x86-64 encoder complete, two-pass label resolution
package main

import "bytes"

// encoderContext supplies the absolute virtual addresses of every
// extern and local symbol an instruction stream may reference. One
// context is shared across every function encoded into the same image.
type encoderContext struct {
	externs map[ExternSymbol]uint64
	locals  map[LocalSymbol]uint64
}

func newEncoderContext() *encoderContext {
	return &encoderContext{
		externs: make(map[ExternSymbol]uint64),
		locals:  make(map[LocalSymbol]uint64),
	}
}

func (c *encoderContext) setExtern(sym ExternSymbol, addr uint64) { c.externs[sym] = addr }
func (c *encoderContext) setLocal(sym LocalSymbol, addr uint64)   { c.locals[sym] = addr }

// encoderFunction is one function's instruction stream bound to a load
// address, with its labels already resolved to absolute addresses.
// Label resolution uses a []uint64 slice indexed by label number
// (never a map) so repeated encodes of the same function are
// byte-identical — Go map iteration order is undefined and a map here
// would make resolveLabels' fixed-point order nondeterministic.
type encoderFunction struct {
	instrs  *instr
	address uint64
	labels  []uint64
}

// encodeState threads the encoder's running write position and output
// buffer (nil during the measuring pass) through one encode.
type encodeState struct {
	buf     []byte
	length  int
	fn      *encoderFunction
	ctx     *encoderContext
	address uint64
}

func newEncodeState(buf []byte, fn *encoderFunction, ctx *encoderContext) *encodeState {
	s := &encodeState{buf: buf, fn: fn, ctx: ctx}
	s.updateAddress()
	return s
}

func (s *encodeState) updateAddress() {
	s.address = s.fn.address + uint64(s.length)
}

func (s *encodeState) writeByte(b byte) {
	if s.buf != nil {
		if s.length >= len(s.buf) {
			panic(InvariantError("instruction buffer overflow"))
		}
		s.buf[s.length] = b
	}
	s.length++
}

func (s *encodeState) writeWord(value int32) {
	s.writeByte(byte(value))
	s.writeByte(byte(value >> 8))
	s.writeByte(byte(value >> 16))
	s.writeByte(byte(value >> 24))
}

func isInImm8Range(v int) bool { return v >= -128 && v <= 127 }

func (s *encodeState) rel32(o *operand, fromAddress uint64) int32 {
	switch o.typ {
	case opExtern, opMem64Extern:
		return int32(int64(s.ctx.externs[ExternSymbol(o.n)]) - int64(fromAddress))
	case opLocal, opMem64Local:
		return int32(int64(s.ctx.locals[LocalSymbol(o.n)]) - int64(fromAddress))
	case opLabel:
		return int32(int64(s.fn.labels[o.n]) - int64(fromAddress))
	case opMem64Rel:
		return int32(int64(o.n) - int64(fromAddress))
	default:
		panic(InvariantError("unsupported operand type in rel32 computation"))
	}
}

// encodeModRMSibDisp writes the ModR/M (+ SIB + displacement) bytes
// for the addressing-mode family of operand o, with reg occupying the
// reg field (or, for memory operands addressed via RIP-relative
// encodings, the opcode-extension field the caller passes as reg).
func (s *encodeState) encodeModRMSibDisp(o *operand, reg int) {
	r1 := o.r1 & 7
	r2 := o.r2 & 7
	rreg := reg & 7

	switch o.typ {
	case opMem8Reg:
		s.writeByte(0x84 | byte(rreg<<3))
		s.writeByte(byte(r2<<3) | byte(r1))
		s.writeWord(int32(o.n))
	case opMem64Extern, opMem64Local:
		s.writeByte(0x05 | byte(rreg<<3))
		s.writeWord(s.rel32(o, s.address+7))
	case opMem64Rel:
		s.writeByte(0x05 | byte(rreg<<3))
		s.writeWord(s.rel32(o, s.address+6))
	default:
		s.writeByte(0xc0 | byte(rreg<<3) | byte(r1))
	}
}

func (s *encodeState) encodeRexPrefixForModRM(modRM *operand, reg int) {
	prefix := byte(0x40)
	if modRM.is64Bit() {
		prefix |= 8
	}
	if reg > 7 {
		prefix |= 4
	}
	if modRM.r2 > 7 {
		prefix |= 2
	}
	if modRM.r1 > 7 {
		prefix |= 1
	}
	if prefix != 0x40 {
		s.writeByte(prefix)
	}
}

// encodeALU implements the shared add/and/cmp/or encoding, parameterised
// by the opcode-extension digit the /r or opcode byte embeds.
func (s *encodeState) encodeALU(instrNum int, dst, src *operand) {
	switch src.typ {
	case opImm8:
		s.encodeRexPrefixForModRM(dst, instrNum)
		s.writeByte(0x80)
		s.encodeModRMSibDisp(dst, instrNum)
		s.writeByte(byte(src.n))
	case opImm32:
		s.encodeRexPrefixForModRM(dst, instrNum)
		if isInImm8Range(src.n) {
			s.writeByte(0x83)
			s.encodeModRMSibDisp(dst, instrNum)
			s.writeByte(byte(src.n))
		} else {
			s.writeByte(0x81)
			s.encodeModRMSibDisp(dst, instrNum)
			s.writeWord(int32(src.n))
		}
	case opReg8:
		s.encodeRexPrefixForModRM(dst, src.r1)
		s.writeByte(byte(0x08 * instrNum))
		s.encodeModRMSibDisp(dst, src.r1)
	case opReg32, opReg64:
		s.encodeRexPrefixForModRM(dst, src.r1)
		s.writeByte(byte(0x08*instrNum + 1))
		s.encodeModRMSibDisp(dst, src.r1)
	default:
		panic(InvariantError("unsupported source operand type for ALU instruction"))
	}
}

func (s *encodeState) encodeAdd(i *instr) { s.encodeALU(0, i.dst, i.src) }
func (s *encodeState) encodeAnd(i *instr) { s.encodeALU(4, i.dst, i.src) }
func (s *encodeState) encodeCmp(i *instr) { s.encodeALU(7, i.dst, i.src) }
func (s *encodeState) encodeOr(i *instr)  { s.encodeALU(1, i.dst, i.src) }

func (s *encodeState) encodeCall(i *instr) {
	s.writeByte(0xe8)
	s.writeWord(s.rel32(i.dst, s.address+5))
}

// encodeShortOrLongJump implements the shared rel8/rel32 branch-form
// selection every conditional jump (and plain jmp-to-label) uses.
func (s *encodeState) encodeShortOrLongJump(target *operand, shortOp byte, longOp0, longOp1 byte) {
	rel8 := s.rel32(target, s.address+2)
	if isInImm8Range(int(rel8)) {
		s.writeByte(shortOp)
		s.writeByte(byte(rel8))
	} else {
		s.writeByte(longOp0)
		s.writeByte(longOp1)
		s.writeWord(s.rel32(target, s.address+6))
	}
}

func (s *encodeState) encodeJl(i *instr)  { s.encodeShortOrLongJump(i.dst, 0x7c, 0x0f, 0x8c) }
func (s *encodeState) encodeJns(i *instr) { s.encodeShortOrLongJump(i.dst, 0x79, 0x0f, 0x89) }
func (s *encodeState) encodeJnz(i *instr) { s.encodeShortOrLongJump(i.dst, 0x75, 0x0f, 0x85) }
func (s *encodeState) encodeJz(i *instr)  { s.encodeShortOrLongJump(i.dst, 0x74, 0x0f, 0x84) }

func (s *encodeState) encodeJmp(i *instr) {
	if i.dst.typ == opMem64Rel {
		s.writeByte(0xff)
		s.encodeModRMSibDisp(i.dst, 4)
		return
	}
	rel8 := s.rel32(i.dst, s.address+2)
	if isInImm8Range(int(rel8)) {
		s.writeByte(0xeb)
		s.writeByte(byte(rel8))
	} else {
		s.writeByte(0xe9)
		s.writeWord(s.rel32(i.dst, s.address+5))
	}
}

func (s *encodeState) encodeLea(i *instr) {
	s.encodeRexPrefixForModRM(i.src, i.dst.r1)
	s.writeByte(0x8d)
	s.encodeModRMSibDisp(i.src, i.dst.r1)
}

func (s *encodeState) encodeMov(i *instr) {
	dst, src := i.dst, i.src
	switch dst.typ {
	case opMem8Reg:
		switch src.typ {
		case opReg8:
			s.encodeRexPrefixForModRM(dst, src.r1)
			s.writeByte(0x88)
			s.encodeModRMSibDisp(dst, src.r1)
		case opImm8:
			s.encodeRexPrefixForModRM(dst, 0)
			s.writeByte(0xc6)
			s.encodeModRMSibDisp(dst, 0)
			s.writeByte(byte(src.n))
		default:
			panic(InvariantError("unsupported source operand type for mov"))
		}
	case opReg8:
		s.encodeRexPrefixForModRM(src, dst.r1)
		s.writeByte(0x8a)
		s.encodeModRMSibDisp(src, dst.r1)
	case opReg32, opReg64:
		switch src.typ {
		case opImm32:
			s.encodeRexPrefixForModRM(dst, 0)
			if dst.typ == opReg32 {
				s.writeByte(0xb8 | byte(dst.r1&7))
				s.writeWord(int32(src.n))
			} else {
				s.writeByte(0xc7)
				s.encodeModRMSibDisp(dst, 0)
				s.writeWord(int32(src.n))
			}
		case opMem64Extern, opMem64Local:
			s.encodeRexPrefixForModRM(src, dst.r1)
			s.writeByte(0x8b)
			s.encodeModRMSibDisp(src, dst.r1)
		case opReg32, opReg64:
			s.encodeRexPrefixForModRM(dst, src.r1)
			s.writeByte(0x89)
			s.encodeModRMSibDisp(dst, src.r1)
		default:
			panic(InvariantError("unsupported source operand type for mov"))
		}
	default:
		panic(InvariantError("unsupported destination operand type for mov"))
	}
}

func (s *encodeState) encodeMovzx(i *instr) {
	s.encodeRexPrefixForModRM(i.src, i.dst.r1)
	s.writeByte(0x0f)
	s.writeByte(0xb6)
	s.encodeModRMSibDisp(i.src, i.dst.r1)
}

func (s *encodeState) encodePop(i *instr) {
	if i.dst.r1 > 7 {
		s.writeByte(0x41)
	}
	s.writeByte(0x58 | byte(i.dst.r1&7))
}

func (s *encodeState) encodePush(i *instr) {
	switch i.src.typ {
	case opMem64Rel:
		s.writeByte(0xff)
		s.encodeModRMSibDisp(i.src, 6)
	case opImm32:
		s.writeByte(0x68)
		s.writeWord(int32(i.src.n))
	default:
		if i.src.r1 > 7 {
			s.writeByte(0x41)
		}
		s.writeByte(0x50 | byte(i.src.r1&7))
	}
}

func (s *encodeState) encodeAlign(i *instr) {
	address := s.address
	for address&uint64(i.n-1) != 0 {
		s.writeByte(0x90)
		address++
	}
}

// encodeInstr dispatches a single instruction and advances the running
// address. LABEL emits nothing; SEGFAULT emits hlt.
func (s *encodeState) encodeInstr(i *instr) {
	switch i.op {
	case opAlign:
		s.encodeAlign(i)
	case opAdd:
		s.encodeAdd(i)
	case opAnd:
		s.encodeAnd(i)
	case opCall:
		s.encodeCall(i)
	case opCmp:
		s.encodeCmp(i)
	case opJl:
		s.encodeJl(i)
	case opJmp:
		s.encodeJmp(i)
	case opJns:
		s.encodeJns(i)
	case opJnz:
		s.encodeJnz(i)
	case opJz:
		s.encodeJz(i)
	case opLabelInstr:
		// nothing to encode
	case opLea:
		s.encodeLea(i)
	case opMov:
		s.encodeMov(i)
	case opMovzx:
		s.encodeMovzx(i)
	case opOr:
		s.encodeOr(i)
	case opPop:
		s.encodePop(i)
	case opPush:
		s.encodePush(i)
	case opRet:
		s.writeByte(0xc3)
	case opSegfault:
		s.writeByte(0xf4) // hlt
	case opSyscall:
		s.writeByte(0x0f)
		s.writeByte(0x05)
	}
	s.updateAddress()
}

func countLabels(instrs *instr) int {
	n := 0
	for i := instrs; i != nil; i = i.next {
		if i.op == opLabelInstr && i.dst.n >= n {
			n = i.dst.n + 1
		}
	}
	return n
}

// resolveLabels iterates the short/long branch-form fixed point: each
// pass re-measures every label's address in a nil-buffer encode;
// switching a branch between its 2-byte and 5/6-byte form can move
// every label after it, so passes repeat until none move. Every label
// starts at address 0, so a branch can be measured long in an early
// pass and short in a later one; the loop sets no upper bound on the
// number of passes.
func resolveLabels(fn *encoderFunction, ctx *encoderContext) {
	for i := range fn.labels {
		fn.labels[i] = 0
	}

	for {
		state := newEncodeState(nil, fn, ctx)
		changed := false

		for i := fn.instrs; i != nil; i = i.next {
			if i.op == opLabelInstr && fn.labels[i.dst.n] != state.address {
				fn.labels[i.dst.n] = state.address
				changed = true
			}
			state.encodeInstr(i)
		}

		if !changed {
			break
		}
	}

	for i := fn.instrs; i != nil; i = i.next {
		if i.dst != nil && i.dst.typ == opLabel && fn.labels[i.dst.n] == 0 {
			panic(InvariantError("instruction destination operand references undefined label"))
		}
		if i.src != nil && i.src.typ == opLabel && fn.labels[i.src.n] == 0 {
			panic(InvariantError("instruction source operand references undefined label"))
		}
	}
}

// newEncoderFunction binds an instruction stream to a load address and
// resolves its internal labels. address is the function's own virtual
// address; externs/locals addresses in ctx must already be final.
func newEncoderFunction(instrs *instr, address uint64, ctx *encoderContext) *encoderFunction {
	fn := &encoderFunction{instrs: instrs, address: address}
	numLabels := countLabels(instrs)
	if numLabels > 0 {
		fn.labels = make([]uint64, numLabels)
		resolveLabels(fn, ctx)
	}
	return fn
}

// computeFunctionSize measures the encoded length without writing any
// bytes, by running the same encoder against a nil buffer.
func computeFunctionSize(fn *encoderFunction, ctx *encoderContext) int {
	return encodeFunction(nil, fn, ctx)
}

// encodeFunction writes fn's instructions into buf (or just measures,
// when buf is nil) and returns the number of bytes produced.
func encodeFunction(buf []byte, fn *encoderFunction, ctx *encoderContext) int {
	state := newEncodeState(buf, fn, ctx)
	for i := fn.instrs; i != nil; i = i.next {
		state.encodeInstr(i)
	}
	return state.length
}

// measureFunctionChain returns the total encoded size of the function
// chain starting at fn, as if laid out starting at startAddr. Shared by
// both back ends to learn a text section's size before the rest of its
// layout can be fixed.
func measureFunctionChain(fn *function, ctx *encoderContext, startAddr uint64) int {
	total := 0
	addr := startAddr
	for f := fn; f != nil; f = f.next {
		ef := newEncoderFunction(f.instrs, addr, ctx)
		resolveLabels(ef, ctx)
		size := computeFunctionSize(ef, ctx)
		addr += uint64(size)
		total += size
	}
	return total
}

// encodeFunctionChain runs the real two-pass label resolution and
// encode for every function in the chain starting at fn, once every
// extern/local address ctx may need is already final, and appends the
// resulting machine code to buf in order. It also binds each
// function's own symbol to its resolved address in ctx, so later
// functions in the same chain (and callers outside it) can address
// earlier ones. Returns the address immediately past the chain.
func encodeFunctionChain(buf *bytes.Buffer, fn *function, ctx *encoderContext, startAddr uint64) uint64 {
	addr := startAddr
	var funcs []*encoderFunction
	for f := fn; f != nil; f = f.next {
		ef := newEncoderFunction(f.instrs, addr, ctx)
		ctx.setLocal(f.symbol, addr)
		resolveLabels(ef, ctx)
		size := computeFunctionSize(ef, ctx)
		funcs = append(funcs, ef)
		addr += uint64(size)
	}
	for _, ef := range funcs {
		b := make([]byte, computeFunctionSize(ef, ctx))
		encodeFunction(b, ef, ctx)
		buf.Write(b)
	}
	return addr
}
