package main

import "testing"

// expectPanic runs fn and fails the test unless it panics with a
// CompilerError (the operand-whitelist contract spec.md §8 calls for:
// every disallowed combination must panic/error).
func expectPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected a panic for a disallowed operand combination, got none")
		}
		if _, ok := r.(CompilerError); !ok {
			t.Fatalf("expected panic value to be a CompilerError, got %T: %v", r, r)
		}
	}()
	fn()
}

func TestArithInstructionsAcceptWhitelistedPairs(t *testing.T) {
	valid := []func(){
		func() { newInstrAdd(operMem8Reg(RegRBX, RegR13, 0), operImm8(1)) },
		func() { newInstrAdd(operReg64(RegRAX), operReg64(RegRDX)) },
		func() { newInstrAnd(operReg32(RegEAX), operImm32(1)) },
		func() { newInstrCmp(operMem8Reg(RegRBX, RegR13, 0), operReg8(RegAL)) },
		func() { newInstrOr(operReg8(RegAL), operReg8(RegAL)) },
	}
	for i, fn := range valid {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Errorf("case %d: unexpected panic for a whitelisted pair: %v", i, r)
				}
			}()
			fn()
		}()
	}
}

func TestArithInstructionsRejectDisallowedPairs(t *testing.T) {
	expectPanic(t, func() { newInstrAdd(operReg8(RegAL), operImm32(1)) })
	expectPanic(t, func() { newInstrAnd(operImm32(1), operReg32(RegEAX)) })
	expectPanic(t, func() { newInstrCmp(operReg64(RegRAX), operImm8(1)) })
	expectPanic(t, func() { newInstrOr(operMem8Reg(RegRBX, RegR13, 0), operReg32(RegEAX)) })
}

func TestCallAcceptsExternOrLocalOnly(t *testing.T) {
	newInstrCall(operExtern(ExternExit))
	newInstrCall(operLocal(LocalMain))
	expectPanic(t, func() { newInstrCall(operLabel(0)) })
	expectPanic(t, func() { newInstrCall(operReg64(RegRAX)) })
}

func TestConditionalJumpsAcceptLabelOnly(t *testing.T) {
	newInstrJl(operLabel(1))
	newInstrJns(operLabel(1))
	newInstrJnz(operLabel(1))
	newInstrJz(operLabel(1))
	expectPanic(t, func() { newInstrJl(operLocal(LocalMain)) })
	expectPanic(t, func() { newInstrJz(operMem64Rel(0)) })
}

func TestJmpAcceptsLabelOrMem64Rel(t *testing.T) {
	newInstrJmp(operLabel(1))
	newInstrJmp(operMem64Rel(0))
	expectPanic(t, func() { newInstrJmp(operLocal(LocalMain)) })
}

func TestMovAcceptsWhitelistedPairs(t *testing.T) {
	newInstrMov(operMem8Reg(RegRBX, RegR13, 0), operReg8(RegAL))
	newInstrMov(operMem8Reg(RegRBX, RegR13, 0), operImm8(1))
	newInstrMov(operReg8(RegAL), operMem8Reg(RegRBX, RegR13, 0))
	newInstrMov(operReg32(RegEAX), operImm32(1))
	newInstrMov(operReg64(RegRAX), operMem64Extern(ExternStdin))
	newInstrMov(operReg64(RegRAX), operMem64Local(LocalM))
	expectPanic(t, func() { newInstrMov(operReg64(RegRAX), operImm32(1)) })
	expectPanic(t, func() { newInstrMov(operImm32(1), operReg32(RegEAX)) })
}

func TestLeaAcceptsReg64FromLabelOrLocal(t *testing.T) {
	newInstrLea(operReg64(RegRAX), operLabel(0))
	newInstrLea(operReg64(RegRAX), operMem64Local(LocalM))
	expectPanic(t, func() { newInstrLea(operReg32(RegEAX), operLabel(0)) })
	expectPanic(t, func() { newInstrLea(operReg64(RegRAX), operMem64Extern(ExternStdin)) })
}

func TestMovzxAcceptsOnlyReg32FromMem8Reg(t *testing.T) {
	newInstrMovzx(operReg32(RegEAX), operMem8Reg(RegRBX, RegR13, 0))
	expectPanic(t, func() { newInstrMovzx(operReg64(RegRAX), operMem8Reg(RegRBX, RegR13, 0)) })
	expectPanic(t, func() { newInstrMovzx(operReg32(RegEAX), operReg8(RegAL)) })
}

func TestPopAcceptsOnlyReg64(t *testing.T) {
	newInstrPop(operReg64(RegRAX))
	expectPanic(t, func() { newInstrPop(operReg32(RegEAX)) })
}

func TestPushAcceptsImm32Mem64RelOrReg64(t *testing.T) {
	newInstrPush(operImm32(1))
	newInstrPush(operMem64Rel(0))
	newInstrPush(operReg64(RegRAX))
	expectPanic(t, func() { newInstrPush(operReg32(RegEAX)) })
}

func TestIs64Bit(t *testing.T) {
	cases := []struct {
		o    *operand
		want bool
	}{
		{operReg64(RegRAX), true},
		{operMem64Local(LocalM), true},
		{operMem64Extern(ExternStdin), true},
		{operMem64Rel(0), true},
		{operReg32(RegEAX), false},
		{operReg8(RegAL), false},
		{operImm32(1), false},
	}
	for _, c := range cases {
		if got := c.o.is64Bit(); got != c.want {
			t.Errorf("is64Bit(%+v) = %v, want %v", c.o, got, c.want)
		}
	}
}

func TestSymbolStringTablesCoverEveryEnumValue(t *testing.T) {
	for s := ExternExit; s <= ExternStdout; s++ {
		if s.String() == "" {
			t.Errorf("ExternSymbol(%d) has no name", s)
		}
	}
	for s := LocalCheckInput; s <= LocalStart; s++ {
		if s.String() == "" {
			t.Errorf("LocalSymbol(%d) has no name", s)
		}
	}
}

func TestNoOperandInstructionsConstructWithoutPanicking(t *testing.T) {
	newInstrRet()
	newInstrSegfault()
	newInstrSyscall()
	newInstrAlign(8)
	newInstrLabel(0)
}
