package main

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestElf64HashMatchesKnownSmallInputs(t *testing.T) {
	if got := elf64Hash(""); got != 0 {
		t.Errorf("elf64Hash(\"\") = %d, want 0", got)
	}
	if got := elf64Hash("a"); got != 97 {
		t.Errorf("elf64Hash(\"a\") = %d, want 97", got)
	}
	if got := elf64Hash("ab"); got != 1650 {
		t.Errorf("elf64Hash(\"ab\") = %d, want 1650", got)
	}
}

func TestAlign8RoundsUpToMultipleOfEight(t *testing.T) {
	cases := map[int]int{0: 0, 1: 8, 7: 8, 8: 8, 9: 16}
	for in, want := range cases {
		if got := align8(in); got != want {
			t.Errorf("align8(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestAlignUpRoundsUpToMultipleOfArbitraryAlignment(t *testing.T) {
	if got := alignUp(10, 8); got != 16 {
		t.Errorf("alignUp(10, 8) = %d, want 16", got)
	}
	if got := alignUp(16, 8); got != 16 {
		t.Errorf("alignUp(16, 8) = %d, want 16 (already aligned)", got)
	}
}

func TestPadToFillsWithZeroBytesUpToTarget(t *testing.T) {
	var b bytes.Buffer
	b.WriteByte(1)
	padTo(&b, 4)
	if !bytes.Equal(b.Bytes(), []byte{1, 0, 0, 0}) {
		t.Errorf("padTo produced % x, want 01 00 00 00", b.Bytes())
	}
}

func TestPadToIsNoopWhenAlreadyPastTarget(t *testing.T) {
	var b bytes.Buffer
	b.WriteString("abcd")
	padTo(&b, 2)
	if b.String() != "abcd" {
		t.Errorf("padTo should never truncate, got %q", b.String())
	}
}

func TestDynStringsReservesEmptyStringAtOffsetZero(t *testing.T) {
	s := newDynStrings()
	if s.buf.Len() != 1 {
		t.Fatalf("a fresh table should start with the single NUL byte, got %d bytes", s.buf.Len())
	}
	if off := s.add(""); off != 0 {
		t.Errorf("add(\"\") = %d, want 0", off)
	}
}

func TestDynStringsDedupesRepeatedAdds(t *testing.T) {
	s := newDynStrings()
	first := s.add("libc.so.6")
	second := s.add("libc.so.6")
	if first != second {
		t.Errorf("adding the same string twice should return the same offset, got %d and %d", first, second)
	}
	third := s.add("GLIBC_2.2.5")
	if third == first {
		t.Errorf("a distinct string must get a distinct offset")
	}
	if third != uint32(len("libc.so.6"))+2 { // +1 for the leading NUL, +1 for "libc.so.6"'s own terminator
		t.Errorf("add(second string) = %d, want %d", third, len("libc.so.6")+2)
	}
}

func TestExternSymbolIsFunctionClassifiesStreamsAsData(t *testing.T) {
	data := []ExternSymbol{ExternStdin, ExternStdout, ExternStderr}
	for _, s := range data {
		if s.isFunction() {
			t.Errorf("%v should be classified as data (GOT-addressed), not a function", s)
		}
	}
	funcs := []ExternSymbol{ExternExit, ExternFerror, ExternFgetc, ExternFprintf, ExternPerror, ExternPutc, ExternLibcStartMain}
	for _, s := range funcs {
		if !s.isFunction() {
			t.Errorf("%v should be classified as a function (PLT-called)", s)
		}
	}
}

func TestCollectExternsReturnsSortedDeduplicatedSet(t *testing.T) {
	fn1 := &function{instrs: newInstrMov(operReg64(RegRAX), operMem64Extern(ExternStdout))}
	fn2 := &function{instrs: newInstrCall(operExtern(ExternExit))}
	fn1.next = fn2
	fn3 := &function{instrs: newInstrMov(operReg64(RegRCX), operMem64Extern(ExternStdout))} // repeat
	fn2.next = fn3

	got := collectExterns(fn1)
	want := []ExternSymbol{ExternExit, ExternStdout}
	if len(got) != len(want) {
		t.Fatalf("collectExterns = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("collectExterns[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestNeededMessagesOnlyTracksTheFourFixedLocals(t *testing.T) {
	fn := &function{instrs: newInstrLea(operReg64(RegRAX), operMem64Local(LocalMsgRight))}
	second := newInstrCall(operLocal(LocalMain)) // not a message local
	fn.instrs.next = second

	got := neededMessages(fn)
	if !got[LocalMsgRight] {
		t.Errorf("expected LocalMsgRight to be reported as needed")
	}
	if got[LocalMain] {
		t.Errorf("LocalMain is not a message local and must not be reported")
	}
	if len(got) != 1 {
		t.Errorf("expected exactly one needed message, got %v", got)
	}
}

func TestMessageTextMapsEachFixedMessageLocal(t *testing.T) {
	cases := map[LocalSymbol]string{
		LocalMsgRight: msgRight,
		LocalMsgLeft:  msgLeft,
		LocalMsgFerr:  msgFerr,
		LocalMsgEOI:   msgEoi,
	}
	for sym, want := range cases {
		if got := messageText(sym); got != want {
			t.Errorf("messageText(%v) = %q, want %q", sym, got, want)
		}
	}
	if got := messageText(LocalMain); got != "" {
		t.Errorf("messageText of a non-message local should be empty, got %q", got)
	}
}

func TestFunctionExternsAndDataExternsPartitionPreservingOrder(t *testing.T) {
	img := &elfImage{externs: []ExternSymbol{ExternExit, ExternStdin, ExternFgetc, ExternStdout}}
	funcs := img.functionExterns()
	data := img.dataExterns()

	wantFuncs := []ExternSymbol{ExternExit, ExternFgetc}
	wantData := []ExternSymbol{ExternStdin, ExternStdout}
	if len(funcs) != len(wantFuncs) || len(data) != len(wantData) {
		t.Fatalf("functionExterns=%v dataExterns=%v, want %v / %v", funcs, data, wantFuncs, wantData)
	}
	for i := range wantFuncs {
		if funcs[i] != wantFuncs[i] {
			t.Errorf("functionExterns[%d] = %v, want %v", i, funcs[i], wantFuncs[i])
		}
	}
	for i := range wantData {
		if data[i] != wantData[i] {
			t.Errorf("dataExterns[%d] = %v, want %v", i, data[i], wantData[i])
		}
	}
}

// generateSmallELF runs a tiny program through the full pipeline:
// parse, optimize, lower, encode, assemble.
func generateSmallELF(t *testing.T, src string) []byte {
	t.Helper()
	root, err := NewParser([]byte(src)).Parse()
	if err != nil {
		t.Fatalf("parse %q: %v", src, err)
	}
	root = Optimize(root, 2, false)
	return GenerateELF(root)
}

func TestGenerateELFStartsWithValidELF64Header(t *testing.T) {
	out := generateSmallELF(t, "+.")
	if len(out) < 64 {
		t.Fatalf("output too short to hold an ELF header: %d bytes", len(out))
	}
	if !bytes.Equal(out[:4], []byte{0x7f, 'E', 'L', 'F'}) {
		t.Fatalf("missing ELF magic, got % x", out[:4])
	}
	if out[4] != 2 {
		t.Errorf("EI_CLASS = %d, want 2 (ELFCLASS64)", out[4])
	}
	if out[5] != 1 {
		t.Errorf("EI_DATA = %d, want 1 (ELFDATA2LSB)", out[5])
	}
	machine := binary.LittleEndian.Uint16(out[18:20])
	if machine != 0x3e {
		t.Errorf("e_machine = %#x, want 0x3e (EM_X86_64)", machine)
	}
	etype := binary.LittleEndian.Uint16(out[16:18])
	if etype != 2 {
		t.Errorf("e_type = %d, want 2 (ET_EXEC)", etype)
	}
	entry := binary.LittleEndian.Uint64(out[24:32])
	headerAndPhdrs := uint64(64 + 56*6)
	if entry <= uint64(textPhdrBaseAddr)+headerAndPhdrs || entry >= uint64(textPhdrBaseAddr+segAlign) {
		t.Errorf("e_entry = %#x, want somewhere inside the text segment past the ELF header and program headers", entry)
	}
}

func TestGenerateELFIsDeterministic(t *testing.T) {
	a := generateSmallELF(t, "++[->+<]>.")
	b := generateSmallELF(t, "++[->+<]>.")
	if !bytes.Equal(a, b) {
		t.Errorf("GenerateELF on identical input must be byte-for-byte reproducible")
	}
}

func TestGenerateELFGrowsWithMoreReferencedExterns(t *testing.T) {
	// "," pulls in fgetc/check_input/stdin; a program using it should
	// produce a strictly larger image than one that never reads input.
	withoutInput := generateSmallELF(t, "+.")
	withInput := generateSmallELF(t, "+.,.")
	if len(withInput) <= len(withoutInput) {
		t.Errorf("expected the program using ',' to produce a larger image (%d bytes) than one without it (%d bytes)",
			len(withInput), len(withoutInput))
	}
}
