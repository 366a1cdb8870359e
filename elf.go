// Completion: 100% - ELF64 dynamically-linked executable writer
package main

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// Layout constants, transcribed from original_source/src/backend/elf64.c.
const (
	textPhdrBaseAddr = 0x400000
	dataPhdrBaseAddr = 0x600000
	segAlign         = 0x200000
	numHashBuckets   = 3
	symbolVersionID  = 2
	interpPath       = "/lib64/ld-linux-x86-64.so.2"
	neededLib        = "libc.so.6"
	neededVersion    = "GLIBC_2.2.5"
)

const (
	msgRight = "Error: memory position out of bounds (overflow - too far right)\n"
	msgLeft  = "Error: memory position out of bounds (underflow - too far left)\n"
	msgFerr  = "Error when reading input"
	msgEoi   = "Error: reached end of input\n"
)

// Dynamic/ELF wire constants (encoding/binary field values, not Go types).
const (
	shtNull       = 0
	shtProgbits   = 1
	shtSymtab     = 2
	shtStrtab     = 3
	shtRela       = 4
	shtHash       = 5
	shtDynamic    = 6
	shtNobits     = 8
	shtDynsym     = 11
	shtGnuVersym  = 0x6fffffff
	shtGnuVerneed = 0x6ffffffe

	shfWrite     = 0x1
	shfAlloc     = 0x2
	shfExecinstr = 0x4

	dtNeeded     = 1
	dtPltrelsz   = 2
	dtPltgot     = 3
	dtHash       = 4
	dtStrtab     = 5
	dtSymtab     = 6
	dtRela       = 7
	dtRelasz     = 8
	dtRelaent    = 9
	dtStrsz      = 10
	dtSyment     = 11
	dtPltrel     = 20
	dtDebug      = 21
	dtJmprel     = 23
	dtVersym     = 0x6ffffff0
	dtVerneed    = 0x6ffffffe
	dtVerneednum = 0x6fffffff
	dtNull       = 0

	stbGlobal = 1
	sttObject = 1
	sttFunc   = 2
	shnUndef  = 0

	rX8664Copy     = 5
	rX8664JumpSlot = 7
)

// section indices; index 0 is the mandatory reserved null section.
type elfSection int

const (
	secNull elfSection = iota
	secInterp
	secHash
	secDynsym
	secDynstr
	secGnuVersion
	secGnuVersionR
	secRelaDyn
	secRelaPlt
	secPlt
	secText
	secRodata
	secDynamic
	secGotPlt
	secData
	secBss
	secShstrtab
	numSections
)

var sectionNames = map[elfSection]string{
	secInterp:      ".interp",
	secHash:        ".hash",
	secDynsym:      ".dynsym",
	secDynstr:      ".dynstr",
	secGnuVersion:  ".gnu.version",
	secGnuVersionR: ".gnu.version_r",
	secRelaDyn:     ".rela.dyn",
	secRelaPlt:     ".rela.plt",
	secPlt:         ".plt",
	secText:        ".text",
	secRodata:      ".rodata",
	secDynamic:     ".dynamic",
	secGotPlt:      ".got.plt",
	secData:        ".data",
	secBss:         ".bss",
	secShstrtab:    ".shstrtab",
}

// isFunction reports whether sym is called directly (through the PLT) as
// opposed to read as a data pointer (through the GOT). Grounded on
// write_dynamic_symbols_section's FUNCTION/DATA split in elf64.c.
func (s ExternSymbol) isFunction() bool {
	switch s {
	case ExternStdin, ExternStdout, ExternStderr:
		return false
	default:
		return true
	}
}

// collectExterns walks every instruction operand in the lowered function
// chain and returns the externs actually referenced, in a fixed
// (enum-value) order so output is deterministic across identical inputs.
func collectExterns(fn *function) []ExternSymbol {
	seen := map[ExternSymbol]bool{}
	visit := func(o *operand) {
		if o == nil {
			return
		}
		if o.typ == opExtern || o.typ == opMem64Extern {
			seen[ExternSymbol(o.n)] = true
		}
	}
	for f := fn; f != nil; f = f.next {
		for i := f.instrs; i != nil; i = i.next {
			visit(i.dst)
			visit(i.src)
		}
	}
	var out []ExternSymbol
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// neededMessages reports which of the four fixed message strings the
// lowered function chain actually references, by local symbol.
func neededMessages(fn *function) map[LocalSymbol]bool {
	out := map[LocalSymbol]bool{}
	visit := func(o *operand) {
		if o != nil && (o.typ == opLocal || o.typ == opMem64Local) {
			sym := LocalSymbol(o.n)
			switch sym {
			case LocalMsgEOI, LocalMsgFerr, LocalMsgLeft, LocalMsgRight:
				out[sym] = true
			}
		}
	}
	for f := fn; f != nil; f = f.next {
		for i := f.instrs; i != nil; i = i.next {
			visit(i.dst)
			visit(i.src)
		}
	}
	return out
}

// elf64Hash is the classic SysV ELF hash function.
func elf64Hash(name string) uint32 {
	var h, g uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		g = h & 0xf0000000
		if g != 0 {
			h ^= g >> 24
		}
		h &^= g
	}
	return h
}

// dynStrings is an insertion-ordered, deduplicated string table builder
// for .dynstr and .shstrtab alike.
type dynStrings struct {
	buf    bytes.Buffer
	offset map[string]uint32
}

func newDynStrings() *dynStrings {
	s := &dynStrings{offset: make(map[string]uint32)}
	s.buf.WriteByte(0)
	s.offset[""] = 0
	return s
}

func (s *dynStrings) add(str string) uint32 {
	if off, ok := s.offset[str]; ok {
		return off
	}
	off := uint32(s.buf.Len())
	s.buf.WriteString(str)
	s.buf.WriteByte(0)
	s.offset[str] = off
	return off
}

// dynSymbol mirrors Elf64_Sym.
type dynSymbol struct {
	name  uint32
	info  byte
	other byte
	shndx uint16
	value uint64
	size  uint64
}

func (s dynSymbol) write(w *bytes.Buffer) {
	binary.Write(w, binary.LittleEndian, s.name)
	binary.Write(w, binary.LittleEndian, s.info)
	binary.Write(w, binary.LittleEndian, s.other)
	binary.Write(w, binary.LittleEndian, s.shndx)
	binary.Write(w, binary.LittleEndian, s.value)
	binary.Write(w, binary.LittleEndian, s.size)
}

// elfImage accumulates every section's bytes and the bookkeeping needed
// to patch addresses in once the whole-file layout is known (plan, then
// write - the same two-phase shape as original_source's elf64_generate
// and the teacher's ELFWriter.CalculateLayout / DynamicSections).
type elfImage struct {
	externs     []ExternSymbol
	externIndex map[ExternSymbol]int // 1-based dynsym index (0 is STN_UNDEF)
	dynstr      *dynStrings
	shstr       *dynStrings
	dynsym      []dynSymbol
	dataGotAddr map[ExternSymbol]uint64 // bss-resident GOT slot per data extern
	funcGotAddr map[ExternSymbol]uint64 // got.plt slot per function extern
	pltAddr     map[ExternSymbol]uint64 // .plt stub entry per function extern
	localAddr   map[LocalSymbol]uint64
	msgAddr     map[LocalSymbol]uint64
	mAddr       uint64

	hash    bytes.Buffer
	dynsymB bytes.Buffer
	gnuVer  bytes.Buffer
	verneed bytes.Buffer
	relaDyn bytes.Buffer
	relaPlt bytes.Buffer
	plt     bytes.Buffer
	text    bytes.Buffer
	rodata  bytes.Buffer
	dynamic bytes.Buffer
	gotPlt  bytes.Buffer
	data    bytes.Buffer
}

// GenerateELF lowers root to x86-64, encodes it, and assembles a complete
// dynamically-linked ELF64 executable, following original_source/src/
// backend/elf64.c's section order and program-header layout.
func GenerateELF(root *Node) []byte {
	fn := LowerProgram(root)
	img := &elfImage{
		externIndex: make(map[ExternSymbol]int),
		dataGotAddr: make(map[ExternSymbol]uint64),
		funcGotAddr: make(map[ExternSymbol]uint64),
		pltAddr:     make(map[ExternSymbol]uint64),
		localAddr:   make(map[LocalSymbol]uint64),
		msgAddr:     make(map[LocalSymbol]uint64),
		dynstr:      newDynStrings(),
		shstr:       newDynStrings(),
	}
	img.externs = collectExterns(fn)
	messages := neededMessages(fn)

	img.dynstr.add(neededLib)
	img.dynstr.add(neededVersion)
	img.buildDynsym()
	img.buildHash()
	img.buildVersionSections()

	textSize := img.planText(fn)
	pltEntries := img.functionExterns()
	pltSize := (1 + len(pltEntries)) * 16

	var msgOrder []LocalSymbol
	for _, m := range []LocalSymbol{LocalMsgRight, LocalMsgLeft, LocalMsgFerr, LocalMsgEOI} {
		if messages[m] {
			msgOrder = append(msgOrder, m)
		}
	}
	rodataSize := 0
	for _, m := range msgOrder {
		rodataSize += len(messageText(m)) + 1
	}

	dataExterns := img.dataExterns()
	bssGotSize := len(dataExterns) * 8

	const elfHeaderSize = 64
	const phdrSize = 56 * 6

	off := elfHeaderSize + phdrSize

	interpOff := off
	off += len(interpPath) + 1

	hashOff := align8(off)
	off = hashOff + img.hash.Len()

	dynsymOff := align8(off)
	off = dynsymOff + img.dynsymB.Len()

	dynstrOff := align8(off)
	off = dynstrOff + img.dynstr.buf.Len()

	gnuVersionOff := align8(off)
	off = gnuVersionOff + img.gnuVer.Len()

	verneedOff := align8(off)
	off = verneedOff + img.verneed.Len()

	relaDynOff := align8(off)
	off = relaDynOff + len(dataExterns)*24

	relaPltOff := align8(off)
	off = relaPltOff + len(pltEntries)*24

	pltOff := alignUp(off, 16)
	off = pltOff + pltSize

	textOff := alignUp(off, 16)
	off = textOff + textSize

	rodataOff := align8(off)
	off = rodataOff + rodataSize
	textSegEnd := rodataOff + rodataSize

	// --- second segment: rw, 2MB-aligned --------------------------------
	dataSegOff := alignUp(off, segAlign)
	// NEEDED, HASH, STRTAB, STRSZ, SYMTAB, SYMENT, JMPREL, PLTRELSZ, PLTREL,
	// PLTGOT, DEBUG, VERNEED, VERNEEDNUM, VERSYM, NULL.
	const dynamicEntries = 15
	dynamicSize := dynamicEntries * 16

	dynamicOff := dataSegOff
	off2 := dynamicOff + dynamicSize

	gotPltOff := align8(off2)
	gotPltSize := (3 + len(pltEntries)) * 8
	off2 = gotPltOff + gotPltSize

	dataOff := align8(off2)
	const dataSize = 8
	off2 = dataOff + dataSize

	bssOff := off2
	bssSize := bssGotSize + tapeSize

	// resolve every address now that the whole-file plan is fixed
	textBase := uint64(textPhdrBaseAddr + textOff)
	pltBase := uint64(textPhdrBaseAddr + pltOff)
	for i, sym := range pltEntries {
		img.pltAddr[sym] = pltBase + uint64(16*(i+1))
	}
	gotPltBase := uint64(dataPhdrBaseAddr + (gotPltOff - dataSegOff))
	for i, sym := range pltEntries {
		img.funcGotAddr[sym] = gotPltBase + uint64(8*(3+i))
	}
	dataGotBase := uint64(dataPhdrBaseAddr + (bssOff - dataSegOff))
	for i, sym := range dataExterns {
		img.dataGotAddr[sym] = dataGotBase + uint64(8*i)
	}
	img.mAddr = dataGotBase + uint64(bssGotSize)
	img.localAddr[LocalM] = uint64(dataPhdrBaseAddr + (dataOff - dataSegOff))
	msgBase := uint64(textPhdrBaseAddr + rodataOff)
	runningMsgAddr := msgBase
	for _, m := range msgOrder {
		img.msgAddr[m] = runningMsgAddr
		runningMsgAddr += uint64(len(messageText(m)) + 1)
	}
	dynamicAddr := uint64(dataPhdrBaseAddr)

	// lay out and encode functions in order, now that extern/local
	// addresses are resolvable
	img.encodeFunctions(fn, textBase)
	img.buildPLT(pltBase, gotPltBase, pltEntries)
	img.buildRelocations(dataExterns, pltEntries)
	img.buildRodata(msgOrder)
	img.buildDynamic(hashOff, dynstrOff, dynsymOff, relaPltOff, len(pltEntries), gotPltBase, verneedOff, gnuVersionOff)
	img.buildGotPlt(dynamicAddr, pltBase, pltEntries)
	img.buildData()
	img.patchSymbolValues()

	shstrOff := alignUp(bssOff, 8) // .bss holds no file bytes
	img.shstr.add("")
	for _, s := range []elfSection{secInterp, secHash, secDynsym, secDynstr, secGnuVersion, secGnuVersionR,
		secRelaDyn, secRelaPlt, secPlt, secText, secRodata, secDynamic, secGotPlt, secData, secBss, secShstrtab} {
		img.shstr.add(sectionNames[s])
	}
	shdrOff := alignUp(shstrOff+img.shstr.buf.Len(), 8)

	// --- final assembly ---------------------------------------------------
	var out bytes.Buffer
	entry := textBase + entryOffset(fn)
	writeELFHeader(&out, entry, shdrOff)
	writeProgramHeaders(&out, uint64(textSegEnd), uint64(dataSegOff), uint64(dynamicSize), uint64(bssOff-dataSegOff), uint64(bssOff-dataSegOff+bssSize), dynamicOff)

	padTo(&out, interpOff)
	out.WriteString(interpPath)
	out.WriteByte(0)

	padTo(&out, hashOff)
	out.Write(img.hash.Bytes())
	padTo(&out, dynsymOff)
	out.Write(img.dynsymB.Bytes())
	padTo(&out, dynstrOff)
	out.Write(img.dynstr.buf.Bytes())
	padTo(&out, gnuVersionOff)
	out.Write(img.gnuVer.Bytes())
	padTo(&out, verneedOff)
	out.Write(img.verneed.Bytes())
	padTo(&out, relaDynOff)
	out.Write(img.relaDyn.Bytes())
	padTo(&out, relaPltOff)
	out.Write(img.relaPlt.Bytes())
	padTo(&out, pltOff)
	out.Write(img.plt.Bytes())
	padTo(&out, textOff)
	out.Write(img.text.Bytes())
	padTo(&out, rodataOff)
	out.Write(img.rodata.Bytes())
	padTo(&out, dynamicOff)
	out.Write(img.dynamic.Bytes())
	padTo(&out, gotPltOff)
	out.Write(img.gotPlt.Bytes())
	padTo(&out, dataOff)
	out.Write(img.data.Bytes())
	// .bss occupies no file bytes (SHT_NOBITS)
	padTo(&out, shstrOff)
	out.Write(img.shstr.buf.Bytes())

	padTo(&out, shdrOff)
	writeSectionHeaders(&out, img, sectionLayout{
		interpOff: interpOff, hashOff: hashOff, dynsymOff: dynsymOff, dynstrOff: dynstrOff,
		gnuVersionOff: gnuVersionOff, verneedOff: verneedOff, relaDynOff: relaDynOff,
		relaPltOff: relaPltOff, pltOff: pltOff, textOff: textOff, rodataOff: rodataOff,
		dynamicOff: dynamicOff, gotPltOff: gotPltOff, dataOff: dataOff, bssOff: bssOff,
		shstrOff: shstrOff, dataSegOff: dataSegOff, bssGotSize: bssGotSize, bssSize: bssSize,
		dynamicSize: dynamicSize, pltSize: pltSize, textSize: textSize, rodataSize: rodataSize,
		nRelaPlt: len(pltEntries), nRelaDyn: len(dataExterns),
	})

	return out.Bytes()
}

func align8(n int) int { return (n + 7) &^ 7 }
func alignUp(n, a int) int {
	if n%a == 0 {
		return n
	}
	return n + (a - n%a)
}

func padTo(b *bytes.Buffer, target int) {
	for b.Len() < target {
		b.WriteByte(0)
	}
}

func messageText(m LocalSymbol) string {
	switch m {
	case LocalMsgRight:
		return msgRight
	case LocalMsgLeft:
		return msgLeft
	case LocalMsgFerr:
		return msgFerr
	case LocalMsgEOI:
		return msgEoi
	}
	return ""
}

// functionExterns returns the used externs that are FUNCTION-classified
// (PLT/GOT-called), in the same order collectExterns produced.
func (img *elfImage) functionExterns() []ExternSymbol {
	var out []ExternSymbol
	for _, s := range img.externs {
		if s.isFunction() {
			out = append(out, s)
		}
	}
	return out
}

func (img *elfImage) dataExterns() []ExternSymbol {
	var out []ExternSymbol
	for _, s := range img.externs {
		if !s.isFunction() {
			out = append(out, s)
		}
	}
	return out
}

// buildDynsym writes the STN_UNDEF entry followed by one entry per used
// extern; values are patched in once addresses are known.
func (img *elfImage) buildDynsym() {
	img.dynsym = append(img.dynsym, dynSymbol{})
	for i, sym := range img.externs {
		nameOff := img.dynstr.add(sym.String())
		sy := dynSymbol{name: nameOff, shndx: shnUndef}
		if sym.isFunction() {
			sy.info = (stbGlobal << 4) | sttFunc
		} else {
			sy.info = (stbGlobal << 4) | sttObject
		}
		img.dynsym = append(img.dynsym, sy)
		img.externIndex[sym] = i + 1
	}
}

func (img *elfImage) patchSymbolValues() {
	for sym, idx := range img.externIndex {
		if !sym.isFunction() {
			img.dynsym[idx].value = img.dataGotAddr[sym]
			img.dynsym[idx].shndx = uint16(secBss)
		}
	}
	img.dynsymB.Reset()
	for _, s := range img.dynsym {
		s.write(&img.dynsymB)
	}
}

func (img *elfImage) externNameAt(dynsymIndex int) string {
	for sym, idx := range img.externIndex {
		if idx == dynsymIndex {
			return sym.String()
		}
	}
	return ""
}

// buildHash lays out the fixed 3-bucket SysV hash table over the
// complete dynsym, per NUM_HASH_BUCKETS in elf64.c.
func (img *elfImage) buildHash() {
	n := len(img.dynsym)
	buckets := make([]uint32, numHashBuckets)
	chain := make([]uint32, n)
	for i := 1; i < n; i++ { // skip STN_UNDEF
		name := img.externNameAt(i)
		b := elf64Hash(name) % numHashBuckets
		chain[i] = buckets[b]
		buckets[b] = uint32(i)
	}
	binary.Write(&img.hash, binary.LittleEndian, uint32(numHashBuckets))
	binary.Write(&img.hash, binary.LittleEndian, uint32(n))
	for _, b := range buckets {
		binary.Write(&img.hash, binary.LittleEndian, b)
	}
	for _, c := range chain {
		binary.Write(&img.hash, binary.LittleEndian, c)
	}
}

// buildVersionSections emits .gnu.version (one Elf64_Half per dynsym
// entry) and .gnu.version_r (a single Verneed/Vernaux pair for
// libc.so.6/GLIBC_2.2.5), per elf64.c's write_symbol_versioning_sections.
func (img *elfImage) buildVersionSections() {
	binary.Write(&img.gnuVer, binary.LittleEndian, uint16(0)) // STN_UNDEF
	for range img.externs {
		binary.Write(&img.gnuVer, binary.LittleEndian, uint16(symbolVersionID))
	}

	libcOff := img.dynstr.add(neededLib)
	verOff := img.dynstr.add(neededVersion)

	// Elf64_Verneed{version=1, cnt=1, file, aux=sizeof(Verneed), next=0}
	binary.Write(&img.verneed, binary.LittleEndian, uint16(1))
	binary.Write(&img.verneed, binary.LittleEndian, uint16(1))
	binary.Write(&img.verneed, binary.LittleEndian, libcOff)
	binary.Write(&img.verneed, binary.LittleEndian, uint32(16))
	binary.Write(&img.verneed, binary.LittleEndian, uint32(0))
	// Elf64_Vernaux{hash, flags=0, other=2, name, next=0}
	binary.Write(&img.verneed, binary.LittleEndian, elf64Hash(neededVersion))
	binary.Write(&img.verneed, binary.LittleEndian, uint16(0))
	binary.Write(&img.verneed, binary.LittleEndian, uint16(symbolVersionID))
	binary.Write(&img.verneed, binary.LittleEndian, verOff)
	binary.Write(&img.verneed, binary.LittleEndian, uint32(0))
}

// planText computes the encoded size of every lowered function without
// writing output bytes, matching computeFunctionSize's nil-buffer
// measuring pass, to learn .text's total size before laying out the
// sections that follow it.
func (img *elfImage) planText(fn *function) int {
	return measureFunctionChain(fn, newEncoderContext(), 0)
}

// encodeFunctions runs the real two-pass label resolution and encode for
// every lowered function, now that every extern/local address is fixed,
// and writes the resulting machine code into img.text in order.
func (img *elfImage) encodeFunctions(fn *function, textBase uint64) {
	ctx := newEncoderContext()
	for sym, a := range img.pltAddr {
		ctx.setExtern(sym, a)
	}
	for sym, a := range img.dataGotAddr {
		ctx.setExtern(sym, a)
	}
	for sym, a := range img.msgAddr {
		ctx.setLocal(sym, a)
	}
	ctx.setLocal(LocalM, img.localAddr[LocalM])

	encodeFunctionChain(&img.text, fn, ctx, textBase)
}

// entryOffset returns the _start function's displacement from the start
// of .text. LowerProgram always lowers _start first.
func entryOffset(fn *function) uint64 { return 0 }

// buildPLT emits the standard lazy-binding PLT0 stub followed by one
// 16-byte stub per function extern, encoded through the same x86
// encoder used for .text (see pseudoisa.go's jmp/push MEM64_REL forms).
func (img *elfImage) buildPLT(pltBase, gotPltBase uint64, entries []ExternSymbol) {
	ctx := newEncoderContext()
	var b instrBuilder
	const plt0Label = 0
	b.append(newInstrLabel(plt0Label))
	b.append(newInstrPush(operMem64Rel(int(gotPltBase + 8))))
	b.append(newInstrJmp(operMem64Rel(int(gotPltBase + 16))))
	b.append(newInstrAlign(16))
	for i, sym := range entries {
		b.append(newInstrJmp(operMem64Rel(int(img.funcGotAddr[sym]))))
		b.append(newInstrPush(operImm32(i)))
		b.append(newInstrJmp(operLabel(plt0Label)))
		b.append(newInstrAlign(16))
	}
	ef := newEncoderFunction(b.getFirst(), pltBase, ctx)
	resolveLabels(ef, ctx)
	size := computeFunctionSize(ef, ctx)
	buf := make([]byte, size)
	encodeFunction(buf, ef, ctx)
	img.plt.Write(buf)
}

// buildRelocations emits one R_X86_64_COPY relocation per live extern
// data symbol (targeting its slot at the head of .bss) and one
// R_X86_64_JUMP_SLOT per live extern function, per spec.md §4.7.8.
func (img *elfImage) buildRelocations(dataExterns, funcExterns []ExternSymbol) {
	for _, sym := range dataExterns {
		binary.Write(&img.relaDyn, binary.LittleEndian, img.dataGotAddr[sym])
		info := (uint64(img.externIndex[sym]) << 32) | rX8664Copy
		binary.Write(&img.relaDyn, binary.LittleEndian, info)
		binary.Write(&img.relaDyn, binary.LittleEndian, uint64(0))
	}
	for _, sym := range funcExterns {
		binary.Write(&img.relaPlt, binary.LittleEndian, img.funcGotAddr[sym])
		info := (uint64(img.externIndex[sym]) << 32) | rX8664JumpSlot
		binary.Write(&img.relaPlt, binary.LittleEndian, info)
		binary.Write(&img.relaPlt, binary.LittleEndian, uint64(0))
	}
}

func (img *elfImage) buildRodata(order []LocalSymbol) {
	for _, m := range order {
		img.rodata.WriteString(messageText(m))
		img.rodata.WriteByte(0)
	}
}

func (img *elfImage) buildDynamic(hashOff, dynstrOff, dynsymOff, relaPltOff, nPlt int, gotPltBase uint64, verneedOff, gnuVersionOff int) {
	w := func(tag int64, val uint64) {
		binary.Write(&img.dynamic, binary.LittleEndian, tag)
		binary.Write(&img.dynamic, binary.LittleEndian, val)
	}
	w(dtNeeded, uint64(img.dynstr.offset[neededLib]))
	w(dtHash, uint64(textPhdrBaseAddr+hashOff))
	w(dtStrtab, uint64(textPhdrBaseAddr+dynstrOff))
	w(dtStrsz, uint64(img.dynstr.buf.Len()))
	w(dtSymtab, uint64(textPhdrBaseAddr+dynsymOff))
	w(dtSyment, 24)
	w(dtJmprel, uint64(textPhdrBaseAddr+relaPltOff))
	w(dtPltrelsz, uint64(nPlt*24))
	w(dtPltrel, 7) // DT_RELA
	w(dtPltgot, gotPltBase)
	w(dtDebug, 0)
	w(dtVerneed, uint64(textPhdrBaseAddr+verneedOff))
	w(dtVerneednum, 1)
	w(dtVersym, uint64(textPhdrBaseAddr+gnuVersionOff))
	w(dtNull, 0)
}

// buildGotPlt lays out .got.plt: slot 0 holds the load-time .dynamic
// address, slots 1-2 are reserved for the dynamic linker, and each
// subsequent 8 bytes is a function extern's lazy-binding jump-back
// target (PLT base + 16*(i+1) + 6, the byte past that stub's jmp).
func (img *elfImage) buildGotPlt(dynamicAddr, pltBase uint64, entries []ExternSymbol) {
	binary.Write(&img.gotPlt, binary.LittleEndian, dynamicAddr)
	binary.Write(&img.gotPlt, binary.LittleEndian, uint64(0))
	binary.Write(&img.gotPlt, binary.LittleEndian, uint64(0))
	for i := range entries {
		target := pltBase + uint64(16*(i+1)) + 6
		binary.Write(&img.gotPlt, binary.LittleEndian, target)
	}
}

func (img *elfImage) buildData() {
	binary.Write(&img.data, binary.LittleEndian, img.mAddr)
}

func writeELFHeader(out *bytes.Buffer, entry uint64, shoff int) {
	out.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	out.Write(make([]byte, 8))
	binary.Write(out, binary.LittleEndian, uint16(2))    // ET_EXEC
	binary.Write(out, binary.LittleEndian, uint16(0x3e)) // EM_X86_64
	binary.Write(out, binary.LittleEndian, uint32(1))
	binary.Write(out, binary.LittleEndian, entry)
	binary.Write(out, binary.LittleEndian, uint64(64))    // e_phoff
	binary.Write(out, binary.LittleEndian, uint64(shoff)) // e_shoff
	binary.Write(out, binary.LittleEndian, uint32(0))
	binary.Write(out, binary.LittleEndian, uint16(64)) // e_ehsize
	binary.Write(out, binary.LittleEndian, uint16(56)) // e_phentsize
	binary.Write(out, binary.LittleEndian, uint16(6))  // e_phnum
	binary.Write(out, binary.LittleEndian, uint16(64)) // e_shentsize
	binary.Write(out, binary.LittleEndian, uint16(numSections))
	binary.Write(out, binary.LittleEndian, uint16(secShstrtab))
}

// writeProgramHeaders emits the fixed 6 PHDRs PT_PHDR, PT_INTERP,
// PT_LOAD(rx), PT_LOAD(rw), PT_DYNAMIC, PT_GNU_RELRO, per
// write_program_headers in elf64.c.
func writeProgramHeaders(out *bytes.Buffer, textSegEnd, dataSegOff, dynamicSize, dataSegFileSize, dataSegMemSize uint64, dynamicOff int) {
	write := func(typ, flags uint32, offset, vaddr, filesz, memsz, align uint64) {
		binary.Write(out, binary.LittleEndian, typ)
		binary.Write(out, binary.LittleEndian, flags)
		binary.Write(out, binary.LittleEndian, offset)
		binary.Write(out, binary.LittleEndian, vaddr)
		binary.Write(out, binary.LittleEndian, vaddr)
		binary.Write(out, binary.LittleEndian, filesz)
		binary.Write(out, binary.LittleEndian, memsz)
		binary.Write(out, binary.LittleEndian, align)
	}
	// PT_PHDR
	write(6, 4, 64, uint64(textPhdrBaseAddr+64), 56*6, 56*6, 8)
	// PT_INTERP
	interpVaddr := uint64(textPhdrBaseAddr + 64 + 56*6)
	write(3, 4, uint64(64+56*6), interpVaddr, uint64(len(interpPath)+1), uint64(len(interpPath)+1), 1)
	// PT_LOAD rx: file offset 0 through end of .rodata
	write(1, 5, 0, uint64(textPhdrBaseAddr), textSegEnd, textSegEnd, segAlign)
	// PT_LOAD rw: .dynamic's file offset through .bss's end in memory.
	// filesz stops at the end of .data; .bss (SHT_NOBITS, extern data
	// slots then the tape) takes no file bytes, so memsz > filesz and the
	// loader zero-fills the difference.
	write(1, 6, dataSegOff, uint64(dataPhdrBaseAddr), dataSegFileSize, dataSegMemSize, segAlign)
	// PT_DYNAMIC
	write(2, 6, uint64(dynamicOff), uint64(dataPhdrBaseAddr), dynamicSize, dynamicSize, 8)
	// PT_GNU_RELRO
	write(0x6474e552, 4, uint64(dynamicOff), uint64(dataPhdrBaseAddr), dynamicSize, dynamicSize, 1)
}

type sectionLayout struct {
	interpOff, hashOff, dynsymOff, dynstrOff, gnuVersionOff, verneedOff int
	relaDynOff, relaPltOff, pltOff, textOff, rodataOff                  int
	dynamicOff, gotPltOff, dataOff, bssOff, shstrOff, dataSegOff        int
	bssGotSize, bssSize, dynamicSize, pltSize, textSize, rodataSize     int
	nRelaPlt, nRelaDyn                                                  int
}

// writeSectionHeaders emits all 17 section headers (index 0 reserved),
// in the fixed order original_source/src/backend/elf64.c uses.
func writeSectionHeaders(out *bytes.Buffer, img *elfImage, l sectionLayout) {
	shdr := func(name uint32, typ uint32, flags, addr, offset, size uint64, link, info uint32, align, entsize uint64) {
		binary.Write(out, binary.LittleEndian, name)
		binary.Write(out, binary.LittleEndian, typ)
		binary.Write(out, binary.LittleEndian, flags)
		binary.Write(out, binary.LittleEndian, addr)
		binary.Write(out, binary.LittleEndian, offset)
		binary.Write(out, binary.LittleEndian, size)
		binary.Write(out, binary.LittleEndian, link)
		binary.Write(out, binary.LittleEndian, info)
		binary.Write(out, binary.LittleEndian, align)
		binary.Write(out, binary.LittleEndian, entsize)
	}
	nameOf := func(s elfSection) uint32 { return img.shstr.offset[sectionNames[s]] }
	dataVaddr := func(fileOff int) uint64 { return uint64(dataPhdrBaseAddr + (fileOff - l.dataSegOff)) }

	shdr(0, shtNull, 0, 0, 0, 0, 0, 0, 0, 0)
	shdr(nameOf(secInterp), shtProgbits, shfAlloc, uint64(textPhdrBaseAddr+l.interpOff), uint64(l.interpOff), uint64(len(interpPath)+1), 0, 0, 1, 0)
	shdr(nameOf(secHash), shtHash, shfAlloc, uint64(textPhdrBaseAddr+l.hashOff), uint64(l.hashOff), uint64(img.hash.Len()), uint32(secDynsym), 0, 8, 4)
	shdr(nameOf(secDynsym), shtDynsym, shfAlloc, uint64(textPhdrBaseAddr+l.dynsymOff), uint64(l.dynsymOff), uint64(img.dynsymB.Len()), uint32(secDynstr), 1, 8, 24)
	shdr(nameOf(secDynstr), shtStrtab, shfAlloc, uint64(textPhdrBaseAddr+l.dynstrOff), uint64(l.dynstrOff), uint64(img.dynstr.buf.Len()), 0, 0, 1, 0)
	shdr(nameOf(secGnuVersion), shtGnuVersym, shfAlloc, uint64(textPhdrBaseAddr+l.gnuVersionOff), uint64(l.gnuVersionOff), uint64(img.gnuVer.Len()), uint32(secDynsym), 0, 2, 2)
	shdr(nameOf(secGnuVersionR), shtGnuVerneed, shfAlloc, uint64(textPhdrBaseAddr+l.verneedOff), uint64(l.verneedOff), uint64(img.verneed.Len()), uint32(secDynstr), 1, 8, 0)
	shdr(nameOf(secRelaDyn), shtRela, shfAlloc, uint64(textPhdrBaseAddr+l.relaDynOff), uint64(l.relaDynOff), uint64(l.nRelaDyn*24), uint32(secDynsym), 0, 8, 24)
	shdr(nameOf(secRelaPlt), shtRela, shfAlloc, uint64(textPhdrBaseAddr+l.relaPltOff), uint64(l.relaPltOff), uint64(l.nRelaPlt*24), uint32(secDynsym), uint32(secGotPlt), 8, 24)
	shdr(nameOf(secPlt), shtProgbits, shfAlloc|shfExecinstr, uint64(textPhdrBaseAddr+l.pltOff), uint64(l.pltOff), uint64(l.pltSize), 0, 0, 16, 16)
	shdr(nameOf(secText), shtProgbits, shfAlloc|shfExecinstr, uint64(textPhdrBaseAddr+l.textOff), uint64(l.textOff), uint64(l.textSize), 0, 0, 16, 0)
	shdr(nameOf(secRodata), shtProgbits, shfAlloc, uint64(textPhdrBaseAddr+l.rodataOff), uint64(l.rodataOff), uint64(l.rodataSize), 0, 0, 8, 0)
	shdr(nameOf(secDynamic), shtDynamic, shfAlloc|shfWrite, dataVaddr(l.dynamicOff), uint64(l.dynamicOff), uint64(l.dynamicSize), uint32(secDynstr), 0, 8, 16)
	shdr(nameOf(secGotPlt), shtProgbits, shfAlloc|shfWrite, dataVaddr(l.gotPltOff), uint64(l.gotPltOff), uint64((l.nRelaPlt+3)*8), 0, 0, 8, 8)
	shdr(nameOf(secData), shtProgbits, shfAlloc|shfWrite, dataVaddr(l.dataOff), uint64(l.dataOff), 8, 0, 0, 8, 0)
	shdr(nameOf(secBss), shtNobits, shfAlloc|shfWrite, dataVaddr(l.bssOff), uint64(l.bssOff), uint64(l.bssSize), 0, 0, 8, 0)
	shdr(nameOf(secShstrtab), shtStrtab, 0, 0, uint64(l.shstrOff), uint64(img.shstr.buf.Len()), 0, 0, 1, 0)
}
