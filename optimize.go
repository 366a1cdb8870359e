// Completion: 100% - Optimisation pipeline complete
package main

// Optimize runs the fixed-order optimisation pipeline. Levels 1-3
// currently select the same subset; level 0 skips passes 1-4 but still
// inserts bounds checks unless noCheck is set. Passes execute in the
// documented order; call sites must not reorder them.
func Optimize(root *Node, level int, noCheck bool) *Node {
	if level >= 1 {
		root = runLengthFuse(root)
		root = eliminateDeadLoops(root)
		root = computeOffsets(root)
		root = recognizeLoopForms(root)
	}
	if !noCheck {
		root = insertBoundsChecks(root)
	}
	return root
}

// --- Pass 1: run-length fusion -------------------------------------
//
// Grounded on original_source/src/bfc/optimizations/run_length.c:
// optimize_sequence/run_length_optimize. Collapses adjacent Add
// (respectively Right) into a single node with summed n; drops
// zero-sum runs. Recurses into loop bodies; a loop whose body became
// empty is itself dropped.

func runLengthFuse(root *Node) *Node {
	var b irBuilder
	node := root
	for node != nil {
		switch node.Kind {
		case KindAdd:
			sum := 0
			offset := node.Offset
			for node != nil && node.Kind == KindAdd && node.Offset == offset {
				sum += node.N
				node = node.Next
			}
			if sum != 0 {
				b.append(newAdd(sum, offset))
			}
		case KindRight:
			sum := 0
			for node != nil && node.Kind == KindRight {
				sum += node.N
				node = node.Next
			}
			if sum != 0 {
				b.append(newRight(sum))
			}
		case KindLoop:
			body := runLengthFuse(node.Body)
			if body != nil {
				b.append(newLoop(body, node.Offset))
			}
			node = node.Next
		default:
			b.append(node.clone())
			node = node.Next
		}
	}
	return b.getFirst()
}

// --- Pass 2: dead-loop elimination -----------------------------------
//
// Grounded verbatim on original_source/src/bfc/optimizations/dead_loops.c:
// remove_dead_loops_recursive. is_zero/all_zero tracking exactly as
// spec.md §4.3 describes.

func eliminateDeadLoops(root *Node) *Node {
	return removeDeadLoopsRecursive(root, 0)
}

func removeDeadLoopsRecursive(node *Node, level int) *Node {
	var b irBuilder

	isZero := level == 0
	allZero := level == 0

	for node != nil {
		switch node.Kind {
		case KindLoop:
			if !isZero {
				body := removeDeadLoopsRecursive(node.Body, level+1)
				if body != nil {
					b.append(newLoop(body, node.Offset))
				}
			}
			isZero = true
		case KindOut:
			b.append(node.clone())
		case KindRight:
			b.append(node.clone())
			isZero = allZero
		default:
			b.append(node.clone())
			isZero = false
			allZero = false
		}
		node = node.Next
	}

	return b.getFirst()
}

// --- Pass 3: offset hoisting and static-loop detection ---------------
//
// Grounded on original_source/src/optimizations/compute_offsets.c:
// compute_offsets/compute_offsets_in_body/compute_scanning_offset/
// loop_body_is_static/loop_elimination_recursive.

func computeOffsets(root *Node) *Node {
	return computeOffsetsInBody(root)
}

// computeScanningOffset sums every Right.n across the whole sibling
// list, the net pointer displacement the list leaves behind.
func computeScanningOffset(node *Node) int {
	total := 0
	for n := node; n != nil; n = n.Next {
		if n.Kind == KindRight {
			total += n.N
		}
	}
	return total
}

// loopBodyIsStatic reports whether node's body has zero net pointer
// displacement and contains no Loop (only StaticLoop, arithmetic, I/O),
// i.e. whether it's eligible to be retagged StaticLoop.
func loopBodyIsStatic(body *Node) bool {
	if computeScanningOffset(body) != 0 {
		return false
	}
	for n := body; n != nil; n = n.Next {
		if n.Kind == KindLoop {
			return false
		}
	}
	return true
}

func computeOffsetsInBody(node *Node) *Node {
	var b irBuilder
	offset := 0

	for node != nil {
		switch node.Kind {
		case KindRight:
			offset += node.N
		case KindAdd:
			b.append(newAdd(node.N, node.Offset+offset))
		case KindIn:
			b.append(newIn(node.Offset + offset))
		case KindOut:
			b.append(newOut(node.Offset + offset))
		case KindLoop:
			body := computeOffsetsInBody(node.Body)
			if loopBodyIsStatic(body) {
				b.append(newStaticLoop(body, node.Offset+offset))
			} else {
				b.append(newLoop(body, node.Offset+offset))
			}
		case KindStaticLoop:
			body := computeOffsetsInBody(node.Body)
			b.append(newStaticLoop(body, node.Offset+offset))
		default:
			b.append(node.clone())
		}
		node = node.Next
	}

	if offset != 0 {
		b.append(newRight(offset))
	}

	return b.getFirst()
}

// --- Pass 4: loop-form recognition -----------------------------------
//
// Grounded on original_source/src/optimizations/loops.c: optimize_loops/
// process_static_loop/generate_single_offset/generate_multi_offset.

func recognizeLoopForms(root *Node) *Node {
	var b irBuilder
	node := root
	for node != nil {
		switch node.Kind {
		case KindLoop:
			b.append(newLoop(recognizeLoopForms(node.Body), node.Offset))
		case KindStaticLoop:
			b.appendTree(processStaticLoop(node))
		default:
			b.append(node.clone())
		}
		node = node.Next
	}
	return b.getFirst()
}

func staticLoopFallback(loop *Node) *Node {
	return newStaticLoop(recognizeLoopForms(loop.Body), loop.Offset)
}

func processStaticLoop(loop *Node) *Node {
	singleOffset := true
	loopIncrement := 0

	for n := loop.Body; n != nil; n = n.Next {
		if n.Kind != KindAdd {
			return staticLoopFallback(loop)
		}
		if n.Offset == loop.Offset {
			loopIncrement += n.N
		} else {
			singleOffset = false
		}
	}

	if singleOffset {
		return generateSingleOffset(loop, loopIncrement)
	}
	return generateMultiOffset(loop, loopIncrement)
}

func generateSingleOffset(loop *Node, loopIncrement int) *Node {
	if loopIncrement&1 == 0 {
		return staticLoopFallback(loop)
	}
	return newSet(0, loop.Offset)
}

func generateMultiOffset(loop *Node, loopIncrement int) *Node {
	if loopIncrement != -1 {
		return staticLoopFallback(loop)
	}

	var b irBuilder
	needsLoop := false

	for n := loop.Body; n != nil; n = n.Next {
		if n.Offset == loop.Offset {
			continue
		}
		if n.N != 1 {
			needsLoop = true
			continue
		}
		b.append(newAdd2(n.Offset, loop.Offset))
	}

	if !needsLoop {
		b.append(newSet(0, loop.Offset))
		return b.getFirst()
	}

	var body irBuilder
	body.append(newAdd(-1, loop.Offset))
	for n := loop.Body; n != nil; n = n.Next {
		if n.Offset == loop.Offset || n.N == 1 {
			continue
		}
		body.append(n.clone())
	}
	b.append(newStaticLoop(body.getFirst(), loop.Offset))
	return b.getFirst()
}

// --- Pass 5: bounds-check insertion -----------------------------------
//
// Grounded on original_source/src/optimizations/bound_checks.c (the
// CHECK_RIGHT/CHECK_LEFT-aware revision): insert_bound_checks_recursive/
// update_minmax.

type minmax struct {
	min, max int
}

func (mm *minmax) update(value int) {
	if value > mm.max {
		mm.max = value
	}
	if value < mm.min {
		mm.min = value
	}
}

func insertBoundsChecks(root *Node) *Node {
	return insertBoundsChecksRecursive(root, 0, 0)
}

func insertBoundsChecksRecursive(node *Node, loopLevel, loopOffset int) *Node {
	var b irBuilder

	for node != nil {
		var fragment irBuilder
		offset := minmax{}

		for node != nil && node.Kind != KindLoop {
			switch node.Kind {
			case KindStaticLoop:
				offset.update(node.Offset)
				fragment.append(newStaticLoop(
					insertBoundsChecksRecursive(node.Body, loopLevel+1, node.Offset),
					node.Offset,
				))
			case KindRight:
				offset.update(node.N)
				fragment.append(node.clone())
			case KindAdd2:
				offset.update(node.Offset)
				offset.update(node.N)
				fragment.append(node.clone())
			case KindAdd, KindSet, KindIn, KindOut:
				offset.update(node.Offset)
				fragment.append(node.clone())
			}
			node = node.Next
		}

		if node == nil {
			offset.update(loopOffset)
		} else {
			// node is a Loop
			offset.update(node.Offset)
			fragment.append(newLoop(
				insertBoundsChecksRecursive(node.Body, loopLevel+1, node.Offset),
				node.Offset,
			))
			node = node.Next
		}

		if offset.min < 0 {
			b.append(newCheckLeft(-offset.min))
		}
		if offset.max > 0 {
			b.append(newCheckRight(offset.max))
		}
		b.appendTree(fragment.getFirst())
	}

	return b.getFirst()
}
