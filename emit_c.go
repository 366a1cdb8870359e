// Completion: 100% - portable C textual back end complete
package main

import (
	"fmt"
	"strings"
)

func indentWidth(level int) int { return 4 * level }

func cIndent(b *strings.Builder, level int) {
	fmt.Fprintf(b, "%*s", indentWidth(level), "")
}

func emitCFailTooFarRightDecl(b *strings.Builder, root *Node) {
	if !containsKind(root, KindCheckRight) {
		return
	}
	b.WriteString("static void fail_too_far_right(void) {\n")
	cIndent(b, 1)
	fmt.Fprintf(b, "fprintf(stderr, \"%s\");\n", cEscape(msgRight))
	cIndent(b, 1)
	b.WriteString("exit(EXIT_FAILURE);\n")
	b.WriteString("}\n\n")
}

func emitCFailTooFarLeftDecl(b *strings.Builder, root *Node) {
	if !containsKind(root, KindCheckLeft) {
		return
	}
	b.WriteString("static void fail_too_far_left(void) {\n")
	cIndent(b, 1)
	fmt.Fprintf(b, "fprintf(stderr, \"%s\");\n", cEscape(msgLeft))
	cIndent(b, 1)
	b.WriteString("exit(EXIT_FAILURE);\n")
	b.WriteString("}\n\n")
}

func emitCCheckInputDecl(b *strings.Builder, root *Node) {
	if !containsKind(root, KindIn) {
		return
	}
	b.WriteString("static void check_input(int inp) {\n")
	cIndent(b, 1)
	b.WriteString("if(inp == EOF) {\n")
	cIndent(b, 2)
	b.WriteString("if(ferror(stdin)) {\n")
	cIndent(b, 3)
	b.WriteString("fprintf(stderr, \"Error when reading input: %s\\n\", strerror(errno));\n")
	cIndent(b, 2)
	b.WriteString("} else {\n")
	cIndent(b, 3)
	fmt.Fprintf(b, "fprintf(stderr, \"%s\");\n", cEscape(msgEoi))
	cIndent(b, 2)
	b.WriteString("}\n")
	cIndent(b, 2)
	b.WriteString("exit(EXIT_FAILURE);\n")
	cIndent(b, 1)
	b.WriteString("}\n")
	b.WriteString("}\n\n")
}

// cEscape turns a Go string containing a literal newline into the C
// source form the original emits by hand ("...\n" with the backslash
// written out, not an actual newline byte in the generated file).
func cEscape(s string) string {
	return strings.ReplaceAll(s, "\n", "\\n")
}

func emitCHeader(b *strings.Builder, root *Node) {
	b.WriteString("/* generated by tapec (https://github.com/xyproto/tapec) */\n")
	b.WriteString("#include <errno.h>\n")
	b.WriteString("#include <stdio.h>\n")
	b.WriteString("#include <stdlib.h>\n")
	b.WriteString("#include <string.h>\n\n")
	b.WriteString("static char m[30000];\n")
	b.WriteString("static int p = 0;\n\n")

	emitCFailTooFarRightDecl(b, root)
	emitCFailTooFarLeftDecl(b, root)
	emitCCheckInputDecl(b, root)

	b.WriteString("int main(int argc, char *argv[]) {\n")
}

func hasDirectInNode(node *Node) bool {
	for n := node; n != nil; n = n.Next {
		if n.Kind == KindIn {
			return true
		}
	}
	return false
}

func emitCInputDecl(b *strings.Builder, node *Node, level int) {
	if !hasDirectInNode(node) {
		return
	}
	cIndent(b, level+1)
	b.WriteString("int inp;\n")
}

func emitCNode(b *strings.Builder, n *Node, level int) {
	switch n.Kind {
	case KindAdd:
		cIndent(b, level+1)
		fmt.Fprintf(b, "m[p + %d] += %d;\n", n.Offset, n.N)
	case KindAdd2:
		cIndent(b, level+1)
		fmt.Fprintf(b, "m[p + %d] += m[p + %d];\n", n.Offset, n.N)
	case KindSet:
		cIndent(b, level+1)
		fmt.Fprintf(b, "m[p + %d] = %d;\n", n.Offset, n.N)
	case KindRight:
		cIndent(b, level+1)
		fmt.Fprintf(b, "p += %d;\n", n.N)
	case KindIn:
		cIndent(b, level+1)
		b.WriteString("inp = fgetc(stdin);\n")
		cIndent(b, level+1)
		b.WriteString("check_input(inp);\n")
		cIndent(b, level+1)
		fmt.Fprintf(b, "m[p + %d] = inp;\n", n.Offset)
	case KindOut:
		cIndent(b, level+1)
		fmt.Fprintf(b, "putc(m[p + %d], stdout);\n", n.Offset)
	case KindLoop:
		cIndent(b, level+1)
		fmt.Fprintf(b, "while(m[p + %d]) {\n", n.Offset)
		emitCBlock(b, n.Body, level+1)
		cIndent(b, level+1)
		b.WriteString("}\n")
	case KindStaticLoop:
		cIndent(b, level+1)
		b.WriteString("/* static loop */\n")
		cIndent(b, level+1)
		fmt.Fprintf(b, "while(m[p + %d]) {\n", n.Offset)
		emitCBlock(b, n.Body, level+1)
		cIndent(b, level+1)
		b.WriteString("}\n")
	case KindCheckRight:
		cIndent(b, level+1)
		fmt.Fprintf(b, "/* check right bound for offset %d */\n", n.N)
		cIndent(b, level+1)
		fmt.Fprintf(b, "if(p + %d >= (int)sizeof(m)) {\n", n.N)
		cIndent(b, level+2)
		b.WriteString("fail_too_far_right();\n")
		cIndent(b, level+1)
		b.WriteString("}\n")
	case KindCheckLeft:
		cIndent(b, level+1)
		fmt.Fprintf(b, "/* check left bound for offset %d */\n", n.N)
		cIndent(b, level+1)
		fmt.Fprintf(b, "if(p - %d < 0) {\n", n.N)
		cIndent(b, level+2)
		b.WriteString("fail_too_far_left();\n")
		cIndent(b, level+1)
		b.WriteString("}\n")
	}
}

func emitCBlock(b *strings.Builder, root *Node, level int) {
	emitCInputDecl(b, root, level)
	for n := root; n != nil; n = n.Next {
		emitCNode(b, n, level)
	}
}

func emitCFooter(b *strings.Builder) {
	cIndent(b, 1)
	b.WriteString("exit(EXIT_SUCCESS);\n")
	b.WriteString("}\n")
}

// GenerateC renders root (the optimized IR tree, not the lowered
// pseudo-ISA) as portable C99 source (spec.md §6 backend "c"), grounded
// on original_source/src/backend/c.c's header/body/footer structure.
// Unlike the nasm and elf64 backends, the C backend emits directly from
// the tree: c.c never goes through the x86 codegen path at all.
func GenerateC(root *Node) (string, error) {
	var b strings.Builder
	emitCHeader(&b, root)
	emitCBlock(&b, root, 0)
	emitCFooter(&b)
	return b.String(), nil
}
