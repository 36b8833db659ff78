package jit

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

var endbr64 = []byte{0xF3, 0x0F, 0x1E, 0xFA}

// Disassemble renders x86-64 code located at base in GNU syntax. Runtime
// calls through the constant pool are annotated with their symbol when
// lookup can resolve the constant.
func Disassemble(code []byte, base uint64, lookup func(addr uint64) (string, bool)) string {
	var sb strings.Builder
	for pc := 0; pc < len(code); {
		addr := base + uint64(pc)
		if bytes.HasPrefix(code[pc:], endbr64) {
			fmt.Fprintf(&sb, "%#014x  % x  endbr64\n", addr, code[pc:pc+4])
			pc += 4
			continue
		}

		inst, err := x86asm.Decode(code[pc:], 64)
		if err != nil || inst.Len == 0 {
			fmt.Fprintf(&sb, "%#014x  %02x  (bad)\n", addr, code[pc])
			pc++
			continue
		}
		text := x86asm.GNUSyntax(inst, addr, nil)
		if note := annotate(inst, addr, lookup); note != "" {
			text += "  # " + note
		}
		fmt.Fprintf(&sb, "%#014x  % x  %s\n", addr, code[pc:pc+inst.Len], text)
		pc += inst.Len
	}
	return sb.String()
}

func annotate(inst x86asm.Inst, addr uint64, lookup func(uint64) (string, bool)) string {
	if lookup == nil || inst.Op != x86asm.CALL {
		return ""
	}
	mem, ok := inst.Args[0].(x86asm.Mem)
	if !ok || mem.Base != x86asm.RIP {
		return ""
	}
	slot := addr + uint64(inst.Len) + uint64(mem.Disp)
	name, ok := lookup(slot)
	if !ok {
		return ""
	}
	return name
}

// SymbolName names a runtime or primitive entry point address.
func SymbolName(addr uint64, primitives func(index int) (string, bool)) (string, bool) {
	if s, ok := SymbolAt(addr); ok {
		return s.String(), true
	}
	if i, ok := PrimitiveAt(addr); ok && primitives != nil {
		if name, ok := primitives(i); ok {
			return "primitive " + name, true
		}
	}
	return "", false
}
