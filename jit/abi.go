package jit

import (
	"fmt"
	"strings"
)

// Reg is an x86-64 general purpose register, numbered as in ModRM.
type Reg uint8

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var regNames = [...]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func (r Reg) String() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return fmt.Sprintf("Reg(%d)", r)
}

// ABI is the native calling convention emitted code follows.
type ABI int

const (
	SysV ABI = iota
	Win64
)

func (a ABI) String() string {
	switch a {
	case SysV:
		return "sysv"
	case Win64:
		return "win64"
	}
	return fmt.Sprintf("ABI(%d)", int(a))
}

// ParseABI parses "sysv" or "win64".
func ParseABI(s string) (ABI, error) {
	switch strings.ToLower(s) {
	case "", "sysv", "systemv":
		return SysV, nil
	case "win64", "windows":
		return Win64, nil
	}
	return SysV, fmt.Errorf("%w: %q", ErrUnknownABI, s)
}

var (
	sysvArguments  = []Reg{RDI, RSI, RDX, RCX, R8, R9}
	win64Arguments = []Reg{RCX, RDX, R8, R9}
)

// ArgumentRegisters returns the registers that carry integer arguments.
func (a ABI) ArgumentRegisters() []Reg {
	if a == Win64 {
		return win64Arguments
	}
	return sysvArguments
}

// Arg returns the register of argument i. It panics when the argument is
// passed on the stack.
func (a ABI) Arg(i int) Reg {
	regs := a.ArgumentRegisters()
	if i >= len(regs) {
		panic(fmt.Sprintf("jit: argument %d of %s is passed on the stack", i, a))
	}
	return regs[i]
}

// ShadowSpace is the stack area reserved below the stack arguments of a
// call. Stack argument i lives at [rsp+ShadowSpace+8*(i-registers)].
func (a ABI) ShadowSpace() int {
	if a == Win64 {
		return 32
	}
	return 0
}

// callAreaSize is the outgoing call area reserved on Win64: the shadow space
// plus two stack argument slots.
func (a ABI) callAreaSize() int {
	if a == Win64 {
		return 48
	}
	return 0
}

// endbr reports whether functions begin with an indirect branch target.
func (a ABI) endbr() bool {
	return a != Win64
}
