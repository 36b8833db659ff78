package jit

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// ---------------------------------------------------------------------------
// Machine
// ---------------------------------------------------------------------------

// The machine executes installed code by decoding it instruction by
// instruction. Calls to runtime and primitive entry points are serviced by
// Go handlers, so native code never leaves the machine.

const (
	// StackBase is the emulated address of the lowest machine stack byte.
	StackBase uint64 = 0x0D00_0000_0000

	// DefaultStackSize is the machine stack size used when none is given.
	DefaultStackSize = 1 << 20

	// exitAddress is the return address Call pushes; returning to it ends
	// the call.
	exitAddress uint64 = 0x0EF0_0000_0000

	// nestedCallGap separates a nested call's stack from its caller's
	// outgoing arguments.
	nestedCallGap = 128
)

var (
	ErrMachineFault  = errors.New("machine fault")
	ErrStackOverflow = errors.New("machine stack overflow")
)

// Memory is the data memory native code addresses outside the stack.
type Memory interface {
	ReadWord(addr uint64) (uint64, bool)
	WriteWord(addr, word uint64) bool
	StoreByte(addr uint64, b byte) bool
}

// Handler services a call to a runtime entry point. Arguments are read with
// Arg; the returned word lands in rax.
type Handler func(m *Machine) (uint64, error)

// Machine is an x86-64 interpreter over a code zone, a private stack and
// the object heap.
type Machine struct {
	abi      ABI
	zone     *CodeZone
	memory   Memory
	stack    []byte
	handlers map[uint64]Handler

	regs  [16]uint64
	rip   uint64
	zf    bool
	depth int

	// Steps counts executed instructions.
	Steps uint64
}

// NewMachine creates a machine executing code from zone.
func NewMachine(abi ABI, zone *CodeZone, memory Memory, stackSize int) *Machine {
	if stackSize <= 0 {
		stackSize = DefaultStackSize
	}
	m := &Machine{
		abi:      abi,
		zone:     zone,
		memory:   memory,
		stack:    make([]byte, stackSize),
		handlers: make(map[uint64]Handler),
	}
	m.regs[RSP] = m.stackTop()
	return m
}

func (m *Machine) stackTop() uint64 {
	return StackBase + uint64(len(m.stack))
}

// Handle installs h at addr.
func (m *Machine) Handle(addr uint64, h Handler) {
	m.handlers[addr] = h
}

// ABI returns the calling convention the machine follows.
func (m *Machine) ABI() ABI {
	return m.abi
}

// Register returns the current value of r.
func (m *Machine) Register(r Reg) uint64 {
	return m.regs[r]
}

// Arg returns integer argument i of the handler call in progress.
func (m *Machine) Arg(i int) uint64 {
	regs := m.abi.ArgumentRegisters()
	if i < len(regs) {
		return m.regs[regs[i]]
	}
	addr := m.regs[RSP] + uint64(m.abi.ShadowSpace()+8*(i-len(regs)))
	w, _ := m.ReadWord(addr)
	return w
}

// Depth returns how many calls into the machine are active.
func (m *Machine) Depth() int {
	return m.depth
}

// ---------------------------------------------------------------------------
// Memory
// ---------------------------------------------------------------------------

func (m *Machine) inStack(addr uint64, n int) bool {
	return addr >= StackBase && addr+uint64(n) <= m.stackTop()
}

// ReadWord reads a word of stack, code or heap memory.
func (m *Machine) ReadWord(addr uint64) (uint64, bool) {
	if m.inStack(addr, 8) {
		return binary.LittleEndian.Uint64(m.stack[addr-StackBase:]), true
	}
	if w, ok := m.zone.ReadWord(addr); ok {
		return w, true
	}
	if m.memory == nil {
		return 0, false
	}
	return m.memory.ReadWord(addr)
}

// WriteWord writes a word of stack or heap memory.
func (m *Machine) WriteWord(addr, word uint64) bool {
	if m.inStack(addr, 8) {
		binary.LittleEndian.PutUint64(m.stack[addr-StackBase:], word)
		return true
	}
	if m.memory == nil {
		return false
	}
	return m.memory.WriteWord(addr, word)
}

func (m *Machine) writeByte(addr uint64, b byte) bool {
	if m.inStack(addr, 1) {
		m.stack[addr-StackBase] = b
		return true
	}
	if m.memory == nil {
		return false
	}
	return m.memory.StoreByte(addr, b)
}

func (m *Machine) push(w uint64) error {
	sp := m.regs[RSP] - 8
	if sp < StackBase {
		return ErrStackOverflow
	}
	m.regs[RSP] = sp
	m.WriteWord(sp, w)
	return nil
}

func (m *Machine) pop() (uint64, error) {
	sp := m.regs[RSP]
	w, ok := m.ReadWord(sp)
	if !ok {
		return 0, m.fault("pop from %#x", sp)
	}
	m.regs[RSP] = sp + 8
	return w, nil
}

func (m *Machine) fault(format string, args ...any) error {
	return fmt.Errorf("%w at %#x: %s", ErrMachineFault, m.rip, fmt.Sprintf(format, args...))
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// Call runs the code at entry with integer arguments and returns rax. Calls
// may nest: a handler can call back into the machine.
func (m *Machine) Call(entry uint64, args ...uint64) (uint64, error) {
	sp := m.regs[RSP]
	if m.depth > 0 {
		sp -= nestedCallGap
	}
	return m.call(entry, sp, args)
}

// CallWithVector copies argv onto the machine stack and calls entry with
// (a0, a1, len(argv), &argv).
func (m *Machine) CallWithVector(entry, a0, a1 uint64, argv []uint64) (uint64, error) {
	sp := m.regs[RSP]
	if m.depth > 0 {
		sp -= nestedCallGap
	}
	sp = (sp - uint64(8*len(argv))) &^ 15
	if sp < StackBase+4096 {
		return 0, ErrStackOverflow
	}
	for i, a := range argv {
		m.WriteWord(sp+uint64(8*i), a)
	}
	return m.call(entry, sp, []uint64{a0, a1, uint64(len(argv)), sp})
}

// call runs entry with the stack pointer starting at or below sp.
func (m *Machine) call(entry, sp uint64, args []uint64) (uint64, error) {
	saved, savedRIP, savedZF := m.regs, m.rip, m.zf
	defer func() {
		rax := m.regs[RAX]
		m.regs, m.rip, m.zf = saved, savedRIP, savedZF
		m.regs[RAX] = rax
	}()

	regs := m.abi.ArgumentRegisters()
	stackArgs := 0
	if len(args) > len(regs) {
		stackArgs = len(args) - len(regs)
	}
	// Leave rsp 16-byte aligned at the call, as a caller would.
	frame := align16(m.abi.ShadowSpace() + 8*stackArgs)
	sp = (sp - uint64(frame)) &^ 15
	if sp < StackBase+4096 {
		return 0, ErrStackOverflow
	}
	m.regs[RSP] = sp
	for i, a := range args {
		if i < len(regs) {
			m.regs[regs[i]] = a
			continue
		}
		m.WriteWord(sp+uint64(m.abi.ShadowSpace()+8*(i-len(regs))), a)
	}
	if err := m.push(exitAddress); err != nil {
		return 0, err
	}

	m.depth++
	defer func() { m.depth-- }()
	m.rip = entry
	if err := m.run(); err != nil {
		return 0, err
	}
	return m.regs[RAX], nil
}

// runHandler services a call or jump to a handler address.
func (m *Machine) runHandler(h Handler) error {
	result, err := h(m)
	if err != nil {
		return err
	}
	m.regs[RAX] = result
	return nil
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

var endbr64Bytes = [4]byte{0xF3, 0x0F, 0x1E, 0xFA}

func (m *Machine) run() error {
	var buf [16]byte
	for {
		if m.rip == exitAddress {
			return nil
		}
		n, ok := m.zone.Fetch(m.rip, buf[:])
		if !ok {
			return m.fault("no code")
		}
		m.Steps++
		if n >= 4 && [4]byte(buf[:4]) == endbr64Bytes {
			m.rip += 4
			continue
		}
		inst, err := x86asm.Decode(buf[:n], 64)
		if err != nil {
			return m.fault("%v", err)
		}
		next := m.rip + uint64(inst.Len)
		if err := m.step(inst, next); err != nil {
			return err
		}
	}
}

func (m *Machine) step(inst x86asm.Inst, next uint64) error {
	args := inst.Args
	switch inst.Op {
	case x86asm.PUSH:
		v, err := m.read(args[0], inst, next)
		if err != nil {
			return err
		}
		if err := m.push(v); err != nil {
			return err
		}

	case x86asm.POP:
		v, err := m.pop()
		if err != nil {
			return err
		}
		if err := m.write(args[0], inst, next, v); err != nil {
			return err
		}

	case x86asm.MOV:
		v, err := m.read(args[1], inst, next)
		if err != nil {
			return err
		}
		if err := m.write(args[0], inst, next, v); err != nil {
			return err
		}

	case x86asm.LEA:
		mem, ok := args[1].(x86asm.Mem)
		if !ok {
			return m.fault("lea without memory operand")
		}
		if err := m.write(args[0], inst, next, m.address(mem, next)); err != nil {
			return err
		}

	case x86asm.ADD, x86asm.SUB, x86asm.XOR, x86asm.SHR, x86asm.CMP:
		a, err := m.read(args[0], inst, next)
		if err != nil {
			return err
		}
		b, err := m.read(args[1], inst, next)
		if err != nil {
			return err
		}
		var r uint64
		switch inst.Op {
		case x86asm.ADD:
			r = a + b
		case x86asm.SUB, x86asm.CMP:
			r = a - b
		case x86asm.XOR:
			r = a ^ b
		case x86asm.SHR:
			r = a >> (b & 63)
		}
		m.zf = r == 0
		if inst.Op != x86asm.CMP {
			if err := m.write(args[0], inst, next, r); err != nil {
				return err
			}
		}

	case x86asm.JMP:
		target, err := m.branchTarget(args[0], inst, next)
		if err != nil {
			return err
		}
		if h, ok := m.handlers[target]; ok {
			// A tail jump into the runtime returns straight to our caller.
			if err := m.runHandler(h); err != nil {
				return err
			}
			ret, err := m.pop()
			if err != nil {
				return err
			}
			m.rip = ret
			return nil
		}
		m.rip = target
		return nil

	case x86asm.JE, x86asm.JNE:
		target, err := m.branchTarget(args[0], inst, next)
		if err != nil {
			return err
		}
		if m.zf == (inst.Op == x86asm.JE) {
			m.rip = target
			return nil
		}

	case x86asm.CALL:
		target, err := m.branchTarget(args[0], inst, next)
		if err != nil {
			return err
		}
		if h, ok := m.handlers[target]; ok {
			m.rip = next
			return m.runHandler(h)
		}
		if err := m.push(next); err != nil {
			return err
		}
		m.rip = target
		return nil

	case x86asm.RET:
		ret, err := m.pop()
		if err != nil {
			return err
		}
		m.rip = ret
		return nil

	case x86asm.INT3:
		return m.fault("breakpoint trap")

	case x86asm.NOP:

	default:
		return m.fault("unsupported instruction %s", x86asm.GNUSyntax(inst, m.rip, nil))
	}
	m.rip = next
	return nil
}

func (m *Machine) branchTarget(arg x86asm.Arg, inst x86asm.Inst, next uint64) (uint64, error) {
	if rel, ok := arg.(x86asm.Rel); ok {
		return next + uint64(int64(rel)), nil
	}
	return m.read(arg, inst, next)
}

// ---------------------------------------------------------------------------
// Operands
// ---------------------------------------------------------------------------

type regSlot struct {
	reg   Reg
	width int
}

var machineRegisters = func() map[x86asm.Reg]regSlot {
	out := make(map[x86asm.Reg]regSlot)
	r64 := []x86asm.Reg{
		x86asm.RAX, x86asm.RCX, x86asm.RDX, x86asm.RBX,
		x86asm.RSP, x86asm.RBP, x86asm.RSI, x86asm.RDI,
		x86asm.R8, x86asm.R9, x86asm.R10, x86asm.R11,
		x86asm.R12, x86asm.R13, x86asm.R14, x86asm.R15,
	}
	r32 := []x86asm.Reg{
		x86asm.EAX, x86asm.ECX, x86asm.EDX, x86asm.EBX,
		x86asm.ESP, x86asm.EBP, x86asm.ESI, x86asm.EDI,
		x86asm.R8L, x86asm.R9L, x86asm.R10L, x86asm.R11L,
		x86asm.R12L, x86asm.R13L, x86asm.R14L, x86asm.R15L,
	}
	r8 := []x86asm.Reg{
		x86asm.AL, x86asm.CL, x86asm.DL, x86asm.BL,
		x86asm.SPB, x86asm.BPB, x86asm.SIB, x86asm.DIB,
		x86asm.R8B, x86asm.R9B, x86asm.R10B, x86asm.R11B,
		x86asm.R12B, x86asm.R13B, x86asm.R14B, x86asm.R15B,
	}
	for i := range r64 {
		out[r64[i]] = regSlot{Reg(i), 64}
		out[r32[i]] = regSlot{Reg(i), 32}
		out[r8[i]] = regSlot{Reg(i), 8}
	}
	return out
}()

func (m *Machine) address(mem x86asm.Mem, next uint64) uint64 {
	var addr uint64
	switch mem.Base {
	case 0:
	case x86asm.RIP:
		addr = next
	default:
		addr = m.regs[machineRegisters[mem.Base].reg]
	}
	if mem.Index != 0 {
		addr += m.regs[machineRegisters[mem.Index].reg] * uint64(mem.Scale)
	}
	return addr + uint64(mem.Disp)
}

func (m *Machine) read(arg x86asm.Arg, inst x86asm.Inst, next uint64) (uint64, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		slot, ok := machineRegisters[a]
		if !ok {
			return 0, m.fault("register %s", a)
		}
		v := m.regs[slot.reg]
		switch slot.width {
		case 32:
			v = uint64(uint32(v))
		case 8:
			v = uint64(uint8(v))
		}
		return v, nil
	case x86asm.Imm:
		return uint64(int64(a)), nil
	case x86asm.Mem:
		addr := m.address(a, next)
		w, ok := m.ReadWord(addr)
		if !ok {
			return 0, m.fault("read from %#x", addr)
		}
		if inst.MemBytes == 1 {
			w = uint64(uint8(w))
		}
		return w, nil
	}
	return 0, m.fault("operand %v", arg)
}

func (m *Machine) write(arg x86asm.Arg, inst x86asm.Inst, next uint64, v uint64) error {
	switch a := arg.(type) {
	case x86asm.Reg:
		slot, ok := machineRegisters[a]
		if !ok {
			return m.fault("register %s", a)
		}
		switch slot.width {
		case 64:
			m.regs[slot.reg] = v
		case 32:
			m.regs[slot.reg] = uint64(uint32(v))
		case 8:
			m.regs[slot.reg] = m.regs[slot.reg]&^0xFF | v&0xFF
		}
		return nil
	case x86asm.Mem:
		addr := m.address(a, next)
		if inst.MemBytes == 1 {
			if !m.writeByte(addr, byte(v)) {
				return m.fault("byte write to %#x", addr)
			}
			return nil
		}
		if !m.WriteWord(addr, v) {
			return m.fault("write to %#x", addr)
		}
		return nil
	}
	return m.fault("destination %v", arg)
}
