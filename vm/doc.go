// Package vm implements the regvm runtime.
//
// This package contains:
//   - the execution Context and its stack-frame record chain
//   - non-local control transfer (exceptions, break, continue, return)
//   - the bytecode interpreter and the apply protocol
//   - the mark/sweep collector and its safepoints
//   - the JIT manager that installs and runs native code
//   - the primitive table
package vm
