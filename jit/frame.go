package jit

import "github.com/chazu/regvm/object"

// Native activation record layout, in prologue store order. The record
// lives at rbp; locals follow the fixed part and the outgoing call argument
// vector follows the locals, since both are sized per function.
const (
	FramePrevious               = 0
	FrameType                   = 8
	FramePC                     = 16
	FrameContext                = 24
	FrameLiteralVector          = 32
	FrameCaptureVector          = 40
	FrameFunction               = 48
	FrameArgumentCount          = 56
	FrameArguments              = 64
	FrameCallArgumentVectorSize = 72
	FrameLocalCount             = 80
	FrameLocals                 = 88

	// FrameRecordType is the record kind stored at FrameType.
	FrameRecordType = 3
)

// CallArgumentVectorOffset returns the frame offset of the outgoing call
// argument vector for a frame with localCount locals.
func CallArgumentVectorOffset(localCount int) int {
	return FrameLocals + object.WordSize*localCount
}

// FrameSize returns the stack space of a frame.
func FrameSize(localCount, callArguments int) int {
	return align16(CallArgumentVectorOffset(localCount) + object.WordSize*callArguments)
}

func align16(n int) int {
	return (n + 15) &^ 15
}
