// Package canvas implements the host-side drawing surface exposed inside the
// isolation boundary. Sketch code never touches a real canvas: every call is
// appended to a display list the UI collaborator renders, which keeps the
// entire effect of a sketch observable and byte-accountable.
package canvas

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Op is a single recorded drawing command.
type Op struct {
	Name string    `json:"name"`
	Args []float64 `json:"args,omitempty"`
	Text string    `json:"text,omitempty"`
}

// Frame is the display list for one execution. Appends happen from the
// sandbox goroutine; byte accounting is read concurrently by the watchdog,
// so the counter is atomic.
type Frame struct {
	Width  int
	Height int

	ops      []Op
	frameNum int64
	bytes    atomic.Int64
	printBuf strings.Builder
	maxBytes int64
}

// NewFrame creates a frame sized for the editing canvas. maxBytes caps how
// much display-list and print data a sketch may produce; zero means the
// caller enforces limits externally.
func NewFrame(width, height int, maxBytes int64) *Frame {
	return &Frame{Width: width, Height: height, maxBytes: maxBytes}
}

// ErrFrameOverflow is returned by Append once the byte budget is spent.
var ErrFrameOverflow = fmt.Errorf("frame byte budget exhausted")

// Append records a drawing op.
func (f *Frame) Append(op Op) error {
	cost := int64(len(op.Name)+len(op.Text)) + int64(8*len(op.Args)) + 16
	if f.maxBytes > 0 && f.bytes.Load()+cost > f.maxBytes {
		return ErrFrameOverflow
	}
	f.ops = append(f.ops, op)
	f.bytes.Add(cost)
	return nil
}

// Print appends text emitted by the sketch's print operation.
func (f *Frame) Print(s string) error {
	cost := int64(len(s)) + 1
	if f.maxBytes > 0 && f.bytes.Load()+cost > f.maxBytes {
		return ErrFrameOverflow
	}
	f.printBuf.WriteString(s)
	f.printBuf.WriteByte('\n')
	f.bytes.Add(cost)
	return nil
}

// Bytes reports the accounted size of everything the sketch produced.
// Safe for concurrent use.
func (f *Frame) Bytes() int64 {
	return f.bytes.Load()
}

// Ops returns the recorded display list.
func (f *Frame) Ops() []Op {
	return f.ops
}

// PrintOutput returns accumulated print text.
func (f *Frame) PrintOutput() string {
	return f.printBuf.String()
}

// AdvanceFrame increments the frame counter before a draw() call.
func (f *Frame) AdvanceFrame() {
	atomic.AddInt64(&f.frameNum, 1)
}

// FrameCount returns the current frame number.
func (f *Frame) FrameCount() int64 {
	return atomic.LoadInt64(&f.frameNum)
}

// Summary renders a short human-readable account of the display list, used
// in API responses where shipping the full list is unnecessary.
func (f *Frame) Summary() string {
	return fmt.Sprintf("%d ops, %d frames, %d bytes", len(f.ops), f.FrameCount(), f.Bytes())
}
