package compiler

import (
	"fmt"

	"github.com/arcadia/abml/internal/vm"
)

// maxOperand is the largest value a 16-bit operand can carry.
const maxOperand = 0xFFFF

// chunk accumulates bytecode with run-length line provenance.
type chunk struct {
	code []byte
	runs []LineRun
}

func (c *chunk) pos() int { return len(c.code) }

func (c *chunk) markLine(line int) {
	if n := len(c.runs); n > 0 && c.runs[n-1].Line == line {
		return
	}
	c.runs = append(c.runs, LineRun{PC: len(c.code), Line: line})
}

func (c *chunk) emit(op vm.Opcode, line int) {
	c.markLine(line)
	c.code = append(c.code, byte(op))
}

func (c *chunk) emitU16(op vm.Opcode, operand int, line int) error {
	if operand < 0 || operand > maxOperand {
		return fmt.Errorf("operand %d out of range for %s", operand, vm.OpcodeNames[op])
	}
	c.markLine(line)
	c.code = append(c.code, byte(op), byte(operand>>8), byte(operand))
	return nil
}

func (c *chunk) emitBytes(op vm.Opcode, a, b byte, line int) {
	c.markLine(line)
	c.code = append(c.code, byte(op), a, b)
}

// emitJump emits op with a placeholder operand and returns the operand
// offset for patchJump.
func (c *chunk) emitJump(op vm.Opcode, line int) int {
	c.markLine(line)
	c.code = append(c.code, byte(op), 0xFF, 0xFF)
	return len(c.code) - 2
}

// patchJump back-fills a forward jump emitted by emitJump: the distance is
// measured from the byte after the operand to the current position.
func (c *chunk) patchJump(at int) error {
	dist := len(c.code) - (at + 2)
	if dist < 0 || dist > maxOperand {
		return fmt.Errorf("jump distance %d out of range", dist)
	}
	c.code[at] = byte(dist >> 8)
	c.code[at+1] = byte(dist)
	return nil
}

// emitLoop emits a backward jump to start.
func (c *chunk) emitLoop(start, line int) error {
	c.markLine(line)
	// distance counts from the byte after the operand back to start
	dist := len(c.code) + 3 - start
	if dist < 0 || dist > maxOperand {
		return fmt.Errorf("loop distance %d out of range", dist)
	}
	c.code = append(c.code, byte(vm.OP_LOOP), byte(dist>>8), byte(dist))
	return nil
}
