package compiler

import (
	"fmt"
	"strings"

	"github.com/arcadia/abml/internal/vm"
)

// Disassemble renders a compiled model as a human-readable listing: the
// header, each table, and the annotated instruction stream.
func Disassemble(m *Model) string {
	var b strings.Builder
	fmt.Fprintf(&b, "== %s (format %d, doc version %s)\n", m.Name, m.FormatVersion, m.DocVersion)
	if m.Deterministic {
		b.WriteString("   deterministic\n")
	}

	if len(m.Constants) > 0 {
		b.WriteString("\n-- constants\n")
		for i, c := range m.Constants {
			fmt.Fprintf(&b, "%4d  %s\n", i, constRepr(c))
		}
	}
	if len(m.Flows) > 0 {
		b.WriteString("\n-- flows\n")
		for i, f := range m.Flows {
			fmt.Fprintf(&b, "%4d  %-24s entry=%04d params=%v\n", i, f.Name, f.Entry, f.Params)
		}
	}
	if len(m.Channels) > 0 {
		b.WriteString("\n-- channels\n")
		for i, ch := range m.Channels {
			fmt.Fprintf(&b, "%4d  %-24s entry=%04d\n", i, ch.Name, ch.Entry)
		}
	}
	if len(m.ContinuationPoints) > 0 {
		b.WriteString("\n-- continuation points\n")
		for i, p := range m.ContinuationPoints {
			fmt.Fprintf(&b, "%4d  %-24s timeout=%s default=%04d resume=%04d\n",
				i, p.Name, p.Timeout, p.DefaultOffset, p.ResumeOffset)
		}
	}
	if len(m.Waits) > 0 {
		b.WriteString("\n-- waits\n")
		for i, w := range m.Waits {
			mode := "all_of"
			if w.AnyOf {
				mode = "any_of"
			}
			timeout := "none"
			if w.HasTimeout {
				timeout = w.Timeout.String()
			}
			fmt.Fprintf(&b, "%4d  %s %v timeout=%s on_timeout=%04d\n", i, mode, w.Points, timeout, w.TimeoutOffset)
		}
	}
	if len(m.Actions) > 0 {
		b.WriteString("\n-- actions\n")
		for i, a := range m.Actions {
			fmt.Fprintf(&b, "%4d  %-24s mode=%s on_error=%d\n", i, a.Name, a.Mode, a.OnErrorOffset)
		}
	}
	if len(m.Errors) > 0 {
		b.WriteString("\n-- error handlers\n")
		for i, e := range m.Errors {
			fmt.Fprintf(&b, "%4d  %-24s entry=%04d\n", i, e.Category, e.Entry)
		}
	}
	if len(m.Goals) > 0 {
		b.WriteString("\n-- goals\n")
		for i, g := range m.Goals {
			fmt.Fprintf(&b, "%4d  %-24s priority=%g cost=%g\n", i, g.Name, g.Priority, g.Cost)
		}
	}

	b.WriteString("\n-- code\n")
	pc := 0
	lastLine := -1
	for pc < len(m.Code) {
		line := m.LineAt(pc)
		lineCol := "     "
		if line != lastLine {
			lineCol = fmt.Sprintf("%5d", line)
			lastLine = line
		}
		op := vm.Opcode(m.Code[pc])
		name := vm.OpcodeNames[op]
		if name == "" {
			name = fmt.Sprintf("?0x%02x", byte(op))
		}
		width := vm.OperandWidth(op)
		switch width {
		case 0:
			fmt.Fprintf(&b, "%s %04d  %s\n", lineCol, pc, name)
		case 2:
			if op == vm.OP_CALL_BUILTIN {
				idx, argc := int(m.Code[pc+1]), int(m.Code[pc+2])
				fmt.Fprintf(&b, "%s %04d  %-18s %d/%d%s\n", lineCol, pc, name, idx, argc, builtinNote(idx))
			} else {
				operand := int(m.Code[pc+1])<<8 | int(m.Code[pc+2])
				fmt.Fprintf(&b, "%s %04d  %-18s %d%s\n", lineCol, pc, name, operand, m.operandNote(op, pc, operand))
			}
		}
		pc += 1 + width
	}
	return b.String()
}

func constRepr(c Constant) string {
	switch c.Kind {
	case ConstString:
		return fmt.Sprintf("%q", c.Str)
	default:
		return c.Value().Inspect()
	}
}

func builtinNote(idx int) string {
	if idx >= 0 && idx < len(vm.Builtins) {
		return " ; " + vm.Builtins[idx].Name
	}
	return ""
}

func (m *Model) operandNote(op vm.Opcode, pc, operand int) string {
	switch op {
	case vm.OP_CONST, vm.OP_MEMBER, vm.OP_GET_VAR, vm.OP_SET_VAR, vm.OP_EMIT:
		if operand < len(m.Constants) {
			return " ; " + constRepr(m.Constants[operand])
		}
	case vm.OP_CALL_FLOW, vm.OP_GOTO_FLOW:
		if operand < len(m.Flows) {
			return " ; " + m.Flows[operand].Name
		}
	case vm.OP_WAIT:
		if operand < len(m.Waits) {
			return fmt.Sprintf(" ; %v", m.Waits[operand].Points)
		}
	case vm.OP_CONT:
		if operand < len(m.ContinuationPoints) {
			return " ; " + m.ContinuationPoints[operand].Name
		}
	case vm.OP_ACTION:
		if operand < len(m.Actions) {
			return " ; " + m.Actions[operand].Name
		}
	case vm.OP_JUMP, vm.OP_JUMP_IF_FALSE, vm.OP_JUMP_IF_TRUE, vm.OP_JUMP_IF_NOT_NULL, vm.OP_ITER_NEXT:
		return fmt.Sprintf(" ; -> %04d", pc+3+operand)
	case vm.OP_LOOP:
		return fmt.Sprintf(" ; -> %04d", pc+3-operand)
	}
	return ""
}
