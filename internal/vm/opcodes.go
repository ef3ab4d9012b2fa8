package vm

// Opcode is a single instruction in the compiled stream. Operands are
// big-endian 16-bit unless noted.
type Opcode byte

const (
	// Stack manipulation
	OP_CONST Opcode = iota // u16 constant index
	OP_NULL                // push null
	OP_TRUE                // push true
	OP_FALSE               // push false
	OP_POP                 // discard top of stack
	OP_DUP                 // duplicate top of stack

	// Arithmetic
	OP_ADD
	OP_SUB
	OP_MUL
	OP_DIV
	OP_MOD
	OP_NEG // unary minus

	// Comparison
	OP_EQ
	OP_NE
	OP_LT
	OP_LE
	OP_GT
	OP_GE

	// Logic and membership
	OP_NOT
	OP_IN // membership: x in list/map/string

	// Strings and collections
	OP_CONCAT       // u16 count: stringify and join top N values
	OP_MEMBER       // u16 name constant: property access, null-propagating
	OP_INDEX        // subscript access, null-propagating
	OP_MAKE_LIST    // u16 count
	OP_MAKE_MAP     // u16 pair count; stack holds key,value pairs
	OP_CALL_BUILTIN // u8 builtin index, u8 argc

	// Variables (name-based; scope chain local→document→entity→world)
	OP_GET_VAR // u16 name constant; unbound resolves to null
	OP_SET_VAR // u16 name constant; pops value

	// Control flow within a channel
	OP_JUMP             // u16 forward offset
	OP_JUMP_IF_FALSE    // u16 forward offset; pops condition
	OP_JUMP_IF_TRUE     // u16 forward offset; pops condition
	OP_JUMP_IF_NOT_NULL // u16 forward offset; peeks, pops only when null
	OP_LOOP             // u16 backward offset

	// Bounded iteration
	OP_ITER_NEW  // u16 iteration cap (0 = engine default); pops collection, pushes iterator
	OP_ITER_NEXT // u16 forward offset on exhaustion; else pushes element

	// Traps: handled by the document executor, not the expression machine
	OP_CALL_FLOW // u16 flow table index; argument map pre-pushed
	OP_GOTO_FLOW // u16 flow table index; tail transfer, no frame push
	OP_RETURN    // return from flow, or complete channel at top level
	OP_ACTION    // u16 action spec index; parameter map pre-pushed
	OP_EMIT      // u16 sync point name constant
	OP_WAIT      // u16 wait spec index
	OP_CONT      // u16 continuation point index
	OP_HALT      // complete the channel immediately

	// Terminator of a standalone expression region
	OP_EXPR_END
)

// OpcodeNames maps opcodes to their mnemonic names (for the disassembler).
var OpcodeNames = map[Opcode]string{
	OP_CONST: "CONST",
	OP_NULL:  "NULL",
	OP_TRUE:  "TRUE",
	OP_FALSE: "FALSE",
	OP_POP:   "POP",
	OP_DUP:   "DUP",

	OP_ADD: "ADD",
	OP_SUB: "SUB",
	OP_MUL: "MUL",
	OP_DIV: "DIV",
	OP_MOD: "MOD",
	OP_NEG: "NEG",

	OP_EQ: "EQ",
	OP_NE: "NE",
	OP_LT: "LT",
	OP_LE: "LE",
	OP_GT: "GT",
	OP_GE: "GE",

	OP_NOT: "NOT",
	OP_IN:  "IN",

	OP_CONCAT:       "CONCAT",
	OP_MEMBER:       "MEMBER",
	OP_INDEX:        "INDEX",
	OP_MAKE_LIST:    "MAKE_LIST",
	OP_MAKE_MAP:     "MAKE_MAP",
	OP_CALL_BUILTIN: "CALL_BUILTIN",

	OP_GET_VAR: "GET_VAR",
	OP_SET_VAR: "SET_VAR",

	OP_JUMP:             "JUMP",
	OP_JUMP_IF_FALSE:    "JUMP_IF_FALSE",
	OP_JUMP_IF_TRUE:     "JUMP_IF_TRUE",
	OP_JUMP_IF_NOT_NULL: "JUMP_IF_NOT_NULL",
	OP_LOOP:             "LOOP",

	OP_ITER_NEW:  "ITER_NEW",
	OP_ITER_NEXT: "ITER_NEXT",

	OP_CALL_FLOW: "CALL_FLOW",
	OP_GOTO_FLOW: "GOTO_FLOW",
	OP_RETURN:    "RETURN",
	OP_ACTION:    "ACTION",
	OP_EMIT:      "EMIT",
	OP_WAIT:      "WAIT",
	OP_CONT:      "CONT",
	OP_HALT:      "HALT",

	OP_EXPR_END: "EXPR_END",
}

// OperandWidth returns the number of operand bytes following op.
func OperandWidth(op Opcode) int {
	switch op {
	case OP_CONST, OP_MEMBER, OP_GET_VAR, OP_SET_VAR,
		OP_CONCAT, OP_MAKE_LIST, OP_MAKE_MAP,
		OP_JUMP, OP_JUMP_IF_FALSE, OP_JUMP_IF_TRUE, OP_JUMP_IF_NOT_NULL, OP_LOOP,
		OP_ITER_NEW, OP_ITER_NEXT,
		OP_CALL_FLOW, OP_GOTO_FLOW, OP_ACTION, OP_EMIT, OP_WAIT, OP_CONT:
		return 2
	case OP_CALL_BUILTIN:
		return 2 // u8 index + u8 argc
	default:
		return 0
	}
}
