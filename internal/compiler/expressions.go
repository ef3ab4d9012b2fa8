package compiler

import (
	"github.com/arcadia/abml/internal/ast"
	"github.com/arcadia/abml/internal/vm"
)

// compileExpr lowers one expression, leaving exactly one value on the stack.
func (cp *Compiler) compileExpr(e ast.Expr) {
	line := e.GetPos().Line
	switch ex := e.(type) {
	case *ast.NullLiteral:
		cp.c.emit(vm.OP_NULL, line)
	case *ast.BoolLiteral:
		if ex.Value {
			cp.c.emit(vm.OP_TRUE, line)
		} else {
			cp.c.emit(vm.OP_FALSE, line)
		}
	case *ast.IntLiteral:
		cp.mustEmitU16(vm.OP_CONST, cp.intConst(ex.Value), ex.GetPos())
	case *ast.FloatLiteral:
		cp.mustEmitU16(vm.OP_CONST, cp.floatConst(ex.Value), ex.GetPos())
	case *ast.DurationLiteral:
		cp.mustEmitU16(vm.OP_CONST, cp.durationConst(ex.Value), ex.GetPos())
	case *ast.StringLiteral:
		cp.mustEmitU16(vm.OP_CONST, cp.stringConst(ex.Value), ex.GetPos())
	case *ast.Identifier:
		cp.emitVarOp(vm.OP_GET_VAR, ex.Value, line)
	case *ast.ListLiteral:
		for _, el := range ex.Elements {
			cp.compileExpr(el)
		}
		cp.mustEmitU16(vm.OP_MAKE_LIST, len(ex.Elements), ex.GetPos())
	case *ast.MapLiteral:
		for i, k := range ex.Keys {
			cp.mustEmitU16(vm.OP_CONST, cp.stringConst(k), ex.GetPos())
			cp.compileExpr(ex.Values[i])
		}
		cp.mustEmitU16(vm.OP_MAKE_MAP, len(ex.Keys), ex.GetPos())
	case *ast.PrefixExpr:
		cp.compilePrefix(ex)
	case *ast.InfixExpr:
		cp.compileInfix(ex)
	case *ast.TernaryExpr:
		cp.compileTernary(ex)
	case *ast.MemberExpr:
		cp.compileExpr(ex.Object)
		cp.mustEmitU16(vm.OP_MEMBER, cp.stringConst(ex.Property), ex.GetPos())
	case *ast.IndexExpr:
		cp.compileExpr(ex.Object)
		cp.compileExpr(ex.Index)
		cp.c.emit(vm.OP_INDEX, line)
	case *ast.CallExpr:
		cp.compileBuiltinCall(ex.GetPos(), ex.Function, ex.Args)
	case *ast.FilterExpr:
		// a filter is a builtin call with the piped input as first argument
		args := append([]ast.Expr{ex.Input}, ex.Args...)
		cp.compileBuiltinCall(ex.GetPos(), ex.Name, args)
	case *ast.TemplateExpr:
		for _, part := range ex.Parts {
			cp.compileExpr(part)
		}
		cp.mustEmitU16(vm.OP_CONCAT, len(ex.Parts), ex.GetPos())
	default:
		cp.errorf(e.GetPos(), "C001", "unsupported expression node %T", e)
		cp.c.emit(vm.OP_NULL, line)
	}
}

func (cp *Compiler) compilePrefix(ex *ast.PrefixExpr) {
	cp.compileExpr(ex.Right)
	switch ex.Operator {
	case "!":
		cp.c.emit(vm.OP_NOT, ex.GetPos().Line)
	case "-":
		cp.c.emit(vm.OP_NEG, ex.GetPos().Line)
	default:
		cp.errorf(ex.GetPos(), "C001", "unsupported prefix operator %q", ex.Operator)
	}
}

var infixOps = map[string]vm.Opcode{
	"+":  vm.OP_ADD,
	"-":  vm.OP_SUB,
	"*":  vm.OP_MUL,
	"/":  vm.OP_DIV,
	"%":  vm.OP_MOD,
	"==": vm.OP_EQ,
	"!=": vm.OP_NE,
	"<":  vm.OP_LT,
	"<=": vm.OP_LE,
	">":  vm.OP_GT,
	">=": vm.OP_GE,
	"in": vm.OP_IN,
}

func (cp *Compiler) compileInfix(ex *ast.InfixExpr) {
	line := ex.GetPos().Line
	switch ex.Operator {
	case "&&":
		// keep the falsy left operand as the result
		cp.compileExpr(ex.Left)
		cp.c.emit(vm.OP_DUP, line)
		end := cp.c.emitJump(vm.OP_JUMP_IF_FALSE, line)
		cp.c.emit(vm.OP_POP, line)
		cp.compileExpr(ex.Right)
		cp.patch(end, ex.GetPos())
	case "||":
		cp.compileExpr(ex.Left)
		cp.c.emit(vm.OP_DUP, line)
		end := cp.c.emitJump(vm.OP_JUMP_IF_TRUE, line)
		cp.c.emit(vm.OP_POP, line)
		cp.compileExpr(ex.Right)
		cp.patch(end, ex.GetPos())
	case "??":
		cp.compileExpr(ex.Left)
		end := cp.c.emitJump(vm.OP_JUMP_IF_NOT_NULL, line)
		cp.compileExpr(ex.Right)
		cp.patch(end, ex.GetPos())
	default:
		op, ok := infixOps[ex.Operator]
		if !ok {
			cp.errorf(ex.GetPos(), "C001", "unsupported operator %q", ex.Operator)
			cp.c.emit(vm.OP_NULL, line)
			return
		}
		cp.compileExpr(ex.Left)
		cp.compileExpr(ex.Right)
		cp.c.emit(op, line)
	}
}

func (cp *Compiler) compileTernary(ex *ast.TernaryExpr) {
	cp.compileExpr(ex.Cond)
	elseJump := cp.c.emitJump(vm.OP_JUMP_IF_FALSE, ex.GetPos().Line)
	cp.compileExpr(ex.Then)
	end := cp.c.emitJump(vm.OP_JUMP, ex.GetPos().Line)
	cp.patch(elseJump, ex.GetPos())
	cp.compileExpr(ex.Else)
	cp.patch(end, ex.GetPos())
}

func (cp *Compiler) compileBuiltinCall(pos ast.Pos, name string, args []ast.Expr) {
	idx := vm.BuiltinIndex(name)
	if idx < 0 {
		cp.errorf(pos, "C007", "unknown function %q", name)
		cp.c.emit(vm.OP_NULL, pos.Line)
		return
	}
	b := vm.Builtins[idx]
	if b.Arity >= 0 && len(args) != b.Arity {
		cp.errorf(pos, "C008", "%s expects %d arguments, got %d", name, b.Arity, len(args))
		cp.c.emit(vm.OP_NULL, pos.Line)
		return
	}
	if len(args) > 255 {
		cp.errorf(pos, "C008", "too many arguments to %s", name)
		return
	}
	for _, a := range args {
		cp.compileExpr(a)
	}
	cp.c.emitBytes(vm.OP_CALL_BUILTIN, byte(idx), byte(len(args)), pos.Line)
}
