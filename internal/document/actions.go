package document

import (
	"gopkg.in/yaml.v3"

	"github.com/arcadia/abml/internal/ast"
)

// actionModifierKeys are keys that accompany the main action key inside one
// action mapping rather than naming a domain action themselves.
var actionModifierKeys = map[string]bool{
	"mode":       true,
	"on_error":   true,
	"args":       true,
	"timeout":    true,
	"on_timeout": true,
	"default":    true,
	"name":       true,
}

func (p *Parser) parseActions(n *yaml.Node) []ast.Action {
	if !p.requireSequence(n, "action list") {
		return nil
	}
	var actions []ast.Action
	for _, item := range n.Content {
		if a := p.parseAction(item); a != nil {
			actions = append(actions, a)
		}
	}
	return actions
}

func (p *Parser) parseAction(n *yaml.Node) ast.Action {
	if n.Kind == yaml.ScalarNode {
		switch n.Value {
		case "return":
			return &ast.ReturnAction{Pos: pos(n)}
		case "halt":
			return &ast.HaltAction{Pos: pos(n)}
		default:
			p.errNode(n, "P001", "unknown action %q", n.Value)
			return nil
		}
	}
	if n.Kind != yaml.MappingNode {
		p.errNode(n, "P001", "action must be a mapping or one of return/halt")
		return nil
	}

	keys := map[string]*yaml.Node{}
	order := make([]string, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		keys[n.Content[i].Value] = n.Content[i+1]
		order = append(order, n.Content[i].Value)
	}

	for _, key := range order {
		val := keys[key]
		switch key {
		case "cond":
			return p.parseCond(n, val)
		case "for_each":
			return p.parseForEach(n, val)
		case "repeat":
			return p.parseRepeat(n, val)
		case "set":
			return &ast.SetAction{Pos: pos(n), Assignments: p.parseAssignments(val)}
		case "call":
			a := &ast.CallAction{Pos: pos(n), Flow: val.Value}
			if args, ok := keys["args"]; ok {
				a.Args = p.parseAssignments(args)
			}
			return a
		case "goto":
			return &ast.GotoAction{Pos: pos(n), Flow: val.Value}
		case "return":
			return &ast.ReturnAction{Pos: pos(n)}
		case "halt":
			return &ast.HaltAction{Pos: pos(n)}
		case "emit":
			return &ast.EmitAction{Pos: pos(n), Point: val.Value}
		case "wait_for":
			return p.parseWaitFor(n, val, keys)
		case "continuation_point":
			return p.parseContinuationPoint(n, val, keys)
		}
	}

	return p.parseDomainAction(n, keys, order)
}

func (p *Parser) parseCond(n, val *yaml.Node) ast.Action {
	a := &ast.CondAction{Pos: pos(n)}
	if !p.requireSequence(val, "cond") {
		return nil
	}
	for _, item := range val.Content {
		if item.Kind != yaml.MappingNode {
			p.errNode(item, "P001", "cond branch must be a mapping with when/do or else")
			continue
		}
		var branch *ast.CondBranch
		for i := 0; i+1 < len(item.Content); i += 2 {
			key, v := item.Content[i], item.Content[i+1]
			switch key.Value {
			case "when":
				if branch == nil {
					branch = &ast.CondBranch{Pos: pos(item)}
				}
				branch.When = p.parseExprScalar(v)
			case "do":
				if branch == nil {
					branch = &ast.CondBranch{Pos: pos(item)}
				}
				branch.Do = p.parseActions(v)
			case "else":
				if a.Else != nil {
					p.errNode(key, "P001", "duplicate else branch in cond")
				}
				a.Else = p.parseActions(v)
			default:
				p.warnNode(key, "P004", "ignoring unknown cond key %q", key.Value)
			}
		}
		if branch != nil {
			if branch.When == nil {
				p.errNode(item, "P005", "cond branch is missing %q", "when")
				continue
			}
			a.Branches = append(a.Branches, branch)
		}
	}
	if len(a.Branches) == 0 && a.Else == nil {
		p.errNode(val, "P005", "cond has no branches")
		return nil
	}
	return a
}

func (p *Parser) parseForEach(n, val *yaml.Node) ast.Action {
	if !p.requireMapping(val, "for_each") {
		return nil
	}
	a := &ast.ForEachAction{Pos: pos(n), As: "item"}
	for i := 0; i+1 < len(val.Content); i += 2 {
		key, v := val.Content[i], val.Content[i+1]
		switch key.Value {
		case "in":
			a.In = p.parseExprScalar(v)
		case "as":
			a.As = v.Value
		case "max":
			a.Max = p.scalarInt(v)
		case "do":
			a.Do = p.parseActions(v)
		default:
			p.warnNode(key, "P004", "ignoring unknown for_each key %q", key.Value)
		}
	}
	if a.In == nil {
		p.errNode(val, "P005", "for_each is missing %q", "in")
		return nil
	}
	if a.Max < 0 {
		p.errNode(val, "S005", "for_each max must not be negative")
		return nil
	}
	return a
}

func (p *Parser) parseRepeat(n, val *yaml.Node) ast.Action {
	if !p.requireMapping(val, "repeat") {
		return nil
	}
	a := &ast.RepeatAction{Pos: pos(n)}
	for i := 0; i+1 < len(val.Content); i += 2 {
		key, v := val.Content[i], val.Content[i+1]
		switch key.Value {
		case "times":
			a.Times = p.parseValueNode(v)
		case "do":
			a.Do = p.parseActions(v)
		default:
			p.warnNode(key, "P004", "ignoring unknown repeat key %q", key.Value)
		}
	}
	if a.Times == nil {
		p.errNode(val, "P005", "repeat is missing %q", "times")
		return nil
	}
	// Literal bounds are validated here; expression bounds are clamped at
	// runtime by the executor.
	if lit, ok := a.Times.(*ast.IntLiteral); ok && lit.Value <= 0 {
		p.errNode(val, "S005", "repeat times must be a positive count, got %d", lit.Value)
		return nil
	}
	return a
}

func (p *Parser) parseWaitFor(n, val *yaml.Node, keys map[string]*yaml.Node) ast.Action {
	a := &ast.WaitForAction{Pos: pos(n)}

	switch val.Kind {
	case yaml.ScalarNode:
		a.Points = []string{val.Value}
	case yaml.SequenceNode:
		a.Points = p.parseStringList(val)
	case yaml.MappingNode:
		for i := 0; i+1 < len(val.Content); i += 2 {
			key, v := val.Content[i], val.Content[i+1]
			switch key.Value {
			case "any_of":
				a.Points = p.parseStringList(v)
				a.AnyOf = true
			case "all_of", "points":
				a.Points = p.parseStringList(v)
			case "timeout":
				a.Timeout = p.scalarDuration(v)
				a.HasTimeout = true
			case "on_timeout":
				a.OnTimeout = p.parseActions(v)
			default:
				p.warnNode(key, "P004", "ignoring unknown wait_for key %q", key.Value)
			}
		}
	}

	// timeout/on_timeout may also sit beside wait_for in the action mapping.
	if v, ok := keys["timeout"]; ok && !a.HasTimeout {
		a.Timeout = p.scalarDuration(v)
		a.HasTimeout = true
	}
	if v, ok := keys["on_timeout"]; ok && a.OnTimeout == nil {
		a.OnTimeout = p.parseActions(v)
	}

	if len(a.Points) == 0 {
		p.errNode(val, "P005", "wait_for names no sync points")
		return nil
	}
	if len(a.OnTimeout) > 0 && !a.HasTimeout {
		p.errNode(n, "P005", "on_timeout requires a timeout")
	}
	return a
}

func (p *Parser) parseContinuationPoint(n, val *yaml.Node, keys map[string]*yaml.Node) ast.Action {
	a := &ast.ContinuationPointAction{Pos: pos(n)}

	switch val.Kind {
	case yaml.ScalarNode:
		a.Name = val.Value
	case yaml.MappingNode:
		for i := 0; i+1 < len(val.Content); i += 2 {
			key, v := val.Content[i], val.Content[i+1]
			switch key.Value {
			case "name":
				a.Name = v.Value
			case "timeout":
				a.Timeout = p.scalarDuration(v)
			case "default":
				a.Default = p.parseActions(v)
			default:
				p.warnNode(key, "P004", "ignoring unknown continuation_point key %q", key.Value)
			}
		}
	default:
		p.errNode(val, "P001", "continuation_point must be a name or a mapping")
		return nil
	}

	if v, ok := keys["timeout"]; ok && a.Timeout == 0 {
		a.Timeout = p.scalarDuration(v)
	}
	if v, ok := keys["default"]; ok && a.Default == nil {
		a.Default = p.parseActions(v)
	}

	if a.Name == "" {
		p.errNode(n, "P005", "continuation_point is missing %q", "name")
		return nil
	}
	if a.Timeout <= 0 {
		p.errNode(n, "P005", "continuation_point %q needs a positive timeout", a.Name)
		return nil
	}
	return a
}

// parseDomainAction treats the first non-modifier key as the action name;
// its value is the parameter block.
func (p *Parser) parseDomainAction(n *yaml.Node, keys map[string]*yaml.Node, order []string) ast.Action {
	var name string
	for _, key := range order {
		if !actionModifierKeys[key] {
			if name != "" {
				p.errNode(n, "P001", "action mapping has two action keys: %q and %q", name, key)
				return nil
			}
			name = key
		}
	}
	if name == "" {
		p.errNode(n, "P005", "action mapping names no action")
		return nil
	}

	a := &ast.DomainAction{Pos: pos(n), Name: name, Mode: ast.ModeFireAndForget}
	params := keys[name]
	switch params.Kind {
	case yaml.MappingNode:
		a.Params = p.parseAssignments(params)
	case yaml.ScalarNode:
		if params.Value != "" && params.Tag != "!!null" {
			// Shorthand: `- say: "hello"` becomes the conventional value param.
			if e := p.parseValueNode(params); e != nil {
				a.Params = []*ast.Assignment{{Pos: pos(params), Name: "value", Value: e}}
			}
		}
	default:
		p.errNode(params, "P001", "parameters of action %q must be a mapping", name)
	}

	if v, ok := keys["mode"]; ok {
		switch ast.ActionMode(v.Value) {
		case ast.ModeFireAndForget, ast.ModeAwaitCompletion:
			a.Mode = ast.ActionMode(v.Value)
		default:
			p.errNode(v, "P001", "unknown action mode %q", v.Value)
		}
	}
	if v, ok := keys["on_error"]; ok {
		a.OnError = p.parseActions(v)
	}
	return a
}
