package typesystem

import (
	"fmt"
	"strings"
	"unicode"
)

// ParseType parses a declared-type string from a document's context block.
func ParseType(src string) (Type, error) {
	p := &typeParser{src: src}
	t, err := p.parse()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos < len(p.src) {
		return nil, fmt.Errorf("unexpected trailing input %q in type %q", p.src[p.pos:], src)
	}
	return t, nil
}

type typeParser struct {
	src string
	pos int
}

func (p *typeParser) parse() (Type, error) {
	p.skipSpace()
	name := p.readIdent()
	if name == "" {
		return nil, fmt.Errorf("expected type name at offset %d in %q", p.pos, p.src)
	}
	switch name {
	case "bool", "int", "float", "string", "null", "duration", "any":
		return TCon{Name: name}, nil
	case "list":
		if err := p.expect('<'); err != nil {
			return nil, err
		}
		elem, err := p.parse()
		if err != nil {
			return nil, err
		}
		if err := p.expect('>'); err != nil {
			return nil, err
		}
		return TList{Elem: elem}, nil
	case "map":
		if err := p.expect('<'); err != nil {
			return nil, err
		}
		key, err := p.parse()
		if err != nil {
			return nil, err
		}
		if err := p.expect(','); err != nil {
			return nil, err
		}
		val, err := p.parse()
		if err != nil {
			return nil, err
		}
		if err := p.expect('>'); err != nil {
			return nil, err
		}
		return TMap{Key: key, Val: val}, nil
	case "enum":
		if err := p.expect('('); err != nil {
			return nil, err
		}
		var members []string
		for {
			p.skipSpace()
			m := p.readIdent()
			if m == "" {
				return nil, fmt.Errorf("expected enum member at offset %d in %q", p.pos, p.src)
			}
			members = append(members, m)
			p.skipSpace()
			if p.peek() == ',' {
				p.pos++
				continue
			}
			break
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		return TEnum{Members: members}, nil
	case "object":
		if err := p.expect('{'); err != nil {
			return nil, err
		}
		obj := TObject{Fields: map[string]Type{}}
		for {
			p.skipSpace()
			if p.peek() == '}' {
				break
			}
			field := p.readIdent()
			if field == "" {
				return nil, fmt.Errorf("expected field name at offset %d in %q", p.pos, p.src)
			}
			if err := p.expect(':'); err != nil {
				return nil, err
			}
			ft, err := p.parse()
			if err != nil {
				return nil, err
			}
			if _, dup := obj.Fields[field]; dup {
				return nil, fmt.Errorf("duplicate field %q in %q", field, p.src)
			}
			obj.Order = append(obj.Order, field)
			obj.Fields[field] = ft
			p.skipSpace()
			if p.peek() == ',' {
				p.pos++
			}
		}
		if err := p.expect('}'); err != nil {
			return nil, err
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unknown type %q in %q", name, p.src)
	}
}

func (p *typeParser) skipSpace() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *typeParser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *typeParser) expect(c byte) error {
	p.skipSpace()
	if p.peek() != c {
		return fmt.Errorf("expected %q at offset %d in %q", string(c), p.pos, p.src)
	}
	p.pos++
	return nil
}

func (p *typeParser) readIdent() string {
	start := p.pos
	for p.pos < len(p.src) {
		c := rune(p.src[p.pos])
		if unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' {
			p.pos++
			continue
		}
		break
	}
	return strings.TrimSpace(p.src[start:p.pos])
}
