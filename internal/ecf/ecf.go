// Package ecf reads the brace-delimited object format used by the game's
// block configuration files (BlocksConfig.ecf and friends).
//
//	{ Block Id: 1, Name: HullSmall
//	  Class: Hull
//	  ParentBlocks: "HullA, HullB"
//	  { Child 0
//	    Key: value
//	  }
//	}
//
// Header attributes follow the object kind on the opening line. Each body line
// holds one property; segments after the first comma are attributes of that
// property (type, display, ...) and are kept but otherwise ignored.
package ecf

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

type Property struct {
	Key   string
	Value string
	Attrs map[string]string
	Line  int
}

type Object struct {
	Kind     string
	Override bool   // "+Block" objects extend an existing definition
	Label    string // bare header text, e.g. "0" in "{ Child 0"
	Header   []Property
	Props    []Property
	Children []*Object
	Line     int
}

// Attr returns a header attribute (Id, Name, Ref).
func (o *Object) Attr(key string) (string, bool) {
	return lookup(o.Header, key)
}

// Prop returns the first body property with the given key.
func (o *Object) Prop(key string) (string, bool) {
	return lookup(o.Props, key)
}

func lookup(ps []Property, key string) (string, bool) {
	for _, p := range ps {
		if strings.EqualFold(p.Key, key) {
			return p.Value, true
		}
	}
	return "", false
}


type parser struct {
	line      int
	inComment bool
	stack     []*Object
	out       []*Object
}

// Parse reads top-level objects in file order.
func Parse(r io.Reader) ([]*Object, error) {
	p := &parser{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		p.line++
		if err := p.feed(sc.Text()); err != nil {
			return nil, fmt.Errorf("%d: %w", p.line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if p.inComment {
		return nil, fmt.Errorf("%d: unterminated block comment", p.line)
	}
	if n := len(p.stack); n > 0 {
		o := p.stack[n-1]
		return nil, fmt.Errorf("%d: object %q opened at line %d is never closed", p.line, o.Kind, o.Line)
	}
	return p.out, nil
}

func (p *parser) feed(raw string) error {
	text, err := p.stripComments(raw)
	if err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	for text != "" {
		switch {
		case strings.HasPrefix(text, "{"):
			head := strings.TrimSpace(text[1:])
			closing := false
			if strings.HasSuffix(head, "}") && !inQuotes(head, len(head)-1) {
				head = strings.TrimSpace(head[:len(head)-1])
				closing = true
			}
			o, err := parseHeader(head, p.line)
			if err != nil {
				return err
			}
			p.stack = append(p.stack, o)
			if closing {
				return p.close()
			}
			return nil
		case strings.HasPrefix(text, "}"):
			if err := p.close(); err != nil {
				return err
			}
			text = strings.TrimSpace(text[1:])
		default:
			if len(p.stack) == 0 {
				return fmt.Errorf("property outside of an object: %q", text)
			}
			body := text
			closing := false
			if strings.HasSuffix(body, "}") && !inQuotes(body, len(body)-1) {
				body = strings.TrimSpace(body[:len(body)-1])
				closing = true
			}
			prop, err := parseProperty(body, p.line)
			if err != nil {
				return err
			}
			top := p.stack[len(p.stack)-1]
			top.Props = append(top.Props, prop)
			if closing {
				return p.close()
			}
			return nil
		}
	}
	return nil
}

func (p *parser) close() error {
	n := len(p.stack)
	if n == 0 {
		return fmt.Errorf("unexpected '}'")
	}
	o := p.stack[n-1]
	p.stack = p.stack[:n-1]
	if n == 1 {
		p.out = append(p.out, o)
	} else {
		parent := p.stack[n-2]
		parent.Children = append(parent.Children, o)
	}
	return nil
}

// stripComments removes '#' line comments and /* */ block comments that are
// not inside a quoted value.
func (p *parser) stripComments(s string) (string, error) {
	var b strings.Builder
	quoted := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if p.inComment {
			if c == '*' && i+1 < len(s) && s[i+1] == '/' {
				p.inComment = false
				i++
			}
			continue
		}
		switch {
		case c == '"':
			quoted = !quoted
			b.WriteByte(c)
		case !quoted && c == '#':
			return b.String(), nil
		case !quoted && c == '/' && i+1 < len(s) && s[i+1] == '*':
			p.inComment = true
			i++
		default:
			b.WriteByte(c)
		}
	}
	if quoted {
		return "", fmt.Errorf("unterminated quote")
	}
	return b.String(), nil
}

func parseHeader(s string, line int) (*Object, error) {
	if s == "" {
		return nil, fmt.Errorf("object without kind")
	}
	kind, rest, _ := strings.Cut(s, " ")
	o := &Object{Line: line}
	if strings.HasPrefix(kind, "+") {
		o.Override = true
		kind = kind[1:]
	}
	if kind == "" {
		return nil, fmt.Errorf("object without kind")
	}
	o.Kind = kind
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return o, nil
	}
	for _, seg := range splitTopLevel(rest) {
		key, val, ok := strings.Cut(seg, ":")
		if !ok {
			if o.Label != "" {
				o.Label += ", "
			}
			o.Label += unquote(seg)
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("header attribute without name")
		}
		o.Header = append(o.Header, Property{Key: key, Value: unquote(val), Line: line})
	}
	return o, nil
}

func parseProperty(s string, line int) (Property, error) {
	segs := splitTopLevel(s)
	key, val, ok := strings.Cut(segs[0], ":")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return Property{}, fmt.Errorf("expected 'Key: value', got %q", s)
	}
	prop := Property{Key: key, Value: unquote(val), Line: line}
	for _, seg := range segs[1:] {
		ak, av, ok := strings.Cut(seg, ":")
		if !ok {
			// Unquoted list continuation: "Key: a, b".
			prop.Value += ", " + unquote(seg)
			continue
		}
		if prop.Attrs == nil {
			prop.Attrs = map[string]string{}
		}
		prop.Attrs[strings.TrimSpace(ak)] = unquote(av)
	}
	return prop, nil
}

// splitTopLevel splits on commas that are outside quotes. Empty segments are
// dropped.
func splitTopLevel(s string) []string {
	var out []string
	quoted := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quoted = !quoted
		case ',':
			if !quoted {
				if seg := strings.TrimSpace(s[start:i]); seg != "" {
					out = append(out, seg)
				}
				start = i + 1
			}
		}
	}
	if seg := strings.TrimSpace(s[start:]); seg != "" {
		out = append(out, seg)
	}
	if len(out) == 0 {
		out = append(out, "")
	}
	return out
}

func inQuotes(s string, pos int) bool {
	quoted := false
	for i := 0; i < pos && i < len(s); i++ {
		if s[i] == '"' {
			quoted = !quoted
		}
	}
	return quoted
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// SplitList splits a comma-separated list value ("A, B, C") into trimmed,
// non-empty names.
func SplitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
