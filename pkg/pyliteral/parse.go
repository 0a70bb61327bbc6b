package pyliteral

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse reads one expression. Plain literals become typed nodes; anything
// else (identifiers, calls, arithmetic) is captured as a raw span. Parse
// fails on unbalanced brackets or unterminated strings, never silently.
func Parse(src string) (*Node, error) {
	p := &parser{src: src}
	p.skipSpace()
	if p.eof() {
		return nil, fmt.Errorf("empty expression")
	}
	n, err := p.parseValue("")
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if !p.eof() {
		return nil, fmt.Errorf("trailing data at offset %d", p.pos)
	}
	return n, nil
}

type parser struct {
	src string
	pos int
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) cur() byte { return p.src[p.pos] }

func (p *parser) skipSpace() {
	for !p.eof() {
		switch p.cur() {
		case ' ', '\t', '\n', '\r', '\f', '\v':
			p.pos++
		default:
			return
		}
	}
}

// parseValue parses a literal if one sits alone before a terminator,
// otherwise degrades to a raw span ending at an unnested terminator byte.
func (p *parser) parseValue(terminators string) (*Node, error) {
	p.skipSpace()
	start := p.pos

	n, ok, err := p.tryLiteral()
	if err != nil {
		return nil, err
	}
	if ok {
		p.skipSpace()
		if p.eof() || strings.IndexByte(terminators, p.cur()) >= 0 {
			return n, nil
		}
	}
	p.pos = start
	return p.scanRaw(terminators)
}

// tryLiteral attempts to read one literal. ok=false means the input is not
// a literal at all and the caller should fall back to a raw scan.
func (p *parser) tryLiteral() (*Node, bool, error) {
	c := p.cur()
	switch {
	case c == '\'' || c == '"':
		s, err := p.parseString(false)
		if err != nil {
			return nil, false, err
		}
		return NewString(s), true, nil
	case c == '[':
		n, err := p.parseSequence(']', KindList)
		return n, err == nil, err
	case c == '(':
		n, err := p.parseSequence(')', KindTuple)
		return n, err == nil, err
	case c == '{':
		n, err := p.parseDict()
		return n, err == nil, err
	case c >= '0' && c <= '9', c == '-', c == '+', c == '.':
		return p.tryNumber()
	case isIdentStart(c):
		return p.tryKeywordOrString()
	}
	return nil, false, nil
}

// tryKeywordOrString handles True/False/None and prefixed string literals
// (u'', b"", r'' and combinations). Any other identifier is not a literal.
func (p *parser) tryKeywordOrString() (*Node, bool, error) {
	start := p.pos
	for !p.eof() && isIdentPart(p.cur()) {
		p.pos++
	}
	word := p.src[start:p.pos]
	switch word {
	case "True":
		return NewBool(true), true, nil
	case "False":
		return NewBool(false), true, nil
	case "None":
		return NewNone(), true, nil
	}
	if len(word) <= 2 && !p.eof() && (p.cur() == '\'' || p.cur() == '"') {
		raw := false
		for i := 0; i < len(word); i++ {
			switch word[i] {
			case 'r', 'R':
				raw = true
			case 'u', 'U', 'b', 'B':
			default:
				// f-strings and friends are expressions, not literals.
				p.pos = start
				return nil, false, nil
			}
		}
		s, err := p.parseString(raw)
		if err != nil {
			return nil, false, err
		}
		return NewString(s), true, nil
	}
	p.pos = start
	return nil, false, nil
}

func (p *parser) tryNumber() (*Node, bool, error) {
	start := p.pos
	if c := p.cur(); c == '+' || c == '-' {
		p.pos++
	}
	sawDigit := false
	for !p.eof() {
		c := p.cur()
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F',
			c == '.', c == '_', c == 'x', c == 'X', c == 'o', c == 'O':
			if c >= '0' && c <= '9' {
				sawDigit = true
			}
			p.pos++
		case (c == '+' || c == '-') && p.pos > start &&
			(p.src[p.pos-1] == 'e' || p.src[p.pos-1] == 'E') &&
			!strings.HasPrefix(p.src[start:], "0x") && !strings.HasPrefix(p.src[start:], "0X"):
			p.pos++
		default:
			goto scanned
		}
	}
scanned:
	tok := strings.ReplaceAll(p.src[start:p.pos], "_", "")
	if !sawDigit {
		p.pos = start
		return nil, false, nil
	}
	// Legacy long suffix, seen in data written by very old servers.
	if !p.eof() && (p.cur() == 'L' || p.cur() == 'l') {
		p.pos++
	}
	if i, err := strconv.ParseInt(tok, 0, 64); err == nil {
		return NewInt(i), true, nil
	}
	if f, err := strconv.ParseFloat(tok, 64); err == nil {
		return NewFloat(f), true, nil
	}
	p.pos = start
	return nil, false, nil
}

func (p *parser) parseSequence(closer byte, kind Kind) (*Node, error) {
	opener := p.cur()
	p.pos++
	var items []*Node
	sawComma := false
	terms := "," + string(closer)
	for {
		p.skipSpace()
		if p.eof() {
			return nil, fmt.Errorf("unterminated %q at offset %d", opener, p.pos)
		}
		if p.cur() == closer {
			p.pos++
			break
		}
		item, err := p.parseValue(terms)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		p.skipSpace()
		if p.eof() {
			return nil, fmt.Errorf("unterminated %q at offset %d", opener, p.pos)
		}
		switch p.cur() {
		case ',':
			sawComma = true
			p.pos++
		case closer:
			p.pos++
			goto done
		default:
			return nil, fmt.Errorf("unexpected %q at offset %d", p.cur(), p.pos)
		}
	}
done:
	// A parenthesized single value without a trailing comma is not a
	// tuple, just grouping.
	if kind == KindTuple && len(items) == 1 && !sawComma {
		return items[0], nil
	}
	return &Node{Kind: kind, Items: items}, nil
}

func (p *parser) parseDict() (*Node, error) {
	p.pos++
	n := NewDict()
	for {
		p.skipSpace()
		if p.eof() {
			return nil, fmt.Errorf("unterminated '{' at offset %d", p.pos)
		}
		if p.cur() == '}' {
			p.pos++
			return n, nil
		}
		key, err := p.parseValue(":")
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.eof() || p.cur() != ':' {
			return nil, fmt.Errorf("expected ':' at offset %d", p.pos)
		}
		p.pos++
		val, err := p.parseValue(",}")
		if err != nil {
			return nil, err
		}
		n.Keys = append(n.Keys, key)
		n.Vals = append(n.Vals, val)
		p.skipSpace()
		if p.eof() {
			return nil, fmt.Errorf("unterminated '{' at offset %d", p.pos)
		}
		switch p.cur() {
		case ',':
			p.pos++
		case '}':
			p.pos++
			return n, nil
		default:
			return nil, fmt.Errorf("unexpected %q at offset %d", p.cur(), p.pos)
		}
	}
}

// parseString consumes a quoted string starting at the opening quote.
func (p *parser) parseString(raw bool) (string, error) {
	quote := p.cur()
	p.pos++
	triple := false
	if p.pos+1 < len(p.src) && p.src[p.pos] == quote && p.src[p.pos+1] == quote {
		triple = true
		p.pos += 2
	}

	var b strings.Builder
	for {
		if p.eof() {
			return "", fmt.Errorf("unterminated string")
		}
		c := p.cur()
		if c == quote {
			if !triple {
				p.pos++
				return b.String(), nil
			}
			if strings.HasPrefix(p.src[p.pos:], strings.Repeat(string(quote), 3)) {
				p.pos += 3
				return b.String(), nil
			}
			b.WriteByte(c)
			p.pos++
			continue
		}
		if c == '\\' {
			if raw {
				if p.pos+1 >= len(p.src) {
					return "", fmt.Errorf("unterminated string")
				}
				b.WriteByte('\\')
				b.WriteByte(p.src[p.pos+1])
				p.pos += 2
				continue
			}
			s, err := p.parseEscape()
			if err != nil {
				return "", err
			}
			b.WriteString(s)
			continue
		}
		if c == '\n' && !triple {
			return "", fmt.Errorf("newline in string at offset %d", p.pos)
		}
		b.WriteByte(c)
		p.pos++
	}
}

func (p *parser) parseEscape() (string, error) {
	p.pos++ // consume backslash
	if p.eof() {
		return "", fmt.Errorf("unterminated escape")
	}
	c := p.cur()
	p.pos++
	switch c {
	case 'n':
		return "\n", nil
	case 't':
		return "\t", nil
	case 'r':
		return "\r", nil
	case '\\', '\'', '"':
		return string(c), nil
	case 'a':
		return "\a", nil
	case 'b':
		return "\b", nil
	case 'f':
		return "\f", nil
	case 'v':
		return "\v", nil
	case '0', '1', '2', '3', '4', '5', '6', '7':
		val := int(c - '0')
		for i := 0; i < 2 && !p.eof() && p.cur() >= '0' && p.cur() <= '7'; i++ {
			val = val*8 + int(p.cur()-'0')
			p.pos++
		}
		return string(rune(val)), nil
	case 'x':
		return p.hexEscape(2)
	case 'u':
		return p.hexEscape(4)
	case 'U':
		return p.hexEscape(8)
	case '\n':
		return "", nil // line continuation
	}
	// Python keeps unknown escapes as-is.
	return "\\" + string(c), nil
}

func (p *parser) hexEscape(digits int) (string, error) {
	if p.pos+digits > len(p.src) {
		return "", fmt.Errorf("truncated hex escape at offset %d", p.pos)
	}
	val, err := strconv.ParseUint(p.src[p.pos:p.pos+digits], 16, 32)
	if err != nil {
		return "", fmt.Errorf("bad hex escape at offset %d", p.pos)
	}
	p.pos += digits
	return string(rune(val)), nil
}

// scanRaw consumes an opaque expression until an unnested terminator,
// keeping bracket balance and skipping over string contents.
func (p *parser) scanRaw(terminators string) (*Node, error) {
	start := p.pos
	depth := 0
	for !p.eof() {
		c := p.cur()
		if depth == 0 && strings.IndexByte(terminators, c) >= 0 {
			break
		}
		switch c {
		case '\'', '"':
			if _, err := p.parseString(true); err != nil {
				return nil, err
			}
			continue
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced %q at offset %d", c, p.pos)
			}
		}
		p.pos++
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced expression starting at offset %d", start)
	}
	text := strings.TrimSpace(p.src[start:p.pos])
	if text == "" {
		return nil, fmt.Errorf("expected value at offset %d", start)
	}
	return NewRaw(text), nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
