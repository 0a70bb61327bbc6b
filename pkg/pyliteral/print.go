package pyliteral

import (
	"fmt"
	"strconv"
	"strings"
)

// String renders the node back to Python syntax. The output is normalized
// (canonical quoting and spacing), matching what the server itself writes
// when it re-saves an expression.
func (n *Node) String() string {
	var b strings.Builder
	n.write(&b)
	return b.String()
}

func (n *Node) write(b *strings.Builder) {
	if n == nil {
		b.WriteString("None")
		return
	}
	switch n.Kind {
	case KindString:
		writeQuoted(b, n.Str)
	case KindInt:
		b.WriteString(strconv.FormatInt(n.Int, 10))
	case KindFloat:
		s := strconv.FormatFloat(n.Float, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		b.WriteString(s)
	case KindBool:
		if n.Bool {
			b.WriteString("True")
		} else {
			b.WriteString("False")
		}
	case KindNone:
		b.WriteString("None")
	case KindList:
		b.WriteByte('[')
		for i, item := range n.Items {
			if i > 0 {
				b.WriteString(", ")
			}
			item.write(b)
		}
		b.WriteByte(']')
	case KindTuple:
		b.WriteByte('(')
		for i, item := range n.Items {
			if i > 0 {
				b.WriteString(", ")
			}
			item.write(b)
		}
		if len(n.Items) == 1 {
			b.WriteByte(',')
		}
		b.WriteByte(')')
	case KindDict:
		b.WriteByte('{')
		for i := range n.Keys {
			if i > 0 {
				b.WriteString(", ")
			}
			n.Keys[i].write(b)
			b.WriteString(": ")
			n.Vals[i].write(b)
		}
		b.WriteByte('}')
	case KindRaw:
		b.WriteString(n.Str)
	default:
		b.WriteString(fmt.Sprintf("<invalid %d>", n.Kind))
	}
}

func writeQuoted(b *strings.Builder, s string) {
	quote := byte('\'')
	if strings.ContainsRune(s, '\'') && !strings.ContainsRune(s, '"') {
		quote = '"'
	}
	b.WriteByte(quote)
	for _, r := range s {
		switch {
		case r == rune(quote):
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == '\\':
			b.WriteString(`\\`)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r < 0x20:
			fmt.Fprintf(b, `\x%02x`, r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte(quote)
}
