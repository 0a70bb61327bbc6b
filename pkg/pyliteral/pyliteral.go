// Package pyliteral parses and re-renders the Python-literal expressions
// the framework stores in text columns: filter domains, context dicts,
// server-action references. Values that are not plain literals (identifiers,
// calls, arithmetic) are kept as opaque raw spans that print back exactly as
// found, so rewriting one key of a context never mangles the rest.
package pyliteral

import "fmt"

// Kind discriminates Node variants.
type Kind int

const (
	KindInvalid Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindNone
	KindList
	KindTuple
	KindDict
	KindRaw // unparsed expression span, reprinted verbatim
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindNone:
		return "None"
	case KindList:
		return "list"
	case KindTuple:
		return "tuple"
	case KindDict:
		return "dict"
	case KindRaw:
		return "raw"
	}
	return "invalid"
}

// Node is one value in a parsed expression tree.
type Node struct {
	Kind  Kind
	Str   string  // KindString value, or KindRaw source text
	Int   int64   // KindInt
	Float float64 // KindFloat
	Bool  bool    // KindBool
	Items []*Node // KindList, KindTuple elements
	Keys  []*Node // KindDict keys, in source order
	Vals  []*Node // KindDict values, parallel to Keys
}

func NewString(s string) *Node  { return &Node{Kind: KindString, Str: s} }
func NewInt(i int64) *Node      { return &Node{Kind: KindInt, Int: i} }
func NewFloat(f float64) *Node  { return &Node{Kind: KindFloat, Float: f} }
func NewBool(b bool) *Node      { return &Node{Kind: KindBool, Bool: b} }
func NewNone() *Node            { return &Node{Kind: KindNone} }
func NewRaw(src string) *Node   { return &Node{Kind: KindRaw, Str: src} }
func NewList(items ...*Node) *Node {
	return &Node{Kind: KindList, Items: items}
}
func NewTuple(items ...*Node) *Node {
	return &Node{Kind: KindTuple, Items: items}
}
func NewDict() *Node { return &Node{Kind: KindDict} }

// IsString reports whether n is the string literal s.
func (n *Node) IsString(s string) bool {
	return n != nil && n.Kind == KindString && n.Str == s
}

// IsSequence reports whether n is a list or tuple.
func (n *Node) IsSequence() bool {
	return n != nil && (n.Kind == KindList || n.Kind == KindTuple)
}

// Truthy follows Python truthiness for literal kinds. Raw spans count as
// truthy, the conservative reading for guard positions.
func (n *Node) Truthy() bool {
	if n == nil {
		return false
	}
	switch n.Kind {
	case KindString:
		return n.Str != ""
	case KindInt:
		return n.Int != 0
	case KindFloat:
		return n.Float != 0
	case KindBool:
		return n.Bool
	case KindNone:
		return false
	case KindList, KindTuple:
		return len(n.Items) > 0
	case KindDict:
		return len(n.Keys) > 0
	}
	return true
}

// Get returns the value stored under a string key of a dict, or nil.
func (n *Node) Get(key string) *Node {
	if n == nil || n.Kind != KindDict {
		return nil
	}
	for i, k := range n.Keys {
		if k.IsString(key) {
			return n.Vals[i]
		}
	}
	return nil
}

// Set stores value under a string key, replacing an existing entry.
func (n *Node) Set(key string, value *Node) {
	if n.Kind != KindDict {
		panic(fmt.Sprintf("Set on %s node", n.Kind))
	}
	for i, k := range n.Keys {
		if k.IsString(key) {
			n.Vals[i] = value
			return
		}
	}
	n.Keys = append(n.Keys, NewString(key))
	n.Vals = append(n.Vals, value)
}

// Delete removes a string key from a dict and reports whether it was there.
func (n *Node) Delete(key string) bool {
	if n == nil || n.Kind != KindDict {
		return false
	}
	for i, k := range n.Keys {
		if k.IsString(key) {
			n.Keys = append(n.Keys[:i], n.Keys[i+1:]...)
			n.Vals = append(n.Vals[:i], n.Vals[i+1:]...)
			return true
		}
	}
	return false
}

// Clone deep-copies the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Items != nil {
		c.Items = make([]*Node, len(n.Items))
		for i, it := range n.Items {
			c.Items[i] = it.Clone()
		}
	}
	if n.Keys != nil {
		c.Keys = make([]*Node, len(n.Keys))
		c.Vals = make([]*Node, len(n.Vals))
		for i := range n.Keys {
			c.Keys[i] = n.Keys[i].Clone()
			c.Vals[i] = n.Vals[i].Clone()
		}
	}
	return &c
}
