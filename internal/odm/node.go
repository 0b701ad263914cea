// Package odm projects simulator state into CDISC ODM 1.3 documents. Every
// document is built as a Node tree and serialized by one writer.
package odm

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// Declaration is written before every document root.
const Declaration = `<?xml version="1.0" encoding="utf-8"?>` + "\n"

// Attr is one attribute in document order.
type Attr struct {
	Name  string
	Value string
}

// Node is an element with ordered attributes, optional character data and
// child elements.
type Node struct {
	Name     string
	Attrs    []Attr
	Text     string
	Children []*Node
}

// El builds an element from name/value attribute pairs. A trailing odd name
// is ignored.
func El(name string, attrs ...string) *Node {
	n := &Node{Name: name}
	for i := 0; i+1 < len(attrs); i += 2 {
		n.Attrs = append(n.Attrs, Attr{Name: attrs[i], Value: attrs[i+1]})
	}
	return n
}

// Attr appends an attribute and returns the node for chaining.
func (n *Node) Attr(name, value string) *Node {
	n.Attrs = append(n.Attrs, Attr{Name: name, Value: value})
	return n
}

// Add appends children, skipping nil nodes.
func (n *Node) Add(children ...*Node) *Node {
	for _, c := range children {
		if c != nil {
			n.Children = append(n.Children, c)
		}
	}
	return n
}

// WithText sets character data.
func (n *Node) WithText(text string) *Node {
	n.Text = text
	return n
}

// Lookup returns the value of a named attribute.
func (n *Node) Lookup(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// Find returns the first descendant (depth first) with the given name.
func (n *Node) Find(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
		if found := c.Find(name); found != nil {
			return found
		}
	}
	return nil
}

// FindAll returns every descendant with the given name in document order.
func (n *Node) FindAll(name string) []*Node {
	var out []*Node
	for _, c := range n.Children {
		if c.Name == name {
			out = append(out, c)
		}
		out = append(out, c.FindAll(name)...)
	}
	return out
}

// Encode writes the declaration and the indented tree to w. Elements with
// neither text nor children are written self-closing.
func Encode(w io.Writer, root *Node) error {
	if root == nil {
		return fmt.Errorf("odm: nil document")
	}
	var buf bytes.Buffer
	buf.WriteString(Declaration)
	if err := write(&buf, root, 0); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

// Marshal encodes root into a byte slice.
func Marshal(root *Node) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, root); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const indent = "  "

func write(buf *bytes.Buffer, n *Node, depth int) error {
	if n.Name == "" {
		return fmt.Errorf("odm: element without a name at depth %d", depth)
	}
	if depth > 0 {
		buf.WriteByte('\n')
	}
	buf.WriteString(strings.Repeat(indent, depth))
	buf.WriteByte('<')
	buf.WriteString(n.Name)
	for _, a := range n.Attrs {
		if a.Name == "" {
			return fmt.Errorf("odm: %s has an attribute without a name", n.Name)
		}
		buf.WriteByte(' ')
		buf.WriteString(a.Name)
		buf.WriteString(`="`)
		if err := xml.EscapeText(buf, []byte(a.Value)); err != nil {
			return fmt.Errorf("odm: encode %s@%s: %w", n.Name, a.Name, err)
		}
		buf.WriteByte('"')
	}
	if n.Text == "" && len(n.Children) == 0 {
		buf.WriteString("/>")
		return nil
	}
	buf.WriteByte('>')
	if err := xml.EscapeText(buf, []byte(n.Text)); err != nil {
		return fmt.Errorf("odm: encode %s: %w", n.Name, err)
	}
	for _, c := range n.Children {
		if err := write(buf, c, depth+1); err != nil {
			return err
		}
	}
	if len(n.Children) > 0 {
		buf.WriteByte('\n')
		buf.WriteString(strings.Repeat(indent, depth))
	}
	buf.WriteString("</")
	buf.WriteString(n.Name)
	buf.WriteByte('>')
	return nil
}
