package cot

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// Attr is a single ordered XML attribute.
type Attr struct {
	Name  string
	Value string
}

// Element is a mutable XML element tree used to assemble events before serialisation.
type Element struct {
	Name     string
	Attrs    []Attr
	Text     string
	Children []*Element
}

// NewElement constructs an element with optional attribute pairs (name, value, name, value...).
func NewElement(name string, pairs ...string) *Element {
	el := &Element{Name: name, Attrs: nil, Text: "", Children: nil}
	for i := 0; i+1 < len(pairs); i += 2 {
		el.Set(pairs[i], pairs[i+1])
	}
	return el
}

// Set assigns an attribute, replacing an existing value in place.
func (e *Element) Set(name, value string) *Element {
	for i := range e.Attrs {
		if e.Attrs[i].Name == name {
			e.Attrs[i].Value = value
			return e
		}
	}
	e.Attrs = append(e.Attrs, Attr{Name: name, Value: value})
	return e
}

// Attr returns the attribute value and whether it exists.
func (e *Element) Attr(name string) (string, bool) {
	for _, attr := range e.Attrs {
		if attr.Name == name {
			return attr.Value, true
		}
	}
	return "", false
}

// SetText replaces the character data of the element.
func (e *Element) SetText(text string) *Element {
	e.Text = text
	return e
}

// Add appends a child element and returns it.
func (e *Element) Add(child *Element) *Element {
	if child != nil {
		e.Children = append(e.Children, child)
	}
	return child
}

// Child returns the first direct child with the given name.
func (e *Element) Child(name string) *Element {
	for _, child := range e.Children {
		if child.Name == name {
			return child
		}
	}
	return nil
}

// MarshalXML implements xml.Marshaler preserving attribute and child order.
func (e *Element) MarshalXML(enc *xml.Encoder, _ xml.StartElement) error {
	start := xml.StartElement{Name: xml.Name{Space: "", Local: e.Name}, Attr: make([]xml.Attr, 0, len(e.Attrs))}
	for _, attr := range e.Attrs {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Space: "", Local: attr.Name}, Value: attr.Value})
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if e.Text != "" {
		if err := enc.EncodeToken(xml.CharData(e.Text)); err != nil {
			return err
		}
	}
	for _, child := range e.Children {
		if err := enc.EncodeElement(child, xml.StartElement{}); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

const xmlHeader = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>`

// Bytes serialises the element as a standalone XML document.
func (e *Element) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xmlHeader)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("serialise %s: %w", e.Name, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("serialise %s: %w", e.Name, err)
	}
	return buf.Bytes(), nil
}
