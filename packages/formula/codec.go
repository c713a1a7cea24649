package formula

import (
	"bytes"
	"io"
	"reflect"

	"github.com/klauspost/compress/zstd"
	"github.com/ugorji/go/codec"
)

// zstdMagic starts every zstd frame
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

func jsonHandle() *codec.JsonHandle {
	h := &codec.JsonHandle{}
	h.MapType = reflect.TypeOf(map[string]interface{}(nil))
	h.Canonical = true
	return h
}

// DecodeRaw parses document JSON into plain data. zstd-compressed input is
// detected by its frame magic and decompressed first.
func DecodeRaw(data []byte) (map[string]any, error) {
	data, err := Decompress(data)
	if err != nil {
		return nil, err
	}
	var raw map[string]interface{}
	if err := codec.NewDecoderBytes(data, jsonHandle()).Decode(&raw); err != nil {
		return nil, SchemaValidationError.Wrap(err, WithCode(CodeSchemaValidation))
	}
	if raw == nil {
		return nil, SchemaValidationError.NewWith("document is empty", WithCode(CodeSchemaValidation))
	}
	return raw, nil
}

// DecodeDocument parses document JSON without running the schema gate
func DecodeDocument(data []byte) (*Document, error) {
	raw, err := DecodeRaw(data)
	if err != nil {
		return nil, err
	}
	return DocumentFromRaw(raw), nil
}

// Decompress returns data unchanged unless it is a zstd frame
func Decompress(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, zstdMagic) {
		return data, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}

// Compress wraps w so everything written to it is zstd-compressed. the
// returned writer must be closed to flush the frame.
func Compress(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w)
}

// EncodeDocument writes the document as indented JSON
func EncodeDocument(w io.Writer, doc *Document) error {
	h := jsonHandle()
	h.Indent = 2
	return codec.NewEncoder(w, h).Encode(doc.ToRaw())
}

// DocumentFromRaw builds a document from decoded JSON. values keep their
// raw shape where the structure is unexpected; the schema gate is the
// place that rejects malformed documents.
func DocumentFromRaw(raw map[string]any) *Document {
	doc := &Document{
		Version:    textOf(raw["v"]),
		Identifier: textOf(raw["identifier"]),
		Name:       textOf(raw["name"]),
		extra:      make(map[string]any),
	}
	for k, v := range raw {
		switch k {
		case "v", "identifier", "name", "formulas", "fields":
		default:
			doc.extra[k] = v
		}
	}

	expressions := make(map[string]string)
	for _, item := range listOf(raw["formulas"]) {
		m := mapOf(item)
		def := FormulaDef{
			ID:          textOf(m["_id"]),
			Description: textOf(m["desc"]),
			Type:        textOf(m["type"]),
			Scope:       textOf(m["scope"]),
			Expression:  textOf(m["expression"]),
		}
		doc.Formulas = append(doc.Formulas, def)
		expressions[def.ID] = def.Expression
	}

	for _, item := range listOf(raw["fields"]) {
		if m := mapOf(item); m != nil {
			doc.Fields = append(doc.Fields, fieldFromRaw(m, expressions))
		}
	}
	doc.ensureIDs()
	return doc
}

func fieldFromRaw(m map[string]any, expressions map[string]string) *Field {
	f := &Field{
		ID:         textOf(m["_id"]),
		Identifier: textOf(m["identifier"]),
		Name:       textOf(m["title"]),
		Kind:       FieldKind(textOf(m["type"])),
		Formula:    textOf(m["formula"]),
		extra:      make(map[string]any),
	}
	for k, v := range m {
		switch k {
		case "_id", "identifier", "title", "type", "formula", "formulas", "options", "tableColumns", "value":
		default:
			f.extra[k] = v
		}
	}

	for _, item := range listOf(m["formulas"]) {
		applied := mapOf(item)
		if key := textOf(applied["key"]); key != "" && key != "value" {
			continue
		}
		f.FormulaRef = textOf(applied["formula"])
		if f.Formula == "" {
			f.Formula = expressions[f.FormulaRef]
		}
		break
	}

	f.Options = optionsFromRaw(m["options"])
	for _, item := range listOf(m["tableColumns"]) {
		c := mapOf(item)
		f.Columns = append(f.Columns, Column{
			ID:         textOf(c["_id"]),
			Identifier: textOf(c["identifier"]),
			Kind:       FieldKind(textOf(c["type"])),
			Options:    optionsFromRaw(c["options"]),
		})
	}

	value := m["value"]
	switch {
	case f.Kind == FieldTable && isList(value):
		f.Table = rowsFromRaw(value)
	case f.Kind == FieldChart && isList(value):
		f.Chart = linesFromRaw(value)
	default:
		f.Value = FromNative(value)
	}
	return f
}

// rowsFromRaw decodes a list of {_id, cells, deleted} objects
func rowsFromRaw(value any) []Row {
	items := listOf(value)
	rows := make([]Row, 0, len(items))
	for _, item := range items {
		r := mapOf(item)
		row := Row{
			ID:      textOf(r["_id"]),
			Cells:   make(map[string]Value),
			Deleted: r["deleted"] == true,
		}
		for col, cell := range mapOf(r["cells"]) {
			row.Cells[col] = FromNative(cell)
		}
		rows = append(rows, row)
	}
	return rows
}

// linesFromRaw decodes a list of chart line objects
func linesFromRaw(value any) []Line {
	items := listOf(value)
	lines := make([]Line, 0, len(items))
	for _, item := range items {
		l := mapOf(item)
		line := Line{
			ID:          textOf(l["_id"]),
			Title:       textOf(l["title"]),
			Description: textOf(l["description"]),
		}
		for _, p := range listOf(l["points"]) {
			pm := mapOf(p)
			x, _ := toNumber(FromNative(pm["x"]))
			y, _ := toNumber(FromNative(pm["y"]))
			line.Points = append(line.Points, Point{
				ID:    textOf(pm["_id"]),
				X:     x,
				Y:     y,
				Label: textOf(pm["label"]),
			})
		}
		lines = append(lines, line)
	}
	return lines
}

func optionsFromRaw(x any) []Choice {
	var out []Choice
	for _, item := range listOf(x) {
		o := mapOf(item)
		out = append(out, Choice{ID: textOf(o["_id"]), Label: textOf(o["value"])})
	}
	return out
}

// ToRaw converts the document back into plain data for encoding. computed
// formula values are written into each field's value.
func (d *Document) ToRaw() map[string]any {
	raw := make(map[string]any, len(d.extra)+5)
	for k, v := range d.extra {
		raw[k] = v
	}
	if d.Version != "" {
		raw["v"] = d.Version
	}
	if d.Identifier != "" {
		raw["identifier"] = d.Identifier
	}
	if d.Name != "" {
		raw["name"] = d.Name
	}
	if len(d.Formulas) > 0 {
		formulas := make([]any, len(d.Formulas))
		for i, def := range d.Formulas {
			formulas[i] = map[string]any{
				"_id":        def.ID,
				"desc":       def.Description,
				"type":       def.Type,
				"scope":      def.Scope,
				"expression": def.Expression,
			}
		}
		raw["formulas"] = formulas
	}
	fields := make([]any, len(d.Fields))
	for i, f := range d.Fields {
		fields[i] = f.toRaw()
	}
	raw["fields"] = fields
	return raw
}

func (f *Field) toRaw() map[string]any {
	m := make(map[string]any, len(f.extra)+8)
	for k, v := range f.extra {
		m[k] = v
	}
	if f.ID != "" {
		m["_id"] = f.ID
	}
	if f.Identifier != "" {
		m["identifier"] = f.Identifier
	}
	if f.Name != "" {
		m["title"] = f.Name
	}
	m["type"] = string(f.Kind)

	switch {
	case f.FormulaRef != "":
		m["formulas"] = []any{map[string]any{"key": "value", "formula": f.FormulaRef}}
	case f.Formula != "":
		m["formula"] = f.Formula
	}
	if len(f.Options) > 0 {
		m["options"] = optionsToRaw(f.Options)
	}
	if len(f.Columns) > 0 {
		cols := make([]any, len(f.Columns))
		for i, col := range f.Columns {
			c := map[string]any{"_id": col.ID, "type": string(col.Kind)}
			if col.Identifier != "" {
				c["identifier"] = col.Identifier
			}
			if len(col.Options) > 0 {
				c["options"] = optionsToRaw(col.Options)
			}
			cols[i] = c
		}
		m["tableColumns"] = cols
	}

	switch {
	case f.Table != nil:
		rows := make([]any, len(f.Table))
		for i, row := range f.Table {
			cells := make(map[string]any, len(row.Cells))
			for col, v := range row.Cells {
				cells[col] = v.Native()
			}
			rows[i] = map[string]any{"_id": row.ID, "cells": cells, "deleted": row.Deleted}
		}
		m["value"] = rows
	case f.Chart != nil:
		lines := make([]any, len(f.Chart))
		for i, line := range f.Chart {
			points := make([]any, len(line.Points))
			for j, p := range line.Points {
				points[j] = map[string]any{
					"_id":   p.ID,
					"x":     Number(p.X).Native(),
					"y":     Number(p.Y).Native(),
					"label": p.Label,
				}
			}
			lines[i] = map[string]any{
				"_id":         line.ID,
				"title":       line.Title,
				"description": line.Description,
				"points":      points,
			}
		}
		m["value"] = lines
	default:
		m["value"] = f.Value.Native()
	}
	return m
}

func optionsToRaw(options []Choice) []any {
	out := make([]any, len(options))
	for i, o := range options {
		out[i] = map[string]any{"_id": o.ID, "value": o.Label}
	}
	return out
}

// textOf renders a scalar as text. numbers use the canonical form.
func textOf(x any) string {
	switch t := x.(type) {
	case nil:
		return ""
	case string:
		return t
	}
	return Stringify(FromNative(x))
}

func listOf(x any) []any {
	list, _ := x.([]any)
	return list
}

func isList(x any) bool {
	_, ok := x.([]any)
	return ok
}

func mapOf(x any) map[string]any {
	switch t := x.(type) {
	case map[string]any:
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			out[textOf(k)] = v
		}
		return out
	}
	return nil
}
