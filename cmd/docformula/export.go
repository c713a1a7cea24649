package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/xuri/excelize/v2"

	"github.com/vogtb/go-docformula/packages/formula"
)

const (
	fieldsSheet   = "Fields"
	maxSheetName  = 31
	sheetNameBans = `:\/?*[]`
)

func runExport(cmd *cobra.Command, args []string) error {
	config, log, err := setup()
	if err != nil {
		return err
	}
	engine, err := openDocument(args[0], config, log)
	if err != nil {
		return err
	}

	book, err := exportWorkbook(engine)
	if err != nil {
		return err
	}
	defer book.Close()

	if err := book.SaveAs(outputPath); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d sheets)\n", outputPath, len(book.GetSheetList()))
	return nil
}

// exportWorkbook lays the engine's current values out as a workbook: one
// summary sheet of every field, then one sheet per table and chart field
func exportWorkbook(engine *formula.Engine) (*excelize.File, error) {
	book := excelize.NewFile()
	if err := book.SetSheetName("Sheet1", fieldsSheet); err != nil {
		return nil, err
	}
	if err := setRow(book, fieldsSheet, 1, []any{"Field", "Type", "Value", "State", "Formula"}); err != nil {
		return nil, err
	}

	used := map[string]bool{strings.ToLower(fieldsSheet): true}
	for i, key := range engine.Keys() {
		f, err := engine.GetField(key)
		if err != nil {
			return nil, err
		}
		v, err := engine.GetFieldValue(key)
		if err != nil {
			return nil, err
		}
		state, err := engine.FieldState(key)
		if err != nil {
			return nil, err
		}

		summary := cellValue(v)
		switch f.Kind {
		case formula.FieldTable, formula.FieldChart:
			name := sheetName(key, used)
			summary = fmt.Sprintf("%d entries, see sheet %s", v.Len(), name)
			if err := exportCollection(book, name, f, v); err != nil {
				return nil, err
			}
		}
		if err := setRow(book, fieldsSheet, i+2, []any{key, string(f.Kind), summary, state.String(), f.Formula}); err != nil {
			return nil, err
		}
	}
	return book, nil
}

func exportCollection(book *excelize.File, name string, f *formula.Field, v formula.Value) error {
	if _, err := book.NewSheet(name); err != nil {
		return err
	}
	items, _ := v.AsList()

	if f.Kind == formula.FieldTable && len(f.Columns) > 0 {
		header := make([]any, len(f.Columns))
		for i, col := range f.Columns {
			header[i] = col.Key()
		}
		if err := setRow(book, name, 1, header); err != nil {
			return err
		}
		for r, row := range items {
			cells := make([]any, len(f.Columns))
			for i, col := range f.Columns {
				cells[i] = cellValue(row.Get(col.Key()))
			}
			if err := setRow(book, name, r+2, cells); err != nil {
				return err
			}
		}
		return nil
	}

	if f.Kind == formula.FieldChart {
		if err := setRow(book, name, 1, []any{"Line", "Point", "X", "Y", "Label"}); err != nil {
			return err
		}
		r := 2
		for _, line := range items {
			points, _ := line.Get("points").AsList()
			for _, p := range points {
				cells := []any{
					cellValue(line.Get("title")),
					cellValue(p.Get("id")),
					cellValue(p.Get("x")),
					cellValue(p.Get("y")),
					cellValue(p.Get("label")),
				}
				if err := setRow(book, name, r, cells); err != nil {
					return err
				}
				r++
			}
		}
		return nil
	}

	// a computed collection without declared columns: one value per row
	for r, item := range items {
		if err := setRow(book, name, r+1, []any{cellValue(item)}); err != nil {
			return err
		}
	}
	return nil
}

func setRow(book *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return book.SetSheetRow(sheet, cell, &values)
}

// cellValue maps a value onto what a worksheet cell can hold
func cellValue(v formula.Value) any {
	switch v.Kind() {
	case formula.KindNull:
		return nil
	case formula.KindBool, formula.KindNumber, formula.KindString:
		return v.Native()
	}
	return v.String()
}

// sheetName derives a unique worksheet name from a field key
func sheetName(key string, used map[string]bool) string {
	base := strings.Map(func(r rune) rune {
		if strings.ContainsRune(sheetNameBans, r) {
			return '_'
		}
		return r
	}, key)
	if base == "" {
		base = "field"
	}
	if len([]rune(base)) > maxSheetName {
		base = string([]rune(base)[:maxSheetName])
	}

	name := base
	for n := 2; used[strings.ToLower(name)]; n++ {
		suffix := fmt.Sprintf("~%d", n)
		runes := []rune(base)
		if len(runes)+len(suffix) > maxSheetName {
			runes = runes[:maxSheetName-len(suffix)]
		}
		name = string(runes) + suffix
	}
	used[strings.ToLower(name)] = true
	return name
}
