package export

import (
	"fmt"
	"strconv"

	"github.com/xuri/excelize/v2"
)

const (
	sheetMapa   = "Mapa"
	sheetVistos = "Vistos"
)

func renderXLSX(sheet Sheet) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetMapa); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	header, err := f.NewStyle(&excelize.Style{
		Font:   &excelize.Font{Bold: true, Size: 11},
		Fill:   excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#D9E1F2"}},
		Border: []excelize.Border{{Type: "bottom", Color: "000000", Style: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("header style: %w", err)
	}
	signed, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#EEF7EE"}},
	})
	if err != nil {
		return nil, fmt.Errorf("signed style: %w", err)
	}

	if err := writeHeader(f, sheetMapa, sheet.Columns, header); err != nil {
		return nil, err
	}
	lastCol, _ := excelize.ColumnNumberToName(len(sheet.Columns))
	for i, row := range sheet.Rows {
		cells := make([]interface{}, len(row.Cells))
		for j, c := range row.Cells {
			cells[j] = c
		}
		line := i + 2
		if err := f.SetSheetRow(sheetMapa, "A"+strconv.Itoa(line), &cells); err != nil {
			return nil, fmt.Errorf("write row %d: %w", row.RowID, err)
		}
		if signedRow(row) {
			_ = f.SetCellStyle(sheetMapa, "A"+strconv.Itoa(line), lastCol+strconv.Itoa(line), signed)
		}
	}
	_ = f.SetColWidth(sheetMapa, "A", lastCol, 14)

	if len(sheet.Vistos) > 0 {
		if _, err := f.NewSheet(sheetVistos); err != nil {
			return nil, fmt.Errorf("new sheet: %w", err)
		}
		if err := writeHeader(f, sheetVistos, []string{"Resultado", "Valor", "Supervisor", "Data"}, header); err != nil {
			return nil, err
		}
		for i, v := range sheet.Vistos {
			line := strconv.Itoa(i + 2)
			_ = f.SetCellValue(sheetVistos, "A"+line, v.RowID)
			_ = f.SetCellValue(sheetVistos, "B"+line, v.Resultado)
			_ = f.SetCellValue(sheetVistos, "C"+line, v.UserVistoNome)
			_ = f.SetCellValue(sheetVistos, "D"+line, v.CreatedAt.Format("2006-01-02 15:04"))
		}
		_ = f.SetColWidth(sheetVistos, "A", "D", 18)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write xlsx: %w", err)
	}
	return buf.Bytes(), nil
}

func writeHeader(f *excelize.File, sheet string, columns []string, style int) error {
	for i, h := range columns {
		col, _ := excelize.ColumnNumberToName(i + 1)
		cell := col + "1"
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return fmt.Errorf("write header %s: %w", cell, err)
		}
		_ = f.SetCellStyle(sheet, cell, cell, style)
	}
	return nil
}
