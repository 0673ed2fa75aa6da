// Package export renders approval history for download.
package export

import (
	"fmt"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/pesio-ai/be-ex-approvals/internal/service"
)

const historySheet = "History"

var historyColumns = []string{"#", "Actioned at", "Step", "Actor", "Action", "Result", "Comment"}

// PersonNamer resolves a person id to a display name. Unknown ids are returned
// unchanged.
type PersonNamer func(id string) string

// HistoryXLSX writes the ledger of one document as a single-sheet workbook.
func HistoryXLSX(documentID string, entries []service.HistoryEntry, name PersonNamer) ([]byte, error) {
	if name == nil {
		name = func(id string) string { return id }
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), historySheet); err != nil {
		return nil, err
	}

	if err := f.SetCellValue(historySheet, "A1", "Document "+documentID); err != nil {
		return nil, err
	}

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E0E0E0"}, Pattern: 1},
	})
	for i, col := range historyColumns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 2)
		if err := f.SetCellValue(historySheet, cell, col); err != nil {
			return nil, err
		}
		_ = f.SetCellStyle(historySheet, cell, cell, headerStyle)
	}

	for i, e := range entries {
		step := ""
		if e.StepOrder != nil {
			step = strconv.Itoa(*e.StepOrder)
		}
		row := []any{
			i + 1,
			e.ActionedAt.Format("2006-01-02 15:04:05"),
			step,
			name(e.ActorID),
			e.Action,
			e.StatusName,
			e.Comment,
		}
		for col, v := range row {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+3)
			if err := f.SetCellValue(historySheet, cell, v); err != nil {
				return nil, fmt.Errorf("write %s: %w", cell, err)
			}
		}
	}

	for i := range historyColumns {
		col, _ := excelize.ColumnNumberToName(i + 1)
		width := 15.0
		if i == len(historyColumns)-1 {
			width = 40
		}
		_ = f.SetColWidth(historySheet, col, col, width)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// HistoryFilename is the download name of a document's history workbook.
func HistoryFilename(documentID string) string {
	return fmt.Sprintf("approval-history-%s.xlsx", documentID)
}
