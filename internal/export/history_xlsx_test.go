package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/pesio-ai/be-ex-approvals/internal/repository"
	"github.com/pesio-ai/be-ex-approvals/internal/service"
)

func TestHistoryXLSX(t *testing.T) {
	order := 1
	at := time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)
	entries := []service.HistoryEntry{
		{
			LedgerEntry: repository.LedgerEntry{ActorID: "app", Action: "submit", ResultStatus: "SUB", ActionedAt: at, StepOrder: &order},
			StatusName:  "Submitted",
		},
		{
			LedgerEntry: repository.LedgerEntry{ActorID: "A", Action: "approve", ResultStatus: "APP", Comment: "ok", ActionedAt: at.Add(time.Hour), StepOrder: &order},
			StatusName:  "In review",
		},
	}
	names := map[string]string{"A": "Approver A"}

	data, err := HistoryXLSX("doc-1", entries, func(id string) string {
		if n, ok := names[id]; ok {
			return n
		}
		return id
	})
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{historySheet}, f.GetSheetList())
	rows, err := f.GetRows(historySheet)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "Document doc-1", rows[0][0])
	assert.Equal(t, historyColumns, rows[1])
	assert.Equal(t, "app", rows[2][3])
	assert.Equal(t, "Approver A", rows[3][3])
	assert.Equal(t, "In review", rows[3][5])
	assert.Equal(t, "ok", rows[3][6])
}

func TestHistoryFilename(t *testing.T) {
	assert.Equal(t, "approval-history-doc-9.xlsx", HistoryFilename("doc-9"))
}
