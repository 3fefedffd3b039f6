package extract_test

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"attribution-backend/internal/extract"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type sheetFixture struct {
	name string
	rows [][]any
}

func buildWorkbook(t *testing.T, sheets ...sheetFixture) []byte {
	t.Helper()

	f := excelize.NewFile()
	defer f.Close()

	for i, sheet := range sheets {
		if i == 0 {
			require.NoError(t, f.SetSheetName("Sheet1", sheet.name))
		} else {
			_, err := f.NewSheet(sheet.name)
			require.NoError(t, err)
		}
		for r, row := range sheet.rows {
			cell, err := excelize.CoordinatesToCellName(1, r+1)
			require.NoError(t, err)
			values := row
			require.NoError(t, f.SetSheetRow(sheet.name, cell, &values))
		}
	}

	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func hourlyRows(n int) [][]any {
	rows := [][]any{{"时段", "消耗", "GMV"}}
	for i := 0; i < n; i++ {
		rows = append(rows, []any{fmt.Sprintf("%02d:00", i), 100 + i, 250.5})
	}
	return rows
}

func TestExtractMatchesSheetByKeyword(t *testing.T) {
	data := buildWorkbook(t,
		sheetFixture{name: "7月1日-分时段数据", rows: hourlyRows(3)},
		sheetFixture{name: "汇总", rows: hourlyRows(5)},
	)

	bundle, err := extract.Extract(bytes.NewReader(data), extract.DefaultAliases)
	require.NoError(t, err)

	require.Len(t, bundle, 1)
	rows := bundle["分时段表现"]
	require.Len(t, rows, 3)

	assert.Equal(t, "00:00", rows[0]["时段"])
	assert.Equal(t, int64(100), rows[0]["消耗"])
	assert.Equal(t, 250.5, rows[0]["GMV"])
	assert.Equal(t, int64(102), rows[2]["消耗"])
}

func TestExtractTrimsSheetNames(t *testing.T) {
	data := buildWorkbook(t,
		sheetFixture{name: "素材-gmv max ", rows: hourlyRows(2)},
	)

	bundle, err := extract.Extract(bytes.NewReader(data), extract.DefaultAliases)
	require.NoError(t, err)
	assert.Len(t, bundle["素材GMV明细"], 2)
}

func TestExtractIsCaseSensitive(t *testing.T) {
	data := buildWorkbook(t,
		sheetFixture{name: "商品-GMV MAX", rows: hourlyRows(2)},
	)

	_, err := extract.Extract(bytes.NewReader(data), extract.DefaultAliases)

	var extractionErr *extract.ExtractionError
	require.ErrorAs(t, err, &extractionErr)
	assert.Equal(t, extract.NoMatch, extractionErr.Kind)
}

func TestExtractNoMatchRegardlessOfSheetCount(t *testing.T) {
	for _, count := range []int{1, 3, 8} {
		var sheets []sheetFixture
		for i := 0; i < count; i++ {
			sheets = append(sheets, sheetFixture{name: fmt.Sprintf("other-%d", i), rows: hourlyRows(1)})
		}

		_, err := extract.Extract(bytes.NewReader(buildWorkbook(t, sheets...)), extract.DefaultAliases)

		var extractionErr *extract.ExtractionError
		require.ErrorAs(t, err, &extractionErr, "sheet count %d", count)
		assert.Equal(t, extract.NoMatch, extractionErr.Kind)
		assert.Len(t, extractionErr.Sheets, count)
	}
}

func TestExtractUnreadable(t *testing.T) {
	_, err := extract.Extract(strings.NewReader("not a workbook"), extract.DefaultAliases)

	var extractionErr *extract.ExtractionError
	require.ErrorAs(t, err, &extractionErr)
	assert.Equal(t, extract.Unreadable, extractionErr.Kind)
}

func TestExtractLastMatchWinsPerAlias(t *testing.T) {
	aliases := extract.AliasMap{
		{Keyword: "数据", Alias: "data"},
		{Keyword: "素材", Alias: "creative"},
	}
	data := buildWorkbook(t,
		sheetFixture{name: "a-数据", rows: hourlyRows(1)},
		sheetFixture{name: "b-数据", rows: hourlyRows(4)},
		sheetFixture{name: "素材数据", rows: hourlyRows(2)},
	)

	bundle, err := extract.Extract(bytes.NewReader(data), aliases)
	require.NoError(t, err)

	// "素材数据" matches both keywords; it is the last sheet so it wins "data" too.
	assert.Len(t, bundle["data"], 2)
	assert.Len(t, bundle["creative"], 2)
}

func TestExtractHeaderEdgeCases(t *testing.T) {
	data := buildWorkbook(t,
		sheetFixture{name: "分时段数据", rows: [][]any{
			{"GMV", "", "GMV"},
			{1, 2, 3, 4},
			{nil, nil, nil},
			{"x"},
		}},
	)

	bundle, err := extract.Extract(bytes.NewReader(data), extract.DefaultAliases)
	require.NoError(t, err)

	rows := bundle["分时段表现"]
	require.Len(t, rows, 2)
	assert.Equal(t, extract.Row{"GMV": int64(1), "Unnamed: 1": int64(2), "GMV.1": int64(3), "Unnamed: 3": int64(4)}, rows[0])
	assert.Equal(t, "x", rows[1]["GMV"])
	assert.Nil(t, rows[1]["GMV.1"])
}

func TestRecordBundleJSON(t *testing.T) {
	bundle := extract.RecordBundle{
		"分时段表现": {{"GMV": int64(10), "备注": "<ok>"}},
	}

	out, err := bundle.JSON()
	require.NoError(t, err)
	assert.Equal(t, `{"分时段表现":[{"GMV":10,"备注":"<ok>"}]}`, out)
}

func TestLoadAliases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aliases.yaml")
	content := "sheets:\n  - keyword: 分时段数据\n    alias: hourly\n  - keyword: 素材\n    alias: creative\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	aliases, err := extract.LoadAliases(path)
	require.NoError(t, err)
	assert.Equal(t, extract.AliasMap{
		{Keyword: "分时段数据", Alias: "hourly"},
		{Keyword: "素材", Alias: "creative"},
	}, aliases)
}

func TestLoadAliasesRejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aliases.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sheets:\n  - keyword: \"\"\n    alias: x\n"), 0o644))

	_, err := extract.LoadAliases(path)
	assert.Error(t, err)
}

func TestExtractKeepsTextCellsVerbatim(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := "素材数据"
	require.NoError(t, f.SetSheetName("Sheet1", sheet))
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"素材ID", "消耗", "标记"}))
	require.NoError(t, f.SetCellStr(sheet, "A2", "00123"))
	require.NoError(t, f.SetCellInt(sheet, "B2", 123))
	require.NoError(t, f.SetCellStr(sheet, "C2", "TRUE"))
	require.NoError(t, f.SetCellBool(sheet, "C3", true))
	require.NoError(t, f.SetCellStr(sheet, "A3", "4.50"))
	require.NoError(t, f.SetCellFloat(sheet, "B3", 4.5, -1, 64))

	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	bundle, err := extract.Extract(bytes.NewReader(buf.Bytes()), extract.AliasMap{{Keyword: "素材", Alias: "creative"}})
	require.NoError(t, err)

	rows := bundle["creative"]
	require.Len(t, rows, 2)
	assert.Equal(t, "00123", rows[0]["素材ID"])
	assert.Equal(t, int64(123), rows[0]["消耗"])
	assert.Equal(t, "TRUE", rows[0]["标记"])
	assert.Equal(t, "4.50", rows[1]["素材ID"])
	assert.Equal(t, 4.5, rows[1]["消耗"])
	assert.Equal(t, true, rows[1]["标记"])
}
