package analytics

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/leadflow/internal/model"
)

func sampleReport() *Report {
	return &Report{
		Window:      window,
		GeneratedAt: t0,
		Content: []ContentRow{
			{
				ContentID: "c1", Channel: "linkedin", Title: "Pricing, teardown", PublishedAt: t0,
				Views: 40, Engagements: 10,
				EngagementRate: Known(0.25), AttributedInquiries: Known(0.75),
				InquiryConversionRate: Known(0.075), Revenue: Known(37500),
			},
			{ContentID: "c3", Channel: "newsletter", PublishedAt: t0},
		},
		Winners: []VariantWin{
			{ExperimentID: "exp_hook", Metric: model.MetricEngagementRate, Variant: "short", Control: "long",
				Lift: 0.5, EffectSize: 0.05, PValue: 0.001, SampleSize: 500, Features: []string{"short_hook", "question_close"}},
		},
		Recommendations: []FeatureRecommendation{
			{Rank: 1, Feature: "question_close", Wins: 1, MeanLift: 0.5, Experiments: []string{"exp_hook"}},
		},
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		format, path string
		want         Format
		wantErr      bool
	}{
		{"", "out/report.csv", FormatCSV, false},
		{"", "report.XLSX", FormatXLSX, false},
		{"", "report", FormatJSON, false},
		{"json", "report.csv", FormatJSON, false},
		{"pdf", "", "", true},
		{"", "report.txt", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.format, tt.path)
		if tt.wantErr {
			assert.Error(t, err, tt.format+tt.path)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleReport()))
	out := buf.String()

	r := csv.NewReader(strings.NewReader(out))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	require.NoError(t, err)

	// Blank separator lines are skipped by the reader.
	require.Len(t, records, 7)
	assert.Equal(t, contentColumns, records[0])
	assert.Equal(t, "Pricing, teardown", records[1][2])
	assert.Equal(t, "0.2500", records[1][8])
	assert.Equal(t, "37500.00", records[1][11])
	assert.Equal(t, InsufficientData, records[2][8])
	assert.Equal(t, InsufficientData, records[2][11])
	assert.Equal(t, "0", records[2][6])

	assert.Equal(t, winnerColumns, records[3])
	assert.Equal(t, "short", records[4][2])
	assert.Equal(t, "short_hook;question_close", records[4][8])

	assert.Equal(t, recommendationColumns, records[5])
	assert.Equal(t, []string{"1", "question_close", "1", "0.5000", "exp_hook"}, records[6])

	assert.Contains(t, out, "\n\n", "sections are separated by a blank line")
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, sampleReport()))

	var raw struct {
		Content []map[string]any `json:"content"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &raw))
	require.Len(t, raw.Content, 2)
	assert.Equal(t, 0.25, raw.Content[0]["engagement_rate"])
	assert.Equal(t, InsufficientData, raw.Content[1]["engagement_rate"])
	assert.Equal(t, InsufficientData, raw.Content[1]["revenue"])

	var back Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &back))
	assert.False(t, back.Content[1].Revenue.Valid())
	assert.Equal(t, 37500.0, *back.Content[0].Revenue.Value)
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, sampleReport()))

	f, err := xlsx.OpenBinary(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, f.Sheets, 3)

	content := f.Sheet["Content"]
	require.NotNil(t, content)
	require.Len(t, content.Rows, 3)
	assert.Equal(t, "content_id", content.Rows[0].Cells[0].String())
	assert.Equal(t, "c1", content.Rows[1].Cells[0].String())

	rate, err := content.Rows[1].Cells[8].Float()
	require.NoError(t, err)
	assert.InDelta(t, 0.25, rate, 1e-12)
	assert.Equal(t, InsufficientData, content.Rows[2].Cells[8].String())

	winners := f.Sheet["Winners"]
	require.NotNil(t, winners)
	require.Len(t, winners.Rows, 2)
	assert.Equal(t, "exp_hook", winners.Rows[1].Cells[0].String())

	recs := f.Sheet["Recommendations"]
	require.NotNil(t, recs)
	assert.Equal(t, "question_close", recs.Rows[1].Cells[1].String())
}

func TestExport_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, Export(sampleReport(), path, FormatJSON))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rep Report
	require.NoError(t, json.Unmarshal(data, &rep))
	assert.Equal(t, "c1", rep.Content[0].ContentID)
	assert.True(t, rep.GeneratedAt.Equal(t0))
	assert.WithinDuration(t, window.To, rep.Window.To, time.Second)
}
