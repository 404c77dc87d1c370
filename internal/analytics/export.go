package analytics

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// Format is a report export format.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat resolves an explicit format, or infers one from path.
func ParseFormat(format, path string) (Format, error) {
	f := strings.ToLower(strings.TrimSpace(format))
	if f == "" {
		f = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}
	switch Format(f) {
	case FormatJSON, FormatCSV, FormatXLSX:
		return Format(f), nil
	case "":
		return FormatJSON, nil
	default:
		return "", eris.Errorf("analytics: unknown export format %q (want json, csv or xlsx)", f)
	}
}

var contentColumns = []string{
	"content_id",
	"channel",
	"title",
	"publish_ts",
	"experiment_id",
	"variant",
	"views",
	"engagements",
	"engagement_rate",
	"attributed_inquiries",
	"inquiry_conversion_rate",
	"revenue",
}

var winnerColumns = []string{
	"experiment_id",
	"metric",
	"variant",
	"control",
	"lift",
	"effect_size",
	"p_value",
	"sample_size",
	"features",
}

var recommendationColumns = []string{
	"rank",
	"feature",
	"wins",
	"mean_lift",
	"experiments",
}

func contentRecord(r ContentRow) []string {
	return []string{
		r.ContentID,
		r.Channel,
		r.Title,
		r.PublishedAt.Format(time.RFC3339),
		r.ExperimentID,
		r.Variant,
		strconv.Itoa(r.Views),
		strconv.Itoa(r.Engagements),
		r.EngagementRate.Format(4),
		r.AttributedInquiries.Format(4),
		r.InquiryConversionRate.Format(4),
		r.Revenue.Format(2),
	}
}

func winnerRecord(w VariantWin) []string {
	return []string{
		w.ExperimentID,
		string(w.Metric),
		w.Variant,
		w.Control,
		strconv.FormatFloat(w.Lift, 'f', 4, 64),
		strconv.FormatFloat(w.EffectSize, 'f', 6, 64),
		strconv.FormatFloat(w.PValue, 'g', 4, 64),
		strconv.Itoa(w.SampleSize),
		strings.Join(w.Features, ";"),
	}
}

func recommendationRecord(r FeatureRecommendation) []string {
	return []string{
		strconv.Itoa(r.Rank),
		r.Feature,
		strconv.Itoa(r.Wins),
		strconv.FormatFloat(r.MeanLift, 'f', 4, 64),
		strings.Join(r.Experiments, ";"),
	}
}

// WriteJSON writes the report as indented JSON.
func WriteJSON(w io.Writer, rep *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(rep), "analytics: encode json")
}

// WriteCSV writes the content table, then the winners and recommendations
// tables, each with its own header and separated by a blank line.
func WriteCSV(w io.Writer, rep *Report) error {
	cw := csv.NewWriter(w)

	sections := []struct {
		header []string
		rows   [][]string
	}{
		{contentColumns, mapRows(rep.Content, contentRecord)},
		{winnerColumns, mapRows(rep.Winners, winnerRecord)},
		{recommendationColumns, mapRows(rep.Recommendations, recommendationRecord)},
	}
	for i, s := range sections {
		if i > 0 {
			if err := cw.Write(nil); err != nil {
				return eris.Wrap(err, "analytics: write csv separator")
			}
		}
		if err := cw.Write(s.header); err != nil {
			return eris.Wrap(err, "analytics: write csv header")
		}
		if err := cw.WriteAll(s.rows); err != nil {
			return eris.Wrap(err, "analytics: write csv rows")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "analytics: flush csv")
}

// WriteXLSX writes one sheet per table. Known metrics are numeric cells;
// missing ones are the text "insufficient data".
func WriteXLSX(w io.Writer, rep *Report) error {
	f := xlsx.NewFile()

	sheet, err := f.AddSheet("Content")
	if err != nil {
		return eris.Wrap(err, "analytics: add content sheet")
	}
	addHeader(sheet, contentColumns)
	for _, r := range rep.Content {
		row := sheet.AddRow()
		for _, s := range []string{r.ContentID, r.Channel, r.Title, r.PublishedAt.Format(time.RFC3339), r.ExperimentID, r.Variant} {
			row.AddCell().SetString(s)
		}
		row.AddCell().SetInt(r.Views)
		row.AddCell().SetInt(r.Engagements)
		for _, m := range []Metric{r.EngagementRate, r.AttributedInquiries, r.InquiryConversionRate, r.Revenue} {
			metricCell(row.AddCell(), m)
		}
	}

	sheet, err = f.AddSheet("Winners")
	if err != nil {
		return eris.Wrap(err, "analytics: add winners sheet")
	}
	addHeader(sheet, winnerColumns)
	for _, win := range rep.Winners {
		row := sheet.AddRow()
		for _, s := range []string{win.ExperimentID, string(win.Metric), win.Variant, win.Control} {
			row.AddCell().SetString(s)
		}
		row.AddCell().SetFloat(win.Lift)
		row.AddCell().SetFloat(win.EffectSize)
		row.AddCell().SetFloat(win.PValue)
		row.AddCell().SetInt(win.SampleSize)
		row.AddCell().SetString(strings.Join(win.Features, ";"))
	}

	sheet, err = f.AddSheet("Recommendations")
	if err != nil {
		return eris.Wrap(err, "analytics: add recommendations sheet")
	}
	addHeader(sheet, recommendationColumns)
	for _, rec := range rep.Recommendations {
		row := sheet.AddRow()
		row.AddCell().SetInt(rec.Rank)
		row.AddCell().SetString(rec.Feature)
		row.AddCell().SetInt(rec.Wins)
		row.AddCell().SetFloat(rec.MeanLift)
		row.AddCell().SetString(strings.Join(rec.Experiments, ";"))
	}

	return eris.Wrap(f.Write(w), "analytics: write xlsx")
}

// Export writes rep to path in the given format.
func Export(rep *Report, path string, format Format) error {
	out, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "analytics: create %s", path)
	}
	defer out.Close() //nolint:errcheck

	switch format {
	case FormatCSV:
		err = WriteCSV(out, rep)
	case FormatXLSX:
		err = WriteXLSX(out, rep)
	default:
		err = WriteJSON(out, rep)
	}
	if err != nil {
		return err
	}
	return eris.Wrapf(out.Close(), "analytics: close %s", path)
}

func addHeader(sheet *xlsx.Sheet, cols []string) {
	row := sheet.AddRow()
	for _, c := range cols {
		row.AddCell().SetString(c)
	}
}

func metricCell(cell *xlsx.Cell, m Metric) {
	if v, ok := m.Float(); ok {
		cell.SetFloat(v)
		return
	}
	cell.SetString(InsufficientData)
}

func mapRows[T any](items []T, fn func(T) []string) [][]string {
	out := make([][]string, len(items))
	for i, it := range items {
		out[i] = fn(it)
	}
	return out
}
