package forecast

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/xuri/excelize/v2"
)

// ContentTypeCSV and ContentTypeXLSX are the export artifact content types.
const (
	ContentTypeCSV  = "text/csv"
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

const (
	seriesSheet = "Series"
	eventsSheet = "Events"
	futureSheet = "Future"
)

// WriteCSV renders the result as one sectioned CSV document with [SERIES],
// [EVENTS] and [FUTURE] blocks.
func WriteCSV(w io.Writer, res *Result) error {
	if _, err := io.WriteString(w, "[SERIES]\n"); err != nil {
		return err
	}
	if err := writeSeriesCSV(w, res); err != nil {
		return fmt.Errorf("series section: %w", err)
	}
	if _, err := io.WriteString(w, "\n[EVENTS]\n"); err != nil {
		return err
	}
	if err := writeEventsCSV(w, res.Events); err != nil {
		return fmt.Errorf("events section: %w", err)
	}
	if _, err := io.WriteString(w, "\n[FUTURE]\n"); err != nil {
		return err
	}
	if err := writeFutureCSV(w, res); err != nil {
		return fmt.Errorf("future section: %w", err)
	}
	return nil
}

// CSVBytes renders the sectioned CSV into memory.
func CSVBytes(res *Result) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, res); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r *Result) hasBands() bool {
	return len(r.SeriesP10) > 0 && len(r.SeriesP90) > 0
}

func seriesHeader(withBands bool) []string {
	h := []string{"date", "milking_count", "dry_count", "heifer_count", "pregnant_heifer_count", "avg_days_in_milk_p50"}
	if withBands {
		h = append(h, "avg_days_in_milk_p10", "avg_days_in_milk_p90")
	}
	return h
}

func seriesRow(i int, res *Result, withBands bool) []string {
	p := res.SeriesP50[i]
	row := []string{
		p.Date.Format("2006-01-02"),
		strconv.Itoa(p.MilkingCount),
		strconv.Itoa(p.DryCount),
		strconv.Itoa(p.HeiferCount),
		strconv.Itoa(p.PregnantHeiferCount),
		formatAvgDIM(p.AvgDaysInMilk),
	}
	if withBands {
		row = append(row,
			formatAvgDIM(res.SeriesP10[i].AvgDaysInMilk),
			formatAvgDIM(res.SeriesP90[i].AvgDaysInMilk))
	}
	return row
}

func formatAvgDIM(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

func writeSeriesCSV(w io.Writer, res *Result) error {
	cw := csv.NewWriter(w)
	withBands := res.hasBands()
	if err := cw.Write(seriesHeader(withBands)); err != nil {
		return err
	}
	for i := range res.SeriesP50 {
		if err := cw.Write(seriesRow(i, res, withBands)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeEventsCSV(w io.Writer, events []EventsByMonth) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"month", "calvings", "dryoffs", "culled", "purchases_in", "heifer_intros"}); err != nil {
		return err
	}
	for _, ev := range events {
		rec := []string{
			ev.Month.Format("2006-01-02"),
			strconv.Itoa(ev.Calvings),
			strconv.Itoa(ev.Dryoffs),
			strconv.Itoa(ev.Culled),
			strconv.Itoa(ev.PurchasesIn),
			strconv.Itoa(ev.HeiferIntros),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeFutureCSV(w io.Writer, res *Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(seriesHeader(false)); err != nil {
		return err
	}
	if p := res.FuturePoint; p != nil {
		rec := []string{
			p.Date.Format("2006-01-02"),
			strconv.Itoa(p.MilkingCount),
			strconv.Itoa(p.DryCount),
			strconv.Itoa(p.HeiferCount),
			strconv.Itoa(p.PregnantHeiferCount),
			formatAvgDIM(p.AvgDaysInMilk),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// XLSXBytes renders the result as a workbook with Series, Events and Future
// sheets.
func XLSXBytes(res *Result) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", seriesSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(eventsSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(futureSheet); err != nil {
		return nil, err
	}

	withBands := res.hasBands()
	if err := setRow(f, seriesSheet, 1, toAny(seriesHeader(withBands))); err != nil {
		return nil, err
	}
	for i := range res.SeriesP50 {
		if err := setRow(f, seriesSheet, i+2, toAny(seriesRow(i, res, withBands))); err != nil {
			return nil, err
		}
	}

	if err := setRow(f, eventsSheet, 1, []any{"month", "calvings", "dryoffs", "culled", "purchases_in", "heifer_intros"}); err != nil {
		return nil, err
	}
	for i, ev := range res.Events {
		row := []any{ev.Month.Format("2006-01-02"), ev.Calvings, ev.Dryoffs, ev.Culled, ev.PurchasesIn, ev.HeiferIntros}
		if err := setRow(f, eventsSheet, i+2, row); err != nil {
			return nil, err
		}
	}

	if err := setRow(f, futureSheet, 1, toAny(seriesHeader(false))); err != nil {
		return nil, err
	}
	if p := res.FuturePoint; p != nil {
		row := []any{p.Date.Format("2006-01-02"), p.MilkingCount, p.DryCount, p.HeiferCount, p.PregnantHeiferCount, formatAvgDIM(p.AvgDaysInMilk)}
		if err := setRow(f, futureSheet, 2, row); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
