// Package dataset parses uploaded herd CSVs into animal records and runs
// the data-quality checks surfaced by the dataset endpoints.
package dataset

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/herdcast/herdcast/internal/apierrors"
	"github.com/herdcast/herdcast/internal/herd"
)

// Logical column names expected in uploads.
const (
	ColAnimalID        = "animal_id"
	ColBirthDate       = "birth_date"
	ColArchiveDate     = "archive_date"
	ColLactation       = "lactation"
	ColLactationStart  = "lactation_start"
	ColDaysInMilk      = "days_in_milk"
	ColStatus          = "status"
	ColInsemDate       = "insem_date"
	ColSuccessInsem    = "success_insem_date"
	ColDaysPregnant    = "days_pregnant"
	ColDryoffDate      = "dryoff_date"
	ColExpectedDryoff  = "expected_dryoff"
	ColExpectedCalving = "expected_calving"
)

var requiredColumns = []string{ColAnimalID, ColBirthDate, ColStatus, ColLactation}

var dateColumns = []string{
	ColBirthDate, ColArchiveDate, ColLactationStart, ColInsemDate,
	ColSuccessInsem, ColDryoffDate, ColExpectedDryoff, ColExpectedCalving,
}

// Statuses that mark an animal as removed from the herd.
var culledStatuses = map[string]bool{
	"culled":   true,
	"archived": true,
	"sold":     true,
	"dead":     true,
}

// QualityIssue is one data-quality finding. SampleRows are 1-based CSV line
// numbers including the header line.
type QualityIssue struct {
	Code       string `json:"code"`
	Severity   string `json:"severity"`
	Message    string `json:"message"`
	RowCount   int    `json:"row_count,omitempty"`
	SampleRows []int  `json:"sample_rows,omitempty"`
}

const maxSampleRows = 5

// LoadResult is a parsed dataset plus its quality findings.
type LoadResult struct {
	Records             []herd.AnimalRecord
	Issues              []QualityIssue
	SuggestedReportDate *time.Time
	RowCount            int
	StatusHistogram     map[string]int
}

// Parse reads a semicolon- or comma-separated herd CSV. Structural problems
// (missing required columns, unparseable identifiers) fail the parse; softer
// findings are reported as quality issues.
func Parse(r io.Reader) (*LoadResult, error) {
	br := bufio.NewReader(r)
	sep, err := sniffSeparator(br)
	if err != nil {
		return nil, parseFailed("empty dataset file", nil)
	}

	cr := csv.NewReader(br)
	cr.Comma = sep
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, parseFailed("cannot read header row", map[string]any{"cause": err.Error()})
	}
	colIdx := indexColumns(header)

	var missing []string
	for _, c := range requiredColumns {
		if _, ok := colIdx[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, parseFailed("missing required columns", map[string]any{"missing_columns": missing})
	}

	res := &LoadResult{StatusHistogram: make(map[string]int)}
	collector := newIssueCollector()

	var badIDRows, badLactationRows []int
	line := 1
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, parseFailed(fmt.Sprintf("malformed row near line %d", line+1), map[string]any{"cause": err.Error()})
		}
		line++
		res.RowCount++

		get := func(col string) string {
			idx, ok := colIdx[col]
			if !ok || idx >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[idx])
		}

		id, err := strconv.Atoi(get(ColAnimalID))
		if err != nil {
			badIDRows = append(badIDRows, line)
			continue
		}

		lactation := 0
		if raw := get(ColLactation); raw != "" {
			lactation, err = strconv.Atoi(raw)
			if err != nil {
				badLactationRows = append(badLactationRows, line)
				continue
			}
		}

		rec := herd.AnimalRecord{ID: id, Lactation: lactation}

		birth, ok := parseDate(get(ColBirthDate))
		if !ok || birth == nil {
			collector.add("invalid_date_values", "warning",
				fmt.Sprintf("column %q contains invalid date values", ColBirthDate), line)
			continue
		}
		rec.BirthDate = *birth

		for _, col := range dateColumns[1:] {
			raw := get(col)
			d, ok := parseDate(raw)
			if !ok {
				collector.add("invalid_date_values", "warning",
					fmt.Sprintf("column %q contains invalid date values", col), line)
				continue
			}
			switch col {
			case ColArchiveDate:
				rec.Archive = d
			case ColLactationStart:
				rec.LastCalving = d
			case ColSuccessInsem:
				rec.SuccessInsem = d
			case ColDryoffDate:
				rec.Dryoff = d
			case ColExpectedDryoff:
				rec.PlannedDry = d
			case ColExpectedCalving:
				rec.PlannedCalving = d
			}
		}

		if raw := get(ColDaysInMilk); raw != "" {
			if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
				rec.DaysInMilk = int(v)
			}
		}

		status := strings.ToLower(get(ColStatus))
		if status == "" {
			collector.add("missing_status", "warning", "rows with empty status are present", line)
			status = "other"
		}
		res.StatusHistogram[status]++
		rec.StatusGroup = status
		rec.Culled = culledStatuses[status]

		if rec.Lactation == 0 && rec.LastCalving != nil {
			collector.add("inconsistent_lactation", "warning",
				"rows with lactation=0 contain a lactation start date", line)
		}
		if rec.Lactation > 0 && rec.LastCalving == nil {
			collector.add("inconsistent_lactation", "warning",
				"rows with lactation>0 have no lactation start date", line)
		}

		res.Records = append(res.Records, rec)
	}

	if len(badIDRows) > 0 {
		return nil, parseFailed("invalid animal identifiers", map[string]any{
			"row_count":   len(badIDRows),
			"sample_rows": capRows(badIDRows),
		})
	}
	if len(badLactationRows) > 0 {
		return nil, parseFailed("invalid lactation values", map[string]any{
			"row_count":   len(badLactationRows),
			"sample_rows": capRows(badLactationRows),
		})
	}

	if rep, err := herd.SuggestedReportDate(res.Records); err == nil {
		res.SuggestedReportDate = &rep
		checkOldArchives(res.Records, rep, collector)
	}
	checkDuplicateIDs(res.Records, collector)

	res.Issues = collector.issues()
	return res, nil
}

func sniffSeparator(br *bufio.Reader) (rune, error) {
	peek, err := br.Peek(4096)
	if err != nil && len(peek) == 0 {
		return 0, err
	}
	if i := bytes.IndexByte(peek, '\n'); i >= 0 {
		peek = peek[:i]
	}
	if bytes.ContainsRune(peek, ';') {
		return ';', nil
	}
	return ',', nil
}

func indexColumns(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, seen := idx[name]; !seen {
			idx[name] = i
		}
	}
	return idx
}

// parseDate accepts ISO and day-first formats. An empty cell yields (nil,
// true); an unparseable non-empty cell yields (nil, false).
func parseDate(raw string) (*time.Time, bool) {
	if raw == "" {
		return nil, true
	}
	for _, layout := range []string{"2006-01-02", "02.01.2006", "02/01/2006"} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &t, true
		}
	}
	return nil, false
}

func checkDuplicateIDs(records []herd.AnimalRecord, c *issueCollector) {
	seen := make(map[int]int, len(records))
	for i := range records {
		seen[records[i].ID]++
	}
	for i := range records {
		if seen[records[i].ID] > 1 {
			// Line number approximation: records keep input order after the header.
			c.add("duplicate_animal_id", "error", "dataset contains duplicate animal identifiers", i+2)
		}
	}
}

func checkOldArchives(records []herd.AnimalRecord, reportDate time.Time, c *issueCollector) {
	lowerBound := reportDate.AddDate(0, 0, -730)
	for i := range records {
		if a := records[i].Archive; a != nil && a.Before(lowerBound) {
			c.add("archive_outside_730_days", "warning",
				"archived animals older than 730 days before the report date are present", i+2)
		}
	}
}

func parseFailed(msg string, details map[string]any) error {
	opts := []apierrors.Option{}
	if details != nil {
		opts = append(opts, apierrors.WithDetails(details))
	}
	return apierrors.New(apierrors.CodeDatasetParseFailed, msg, opts...)
}

func capRows(rows []int) []int {
	if len(rows) > maxSampleRows {
		return rows[:maxSampleRows]
	}
	return rows
}

// issueCollector deduplicates findings by code+message, accumulating counts
// and a bounded row sample.
type issueCollector struct {
	order []string
	byKey map[string]*QualityIssue
}

func newIssueCollector() *issueCollector {
	return &issueCollector{byKey: make(map[string]*QualityIssue)}
}

func (c *issueCollector) add(code, severity, message string, row int) {
	key := code + "|" + message
	iss, ok := c.byKey[key]
	if !ok {
		iss = &QualityIssue{Code: code, Severity: severity, Message: message}
		c.byKey[key] = iss
		c.order = append(c.order, key)
	}
	iss.RowCount++
	if len(iss.SampleRows) < maxSampleRows {
		iss.SampleRows = append(iss.SampleRows, row)
	}
}

func (c *issueCollector) issues() []QualityIssue {
	out := make([]QualityIssue, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, *c.byKey[key])
	}
	return out
}
