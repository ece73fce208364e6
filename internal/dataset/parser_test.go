package dataset

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herdcast/herdcast/internal/apierrors"
)

func TestParseSemicolonSeparated(t *testing.T) {
	input := strings.Join([]string{
		"animal_id;birth_date;status;lactation;lactation_start;success_insem_date;dryoff_date;days_in_milk",
		"101;2020-01-15;milking;2;2023-11-01;2024-02-10;;120",
		"102;2022-03-01;heifer;0;;;;",
		"103;2019-05-20;dry;3;2023-06-01;2023-10-01;2024-05-09;",
	}, "\n")

	res, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, res.Records, 3)
	assert.Equal(t, 3, res.RowCount)
	assert.Empty(t, res.Issues)

	r := res.Records[0]
	assert.Equal(t, 101, r.ID)
	assert.Equal(t, 2, r.Lactation)
	assert.Equal(t, time.Date(2020, 1, 15, 0, 0, 0, 0, time.UTC), r.BirthDate)
	require.NotNil(t, r.LastCalving)
	assert.Equal(t, time.Date(2023, 11, 1, 0, 0, 0, 0, time.UTC), *r.LastCalving)
	assert.Equal(t, 120, r.DaysInMilk)
	assert.False(t, r.Culled)

	assert.Equal(t, map[string]int{"milking": 1, "heifer": 1, "dry": 1}, res.StatusHistogram)

	// Latest factual date across the rows anchors the report date.
	require.NotNil(t, res.SuggestedReportDate)
	assert.Equal(t, time.Date(2024, 5, 9, 0, 0, 0, 0, time.UTC), *res.SuggestedReportDate)
}

func TestParseCommaSeparatedDayFirstDates(t *testing.T) {
	input := strings.Join([]string{
		"animal_id,birth_date,status,lactation",
		"1,15.01.2020,milking,1",
		"2,20/06/2021,culled,2",
	}, "\n")

	res, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, time.Date(2020, 1, 15, 0, 0, 0, 0, time.UTC), res.Records[0].BirthDate)
	assert.Equal(t, time.Date(2021, 6, 20, 0, 0, 0, 0, time.UTC), res.Records[1].BirthDate)
	assert.True(t, res.Records[1].Culled)
}

func TestParseStripsBOMAndUppercaseHeaders(t *testing.T) {
	input := "\ufeffANIMAL_ID,Birth_Date,STATUS,Lactation\n7,2020-01-01,milking,1\n"
	res, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, 7, res.Records[0].ID)
}

func TestParseMissingRequiredColumns(t *testing.T) {
	input := "animal_id,birth_date\n1,2020-01-01\n"
	_, err := Parse(strings.NewReader(input))
	require.Error(t, err)

	apiErr := apierrors.From(err)
	assert.Equal(t, apierrors.CodeDatasetParseFailed, apiErr.Code)
	assert.ElementsMatch(t, []string{"status", "lactation"}, apiErr.Details["missing_columns"])
}

func TestParseEmptyFile(t *testing.T) {
	_, err := Parse(strings.NewReader(""))
	require.Error(t, err)
	assert.Equal(t, apierrors.CodeDatasetParseFailed, apierrors.From(err).Code)
}

func TestParseBadAnimalIDsFailHard(t *testing.T) {
	input := strings.Join([]string{
		"animal_id,birth_date,status,lactation",
		"abc,2020-01-01,milking,1",
		"2,2020-01-01,milking,1",
		"xyz,2020-01-01,milking,1",
	}, "\n")

	_, err := Parse(strings.NewReader(input))
	require.Error(t, err)

	apiErr := apierrors.From(err)
	assert.Equal(t, apierrors.CodeDatasetParseFailed, apiErr.Code)
	assert.Equal(t, 2, apiErr.Details["row_count"])
	// Sample rows are 1-based lines including the header.
	assert.Equal(t, []int{2, 4}, apiErr.Details["sample_rows"])
}

func TestParseInvalidBirthDateSkipsRow(t *testing.T) {
	input := strings.Join([]string{
		"animal_id,birth_date,status,lactation",
		"1,not-a-date,milking,1",
		"2,2020-01-01,heifer,0",
	}, "\n")

	res, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, 2, res.Records[0].ID)

	require.Len(t, res.Issues, 1)
	iss := res.Issues[0]
	assert.Equal(t, "invalid_date_values", iss.Code)
	assert.Equal(t, "warning", iss.Severity)
	assert.Equal(t, []int{2}, iss.SampleRows)
}

func TestParseDuplicateIDsReported(t *testing.T) {
	input := strings.Join([]string{
		"animal_id,birth_date,status,lactation",
		"1,2020-01-01,milking,1",
		"1,2020-01-01,milking,1",
	}, "\n")

	res, err := Parse(strings.NewReader(input))
	require.NoError(t, err)

	require.Len(t, res.Issues, 2)
	dup := res.Issues[1]
	assert.Equal(t, "duplicate_animal_id", dup.Code)
	assert.Equal(t, "error", dup.Severity)
	assert.Equal(t, 2, dup.RowCount)
}

func TestParseMissingStatusCountedAsOther(t *testing.T) {
	input := strings.Join([]string{
		"animal_id,birth_date,status,lactation",
		"1,2020-01-01,,0",
	}, "\n")

	res, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"other": 1}, res.StatusHistogram)

	require.Len(t, res.Issues, 1)
	assert.Equal(t, "missing_status", res.Issues[0].Code)
}

func TestParseInconsistentLactation(t *testing.T) {
	input := strings.Join([]string{
		"animal_id,birth_date,status,lactation,lactation_start",
		"1,2020-01-01,heifer,0,2023-01-01",
		"2,2019-01-01,milking,2,",
	}, "\n")

	res, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, res.Issues, 2)
	assert.Equal(t, "inconsistent_lactation", res.Issues[0].Code)
	assert.Equal(t, "inconsistent_lactation", res.Issues[1].Code)
	assert.NotEqual(t, res.Issues[0].Message, res.Issues[1].Message)
}

func TestParseOldArchivesFlagged(t *testing.T) {
	input := strings.Join([]string{
		"animal_id,birth_date,status,lactation,archive_date,lactation_start",
		"1,2015-01-01,archived,3,2021-01-01,2020-06-01",
		"2,2019-01-01,milking,2,,2024-05-01",
	}, "\n")

	res, err := Parse(strings.NewReader(input))
	require.NoError(t, err)

	require.NotNil(t, res.SuggestedReportDate)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), *res.SuggestedReportDate)

	var codes []string
	for _, iss := range res.Issues {
		codes = append(codes, iss.Code)
	}
	assert.Contains(t, codes, "archive_outside_730_days")
}

func TestParseSampleRowsCapped(t *testing.T) {
	rows := []string{"animal_id,birth_date,status,lactation"}
	for i := 1; i <= 8; i++ {
		rows = append(rows, "1,bad-date,milking,1")
	}

	res, err := Parse(strings.NewReader(strings.Join(rows, "\n")))
	require.NoError(t, err)

	require.Len(t, res.Issues, 1)
	assert.Equal(t, 8, res.Issues[0].RowCount)
	assert.Len(t, res.Issues[0].SampleRows, 5)
}
