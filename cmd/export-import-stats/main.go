package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"cohort-data/internal/config"
	"cohort-data/internal/database"

	"github.com/xuri/excelize/v2"
)

// Export tool: writes an audit workbook of import outcomes (one row per
// import, with the count statistics recorded at commit time).

var importStatsHeader = []string{
	"Import ID",
	"Team ID",
	"Type",
	"Status",
	"Academic Year",
	"Rows",
	"New Records",
	"Changed Records",
	"Duplicate Records",
	"Review Records",
	"Recorded At",
	"Created At",
}

type importStatsRow struct {
	ID           string
	TeamID       string
	Type         string
	Status       string
	AcademicYear int
	Rows         int
	New          int
	Changed      int
	Duplicate    int
	Review       int
	RecordedAt   sql.NullTime
	CreatedAt    time.Time
}

func main() {
	out := flag.String("out", "import-stats.xlsx", "output workbook path")
	since := flag.String("since", "", "only include imports created on or after this date (YYYY-MM-DD)")
	flag.Parse()

	cfg := config.Load()
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	rows, err := queryImports(db, *since)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to query imports: %v\n", err)
		os.Exit(1)
	}

	if err := writeWorkbook(*out, rows); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write workbook: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %d imports to %s\n", len(rows), *out)
}

func queryImports(db *sql.DB, since string) ([]importStatsRow, error) {
	query := `
		SELECT import_id::text, team_id::text, import_type, status, academic_year, rows_count,
		       COALESCE(new_records_count, 0), COALESCE(changed_records_count, 0),
		       COALESCE(duplicate_records_count, 0), COALESCE(review_records_count, 0),
		       recorded_at, created_at
		FROM imports`
	args := []interface{}{}
	if since != "" {
		cutoff, err := time.Parse("2006-01-02", since)
		if err != nil {
			return nil, fmt.Errorf("invalid -since date: %w", err)
		}
		query += ` WHERE created_at >= $1`
		args = append(args, cutoff)
	}
	query += ` ORDER BY created_at`

	result, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer result.Close()

	var rows []importStatsRow
	for result.Next() {
		var r importStatsRow
		err := result.Scan(&r.ID, &r.TeamID, &r.Type, &r.Status, &r.AcademicYear, &r.Rows,
			&r.New, &r.Changed, &r.Duplicate, &r.Review, &r.RecordedAt, &r.CreatedAt)
		if err != nil {
			return nil, err
		}
		rows = append(rows, r)
	}
	return rows, result.Err()
}

func writeWorkbook(path string, rows []importStatsRow) error {
	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Import Stats"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range importStatsHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(sheetName, cell, header); err != nil {
			return fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheetName, cell, cell, headerStyle); err != nil {
			return fmt.Errorf("failed to set header style: %w", err)
		}
	}

	for i, r := range rows {
		recordedAt := ""
		if r.RecordedAt.Valid {
			recordedAt = r.RecordedAt.Time.Format(time.RFC3339)
		}
		values := []interface{}{
			r.ID, r.TeamID, r.Type, r.Status, r.AcademicYear, r.Rows,
			r.New, r.Changed, r.Duplicate, r.Review,
			recordedAt, r.CreatedAt.Format(time.RFC3339),
		}
		for col, value := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, i+2)
			if err != nil {
				return fmt.Errorf("failed to convert coordinates: %w", err)
			}
			if err := f.SetCellValue(sheetName, cell, value); err != nil {
				return fmt.Errorf("failed to set cell %s: %w", cell, err)
			}
		}
	}

	return f.SaveAs(path)
}
