// Package report writes the duplicate review workbook.
package report

import (
	"fmt"
	"path/filepath"
	"sort"

	"petprep/types"

	"github.com/xuri/excelize/v2"
)

// Sheet names
const (
	SheetSummary = "Summary"
	SheetImages  = "All Images"
	SheetGroups  = "Duplicate Groups"
)

const (
	statusOriginal  = "ORIGINAL"
	statusDuplicate = "DUPLICATE"
	checkMark       = "✓"
)

// WriteDedupReport writes the Summary, All Images and Duplicate Groups sheets
// for a resolved corpus. The groups sheet is omitted when nothing matched.
func WriteDedupReport(path string, records []types.ImageRecord, clusters []types.DuplicateCluster, threshold float64) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return err
	}
	if err := writeRows(f, SheetSummary, []interface{}{"Metric", "Count"}, summaryRows(records, clusters, threshold)); err != nil {
		return err
	}

	if _, err := f.NewSheet(SheetImages); err != nil {
		return err
	}
	imageHeaders := []interface{}{
		"Image", "Status", "Duplicate Of", "Similarity Score", "Match Reason",
		"Has Human", "File Size (KB)", "Dimensions", "Captured At",
	}
	if err := writeRows(f, SheetImages, imageHeaders, imageRows(records)); err != nil {
		return err
	}

	if groups := groupRows(records, clusters); len(groups) > 0 {
		if _, err := f.NewSheet(SheetGroups); err != nil {
			return err
		}
		groupHeaders := []interface{}{
			"Original Image", "Duplicate Image", "Similarity", "Match Reason",
			"Original Has Human", "Duplicate Has Human",
		}
		if err := writeRows(f, SheetGroups, groupHeaders, groups); err != nil {
			return err
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("cannot save report %s: %w", path, err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, headers []interface{}, rows [][]interface{}) error {
	all := append([][]interface{}{headers}, rows...)
	for i, row := range all {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("cannot write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

func summaryRows(records []types.ImageRecord, clusters []types.DuplicateCluster, threshold float64) [][]interface{} {
	var duplicates, humans, unreadable int
	for i := range records {
		if records[i].Verdict.IsDuplicate {
			duplicates++
		}
		if records[i].HasHuman {
			humans++
		}
		if records[i].LoadError != "" {
			unreadable++
		}
	}
	return [][]interface{}{
		{"Total Images", len(records)},
		{"Original Images", len(records) - duplicates},
		{"Duplicate Images", duplicates},
		{"Images with Humans", humans},
		{"Duplicate Groups (Sessions)", len(clusters)},
		{"Unreadable Images", unreadable},
		{"Similarity Threshold", threshold},
	}
}

type imageRow struct {
	name, status, duplicateOf string
	cells                     []interface{}
}

// imageRows lists originals before duplicates, then by original and name
func imageRows(records []types.ImageRecord) [][]interface{} {
	rows := make([]imageRow, 0, len(records))
	for i := range records {
		r := &records[i]
		status := statusOriginal
		var dupOf, similarity, reason string
		if r.Verdict.IsDuplicate {
			status = statusDuplicate
			dupOf = filepath.Base(r.Verdict.DuplicateOf)
			similarity = percent(r.Verdict.Similarity)
			reason = r.Verdict.MatchReason
		}
		dims := ""
		if r.Width > 0 && r.Height > 0 {
			dims = fmt.Sprintf("%dx%d", r.Width, r.Height)
		}
		rows = append(rows, imageRow{
			name:        r.Filename,
			status:      status,
			duplicateOf: dupOf,
			cells: []interface{}{
				r.Filename, status, dupOf, similarity, reason,
				mark(r.HasHuman), r.Size / 1024, dims, r.CapturedAt,
			},
		})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].status != rows[j].status {
			return rows[i].status > rows[j].status
		}
		if rows[i].duplicateOf != rows[j].duplicateOf {
			return rows[i].duplicateOf < rows[j].duplicateOf
		}
		return rows[i].name < rows[j].name
	})

	out := make([][]interface{}, len(rows))
	for i, r := range rows {
		out[i] = r.cells
	}
	return out
}

func groupRows(records []types.ImageRecord, clusters []types.DuplicateCluster) [][]interface{} {
	byPath := make(map[string]*types.ImageRecord, len(records))
	for i := range records {
		byPath[records[i].Path] = &records[i]
	}

	var rows [][]interface{}
	for _, c := range clusters {
		original, ok := byPath[c.Original]
		if !ok {
			continue
		}
		for _, d := range c.Duplicates {
			dup, ok := byPath[d]
			if !ok {
				continue
			}
			rows = append(rows, []interface{}{
				original.Filename, dup.Filename, percent(dup.Verdict.Similarity), dup.Verdict.MatchReason,
				mark(original.HasHuman), mark(dup.HasHuman),
			})
		}
	}
	return rows
}

func percent(v float64) string {
	return fmt.Sprintf("%.2f%%", v*100)
}

func mark(b bool) string {
	if b {
		return checkMark
	}
	return ""
}
