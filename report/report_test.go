package report

import (
	"path/filepath"
	"testing"

	"petprep/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func sampleRecords() []types.ImageRecord {
	return []types.ImageRecord{
		{Path: "/in/IMG_002.jpg", Filename: "IMG_002.jpg", Width: 640, Height: 480, Size: 4096,
			Verdict: types.DuplicateVerdict{IsDuplicate: true, DuplicateOf: "/in/IMG_001.jpg", Similarity: 0.8734, MatchReason: "Same scene: similar scene structure"}},
		{Path: "/in/IMG_001.jpg", Filename: "IMG_001.jpg", Width: 640, Height: 480, Size: 2048, HasHuman: true, CapturedAt: "2026-02-14T09:30:00Z"},
		{Path: "/in/broken.jpg", Filename: "broken.jpg", LoadError: "cannot decode"},
	}
}

func TestWriteDedupReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scene_duplicates_report.xlsx")
	clusters := []types.DuplicateCluster{{Original: "/in/IMG_001.jpg", Duplicates: []string{"/in/IMG_002.jpg"}}}

	require.NoError(t, WriteDedupReport(path, sampleRecords(), clusters, 0.32))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SheetSummary, SheetImages, SheetGroups}, f.GetSheetList())

	summary, err := f.GetRows(SheetSummary)
	require.NoError(t, err)
	assert.Equal(t, []string{"Metric", "Count"}, summary[0])
	assert.Equal(t, []string{"Total Images", "3"}, summary[1])
	assert.Equal(t, []string{"Duplicate Images", "1"}, summary[3])
	assert.Equal(t, []string{"Images with Humans", "1"}, summary[4])
	assert.Equal(t, []string{"Duplicate Groups (Sessions)", "1"}, summary[5])

	images, err := f.GetRows(SheetImages)
	require.NoError(t, err)
	require.Len(t, images, 4)
	// originals first, sorted by name
	assert.Equal(t, "IMG_001.jpg", images[1][0])
	assert.Equal(t, statusOriginal, images[1][1])
	assert.Equal(t, checkMark, images[1][5])
	assert.Equal(t, "640x480", images[1][7])
	assert.Equal(t, "broken.jpg", images[2][0])
	assert.Equal(t, "IMG_002.jpg", images[3][0])
	assert.Equal(t, statusDuplicate, images[3][1])
	assert.Equal(t, "IMG_001.jpg", images[3][2])
	assert.Equal(t, "87.34%", images[3][3])
	assert.Equal(t, "4", images[3][6])

	groups, err := f.GetRows(SheetGroups)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	require.GreaterOrEqual(t, len(groups[1]), 5)
	assert.Equal(t, []string{"IMG_001.jpg", "IMG_002.jpg", "87.34%", "Same scene: similar scene structure", checkMark}, groups[1][:5])
}

func TestWriteDedupReportWithoutGroups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.xlsx")
	records := sampleRecords()[1:]

	require.NoError(t, WriteDedupReport(path, records, nil, 0.5))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{SheetSummary, SheetImages}, f.GetSheetList())
}

func TestPercent(t *testing.T) {
	assert.Equal(t, "100.00%", percent(1))
	assert.Equal(t, "32.10%", percent(0.321))
}
