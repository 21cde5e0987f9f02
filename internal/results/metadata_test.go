package results

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeMetadata(t *testing.T, root, jobID, content string) {
	t.Helper()
	dir := filepath.Join(root, jobID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, metadataFilename), []byte(content), 0o644))
}

func TestFileProviderReadsMetadata(t *testing.T) {
	root := t.TempDir()
	writeMetadata(t, root, "j-1", `{
		"area": {"value": 1250000.0, "unit": "square meter"},
		"unique_process_ids": ["load_collection", "ndvi"],
		"assets": {"out.tif": {"href": "out.tif"}},
		"usage": {
			"sentinelhub": {"value": 4.2, "unit": "sentinelhub_processing_unit"},
			"cpu": {"value": 100, "unit": "cpu-seconds"}
		}
	}`)

	p := NewFileProvider(zaptest.NewLogger(t), root)
	metadata, err := p.GetResultsMetadata(context.Background(), "j-1", "alice")
	require.NoError(t, err)

	require.NotNil(t, metadata.AreaSquareMeters)
	assert.Equal(t, 1250000.0, *metadata.AreaSquareMeters)
	assert.Equal(t, []string{"load_collection", "ndvi"}, metadata.UniqueProcessIDs)
	assert.Contains(t, metadata.Assets, "out.tif")
	assert.Equal(t, 4.2, metadata.ProcessingUnits)
}

func TestFileProviderMissingFileIsEmptyMetadata(t *testing.T) {
	p := NewFileProvider(zaptest.NewLogger(t), t.TempDir())

	metadata, err := p.GetResultsMetadata(context.Background(), "j-missing", "alice")
	require.NoError(t, err)
	assert.Nil(t, metadata.AreaSquareMeters)
	assert.Empty(t, metadata.UniqueProcessIDs)
	assert.Zero(t, metadata.ProcessingUnits)
}

func TestFileProviderMalformedFileIsAnError(t *testing.T) {
	root := t.TempDir()
	writeMetadata(t, root, "j-1", `{not json`)

	p := NewFileProvider(zaptest.NewLogger(t), root)
	_, err := p.GetResultsMetadata(context.Background(), "j-1", "alice")
	assert.Error(t, err)
}
