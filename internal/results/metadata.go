// Package results collects derived metadata from a finished job's output.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"openeo-job-tracker/internal/models"
)

const metadataFilename = "job_metadata.json"

// Provider fetches the result metadata written by a batch job run: processed
// area, distinct process ids, asset listing and vendor usage counters.
type Provider interface {
	GetResultsMetadata(ctx context.Context, jobID, userID string) (models.ResultMetadata, error)
}

// FileProvider reads job_metadata.json from the job's output directory under
// a shared output root.
type FileProvider struct {
	log        *zap.Logger
	outputRoot string
}

func NewFileProvider(log *zap.Logger, outputRoot string) *FileProvider {
	return &FileProvider{log: log, outputRoot: outputRoot}
}

// fileMetadata mirrors the metadata document batch jobs write on completion.
type fileMetadata struct {
	Area *struct {
		Value float64 `json:"value"`
		Unit  string  `json:"unit"`
	} `json:"area"`
	UniqueProcessIDs []string       `json:"unique_process_ids"`
	Assets           map[string]any `json:"assets"`
	Usage            map[string]struct {
		Value float64 `json:"value"`
		Unit  string  `json:"unit"`
	} `json:"usage"`
}

func (p *FileProvider) GetResultsMetadata(_ context.Context, jobID, userID string) (models.ResultMetadata, error) {
	path := filepath.Join(p.outputRoot, jobID, metadataFilename)
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		// Errored or canceled jobs often never wrote their metadata.
		p.log.Warn("no result metadata file",
			zap.String("job_id", jobID), zap.String("user_id", userID), zap.String("path", path))
		return models.ResultMetadata{}, nil
	}
	if err != nil {
		return models.ResultMetadata{}, fmt.Errorf("read result metadata for job %s: %w", jobID, err)
	}

	var parsed fileMetadata
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return models.ResultMetadata{}, fmt.Errorf("decode result metadata for job %s: %w", jobID, err)
	}

	metadata := models.ResultMetadata{
		UniqueProcessIDs: parsed.UniqueProcessIDs,
		Assets:           parsed.Assets,
	}
	if parsed.Area != nil {
		area := parsed.Area.Value
		metadata.AreaSquareMeters = &area
	}
	if sentinelhub, ok := parsed.Usage["sentinelhub"]; ok {
		metadata.ProcessingUnits = sentinelhub.Value
	}
	return metadata, nil
}
