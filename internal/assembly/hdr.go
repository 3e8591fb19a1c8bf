package assembly

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// HDRJob is everything the driver needs to merge one bracket of exposures
// into a single image.
type HDRJob struct {
	JobID      string
	GroupID    string
	InputPaths []string // ordered exposure bracket, e.g. under/normal/over
	OutputRoot string
}

// HDRResult is the outcome of a successful bracket merge.
type HDRResult struct {
	OutputPath string
}

// MergeHDR blends an exposure bracket into one image using ffmpeg's mix
// filter, weighting every exposure equally. Returns a *RetryableError if
// fewer than two exposures are available yet, or a *TerminalError if the
// encoder fails or the output cannot be written.
func (d *Driver) MergeHDR(ctx context.Context, job HDRJob) (HDRResult, error) {
	if len(job.InputPaths) < 2 {
		return HDRResult{}, MissingInputs("hdr bracket " + job.GroupID + " has fewer than two exposures")
	}

	if err := os.MkdirAll(job.OutputRoot, 0o755); err != nil {
		return HDRResult{}, OutputUnwritable(err.Error())
	}

	outputPath := filepath.Join(job.OutputRoot, job.GroupID+"_merged.jpg")

	args := make([]string, 0, len(job.InputPaths)*2+6)
	args = append(args, "-y")
	for _, p := range job.InputPaths {
		args = append(args, "-i", p)
	}
	args = append(args,
		"-filter_complex", fmt.Sprintf("mix=inputs=%d:weights=%s", len(job.InputPaths), equalWeights(len(job.InputPaths))),
		"-frames:v", "1",
		outputPath,
	)

	if err := d.run(ctx, job.JobID, "", args); err != nil {
		return HDRResult{}, err
	}

	if _, err := os.Stat(outputPath); err != nil {
		return HDRResult{}, OutputUnwritable(err.Error())
	}

	return HDRResult{OutputPath: outputPath}, nil
}

func equalWeights(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += " "
		}
		out += "1"
	}
	return out
}
