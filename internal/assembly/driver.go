// Package assembly drives an external ffmpeg-compatible encoder to stitch a
// session's captures into a timelapse video and thumbnail, per spec §4.8.
package assembly

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/skylapse/brain/pkg/metrics"
)

// Stats summarizes the produced artifact.
type Stats struct {
	FrameCount int
	DurationMS int64
	SizeBytes  int64
}

// Job is everything the driver needs to assemble one session's video.
type Job struct {
	JobID         string
	SessionID     string
	InputPaths    []string // ordered, already sorted temporally by the caller
	FrameRate     int
	Preset        QualityPreset
	VideoRoot     string
	LogRoot       string
	CreatedUnix   int64
}

// Driver invokes the configured encoder binary.
type Driver struct {
	ffmpegPath string
	log        *zap.Logger
}

// New returns a Driver that shells out to the binary at ffmpegPath.
func New(ffmpegPath string, log *zap.Logger) *Driver {
	return &Driver{ffmpegPath: ffmpegPath, log: log}
}

// Result is the outcome of a successful assembly.
type Result struct {
	OutputPath    string
	ThumbnailPath string
	Stats         Stats
}

// Assemble runs the encoder over job.InputPaths and produces a video plus a
// thumbnail. Returns a *RetryableError if there are no inputs yet, or a
// *TerminalError if the encoder fails or the output cannot be written.
func (d *Driver) Assemble(ctx context.Context, job Job) (Result, error) {
	start := time.Now()
	defer func() { metrics.AssemblyDuration.Observe(time.Since(start).Seconds()) }()

	if len(job.InputPaths) == 0 {
		return Result{}, MissingInputs("no captures recorded for session " + job.SessionID)
	}
	if !job.Preset.Valid() {
		return Result{}, OutputUnwritable(fmt.Sprintf("unknown quality preset %q", job.Preset))
	}

	if err := os.MkdirAll(job.VideoRoot, 0o755); err != nil {
		return Result{}, OutputUnwritable(err.Error())
	}
	if job.LogRoot != "" {
		if err := os.MkdirAll(job.LogRoot, 0o755); err != nil {
			return Result{}, OutputUnwritable(err.Error())
		}
	}

	outputPath := filepath.Join(job.VideoRoot, fmt.Sprintf("%s_%d.mp4", job.SessionID, job.CreatedUnix))
	thumbnailPath := filepath.Join(job.VideoRoot, fmt.Sprintf("%s_%d.jpg", job.SessionID, job.CreatedUnix))

	listFile, err := writeConcatList(job.InputPaths, job.FrameRate)
	if err != nil {
		return Result{}, OutputUnwritable(err.Error())
	}
	defer os.Remove(listFile)

	params := presetParams[job.Preset]

	encodeArgs := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listFile,
		"-r", fmt.Sprintf("%d", job.FrameRate),
		"-c:v", "libx264",
		"-crf", fmt.Sprintf("%d", params.CRF),
		"-preset", params.PresetName,
		"-pix_fmt", params.PixelFormat,
		outputPath,
	}

	if err := d.run(ctx, job.JobID, job.LogRoot, encodeArgs); err != nil {
		return Result{}, err
	}

	midpoint := job.InputPaths[len(job.InputPaths)/2]
	thumbArgs := []string{"-y", "-i", midpoint, "-vframes", "1", thumbnailPath}
	if err := d.run(ctx, job.JobID+"_thumb", job.LogRoot, thumbArgs); err != nil {
		return Result{}, err
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return Result{}, OutputUnwritable(err.Error())
	}

	return Result{
		OutputPath:    outputPath,
		ThumbnailPath: thumbnailPath,
		Stats: Stats{
			FrameCount: len(job.InputPaths),
			DurationMS: durationMS(len(job.InputPaths), job.FrameRate),
			SizeBytes:  info.Size(),
		},
	}, nil
}

func durationMS(frameCount, frameRate int) int64 {
	if frameRate <= 0 {
		return 0
	}
	return int64(float64(frameCount) / float64(frameRate) * 1000)
}

func (d *Driver) run(ctx context.Context, jobID, logRoot string, args []string) error {
	cmd := exec.CommandContext(ctx, d.ffmpegPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if logRoot != "" {
		logPath := filepath.Join(logRoot, jobID+".log")
		combined := fmt.Sprintf("stdout:\n%s\nstderr:\n%s\n", stdout.String(), stderr.String())
		_ = os.WriteFile(logPath, []byte(combined), 0o644)
	}

	if err != nil {
		tail := tailLines(stderr.String(), 20)
		if d.log != nil {
			d.log.Error("encoder invocation failed",
				zap.String("job_id", jobID),
				zap.Duration("elapsed", elapsed),
				zap.Error(err),
				zap.String("stderr_tail", tail),
			)
		}
		return EncoderFailed(tail)
	}
	return nil
}

func tailLines(s string, n int) string {
	lines := splitLines(s)
	if len(lines) <= n {
		return s
	}
	return joinLines(lines[len(lines)-n:])
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

func writeConcatList(inputs []string, frameRate int) (string, error) {
	f, err := os.CreateTemp("", "brain-concat-*.txt")
	if err != nil {
		return "", err
	}
	defer f.Close()

	durationPerFrame := 1.0 / float64(frameRate)
	for _, p := range inputs {
		fmt.Fprintf(f, "file '%s'\nduration %f\n", p, durationPerFrame)
	}
	// The concat demuxer requires the last file repeated without a duration
	// directive, per ffmpeg's documented quirk.
	if len(inputs) > 0 {
		fmt.Fprintf(f, "file '%s'\n", inputs[len(inputs)-1])
	}
	return f.Name(), nil
}
