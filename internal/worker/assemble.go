package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/skylapse/brain/internal/assembly"
	"github.com/skylapse/brain/internal/queue"
	"github.com/skylapse/brain/internal/store"
)

type assembleVideoPayload struct {
	SessionID string `json:"session_id"`
}

// processAssembleVideo fetches a session's captures from their nodes,
// assembles them into a video and thumbnail, and records the result. If a
// done video already exists with the same content hash, the job is a no-op
// ack (spec §4.7's at-least-once delivery can redeliver it after a worker
// crash between Assemble and Ack).
func (p *Pool) processAssembleVideo(ctx context.Context, job *queue.Job) error {
	var payload assembleVideoPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return assembly.OutputUnwritable("malformed assemble_video payload: " + err.Error())
	}

	sess, err := p.sessions.GetSession(payload.SessionID)
	if err != nil {
		return assembly.MissingInputs("session " + payload.SessionID + " not found: " + err.Error())
	}

	captures, err := p.sessions.ListSessionCaptures(payload.SessionID)
	if err != nil {
		return assembly.MissingInputs("listing captures: " + err.Error())
	}
	if len(captures) == 0 {
		return assembly.MissingInputs("no captures recorded for session " + payload.SessionID)
	}

	filenames := make([]string, 0, len(captures))
	for _, c := range captures {
		filenames = append(filenames, c.Filename)
	}
	contentHash := assembly.ContentHash(filenames)

	if existing, found, err := p.sessions.GetVideoBySession(payload.SessionID); err == nil && found {
		if existing.Status == store.VideoDone && existing.ContentHash == contentHash {
			p.log.Info("assemble_video already done for this input set, skipping re-encode",
				zap.String("session_id", payload.SessionID), zap.String("content_hash", contentHash))
			return nil
		}
	}

	cfg, _ := p.configStore.Snapshot()

	sessionDir := filepath.Join(p.stagingRoot, payload.SessionID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return assembly.OutputUnwritable("creating staging dir: " + err.Error())
	}
	defer os.RemoveAll(sessionDir)

	localPaths := make([]string, 0, len(captures))
	for _, c := range captures {
		data, err := p.fetcher.fetch(ctx, cfg, c.NodeID, sess.ProfileID, c.Filename)
		if err != nil {
			return fmt.Errorf("fetching capture %s from node %s: %w", c.Filename, c.NodeID, err)
		}
		localPath := filepath.Join(sessionDir, c.Filename)
		if err := os.WriteFile(localPath, data, 0o644); err != nil {
			return assembly.OutputUnwritable("staging capture: " + err.Error())
		}
		localPaths = append(localPaths, localPath)
	}

	result, err := p.driver.Assemble(ctx, assembly.Job{
		JobID:       job.ID,
		SessionID:   payload.SessionID,
		InputPaths:  localPaths,
		FrameRate:   p.frameRate,
		Preset:      p.preset,
		VideoRoot:   p.videoRoot,
		LogRoot:     p.logRoot,
		CreatedUnix: p.clk.Now().Unix(),
	})
	if err != nil {
		return err
	}

	video := store.Video{
		SessionID:     payload.SessionID,
		OutputPath:    result.OutputPath,
		FrameCount:    result.Stats.FrameCount,
		DurationMS:    result.Stats.DurationMS,
		SizeBytes:     result.Stats.SizeBytes,
		ThumbnailPath: result.ThumbnailPath,
		QualityPreset: string(p.preset),
		ContentHash:   contentHash,
		CreatedAt:     p.clk.Now(),
		Status:        store.VideoDone,
	}
	if _, err := p.sessions.RecordVideo(video); err != nil {
		p.log.Error("record_video failed", zap.String("session_id", payload.SessionID), zap.Error(err))
	}

	return nil
}
