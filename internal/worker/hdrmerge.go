package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/skylapse/brain/internal/assembly"
	"github.com/skylapse/brain/internal/queue"
)

type hdrMergePayload struct {
	SessionID string `json:"session_id"`
	GroupID   string `json:"group_id"`
	NodeID    string `json:"node_id"`
}

// processHDRMerge fetches every bracket member in a group from its node,
// blends them into one image, and records the merged capture so it
// supersedes the bracket members (spec §4.8).
func (p *Pool) processHDRMerge(ctx context.Context, job *queue.Job) error {
	var payload hdrMergePayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return assembly.OutputUnwritable("malformed hdr_merge payload: " + err.Error())
	}

	members, err := p.sessions.ListCapturesByHDRGroup(payload.GroupID)
	if err != nil {
		return assembly.MissingInputs("listing hdr group: " + err.Error())
	}
	if len(members) == 0 {
		return assembly.MissingInputs("no bracket members recorded for group " + payload.GroupID)
	}
	if members[0].HDRResultCaptureID != nil {
		p.log.Info("hdr_merge already recorded for this group, skipping", zap.String("group_id", payload.GroupID))
		return nil
	}

	sess, err := p.sessions.GetSession(payload.SessionID)
	if err != nil {
		return assembly.MissingInputs("session " + payload.SessionID + " not found: " + err.Error())
	}

	cfg, _ := p.configStore.Snapshot()

	groupDir := filepath.Join(p.stagingRoot, "hdr_"+payload.GroupID)
	if err := os.MkdirAll(groupDir, 0o755); err != nil {
		return assembly.OutputUnwritable("creating hdr staging dir: " + err.Error())
	}
	defer os.RemoveAll(groupDir)

	localPaths := make([]string, 0, len(members))
	for _, m := range members {
		data, err := p.fetcher.fetch(ctx, cfg, m.NodeID, sess.ProfileID, m.Filename)
		if err != nil {
			return err
		}
		localPath := filepath.Join(groupDir, m.Filename)
		if err := os.WriteFile(localPath, data, 0o644); err != nil {
			return assembly.OutputUnwritable("staging bracket member: " + err.Error())
		}
		localPaths = append(localPaths, localPath)
	}

	result, err := p.driver.MergeHDR(ctx, assembly.HDRJob{
		JobID:      job.ID,
		GroupID:    payload.GroupID,
		InputPaths: localPaths,
		OutputRoot: filepath.Join(p.videoRoot, "hdr"),
	})
	if err != nil {
		return err
	}

	mergedFilename := filepath.Base(result.OutputPath)
	if _, err := p.sessions.RecordHDRMergeResult(payload.SessionID, payload.NodeID, mergedFilename, payload.GroupID, p.clk.Now()); err != nil {
		p.log.Error("record_hdr_merge_result failed", zap.String("group_id", payload.GroupID), zap.Error(err))
		return err
	}

	return nil
}
