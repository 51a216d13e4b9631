package audit

import (
	"bytes"
	"encoding/csv"
	"strconv"
	"time"
)

// WriteCSV renders timeline entries as CSV for compliance export.
func WriteCSV(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := []string{"seq", "at", "actor_id", "action", "category",
		"resource_type", "resource_id", "origin_ip", "session_id",
		"correlation_id", "approval_id", "prev_hash", "hash"}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, e := range entries {
		approvalID := ""
		if e.ApprovalID != nil {
			approvalID = e.ApprovalID.String()
		}
		record := []string{
			strconv.FormatInt(e.Seq, 10),
			e.At.UTC().Format(time.RFC3339),
			strconv.FormatInt(e.ActorID, 10),
			e.Action,
			e.Category,
			e.ResourceType,
			e.ResourceID,
			e.Caller.OriginIP,
			e.Caller.SessionID,
			e.CorrelationID.String(),
			approvalID,
			e.PrevHash,
			e.Hash,
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
