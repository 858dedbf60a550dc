package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// RunCursor marks the last run of a history page
type RunCursor struct {
	Seq   int64
	RunID string
}

func DecodeRunCursor(cursorStr string) (*RunCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	parts := strings.Split(string(decoded), "|")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var seq int64
	if _, err := fmt.Sscanf(parts[0], "%d", &seq); err != nil {
		return nil, fmt.Errorf("invalid seq in cursor: %w", err)
	}
	if seq <= 0 {
		return nil, fmt.Errorf("invalid seq in cursor: %d", seq)
	}

	return &RunCursor{Seq: seq, RunID: parts[1]}, nil
}

func EncodeRunCursor(cursor *RunCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.Seq, cursor.RunID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}
