package jobs

import (
	"encoding/json"
	"time"
)

// EventType はキューが発行するライフサイクルイベントの種別です。
type EventType string

const (
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Result はワーカーが成功時に返す結果です。キューの結果領域とイベントの両方に載ります。
type Result struct {
	ArtifactURL string          `json:"artifactUrl,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// Event はキューのライフサイクルイベントです。配送は at-least-once なので重複し得ます。
type Event struct {
	ID     string    `json:"id,omitempty"`
	Queue  string    `json:"queue"`
	Type   EventType `json:"type"`
	JobID  string    `json:"jobId"`
	Result *Result   `json:"result,omitempty"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}
