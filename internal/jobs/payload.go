package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// QueueConvert は文書取得から成果物生成までを行う変換キューです。
	QueueConvert = "convert"
	// QueueDeliver は完了通知を送るキューです。
	QueueDeliver = "deliver"
)

// Queues は登録済みのキュー名です。
var Queues = []string{QueueConvert, QueueDeliver}

// Payload はキュー名で識別されるジョブペイロードです。
type Payload interface {
	QueueName() string
	TaskID() string
	Validate() error
}

// ConvertPayload は変換ジョブのペイロードです。
type ConvertPayload struct {
	JobID     string `json:"jobId"`
	SubjectID string `json:"subjectId"`
	OwnerID   string `json:"ownerId,omitempty"`
}

func (p *ConvertPayload) QueueName() string { return QueueConvert }

func (p *ConvertPayload) TaskID() string { return p.JobID }

func (p *ConvertPayload) Validate() error {
	if strings.TrimSpace(p.JobID) == "" {
		return fmt.Errorf("%w: convert payload missing jobId", ErrValidation)
	}
	if strings.TrimSpace(p.SubjectID) == "" {
		return fmt.Errorf("%w: convert payload missing subjectId", ErrValidation)
	}
	return nil
}

// DeliverPayload は完了通知ジョブのペイロードです。
type DeliverPayload struct {
	JobID       string `json:"jobId"`
	OwnerID     string `json:"ownerId"`
	ArtifactURL string `json:"artifactUrl"`
}

func (p *DeliverPayload) QueueName() string { return QueueDeliver }

// TaskID は変換ジョブと衝突しないよう接頭辞を付けます。
func (p *DeliverPayload) TaskID() string { return "deliver-" + p.JobID }

func (p *DeliverPayload) Validate() error {
	if strings.TrimSpace(p.JobID) == "" {
		return fmt.Errorf("%w: deliver payload missing jobId", ErrValidation)
	}
	if strings.TrimSpace(p.OwnerID) == "" {
		return fmt.Errorf("%w: deliver payload missing ownerId", ErrValidation)
	}
	if strings.TrimSpace(p.ArtifactURL) == "" {
		return fmt.Errorf("%w: deliver payload missing artifactUrl", ErrValidation)
	}
	return nil
}

// DecodePayload はキュー名に応じてペイロードを復元します。
func DecodePayload(queue string, data []byte) (Payload, error) {
	var p Payload
	switch queue {
	case QueueConvert:
		p = &ConvertPayload{}
	case QueueDeliver:
		p = &DeliverPayload{}
	default:
		return nil, fmt.Errorf("%w: unknown queue %q", ErrValidation, queue)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", queue, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
