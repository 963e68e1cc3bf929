// Package convert は変換処理の外部協調者（文書取得、成果物生成、保存、通知）の契約と、
// それらをつなぐパイプラインを定義します。
package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/yourusername/epub-forge/internal/jobs"
)

// Document は取得した変換元文書です。
type Document struct {
	SubjectID   string
	Title       string
	ContentType string
	Body        []byte
}

// Artifact は生成された成果物です。
type Artifact struct {
	Name        string
	ContentType string
	Data        []byte
}

// Fetcher は変換元文書を取得します。
type Fetcher interface {
	Fetch(ctx context.Context, subjectID string) (*Document, error)
}

// Generator は文書から成果物を生成します。
type Generator interface {
	Generate(ctx context.Context, doc *Document) (*Artifact, error)
}

// Uploader は成果物を保存し、取得用 URL を返します。
type Uploader interface {
	Upload(ctx context.Context, key string, artifact *Artifact) (string, error)
}

// Notifier は完了を owner に通知します。
type Notifier interface {
	Notify(ctx context.Context, ownerID, jobID, artifactURL string) error
}

// Pipeline は取得、生成、保存を順に実行します。
type Pipeline struct {
	fetcher   Fetcher
	generator Generator
	uploader  Uploader
	logger    *slog.Logger
}

// NewPipeline は Pipeline を作成します。
func NewPipeline(f Fetcher, g Generator, u Uploader, logger *slog.Logger) *Pipeline {
	return &Pipeline{fetcher: f, generator: g, uploader: u, logger: logger}
}

type resultData struct {
	Title       string `json:"title,omitempty"`
	ContentType string `json:"contentType"`
	Bytes       int    `json:"bytes"`
}

// Run は jobID の変換を実行し、成果物の URL を含む結果を返します。
func (p *Pipeline) Run(ctx context.Context, jobID, subjectID string) (*jobs.Result, error) {
	doc, err := p.fetcher.Fetch(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", subjectID, err)
	}
	p.logger.Debug("fetched source document", "job_id", jobID, "subject_id", subjectID, "bytes", len(doc.Body))

	artifact, err := p.generator.Generate(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("generate artifact: %w", err)
	}

	url, err := p.uploader.Upload(ctx, ArtifactKey(jobID, artifact.Name), artifact)
	if err != nil {
		return nil, fmt.Errorf("upload artifact: %w", err)
	}

	data, err := json.Marshal(resultData{Title: doc.Title, ContentType: artifact.ContentType, Bytes: len(artifact.Data)})
	if err != nil {
		return nil, err
	}
	return &jobs.Result{ArtifactURL: url, Data: data}, nil
}

// ArtifactKey は成果物の保存先キーを返します。
func ArtifactKey(jobID, name string) string {
	if name == "" {
		name = "book.epub"
	}
	return "jobs/" + jobID + "/" + name
}

// LogNotifier は通知内容をログに出すだけの Notifier です。メール配信は外部サービスが担います。
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, ownerID, jobID, artifactURL string) error {
	n.Logger.Info("conversion finished; notifying owner", "owner_id", ownerID, "job_id", jobID, "artifact_url", artifactURL)
	return nil
}
