package loam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/aretw0/loam"
	"github.com/aretw0/loam/pkg/core"
	"github.com/aretw0/trailhead/internal/logging"
	"github.com/aretw0/trailhead/pkg/domain"
	"github.com/aretw0/trailhead/pkg/ports"
	"github.com/aretw0/trailhead/pkg/trail"
	"github.com/go-playground/validator/v10"
)

const (
	fenceOpen  = "```json\n"
	fenceClose = "\n```"
)

// Option configures a Library.
type Option func(*Library)

// WithLogger configures a logger for the Library.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Library) {
		l.logger = logger
	}
}

// Library stores trails as Markdown documents in a Loam repository.
// The frontmatter holds the list projection; the body holds the step sequence and the
// execution trace. The trail graph is rebuilt from the steps on Load.
type Library struct {
	repo     core.Repository
	docs     *loam.TypedRepository[TrailMetadata]
	validate *validator.Validate
	logger   *slog.Logger
}

var _ ports.TrailStore = (*Library)(nil)

// Open initialises a Loam repository at dir and wraps it.
func Open(dir string, opts ...Option) (*Library, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}
	repo, err := loam.Init(abs, loam.WithVersioning(false))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize loam: %w", err)
	}
	return New(repo, opts...), nil
}

// New wraps an existing Loam repository.
func New(repo core.Repository, opts ...Option) *Library {
	l := &Library{
		repo:     repo,
		docs:     loam.NewTypedRepository[TrailMetadata](repo),
		validate: validator.New(),
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Save writes the artifact as one document named after its id.
func (l *Library) Save(ctx context.Context, artifact *domain.TrailArtifact) error {
	if artifact.ID == "" {
		return fmt.Errorf("artifact id is required")
	}
	content, err := render(artifact)
	if err != nil {
		return err
	}
	err = l.docs.Save(ctx, &loam.DocumentModel[TrailMetadata]{
		ID:      artifact.ID,
		Content: content,
		Data:    metadataOf(artifact),
	})
	if err != nil {
		return fmt.Errorf("loam save failed for %s: %w", artifact.ID, err)
	}
	return nil
}

// Load reads a document back and rebuilds its trail.
func (l *Library) Load(ctx context.Context, id string) (*domain.TrailArtifact, error) {
	doc, err := l.docs.Get(ctx, id)
	if err != nil {
		if notFound(err) {
			return nil, domain.ErrTrailNotFound
		}
		return nil, fmt.Errorf("loam get failed for %s: %w", id, err)
	}

	b, err := parse(doc.Content)
	if err != nil {
		return nil, fmt.Errorf("trail %s: %w", id, err)
	}

	meta := doc.Data
	build := trail.Reconstruct
	if meta.Status == string(domain.TrailStatusDegraded) {
		build = trail.ReconstructSequential
	}
	res := build(b.Steps, meta.StartNodeID)

	artifactID := meta.ID
	if artifactID == "" {
		artifactID = trimExtension(doc.ID)
	}
	return &domain.TrailArtifact{
		ID:                 artifactID,
		Trail:              res.Trail,
		TrailSteps:         b.Steps,
		ExecutionTrace:     b.ExecutionTrace,
		GenerationMetadata: meta.generation(),
		Status:             domain.TrailStatus(meta.Status),
		Issues:             meta.Issues,
	}, nil
}

// List returns the frontmatter projections, newest first. Documents whose frontmatter
// is not a valid trail header are skipped.
func (l *Library) List(ctx context.Context) ([]domain.TrailListItem, error) {
	docs, err := l.docs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("loam list failed: %w", err)
	}

	items := make([]domain.TrailListItem, 0, len(docs))
	for _, doc := range docs {
		if err := l.validate.Struct(doc.Data); err != nil {
			l.logger.Warn("skipping document without a trail header", "path", doc.ID, "err", err)
			continue
		}
		items = append(items, doc.Data.item(doc.ID))
	}
	domain.SortTrailItems(items)
	return items, nil
}

// Delete removes the document. Missing documents are ignored.
func (l *Library) Delete(ctx context.Context, id string) error {
	if err := l.repo.Delete(ctx, id); err != nil && !notFound(err) {
		return fmt.Errorf("loam delete failed for %s: %w", id, err)
	}
	return nil
}

func render(a *domain.TrailArtifact) (string, error) {
	data, err := json.MarshalIndent(body{Steps: a.TrailSteps, ExecutionTrace: a.ExecutionTrace}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal trail body: %w", err)
	}

	var sb strings.Builder
	title := a.GenerationMetadata.Title
	if title == "" {
		title = a.ID
	}
	fmt.Fprintf(&sb, "# %s\n\n", title)
	if d := a.GenerationMetadata.Description; d != "" {
		fmt.Fprintf(&sb, "%s\n\n", d)
	}
	sb.WriteString(fenceOpen)
	sb.Write(data)
	sb.WriteString(fenceClose)
	sb.WriteString("\n")
	return sb.String(), nil
}

func parse(content string) (body, error) {
	var b body
	start := strings.Index(content, fenceOpen)
	end := strings.LastIndex(content, fenceClose)
	if start < 0 || end < start+len(fenceOpen) {
		return b, fmt.Errorf("document has no trail block")
	}
	if err := json.Unmarshal([]byte(content[start+len(fenceOpen):end]), &b); err != nil {
		return b, fmt.Errorf("malformed trail block: %w", err)
	}
	for i := range b.Steps {
		if b.Steps[i].Content.Choices == nil {
			b.Steps[i].Content.Choices = []domain.Choice{}
		}
	}
	return b, nil
}

// notFound recognises missing documents. Loam reports them either as fs errors or
// with a plain "not found" message depending on the adapter.
func notFound(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || strings.Contains(strings.ToLower(err.Error()), "not found")
}

func trimExtension(id string) string {
	ext := filepath.Ext(id)
	if ext != "" {
		return filepath.ToSlash(strings.TrimSuffix(id, ext))
	}
	return filepath.ToSlash(id)
}
