package analyze

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"

	"github.com/kalambet/pictag/internal/storage"
	"github.com/kalambet/pictag/internal/vectors"
)

// excerptLimit bounds the stored text excerpt, in runes.
const excerptLimit = 500

// MediaStore is the subset of storage the analyzers read and update.
type MediaStore interface {
	GetMediaFile(id string) (storage.MediaFile, error)
	GetEndpoint(id string) (storage.StorageEndpoint, error)
	UpdateMediaProbe(id string, width, height, pages int, excerpt string) error
}

// TextEmbedder generates embeddings for a batch of texts, in input order.
type TextEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore replaces the vector rows of a media file.
type VectorStore interface {
	DeleteByMedia(mediaID string) error
	Insert(records []vectors.Record) error
}

// Analyzer implements the queue handlers that extract media metadata
// and keep the vector index in step with it.
type Analyzer struct {
	store    MediaStore
	embedder TextEmbedder
	vectors  VectorStore
	dataDir  string
	logger   *slog.Logger
}

// NewAnalyzer creates an Analyzer with the given dependencies.
func NewAnalyzer(store MediaStore, embedder TextEmbedder, vectors VectorStore, dataDir string) *Analyzer {
	return &Analyzer{
		store:    store,
		embedder: embedder,
		vectors:  vectors,
		dataDir:  dataDir,
		logger:   slog.Default(),
	}
}

type mediaPayload struct {
	MediaID string `json:"media_id"`
}

// HandleImage fills in the pixel dimensions of an image file.
func (a *Analyzer) HandleImage(ctx context.Context, task *storage.Task) error {
	m, err := a.taskMedia(task)
	if err != nil {
		return err
	}
	path, err := a.mediaPath(m)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", m.Path, err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			// No registered decoder for this extension; the record
			// keeps zero dimensions.
			a.logger.Warn("unsupported image format", "media_id", m.ID, "path", m.Path)
			return nil
		}
		return fmt.Errorf("decoding %s: %w", m.Path, err)
	}

	return a.store.UpdateMediaProbe(m.ID, cfg.Width, cfg.Height, 0, "")
}

// HandleDocument records a page count and text excerpt for a document.
func (a *Analyzer) HandleDocument(ctx context.Context, task *storage.Task) error {
	m, err := a.taskMedia(task)
	if err != nil {
		return err
	}
	path, err := a.mediaPath(m)
	if err != nil {
		return err
	}

	var (
		pages   int
		excerpt string
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		pages, excerpt, err = probePDF(path)
		if err != nil {
			return fmt.Errorf("probing %s: %w", m.Path, err)
		}
	case ".txt", ".md":
		excerpt, err = readExcerpt(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", m.Path, err)
		}
	default:
		a.logger.Warn("unsupported document format", "media_id", m.ID, "path", m.Path)
		return nil
	}

	return a.store.UpdateMediaProbe(m.ID, 0, 0, pages, excerpt)
}

// HandleVector rebuilds the vector rows of a media file: title and tags
// embed as one vector, the excerpt as a second. Media with no text ends
// up with no vectors.
func (a *Analyzer) HandleVector(ctx context.Context, task *storage.Task) error {
	m, err := a.taskMedia(task)
	if err != nil {
		return err
	}

	texts := embedTexts(m)
	if len(texts) == 0 {
		if err := a.vectors.DeleteByMedia(m.ID); err != nil {
			return fmt.Errorf("clearing vectors for %s: %w", m.ID, err)
		}
		return nil
	}

	vecs, err := a.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding media %s: %w", m.ID, err)
	}

	if err := a.vectors.DeleteByMedia(m.ID); err != nil {
		return fmt.Errorf("clearing vectors for %s: %w", m.ID, err)
	}
	now := time.Now().UTC()
	records := make([]vectors.Record, len(texts))
	for i := range texts {
		records[i] = vectors.Record{
			ID:        uuid.New().String(),
			MediaID:   m.ID,
			Text:      texts[i],
			Embedding: vecs[i],
			CreatedAt: now,
		}
	}
	if err := a.vectors.Insert(records); err != nil {
		return fmt.Errorf("inserting vectors for %s: %w", m.ID, err)
	}
	return nil
}

func (a *Analyzer) taskMedia(task *storage.Task) (storage.MediaFile, error) {
	var payload mediaPayload
	if err := json.Unmarshal([]byte(task.PayloadJSON), &payload); err != nil {
		return storage.MediaFile{}, fmt.Errorf("parsing payload: %w", err)
	}
	m, err := a.store.GetMediaFile(payload.MediaID)
	if err != nil {
		return storage.MediaFile{}, fmt.Errorf("loading media %s: %w", payload.MediaID, err)
	}
	return m, nil
}

func (a *Analyzer) mediaPath(m storage.MediaFile) (string, error) {
	ep, err := a.store.GetEndpoint(m.EndpointID)
	if err != nil {
		return "", fmt.Errorf("loading endpoint %s: %w", m.EndpointID, err)
	}
	return filepath.Join(ep.Root(a.dataDir), filepath.FromSlash(m.Path)), nil
}

// probePDF returns the page count and leading text of a PDF. The parser
// panics on some malformed files, so the probe runs under recover.
func probePDF(path string) (pages int, excerpt string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	f, reader, err := pdf.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	pages = reader.NumPage()

	text, err := reader.GetPlainText()
	if err != nil {
		// The page count alone still gets recorded.
		return pages, "", nil
	}
	raw, err := io.ReadAll(io.LimitReader(text, excerptLimit*4))
	if err != nil {
		return pages, "", nil
	}
	return pages, clampExcerpt(string(raw)), nil
}

func readExcerpt(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	raw, err := io.ReadAll(io.LimitReader(f, excerptLimit*4))
	if err != nil {
		return "", err
	}
	return clampExcerpt(string(raw)), nil
}

// clampExcerpt collapses whitespace runs and truncates to excerptLimit
// runes so a multi-byte character is never split.
func clampExcerpt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > excerptLimit {
		s = string(r[:excerptLimit])
	}
	return s
}

// embedTexts returns the embeddable texts of a media file: title and tags
// as one entry, the excerpt as another. Empty fields drop out.
func embedTexts(m storage.MediaFile) []string {
	var texts []string

	head := make([]string, 0, 2)
	if m.Title != "" {
		head = append(head, m.Title)
	}
	if m.Tags != "" {
		var tags []string
		if err := json.Unmarshal([]byte(m.Tags), &tags); err == nil && len(tags) > 0 {
			head = append(head, strings.Join(tags, " "))
		}
	}
	if len(head) > 0 {
		texts = append(texts, strings.Join(head, "\n"))
	}
	if m.Excerpt != "" {
		texts = append(texts, m.Excerpt)
	}
	return texts
}
