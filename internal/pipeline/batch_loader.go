package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/alanyoungcy/fillindexer/internal/domain"
)

// FillCreator is the ingest entry point the loader feeds.
type FillCreator interface {
	CreateFills(ctx context.Context, fills []domain.Fill, tx domain.Tx) error
}

// BlobArchiver moves a processed batch object out of the input prefix.
type BlobArchiver interface {
	Archive(ctx context.Context, key, dstPrefix string) error
}

// DefaultLoadBatchSize caps the fills passed to one CreateFills call.
const DefaultLoadBatchSize = 500

// BatchLoader reads fill batch files and ingests them, one transaction per
// chunk of BatchSize fills.
type BatchLoader struct {
	ingestor  FillCreator
	txs       domain.TxBeginner
	audit     domain.AuditLog
	batchSize int
	logger    *slog.Logger
}

// NewBatchLoader creates a BatchLoader. audit may be nil.
func NewBatchLoader(ingestor FillCreator, txs domain.TxBeginner, audit domain.AuditLog, batchSize int, logger *slog.Logger) *BatchLoader {
	if batchSize <= 0 {
		batchSize = DefaultLoadBatchSize
	}
	return &BatchLoader{
		ingestor:  ingestor,
		txs:       txs,
		audit:     audit,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "batch_loader")),
	}
}

// DecodeFills parses a JSON array of fills or newline-delimited fill
// objects.
func DecodeFills(r io.Reader) ([]domain.Fill, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline: read fills: %w", err)
	}

	if first == '[' {
		var fills []domain.Fill
		if err := json.NewDecoder(br).Decode(&fills); err != nil {
			return nil, fmt.Errorf("pipeline: decode fill array: %w: %w", domain.ErrInvalidInput, err)
		}
		return fills, nil
	}

	var fills []domain.Fill
	dec := json.NewDecoder(br)
	for {
		var f domain.Fill
		err := dec.Decode(&f)
		if errors.Is(err, io.EOF) {
			return fills, nil
		}
		if err != nil {
			return nil, fmt.Errorf("pipeline: decode fill %d: %w: %w", len(fills), domain.ErrInvalidInput, err)
		}
		fills = append(fills, f)
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

// Load ingests every fill read from r. source names r in logs and audit.
func (l *BatchLoader) Load(ctx context.Context, source string, r io.Reader) (int, error) {
	fills, err := DecodeFills(r)
	if err != nil {
		return 0, fmt.Errorf("pipeline: %s: %w", source, err)
	}

	start := time.Now()
	total := 0
	for lo := 0; lo < len(fills); lo += l.batchSize {
		hi := min(lo+l.batchSize, len(fills))
		if err := l.ingestChunk(ctx, fills[lo:hi]); err != nil {
			return total, fmt.Errorf("pipeline: %s: fills %d-%d: %w", source, lo, hi-1, err)
		}
		total += hi - lo
	}

	l.logger.InfoContext(ctx, "batch loaded",
		slog.String("source", source),
		slog.Int("fills", total),
		slog.Duration("elapsed", time.Since(start)),
	)
	if l.audit != nil {
		if err := l.audit.Log(ctx, "fills_ingested", map[string]any{"source": source, "count": total}); err != nil {
			l.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	return total, nil
}

func (l *BatchLoader) ingestChunk(ctx context.Context, fills []domain.Fill) error {
	tx, err := l.txs.Begin(ctx)
	if err != nil {
		return err
	}
	if err := l.ingestor.CreateFills(ctx, fills, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			l.logger.WarnContext(ctx, "rollback failed", slog.String("error", rbErr.Error()))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LoadFile ingests a local batch file.
func (l *BatchLoader) LoadFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("pipeline: open %s: %w", path, err)
	}
	defer f.Close()
	return l.Load(ctx, path, f)
}

// LoadBlobs ingests every object under prefix in key order. When archiver
// is set each loaded object is moved under archivePrefix. It stops at the
// first failing object.
func (l *BatchLoader) LoadBlobs(ctx context.Context, blobs domain.BlobReader, prefix string, archiver BlobArchiver, archivePrefix string) (int, error) {
	infos, err := blobs.List(ctx, prefix)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := l.loadBlob(ctx, blobs, info.Path)
		total += n
		if err != nil {
			return total, err
		}
		if archiver != nil && archivePrefix != "" {
			if err := archiver.Archive(ctx, info.Path, archivePrefix); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

func (l *BatchLoader) loadBlob(ctx context.Context, blobs domain.BlobReader, key string) (int, error) {
	body, err := blobs.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	defer body.Close()
	return l.Load(ctx, key, body)
}
