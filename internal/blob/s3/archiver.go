package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/controlplane/internal/audit"
	"github.com/alanyoungcy/controlplane/internal/domain"
)

const defaultArchiveBatch = 5000

// AuditArchiver copies the audit chain to object storage as JSONL files,
// one file per run. Each batch is verified as a chain before upload. Rows in
// the primary store are never deleted here.
type AuditArchiver struct {
	writer domain.BlobWriter
	store  domain.AuditStore
	prefix string
	batch  int
	logger *slog.Logger

	lastID   int64
	lastAt   *time.Time
	lastHash string
}

// NewAuditArchiver creates an archiver writing under prefix.
func NewAuditArchiver(writer domain.BlobWriter, store domain.AuditStore, prefix string, logger *slog.Logger) *AuditArchiver {
	return &AuditArchiver{
		writer: writer,
		store:  store,
		prefix: prefix,
		batch:  defaultArchiveBatch,
		logger: logger.With(slog.String("component", "audit_archiver")),
	}
}

// Run archives on every interval tick until ctx is cancelled.
func (a *AuditArchiver) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, path, err := a.ArchiveOnce(ctx)
			if err != nil {
				a.logger.WarnContext(ctx, "audit_archiver: archive failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				a.logger.InfoContext(ctx, "audit_archiver: archived", slog.Int("count", n), slog.String("path", path))
			}
		}
	}
}

// ArchiveOnce uploads entries appended since the previous run. It returns
// how many were written and where.
func (a *AuditArchiver) ArchiveOnce(ctx context.Context) (int, string, error) {
	entries, err := a.store.List(ctx, domain.ListOpts{Since: a.lastAt, Limit: a.batch})
	if err != nil {
		return 0, "", fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	fresh := entries[:0]
	for _, e := range entries {
		if e.ID > a.lastID {
			fresh = append(fresh, e)
		}
	}
	if len(fresh) == 0 {
		return 0, "", nil
	}
	if a.lastHash != "" && fresh[0].PrevDigest != a.lastHash {
		return 0, "", fmt.Errorf("s3blob: archive audit: entry %d does not follow archived head", fresh[0].ID)
	}
	if err := audit.Verify(fresh); err != nil {
		return 0, "", fmt.Errorf("s3blob: archive audit: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, e := range fresh {
		if err := enc.Encode(e); err != nil {
			return 0, "", fmt.Errorf("s3blob: archive audit encode %d: %w", e.ID, err)
		}
	}

	first, last := fresh[0], fresh[len(fresh)-1]
	path := fmt.Sprintf("%s/%s/%012d-%012d.jsonl",
		a.prefix, last.Record.Timestamp.UTC().Format("2006/01/02"), first.ID, last.ID)
	if err := a.writer.Put(ctx, path, &buf, "application/x-ndjson"); err != nil {
		return 0, "", fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	at := last.Record.Timestamp
	a.lastID, a.lastAt, a.lastHash = last.ID, &at, last.Digest
	return len(fresh), path, nil
}
