package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/controlplane/internal/audit"
	"github.com/alanyoungcy/controlplane/internal/domain"
	"github.com/alanyoungcy/controlplane/internal/fanout"
)

const verifyPage = 5000

// Journal reads back the durable event stream.
type Journal interface {
	Read(ctx context.Context, after string, count int) ([]fanout.JournalEntry, error)
}

// AuditHandler exposes the audit chain and the event journal.
type AuditHandler struct {
	store   domain.AuditStore
	journal Journal
	logger  *slog.Logger
}

// NewAuditHandler creates an AuditHandler. journal may be nil.
func NewAuditHandler(store domain.AuditStore, journal Journal, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{store: store, journal: journal, logger: logger}
}

// ListAudit returns audit entries oldest first.
// GET /api/audit?limit=100&offset=0&since=2026-01-02T15:04:05Z
func (h *AuditHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if _, err := domain.Authorize(r.Context(), domain.CapReadOnly); err != nil {
		writeServiceError(w, r, h.logger, "list audit", err)
		return
	}
	opts := domain.ListOpts{Limit: parseLimit(r, 100)}
	q := r.URL.Query()
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		opts.Offset = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		opts.Since = &t
	}

	entries, err := h.store.List(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list audit", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// VerifyAudit walks the whole chain and reports the first break.
// GET /api/audit/verify
func (h *AuditHandler) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	if _, err := domain.Authorize(r.Context(), domain.CapReadOnly); err != nil {
		writeServiceError(w, r, h.logger, "verify audit", err)
		return
	}

	checked, head := 0, ""
	for {
		page, err := h.store.List(r.Context(), domain.ListOpts{Limit: verifyPage, Offset: checked})
		if err != nil {
			writeServiceError(w, r, h.logger, "verify audit", err)
			return
		}
		if len(page) == 0 {
			break
		}
		if page[0].PrevDigest != head {
			h.reportBroken(w, r, checked, "chain broken at page boundary")
			return
		}
		if err := audit.Verify(page); err != nil {
			h.reportBroken(w, r, checked, err.Error())
			return
		}
		checked += len(page)
		head = page[len(page)-1].Digest
		if len(page) < verifyPage {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "entries": checked, "head": head})
}

func (h *AuditHandler) reportBroken(w http.ResponseWriter, r *http.Request, checked int, reason string) {
	h.logger.ErrorContext(r.Context(), "handler: audit chain verification failed",
		slog.Int("checked", checked),
		slog.String("reason", reason),
	)
	writeJSON(w, http.StatusOK, map[string]any{"valid": false, "entries": checked, "error": reason})
}

// ListEvents reads the durable event journal.
// GET /api/events?after=1700000000000-0&limit=100
func (h *AuditHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if _, err := domain.Authorize(r.Context(), domain.CapReadOnly); err != nil {
		writeServiceError(w, r, h.logger, "list events", err)
		return
	}
	if h.journal == nil {
		writeError(w, http.StatusNotImplemented, "event journal is not enabled")
		return
	}
	entries, err := h.journal.Read(r.Context(), r.URL.Query().Get("after"), parseLimit(r, 100))
	if err != nil {
		writeServiceError(w, r, h.logger, "list events", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": entries})
}
