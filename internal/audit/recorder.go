// Package audit chains audit records into a tamper-evident log.
package audit

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/alanyoungcy/controlplane/internal/domain"
)

// Recorder implements domain.AuditSink. Each entry's digest covers the
// previous entry's digest, so any edit to history breaks the chain.
type Recorder struct {
	store domain.AuditStore

	mu     sync.Mutex
	last   string
	loaded bool
}

// NewRecorder creates a Recorder appending to store.
func NewRecorder(store domain.AuditStore) *Recorder {
	return &Recorder{store: store}
}

// Record appends rec to the chain.
func (r *Recorder) Record(ctx context.Context, rec domain.AuditRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.Timestamp = rec.Timestamp.UTC().Truncate(time.Microsecond)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.loaded {
		prev, err := r.store.LastDigest(ctx)
		if err != nil {
			return fmt.Errorf("audit: load chain head: %w", err)
		}
		r.last = prev
		r.loaded = true
	}

	digest, err := Digest(r.last, rec)
	if err != nil {
		return err
	}
	entry := domain.AuditEntry{Record: rec, Digest: digest, PrevDigest: r.last}
	if err := r.store.Append(ctx, entry); err != nil {
		return fmt.Errorf("audit: append %s: %w", rec.Action, err)
	}
	r.last = digest
	return nil
}

// Digest returns the hex SHA3-256 of prev followed by the canonical JSON
// form of rec. Object keys are sorted so a record read back from storage
// hashes the same as the one written.
func Digest(prev string, rec domain.AuditRecord) (string, error) {
	data, err := canonical(rec)
	if err != nil {
		return "", err
	}
	h := sha3.New256()
	h.Write([]byte(prev))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func canonical(rec domain.AuditRecord) ([]byte, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal record: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("audit: canonicalize record: %w", err)
	}
	return json.Marshal(generic)
}

// Verify checks that entries, oldest first, form an unbroken chain.
func Verify(entries []domain.AuditEntry) error {
	prev := ""
	for i, e := range entries {
		if i > 0 && e.PrevDigest != prev {
			return fmt.Errorf("audit: entry %d: chain broken", e.ID)
		}
		want, err := Digest(e.PrevDigest, e.Record)
		if err != nil {
			return err
		}
		if want != e.Digest {
			return fmt.Errorf("audit: entry %d: digest mismatch", e.ID)
		}
		prev = e.Digest
	}
	return nil
}

var _ domain.AuditSink = (*Recorder)(nil)
