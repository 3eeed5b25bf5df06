// Package export turns a completed query into a downloadable CSV: the
// row-level result is encoded, written to the object store, and handed
// back as a presigned URL.
package export

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/kpichat/kpichat/internal/dialogue"
	"github.com/kpichat/kpichat/internal/dispatch"
	"github.com/kpichat/kpichat/internal/storage"
)

// Download points at one published export.
type Download struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
	Rows      int       `json:"rows"`
}

type Publisher struct {
	dispatcher *dispatch.Dispatcher
	store      storage.ObjectStore
	ttl        time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewPublisher(d *dispatch.Dispatcher, store storage.ObjectStore, ttl time.Duration, logger *slog.Logger) *Publisher {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Publisher{dispatcher: d, store: store, ttl: ttl, logger: logger, now: time.Now}
}

// Publish runs the detail query for the context, uploads the CSV, and
// returns a presigned download link.
func (p *Publisher) Publish(ctx context.Context, qc dialogue.QueryContext) (Download, error) {
	stmt, err := p.dispatcher.BuildDetail(qc)
	if err != nil {
		return Download{}, err
	}
	result, err := p.dispatcher.ExecuteDetail(ctx, qc)
	if err != nil {
		return Download{}, err
	}

	data, err := EncodeCSV(result)
	if err != nil {
		return Download{}, err
	}

	key, err := BuildObjectKey(qc.KPI, qc.TimeRange, statementDigest(stmt))
	if err != nil {
		return Download{}, err
	}

	if _, err := p.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{ContentType: "text/csv"}); err != nil {
		return Download{}, fmt.Errorf("upload export: %w", err)
	}
	signed, err := p.store.PresignGet(ctx, key, p.ttl)
	if err != nil {
		return Download{}, fmt.Errorf("presign export: %w", err)
	}

	p.logger.Info("export published",
		"kpi", qc.KPI,
		"time_range", qc.TimeRange,
		"rows", len(result.Rows),
		"bytes", len(data),
	)
	return Download{
		Key:       key,
		URL:       signed.String(),
		ExpiresAt: p.now().Add(p.ttl),
		Rows:      len(result.Rows),
	}, nil
}

// statementDigest identifies a statement by its SQL and parameters, so
// identical queries share one object key.
func statementDigest(stmt dispatch.Statement) string {
	h := sha256.New()
	h.Write([]byte(stmt.SQL))
	for _, arg := range stmt.Args {
		fmt.Fprintf(h, "|%v", arg)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
