package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/openfolio/posengine/internal/domain"
)

// PositionArchiver writes the final snapshot of an accounted position
// to cold storage, keyed by closing date. The hot store keeps the
// position too; the archive is the long-term audit copy.
type PositionArchiver struct {
	writer *Writer
	prefix string
}

var _ domain.Archiver = (*PositionArchiver)(nil)

// NewPositionArchiver creates the archiver. prefix is prepended to
// every object key, e.g. "positions".
func NewPositionArchiver(writer *Writer, prefix string) *PositionArchiver {
	if prefix == "" {
		prefix = "positions"
	}
	return &PositionArchiver{writer: writer, prefix: prefix}
}

// ArchivePosition uploads the full position document as JSON and
// returns the object key.
func (a *PositionArchiver) ArchivePosition(ctx context.Context, p domain.Position) (string, error) {
	closedAt := p.UpdatedAt
	if p.ClosedAt != nil {
		closedAt = *p.ClosedAt
	}

	key := fmt.Sprintf("%s/%04d/%02d/%s.json", a.prefix, closedAt.Year(), int(closedAt.Month()), p.ID)

	body, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal position %s: %w", p.ID, err)
	}

	if err := a.writer.Put(ctx, key, bytes.NewReader(body), "application/json"); err != nil {
		return "", err
	}
	return key, nil
}
