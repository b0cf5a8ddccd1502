package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/betcha/internal/domain"
)

// archiveContentType is the MIME type of newline-delimited JSON.
const archiveContentType = "application/x-ndjson"

// RoundArchiveStore is the slice of the round store the archiver reads.
type RoundArchiveStore interface {
	Get(ctx context.Context, addr common.Address) (domain.RoundSnapshot, error)
	ListSettledBefore(ctx context.Context, before time.Time) ([]domain.RoundSnapshot, error)
}

// EventArchiveStore is the slice of the event store the archiver reads.
type EventArchiveStore interface {
	ListByRound(ctx context.Context, round common.Address) ([]domain.Event, error)
}

// multipartWriter is satisfied by *Writer; fakes may omit it.
type multipartWriter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

// archiveRecord is one JSONL line. The first line of a round archive holds
// the snapshot, then one line per event in sequence order, then the round's
// audit entries oldest first.
type archiveRecord struct {
	Kind  string                `json:"kind"`
	Round *domain.RoundSnapshot `json:"round,omitempty"`
	Event *domain.Event         `json:"event,omitempty"`
	Audit *domain.AuditEntry    `json:"audit,omitempty"`
}

// RoundArchive is a decoded round archive.
type RoundArchive struct {
	Round  domain.RoundSnapshot
	Events []domain.Event
	Audit  []domain.AuditEntry
}

// ArchiveImpl implements domain.Archiver. It serializes a settled round, its
// full event log and its audit trail to JSONL and uploads it to object storage.
//
// Rows in the primary store are left in place; pruning is a separate step
// after the archive has been verified.
type ArchiveImpl struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	rounds RoundArchiveStore
	events EventArchiveStore
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewArchiver creates an ArchiveImpl. reader may be nil, in which case
// ArchiveSettledBefore re-uploads rounds already archived.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	rounds RoundArchiveStore,
	events EventArchiveStore,
	audit domain.AuditStore,
	logger *slog.Logger,
) *ArchiveImpl {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveImpl{
		writer: writer,
		reader: reader,
		rounds: rounds,
		events: events,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// archivePrefix holds one JSONL object per archived round.
const archivePrefix = "archive/rounds/"

// ArchivePath builds the object key for a round archive.
//
//	archive/rounds/0x5FbDB2315678afecb367f032d93F642f64180aa3.jsonl
func ArchivePath(addr common.Address) string {
	return archivePrefix + addr.Hex() + ".jsonl"
}

// archivedRound is the inverse of ArchivePath.
func archivedRound(path string) (common.Address, bool) {
	name, ok := strings.CutPrefix(path, archivePrefix)
	if !ok {
		return common.Address{}, false
	}
	hex, ok := strings.CutSuffix(name, ".jsonl")
	if !ok || !common.IsHexAddress(hex) {
		return common.Address{}, false
	}
	return common.HexToAddress(hex), true
}

// Archived lists the rounds already present in the bucket.
func (a *ArchiveImpl) Archived(ctx context.Context) (map[common.Address]struct{}, error) {
	infos, err := a.reader.List(ctx, archivePrefix)
	if err != nil {
		return nil, fmt.Errorf("s3blob: list archived rounds: %w", err)
	}
	out := make(map[common.Address]struct{}, len(infos))
	for _, info := range infos {
		if addr, ok := archivedRound(info.Path); ok {
			out[addr] = struct{}{}
		}
	}
	return out, nil
}

// ArchiveRound uploads the round's snapshot and events and records the
// upload in the audit log. Only settled rounds can be archived.
func (a *ArchiveImpl) ArchiveRound(ctx context.Context, addr common.Address) (string, error) {
	snap, err := a.rounds.Get(ctx, addr)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive round %s: %w", addr.Hex(), err)
	}
	if snap.Outcome == nil {
		return "", fmt.Errorf("s3blob: archive round %s: %w", addr.Hex(), domain.ErrNotSettled)
	}

	events, err := a.events.ListByRound(ctx, addr)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive round %s events: %w", addr.Hex(), err)
	}

	trail, err := a.audit.ListByRound(ctx, addr)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive round %s audit trail: %w", addr.Hex(), err)
	}

	records := make([]archiveRecord, 0, len(events)+len(trail)+1)
	records = append(records, archiveRecord{Kind: "round", Round: &snap})
	for i := range events {
		records = append(records, archiveRecord{Kind: "event", Event: &events[i]})
	}
	for i := range trail {
		records = append(records, archiveRecord{Kind: "audit", Audit: &trail[i]})
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive round %s marshal: %w", addr.Hex(), err)
	}

	path := ArchivePath(addr)
	if err := a.upload(ctx, path, buf); err != nil {
		return "", fmt.Errorf("s3blob: archive round %s upload: %w", addr.Hex(), err)
	}

	if err := a.audit.Log(ctx, "archive.round", map[string]any{
		"round":  addr.Hex(),
		"path":   path,
		"events": len(events),
		"bytes":  len(buf),
	}); err != nil {
		return path, fmt.Errorf("s3blob: archive round %s audit log: %w", addr.Hex(), err)
	}

	return path, nil
}

// ArchiveSettledBefore archives every round settled before the cutoff that
// is not yet in the bucket, returning how many were uploaded. A failure on
// one round is logged and does not stop the others.
func (a *ArchiveImpl) ArchiveSettledBefore(ctx context.Context, before time.Time) (int, error) {
	snaps, err := a.rounds.ListSettledBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: list settled before %s: %w", before.Format(time.RFC3339), err)
	}

	var done map[common.Address]struct{}
	if a.reader != nil && len(snaps) > 0 {
		if done, err = a.Archived(ctx); err != nil {
			return 0, err
		}
	}

	archived := 0
	for _, snap := range snaps {
		if err := ctx.Err(); err != nil {
			return archived, err
		}
		if _, ok := done[snap.Address]; ok {
			continue
		}
		path, err := a.ArchiveRound(ctx, snap.Address)
		if err != nil {
			a.logger.ErrorContext(ctx, "archive round failed",
				slog.String("round", snap.Address.Hex()),
				slog.String("error", err.Error()),
			)
			continue
		}
		a.logger.InfoContext(ctx, "round archived",
			slog.String("round", snap.Address.Hex()),
			slog.String("path", path),
		)
		archived++
	}
	return archived, nil
}

func (a *ArchiveImpl) upload(ctx context.Context, path string, buf []byte) error {
	if mw, ok := a.writer.(multipartWriter); ok && int64(len(buf)) > minPartSize {
		return mw.PutMultipart(ctx, path, bytes.NewReader(buf), archiveContentType, minPartSize)
	}
	return a.writer.Put(ctx, path, bytes.NewReader(buf), archiveContentType)
}

// ReadArchive decodes a round archive produced by ArchiveRound.
func ReadArchive(r io.Reader) (RoundArchive, error) {
	dec := json.NewDecoder(r)
	var (
		out  RoundArchive
		seen bool
	)
	for {
		var rec archiveRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return RoundArchive{}, fmt.Errorf("s3blob: decode archive: %w", err)
		}
		switch {
		case rec.Kind == "round" && rec.Round != nil:
			out.Round = *rec.Round
			seen = true
		case rec.Kind == "event" && rec.Event != nil:
			out.Events = append(out.Events, *rec.Event)
		case rec.Kind == "audit" && rec.Audit != nil:
			out.Audit = append(out.Audit, *rec.Audit)
		default:
			return RoundArchive{}, fmt.Errorf("s3blob: decode archive: unknown record %q", rec.Kind)
		}
	}
	if !seen {
		return RoundArchive{}, errors.New("s3blob: decode archive: missing round record")
	}
	return out, nil
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
