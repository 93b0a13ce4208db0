package ingestion

import (
	"Percolator/internal/event"
	"Percolator/internal/slab"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
)

// ErrMalformedSnapshot marks messages that can never be processed. The
// subscriber terminates them instead of redelivering.
var ErrMalformedSnapshot = errors.New("malformed snapshot message")

// --- JSON wire format ---
// Published by fetchers. Field names use snake_case to match upstream
// producers; data is the raw account data, base64 (standard alphabet).

type snapshotJSON struct {
	Slab      string    `json:"slab"`
	Slot      uint64    `json:"slot"`
	Data      string    `json:"data"`
	Encoding  string    `json:"encoding,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// ParseSnapshot converts a raw message into a typed snapshot. Every
// failure wraps ErrMalformedSnapshot. Layout checks beyond the total
// length are left to the slab decoder.
func ParseSnapshot(raw RawSnapshot) (*event.SlabSnapshot, error) {
	var j snapshotJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedSnapshot, err)
	}

	key, err := solana.PublicKeyFromBase58(j.Slab)
	if err != nil {
		return nil, fmt.Errorf("%w: slab %q: %w", ErrMalformedSnapshot, j.Slab, err)
	}

	if strings.HasPrefix(raw.Subject, SnapshotSubjectPrefix) {
		if subjectSlab := strings.TrimPrefix(raw.Subject, SnapshotSubjectPrefix); subjectSlab != j.Slab {
			return nil, fmt.Errorf("%w: subject slab %s does not match payload slab %s",
				ErrMalformedSnapshot, subjectSlab, j.Slab)
		}
	}

	if j.Slot == 0 {
		return nil, fmt.Errorf("%w: slot must be positive", ErrMalformedSnapshot)
	}

	if j.Encoding != "" && j.Encoding != "base64" {
		return nil, fmt.Errorf("%w: unsupported encoding %q", ErrMalformedSnapshot, j.Encoding)
	}
	data, err := base64.StdEncoding.DecodeString(j.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data: %w", ErrMalformedSnapshot, err)
	}
	if _, ok := slab.DetectLayout(len(data)); !ok {
		return nil, fmt.Errorf("%w: %d bytes matches no slab capacity tier", ErrMalformedSnapshot, len(data))
	}

	fetchedAt := j.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = raw.ReceivedAt
	}

	return &event.SlabSnapshot{
		Slab:      key,
		Slot:      j.Slot,
		Data:      data,
		FetchedAt: fetchedAt.UTC(),
	}, nil
}

// EncodeSnapshot renders a snapshot in the wire format, with the subject it
// should be published on.
func EncodeSnapshot(s *event.SlabSnapshot) (subject string, payload []byte, err error) {
	payload, err = json.Marshal(snapshotJSON{
		Slab:      s.Slab.String(),
		Slot:      s.Slot,
		Data:      base64.StdEncoding.EncodeToString(s.Data),
		Encoding:  "base64",
		FetchedAt: s.FetchedAt.UTC(),
	})
	if err != nil {
		return "", nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return SnapshotSubjectPrefix + s.Slab.String(), payload, nil
}
