// Package codec converts managed certificates to and from their stored JSON
// form.
//
// Decoding is tolerant: unknown fields are ignored, missing fields keep their
// zero value and field names match case-insensitively, so exports written by
// older releases (PascalCase keys) load without a conversion step.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/certstore/pkg/types"
)

// Encode serializes a document for storage. Timestamps are normalized to UTC
// so engines can compare them as text.
func Encode(doc *types.ManagedCertificate) ([]byte, error) {
	if doc == nil {
		return nil, fmt.Errorf("cannot encode nil document")
	}

	normalized := *doc
	normalized.DateStart = utc(doc.DateStart)
	normalized.DateExpiry = utc(doc.DateExpiry)
	normalized.DateRenewed = utc(doc.DateRenewed)
	normalized.DateLastRenewalAttempt = utc(doc.DateLastRenewalAttempt)
	normalized.DateNextScheduledRenewalAttempt = utc(doc.DateNextScheduledRenewalAttempt)
	normalized.DateLastOcspCheck = utc(doc.DateLastOcspCheck)
	normalized.DateLastRenewalInfoCheck = utc(doc.DateLastRenewalInfoCheck)

	data, err := json.Marshal(&normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document %s: %w", doc.ID, err)
	}
	return data, nil
}

// Decode parses a stored document. The result is never marked changed.
func Decode(data []byte) (*types.ManagedCertificate, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("empty document")
	}

	var doc types.ManagedCertificate
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	doc.IsChanged = false
	return &doc, nil
}

// DecodeList parses a JSON array of documents, as found in legacy exports
func DecodeList(data []byte) ([]*types.ManagedCertificate, error) {
	var docs []*types.ManagedCertificate
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode document list: %w", err)
	}

	// Drop null entries
	out := docs[:0]
	for _, doc := range docs {
		if doc != nil {
			doc.IsChanged = false
			out = append(out, doc)
		}
	}
	return out, nil
}

// Clone returns a deep copy made by a round trip through the codec
func Clone(doc *types.ManagedCertificate) (*types.ManagedCertificate, error) {
	data, err := Encode(doc)
	if err != nil {
		return nil, err
	}
	clone, err := Decode(data)
	if err != nil {
		return nil, err
	}
	clone.IsChanged = doc.IsChanged
	return clone, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
