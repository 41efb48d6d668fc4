package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"contract-ingest/config"
	"contract-ingest/models"
	"contract-ingest/storage"
	"contract-ingest/utils"
)

// keyLength is the number of hex characters of the key digest kept.
const keyLength = 32

// Canonicalizer maps raw items onto canonical records: it derives the
// canonical key and merges field values with per-field provenance.
type Canonicalizer struct {
	entity    string
	keyFields []string
	tracked   []string
	logger    *utils.Logger
}

// NewCanonicalizer creates a Canonicalizer for the configured entity.
func NewCanonicalizer(entity config.Entity, logger *utils.Logger) *Canonicalizer {
	keyFields := append([]string(nil), entity.KeyFields...)
	sort.Strings(keyFields)
	return &Canonicalizer{
		entity:    entity.Type,
		keyFields: keyFields,
		tracked:   append([]string(nil), entity.TrackedFields...),
		logger:    logger,
	}
}

// Key derives the canonical key of item from its natural identifier only.
// Field order and incidental casing or spacing do not affect the result.
func (c *Canonicalizer) Key(item *models.RawItem) (string, error) {
	h := sha256.New()
	for _, name := range c.keyFields {
		v := utils.CompactUpper(item.NaturalID[name])
		if v == "" {
			return "", &models.ValidationError{
				SourceID: item.SourceID,
				Ref:      item.Ref,
				Field:    "NaturalID[" + name + "]",
				Reason:   "is empty",
			}
		}
		fmt.Fprintf(h, "%s=%s\x1f", name, v)
	}
	return c.entity + ":" + hex.EncodeToString(h.Sum(nil))[:keyLength], nil
}

// Merge folds item into existing (nil for a new key) and reports whether the
// result differs. existing is never modified.
//
// Rules: an incoming non-null value that differs replaces the stored one and
// takes over its provenance, unless the stored value was observed later. Null
// never overwrites. Key fields are fixed at creation.
func (c *Canonicalizer) Merge(existing *models.CanonicalRecord, key string, item *models.RawItem) (*models.CanonicalRecord, bool) {
	observed := item.ObservedAt.UTC()
	stamp := models.FieldSource{Source: item.SourceID, ObservedAt: observed}

	var rec *models.CanonicalRecord
	changed := false
	if existing == nil {
		rec = &models.CanonicalRecord{
			Key:         key,
			EntityType:  c.entity,
			Fields:      make(map[string]string),
			Provenance:  make(map[string]models.FieldSource),
			Sources:     make(map[string]models.SourceContribution),
			FirstSeenAt: observed,
		}
		for _, name := range c.keyFields {
			rec.Fields[name] = utils.NormaliseText(item.NaturalID[name])
			rec.Provenance[name] = stamp
		}
		changed = true
	} else {
		rec = existing.Clone()
	}

	var written []string
	supplied := make([]string, 0, len(item.Fields))
	for name, val := range item.Fields {
		if val == nil || c.isKeyField(name) {
			continue
		}
		supplied = append(supplied, name)
		if cur, ok := rec.Fields[name]; ok && cur == *val {
			continue
		}
		if prov, ok := rec.Provenance[name]; ok && observed.Before(prov.ObservedAt) {
			c.logger.Debug("[canonicalizer] %s: keeping newer %s from %s over %s", key, name, prov.Source, item.SourceID)
			continue
		}
		rec.Fields[name] = *val
		rec.Provenance[name] = stamp
		written = append(written, name)
	}
	if len(written) > 0 {
		changed = true
	}

	if c.contribute(rec, item.SourceID, supplied, len(written) > 0, observed) {
		changed = true
	}

	score := c.Completeness(rec)
	if score != rec.CompletenessScore {
		rec.CompletenessScore = score
		changed = true
	}
	if changed {
		rec.UpdatedAt = observed
	}
	return rec, changed
}

// contribute records which fields source has supplied. It reports whether the
// contribution changed.
func (c *Canonicalizer) contribute(rec *models.CanonicalRecord, source string, supplied []string, wrote bool, at time.Time) bool {
	sc, ok := rec.Sources[source]
	if !ok {
		sort.Strings(supplied)
		rec.Sources[source] = models.SourceContribution{
			Source:    source,
			Fields:    supplied,
			FirstSeen: at,
			LastWrite: at,
		}
		return true
	}

	grew := false
	for _, name := range supplied {
		if !contains(sc.Fields, name) {
			sc.Fields = append(sc.Fields, name)
			grew = true
		}
	}
	if !grew && !wrote {
		return false
	}
	sort.Strings(sc.Fields)
	sc.LastWrite = at
	rec.Sources[source] = sc
	return true
}

// Completeness is the fraction of tracked fields holding a value.
func (c *Canonicalizer) Completeness(rec *models.CanonicalRecord) float64 {
	if len(c.tracked) == 0 {
		return 0
	}
	filled := 0
	for _, name := range c.tracked {
		if strings.TrimSpace(rec.Fields[name]) != "" {
			filled++
		}
	}
	return float64(filled) / float64(len(c.tracked))
}

// Ingest canonicalises item and upserts it into store.
func (c *Canonicalizer) Ingest(ctx context.Context, store storage.RecordStore, item *models.RawItem) (models.UpsertOutcome, error) {
	key, err := c.Key(item)
	if err != nil {
		return "", err
	}
	outcome, err := store.UpsertRecord(ctx, key, func(existing *models.CanonicalRecord) (*models.CanonicalRecord, bool) {
		return c.Merge(existing, key, item)
	})
	if err != nil {
		return "", fmt.Errorf("upsert %s: %w", key, err)
	}
	return outcome, nil
}

func (c *Canonicalizer) isKeyField(name string) bool {
	return contains(c.keyFields, name)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
