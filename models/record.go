package models

import "time"

// UpsertOutcome is what a single upsert did to the store.
type UpsertOutcome string

const (
	OutcomeInserted  UpsertOutcome = "inserted"
	OutcomeUpdated   UpsertOutcome = "updated"
	OutcomeUnchanged UpsertOutcome = "unchanged"
)

// FieldSource records which source last wrote a field and when.
type FieldSource struct {
	Source     string    `json:"source"`
	ObservedAt time.Time `json:"observed_at"`
}

// SourceContribution records what one source has supplied to a record.
type SourceContribution struct {
	Source    string    `json:"source"`
	Fields    []string  `json:"fields"`
	FirstSeen time.Time `json:"first_seen"`
	LastWrite time.Time `json:"last_write"`
}

// CanonicalRecord is the deduplicated entity, one per canonical key.
type CanonicalRecord struct {
	ID                int64                         `json:"id,omitempty"`
	Key               string                        `json:"canonical_key"`
	EntityType        string                        `json:"entity_type"`
	Fields            map[string]string             `json:"fields"`
	Provenance        map[string]FieldSource        `json:"field_provenance"`
	Sources           map[string]SourceContribution `json:"sources"`
	CompletenessScore float64                       `json:"completeness_score"`
	FirstSeenAt       time.Time                     `json:"first_seen_at"`
	UpdatedAt         time.Time                     `json:"updated_at"`
}

// Clone returns a deep copy of the record.
func (r *CanonicalRecord) Clone() *CanonicalRecord {
	c := *r
	c.Fields = make(map[string]string, len(r.Fields))
	for k, v := range r.Fields {
		c.Fields[k] = v
	}
	c.Provenance = make(map[string]FieldSource, len(r.Provenance))
	for k, v := range r.Provenance {
		c.Provenance[k] = v
	}
	c.Sources = make(map[string]SourceContribution, len(r.Sources))
	for k, v := range r.Sources {
		v.Fields = append([]string(nil), v.Fields...)
		c.Sources[k] = v
	}
	return &c
}
