package clinical

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	ResourceTypeBundle   = "Bundle"
	BundleTypeCollection = "collection"
)

// BundleEntry wraps one resource together with its type discriminator.
type BundleEntry struct {
	ResourceType string   `json:"resourceType"`
	Resource     Resource `json:"resource"`
}

// NewEntry wraps r, taking the discriminator from the resource itself.
func NewEntry(r Resource) BundleEntry {
	return BundleEntry{ResourceType: r.ResourceKind(), Resource: r}
}

// UnmarshalJSON decodes the resource using the discriminator carried inside
// the resource object.
func (e *BundleEntry) UnmarshalJSON(data []byte) error {
	var raw struct {
		ResourceType string          `json:"resourceType"`
		Resource     json.RawMessage `json:"resource"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var head struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(raw.Resource, &head); err != nil {
		return fmt.Errorf("bundle entry: resource: %w", err)
	}

	var r Resource
	switch head.ResourceType {
	case ResourceTypePatient:
		r = &Patient{}
	case ResourceTypeObservation:
		r = &Observation{}
	case ResourceTypeMedicationRequest:
		r = &MedicationRequest{}
	default:
		return fmt.Errorf("bundle entry: unknown resource type %q", head.ResourceType)
	}
	if err := json.Unmarshal(raw.Resource, r); err != nil {
		return fmt.Errorf("bundle entry: decode %s: %w", head.ResourceType, err)
	}

	e.ResourceType = raw.ResourceType
	if e.ResourceType == "" {
		e.ResourceType = head.ResourceType
	}
	e.Resource = r
	return nil
}

// VersionEntry is one checkpoint in a bundle's version history. Hash is empty
// only for the placeholder written at patient creation.
type VersionEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Message    string    `json:"message"`
	Hash       string    `json:"hash"`
	EntryCount int       `json:"entryCount"`
}

// Bundle is the full record for one patient. Entry is insert-only and
// Entry[0] is always the Patient.
type Bundle struct {
	ResourceType   string         `json:"resourceType"`
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Entry          []BundleEntry  `json:"entry"`
	VersionHistory []VersionEntry `json:"versionHistory"`
}

// NewBundle starts a collection bundle rooted at the given patient.
func NewBundle(p *Patient) *Bundle {
	return &Bundle{
		ResourceType:   ResourceTypeBundle,
		ID:             uuid.New().String(),
		Type:           BundleTypeCollection,
		Entry:          []BundleEntry{NewEntry(p)},
		VersionHistory: []VersionEntry{},
	}
}

// Append adds r to the end of the entry sequence.
func (b *Bundle) Append(r Resource) {
	b.Entry = append(b.Entry, NewEntry(r))
}

// PatientRoot returns the Patient at entry 0.
func (b *Bundle) PatientRoot() (*Patient, bool) {
	if len(b.Entry) == 0 {
		return nil, false
	}
	p, ok := b.Entry[0].Resource.(*Patient)
	return p, ok && p != nil
}

func (b *Bundle) Observations() []*Observation {
	var out []*Observation
	for _, e := range b.Entry {
		if o, ok := e.Resource.(*Observation); ok {
			out = append(out, o)
		}
	}
	return out
}

func (b *Bundle) MedicationRequests() []*MedicationRequest {
	var out []*MedicationRequest
	for _, e := range b.Entry {
		if m, ok := e.Resource.(*MedicationRequest); ok {
			out = append(out, m)
		}
	}
	return out
}

// LatestVersion returns the most recent history entry.
func (b *Bundle) LatestVersion() (VersionEntry, bool) {
	if len(b.VersionHistory) == 0 {
		return VersionEntry{}, false
	}
	return b.VersionHistory[len(b.VersionHistory)-1], true
}

// Clone returns a deep copy that shares no state with b.
func (b *Bundle) Clone() (*Bundle, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("bundle clone: marshal: %w", err)
	}
	var out Bundle
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("bundle clone: unmarshal: %w", err)
	}
	return &out, nil
}
