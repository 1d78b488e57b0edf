// Package record owns the in-memory set of patient bundles and the
// operations that mutate, commit, save and load them.
package record

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/medstore/internal/domain/clinical"
	"github.com/ehr/medstore/internal/domain/ledger"
	"github.com/ehr/medstore/internal/domain/vitals"
	"github.com/ehr/medstore/internal/platform/audit"
	"github.com/ehr/medstore/internal/platform/hipaa"
	"github.com/ehr/medstore/internal/platform/metrics"
)

var (
	ErrPatientNotFound      = errors.New("patient not found")
	ErrPatientExists        = errors.New("patient already exists")
	ErrInvalidPatientID     = errors.New("invalid patient id")
	ErrMalformedPatientRoot = errors.New("first bundle entry is not a Patient")
	ErrAuditFailed          = errors.New("audit write failed")
)

// FileExtension is the suffix of encrypted patient files.
const FileExtension = ".med"

// CreatedMessage is the ledger message of the creation entry.
const CreatedMessage = "Patient created"

var patientIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidatePatientID rejects ids that cannot safely name a file. Ids start
// with a letter or digit.
func ValidatePatientID(id string) error {
	if !patientIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidPatientID, id)
	}
	return nil
}

// FileName returns "patient_<id>.med".
func FileName(id string) string {
	return "patient_" + id + FileExtension
}

// PatientInput carries the demographics for CreatePatient.
type PatientInput struct {
	ID        string `json:"id"`
	Given     string `json:"given"`
	Family    string `json:"family"`
	Gender    string `json:"gender"`
	BirthDate string `json:"birthDate"`
}

// Options configures a Store. Sink, Codec and Ledger default to a discarding
// sink, a new codec and a checkpoint ledger.
type Options struct {
	DataDir string
	Sink    audit.Sink
	Codec   *hipaa.Codec
	Ledger  *ledger.Ledger
	Metrics *metrics.Metrics
	// Now stamps resources and audit events. Defaults to time.Now.
	Now func() time.Time
}

// Store maps patient ids to bundles. One mutex guards the map, every bundle
// and the audit sink.
type Store struct {
	mu      sync.Mutex
	bundles map[string]*clinical.Bundle

	dataDir string
	sink    audit.Sink
	codec   *hipaa.Codec
	ledger  *ledger.Ledger
	metrics *metrics.Metrics
	now     func() time.Time
	logger  zerolog.Logger
}

func NewStore(opts Options, logger zerolog.Logger) *Store {
	s := &Store{
		bundles: make(map[string]*clinical.Bundle),
		dataDir: opts.DataDir,
		sink:    opts.Sink,
		codec:   opts.Codec,
		ledger:  opts.Ledger,
		metrics: opts.Metrics,
		now:     opts.Now,
		logger:  logger.With().Str("component", "record_store").Logger(),
	}
	if s.dataDir == "" {
		s.dataDir = "."
	}
	if s.sink == nil {
		s.sink = audit.Discard
	}
	if s.codec == nil {
		s.codec = hipaa.NewCodec()
	}
	if s.ledger == nil {
		s.ledger = ledger.New(ledger.ModeCheckpoint)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// DataDir is where Save writes patient files.
func (s *Store) DataDir() string { return s.dataDir }

// PathFor returns the container path for id.
func (s *Store) PathFor(id string) (string, error) {
	if err := ValidatePatientID(id); err != nil {
		return "", err
	}
	return filepath.Join(s.dataDir, FileName(id)), nil
}

// record appends an audit event. Callers hold s.mu.
func (s *Store) record(ctx context.Context, id, description string) error {
	e := audit.Event{Time: s.now().UTC(), PatientID: id, Description: description}
	if err := s.sink.Append(ctx, e); err != nil {
		s.logger.Error().Err(err).Str("patient_id", id).Msg("audit append failed")
		return fmt.Errorf("%w: %w", ErrAuditFailed, err)
	}
	return nil
}

// lookup returns the live bundle for id. Callers hold s.mu.
func (s *Store) lookup(id string) (*clinical.Bundle, error) {
	b, ok := s.bundles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPatientNotFound, id)
	}
	return b, nil
}

// CreatePatient inserts a new bundle rooted at the patient and writes the
// placeholder creation entry. Existing ids are rejected.
func (s *Store) CreatePatient(ctx context.Context, in PatientInput) (err error) {
	defer func() { s.metrics.Observe("create_patient", err) }()

	if err := ValidatePatientID(in.ID); err != nil {
		return err
	}
	p, err := clinical.NewPatient(in.ID, in.Given, in.Family, in.Gender, in.BirthDate)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bundles[in.ID]; exists {
		return fmt.Errorf("%w: %s", ErrPatientExists, in.ID)
	}

	b := clinical.NewBundle(p)
	s.ledger.Begin(b, CreatedMessage)
	s.bundles[in.ID] = b
	s.metrics.SetPatients(len(s.bundles))

	s.logger.Info().Str("op", "create_patient").Str("patient_id", in.ID).Msg("patient created")
	return s.record(ctx, in.ID, CreatedMessage)
}

// AddBloodPressure validates the reading and appends a blood pressure panel.
func (s *Store) AddBloodPressure(ctx context.Context, id string, systolic, diastolic int) (obs *clinical.Observation, err error) {
	defer func() { s.metrics.Observe("add_blood_pressure", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	bp, err := vitals.ValidateBloodPressure(systolic, diastolic)
	if err != nil {
		return nil, err
	}

	obs = bp.Observation(id, s.now())
	b.Append(obs)

	s.logger.Info().Str("op", "add_blood_pressure").Str("patient_id", id).Str("observation_id", obs.ID).Msg("observation added")
	return obs, s.record(ctx, id, "Added BP: "+bp.String())
}

// PrescribeMedication appends a medication order. A rejected dose leaves
// the bundle unchanged.
func (s *Store) PrescribeMedication(ctx context.Context, id, medication string, doseMg float64, frequency string) (med *clinical.MedicationRequest, err error) {
	defer func() { s.metrics.Observe("prescribe_medication", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	med, err = clinical.NewMedicationRequest(id, medication, doseMg, frequency, s.now())
	if err != nil {
		return nil, err
	}
	b.Append(med)

	s.logger.Info().Str("op", "prescribe_medication").Str("patient_id", id).Str("medication_request_id", med.ID).Msg("medication prescribed")
	desc := fmt.Sprintf("Prescribed: %s %smg %s", medication, clinical.FormatDose(doseMg), frequency)
	return med, s.record(ctx, id, desc)
}

// Commit checkpoints the bundle's current entries in its version history.
func (s *Store) Commit(ctx context.Context, id, message string) (v clinical.VersionEntry, err error) {
	defer func() { s.metrics.Observe("commit", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.lookup(id)
	if err != nil {
		return clinical.VersionEntry{}, err
	}
	v, err = s.ledger.Commit(b, message)
	if err != nil {
		return clinical.VersionEntry{}, fmt.Errorf("record commit: %w", err)
	}

	s.logger.Info().Str("op", "commit").Str("patient_id", id).Str("hash", v.Hash).Int("versions", len(b.VersionHistory)).Msg("changes committed")
	return v, s.record(ctx, id, "Committed changes: "+message)
}

// Save encrypts the bundle and atomically replaces its container file.
func (s *Store) Save(ctx context.Context, id, passphrase string) (path string, err error) {
	defer func() { s.metrics.Observe("save", err) }()

	path, err = s.PathFor(id)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.lookup(id)
	if err != nil {
		return "", err
	}

	started := time.Now()
	ct, err := s.codec.Encode(b, passphrase)
	s.metrics.ObserveCodec("encode", started)
	if err != nil {
		return "", fmt.Errorf("record save: %w", err)
	}
	if err := hipaa.WriteContainer(path, ct); err != nil {
		return "", fmt.Errorf("record save: %w", err)
	}

	s.logger.Info().Str("op", "save").Str("patient_id", id).Str("path", path).Msg("patient saved")
	return path, s.record(ctx, id, "Saved patient to "+path)
}

// Load decrypts a container and inserts its bundle under the id of the
// Patient at entry 0, replacing any bundle already held for that id.
func (s *Store) Load(ctx context.Context, path, passphrase string) (id string, err error) {
	defer func() { s.metrics.Observe("load", err) }()

	ct, err := hipaa.ReadContainer(path)
	if err != nil {
		return "", fmt.Errorf("record load: %w", err)
	}

	started := time.Now()
	b, err := s.codec.Decode(ct, passphrase)
	s.metrics.ObserveCodec("decode", started)
	if err != nil {
		return "", fmt.Errorf("record load: %w", err)
	}

	root, ok := b.PatientRoot()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMalformedPatientRoot, path)
	}
	id = root.ID
	if err := ValidatePatientID(id); err != nil {
		return "", err
	}
	if b.VersionHistory == nil {
		b.VersionHistory = []clinical.VersionEntry{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.bundles[id] = b
	s.metrics.SetPatients(len(s.bundles))

	s.logger.Info().Str("op", "load").Str("patient_id", id).Str("path", path).Int("entries", len(b.Entry)).Msg("patient loaded")
	return id, s.record(ctx, id, "Loaded patient from "+path)
}

// ConnectDevice records a device connection. The bundle is not changed.
func (s *Store) ConnectDevice(ctx context.Context, id, deviceType string) (err error) {
	defer func() { s.metrics.Observe("connect_device", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookup(id); err != nil {
		return err
	}

	s.logger.Info().Str("op", "connect_device").Str("patient_id", id).Str("device_type", deviceType).Msg("device connected")
	return s.record(ctx, id, "Connected device: "+deviceType)
}

// Bundle returns a deep copy of the bundle for id.
func (s *Store) Bundle(id string) (*clinical.Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return b.Clone()
}

// Patients returns the ids held in memory, sorted.
func (s *Store) Patients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.bundles))
	for id := range s.bundles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// History returns a copy of the version history for id.
func (s *Store) History(id string) ([]clinical.VersionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	out := make([]clinical.VersionEntry, len(b.VersionHistory))
	copy(out, b.VersionHistory)
	return out, nil
}

// Verify recomputes every ledger checkpoint for id.
func (s *Store) Verify(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.lookup(id)
	if err != nil {
		return err
	}
	return s.ledger.Verify(b)
}
