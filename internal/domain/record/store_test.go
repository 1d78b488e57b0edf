package record

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/medstore/internal/domain/clinical"
	"github.com/ehr/medstore/internal/domain/ledger"
	"github.com/ehr/medstore/internal/domain/vitals"
	"github.com/ehr/medstore/internal/platform/audit"
	"github.com/ehr/medstore/internal/platform/hipaa"
	"github.com/ehr/medstore/internal/platform/metrics"
)

var jane = PatientInput{ID: "p1", Given: "Jane", Family: "Doe", Gender: "female", BirthDate: "1990-01-01"}

type fixture struct {
	store   *Store
	sink    *audit.MemorySink
	metrics *metrics.Metrics
	dir     string
}

func newFixture(t *testing.T, mode ledger.Mode) *fixture {
	t.Helper()
	dir := t.TempDir()
	sink := audit.NewMemorySink()
	m := metrics.New(prometheus.NewRegistry())

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	s := NewStore(Options{
		DataDir: dir,
		Sink:    sink,
		Codec:   &hipaa.Codec{Now: now},
		Ledger:  &ledger.Ledger{Mode: mode, Clock: ledger.ClockFunc(now)},
		Metrics: m,
		Now:     now,
	}, zerolog.Nop())
	return &fixture{store: s, sink: sink, metrics: m, dir: dir}
}

func TestValidatePatientID(t *testing.T) {
	for _, ok := range []string{"p1", "P-001", "a.b_c", "123"} {
		assert.NoError(t, ValidatePatientID(ok), ok)
	}
	for _, bad := range []string{"", ".", "..", "a/b", `a\b`, "../etc", "with space", "p1\n", "jane@doe", ".hidden", "-p1", "_p1"} {
		assert.ErrorIs(t, ValidatePatientID(bad), ErrInvalidPatientID, "%q", bad)
	}
}

func TestPathFor(t *testing.T) {
	f := newFixture(t, ledger.ModeCheckpoint)
	p, err := f.store.PathFor("p1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.dir, "patient_p1.med"), p)

	_, err = f.store.PathFor("../p1")
	assert.ErrorIs(t, err, ErrInvalidPatientID)
}

func TestCreatePatient(t *testing.T) {
	f := newFixture(t, ledger.ModeCheckpoint)
	ctx := context.Background()

	require.NoError(t, f.store.CreatePatient(ctx, jane))

	b, err := f.store.Bundle("p1")
	require.NoError(t, err)
	require.Len(t, b.Entry, 1)
	root, ok := b.PatientRoot()
	require.True(t, ok)
	assert.Equal(t, "p1", root.ID)
	assert.Equal(t, "Jane", root.Name[0].Given[0])

	require.Len(t, b.VersionHistory, 1)
	assert.Equal(t, CreatedMessage, b.VersionHistory[0].Message)
	assert.Equal(t, "", b.VersionHistory[0].Hash)

	assert.Equal(t, []string{"Patient created"}, f.sink.Descriptions())
	assert.Equal(t, []string{"p1"}, f.store.Patients())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Operations.WithLabelValues("create_patient", metrics.OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PatientsOpen))
}

func TestCreatePatient_Duplicate(t *testing.T) {
	f := newFixture(t, ledger.ModeCheckpoint)
	ctx := context.Background()
	require.NoError(t, f.store.CreatePatient(ctx, jane))
	_, err := f.store.AddBloodPressure(ctx, "p1", 120, 80)
	require.NoError(t, err)

	other := jane
	other.Given = "Janet"
	err = f.store.CreatePatient(ctx, other)
	require.ErrorIs(t, err, ErrPatientExists)

	b, err := f.store.Bundle("p1")
	require.NoError(t, err)
	assert.Len(t, b.Entry, 2, "existing bundle must survive")
	root, _ := b.PatientRoot()
	assert.Equal(t, "Jane", root.Name[0].Given[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Operations.WithLabelValues("create_patient", metrics.OutcomeError)))
}

func TestCreatePatient_Invalid(t *testing.T) {
	f := newFixture(t, ledger.ModeCheckpoint)
	ctx := context.Background()

	bad := jane
	bad.ID = "../../etc/passwd"
	assert.ErrorIs(t, f.store.CreatePatient(ctx, bad), ErrInvalidPatientID)

	bad = jane
	bad.Gender = "robot"
	assert.ErrorIs(t, f.store.CreatePatient(ctx, bad), clinical.ErrInvalidPatient)

	assert.Empty(t, f.store.Patients())
	assert.Empty(t, f.sink.Events())
}

func TestAddBloodPressure(t *testing.T) {
	f := newFixture(t, ledger.ModeCheckpoint)
	ctx := context.Background()
	require.NoError(t, f.store.CreatePatient(ctx, jane))

	obs, err := f.store.AddBloodPressure(ctx, "p1", 120, 80)
	require.NoError(t, err)
	assert.Equal(t, "Patient/p1", obs.Subject.Reference)

	_, err = f.store.AddBloodPressure(ctx, "p1", 301, 80)
	assert.ErrorIs(t, err, vitals.ErrInvalidVitalRange)

	_, err = f.store.AddBloodPressure(ctx, "nobody", 120, 80)
	assert.ErrorIs(t, err, ErrPatientNotFound)

	b, _ := f.store.Bundle("p1")
	assert.Len(t, b.Observations(), 1)
	assert.Equal(t, []string{"Patient created", "Added BP: 120/80"}, f.sink.Descriptions())
}

func TestPrescribeMedication(t *testing.T) {
	f := newFixture(t, ledger.ModeCheckpoint)
	ctx := context.Background()
	require.NoError(t, f.store.CreatePatient(ctx, jane))

	med, err := f.store.PrescribeMedication(ctx, "p1", "Metformin", 500, "twice daily")
	require.NoError(t, err)
	assert.Equal(t, "500 mg twice daily", med.DosageInstruction[0].Text)
	assert.Equal(t, "Prescribed: Metformin 500mg twice daily", f.sink.Descriptions()[1])

	_, err = f.store.PrescribeMedication(ctx, "ghost", "Metformin", 500, "daily")
	assert.ErrorIs(t, err, ErrPatientNotFound)
}

func TestPrescribeMedication_NegativeDoseLeavesBundleUnchanged(t *testing.T) {
	f := newFixture(t, ledger.ModeCheckpoint)
	ctx := context.Background()
	require.NoError(t, f.store.CreatePatient(ctx, jane))

	before, err := f.store.Bundle("p1")
	require.NoError(t, err)

	_, err = f.store.PrescribeMedication(ctx, "p1", "Aspirin", -5.0, "daily")
	require.ErrorIs(t, err, clinical.ErrInvalidDose)

	after, err := f.store.Bundle("p1")
	require.NoError(t, err)
	assert.Equal(t, len(before.Entry), len(after.Entry))
	assert.Equal(t, []string{"Patient created"}, f.sink.Descriptions(), "rejected dose is not audited")
}

func TestCommit(t *testing.T) {
	f := newFixture(t, ledger.ModeCheckpoint)
	ctx := context.Background()
	require.NoError(t, f.store.CreatePatient(ctx, jane))

	v, err := f.store.Commit(ctx, "p1", "created")
	require.NoError(t, err)
	assert.Len(t, v.Hash, 64)

	hist, err := f.store.History("p1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.NotEmpty(t, hist[0].Hash, "placeholder is backfilled at first commit")
	assert.Equal(t, "created", hist[1].Message)
	assert.Equal(t, "Committed changes: created", f.sink.Descriptions()[1])
	require.NoError(t, f.store.Verify("p1"))

	_, err = f.store.Commit(ctx, "ghost", "x")
	assert.ErrorIs(t, err, ErrPatientNotFound)
}

func TestLedgerMonotonicity(t *testing.T) {
	f := newFixture(t, ledger.ModeCheckpoint)
	ctx := context.Background()
	require.NoError(t, f.store.CreatePatient(ctx, jane))

	const n = 6
	for i := 0; i < n; i++ {
		_, err := f.store.AddBloodPressure(ctx, "p1", 110+i, 70+i)
		require.NoError(t, err)
		_, err = f.store.Commit(ctx, "p1", "reading")
		require.NoError(t, err)
	}

	hist, err := f.store.History("p1")
	require.NoError(t, err)
	// One creation entry plus N commits.
	require.Len(t, hist, n+1)
	for i := 1; i < len(hist); i++ {
		assert.False(t, hist[i].Timestamp.Before(hist[i-1].Timestamp), "entry %d", i)
	}
	require.NoError(t, f.store.Verify("p1"))
}

func TestEndToEnd(t *testing.T) {
	for _, mode := range []ledger.Mode{ledger.ModeCheckpoint, ledger.ModeChained} {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t, mode)
			ctx := context.Background()

			require.NoError(t, f.store.CreatePatient(ctx, jane))
			_, err := f.store.Commit(ctx, "p1", "created")
			require.NoError(t, err)
			_, err = f.store.AddBloodPressure(ctx, "p1", 120, 80)
			require.NoError(t, err)
			_, err = f.store.Commit(ctx, "p1", "bp added")
			require.NoError(t, err)

			path, err := f.store.Save(ctx, "p1", "secret123")
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(f.dir, "patient_p1.med"), path)

			// Load into a fresh store so nothing comes from memory.
			g := newFixture(t, mode)
			id, err := g.store.Load(ctx, path, "secret123")
			require.NoError(t, err)
			assert.Equal(t, "p1", id)

			b, err := g.store.Bundle("p1")
			require.NoError(t, err)
			root, ok := b.PatientRoot()
			require.True(t, ok)
			assert.Equal(t, "p1", root.ID)
			assert.Equal(t, "Jane", root.Name[0].Given[0])

			obs := b.Observations()
			require.Len(t, obs, 1)
			sys, dia, ok := obs[0].BloodPressureValues()
			require.True(t, ok)
			assert.Equal(t, 120.0, sys)
			assert.Equal(t, 80.0, dia)

			require.Len(t, b.VersionHistory, 3)
			assert.Equal(t, "bp added", b.VersionHistory[2].Message)
			require.NoError(t, g.store.Verify("p1"))
			assert.Equal(t, []string{"Loaded patient from " + path}, g.sink.Descriptions())
		})
	}
}

func TestSave_Errors(t *testing.T) {
	f := newFixture(t, ledger.ModeCheckpoint)
	ctx := context.Background()

	_, err := f.store.Save(ctx, "ghost", "k")
	assert.ErrorIs(t, err, ErrPatientNotFound)

	_, err = f.store.Save(ctx, "../ghost", "k")
	assert.ErrorIs(t, err, ErrInvalidPatientID)
}

func TestSave_OverwritesExistingFile(t *testing.T) {
	f := newFixture(t, ledger.ModeCheckpoint)
	ctx := context.Background()
	require.NoError(t, f.store.CreatePatient(ctx, jane))

	path, err := f.store.Save(ctx, "p1", "k")
	require.NoError(t, err)
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	_, err = f.store.AddBloodPressure(ctx, "p1", 120, 80)
	require.NoError(t, err)
	_, err = f.store.Save(ctx, "p1", "k")
	require.NoError(t, err)
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoad_Errors(t *testing.T) {
	f := newFixture(t, ledger.ModeCheckpoint)
	ctx := context.Background()
	require.NoError(t, f.store.CreatePatient(ctx, jane))
	path, err := f.store.Save(ctx, "p1", "secret123")
	require.NoError(t, err)

	_, err = f.store.Load(ctx, path, "wrong")
	assert.ErrorIs(t, err, hipaa.ErrDecryptionFailed)

	_, err = f.store.Load(ctx, filepath.Join(f.dir, "missing.med"), "secret123")
	assert.ErrorIs(t, err, os.ErrNotExist)

	garbage := filepath.Join(f.dir, "garbage.med")
	require.NoError(t, os.WriteFile(garbage, []byte("not json"), 0o600))
	_, err = f.store.Load(ctx, garbage, "secret123")
	assert.ErrorIs(t, err, hipaa.ErrMalformedDocument)
}

func writeBundle(t *testing.T, dir string, b *clinical.Bundle, pass string) string {
	t.Helper()
	ct, err := hipaa.NewCodec().Encode(b, pass)
	require.NoError(t, err)
	path := filepath.Join(dir, "crafted.med")
	require.NoError(t, hipaa.WriteContainer(path, ct))
	return path
}

func TestLoad_MalformedPatientRoot(t *testing.T) {
	f := newFixture(t, ledger.ModeCheckpoint)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("observation first", func(t *testing.T) {
		b := &clinical.Bundle{
			ResourceType: clinical.ResourceTypeBundle,
			Type:         clinical.BundleTypeCollection,
			Entry:        []clinical.BundleEntry{clinical.NewEntry(clinical.NewBloodPressureObservation(120, 80, "p1", now))},
		}
		_, err := f.store.Load(ctx, writeBundle(t, f.dir, b, "k"), "k")
		assert.ErrorIs(t, err, ErrMalformedPatientRoot)
	})

	t.Run("empty entries", func(t *testing.T) {
		b := &clinical.Bundle{ResourceType: clinical.ResourceTypeBundle, Type: clinical.BundleTypeCollection}
		_, err := f.store.Load(ctx, writeBundle(t, f.dir, b, "k"), "k")
		assert.ErrorIs(t, err, ErrMalformedPatientRoot)
	})

	assert.Empty(t, f.store.Patients())
}

func TestLoad_ReplacesInMemoryBundle(t *testing.T) {
	f := newFixture(t, ledger.ModeCheckpoint)
	ctx := context.Background()
	require.NoError(t, f.store.CreatePatient(ctx, jane))
	path, err := f.store.Save(ctx, "p1", "k")
	require.NoError(t, err)

	_, err = f.store.AddBloodPressure(ctx, "p1", 120, 80)
	require.NoError(t, err)

	id, err := f.store.Load(ctx, path, "k")
	require.NoError(t, err)
	b, err := f.store.Bundle(id)
	require.NoError(t, err)
	assert.Len(t, b.Entry, 1, "load restores the saved state")
}

func TestConnectDevice(t *testing.T) {
	f := newFixture(t, ledger.ModeCheckpoint)
	ctx := context.Background()
	require.NoError(t, f.store.CreatePatient(ctx, jane))
	before, _ := f.store.Bundle("p1")

	require.NoError(t, f.store.ConnectDevice(ctx, "p1", "glucometer"))
	after, _ := f.store.Bundle("p1")
	assert.Equal(t, len(before.Entry), len(after.Entry))
	assert.Equal(t, len(before.VersionHistory), len(after.VersionHistory))
	assert.Equal(t, "Connected device: glucometer", f.sink.Descriptions()[1])

	assert.ErrorIs(t, f.store.ConnectDevice(ctx, "ghost", "glucometer"), ErrPatientNotFound)
}

func TestAuditFailureKeepsMutation(t *testing.T) {
	sinkErr := errors.New("disk full")
	var fail bool
	sink := audit.SinkFunc(func(context.Context, audit.Event) error {
		if fail {
			return sinkErr
		}
		return nil
	})
	s := NewStore(Options{DataDir: t.TempDir(), Sink: sink}, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, s.CreatePatient(ctx, jane))

	fail = true
	obs, err := s.AddBloodPressure(ctx, "p1", 120, 80)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuditFailed)
	assert.ErrorIs(t, err, sinkErr)
	assert.NotNil(t, obs)

	b, err := s.Bundle("p1")
	require.NoError(t, err)
	assert.Len(t, b.Entry, 2, "mutation stays applied when the audit write fails")

	_, err = s.Commit(ctx, "p1", "after failure")
	assert.ErrorIs(t, err, ErrAuditFailed)
	hist, _ := s.History("p1")
	assert.Len(t, hist, 2)
}

func TestAuditFileKeepsOneLinePerEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink, err := audit.OpenFileSink(path)
	require.NoError(t, err)
	s := NewStore(Options{DataDir: t.TempDir(), Sink: sink}, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, s.CreatePatient(ctx, jane))
	_, err = s.PrescribeMedication(ctx, "p1", "Aspirin\n2020-01-01T00:00:00Z - Patient#p2: Patient created", 5, "daily")
	require.NoError(t, err)
	require.NoError(t, s.ConnectDevice(ctx, "p1", "bp-cuff\r\nforged"))
	_, err = s.Commit(ctx, "p1", "line one\nline two")
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 4, "%q", data)

	var descs []string
	for _, l := range lines {
		e, err := audit.ParseLine(l)
		require.NoError(t, err)
		assert.Equal(t, "p1", e.PatientID, "no event may be attributed to another patient")
		descs = append(descs, e.Description)
	}
	assert.Equal(t, []string{
		CreatedMessage,
		"Prescribed: Aspirin\n2020-01-01T00:00:00Z - Patient#p2: Patient created 5mg daily",
		"Connected device: bp-cuff\r\nforged",
		"Committed changes: line one\nline two",
	}, descs)
}

func TestReadersReturnCopies(t *testing.T) {
	f := newFixture(t, ledger.ModeCheckpoint)
	ctx := context.Background()
	require.NoError(t, f.store.CreatePatient(ctx, jane))

	b, _ := f.store.Bundle("p1")
	root, _ := b.PatientRoot()
	root.ID = "hijacked"
	b.Entry = nil

	hist, _ := f.store.History("p1")
	hist[0].Message = "rewritten"

	again, _ := f.store.Bundle("p1")
	r, _ := again.PatientRoot()
	assert.Equal(t, "p1", r.ID)
	assert.Equal(t, CreatedMessage, again.VersionHistory[0].Message)

	_, err := f.store.History("ghost")
	assert.ErrorIs(t, err, ErrPatientNotFound)
	assert.ErrorIs(t, f.store.Verify("ghost"), ErrPatientNotFound)
}

func TestConcurrentMutations(t *testing.T) {
	f := newFixture(t, ledger.ModeCheckpoint)
	ctx := context.Background()
	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		in := jane
		in.ID = id
		require.NoError(t, f.store.CreatePatient(ctx, in))
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, _ = f.store.AddBloodPressure(ctx, id, 120, 80)
				_, _ = f.store.Commit(ctx, id, "tick")
			}(id)
		}
	}
	wg.Wait()

	for _, id := range ids {
		b, err := f.store.Bundle(id)
		require.NoError(t, err)
		assert.Len(t, b.Entry, 11)
		assert.Len(t, b.VersionHistory, 11)
		require.NoError(t, f.store.Verify(id))
	}

	got := f.store.Patients()
	assert.True(t, sort.StringsAreSorted(got))

	for _, e := range f.sink.Events() {
		assert.False(t, strings.Contains(e.Description, "\n"))
	}
}
