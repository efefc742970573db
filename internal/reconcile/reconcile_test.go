package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/portal-orchestrator/internal/blob"
	"github.com/hochfrequenz/portal-orchestrator/internal/domain"
	"github.com/hochfrequenz/portal-orchestrator/internal/store"
)

// fakeStore rejects any update that contains one of the reject columns.
// Like sqlite it names only the first offending column.
type fakeStore struct {
	reject  map[string]bool
	fail    error
	updates []store.Fields
	docs    []domain.Document
}

func (f *fakeStore) UpdateTarget(_ context.Context, _ string, fields store.Fields) error {
	if f.fail != nil {
		return f.fail
	}
	var bad []string
	for c := range fields {
		if f.reject[c] {
			bad = append(bad, c)
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return &store.SchemaMismatchError{Columns: bad[:1], Err: errors.New("no such column")}
	}
	f.updates = append(f.updates, fields)
	return nil
}

func (f *fakeStore) AppendDocument(_ context.Context, _ string, doc domain.Document) error {
	f.docs = append(f.docs, doc)
	return nil
}

var fixedNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newReconciler(t *testing.T, ts TargetStore, withBlobs bool) *Reconciler {
	t.Helper()
	var bs blob.Store
	if withBlobs {
		local, err := blob.NewLocalStore(t.TempDir(), "https://cdn.example.com")
		require.NoError(t, err)
		bs = local
	}
	return New(ts, bs, logr.Discard(), WithClock(func() time.Time { return fixedNow }))
}

func filingOutcome(t *testing.T, payload string) domain.Outcome {
	t.Helper()
	res, err := domain.ParseStructuredResult([]byte(payload))
	require.NoError(t, err)
	return domain.Outcome{Success: res.Success, Result: res, Data: res.Data()}
}

func TestReconcile_LookupSuccess(t *testing.T) {
	fs := &fakeStore{}
	r := newReconciler(t, fs, false)

	out := domain.Outcome{Success: true, Data: map[string]any{
		"MUNICIPIO":          "Santos",
		"SITUACAO_RGP":       "ATIVO",
		"NUMERO_RGP":         "SP-123",
		"LOCAL_DE_EXERCICIO": "Porto",
		"DATA_PRIMEIRO_RGP":  "2010-01-01",
	}}
	rep := r.Reconcile(context.Background(), domain.KindLookup, domain.Target{ID: "c1"}, out)

	require.NoError(t, rep.Err)
	require.Len(t, fs.updates, 1)
	assert.Equal(t, store.Fields{
		"lookup_status":     "ATIVO",
		"lookup_number":     "SP-123",
		"lookup_locality":   "Santos",
		"lookup_workplace":  "Porto",
		"lookup_first_date": "2010-01-01",
	}, fs.updates[0])
}

func TestReconcile_LookupSentinelWarning(t *testing.T) {
	fs := &fakeStore{}
	r := newReconciler(t, fs, false)

	out := domain.Outcome{Success: true, Data: map[string]any{
		"status":     "ATIVO",
		"locality":   store.NotFoundSentinel,
		"first_date": store.NotFoundSentinel,
	}}
	rep := r.Reconcile(context.Background(), domain.KindLookup, domain.Target{ID: "c1"}, out)

	require.NoError(t, rep.Err)
	assert.Len(t, rep.Warnings, 1)
}

func TestReconcile_LookupFailureWritesNotFound(t *testing.T) {
	fs := &fakeStore{}
	r := newReconciler(t, fs, false)

	rep := r.Reconcile(context.Background(), domain.KindLookup, domain.Target{ID: "c1"},
		domain.Outcome{Failure: domain.FailureExit, Error: "exit code 1"})

	require.NoError(t, rep.Err)
	require.Len(t, fs.updates, 1)
	assert.Equal(t, store.LookupNotFound, fs.updates[0]["lookup_status"])
	assert.Equal(t, store.LookupNoNumber, fs.updates[0]["lookup_number"])
	assert.Nil(t, fs.updates[0]["lookup_locality"])
}

func TestReconcile_CancelledRunUntouched(t *testing.T) {
	fs := &fakeStore{}
	r := newReconciler(t, fs, false)

	r.Reconcile(context.Background(), domain.KindLookup, domain.Target{ID: "c1"},
		domain.Outcome{Failure: domain.FailureCancelled})

	assert.Empty(t, fs.updates)
}

func TestReconcile_FilingUploadsArtifact(t *testing.T) {
	fs := &fakeStore{}
	r := newReconciler(t, fs, true)

	pdf := filepath.Join(t.TempDir(), "REAP 2024.pdf")
	require.NoError(t, os.WriteFile(pdf, []byte("%PDF"), 0o644))

	out := filingOutcome(t, `{"success":true,"ano_base":"2024","pdf":"`+pdf+`"}`)
	rep := r.Reconcile(context.Background(), domain.KindFiling, domain.Target{ID: "c1", Name: "Maria"}, out)

	require.NoError(t, rep.Err)
	require.Len(t, fs.updates, 1)
	assert.Equal(t, store.Fields{"filing_status": store.FilingRegular, "filing_year": 2024}, fs.updates[0])

	require.Len(t, fs.docs, 1)
	doc := fs.docs[0]
	assert.Equal(t, "Maria - REAP 2024", doc.Name)
	assert.Equal(t, "REAP", doc.Kind)
	assert.Equal(t, "c1/1741608000000_REAP-2024.pdf", doc.Path)
	assert.Equal(t, "https://cdn.example.com/c1/1741608000000_REAP-2024.pdf", doc.URL)
	assert.Equal(t, &doc, rep.Document)
}

func TestReconcile_FilingMissingArtifactNeverSubstituted(t *testing.T) {
	fs := &fakeStore{}
	r := newReconciler(t, fs, true)

	out := filingOutcome(t, `{"success":true,"pdf":"/nonexistent/receipt.pdf"}`)
	rep := r.Reconcile(context.Background(), domain.KindFiling, domain.Target{ID: "c1"}, out)

	require.NoError(t, rep.Err)
	assert.Empty(t, fs.docs)
	require.Len(t, fs.updates, 1)
	assert.Equal(t, store.FilingRegular, fs.updates[0]["filing_status"])
	assert.Equal(t, fixedNow.Year(), fs.updates[0]["filing_year"])
	require.Len(t, rep.Warnings, 1)
	assert.Contains(t, rep.Warnings[0], "not found")
}

func TestReconcile_FilingTaskFailure(t *testing.T) {
	fs := &fakeStore{}
	r := newReconciler(t, fs, true)

	out := filingOutcome(t, `{"success":false,"message":"portal offline"}`)
	r.Reconcile(context.Background(), domain.KindFiling, domain.Target{ID: "c1"}, out)

	require.Len(t, fs.updates, 1)
	assert.Equal(t, store.FilingPending, fs.updates[0]["filing_status"])
}

func TestReconcile_FilingWithoutResultMarksPending(t *testing.T) {
	fs := &fakeStore{}
	r := newReconciler(t, fs, false)

	rep := r.Reconcile(context.Background(), domain.KindFiling, domain.Target{ID: "c1"},
		domain.Outcome{Failure: domain.FailureProtocol})

	require.NoError(t, rep.Err)
	require.Len(t, fs.updates, 1)
	assert.Equal(t, store.Fields{"filing_status": store.FilingPending}, fs.updates[0])
}

func TestReconcile_FallbackStripsRejectedOptionalFields(t *testing.T) {
	fs := &fakeStore{reject: map[string]bool{"filing_status": true}}
	r := newReconciler(t, fs, false)

	out := filingOutcome(t, `{"success":true,"ano_base":2024}`)
	rep := r.Reconcile(context.Background(), domain.KindFiling, domain.Target{ID: "c1"}, out)

	require.NoError(t, rep.Err)
	assert.Empty(t, fs.updates)
	assert.True(t, out.Success)
	require.Len(t, rep.Warnings, 1)
	assert.Contains(t, rep.Warnings[0], "filing_status")
}

func TestReconcile_FallbackDropsWholeOptionalGroup(t *testing.T) {
	fs := &fakeStore{reject: map[string]bool{"lookup_workplace": true, "lookup_first_date": true}}
	r := newReconciler(t, fs, false)

	out := domain.Outcome{Success: true, Data: map[string]any{
		"status":     "ATIVO",
		"number":     "SP-1",
		"locality":   "Santos",
		"workplace":  "Porto",
		"first_date": "2010-01-01",
	}}
	rep := r.Reconcile(context.Background(), domain.KindLookup, domain.Target{ID: "c1"}, out)

	require.NoError(t, rep.Err)
	require.Len(t, fs.updates, 1)
	assert.Equal(t, store.Fields{
		"lookup_status":   "ATIVO",
		"lookup_number":   "SP-1",
		"lookup_locality": "Santos",
	}, fs.updates[0])
	require.Len(t, rep.Warnings, 1)
	assert.Contains(t, rep.Warnings[0], "lookup_workplace, lookup_first_date")
}

func TestReconcile_SecondFailureIsReportedDistinctly(t *testing.T) {
	fs := &fakeStore{fail: errors.New("database is locked")}
	r := newReconciler(t, fs, false)

	out := filingOutcome(t, `{"success":true}`)
	rep := r.Reconcile(context.Background(), domain.KindFiling, domain.Target{ID: "c1"}, out)

	require.Error(t, rep.Err)
	assert.True(t, out.Success)
}

func TestReconcile_RealStoreWithOldSchema(t *testing.T) {
	st, err := store.New(":memory:")
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()
	require.NoError(t, st.UpsertTarget(ctx, domain.Target{ID: "c1", Name: "Maria"}))

	for _, stmt := range []string{
		`DROP INDEX idx_targets_filing_status`,
		`ALTER TABLE targets DROP COLUMN filing_status`,
		`ALTER TABLE targets DROP COLUMN filing_year`,
	} {
		_, err := st.DB().Exec(stmt)
		require.NoError(t, err)
	}

	pdf := filepath.Join(t.TempDir(), "receipt.pdf")
	require.NoError(t, os.WriteFile(pdf, []byte("%PDF"), 0o644))

	r := newReconciler(t, st, true)
	out := filingOutcome(t, `{"success":true,"ano_base":2024,"pdf":"`+pdf+`"}`)
	rep := r.Reconcile(ctx, domain.KindFiling, domain.Target{ID: "c1", Name: "Maria"}, out)

	require.NoError(t, rep.Err)
	require.NotNil(t, rep.Document)
	require.Len(t, rep.Warnings, 1)
	assert.Contains(t, rep.Warnings[0], "filing_status, filing_year")

	var docs string
	require.NoError(t, st.DB().QueryRow(`SELECT documents FROM targets WHERE id = 'c1'`).Scan(&docs))
	assert.Contains(t, docs, "Maria - REAP 2024")
}

func TestReconcile_RealStoreWithoutLookupExtras(t *testing.T) {
	st, err := store.New(":memory:")
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()
	require.NoError(t, st.UpsertTarget(ctx, domain.Target{ID: "c1"}))

	for _, stmt := range []string{
		`ALTER TABLE targets DROP COLUMN lookup_workplace`,
		`ALTER TABLE targets DROP COLUMN lookup_first_date`,
	} {
		_, err := st.DB().Exec(stmt)
		require.NoError(t, err)
	}

	r := newReconciler(t, st, false)
	out := domain.Outcome{Success: true, Data: map[string]any{
		"status": "ATIVO", "number": "SP-9", "locality": "Santos",
		"workplace": "Porto", "first_date": "2010-01-01",
	}}
	rep := r.Reconcile(ctx, domain.KindLookup, domain.Target{ID: "c1"}, out)
	require.NoError(t, rep.Err)

	var status, number string
	require.NoError(t, st.DB().QueryRow(`SELECT lookup_status, lookup_number FROM targets WHERE id = 'c1'`).Scan(&status, &number))
	assert.Equal(t, "ATIVO", status)
	assert.Equal(t, "SP-9", number)
}
