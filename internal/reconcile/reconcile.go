// Package reconcile turns a finished run's outcome into persisted state:
// status columns, uploaded artifacts and document records.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/hochfrequenz/portal-orchestrator/internal/blob"
	"github.com/hochfrequenz/portal-orchestrator/internal/domain"
	"github.com/hochfrequenz/portal-orchestrator/internal/store"
)

// TargetStore is the slice of the durable store the reconciler writes to
type TargetStore interface {
	UpdateTarget(ctx context.Context, id string, fields store.Fields) error
	AppendDocument(ctx context.Context, id string, doc domain.Document) error
}

// Report describes what reconciliation did. Err is a bookkeeping failure;
// it never changes the run's own classification.
type Report struct {
	Warnings []string
	Document *domain.Document
	Err      error
}

func (r *Report) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Reconciler persists derived state for finished runs
type Reconciler struct {
	store    TargetStore
	blobs    blob.Store
	log      logr.Logger
	now      func() time.Time
	docKind  string
	fileStat func(string) (os.FileInfo, error)
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithClock overrides the time source used for keys and years
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithDocumentKind sets the "tipo" written on filing documents
func WithDocumentKind(kind string) Option {
	return func(r *Reconciler) { r.docKind = kind }
}

// New creates a reconciler. blobs may be nil, in which case artifacts are
// reported but not uploaded.
func New(ts TargetStore, blobs blob.Store, log logr.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    ts,
		blobs:    blobs,
		log:      log.WithName("reconcile"),
		now:      time.Now,
		docKind:  "REAP",
		fileStat: os.Stat,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile applies the outcome of a run for target. Cancelled runs are
// left untouched.
func (r *Reconciler) Reconcile(ctx context.Context, kind domain.TaskKind, target domain.Target, out domain.Outcome) Report {
	var rep Report
	if out.Failure == domain.FailureCancelled {
		return rep
	}
	log := r.log.WithValues("targetID", target.ID, "kind", kind)

	switch kind {
	case domain.KindLookup:
		r.lookup(ctx, target, out, &rep)
	case domain.KindFiling:
		r.filing(ctx, target, out, &rep)
	}

	if rep.Err != nil {
		log.Error(rep.Err, "reconciliation failed")
	} else if len(rep.Warnings) > 0 {
		log.Info("reconciled with warnings", "warnings", rep.Warnings)
	}
	return rep
}

// lookupColumns maps store columns to the result keys that may carry them
var lookupColumns = []struct {
	column string
	keys   []string
}{
	{"lookup_status", []string{"status", "SITUACAO_RGP"}},
	{"lookup_number", []string{"number", "NUMERO_RGP"}},
	{"lookup_locality", []string{"locality", "MUNICIPIO"}},
	{"lookup_workplace", []string{"workplace", "LOCAL_DE_EXERCICIO"}},
	{"lookup_first_date", []string{"first_date", "DATA_PRIMEIRO_RGP"}},
}

var lookupOptional = []string{"lookup_workplace", "lookup_first_date"}

func (r *Reconciler) lookup(ctx context.Context, target domain.Target, out domain.Outcome, rep *Report) {
	if !out.Success {
		fields := store.Fields{
			"lookup_status":     store.LookupNotFound,
			"lookup_number":     store.LookupNoNumber,
			"lookup_locality":   nil,
			"lookup_first_date": nil,
		}
		rep.Err = r.update(ctx, target.ID, fields, lookupOptional, rep)
		return
	}

	fields := store.Fields{}
	for _, c := range lookupColumns {
		if v, ok := firstString(out.Data, c.keys...); ok {
			fields[c.column] = v
		}
	}
	if len(fields) == 0 {
		rep.warnf("lookup result carried no registration fields")
		return
	}
	if fields["lookup_locality"] == store.NotFoundSentinel && fields["lookup_first_date"] == store.NotFoundSentinel {
		rep.warnf("registration located but locality and first date are not available")
	}
	rep.Err = r.update(ctx, target.ID, fields, lookupOptional, rep)
}

var filingOptional = []string{"filing_status", "filing_year"}

func (r *Reconciler) filing(ctx context.Context, target domain.Target, out domain.Outcome, rep *Report) {
	if out.Result == nil {
		// No structured result: best effort so the target never looks in progress.
		if err := r.update(ctx, target.ID, store.Fields{"filing_status": store.FilingPending}, nil, rep); err != nil {
			rep.warnf("could not mark filing as pending: %v", err)
		}
		return
	}

	year := r.now().Year()
	if y, ok := firstInt(out.Result.Fields, "ano_base", "year"); ok {
		year = y
	}
	status := store.FilingPending
	if out.Success {
		status = store.FilingRegular
	}

	var uploadErr error
	var doc *domain.Document
	if out.Success {
		if path, ok := firstString(out.Result.Fields, "pdf", "artifact"); ok && path != "" {
			doc, uploadErr = r.upload(ctx, target, path, year, rep)
		}
	}

	fields := store.Fields{"filing_status": status, "filing_year": year}
	if err := r.update(ctx, target.ID, fields, filingOptional, rep); err != nil {
		rep.Err = err
		return
	}

	if doc != nil {
		if err := r.store.AppendDocument(ctx, target.ID, *doc); err != nil {
			rep.Err = fmt.Errorf("recording document: %w", err)
			return
		}
		rep.Document = doc
	}
	if uploadErr != nil {
		rep.Err = uploadErr
	}
}

func (r *Reconciler) upload(ctx context.Context, target domain.Target, path string, year int, rep *Report) (*domain.Document, error) {
	if _, err := r.fileStat(path); err != nil {
		rep.warnf("artifact %s not found; status updated without a document", path)
		return nil, nil
	}
	if r.blobs == nil {
		rep.warnf("no blob storage configured; artifact %s was not uploaded", path)
		return nil, nil
	}

	now := r.now()
	obj, err := blob.UploadFile(ctx, r.blobs, path, target.ID, now)
	if err != nil {
		return nil, fmt.Errorf("artifact upload failed: %w", err)
	}

	name := target.Name
	if name == "" {
		name = target.ID
	}
	return &domain.Document{
		ID:         fmt.Sprintf("%s_%d_%s", strings.ToLower(r.docKind), now.UnixMilli(), uuid.NewString()[:8]),
		Name:       fmt.Sprintf("%s - %s %d", name, r.docKind, year),
		Kind:       r.docKind,
		UploadedAt: now,
		URL:        obj.URL,
		Path:       obj.Key,
	}, nil
}

// update writes fields. When the store rejects any optional column the whole
// optional group is dropped and the write retried once: sqlite names only the
// first unknown column, so retrying per column would need several rounds.
func (r *Reconciler) update(ctx context.Context, id string, fields store.Fields, optional []string, rep *Report) error {
	err := r.store.UpdateTarget(ctx, id, fields)
	if err == nil {
		return nil
	}

	var mismatch *store.SchemaMismatchError
	if !errors.As(err, &mismatch) {
		return fmt.Errorf("updating target: %w", err)
	}
	rejectedOptional := false
	for _, col := range mismatch.Columns {
		if contains(optional, col) {
			rejectedOptional = true
		}
	}
	if !rejectedOptional {
		return fmt.Errorf("updating target: %w", err)
	}

	var strip []string
	for _, col := range optional {
		if _, ok := fields[col]; ok {
			strip = append(strip, col)
		}
	}
	rep.warnf("store rejected %s; retrying without %s",
		strings.Join(mismatch.Columns, ", "), strings.Join(strip, ", "))
	reduced := fields.Without(strip...)
	if len(reduced) == 0 {
		return nil
	}
	if err := r.store.UpdateTarget(ctx, id, reduced); err != nil {
		return fmt.Errorf("updating target without %s: %w", strings.Join(strip, ", "), err)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func firstString(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			return v, true
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		}
	}
	return "", false
}

func firstInt(m map[string]any, keys ...string) (int, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return int(v), true
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}
