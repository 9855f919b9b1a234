// Package reconciler compares object storage against the task store's
// artifact references. Objects with no surviving database reference are
// orphans and may be deleted; references with no backing object are
// integrity warnings and are never touched.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/soundloom/tunesmith/internal/clock"
	"github.com/soundloom/tunesmith/internal/config"
	obsmetrics "github.com/soundloom/tunesmith/internal/observability/metrics"
	"github.com/soundloom/tunesmith/internal/providers/blobstore"
	taskdomain "github.com/soundloom/tunesmith/internal/task/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Objects younger than this are skipped: they may belong to a task whose
// row has not committed yet.
const orphanMinAge = time.Hour

const deleteBatchSize = 100

// Report summarizes one reconciliation run.
type Report struct {
	ObjectsScanned    int      `json:"objectsScanned"`
	ReferencesScanned int      `json:"referencesScanned"`
	OrphansFound      int      `json:"orphansFound"`
	OrphansDeleted    int      `json:"orphansDeleted"`
	OrphanKeys        []string `json:"orphanKeys,omitempty"`
	Warnings          []string `json:"warnings,omitempty"`
	DeleteMode        bool     `json:"deleteMode"`
}

type Params struct {
	fx.In

	Config     config.Config
	Log        *zap.Logger
	Tasks      taskdomain.Service
	Store      blobstore.Store
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Reconciler struct {
	cfg        config.ReconcilerConfig
	log        *zap.Logger
	tasks      taskdomain.Service
	store      blobstore.Store
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) *Reconciler {
	return &Reconciler{
		cfg:        p.Config.Reconciler,
		log:        p.Log.Named("reconciler"),
		tasks:      p.Tasks,
		store:      p.Store,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,
	}
}

// Run performs one reconciliation pass. Both enumerations must succeed
// before anything is deleted; a failure on either side deletes zero objects.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	start := r.clock.Now()

	refs, err := r.tasks.ArtifactURLs(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate database references: %w", err)
	}

	objects, err := r.store.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("enumerate storage objects: %w", err)
	}

	referenced := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		key, ok := r.store.KeyFromURL(ref)
		if !ok {
			// References to third-party hosts are outside this bucket's
			// custody and are not reconciled.
			continue
		}
		referenced[key] = struct{}{}
	}

	stored := make(map[string]struct{}, len(objects))
	report := &Report{
		ObjectsScanned:    len(objects),
		ReferencesScanned: len(referenced),
		DeleteMode:        r.cfg.DeleteMode,
	}

	cutoff := start.Add(-orphanMinAge)
	for _, object := range objects {
		stored[object.Key] = struct{}{}
		if _, ok := referenced[object.Key]; ok {
			continue
		}
		if object.UpdatedAt.After(cutoff) {
			continue
		}
		report.OrphansFound++
		report.OrphanKeys = append(report.OrphanKeys, object.Key)
	}

	for key := range referenced {
		if _, ok := stored[key]; !ok {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("referenced object missing from storage: %s", key))
		}
	}

	if r.cfg.DeleteMode && len(report.OrphanKeys) > 0 {
		report.OrphansDeleted, err = r.deleteOrphans(ctx, report.OrphanKeys)
		if err != nil {
			// Partial progress is reported; the remaining orphans are picked
			// up on the next run.
			r.log.Error("orphan deletion aborted",
				zap.Int("deleted", report.OrphansDeleted),
				zap.Int("remaining", report.OrphansFound-report.OrphansDeleted),
				zap.Error(err),
			)
		}
	}

	elapsed := r.clock.Now().Sub(start)
	r.obsMetrics.ObserveReconcilerRun(
		report.OrphansFound,
		report.OrphansDeleted,
		len(report.Warnings),
		elapsed,
	)
	r.log.Info("reconciliation finished",
		zap.Int("objects_scanned", report.ObjectsScanned),
		zap.Int("references_scanned", report.ReferencesScanned),
		zap.Int("orphans_found", report.OrphansFound),
		zap.Int("orphans_deleted", report.OrphansDeleted),
		zap.Int("warnings", len(report.Warnings)),
		zap.Bool("delete_mode", report.DeleteMode),
		zap.Duration("elapsed", elapsed),
	)
	return report, nil
}

func (r *Reconciler) deleteOrphans(ctx context.Context, keys []string) (int, error) {
	deleted := 0
	for len(keys) > 0 {
		batch := keys
		if len(batch) > deleteBatchSize {
			batch = batch[:deleteBatchSize]
		}
		if err := r.store.Delete(ctx, batch); err != nil {
			return deleted, err
		}
		for _, key := range batch {
			r.log.Info("deleted orphaned object", zap.String("key", key))
		}
		deleted += len(batch)
		keys = keys[len(batch):]
	}
	return deleted, nil
}
