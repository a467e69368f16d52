package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ovmeet/backend/internal/v1/apperr"
	"github.com/ovmeet/backend/internal/v1/lock"
	"github.com/ovmeet/backend/internal/v1/logging"
	"github.com/ovmeet/backend/internal/v1/types"
)

const (
	// MigrationLockName fences migration runs across replicas.
	MigrationLockName = "MIGRATION"

	migrationLockTTL      = 10 * time.Minute
	migrationLockAttempts = 30
	migrationLockBackoff  = 2 * time.Second
)

// Migration rewrites the documents of one collection from one schema version
// to the next. Documents already past FromVersion are left alone, so a
// migration can be re-run after a partial failure.
type Migration struct {
	Name        string
	Collection  string
	FromVersion int
	ToVersion   int
	Transform   func(RawDocument) (RawDocument, error)
}

type migrationStep struct {
	name string
	run  func(ctx context.Context) error
}

// RunnerOptions tunes the migration mutex. Zero values select the defaults.
type RunnerOptions struct {
	// LockTTL bounds one replica's migration run.
	LockTTL time.Duration
	// LockAttempts and LockBackoff shape how long a replica waits for
	// another replica's run to finish before giving up.
	LockAttempts int
	LockBackoff  time.Duration
}

// Runner executes registered migration steps at startup, at most once across
// the fleet. Each step leaves a progress row behind; completed steps are
// skipped on the next boot and failed or interrupted ones run again.
type Runner struct {
	provider Provider
	locks    *lock.Service
	opts     RunnerOptions
	steps    []migrationStep
}

func NewRunner(provider Provider, locks *lock.Service, opts RunnerOptions) *Runner {
	if opts.LockTTL <= 0 {
		opts.LockTTL = migrationLockTTL
	}
	if opts.LockAttempts <= 0 {
		opts.LockAttempts = migrationLockAttempts
	}
	if opts.LockBackoff <= 0 {
		opts.LockBackoff = migrationLockBackoff
	}
	return &Runner{provider: provider, locks: locks, opts: opts}
}

// AddMigration registers a schema migration step.
func (r *Runner) AddMigration(m Migration) {
	r.steps = append(r.steps, migrationStep{
		name: m.Name,
		run: func(ctx context.Context) error {
			return r.applyMigration(ctx, m)
		},
	})
}

// AddImport registers a step that copies every entity collection from another
// provider into this one, for moving off a legacy deployment.
func (r *Runner) AddImport(name string, source Provider) {
	r.steps = append(r.steps, migrationStep{
		name: name,
		run: func(ctx context.Context) error {
			return r.importFrom(ctx, source)
		},
	})
}

// Run acquires the migration mutex and executes all pending steps in
// registration order. It blocks while another replica migrates; if the mutex
// cannot be obtained within the retry budget, or any step fails, the error is
// returned so startup can abort.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.steps) == 0 {
		return nil
	}

	l, err := r.locks.AcquireWithRetry(ctx, MigrationLockName, r.opts.LockTTL, r.opts.LockAttempts, r.opts.LockBackoff)
	if err != nil {
		return err
	}
	if l == nil {
		return apperr.Busy("MIGRATION_LOCKED", "another replica is still running migrations")
	}
	defer func() {
		if err := r.locks.Release(context.WithoutCancel(ctx), l); err != nil {
			logging.Warn(ctx, "failed to release migration lock", zap.Error(err))
		}
	}()

	for _, step := range r.steps {
		if err := r.runStep(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runStep(ctx context.Context, step migrationStep) error {
	rec, err := r.provider.Migrations().Get(ctx, step.name)
	if err != nil && apperr.KindOf(err) != apperr.KindNotFound {
		return err
	}
	if rec != nil && rec.Status == types.MigrationStatusCompleted {
		logging.Debug(ctx, "Migration already applied", zap.String("migration", step.name))
		return nil
	}

	row := &types.MigrationRecord{
		Name:      step.name,
		Status:    types.MigrationStatusRunning,
		StartedAt: time.Now().UnixMilli(),
	}
	if err := r.provider.Migrations().Upsert(ctx, row); err != nil {
		return err
	}
	logging.Info(ctx, "Running migration", zap.String("migration", step.name))

	start := time.Now()
	if err := step.run(ctx); err != nil {
		row.Status = types.MigrationStatusFailed
		row.Error = err.Error()
		if upErr := r.provider.Migrations().Upsert(ctx, row); upErr != nil {
			logging.Warn(ctx, "failed to record migration failure", zap.String("migration", step.name), zap.Error(upErr))
		}
		return fmt.Errorf("migration %q failed: %w", step.name, err)
	}

	row.Status = types.MigrationStatusCompleted
	row.CompletedAt = time.Now().UnixMilli()
	row.Error = ""
	if err := r.provider.Migrations().Upsert(ctx, row); err != nil {
		return err
	}
	logging.Info(ctx, "Migration completed",
		zap.String("migration", step.name),
		zap.Duration("took", time.Since(start)))
	return nil
}

func (r *Runner) applyMigration(ctx context.Context, m Migration) error {
	docs, err := r.provider.RawList(ctx, m.Collection)
	if err != nil {
		return err
	}

	migrated := 0
	for _, doc := range docs {
		if docSchemaVersion(doc) != m.FromVersion {
			continue
		}
		id, _ := doc["_id"].(string)
		if id == "" {
			logging.Warn(ctx, "skipping document without string id", zap.String("collection", m.Collection))
			continue
		}

		next, err := m.Transform(doc)
		if err != nil {
			return fmt.Errorf("transform %s/%s: %w", m.Collection, id, err)
		}
		next["schemaVersion"] = m.ToVersion
		if err := r.provider.RawUpsert(ctx, m.Collection, id, next); err != nil {
			return err
		}
		migrated++
	}

	logging.Info(ctx, "Migration rewrote documents",
		zap.String("migration", m.Name),
		zap.String("collection", m.Collection),
		zap.Int("migrated", migrated),
		zap.Int("total", len(docs)))
	return nil
}

// importedCollections lists what a storage import copies. Migration progress
// rows stay behind; the target keeps its own history.
var importedCollections = []string{
	CollectionRooms,
	CollectionRecordings,
	CollectionUsers,
	CollectionAPIKeys,
	CollectionConfig,
}

func (r *Runner) importFrom(ctx context.Context, source Provider) error {
	for _, collection := range importedCollections {
		docs, err := source.RawList(ctx, collection)
		if err != nil {
			return fmt.Errorf("list legacy %s: %w", collection, err)
		}
		copied := 0
		for _, doc := range docs {
			id, _ := doc["_id"].(string)
			if id == "" {
				logging.Warn(ctx, "skipping legacy document without string id", zap.String("collection", collection))
				continue
			}
			if err := r.provider.RawUpsert(ctx, collection, id, doc); err != nil {
				return fmt.Errorf("copy legacy %s/%s: %w", collection, id, err)
			}
			copied++
		}
		logging.Info(ctx, "Imported legacy collection",
			zap.String("collection", collection),
			zap.Int("documents", copied))
	}
	return nil
}

// docSchemaVersion reads the version stamp off a raw document. Documents
// written before stamping existed count as version 1. The numeric type
// depends on which decoder produced the document.
func docSchemaVersion(doc RawDocument) int {
	switch v := doc["schemaVersion"].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 1
	}
}

// RoomsV1ToV2 upgrades room documents written before the two-axis deletion
// policy. The legacy value was a single string describing the meeting axis;
// recordings were always force-deleted, and there was no deferred end action.
func RoomsV1ToV2() Migration {
	return Migration{
		Name:        "rooms_v1_to_v2",
		Collection:  CollectionRooms,
		FromVersion: 1,
		ToVersion:   types.SchemaVersionRooms,
		Transform: func(doc RawDocument) (RawDocument, error) {
			policy := map[string]any{
				"withMeeting":    string(types.WithMeetingWhenMeetingEnds),
				"withRecordings": string(types.WithRecordingsForce),
			}
			if legacy, ok := doc["autoDeletionPolicy"].(string); ok && legacy != "" {
				policy["withMeeting"] = legacy
			}
			doc["autoDeletionPolicy"] = policy

			if _, ok := doc["meetingEndAction"]; !ok {
				doc["meetingEndAction"] = string(types.MeetingEndActionNone)
			}
			return doc, nil
		},
	}
}
