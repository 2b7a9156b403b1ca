package integration

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
	"github.com/kimhsiao/fitlog/backend/internal/ids"
	"github.com/kimhsiao/fitlog/backend/internal/logging"
	"github.com/kimhsiao/fitlog/backend/internal/models"
)

// Namespace returns the namespace local writes go to: the signed-in user's,
// or the guest namespace.
func (i *Integration) Namespace() models.Namespace {
	if uid := i.UserID(); uid != "" {
		return models.UserNamespace(uid)
	}
	return models.GuestNamespace
}

// Write stores data under (et, id) in the current namespace and queues it
// for upload. Guest records stay local until migration. An empty id gets a
// fresh one.
func (i *Integration) Write(ctx context.Context, et models.EntityType, id string, data []byte) (*models.Record, error) {
	if !i.ready() {
		return nil, errNotInitialized
	}
	if id == "" {
		id = ids.NewEntityID()
	}
	rec, err := i.store.PutRecord(ctx, i.Namespace(), et, id, data)
	if err != nil {
		return nil, err
	}
	i.enqueue(ctx, rec)
	return rec, nil
}

// Delete tombstones (et, id) in the current namespace and queues the
// remote delete.
func (i *Integration) Delete(ctx context.Context, et models.EntityType, id string) error {
	if !i.ready() {
		return errNotInitialized
	}
	rec, err := i.store.DeleteRecord(ctx, i.Namespace(), et, id)
	if err != nil {
		return err
	}
	i.enqueue(ctx, rec)
	return nil
}

// Get reads (et, id) from the current namespace. Deleted records are
// reported as not found.
func (i *Integration) Get(ctx context.Context, et models.EntityType, id string) (*models.Record, error) {
	if !i.ready() {
		return nil, errNotInitialized
	}
	rec, err := i.store.GetRecord(ctx, i.Namespace(), et, id)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, apperrors.New(apperrors.ErrNotFound, "record "+rec.Key()+" was deleted")
	}
	return rec, nil
}

// List returns the live records of et in the current namespace.
func (i *Integration) List(ctx context.Context, et models.EntityType) ([]models.Record, error) {
	if !i.ready() {
		return nil, errNotInitialized
	}
	all, err := i.store.ListRecords(ctx, i.Namespace(), false)
	if err != nil {
		return nil, err
	}
	out := make([]models.Record, 0, len(all))
	for _, r := range all {
		if r.EntityType == et {
			out = append(out, r)
		}
	}
	return out, nil
}

// enqueue queues rec for upload. A queue failure leaves the record
// divergent; it is picked up again by the next EnqueueDivergent.
func (i *Integration) enqueue(ctx context.Context, rec *models.Record) {
	if rec.Namespace.IsGuest() {
		return
	}
	if _, err := i.engine.EnqueueRecord(ctx, rec); err != nil {
		logging.Warn("[Integration] Write not queued, it stays divergent", map[string]interface{}{
			"key":   rec.Key(),
			"error": err.Error(),
			"code":  string(apperrors.CodeOf(err)),
		})
	}
}

// ProgressEntry is a body measurement.
type ProgressEntry struct {
	WeightKg   float64   `json:"weight_kg,omitempty"`
	BodyFatPct float64   `json:"body_fat_pct,omitempty"`
	Note       string    `json:"note,omitempty"`
	MeasuredAt time.Time `json:"measured_at"`
}

// Workout is one completed training session.
type Workout struct {
	Name        string        `json:"name"`
	Duration    time.Duration `json:"duration"`
	Calories    int           `json:"calories,omitempty"`
	Exercises   []string      `json:"exercises,omitempty"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Meal is one logged meal.
type Meal struct {
	Name     string    `json:"name"`
	Calories int       `json:"calories"`
	ProteinG float64   `json:"protein_g,omitempty"`
	CarbsG   float64   `json:"carbs_g,omitempty"`
	FatG     float64   `json:"fat_g,omitempty"`
	EatenAt  time.Time `json:"eaten_at"`
}

// Profile is the single profile entity of a namespace.
type Profile struct {
	DisplayName string  `json:"display_name"`
	HeightCm    float64 `json:"height_cm,omitempty"`
	GoalWeight  float64 `json:"goal_weight_kg,omitempty"`
	Units       string  `json:"units,omitempty"`
}

// profileID is the fixed id of the profile entity.
const profileID = "me"

// CreateProgressEntry stores a new progress entry.
func (i *Integration) CreateProgressEntry(ctx context.Context, e ProgressEntry) (*models.Record, error) {
	if e.MeasuredAt.IsZero() {
		e.MeasuredAt = i.now()
	}
	return i.writeValue(ctx, models.EntityProgress, "", e)
}

// CompleteWorkout stores a finished workout.
func (i *Integration) CompleteWorkout(ctx context.Context, w Workout) (*models.Record, error) {
	if w.Name == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "workout name is required")
	}
	if w.CompletedAt.IsZero() {
		w.CompletedAt = i.now()
	}
	return i.writeValue(ctx, models.EntityWorkout, "", w)
}

// LogMeal stores a meal.
func (i *Integration) LogMeal(ctx context.Context, m Meal) (*models.Record, error) {
	if m.Name == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "meal name is required")
	}
	if m.EatenAt.IsZero() {
		m.EatenAt = i.now()
	}
	return i.writeValue(ctx, models.EntityNutrition, "", m)
}

// SaveProfile replaces the profile of the current namespace.
func (i *Integration) SaveProfile(ctx context.Context, p Profile) (*models.Record, error) {
	return i.writeValue(ctx, models.EntityProfile, profileID, p)
}

func (i *Integration) writeValue(ctx context.Context, et models.EntityType, id string, v interface{}) (*models.Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to encode "+string(et), err)
	}
	return i.Write(ctx, et, id, data)
}
