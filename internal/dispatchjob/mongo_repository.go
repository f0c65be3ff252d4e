package dispatchjob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const collectionName = "dispatch_jobs"

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("dispatch job not found")

// MongoRepository implements Repository on a dispatch_jobs collection.
type MongoRepository struct {
	coll *mongo.Collection
}

func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{coll: db.Collection(collectionName)}
}

// EnsureIndexes creates the indexes the pollers depend on.
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updatedAt", Value: 1}}},
		{Keys: bson.D{{Key: "messageGroup", Value: 1}, {Key: "status", Value: 1}}},
	})
	return err
}

func (r *MongoRepository) Insert(ctx context.Context, job *DispatchJob) error {
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = StatusPending
	}
	if job.Mode == "" {
		job.Mode = ModeImmediate
	}
	if job.Sequence == 0 {
		job.Sequence = DefaultSequence
	}
	_, err := r.coll.InsertOne(ctx, job)
	if err != nil {
		return fmt.Errorf("failed to insert dispatch job: %w", err)
	}
	return nil
}

func (r *MongoRepository) FindByID(ctx context.Context, id string) (*DispatchJob, error) {
	var job DispatchJob
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dispatch job %s: %w", id, err)
	}
	return &job, nil
}

func (r *MongoRepository) FindPending(ctx context.Context, limit int) ([]*DispatchJob, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := r.coll.Find(ctx, bson.M{"status": StatusPending}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending jobs: %w", err)
	}
	defer cursor.Close(ctx)

	var jobs []*DispatchJob
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, fmt.Errorf("failed to decode pending jobs: %w", err)
	}
	return jobs, nil
}

func (r *MongoRepository) MarkQueued(ctx context.Context, id string) (bool, error) {
	now := time.Now()
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": StatusPending},
		bson.M{"$set": bson.M{
			"status":    StatusQueued,
			"queuedAt":  now,
			"updatedAt": now,
		}})
	if err != nil {
		return false, fmt.Errorf("failed to mark job %s queued: %w", id, err)
	}
	return res.ModifiedCount == 1, nil
}

func (r *MongoRepository) UpdateStatus(ctx context.Context, id, status string, statusCode int, errMsg string) error {
	now := time.Now()
	set := bson.M{
		"status":    status,
		"updatedAt": now,
	}
	if statusCode != 0 {
		set["lastStatusCode"] = statusCode
	}
	if errMsg != "" {
		set["lastError"] = errMsg
	}
	if status == StatusCompleted {
		set["completedAt"] = now
	}
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update job %s status: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MongoRepository) UpdateStatusBatch(ctx context.Context, ids []string, status string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.coll.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{"$set": bson.M{"status": status, "updatedAt": time.Now()}})
	if err != nil {
		return fmt.Errorf("failed to batch-update %d jobs: %w", len(ids), err)
	}
	return nil
}

func (r *MongoRepository) RecordAttempt(ctx context.Context, id string, attempt DispatchAttempt) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		appendAttemptUpdate(attempt, time.Now()))
	if err != nil {
		return fmt.Errorf("failed to record attempt on job %s: %w", id, err)
	}
	return nil
}

// appendAttemptUpdate builds a pipeline update that appends the attempt with
// a server-assigned number (current history length + 1), so concurrent
// recorders cannot hand out the same number.
func appendAttemptUpdate(attempt DispatchAttempt, now time.Time) mongo.Pipeline {
	history := bson.M{"$ifNull": bson.A{"$attempts", bson.A{}}}
	doc := bson.M{
		"number":     bson.M{"$add": bson.A{bson.M{"$size": history}, 1}},
		"attemptAt":  attempt.AttemptAt,
		"outcome":    bson.M{"$literal": attempt.Outcome},
		"statusCode": attempt.StatusCode,
		"durationMs": attempt.DurationMs,
		"error":      bson.M{"$literal": attempt.Error},
	}
	return mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"attempts":  bson.M{"$concatArrays": bson.A{history, bson.A{doc}}},
			"updatedAt": now,
		}}},
	}
}

// ResetStaleQueued recovers jobs whose broker publish was lost. The id list
// is read first so the update stays bounded by limit.
func (r *MongoRepository) ResetStaleQueued(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	opts := options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetLimit(int64(limit))

	cursor, err := r.coll.Find(ctx, bson.M{
		"status":    StatusQueued,
		"updatedAt": bson.M{"$lt": olderThan},
	}, opts)
	if err != nil {
		return 0, fmt.Errorf("failed to query stale queued jobs: %w", err)
	}

	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return 0, fmt.Errorf("failed to decode stale queued jobs: %w", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}

	res, err := r.coll.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "status": StatusQueued},
		bson.M{"$set": bson.M{"status": StatusPending, "updatedAt": time.Now()}})
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale queued jobs: %w", err)
	}
	return res.ModifiedCount, nil
}

func (r *MongoRepository) BlockedGroups(ctx context.Context, groups []string) (map[string]bool, error) {
	if len(groups) == 0 {
		return map[string]bool{}, nil
	}

	cursor, err := r.coll.Distinct(ctx, "messageGroup", bson.M{
		"status": StatusError,
		"$or":    groupFilter(groups),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query blocked groups: %w", err)
	}

	blocked := make(map[string]bool)
	for _, v := range cursor {
		g, _ := v.(string)
		if g == "" {
			g = DefaultGroup
		}
		blocked[g] = true
	}
	return blocked, nil
}

func groupFilter(groups []string) []bson.M {
	ors := make([]bson.M, 0, len(groups))
	for _, g := range groups {
		if g == DefaultGroup {
			ors = append(ors, bson.M{"messageGroup": bson.M{"$in": []any{DefaultGroup, nil, ""}}})
		} else {
			ors = append(ors, bson.M{"messageGroup": g})
		}
	}
	return ors
}

func (r *MongoRepository) CountByGroupAndStatus(ctx context.Context, group, status string) (int64, error) {
	filter := bson.M{"status": status}
	if group == DefaultGroup {
		filter["messageGroup"] = bson.M{"$in": []any{DefaultGroup, nil, ""}}
	} else {
		filter["messageGroup"] = group
	}
	n, err := r.coll.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s jobs in group %s: %w", status, group, err)
	}
	return n, nil
}
