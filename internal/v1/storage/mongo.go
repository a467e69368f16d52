package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/ovmeet/backend/internal/v1/apperr"
	"github.com/ovmeet/backend/internal/v1/types"
)

// MongoOptions configure the document-store provider.
type MongoOptions struct {
	URI      string
	Database string
}

// MongoProvider implements Provider on MongoDB.
type MongoProvider struct {
	client *mongo.Client
	db     *mongo.Database

	rooms      *mongoRooms
	recordings *mongoRecordings
	users      *mongoUsers
	apiKeys    *mongoAPIKeys
	config     *mongoConfig
	migrations *mongoMigrations
}

// NewMongoProvider connects, verifies the server is reachable, and ensures
// the collection indexes.
func NewMongoProvider(ctx context.Context, opts MongoOptions) (*MongoProvider, error) {
	clientOpts := options.Client().
		ApplyURI(opts.URI).
		SetServerSelectionTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, apperr.Unavailable(err, "failed to connect to mongodb")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, apperr.Unavailable(err, "mongodb is not reachable")
	}

	db := client.Database(opts.Database)
	p := &MongoProvider{
		client:     client,
		db:         db,
		rooms:      &mongoRooms{col: db.Collection(CollectionRooms)},
		recordings: &mongoRecordings{col: db.Collection(CollectionRecordings)},
		users:      &mongoUsers{col: db.Collection(CollectionUsers)},
		apiKeys:    &mongoAPIKeys{col: db.Collection(CollectionAPIKeys)},
		config:     &mongoConfig{col: db.Collection(CollectionConfig)},
		migrations: &mongoMigrations{col: db.Collection(CollectionMigrations)},
	}
	if err := p.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return p, nil
}

func (p *MongoProvider) ensureIndexes(ctx context.Context) error {
	_, err := p.rooms.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "roomName", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return mapMongoErr(err, "rooms.indexes")
	}

	_, err = p.recordings.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "roomId", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updatedAt", Value: 1}}},
	})
	if err != nil {
		return mapMongoErr(err, "recordings.indexes")
	}
	return nil
}

func (p *MongoProvider) Rooms() RoomRepository           { return p.rooms }
func (p *MongoProvider) Recordings() RecordingRepository { return p.recordings }
func (p *MongoProvider) Users() UserRepository           { return p.users }
func (p *MongoProvider) APIKeys() APIKeyRepository       { return p.apiKeys }
func (p *MongoProvider) Config() ConfigRepository        { return p.config }
func (p *MongoProvider) Migrations() MigrationRepository { return p.migrations }

func (p *MongoProvider) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx, readpref.Primary()); err != nil {
		return apperr.Unavailable(err, "mongodb is not reachable")
	}
	return nil
}

func (p *MongoProvider) Close(ctx context.Context) error {
	return p.client.Disconnect(ctx)
}

func (p *MongoProvider) RawList(ctx context.Context, collection string) ([]RawDocument, error) {
	cursor, err := p.db.Collection(collection).Find(ctx, bson.M{})
	if err != nil {
		return nil, mapMongoErr(err, collection+".rawlist")
	}
	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, mapMongoErr(err, collection+".rawlist")
	}
	out := make([]RawDocument, len(docs))
	for i, d := range docs {
		out[i] = RawDocument(d)
	}
	return out, nil
}

func (p *MongoProvider) RawUpsert(ctx context.Context, collection, id string, doc RawDocument) error {
	doc["_id"] = id
	_, err := p.db.Collection(collection).ReplaceOne(ctx,
		bson.M{"_id": id}, bson.M(doc), options.Replace().SetUpsert(true))
	return mapMongoErr(err, collection+".rawupsert")
}

// mapMongoErr folds driver failures into the error taxonomy. ErrNoDocuments
// is left to callers, which know the entity-specific NOT_FOUND code.
func mapMongoErr(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apperr.Cancelled(err)
	case mongo.IsDuplicateKeyError(err):
		return apperr.Conflict("ALREADY_EXISTS", fmt.Sprintf("duplicate key on %s", op))
	default:
		return apperr.Unavailable(err, fmt.Sprintf("mongodb %s failed", op))
	}
}

// --- rooms ---

type mongoRooms struct {
	col *mongo.Collection
}

func (r *mongoRooms) Insert(ctx context.Context, room *types.Room) error {
	_, err := r.col.InsertOne(ctx, room)
	if mongo.IsDuplicateKeyError(err) {
		return apperr.Conflict("ROOM_NAME_TAKEN", fmt.Sprintf("room name %q is already in use", room.RoomName))
	}
	return mapMongoErr(err, "rooms.insert")
}

func (r *mongoRooms) Get(ctx context.Context, roomID string) (*types.Room, error) {
	var room types.Room
	err := r.col.FindOne(ctx, bson.M{"_id": roomID}).Decode(&room)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.NotFound("ROOM_NOT_FOUND", fmt.Sprintf("room %q does not exist", roomID))
	}
	if err != nil {
		return nil, mapMongoErr(err, "rooms.get")
	}
	return &room, nil
}

func (r *mongoRooms) List(ctx context.Context, page types.PageRequest) (*types.Page[types.Room], error) {
	limit := normalizeLimit(page.MaxItems)
	filter := bson.M{}
	if page.NextPageToken != "" {
		cur, err := decodeCursor(page.NextPageToken)
		if err != nil {
			return nil, err
		}
		filter["$or"] = bson.A{
			bson.M{"creationDate": bson.M{"$gt": cur.Sort}},
			bson.M{"creationDate": cur.Sort, "_id": bson.M{"$gt": cur.ID}},
		}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "creationDate", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit) + 1)
	cursor, err := r.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, mapMongoErr(err, "rooms.list")
	}
	var rows []types.Room
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, mapMongoErr(err, "rooms.list")
	}
	return buildPage(rows, limit, func(r types.Room) (int64, string) {
		return r.CreationDate, r.RoomID
	}), nil
}

func (r *mongoRooms) ListExpiring(ctx context.Context, nowMs int64) ([]*types.Room, error) {
	filter := bson.M{"autoDeletionDate": bson.M{"$gt": 0, "$lte": nowMs}}
	cursor, err := r.col.Find(ctx, filter)
	if err != nil {
		return nil, mapMongoErr(err, "rooms.listexpiring")
	}
	var rows []*types.Room
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, mapMongoErr(err, "rooms.listexpiring")
	}
	return rows, nil
}

func (r *mongoRooms) UpdateStatus(ctx context.Context, roomID string, from []types.RoomStatus, to types.RoomStatus) (*types.Room, error) {
	filter := bson.M{"_id": roomID}
	if len(from) > 0 {
		filter["status"] = bson.M{"$in": from}
	}

	var updated types.Room
	err := r.col.FindOneAndUpdate(ctx,
		filter,
		bson.M{"$set": bson.M{"status": to}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// Tell a missing room apart from a failed status guard.
		if _, getErr := r.Get(ctx, roomID); getErr != nil {
			return nil, getErr
		}
		return nil, apperr.Conflict("INVALID_ROOM_STATUS",
			fmt.Sprintf("room %q is not in a state that allows moving to %q", roomID, to))
	}
	if err != nil {
		return nil, mapMongoErr(err, "rooms.updatestatus")
	}
	return &updated, nil
}

func (r *mongoRooms) SetMeetingEndAction(ctx context.Context, roomID string, action types.MeetingEndAction) error {
	res, err := r.col.UpdateOne(ctx,
		bson.M{"_id": roomID},
		bson.M{"$set": bson.M{"meetingEndAction": action}})
	if err != nil {
		return mapMongoErr(err, "rooms.setmeetingendaction")
	}
	if res.MatchedCount == 0 {
		return apperr.NotFound("ROOM_NOT_FOUND", fmt.Sprintf("room %q does not exist", roomID))
	}
	return nil
}

func (r *mongoRooms) SetAutoDeletionPolicy(ctx context.Context, roomID string, policy types.AutoDeletionPolicy) error {
	res, err := r.col.UpdateOne(ctx,
		bson.M{"_id": roomID},
		bson.M{"$set": bson.M{"autoDeletionPolicy": policy}})
	if err != nil {
		return mapMongoErr(err, "rooms.setautodeletionpolicy")
	}
	if res.MatchedCount == 0 {
		return apperr.NotFound("ROOM_NOT_FOUND", fmt.Sprintf("room %q does not exist", roomID))
	}
	return nil
}

func (r *mongoRooms) Delete(ctx context.Context, roomID string) error {
	_, err := r.col.DeleteOne(ctx, bson.M{"_id": roomID})
	return mapMongoErr(err, "rooms.delete")
}

// --- recordings ---

type mongoRecordings struct {
	col *mongo.Collection
}

func (r *mongoRecordings) Insert(ctx context.Context, rec *types.Recording) error {
	_, err := r.col.InsertOne(ctx, rec)
	if mongo.IsDuplicateKeyError(err) {
		return apperr.Conflict("RECORDING_EXISTS", fmt.Sprintf("recording %q already exists", rec.RecordingID))
	}
	return mapMongoErr(err, "recordings.insert")
}

func (r *mongoRecordings) Get(ctx context.Context, recordingID string) (*types.Recording, error) {
	var rec types.Recording
	err := r.col.FindOne(ctx, bson.M{"_id": recordingID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.NotFound("RECORDING_NOT_FOUND", fmt.Sprintf("recording %q does not exist", recordingID))
	}
	if err != nil {
		return nil, mapMongoErr(err, "recordings.get")
	}
	return &rec, nil
}

func (r *mongoRecordings) List(ctx context.Context, roomID string, page types.PageRequest) (*types.Page[types.Recording], error) {
	limit := normalizeLimit(page.MaxItems)
	filter := bson.M{}
	if roomID != "" {
		filter["roomId"] = roomID
	}
	if page.NextPageToken != "" {
		cur, err := decodeCursor(page.NextPageToken)
		if err != nil {
			return nil, err
		}
		filter["$or"] = bson.A{
			bson.M{"startDate": bson.M{"$gt": cur.Sort}},
			bson.M{"startDate": cur.Sort, "_id": bson.M{"$gt": cur.ID}},
		}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "startDate", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit) + 1)
	cursor, err := r.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, mapMongoErr(err, "recordings.list")
	}
	var rows []types.Recording
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, mapMongoErr(err, "recordings.list")
	}
	return buildPage(rows, limit, func(r types.Recording) (int64, string) {
		return r.StartDate, r.RecordingID
	}), nil
}

func (r *mongoRecordings) ListByRoom(ctx context.Context, roomID string) ([]*types.Recording, error) {
	cursor, err := r.col.Find(ctx, bson.M{"roomId": roomID})
	if err != nil {
		return nil, mapMongoErr(err, "recordings.listbyroom")
	}
	var rows []*types.Recording
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, mapMongoErr(err, "recordings.listbyroom")
	}
	return rows, nil
}

func (r *mongoRecordings) ListStale(ctx context.Context, updatedBeforeMs int64) ([]*types.Recording, error) {
	filter := bson.M{
		"status":    bson.M{"$nin": nonTerminalExclusions()},
		"updatedAt": bson.M{"$lt": updatedBeforeMs},
	}
	cursor, err := r.col.Find(ctx, filter)
	if err != nil {
		return nil, mapMongoErr(err, "recordings.liststale")
	}
	var rows []*types.Recording
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, mapMongoErr(err, "recordings.liststale")
	}
	return rows, nil
}

func (r *mongoRecordings) LatestByRoom(ctx context.Context, roomID string) (*types.Recording, error) {
	var rec types.Recording
	err := r.col.FindOne(ctx,
		bson.M{"roomId": roomID},
		options.FindOne().SetSort(bson.D{{Key: "startDate", Value: -1}, {Key: "_id", Value: -1}}),
	).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.NotFound("RECORDING_NOT_FOUND", fmt.Sprintf("room %q has no recordings", roomID))
	}
	if err != nil {
		return nil, mapMongoErr(err, "recordings.latestbyroom")
	}
	return &rec, nil
}

func (r *mongoRecordings) Transition(ctx context.Context, recordingID string, from []types.RecordingStatus, patch RecordingPatch) (*types.Recording, error) {
	filter := bson.M{"_id": recordingID}
	if len(from) > 0 {
		filter["status"] = bson.M{"$in": from}
	}

	set := bson.M{"status": patch.Status, "updatedAt": patch.UpdatedAt}
	if patch.StartDate > 0 {
		set["startDate"] = patch.StartDate
	}
	if patch.EndDate > 0 {
		set["endDate"] = patch.EndDate
	}
	if patch.Duration > 0 {
		set["duration"] = patch.Duration
	}
	if patch.Size > 0 {
		set["size"] = patch.Size
	}
	if patch.Filename != "" {
		set["filename"] = patch.Filename
	}
	if patch.ErrorMessage != "" {
		set["error"] = patch.ErrorMessage
	}

	var updated types.Recording
	err := r.col.FindOneAndUpdate(ctx,
		filter,
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, getErr := r.Get(ctx, recordingID); getErr != nil {
			return nil, getErr
		}
		return nil, apperr.Conflict("INVALID_RECORDING_TRANSITION",
			fmt.Sprintf("recording %q cannot move to %q from its current status", recordingID, patch.Status))
	}
	if err != nil {
		return nil, mapMongoErr(err, "recordings.transition")
	}
	return &updated, nil
}

func (r *mongoRecordings) Delete(ctx context.Context, recordingID string) error {
	_, err := r.col.DeleteOne(ctx, bson.M{"_id": recordingID})
	return mapMongoErr(err, "recordings.delete")
}

func (r *mongoRecordings) DeleteByRoom(ctx context.Context, roomID string) error {
	_, err := r.col.DeleteMany(ctx, bson.M{"roomId": roomID})
	return mapMongoErr(err, "recordings.deletebyroom")
}

// nonTerminalExclusions lists the terminal statuses for $nin filters.
func nonTerminalExclusions() bson.A {
	return bson.A{
		types.RecordingStatusComplete,
		types.RecordingStatusFailed,
		types.RecordingStatusAborted,
		types.RecordingStatusLimitReached,
	}
}

// --- users ---

type mongoUsers struct {
	col *mongo.Collection
}

func (u *mongoUsers) Insert(ctx context.Context, user *types.User) error {
	_, err := u.col.InsertOne(ctx, user)
	if mongo.IsDuplicateKeyError(err) {
		return apperr.Conflict("USER_EXISTS", fmt.Sprintf("user %q already exists", user.UserID))
	}
	return mapMongoErr(err, "users.insert")
}

func (u *mongoUsers) Get(ctx context.Context, userID string) (*types.User, error) {
	var user types.User
	err := u.col.FindOne(ctx, bson.M{"_id": userID}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.NotFound("USER_NOT_FOUND", fmt.Sprintf("user %q does not exist", userID))
	}
	if err != nil {
		return nil, mapMongoErr(err, "users.get")
	}
	return &user, nil
}

func (u *mongoUsers) Update(ctx context.Context, user *types.User) error {
	res, err := u.col.ReplaceOne(ctx, bson.M{"_id": user.UserID}, user)
	if err != nil {
		return mapMongoErr(err, "users.update")
	}
	if res.MatchedCount == 0 {
		return apperr.NotFound("USER_NOT_FOUND", fmt.Sprintf("user %q does not exist", user.UserID))
	}
	return nil
}

// --- api keys ---

type mongoAPIKeys struct {
	col *mongo.Collection
}

func (k *mongoAPIKeys) Insert(ctx context.Context, key *types.APIKey) error {
	_, err := k.col.InsertOne(ctx, key)
	return mapMongoErr(err, "apikeys.insert")
}

func (k *mongoAPIKeys) List(ctx context.Context) ([]*types.APIKey, error) {
	cursor, err := k.col.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "creationDate", Value: -1}}))
	if err != nil {
		return nil, mapMongoErr(err, "apikeys.list")
	}
	var keys []*types.APIKey
	if err := cursor.All(ctx, &keys); err != nil {
		return nil, mapMongoErr(err, "apikeys.list")
	}
	return keys, nil
}

func (k *mongoAPIKeys) DeleteAll(ctx context.Context) error {
	_, err := k.col.DeleteMany(ctx, bson.M{})
	return mapMongoErr(err, "apikeys.deleteall")
}

// --- global config ---

type mongoConfig struct {
	col *mongo.Collection
}

func (c *mongoConfig) Get(ctx context.Context) (*types.GlobalConfig, error) {
	var cfg types.GlobalConfig
	err := c.col.FindOne(ctx, bson.M{"_id": types.GlobalConfigID}).Decode(&cfg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.NotFound("CONFIG_NOT_FOUND", "global configuration has not been seeded")
	}
	if err != nil {
		return nil, mapMongoErr(err, "config.get")
	}
	return &cfg, nil
}

func (c *mongoConfig) Upsert(ctx context.Context, cfg *types.GlobalConfig) error {
	cfg.ID = types.GlobalConfigID
	_, err := c.col.ReplaceOne(ctx,
		bson.M{"_id": types.GlobalConfigID}, cfg, options.Replace().SetUpsert(true))
	return mapMongoErr(err, "config.upsert")
}

// --- migrations ---

type mongoMigrations struct {
	col *mongo.Collection
}

func (m *mongoMigrations) Get(ctx context.Context, name string) (*types.MigrationRecord, error) {
	var rec types.MigrationRecord
	err := m.col.FindOne(ctx, bson.M{"_id": name}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.NotFound("MIGRATION_NOT_FOUND", fmt.Sprintf("migration %q has no record", name))
	}
	if err != nil {
		return nil, mapMongoErr(err, "migrations.get")
	}
	return &rec, nil
}

func (m *mongoMigrations) Upsert(ctx context.Context, rec *types.MigrationRecord) error {
	_, err := m.col.ReplaceOne(ctx,
		bson.M{"_id": rec.Name}, rec, options.Replace().SetUpsert(true))
	return mapMongoErr(err, "migrations.upsert")
}
