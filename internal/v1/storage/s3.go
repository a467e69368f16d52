package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/ovmeet/backend/internal/v1/apperr"
	"github.com/ovmeet/backend/internal/v1/types"
)

// S3Config configures both the legacy document provider and the blob store.
type S3Config struct {
	Bucket         string
	Region         string
	Endpoint       string
	KeyPrefix      string
	ForcePathStyle bool

	// AccessKey and SecretKey override the ambient AWS credential chain.
	// S3-compatible services such as MinIO hand out explicit key pairs.
	AccessKey string
	SecretKey string
}

// NewS3Client builds an S3 client from the configured or ambient AWS
// credentials plus the endpoint overrides needed for S3-compatible services.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// errObjectMissing marks a GetObject miss internally; repositories translate
// it into the entity's NOT_FOUND error.
var errObjectMissing = errors.New("object missing")

// S3Provider is the legacy document layout: one JSON object per entity under
// {prefix}{collection}/{id}.json. Listings order by id, and updates are
// read-modify-write; callers serialize writes through the entity mutexes.
//
// Documents are serialized as relaxed BSON extended JSON so the bson field
// names (including "_id" and the secret fields hidden from API responses)
// survive, keeping objects byte-compatible with the MongoDB import.
type S3Provider struct {
	client *s3.Client
	bucket string
	prefix string

	rooms      *s3Rooms
	recordings *s3Recordings
	users      *s3Users
	apiKeys    *s3APIKeys
	config     *s3Config
	migrations *s3Migrations
}

func NewS3Provider(client *s3.Client, cfg S3Config) *S3Provider {
	p := &S3Provider{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.KeyPrefix,
	}
	p.rooms = &s3Rooms{p: p}
	p.recordings = &s3Recordings{p: p}
	p.users = &s3Users{p: p}
	p.apiKeys = &s3APIKeys{p: p}
	p.config = &s3Config{p: p}
	p.migrations = &s3Migrations{p: p}
	return p
}

func (p *S3Provider) Rooms() RoomRepository           { return p.rooms }
func (p *S3Provider) Recordings() RecordingRepository { return p.recordings }
func (p *S3Provider) Users() UserRepository           { return p.users }
func (p *S3Provider) APIKeys() APIKeyRepository       { return p.apiKeys }
func (p *S3Provider) Config() ConfigRepository        { return p.config }
func (p *S3Provider) Migrations() MigrationRepository { return p.migrations }

func (p *S3Provider) Ping(ctx context.Context) error {
	_, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(p.bucket),
	})
	if err != nil {
		return apperr.Unavailable(err, "s3 bucket is not reachable")
	}
	return nil
}

func (p *S3Provider) Close(ctx context.Context) error {
	return nil
}

func (p *S3Provider) key(collection, id string) string {
	return p.prefix + collection + "/" + id + ".json"
}

func (p *S3Provider) idFromKey(collection, key string) string {
	dir := p.prefix + collection + "/"
	return strings.TrimSuffix(strings.TrimPrefix(key, dir), ".json")
}

func (p *S3Provider) readDoc(ctx context.Context, collection, id string, out any) error {
	resp, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(collection, id)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return errObjectMissing
		}
		return apperr.Unavailable(err, fmt.Sprintf("s3 get %s/%s failed", collection, id))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Unavailable(err, "failed to read s3 object body")
	}
	if err := bson.UnmarshalExtJSON(data, false, out); err != nil {
		return apperr.Internal(err, fmt.Sprintf("corrupt document %s/%s", collection, id))
	}
	return nil
}

func (p *S3Provider) writeDoc(ctx context.Context, collection, id string, doc any) error {
	data, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return apperr.Internal(err, fmt.Sprintf("failed to encode document %s/%s", collection, id))
	}
	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(p.key(collection, id)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return apperr.Unavailable(err, fmt.Sprintf("s3 put %s/%s failed", collection, id))
	}
	return nil
}

func (p *S3Provider) deleteDoc(ctx context.Context, collection, id string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(collection, id)),
	})
	if err != nil {
		return apperr.Unavailable(err, fmt.Sprintf("s3 delete %s/%s failed", collection, id))
	}
	return nil
}

// listIDs returns up to max ids of a collection in key order, starting
// strictly after the given id. A non-empty idPrefix narrows the listing to
// ids beginning with it.
func (p *S3Provider) listIDs(ctx context.Context, collection, idPrefix, startAfter string, max int32) ([]string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		Prefix:  aws.String(p.prefix + collection + "/" + idPrefix),
		MaxKeys: aws.Int32(max),
	}
	if startAfter != "" {
		input.StartAfter = aws.String(p.key(collection, startAfter))
	}
	out, err := p.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, apperr.Unavailable(err, fmt.Sprintf("s3 list %s failed", collection))
	}
	ids := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		ids = append(ids, p.idFromKey(collection, aws.ToString(obj.Key)))
	}
	return ids, nil
}

func (p *S3Provider) listAllIDs(ctx context.Context, collection string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(p.prefix + collection + "/"),
	})
	var ids []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, apperr.Unavailable(err, fmt.Sprintf("s3 list %s failed", collection))
		}
		for _, obj := range page.Contents {
			ids = append(ids, p.idFromKey(collection, aws.ToString(obj.Key)))
		}
	}
	return ids, nil
}

func (p *S3Provider) RawList(ctx context.Context, collection string) ([]RawDocument, error) {
	ids, err := p.listAllIDs(ctx, collection)
	if err != nil {
		return nil, err
	}
	docs := make([]RawDocument, 0, len(ids))
	for _, id := range ids {
		var doc bson.M
		err := p.readDoc(ctx, collection, id, &doc)
		if errors.Is(err, errObjectMissing) {
			continue
		}
		if err != nil {
			return nil, err
		}
		doc["_id"] = id
		docs = append(docs, RawDocument(doc))
	}
	return docs, nil
}

func (p *S3Provider) RawUpsert(ctx context.Context, collection, id string, doc RawDocument) error {
	doc["_id"] = id
	return p.writeDoc(ctx, collection, id, bson.M(doc))
}

// isS3NotFound matches the service error shapes S3-compatible stores return
// for a missing object.
func isS3NotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "NoSuchKey") ||
		strings.Contains(msg, "NotFound") ||
		strings.Contains(msg, "404")
}

// --- rooms ---

type s3Rooms struct {
	p *S3Provider
}

func (r *s3Rooms) Insert(ctx context.Context, room *types.Room) error {
	var existing types.Room
	err := r.p.readDoc(ctx, CollectionRooms, room.RoomID, &existing)
	if err == nil {
		return apperr.Conflict("ROOM_EXISTS", fmt.Sprintf("room %q already exists", room.RoomID))
	}
	if !errors.Is(err, errObjectMissing) {
		return err
	}
	return r.p.writeDoc(ctx, CollectionRooms, room.RoomID, room)
}

func (r *s3Rooms) Get(ctx context.Context, roomID string) (*types.Room, error) {
	var room types.Room
	err := r.p.readDoc(ctx, CollectionRooms, roomID, &room)
	if errors.Is(err, errObjectMissing) {
		return nil, apperr.NotFound("ROOM_NOT_FOUND", fmt.Sprintf("room %q does not exist", roomID))
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (r *s3Rooms) List(ctx context.Context, page types.PageRequest) (*types.Page[types.Room], error) {
	limit := normalizeLimit(page.MaxItems)
	startAfter := ""
	if page.NextPageToken != "" {
		cur, err := decodeCursor(page.NextPageToken)
		if err != nil {
			return nil, err
		}
		startAfter = cur.ID
	}

	ids, err := r.p.listIDs(ctx, CollectionRooms, "", startAfter, int32(limit)+1)
	if err != nil {
		return nil, err
	}
	rooms := make([]types.Room, 0, len(ids))
	for _, id := range ids {
		var room types.Room
		err := r.p.readDoc(ctx, CollectionRooms, id, &room)
		if errors.Is(err, errObjectMissing) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return buildPage(rooms, limit, func(r types.Room) (int64, string) {
		return 0, r.RoomID
	}), nil
}

func (r *s3Rooms) ListExpiring(ctx context.Context, nowMs int64) ([]*types.Room, error) {
	all, err := r.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	var expiring []*types.Room
	for _, room := range all {
		if room.IsExpired(nowMs) {
			expiring = append(expiring, room)
		}
	}
	return expiring, nil
}

func (r *s3Rooms) UpdateStatus(ctx context.Context, roomID string, from []types.RoomStatus, to types.RoomStatus) (*types.Room, error) {
	room, err := r.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if len(from) > 0 && !roomStatusIn(room.Status, from) {
		return nil, apperr.Conflict("INVALID_ROOM_STATUS",
			fmt.Sprintf("room %q is not in a state that allows moving to %q", roomID, to))
	}
	room.Status = to
	if err := r.p.writeDoc(ctx, CollectionRooms, roomID, room); err != nil {
		return nil, err
	}
	return room, nil
}

func (r *s3Rooms) SetMeetingEndAction(ctx context.Context, roomID string, action types.MeetingEndAction) error {
	room, err := r.Get(ctx, roomID)
	if err != nil {
		return err
	}
	room.MeetingEndAction = action
	return r.p.writeDoc(ctx, CollectionRooms, roomID, room)
}

func (r *s3Rooms) SetAutoDeletionPolicy(ctx context.Context, roomID string, policy types.AutoDeletionPolicy) error {
	room, err := r.Get(ctx, roomID)
	if err != nil {
		return err
	}
	room.AutoDeletionPolicy = policy
	return r.p.writeDoc(ctx, CollectionRooms, roomID, room)
}

func (r *s3Rooms) Delete(ctx context.Context, roomID string) error {
	return r.p.deleteDoc(ctx, CollectionRooms, roomID)
}

func (r *s3Rooms) loadAll(ctx context.Context) ([]*types.Room, error) {
	ids, err := r.p.listAllIDs(ctx, CollectionRooms)
	if err != nil {
		return nil, err
	}
	rooms := make([]*types.Room, 0, len(ids))
	for _, id := range ids {
		var room types.Room
		err := r.p.readDoc(ctx, CollectionRooms, id, &room)
		if errors.Is(err, errObjectMissing) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, &room)
	}
	return rooms, nil
}

func roomStatusIn(status types.RoomStatus, set []types.RoomStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

// --- recordings ---

type s3Recordings struct {
	p *S3Provider
}

func (r *s3Recordings) Insert(ctx context.Context, rec *types.Recording) error {
	var existing types.Recording
	err := r.p.readDoc(ctx, CollectionRecordings, rec.RecordingID, &existing)
	if err == nil {
		return apperr.Conflict("RECORDING_EXISTS", fmt.Sprintf("recording %q already exists", rec.RecordingID))
	}
	if !errors.Is(err, errObjectMissing) {
		return err
	}
	return r.p.writeDoc(ctx, CollectionRecordings, rec.RecordingID, rec)
}

func (r *s3Recordings) Get(ctx context.Context, recordingID string) (*types.Recording, error) {
	var rec types.Recording
	err := r.p.readDoc(ctx, CollectionRecordings, recordingID, &rec)
	if errors.Is(err, errObjectMissing) {
		return nil, apperr.NotFound("RECORDING_NOT_FOUND", fmt.Sprintf("recording %q does not exist", recordingID))
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *s3Recordings) List(ctx context.Context, roomID string, page types.PageRequest) (*types.Page[types.Recording], error) {
	limit := normalizeLimit(page.MaxItems)
	startAfter := ""
	if page.NextPageToken != "" {
		cur, err := decodeCursor(page.NextPageToken)
		if err != nil {
			return nil, err
		}
		startAfter = cur.ID
	}

	// Recording ids start with their room id, so a room filter is a key
	// prefix narrowing.
	idPrefix := ""
	if roomID != "" {
		idPrefix = roomID + "--"
	}
	ids, err := r.p.listIDs(ctx, CollectionRecordings, idPrefix, startAfter, int32(limit)+1)
	if err != nil {
		return nil, err
	}
	recs := make([]types.Recording, 0, len(ids))
	for _, id := range ids {
		var rec types.Recording
		err := r.p.readDoc(ctx, CollectionRecordings, id, &rec)
		if errors.Is(err, errObjectMissing) {
			continue
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return buildPage(recs, limit, func(r types.Recording) (int64, string) {
		return 0, r.RecordingID
	}), nil
}

func (r *s3Recordings) ListByRoom(ctx context.Context, roomID string) ([]*types.Recording, error) {
	all, err := r.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []*types.Recording
	for _, rec := range all {
		if rec.RoomID == roomID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *s3Recordings) ListStale(ctx context.Context, updatedBeforeMs int64) ([]*types.Recording, error) {
	all, err := r.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	var stale []*types.Recording
	for _, rec := range all {
		if !rec.Status.IsTerminal() && rec.UpdatedAt < updatedBeforeMs {
			stale = append(stale, rec)
		}
	}
	return stale, nil
}

func (r *s3Recordings) LatestByRoom(ctx context.Context, roomID string) (*types.Recording, error) {
	all, err := r.ListByRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	var latest *types.Recording
	for _, rec := range all {
		if latest == nil || rec.StartDate > latest.StartDate ||
			(rec.StartDate == latest.StartDate && rec.RecordingID > latest.RecordingID) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, apperr.NotFound("RECORDING_NOT_FOUND", fmt.Sprintf("room %q has no recordings", roomID))
	}
	return latest, nil
}

func (r *s3Recordings) Transition(ctx context.Context, recordingID string, from []types.RecordingStatus, patch RecordingPatch) (*types.Recording, error) {
	rec, err := r.Get(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	if len(from) > 0 && !recordingStatusIn(rec.Status, from) {
		return nil, apperr.Conflict("INVALID_RECORDING_TRANSITION",
			fmt.Sprintf("recording %q cannot move to %q from its current status", recordingID, patch.Status))
	}

	rec.Status = patch.Status
	rec.UpdatedAt = patch.UpdatedAt
	if patch.StartDate > 0 {
		rec.StartDate = patch.StartDate
	}
	if patch.EndDate > 0 {
		rec.EndDate = patch.EndDate
	}
	if patch.Duration > 0 {
		rec.Duration = patch.Duration
	}
	if patch.Size > 0 {
		rec.Size = patch.Size
	}
	if patch.Filename != "" {
		rec.Filename = patch.Filename
	}
	if patch.ErrorMessage != "" {
		rec.ErrorMessage = patch.ErrorMessage
	}

	if err := r.p.writeDoc(ctx, CollectionRecordings, recordingID, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *s3Recordings) Delete(ctx context.Context, recordingID string) error {
	return r.p.deleteDoc(ctx, CollectionRecordings, recordingID)
}

func (r *s3Recordings) DeleteByRoom(ctx context.Context, roomID string) error {
	recs, err := r.ListByRoom(ctx, roomID)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := r.p.deleteDoc(ctx, CollectionRecordings, rec.RecordingID); err != nil {
			return err
		}
	}
	return nil
}

func (r *s3Recordings) loadAll(ctx context.Context) ([]*types.Recording, error) {
	ids, err := r.p.listAllIDs(ctx, CollectionRecordings)
	if err != nil {
		return nil, err
	}
	recs := make([]*types.Recording, 0, len(ids))
	for _, id := range ids {
		var rec types.Recording
		err := r.p.readDoc(ctx, CollectionRecordings, id, &rec)
		if errors.Is(err, errObjectMissing) {
			continue
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, &rec)
	}
	return recs, nil
}

func recordingStatusIn(status types.RecordingStatus, set []types.RecordingStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

// --- users ---

type s3Users struct {
	p *S3Provider
}

func (u *s3Users) Insert(ctx context.Context, user *types.User) error {
	var existing types.User
	err := u.p.readDoc(ctx, CollectionUsers, user.UserID, &existing)
	if err == nil {
		return apperr.Conflict("USER_EXISTS", fmt.Sprintf("user %q already exists", user.UserID))
	}
	if !errors.Is(err, errObjectMissing) {
		return err
	}
	return u.p.writeDoc(ctx, CollectionUsers, user.UserID, user)
}

func (u *s3Users) Get(ctx context.Context, userID string) (*types.User, error) {
	var user types.User
	err := u.p.readDoc(ctx, CollectionUsers, userID, &user)
	if errors.Is(err, errObjectMissing) {
		return nil, apperr.NotFound("USER_NOT_FOUND", fmt.Sprintf("user %q does not exist", userID))
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (u *s3Users) Update(ctx context.Context, user *types.User) error {
	if _, err := u.Get(ctx, user.UserID); err != nil {
		return err
	}
	return u.p.writeDoc(ctx, CollectionUsers, user.UserID, user)
}

// --- api keys ---

type s3APIKeys struct {
	p *S3Provider
}

func (k *s3APIKeys) Insert(ctx context.Context, key *types.APIKey) error {
	return k.p.writeDoc(ctx, CollectionAPIKeys, key.Key, key)
}

func (k *s3APIKeys) List(ctx context.Context) ([]*types.APIKey, error) {
	ids, err := k.p.listAllIDs(ctx, CollectionAPIKeys)
	if err != nil {
		return nil, err
	}
	keys := make([]*types.APIKey, 0, len(ids))
	for _, id := range ids {
		var key types.APIKey
		err := k.p.readDoc(ctx, CollectionAPIKeys, id, &key)
		if errors.Is(err, errObjectMissing) {
			continue
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, &key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreationDate > keys[j].CreationDate
	})
	return keys, nil
}

func (k *s3APIKeys) DeleteAll(ctx context.Context) error {
	ids, err := k.p.listAllIDs(ctx, CollectionAPIKeys)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := k.p.deleteDoc(ctx, CollectionAPIKeys, id); err != nil {
			return err
		}
	}
	return nil
}

// --- global config ---

type s3Config struct {
	p *S3Provider
}

func (c *s3Config) Get(ctx context.Context) (*types.GlobalConfig, error) {
	var cfg types.GlobalConfig
	err := c.p.readDoc(ctx, CollectionConfig, types.GlobalConfigID, &cfg)
	if errors.Is(err, errObjectMissing) {
		return nil, apperr.NotFound("CONFIG_NOT_FOUND", "global configuration has not been seeded")
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *s3Config) Upsert(ctx context.Context, cfg *types.GlobalConfig) error {
	cfg.ID = types.GlobalConfigID
	return c.p.writeDoc(ctx, CollectionConfig, types.GlobalConfigID, cfg)
}

// --- migrations ---

type s3Migrations struct {
	p *S3Provider
}

func (m *s3Migrations) Get(ctx context.Context, name string) (*types.MigrationRecord, error) {
	var rec types.MigrationRecord
	err := m.p.readDoc(ctx, CollectionMigrations, name, &rec)
	if errors.Is(err, errObjectMissing) {
		return nil, apperr.NotFound("MIGRATION_NOT_FOUND", fmt.Sprintf("migration %q has no record", name))
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (m *s3Migrations) Upsert(ctx context.Context, rec *types.MigrationRecord) error {
	return m.p.writeDoc(ctx, CollectionMigrations, rec.Name, rec)
}

// --- blob store ---

// S3BlobStore serves recorded media written by the egress pipeline. Keys are
// the filenames stored on the recording rows.
type S3BlobStore struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

func NewS3BlobStore(client *s3.Client, bucket string) *S3BlobStore {
	return &S3BlobStore{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
	}
}

func (b *S3BlobStore) OpenMedia(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, 0, apperr.NotFound("RECORDING_MEDIA_NOT_FOUND", fmt.Sprintf("media object %q does not exist", key))
		}
		return nil, 0, apperr.Unavailable(err, "s3 get media failed")
	}
	return resp.Body, aws.ToInt64(resp.ContentLength), nil
}

func (b *S3BlobStore) PresignMediaURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := b.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", apperr.Unavailable(err, "s3 presign media failed")
	}
	return req.URL, nil
}

func (b *S3BlobStore) DeleteMedia(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return apperr.Unavailable(err, "s3 delete media failed")
	}
	return nil
}
