// Package names allocates unique display names for participants joining a
// room. A contested base name gets a numeric suffix, released suffixes are
// recycled lowest-first, and abandoned reservations lapse with their TTL.
package names

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ovmeet/backend/internal/v1/apperr"
	"github.com/ovmeet/backend/internal/v1/lock"
	"github.com/ovmeet/backend/internal/v1/logging"
	"github.com/ovmeet/backend/internal/v1/metrics"
	"github.com/ovmeet/backend/internal/v1/store"
)

const (
	// ParticipantsKeyPrefix holds the per-room ZSET of held names scored by
	// their expiration epoch in milliseconds.
	ParticipantsKeyPrefix = "ov_meet:room_participants:"
	// PoolKeyPrefix holds the per-room, per-base ZSET of freed suffixes.
	PoolKeyPrefix = "ov_meet:participant_pool:"
	// RequestsKeyPrefix holds the per-room, per-base in-flight request counter.
	RequestsKeyPrefix = "ov_meet:name_requests:"
	// TokensKeyPrefix holds the per-room hash of name to reservation token.
	TokensKeyPrefix = "ov_meet:reservation_tokens:"
	// AllocLockPrefix namespaces the per-room allocation mutex.
	AllocLockPrefix = "name_alloc:"

	// DefaultReservationTTL bounds how long an unreleased name stays held.
	DefaultReservationTTL = 12 * time.Hour
	// DefaultMaxConcurrentRequests caps simultaneous reservations of one base
	// name in one room.
	DefaultMaxConcurrentRequests = 20
	// MaxNameLength is the cap on a base name, in runes.
	MaxNameLength = 50

	// requestCounterTTL lets the in-flight counter self-heal when a replica
	// dies between increment and decrement.
	requestCounterTTL = 30 * time.Second

	allocLockTTL     = 5 * time.Second
	allocMaxAttempts = 10
	allocBackoff     = 100 * time.Millisecond
)

var suffixPattern = regexp.MustCompile(`^(.+) \((\d+)\)$`)

// Reservation is a granted name lease. The token authorizes release.
type Reservation struct {
	RoomID    string
	Name      string
	Token     string
	ExpiresAt time.Time
}

// Options tune the engine; zero values fall back to the defaults.
type Options struct {
	ReservationTTL        time.Duration
	MaxConcurrentRequests int
}

// Service implements the reservation engine on top of the shared store.
type Service struct {
	store         *store.Service
	locks         *lock.Service
	ttl           time.Duration
	maxConcurrent int64
}

func NewService(st *store.Service, locks *lock.Service, opts Options) *Service {
	if opts.ReservationTTL <= 0 {
		opts.ReservationTTL = DefaultReservationTTL
	}
	if opts.MaxConcurrentRequests <= 0 {
		opts.MaxConcurrentRequests = DefaultMaxConcurrentRequests
	}
	return &Service{
		store:         st,
		locks:         locks,
		ttl:           opts.ReservationTTL,
		maxConcurrent: int64(opts.MaxConcurrentRequests),
	}
}

// NormalizeBase reduces a requested display name to its base form: outer
// whitespace trimmed, inner runs collapsed, a trailing " (n)" suffix
// stripped, and the result capped at MaxNameLength runes.
func NormalizeBase(requested string) string {
	name := strings.Join(strings.Fields(requested), " ")
	if m := suffixPattern.FindStringSubmatch(name); m != nil {
		name = m[1]
	}
	if runes := []rune(name); len(runes) > MaxNameLength {
		name = strings.TrimSpace(string(runes[:MaxNameLength]))
	}
	return name
}

// Reserve assigns a unique display name for the requested one. Verbatim if
// free, otherwise the lowest recycled suffix, otherwise high-water plus one.
func (s *Service) Reserve(ctx context.Context, roomID, requestedName string) (*Reservation, error) {
	if roomID == "" {
		return nil, apperr.Validation("INVALID_ROOM_ID", "roomId cannot be empty")
	}
	base := NormalizeBase(requestedName)
	if base == "" {
		return nil, apperr.Validation("INVALID_PARTICIPANT_NAME", "participant name cannot be empty")
	}
	ctx = logging.WithRoom(ctx, roomID)

	reqKey := RequestsKeyPrefix + roomID + ":" + base
	inflight, err := s.store.Incr(ctx, reqKey)
	if err != nil {
		metrics.NameReservationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if err := s.store.Expire(ctx, reqKey, requestCounterTTL); err != nil {
		logging.Warn(ctx, "Failed to set TTL on name request counter", zap.Error(err))
	}
	defer func() {
		if _, err := s.store.Decr(ctx, reqKey); err != nil {
			logging.Warn(ctx, "Failed to decrement name request counter", zap.Error(err))
		}
	}()

	if inflight > s.maxConcurrent {
		metrics.NameReservationsTotal.WithLabelValues("busy").Inc()
		return nil, apperr.Busy("RESERVATION_BUSY",
			fmt.Sprintf("too many concurrent reservation requests for name %q", base))
	}

	res, err := s.allocate(ctx, roomID, base)
	if err != nil {
		status := "error"
		if apperr.KindOf(err) == apperr.KindBusy {
			status = "busy"
		}
		metrics.NameReservationsTotal.WithLabelValues(status).Inc()
		return nil, err
	}
	metrics.NameReservationsTotal.WithLabelValues("success").Inc()
	return res, nil
}

// allocate runs the selection algorithm under the room's allocation mutex.
func (s *Service) allocate(ctx context.Context, roomID, base string) (*Reservation, error) {
	mutex, err := s.locks.AcquireWithRetry(ctx, AllocLockPrefix+roomID, allocLockTTL, allocMaxAttempts, allocBackoff)
	if err != nil {
		return nil, err
	}
	if mutex == nil {
		return nil, apperr.Busy("RESERVATION_BUSY", "name allocation is contended, retry shortly")
	}
	defer func() {
		if err := s.locks.Release(ctx, mutex); err != nil {
			logging.Warn(ctx, "Failed to release name allocation lock", zap.Error(err))
		}
	}()

	now := time.Now()
	partKey := ParticipantsKeyPrefix + roomID

	// Reservations past their expiry score are dead; prune them before
	// deciding what is taken.
	if _, err := s.store.ZRemRangeByScore(ctx, partKey, "-inf", strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
		return nil, err
	}

	assigned, err := s.pickName(ctx, roomID, base)
	if err != nil {
		return nil, err
	}

	expiresAt := now.Add(s.ttl)
	if err := s.store.ZAdd(ctx, partKey, float64(expiresAt.UnixMilli()), assigned); err != nil {
		return nil, err
	}
	if err := s.store.Expire(ctx, partKey, s.ttl); err != nil {
		return nil, err
	}

	token := uuid.NewString()
	tokKey := TokensKeyPrefix + roomID
	if err := s.store.HSet(ctx, tokKey, assigned, token); err != nil {
		return nil, err
	}
	if err := s.store.Expire(ctx, tokKey, s.ttl); err != nil {
		return nil, err
	}

	logging.Debug(ctx, "Participant name reserved",
		zap.String("base", base), zap.String("assigned", assigned))
	return &Reservation{RoomID: roomID, Name: assigned, Token: token, ExpiresAt: expiresAt}, nil
}

// pickName chooses the concrete name for a base: verbatim when free, then
// the lowest freed suffix, then one past the highest suffix currently held.
func (s *Service) pickName(ctx context.Context, roomID, base string) (string, error) {
	partKey := ParticipantsKeyPrefix + roomID
	_, taken, err := s.store.ZScore(ctx, partKey, base)
	if err != nil {
		return "", err
	}
	if !taken {
		return base, nil
	}

	poolKey := PoolKeyPrefix + roomID + ":" + base
	freed, ok, err := s.store.ZPopMin(ctx, poolKey)
	if err != nil {
		return "", err
	}
	if ok {
		if n, convErr := strconv.Atoi(freed.Member); convErr == nil && n > 0 {
			return fmt.Sprintf("%s (%d)", base, n), nil
		}
		logging.Warn(ctx, "Dropping malformed suffix pool entry",
			zap.String("base", base), zap.String("member", freed.Member))
	}

	high, err := s.highWater(ctx, roomID, base)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s (%d)", base, high+1), nil
}

// highWater finds the largest suffix currently held for base in the room.
func (s *Service) highWater(ctx context.Context, roomID, base string) (int, error) {
	members, err := s.store.ZRangeWithScores(ctx, ParticipantsKeyPrefix+roomID)
	if err != nil {
		return 0, err
	}
	high := 0
	for _, m := range members {
		if b, n, ok := splitSuffixed(m.Member); ok && b == base && n > high {
			high = n
		}
	}
	return high, nil
}

// Holds reports whether token still owns the reservation for name. A
// reservation whose TTL has lapsed no longer counts as held even when the
// token matches.
func (s *Service) Holds(ctx context.Context, roomID, name, token string) (bool, error) {
	if roomID == "" || name == "" || token == "" {
		return false, nil
	}
	stored, found, err := s.store.HGet(ctx, TokensKeyPrefix+roomID, name)
	if err != nil {
		return false, err
	}
	if !found || stored != token {
		return false, nil
	}
	expiry, present, err := s.store.ZScore(ctx, ParticipantsKeyPrefix+roomID, name)
	if err != nil {
		return false, err
	}
	return present && expiry > float64(time.Now().UnixMilli()), nil
}

// Release frees a held name. The media-server departure path calls this
// without a token; callers that present one must match the stored token.
func (s *Service) Release(ctx context.Context, roomID, name, token string) error {
	if roomID == "" || name == "" {
		return apperr.Validation("INVALID_RELEASE", "roomId and name are required")
	}
	ctx = logging.WithRoom(ctx, roomID)

	tokKey := TokensKeyPrefix + roomID
	stored, found, err := s.store.HGet(ctx, tokKey, name)
	if err != nil {
		return err
	}
	if token != "" && found && stored != token {
		return apperr.Forbidden("RESERVATION_TOKEN_MISMATCH", "reservation token does not match")
	}

	if err := s.store.ZRem(ctx, ParticipantsKeyPrefix+roomID, name); err != nil {
		return err
	}

	if base, n, ok := splitSuffixed(name); ok {
		poolKey := PoolKeyPrefix + roomID + ":" + base
		if err := s.store.ZAdd(ctx, poolKey, float64(n), strconv.Itoa(n)); err != nil {
			return err
		}
		if err := s.store.Expire(ctx, poolKey, s.ttl); err != nil {
			return err
		}
	}

	if err := s.store.HDel(ctx, tokKey, name); err != nil {
		return err
	}
	logging.Debug(ctx, "Participant name released", zap.String("name", name))
	return nil
}

// ReleaseAll drops every reservation artifact for a room. Used on room
// deletion and by the room garbage collector.
func (s *Service) ReleaseAll(ctx context.Context, roomID string) error {
	if roomID == "" {
		return apperr.Validation("INVALID_ROOM_ID", "roomId cannot be empty")
	}

	keys := []string{ParticipantsKeyPrefix + roomID, TokensKeyPrefix + roomID}
	for _, pattern := range []string{
		PoolKeyPrefix + roomID + ":*",
		RequestsKeyPrefix + roomID + ":*",
	} {
		found, err := s.store.ScanKeys(ctx, pattern)
		if err != nil {
			return err
		}
		keys = append(keys, found...)
	}
	return s.store.Del(ctx, keys...)
}

// ActiveNames lists the live reservations for a room, skipping entries whose
// expiry passed but have not been pruned yet.
func (s *Service) ActiveNames(ctx context.Context, roomID string) ([]string, error) {
	members, err := s.store.ZRangeWithScores(ctx, ParticipantsKeyPrefix+roomID)
	if err != nil {
		return nil, err
	}
	now := float64(time.Now().UnixMilli())
	names := make([]string, 0, len(members))
	for _, m := range members {
		if m.Score > now {
			names = append(names, m.Member)
		}
	}
	return names, nil
}

// splitSuffixed decomposes "Alice (3)" into ("Alice", 3, true).
func splitSuffixed(name string) (string, int, bool) {
	m := suffixPattern.FindStringSubmatch(name)
	if m == nil {
		return "", 0, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil || n <= 0 {
		return "", 0, false
	}
	return m[1], n, true
}
