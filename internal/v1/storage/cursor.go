package storage

import (
	"encoding/base64"
	"encoding/json"

	"github.com/ovmeet/backend/internal/v1/apperr"
	"github.com/ovmeet/backend/internal/v1/types"
)

// cursorToken is the decoded form of an opaque page token: the sort-field
// value of the last returned row plus its id as the tie breaker.
type cursorToken struct {
	Sort int64  `json:"s"`
	ID   string `json:"id"`
}

func encodeCursor(sort int64, id string) string {
	raw, _ := json.Marshal(cursorToken{Sort: sort, ID: id})
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(token string) (*cursorToken, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, apperr.Validation("INVALID_PAGE_TOKEN", "page token is not valid")
	}
	var cur cursorToken
	if err := json.Unmarshal(raw, &cur); err != nil {
		return nil, apperr.Validation("INVALID_PAGE_TOKEN", "page token is not valid")
	}
	return &cur, nil
}

// buildPage trims an over-fetched result set (limit+1 rows) down to limit
// and mints the next cursor from the last kept row.
func buildPage[T any](rows []T, limit int, key func(T) (int64, string)) *types.Page[T] {
	page := &types.Page[T]{Items: rows}
	if len(rows) > limit {
		page.Items = rows[:limit]
		sort, id := key(page.Items[limit-1])
		page.NextPageToken = encodeCursor(sort, id)
	}
	return page
}
