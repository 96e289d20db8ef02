package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 250
)

var ErrInvalidPageToken = errors.New("invalid_page_token")

// Pagination is bound from query parameters.
type Pagination struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
}

// Cursor points past the last row of the previous page. Rows are ordered by ID descending.
type Cursor struct {
	ID int64 `json:"id"`
}

type PageInfo struct {
	NextPageToken string `json:"next_page_token,omitempty"`
	HasMore       bool   `json:"has_more"`
}

// Limit clamps the requested page size into [1, MaxPageSize].
func (p Pagination) Limit() int {
	switch {
	case p.PageSize <= 0:
		return DefaultPageSize
	case p.PageSize > MaxPageSize:
		return MaxPageSize
	default:
		return p.PageSize
	}
}

func EncodeCursor(data Cursor) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func DecodeCursor(data string) (*Cursor, error) {
	if data == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return nil, ErrInvalidPageToken
	}

	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil || cursor.ID <= 0 {
		return nil, ErrInvalidPageToken
	}
	return &cursor, nil
}

// BuildCursorPageInfo trims the extra lookahead row and returns the page plus its token.
func BuildCursorPageInfo[T any](data []T, limit int, extractID func(T) int64) ([]T, PageInfo, error) {
	if len(data) <= limit {
		return data, PageInfo{HasMore: false}, nil
	}

	data = data[:limit]
	token, err := EncodeCursor(Cursor{ID: extractID(data[len(data)-1])})
	if err != nil {
		return nil, PageInfo{}, err
	}
	return data, PageInfo{HasMore: true, NextPageToken: token}, nil
}
