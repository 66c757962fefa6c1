package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Category represents the kind of a saved stream
type Category string

const (
	CategoryMovie  Category = "movie"
	CategorySeries Category = "series"
	CategoryLive   Category = "live"
	CategoryOther  Category = "other"
)

// ParseCategory validates a category name. An empty name maps to CategoryOther.
func ParseCategory(s string) (Category, error) {
	switch c := Category(s); c {
	case "":
		return CategoryOther, nil
	case CategoryMovie, CategorySeries, CategoryLive, CategoryOther:
		return c, nil
	default:
		return "", fmt.Errorf("unknown category %q", s)
	}
}

// StreamRecord represents one saved streaming source
type StreamRecord struct {
	ID                 string          `json:"id"`
	URL                string          `json:"url"`
	Title              string          `json:"title"`
	Description        string          `json:"description,omitempty"`
	ThumbnailURL       string          `json:"thumbnailUrl,omitempty"`
	CustomThumbnailURL string          `json:"customThumbnailUrl,omitempty"`
	Tags               []string        `json:"tags"`
	Category           Category        `json:"category"`
	AddedAt            time.Time       `json:"addedAt"`
	Episodes           []EpisodeRecord `json:"episodes,omitempty"`
}

// Thumbnail returns the thumbnail to display, preferring the user supplied one.
func (r StreamRecord) Thumbnail() string {
	if r.CustomThumbnailURL != "" {
		return r.CustomThumbnailURL
	}
	return r.ThumbnailURL
}

// Clone returns a deep copy so callers can't alias store-owned slices.
func (r StreamRecord) Clone() StreamRecord {
	out := r
	if r.Tags != nil {
		out.Tags = make([]string, len(r.Tags))
		copy(out.Tags, r.Tags)
	}
	if r.Episodes != nil {
		out.Episodes = make([]EpisodeRecord, len(r.Episodes))
		copy(out.Episodes, r.Episodes)
	}
	return out
}

// legacyThumbnails are the thumbnail keys written by older exports.
type legacyThumbnails struct {
	Thumbnail       *string `json:"thumbnail,omitempty"`
	CustomThumbnail *string `json:"customThumbnail,omitempty"`
}

// UnmarshalJSON also accepts older exports: addedAt as epoch milliseconds
// and the thumbnail/customThumbnail keys.
func (r *StreamRecord) UnmarshalJSON(data []byte) error {
	type plain StreamRecord
	aux := struct {
		*plain
		AddedAt json.RawMessage `json:"addedAt"`
		legacyThumbnails
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	addedAt, ok, err := parseAddedAt(aux.AddedAt)
	if err != nil {
		return err
	}
	if ok {
		r.AddedAt = addedAt
	}
	if r.ThumbnailURL == "" && aux.Thumbnail != nil {
		r.ThumbnailURL = *aux.Thumbnail
	}
	if r.CustomThumbnailURL == "" && aux.CustomThumbnail != nil {
		r.CustomThumbnailURL = *aux.CustomThumbnail
	}
	return nil
}

// EpisodeRecord is a single episode of a series record
type EpisodeRecord struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Season      int     `json:"season"`
	Episode     int     `json:"episode"`
	URL         string  `json:"url"`
	Description string  `json:"description,omitempty"`
	Duration    string  `json:"duration,omitempty"`
	AirDate     string  `json:"airDate,omitempty"` // YYYY-MM-DD format
	Rating      float64 `json:"rating,omitempty"`
}

// PartialStreamRecord carries a subset of StreamRecord fields.
// Nil pointers and nil slices mean "absent"; an empty non-nil slice clears the field.
type PartialStreamRecord struct {
	ID                 *string         `json:"id,omitempty"`
	URL                *string         `json:"url,omitempty"`
	Title              *string         `json:"title,omitempty"`
	Description        *string         `json:"description,omitempty"`
	ThumbnailURL       *string         `json:"thumbnailUrl,omitempty"`
	CustomThumbnailURL *string         `json:"customThumbnailUrl,omitempty"`
	Tags               []string        `json:"tags,omitempty"`
	Category           *Category       `json:"category,omitempty"`
	AddedAt            *time.Time      `json:"addedAt,omitempty"`
	Episodes           []EpisodeRecord `json:"episodes,omitempty"`
}

// UnmarshalJSON accepts the same legacy forms as StreamRecord.
func (p *PartialStreamRecord) UnmarshalJSON(data []byte) error {
	type plain PartialStreamRecord
	aux := struct {
		*plain
		AddedAt json.RawMessage `json:"addedAt"`
		legacyThumbnails
	}{plain: (*plain)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	addedAt, ok, err := parseAddedAt(aux.AddedAt)
	if err != nil {
		return err
	}
	if ok {
		p.AddedAt = &addedAt
	}
	if p.ThumbnailURL == nil {
		p.ThumbnailURL = aux.Thumbnail
	}
	if p.CustomThumbnailURL == nil {
		p.CustomThumbnailURL = aux.CustomThumbnail
	}
	return nil
}

// parseAddedAt reads an RFC 3339 string or a number of epoch milliseconds.
// ok is false when the value is absent or null.
func parseAddedAt(raw json.RawMessage) (time.Time, bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, false, nil
	}
	if raw[0] == '"' {
		var t time.Time
		if err := json.Unmarshal(raw, &t); err != nil {
			return time.Time{}, false, fmt.Errorf("addedAt: %w", err)
		}
		return t, true, nil
	}
	ms, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("addedAt: expected a timestamp or epoch milliseconds, got %s", raw)
	}
	return time.UnixMilli(int64(ms)).UTC(), true, nil
}

// FormatEpisodeID formats season/episode as SxxExx
func FormatEpisodeID(season, episode int) string {
	return fmt.Sprintf("S%02dE%02d", season, episode)
}

// SyncState is the state of the background sync worker
type SyncState string

const (
	SyncIdle    SyncState = "idle"
	SyncSyncing SyncState = "syncing"
	SyncFailed  SyncState = "failed"
)

// SyncDirection tells whether an attempt pulled or pushed
type SyncDirection string

const (
	SyncPull SyncDirection = "pull"
	SyncPush SyncDirection = "push"
)

// SyncStatus is a point-in-time view of the sync worker
type SyncStatus struct {
	State         SyncState     `json:"state"`
	Online        bool          `json:"online"`
	LastDirection SyncDirection `json:"last_direction,omitempty"`
	LastAttempt   time.Time     `json:"last_attempt,omitempty"`
	LastSuccess   time.Time     `json:"last_success,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	SyncedVersion uint64        `json:"synced_version"`
	Pending       bool          `json:"pending_changes"`
}

// SyncAttempt is one row of the sync history
type SyncAttempt struct {
	ID          int64         `json:"id"`
	Direction   SyncDirection `json:"direction"`
	Success     bool          `json:"success"`
	RecordCount int           `json:"record_count"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
}
