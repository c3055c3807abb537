package engine

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"careerline/internal/audit"
	"careerline/internal/config"
	"careerline/internal/dispatch"
	"careerline/internal/domain"
	"careerline/internal/llm"
	"careerline/internal/logging"
	"careerline/internal/pipeline"
	"careerline/internal/provider"
	"careerline/internal/repo"
)

// Engine holds the domain operations. It is a value type; copies share
// the same handles.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Config     *config.Config
	Provider   provider.Provider
	Dispatcher dispatch.Dispatcher
	Pipeline   pipeline.Runner
	Reviewer   Reviewer
	Logger     *logging.Logger
	Now        func() time.Time

	generating *singleflight.Group
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := logging.NewNop()
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Config:     cfg,
		Pipeline:   pipeline.NewRunner(llm.Disabled{}, logger),
		Reviewer:   StubReviewer{},
		Logger:     logger,
		Now:        time.Now,
		generating: &singleflight.Group{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) ts() string {
	return domain.FormatTime(e.now())
}

func (e Engine) log() *logging.Logger {
	if e.Logger == nil {
		return logging.NewNop()
	}
	return e.Logger
}

func (e Engine) audit(ctx context.Context, tx *sql.Tx, entryType, entityKind, entityID, actorID string, payload audit.Payload) error {
	return audit.Writer{Now: e.now}.Append(ctx, tx, entryType, entityKind, entityID, actorID, payload)
}

func newID() string {
	return uuid.NewString()
}

// Cursor pagination shared by list operations.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

func normalizeLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// Page is one page of a newest-first listing.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// ParseCursor decodes "createdAt|id".
func ParseCursor(raw string) (repo.Cursor, error) {
	if raw == "" {
		return repo.Cursor{}, nil
	}
	createdAt, id, ok := strings.Cut(raw, "|")
	if !ok || createdAt == "" || id == "" {
		return repo.Cursor{}, InvalidInputError{Field: "cursor", Reason: "invalid cursor"}
	}
	return repo.Cursor{CreatedAt: createdAt, ID: id}, nil
}

func encodeCursor(createdAt, id string) string {
	return createdAt + "|" + id
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func itoa64(n int64) string {
	return strconv.FormatInt(n, 10)
}
