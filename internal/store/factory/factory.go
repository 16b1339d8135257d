package factory

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/loykin/orkestr/internal/store"
	pg "github.com/loykin/orkestr/internal/store/postgres"
	sq "github.com/loykin/orkestr/internal/store/sqlite"
)

// NewFromDSN opens the orchestration store named by store.dsn:
//   - "postgres://..." or "postgresql://..."
//   - "sqlite://<path>", "sqlite://:memory:" or a bare path
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, errors.New("store dsn is empty")
	}
	scheme, rest, hasScheme := strings.Cut(d, "://")
	switch strings.ToLower(scheme) {
	case "postgres", "postgresql":
		return pg.New(d)
	case "sqlite":
		if rest == "" {
			return nil, errors.New("sqlite dsn has no path")
		}
		return sq.New(rest)
	}
	if hasScheme {
		return nil, fmt.Errorf("unsupported store scheme %q", scheme)
	}
	return sq.New(d)
}

// Redact hides the password of a DSN for logging.
func Redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}
