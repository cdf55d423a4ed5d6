package cookies

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "modernc.org/sqlite"
)

// Store provides read access to the browser's cookie jar.
type Store interface {
	// Get returns the value of the named cookie for the given origin, or ""
	// when the cookie is absent. Absence is not an error.
	Get(ctx context.Context, origin, name string) (string, error)
	// Names lists the cookie names under the origin that start with prefix.
	Names(ctx context.Context, origin, prefix string) ([]string, error)
}

// SQLiteStore reads cookies from a Chromium-format profile database. The
// database is opened read-only; the browser remains the owner of the file.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open cookie db: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get looks the cookie up under the origin's host and its registrable
// parents, since the web app sets domain cookies like ".sofer.ai".
func (s *SQLiteStore) Get(ctx context.Context, origin, name string) (string, error) {
	host, err := originHost(origin)
	if err != nil {
		return "", err
	}

	for _, key := range hostKeys(host) {
		var value string
		err := s.db.QueryRowContext(ctx,
			`SELECT value FROM cookies WHERE host_key = ? AND name = ? LIMIT 1`,
			key, name,
		).Scan(&value)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("query cookie %s@%s: %w", name, key, err)
		}
		return value, nil
	}
	return "", nil
}

// Names lists cookie names matching the prefix. The auth provider renames
// its session cookie across versions, so exact-name lookups need a prefix
// fallback.
func (s *SQLiteStore) Names(ctx context.Context, origin, prefix string) ([]string, error) {
	host, err := originHost(origin)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var names []string
	for _, key := range hostKeys(host) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT DISTINCT name FROM cookies WHERE host_key = ? AND name LIKE ?`,
			key, prefix+"%",
		)
		if err != nil {
			return nil, fmt.Errorf("list cookies %s*@%s: %w", prefix, key, err)
		}
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan cookie name: %w", err)
			}
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}
	return names, nil
}

func originHost(origin string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("parse origin %q: %w", origin, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("origin %q has no host", origin)
	}
	return u.Hostname(), nil
}

// hostKeys lists the host_key values a cookie for this host may be stored
// under: the exact host, the dotted host, and each dotted parent domain.
func hostKeys(host string) []string {
	keys := []string{host, "." + host}
	parts := strings.Split(host, ".")
	for i := 1; i < len(parts)-1; i++ {
		keys = append(keys, "."+strings.Join(parts[i:], "."))
	}
	return keys
}
