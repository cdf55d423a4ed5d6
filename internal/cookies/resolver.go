package cookies

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Resolver locates the current session's access token in the browser's
// cookie store. It tries an ordered list of cookie names across an ordered
// list of origins and runs the decoder chain over each value found.
type Resolver struct {
	store   Store
	origins []string
	names   []string
	prefix  string
	log     zerolog.Logger
}

func NewResolver(store Store, origins, names []string, prefix string, log zerolog.Logger) *Resolver {
	return &Resolver{store: store, origins: origins, names: names, prefix: prefix, log: log}
}

// Token returns the first token any (origin, name) pair yields. The exact
// configured names are tried first, then any cookie under the configured
// prefix. An empty token with a nil error means "unauthenticated"; cookie
// absence is not an error and is not transient within one resolution. The
// token is never cached; every call re-reads the cookie store.
func (r *Resolver) Token(ctx context.Context) (string, error) {
	for _, origin := range r.origins {
		if token, err := r.tryNames(ctx, origin, r.names); err != nil || token != "" {
			return token, err
		}
		if r.prefix == "" {
			continue
		}
		names, err := r.store.Names(ctx, origin, r.prefix)
		if err != nil {
			return "", fmt.Errorf("list cookies %s*@%s: %w", r.prefix, origin, err)
		}
		if token, err := r.tryNames(ctx, origin, skipKnown(names, r.names)); err != nil || token != "" {
			return token, err
		}
	}
	r.log.Debug().Msg("no auth cookie yielded a token")
	return "", nil
}

func (r *Resolver) tryNames(ctx context.Context, origin string, names []string) (string, error) {
	for _, name := range names {
		value, err := r.store.Get(ctx, origin, name)
		if err != nil {
			return "", fmt.Errorf("cookie %s@%s: %w", name, origin, err)
		}
		if value == "" {
			continue
		}
		if token, how, ok := Decode(value); ok {
			r.log.Debug().
				Str("cookie", name).
				Str("origin", origin).
				Str("decoder", how).
				Msg("session token resolved")
			return token, nil
		}
		r.log.Debug().Str("cookie", name).Str("origin", origin).Msg("cookie present but no token extracted")
	}
	return "", nil
}

func skipKnown(names, known []string) []string {
	out := names[:0:0]
	for _, name := range names {
		tried := false
		for _, k := range known {
			if name == k {
				tried = true
				break
			}
		}
		if !tried {
			out = append(out, name)
		}
	}
	return out
}
