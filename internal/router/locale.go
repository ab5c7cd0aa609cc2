package router

import (
	"context"
	"net/http"
	"strings"
)

// LocaleResolver decides which locale a public request is served in. The
// router only attaches the outcome; rendering in that locale is the wrapped
// application's business.
type LocaleResolver interface {
	Resolve(r *http.Request) string
}

type localeKey struct{}

// GetLocale returns the locale resolved for the request, or "" when the
// request did not pass through the public pipeline.
func GetLocale(ctx context.Context) string {
	locale, _ := ctx.Value(localeKey{}).(string)
	return locale
}

// PrefixResolver reads the locale from the first path segment when it names
// a supported locale, else from the Accept-Language primary tag, else falls
// back to a default.
type PrefixResolver struct {
	Supported []string
	Fallback  string
}

func (p PrefixResolver) Resolve(r *http.Request) string {
	if seg := firstSegment(r.URL.Path); seg != "" {
		for _, locale := range p.Supported {
			if seg == locale {
				return locale
			}
		}
	}

	if tag := primaryLanguage(r.Header.Get("Accept-Language")); tag != "" {
		for _, locale := range p.Supported {
			if tag == locale {
				return locale
			}
		}
	}

	return p.Fallback
}

// localize resolves the locale, attaches it to the context and forwards it
// upstream as X-Locale.
func localize(resolver LocaleResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			locale := resolver.Resolve(r)
			r.Header.Set("X-Locale", locale)
			ctx := context.WithValue(r.Context(), localeKey{}, locale)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func firstSegment(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		path = path[:i]
	}
	return path
}

// primaryLanguage extracts the leading language subtag from an
// Accept-Language value, e.g. "en-US,en;q=0.9" yields "en".
func primaryLanguage(header string) string {
	if header == "" {
		return ""
	}
	tag := header
	if i := strings.IndexByte(tag, ','); i >= 0 {
		tag = tag[:i]
	}
	if i := strings.IndexByte(tag, ';'); i >= 0 {
		tag = tag[:i]
	}
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexByte(tag, '-'); i >= 0 {
		tag = tag[:i]
	}
	if tag == "*" {
		return ""
	}
	return tag
}
