// Package vturi converts document URIs between the client-visible virtual
// namespace (rooted at "/") and the on-disk real namespace (rooted at a
// per-session temp directory), per spec.md §3. Conversion is total on
// file:// URIs and the identity on every other scheme.
package vturi

import (
	"net/url"
	"path"
	"strings"
)

// Translator converts URIs for one session, rooted at Root on disk.
type Translator struct {
	Root string // real-namespace session directory, e.g. /tmp/vtlsp-<session>
}

// New builds a Translator rooted at root.
func New(root string) Translator {
	return Translator{Root: strings.TrimRight(root, "/")}
}

// VirtualToReal maps a client-visible URI to the real-namespace URI the
// child process should see. Non-file schemes pass through unchanged.
func (t Translator) VirtualToReal(uri string) string {
	p, ok := filePath(uri)
	if !ok {
		return uri
	}
	real := path.Join(t.Root, p)
	return "file://" + real
}

// RealToVirtual maps a real-namespace URI back to the client-visible
// virtual URI. Non-file schemes, and file URIs outside Root, pass through
// unchanged.
func (t Translator) RealToVirtual(uri string) string {
	p, ok := filePath(uri)
	if !ok {
		return uri
	}
	rel := strings.TrimPrefix(p, t.Root)
	if rel == p {
		// Not under Root; leave alone rather than guess.
		return uri
	}
	if rel == "" {
		rel = "/"
	}
	return "file://" + rel
}

// VirtualToRealPath is like VirtualToReal but returns a filesystem path
// (no "file://" prefix), for components that write to disk directly
// (spec.md §4.13's didOpen/didChange/didClose mirroring, §6 on-disk layout).
func (t Translator) VirtualToRealPath(uri string) (string, bool) {
	p, ok := filePath(uri)
	if !ok {
		return "", false
	}
	return path.Join(t.Root, p), true
}

func filePath(uri string) (string, bool) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return "", false
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	return p, true
}

// ConvertStrings walks an arbitrary JSON-decoded value (map[string]any,
// []any, or scalar) and rewrites every string that looks like a file://
// URI using convert, recursively — spec.md §4.13's "applied recursively
// over every string-valued field and every file:// URI embedded in
// strings".
func ConvertStrings(v any, convert func(string) string) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[rewriteEmbeddedURIs(k, convert)] = ConvertStrings(val, convert)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = ConvertStrings(val, convert)
		}
		return out
	case string:
		return rewriteEmbeddedURIs(x, convert)
	default:
		return v
	}
}

// rewriteEmbeddedURIs replaces every file:// URI occurring anywhere within
// s, including inside a larger string (e.g. a markdown hover blob that
// embeds a link), not just strings that are themselves a bare URI.
func rewriteEmbeddedURIs(s string, convert func(string) string) string {
	const scheme = "file://"
	if !strings.Contains(s, scheme) {
		return s
	}
	var b strings.Builder
	rest := s
	for {
		idx := strings.Index(rest, scheme)
		if idx < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:idx])
		tail := rest[idx:]
		end := len(tail)
		for i, r := range tail {
			if i == 0 {
				continue
			}
			if r == ' ' || r == '\t' || r == '\n' || r == ')' || r == '"' || r == '\'' || r == '>' {
				end = i
				break
			}
		}
		b.WriteString(convert(tail[:end]))
		rest = tail[end:]
	}
	return b.String()
}
