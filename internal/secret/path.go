// Package secret parses `backend:args:path` secret expressions and exposes
// the uniform back-end abstraction that the cache and template pipeline
// drive to resolve them.
package secret

import (
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/gocardless/rconfd/internal/rerror"
)

// Backend names one of the four supported secret sources.
type Backend string

const (
	Vault Backend = "vault"
	Env   Backend = "env"
	File  Backend = "file"
	Exe   Backend = "exe"
)

// KV is a single keyword argument, kept in declaration order so that
// non-GET Vault request bodies are built deterministically.
type KV struct {
	Key   string
	Value string
}

// Path is the parsed form of one secret reference, after ${NAME}
// substitution.
type Path struct {
	Backend    Backend
	Positional []string
	Keyword    []KV
	Tail       string

	// Raw is the original (pre-substitution) expression, kept for error
	// messages and logging only.
	Raw string
}

var varRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Substitute expands ${NAME} references against the process environment.
// An undefined variable is reported as rerror.KindUnresolvedVariable.
func Substitute(raw string) (string, error) {
	var firstErr error

	expanded := varRef.ReplaceAllStringFunc(raw, func(m string) string {
		name := varRef.FindStringSubmatch(m)[1]
		value, ok := os.LookupEnv(name)
		if !ok && firstErr == nil {
			firstErr = rerror.Newf(rerror.KindUnresolvedVariable, "undefined variable %q in %q", name, raw)
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}

	return expanded, nil
}

// Parse expands variable references in raw and parses the result into a
// Path, validating the backend-specific argument grammar.
func Parse(raw string) (Path, error) {
	expanded, err := Substitute(raw)
	if err != nil {
		return Path{}, err
	}

	parts, err := splitUnescaped(expanded, 2)
	if err != nil {
		return Path{}, rerror.Wrap(rerror.KindPathSyntax, err, raw)
	}
	if len(parts) != 3 {
		return Path{}, rerror.Newf(rerror.KindPathSyntax, "expected backend:args:path, got %q", raw)
	}

	backend := Backend(parts[0])
	positional, keyword, err := splitArgs(parts[1])
	if err != nil {
		return Path{}, rerror.Wrapf(rerror.KindPathSyntax, err, "invalid args in %q", raw)
	}

	p := Path{
		Backend:    backend,
		Positional: positional,
		Keyword:    keyword,
		Tail:       parts[2],
		Raw:        raw,
	}

	if err := validate(p); err != nil {
		return Path{}, err
	}

	return p, nil
}

// splitUnescaped splits s on the first n unescaped colons (a colon preceded
// by a backslash is treated as literal and the backslash is dropped),
// returning n+1 parts if that many colons exist.
func splitUnescaped(s string, n int) ([]string, error) {
	var parts []string
	var cur strings.Builder

	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '\\':
			if i+1 < len(runes) && runes[i+1] == ':' {
				cur.WriteRune(':')
				i++
				continue
			}
			cur.WriteRune(runes[i])
		case ':':
			if len(parts) < n {
				parts = append(parts, cur.String())
				cur.Reset()
				continue
			}
			cur.WriteRune(runes[i])
		default:
			cur.WriteRune(runes[i])
		}
	}
	parts = append(parts, cur.String())

	return parts, nil
}

// splitArgs splits an args segment on ',' into positional tokens until the
// first token containing '=', after which every remaining token must be a
// k=v pair.
func splitArgs(args string) ([]string, []KV, error) {
	if args == "" {
		return nil, nil, nil
	}

	tokens := strings.Split(args, ",")

	var positional []string
	var keyword []KV
	seenKeyword := false

	for _, tok := range tokens {
		if idx := strings.IndexByte(tok, '='); idx >= 0 {
			seenKeyword = true
			keyword = append(keyword, KV{Key: tok[:idx], Value: tok[idx+1:]})
			continue
		}

		if seenKeyword {
			return nil, nil, rerror.Newf(rerror.KindPathSyntax, "positional argument %q after keyword arguments", tok)
		}
		positional = append(positional, tok)
	}

	return positional, keyword, nil
}

func validate(p Path) error {
	switch p.Backend {
	case Vault:
		if len(p.Positional) < 1 || len(p.Positional) > 2 {
			return rerror.Newf(rerror.KindPathSyntax, "vault backend requires role and optional method, got %v", p.Positional)
		}
		if len(p.Positional) == 2 {
			switch strings.ToUpper(p.Positional[1]) {
			case "GET", "PUT", "POST", "LIST":
			default:
				return rerror.Newf(rerror.KindPathSyntax, "unsupported vault method %q", p.Positional[1])
			}
		}
	case Env, File:
		if len(p.Positional) != 1 {
			return rerror.Newf(rerror.KindPathSyntax, "%s backend requires exactly one of str|js, got %v", p.Backend, p.Positional)
		}
		if err := validateFormat(p.Positional[0]); err != nil {
			return err
		}
	case Exe:
		if len(p.Positional) < 1 || len(p.Positional) > 2 {
			return rerror.Newf(rerror.KindPathSyntax, "exe backend requires format and optional static|dynamic, got %v", p.Positional)
		}
		if err := validateFormat(p.Positional[0]); err != nil {
			return err
		}
		if len(p.Positional) == 2 {
			switch p.Positional[1] {
			case "static", "dynamic":
			default:
				return rerror.Newf(rerror.KindPathSyntax, "unsupported exe modifier %q", p.Positional[1])
			}
		}
	default:
		return rerror.Newf(rerror.KindPathSyntax, "unknown backend %q", p.Backend)
	}

	return nil
}

func validateFormat(f string) error {
	switch f {
	case "str", "js":
		return nil
	default:
		return rerror.Newf(rerror.KindPathSyntax, "unsupported format %q, expected str|js", f)
	}
}

// Method returns the HTTP method declared for a vault path, defaulting to
// GET when omitted.
func (p Path) Method() string {
	if p.Backend != Vault || len(p.Positional) < 2 {
		return "GET"
	}
	return strings.ToUpper(p.Positional[1])
}

// Role returns the vault role positional argument.
func (p Path) Role() string {
	if p.Backend != Vault || len(p.Positional) < 1 {
		return ""
	}
	return p.Positional[0]
}

// Format returns the str|js positional argument shared by env/file/exe.
func (p Path) Format() string {
	if len(p.Positional) < 1 {
		return ""
	}
	return p.Positional[0]
}

// ExeModifier returns the static|dynamic modifier for an exe path,
// defaulting to static.
func (p Path) ExeModifier() string {
	if p.Backend != Exe || len(p.Positional) < 2 {
		return "static"
	}
	return p.Positional[1]
}

// Identity is the canonical, order-independent identity used to
// deduplicate fetches: backend, ordered positional args, sorted keyword
// args, and tail path.
type Identity string

// Identity computes the canonical identity of p. Keyword args are sorted
// by key so that two templates declaring the same secret with keyword args
// given in a different order still dedupe to one fetch.
func (p Path) Identity() Identity {
	var b strings.Builder
	b.WriteString(string(p.Backend))
	b.WriteByte('|')
	b.WriteString(strings.Join(p.Positional, ","))
	b.WriteByte('|')

	sorted := make([]KV, len(p.Keyword))
	copy(sorted, p.Keyword)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })
	for i, kv := range sorted {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(kv.Key)
		b.WriteByte('=')
		b.WriteString(kv.Value)
	}
	b.WriteByte('|')
	b.WriteString(p.Tail)

	return Identity(b.String())
}

// KeywordMap returns the keyword arguments as a map, for building JSON
// request bodies. Order is not preserved by a map; callers that need
// deterministic body encoding should walk p.Keyword directly.
func (p Path) KeywordMap() map[string]string {
	m := make(map[string]string, len(p.Keyword))
	for _, kv := range p.Keyword {
		m[kv.Key] = kv.Value
	}
	return m
}
