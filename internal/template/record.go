// Package template loads per-template configuration records and drives the
// collect-resolve-manifest pipeline of spec.md §4.4, generalising the
// config-file loading that cmd/theatre-envconsul and cmd/theatre-secrets
// do for a single `environment` map into many records each naming their
// own jsonnet template, output directory, and hooks.
package template

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/gocardless/rconfd/internal/rerror"
	"github.com/gocardless/rconfd/internal/secret"
)

// Hooks names the commands rconfd runs when a template's output changes,
// or the first time it ever succeeds. Cmd is the earlier, single-field
// schema kept for backward compatibility per spec.md §9; it is treated as
// an alias for Hooks.Modified and is never emitted by rconfd itself.
type Hooks struct {
	Modified string `json:"modified,omitempty"`
	Ready    string `json:"ready,omitempty"`
}

type rawRecord struct {
	Dir     string            `json:"dir"`
	Mode    string            `json:"mode"`
	User    string            `json:"user"`
	Secrets map[string]string `json:"secrets"`
	Hooks   *Hooks            `json:"hooks,omitempty"`
	Cmd     string            `json:"cmd,omitempty"`
}

// Record is one template: its output directory, permissions, declared
// secrets (mapping a not-yet-substituted path expression to the jsonnet
// variable name it is bound to), and hooks.
type Record struct {
	// Key is the configuration file's JSON key for this template -
	// ordinarily the jsonnet template's path.
	Key string
	// TemplateFile is Key resolved to an absolute path (relative to the
	// configuration directory when Key itself is relative).
	TemplateFile string
	// Dir is the base directory relative output paths are joined against,
	// after ${NAME} substitution.
	Dir string
	Mode os.FileMode
	User string
	// Secrets maps the jsonnet variable name to its pre-substitution path
	// expression. The map has no ordering; ParsedSecrets sorts Secrets by
	// variable name before parsing for determinism.
	Secrets map[string]string
	Hooks   Hooks

	// sourceFile is the basename of the configuration file this record
	// came from, used for the global processing order in spec.md §5.
	sourceFile string

	// readyFired tracks whether this template's hooks.ready has already
	// fired once, per spec.md invariant 4 (process lifetime, not per pass).
	readyFired bool

	// changedThisPass tracks whether any of this template's output files
	// changed during the pass currently in progress.
	changedThisPass bool
}

const defaultMode = os.FileMode(0644)

func (r *rawRecord) toRecord(key, sourceFile, configDir string) (*Record, error) {
	rec := &Record{
		Key:        key,
		Dir:        r.Dir,
		User:       r.User,
		Secrets:    r.Secrets,
		sourceFile: sourceFile,
	}

	if r.Hooks != nil {
		rec.Hooks = *r.Hooks
	} else if r.Cmd != "" {
		rec.Hooks = Hooks{Modified: r.Cmd}
	}

	if filepath.IsAbs(key) {
		rec.TemplateFile = key
	} else {
		rec.TemplateFile = filepath.Join(configDir, key)
	}

	if r.Mode == "" {
		rec.Mode = defaultMode
	} else {
		m, err := strconv.ParseUint(r.Mode, 8, 32)
		if err != nil {
			return nil, rerror.Wrapf(rerror.KindConfig, err, "template %q: invalid mode %q", key, r.Mode)
		}
		rec.Mode = os.FileMode(m)
	}

	return rec, nil
}

// LoadDir scans configDir once (no later rescans, per spec.md §1's
// Non-goals) for *.json configuration files, merging their top-level
// template keys. A template key declared in more than one file is a
// rerror.KindConfig error.
func LoadDir(configDir string) ([]*Record, error) {
	entries, err := os.ReadDir(configDir)
	if err != nil {
		return nil, rerror.Wrapf(rerror.KindConfig, err, "failed to read configuration directory %q", configDir)
	}

	var filenames []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		filenames = append(filenames, e.Name())
	}
	sort.Strings(filenames)

	seen := make(map[string]string) // template key -> source file, for duplicate detection
	var records []*Record

	for _, name := range filenames {
		full := filepath.Join(configDir, name)

		raw, err := os.ReadFile(full)
		if err != nil {
			return nil, rerror.Wrapf(rerror.KindConfig, err, "failed to read %q", full)
		}

		var parsed map[string]rawRecord
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, rerror.Wrapf(rerror.KindConfig, err, "failed to parse %q as JSON", full)
		}

		keys := make([]string, 0, len(parsed))
		for k := range parsed {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, key := range keys {
			if existing, dup := seen[key]; dup {
				return nil, rerror.Newf(rerror.KindConfig, "duplicate template key %q in %q (already declared in %q)", key, name, existing)
			}
			seen[key] = name

			rr := parsed[key]
			rec, err := rr.toRecord(key, name, configDir)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].sourceFile != records[j].sourceFile {
			return records[i].sourceFile < records[j].sourceFile
		}
		return records[i].Key < records[j].Key
	})

	return records, nil
}

// ParsedSecrets substitutes and parses every declared secret path,
// returning a map from jsonnet variable name to the parsed secret.Path.
// Sorted iteration over r.Secrets gives deterministic error ordering.
func (r *Record) ParsedSecrets() (map[string]secret.Path, error) {
	names := make([]string, 0, len(r.Secrets))
	for name := range r.Secrets {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]secret.Path, len(r.Secrets))
	for _, name := range names {
		expr := r.Secrets[name]
		p, err := secret.Parse(expr)
		if err != nil {
			return nil, errors.Wrapf(err, "template %q: secret %q", r.Key, name)
		}
		out[name] = p
	}

	return out, nil
}

// ResolvedDir substitutes ${NAME} references in Dir.
func (r *Record) ResolvedDir() (string, error) {
	return secret.Substitute(r.Dir)
}

// String implements fmt.Stringer for logging.
func (r *Record) String() string {
	return fmt.Sprintf("%s (%s)", r.Key, r.sourceFile)
}
