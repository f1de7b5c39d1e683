package template

import (
	"context"
	"path/filepath"

	"github.com/go-logr/logr"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/gocardless/rconfd/internal/cache"
	"github.com/gocardless/rconfd/internal/hook"
	"github.com/gocardless/rconfd/internal/metrics"
	"github.com/gocardless/rconfd/internal/rerror"
	"github.com/gocardless/rconfd/internal/secret"
	"github.com/gocardless/rconfd/internal/writer"
	"github.com/gocardless/rconfd/pkg/logging"
)

// Pipeline drives the collect-resolve-manifest cycle across every loaded
// Record, per spec.md §4.4.
type Pipeline struct {
	Records   []*Record
	Registry  *secret.Registry
	Cache     *cache.Cache
	Evaluator Evaluator
	Writer    writer.Writer
	Hooks     hook.Runner
	Logger    logr.Logger

	readyFDFired bool
}

// Outcome summarises one pass.
type Outcome struct {
	// ChangedTemplates lists the Key of every template with at least one
	// output file changed this pass.
	ChangedTemplates []string
	// TemplateErrors maps template Key to the error that caused it to be
	// skipped this pass.
	TemplateErrors map[string]error
	// AnySucceeded is true if at least one template manifested without
	// error this pass.
	AnySucceeded bool
	// VaultAuthFailed is true if any fetch this pass failed with
	// rerror.KindAuthFailure. The scheduler does not read it; whether a
	// first pass is fatal is decided from AnySucceeded and TemplateErrors.
	VaultAuthFailed bool
	// FirstSuccessThisCall is true the first time AnySucceeded becomes
	// true over the Pipeline's lifetime - the readiness FD trigger, per
	// spec.md invariant 4. Per-template ready hooks are tracked separately
	// on each Record.
	FirstSuccessThisCall bool
}

// declared returns the union of every secret path declared across all
// records whose declarations parse cleanly, plus per-record parse errors
// for records that don't (e.g. ${UNSET} references).
func (p *Pipeline) declared() (map[string]map[string]secret.Path, map[string]error) {
	parsed := make(map[string]map[string]secret.Path, len(p.Records))
	errs := make(map[string]error)

	for _, r := range p.Records {
		ps, err := r.ParsedSecrets()
		if err != nil {
			errs[r.Key] = err
			continue
		}
		parsed[r.Key] = ps
	}

	return parsed, errs
}

// Run executes one full pass: collect every declared secret, resolve them
// (deduplicated, bounded concurrency), then manifest and write every
// template whose secrets resolved cleanly.
func (p *Pipeline) Run(ctx context.Context) Outcome {
	outcome := Outcome{TemplateErrors: make(map[string]error)}

	parsedByRecord, parseErrs := p.declared()
	for key, err := range parseErrs {
		outcome.TemplateErrors[key] = err
	}

	var allPaths []secret.Path
	for _, ps := range parsedByRecord {
		for _, path := range ps {
			allPaths = append(allPaths, path)
		}
	}

	results := p.Cache.ResolveAll(ctx, allPaths)
	byIdentity := make(map[secret.Identity]cache.ResolveResult, len(results))
	for _, res := range results {
		byIdentity[res.Identity] = res
		if res.Err != nil && rerror.Is(res.Err, rerror.KindAuthFailure) {
			outcome.VaultAuthFailed = true
		}
	}

	claimedPaths := make(map[string]string) // absolute output path -> owning template key

	for _, r := range p.Records {
		ps, ok := parsedByRecord[r.Key]
		if !ok {
			continue // already recorded as a parse error
		}

		if err := p.manifestOne(r, ps, byIdentity, claimedPaths); err != nil {
			outcome.TemplateErrors[r.Key] = err
			p.Logger.Error(err, "template failed", "event", "template.failed", "template", r.Key)
			continue
		}

		outcome.AnySucceeded = true

		if r.changedThisPass {
			outcome.ChangedTemplates = append(outcome.ChangedTemplates, r.Key)
		}
	}

	if outcome.AnySucceeded && !p.readyFDFired {
		p.readyFDFired = true
		outcome.FirstSuccessThisCall = true
	}

	return outcome
}

func (p *Pipeline) manifestOne(r *Record, ps map[string]secret.Path, byIdentity map[secret.Identity]cache.ResolveResult, claimedPaths map[string]string) error {
	r.changedThisPass = false

	logger := logging.WithFields(p.Logger, map[string]string{"key": r.Key, "source": r.sourceFile}, "template.")

	secrets := make(map[string]interface{}, len(ps))
	var merr *multierror.Error

	for varName, path := range ps {
		res, ok := byIdentity[path.Identity()]
		if !ok || res.Err != nil {
			if ok {
				merr = multierror.Append(merr, errorsWrap(varName, res.Err))
			} else {
				merr = multierror.Append(merr, rerror.Newf(rerror.KindBackendFailure, "secret %q was never resolved", varName))
			}
			continue
		}
		secrets[varName] = res.Entry.Value.Interface()
	}

	if err := merr.ErrorOrNil(); err != nil {
		return rerror.Wrapf(rerror.KindBackendFailure, err, "template %q: one or more secrets failed to resolve", r.Key)
	}

	dir, err := r.ResolvedDir()
	if err != nil {
		return err
	}

	outputs, err := p.Evaluator.Evaluate(r.TemplateFile, secrets)
	if err != nil {
		return err
	}

	for outPath, content := range outputs {
		abs := outPath
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(dir, abs)
		}

		if owner, claimed := claimedPaths[abs]; claimed && owner != r.Key {
			return rerror.Newf(rerror.KindTemplate, "output path %q claimed by both %q and %q in this pass", abs, owner, r.Key)
		}
		claimedPaths[abs] = r.Key

		result, err := p.Writer.Write(writer.Output{
			AbsPath: abs,
			Content: []byte(content),
			Mode:    r.Mode,
			User:    r.User,
		})
		if err != nil {
			logger.Error(err, "failed to write output", "event", "output.write_failed", "path", abs)
			continue
		}

		if result.Changed {
			r.changedThisPass = true
		}
	}

	if r.changedThisPass {
		logger.Info("template manifested", "event", "template.manifested")

		if r.Hooks.Modified != "" {
			err := p.Hooks.Run(context.Background(), r.Hooks.Modified)
			metrics.ObserveHook("modified", err)
			if err != nil {
				logger.Error(err, "modified hook failed", "event", "hook.modified_failed")
			}
		}
	}

	if !r.readyFired {
		r.readyFired = true
		if r.Hooks.Ready != "" {
			err := p.Hooks.Run(context.Background(), r.Hooks.Ready)
			metrics.ObserveHook("ready", err)
			if err != nil {
				logger.Error(err, "ready hook failed", "event", "hook.ready_failed")
			}
		}
	}

	return nil
}

func errorsWrap(varName string, err error) error {
	if err == nil {
		return rerror.Newf(rerror.KindBackendFailure, "secret %q: unknown failure", varName)
	}
	return rerror.Wrapf(rerror.KindBackendFailure, err, "secret %q", varName)
}
