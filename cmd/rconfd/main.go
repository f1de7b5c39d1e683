// Command rconfd renders configuration files for containerised services
// from jsonnet templates whose inputs are secrets gathered from Vault,
// environment variables, files, and subprocesses, keeping them in sync
// with upstream state for as long as any secret stays leased.
//
// Generalised from cmd/theatre-secrets and cmd/theatre-envconsul's
// single-shot "login to vault, exec a wrapped process" pattern into a
// long-running daemon that renders many templates and keeps renewing.
package main

import (
	"context"
	"os"
	"strings"

	"github.com/alecthomas/kingpin"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/gocardless/rconfd/cmd"
	"github.com/gocardless/rconfd/internal/cache"
	"github.com/gocardless/rconfd/internal/hook"
	"github.com/gocardless/rconfd/internal/rerror"
	"github.com/gocardless/rconfd/internal/scheduler"
	"github.com/gocardless/rconfd/internal/secret"
	"github.com/gocardless/rconfd/internal/template"
	"github.com/gocardless/rconfd/internal/vault"
	"github.com/gocardless/rconfd/internal/writer"
	"github.com/gocardless/rconfd/pkg/signals"
)

var (
	app        = kingpin.New("rconfd", "Render configuration files from Vault, env, file and exe secrets").Version(cmd.VersionStanza())
	commonOpts = cmd.NewCommonOptions(app)

	configDir = app.Flag("config-dir", "Directory containing rconfd JSON configuration files").Short('d').Required().String()
	vaultURL  = app.Flag("vault-url", "Vault server address (scheme://host:port)").Short('u').Envar("VAULT_URL").String()
	loginPath = app.Flag("login-path", "Vault auth login path, relative to /v1").Short('l').Default("/auth/kubernetes/login").String()
	jsonnetPath = app.Flag("jpath", "Additional jsonnet library search path (repeatable)").Short('j').Strings()
	caCert    = app.Flag("cacert", "Path to the Vault server's CA certificate").Short('c').String()
	tokenArg  = app.Flag("token", "Name of an env var holding the login JWT, or a literal JWT if unset").Short('T').String()
	tokenPath = app.Flag("token-path", "Path to a file containing the login JWT").Short('t').String()
	readyFD   = app.Flag("ready-fd", "File descriptor to signal readiness on (one newline, then closed)").Short('r').Default("-1").Int()

	checkConfig = app.Flag("check-config", "Parse and validate configuration and declared secret paths, then exit").Short('n').Bool()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := commonOpts.Logger()
	commonOpts.ListenAndServeMetrics(logger)

	if err := run(logger); err != nil {
		logger.Error(err, "exiting with error", "event", "rconfd.exit_error")
		os.Exit(1)
	}
}

func run(logger logr.Logger) error {
	ctx, cancel := signals.SetupSignalHandler()
	defer cancel()

	records, err := template.LoadDir(*configDir)
	if err != nil {
		return err
	}

	if *checkConfig {
		return checkConfigOnly(logger, records)
	}

	registry := secret.NewRegistry()
	registry.Register(secret.Env, secret.EnvBackend{})
	registry.Register(secret.File, secret.FileBackend{})
	registry.Register(secret.Exe, secret.ExeBackend{Privileged: privileged()})

	var vaultClient *vault.Client
	if declaresVault(records) {
		vaultClient, err = newVaultClient()
		if err != nil {
			return err
		}
		registry.Register(secret.Vault, vaultClient)
	}

	secretCache := cache.New(registry)

	pipeline := &template.Pipeline{
		Records:   records,
		Registry:  registry,
		Cache:     secretCache,
		Evaluator: template.JsonnetEvaluator{ImportPaths: *jsonnetPath},
		Writer:    writer.Writer{Privileged: privileged()},
		Hooks:     hook.Runner{},
		Logger:    logger,
	}

	sched := &scheduler.Scheduler{
		Pipeline: pipeline,
		Cache:    secretCache,
		Vault:    vaultClient,
		Logger:   logger,
		ReadyFD:  readyFile(),
	}

	err = sched.Run(ctx)
	switch {
	case err == nil, errors.Is(err, scheduler.ErrNoLeasedSecrets), errors.Is(err, context.Canceled):
		return nil
	default:
		return err
	}
}

func privileged() bool {
	return os.Geteuid() == 0
}

func readyFile() *os.File {
	if *readyFD < 0 {
		return nil
	}
	return os.NewFile(uintptr(*readyFD), "rconfd-ready")
}

// declaresVault scans the raw (pre-substitution) secret expressions for a
// vault: backend tag, so that a process with no vault secrets declared
// never needs -u/-T/-t supplied.
func declaresVault(records []*template.Record) bool {
	for _, r := range records {
		for _, expr := range r.Secrets {
			if strings.HasPrefix(strings.TrimSpace(expr), string(secret.Vault)+":") {
				return true
			}
		}
	}
	return false
}

func newVaultClient() (*vault.Client, error) {
	if *vaultURL == "" {
		return nil, rerror.New(rerror.KindCli, "a template declares a vault: secret but no -u/VAULT_URL was given")
	}

	jwt, err := resolveJWT()
	if err != nil {
		return nil, err
	}

	return vault.New(vault.Config{
		Address:    *vaultURL,
		LoginPath:  *loginPath,
		CACertFile: *caCert,
	}, jwt)
}

// resolveJWT implements the -T/-t precedence from spec.md §6: an explicit
// -t file path wins, then -T (env var name, falling back to a literal
// JWT), then the default Kubernetes projected service-account token.
func resolveJWT() (vault.JWTSource, error) {
	if *tokenPath != "" {
		return vault.FileJWT{Path: *tokenPath}, nil
	}
	if *tokenArg != "" {
		return vault.ResolveTokenFlag(*tokenArg), nil
	}
	return vault.KubernetesJWT(), nil
}

// checkConfigOnly implements the --check-config dry-run: parse every
// configuration file and every declared secret path without contacting
// any back-end.
func checkConfigOnly(logger logr.Logger, records []*template.Record) error {
	var failed int

	for _, r := range records {
		if _, err := r.ParsedSecrets(); err != nil {
			failed++
			logger.Error(err, "invalid template", "event", "check_config.invalid", "template", r.Key)
			continue
		}
		if _, err := r.ResolvedDir(); err != nil {
			failed++
			logger.Error(err, "invalid template dir", "event", "check_config.invalid", "template", r.Key)
		}
	}

	logger.Info("check-config complete", "event", "check_config.complete", "templates", len(records), "failed", failed)

	if failed > 0 {
		return rerror.Newf(rerror.KindConfig, "%d of %d templates failed validation", failed, len(records))
	}

	return nil
}
