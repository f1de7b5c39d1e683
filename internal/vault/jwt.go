package vault

import (
	"os"
	"strings"

	"github.com/pkg/errors"
)

// defaultServiceAccountTokenFile is the well-known location of the
// projected Kubernetes service-account token, read as the fallback JWT
// source when neither -T nor -t was given. Generalised from
// cmd/theatre-secrets/main.go's getKubernetesToken, minus the client-go
// in-cluster-config dependency: rconfd only ever needs the raw bearer
// token, never a full kubeconfig, so reading the file directly is enough
// (see DESIGN.md for why client-go itself was not wired in).
const defaultServiceAccountTokenFile = "/var/run/secrets/kubernetes.io/serviceaccount/token"

// JWTSource produces the JWT that is exchanged for a Vault token at login.
type JWTSource interface {
	Token() (string, error)
}

// LiteralJWT returns a fixed, already-resolved JWT string - used for -T
// when the flag's value isn't the name of a set environment variable.
type LiteralJWT string

func (j LiteralJWT) Token() (string, error) { return string(j), nil }

// FileJWT reads the JWT from a file each time it is called, so that a
// token rotated on disk (e.g. a projected service-account token with an
// expirationSeconds) is picked up on every login without restarting
// rconfd.
type FileJWT struct {
	Path string
}

func (j FileJWT) Token() (string, error) {
	raw, err := os.ReadFile(j.Path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read JWT from %s", j.Path)
	}
	return strings.TrimSpace(string(raw)), nil
}

// KubernetesJWT reads the projected Kubernetes service-account token. It is
// the default JWT source when neither -T nor -t is supplied.
func KubernetesJWT() JWTSource {
	return FileJWT{Path: defaultServiceAccountTokenFile}
}

// ResolveTokenFlag implements the -T semantics from spec.md §6: the
// argument names an environment variable first; if that variable is unset,
// the argument itself is treated as a literal JWT.
func ResolveTokenFlag(arg string) JWTSource {
	if v, ok := os.LookupEnv(arg); ok {
		return LiteralJWT(v)
	}
	return LiteralJWT(arg)
}
