package secret

import (
	"context"
	"os"

	"github.com/gocardless/rconfd/internal/rerror"
)

// EnvBackend reads a value once per evaluation pass from a process
// environment variable.
type EnvBackend struct{}

func (EnvBackend) Fetch(_ context.Context, p Path) (Value, *Lease, error) {
	raw, ok := os.LookupEnv(p.Tail)
	if !ok {
		return Value{}, nil, rerror.Newf(rerror.KindMissingInput, "environment variable %q is not set", p.Tail)
	}

	v, err := ParseValue(p.Format(), []byte(raw))
	if err != nil {
		return Value{}, nil, rerror.Wrapf(rerror.KindBadFormat, err, "env:%s:%s is not valid JSON", p.Format(), p.Tail)
	}

	return v, nil, nil
}
