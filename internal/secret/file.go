package secret

import (
	"context"
	"os"

	"github.com/gocardless/rconfd/internal/rerror"
)

// FileBackend reads a value once per evaluation pass from a filesystem
// path.
type FileBackend struct{}

func (FileBackend) Fetch(_ context.Context, p Path) (Value, *Lease, error) {
	raw, err := os.ReadFile(p.Tail)
	if err != nil {
		if os.IsNotExist(err) {
			return Value{}, nil, rerror.Wrapf(rerror.KindMissingInput, err, "file %q does not exist", p.Tail)
		}
		return Value{}, nil, rerror.Wrapf(rerror.KindIO, err, "failed to read file %q", p.Tail)
	}

	v, err := ParseValue(p.Format(), raw)
	if err != nil {
		return Value{}, nil, rerror.Wrapf(rerror.KindBadFormat, err, "file:%s:%s is not valid JSON", p.Format(), p.Tail)
	}

	return v, nil, nil
}
