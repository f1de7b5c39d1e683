package secret

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/gocardless/rconfd/internal/rerror"
)

// nobodyUID/nobodyGID are the conventional unprivileged identity used when
// the parent process is running as root and spawns an operator-supplied
// command. They are fixed constants, not looked up from the user database.
const nobodyUID = 65534
const nobodyGID = 65534

// ExeBackend spawns a command and captures its trimmed stdout. The
// static|dynamic distinction that decides whether a given identity is
// re-run across passes is enforced by the cache, not here - Fetch always
// executes the command when called.
type ExeBackend struct {
	// Privileged, when true, drops the spawned process to the nobody user,
	// mirroring how a privileged rconfd must not hand operator commands its
	// own root identity by default.
	Privileged bool
}

func (b ExeBackend) Fetch(ctx context.Context, p Path) (Value, *Lease, error) {
	argv := strings.Fields(p.Tail)
	if len(argv) == 0 {
		return Value{}, nil, rerror.Newf(rerror.KindPathSyntax, "exe path is empty")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = os.Environ()

	if b.Privileged {
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{Uid: nobodyUID, Gid: nobodyGID},
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Value{}, nil, rerror.Wrapf(rerror.KindBackendFailure, err,
			"command %q failed: %s", p.Tail, strings.TrimSpace(stderr.String()))
	}

	trimmed := []byte(strings.TrimRight(stdout.String(), " \t\r\n"))

	v, err := ParseValue(p.Format(), trimmed)
	if err != nil {
		return Value{}, nil, rerror.Wrapf(rerror.KindBadFormat, err, "exe:%s:%s did not produce valid JSON", p.Format(), p.Tail)
	}

	return v, nil, nil
}
