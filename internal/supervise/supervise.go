// Package supervise brings up and discovers the relay singleton: probe the
// port for a running instance by version, replace older instances, and spawn
// a detached process when nothing is listening.
package supervise

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v5"

	"github.com/neboloop/tabrelay/internal/logging"
)

const (
	defaultProbeTimeout = 500 * time.Millisecond
	defaultPollInterval = 500 * time.Millisecond
	defaultStartTimeout = 15 * time.Second
)

var (
	// ErrStartTimeout means the spawned relay never served the expected
	// version before the deadline.
	ErrStartTimeout = errors.New("relay did not become ready")

	// ErrNoInstance means nothing answered the version probe.
	ErrNoInstance = errors.New("no relay instance listening")
)

// Options configures Ensure.
type Options struct {
	Host    string // default 127.0.0.1
	Port    int
	Version string // expected relay version

	// Command is the argv of the relay entry point to spawn. Defaults to
	// the current executable with "serve --port <port>".
	Command []string

	LogFile      string
	ProbeTimeout time.Duration
	PollInterval time.Duration
	StartTimeout time.Duration
}

// Result reports what Ensure did.
type Result struct {
	Started bool `json:"started"`
}

func (o *Options) withDefaults() (*Options, error) {
	out := *o
	if out.Host == "" {
		out.Host = "127.0.0.1"
	}
	if out.Port <= 0 {
		return nil, fmt.Errorf("port required, got %d", out.Port)
	}
	if out.Version == "" {
		return nil, errors.New("expected version required")
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = defaultProbeTimeout
	}
	if out.PollInterval <= 0 {
		out.PollInterval = defaultPollInterval
	}
	if out.StartTimeout <= 0 {
		out.StartTimeout = defaultStartTimeout
	}
	if len(out.Command) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		out.Command = []string{exe, "serve", "--port", strconv.Itoa(out.Port)}
	}
	return &out, nil
}

func (o *Options) baseURL() string {
	return fmt.Sprintf("http://%s:%d", o.Host, o.Port)
}

// Ensure guarantees a relay of the expected version serves the port. An
// equal or newer instance is left alone; an older one is told to shut down
// and replaced; an empty port gets a freshly spawned detached instance.
func Ensure(ctx context.Context, opts Options) (*Result, error) {
	o, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	log := logging.Component("supervise")

	running, err := ProbeVersion(ctx, o.baseURL(), o.ProbeTimeout)
	switch {
	case err == nil:
		switch CompareVersions(running, o.Version) {
		case 0:
			log.WithField("version", running).Debug("matching relay already running")
			return &Result{Started: false}, nil
		case 1:
			// A newer relay serves a superset; leave it alone.
			log.WithField("version", running).Info("newer relay already running")
			return &Result{Started: false}, nil
		default:
			log.WithFields(map[string]any{"running": running, "want": o.Version}).
				Info("replacing older relay")
			if err := requestShutdown(ctx, o.baseURL(), o.ProbeTimeout); err != nil {
				return nil, fmt.Errorf("stop older relay: %w", err)
			}
			if err := waitPortFree(ctx, o); err != nil {
				return nil, fmt.Errorf("older relay kept the port: %w", err)
			}
		}
	case errors.Is(err, ErrNoInstance):
		// Nothing listening; spawn below.
	default:
		return nil, err
	}

	if err := spawnDetached(o); err != nil {
		return nil, fmt.Errorf("spawn relay: %w", err)
	}
	log.WithField("command", strings.Join(o.Command, " ")).Debug("spawned relay")

	attempts := uint(o.StartTimeout/o.PollInterval) + 1
	err = retry.New(
		retry.Attempts(attempts),
		retry.Delay(o.PollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		v, err := ProbeVersion(ctx, o.baseURL(), o.ProbeTimeout)
		if err != nil {
			return err
		}
		if v != o.Version {
			return fmt.Errorf("version %q not %q yet", v, o.Version)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w on port %d: %v", ErrStartTimeout, o.Port, err)
	}
	return &Result{Started: true}, nil
}

// ProbeVersion asks a running instance for its version with a short
// deadline. ErrNoInstance when nothing answers.
func ProbeVersion(ctx context.Context, baseURL string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w at %s: %v", ErrNoInstance, baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: /version returned %d", ErrNoInstance, resp.StatusCode)
	}
	var body struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: bad /version body: %v", ErrNoInstance, err)
	}
	if body.Version == "" {
		return "", fmt.Errorf("%w: empty version", ErrNoInstance)
	}
	return body.Version, nil
}

// requestShutdown asks the instance to exit via its admin endpoint.
func requestShutdown(ctx context.Context, baseURL string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/shutdown", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("shutdown returned %d", resp.StatusCode)
	}
	return nil
}

func waitPortFree(ctx context.Context, o *Options) error {
	addr := net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
	attempts := uint(o.StartTimeout/o.PollInterval) + 1
	return retry.New(
		retry.Attempts(attempts),
		retry.Delay(o.PollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		conn, err := net.DialTimeout("tcp", addr, o.ProbeTimeout)
		if err != nil {
			return nil // connection refused: port is free
		}
		_ = conn.Close()
		return fmt.Errorf("port %d still accepting connections", o.Port)
	})
}

// spawnDetached starts the relay with closed stdio and a severed process
// group, so it outlives the caller.
func spawnDetached(o *Options) error {
	cmd := exec.Command(o.Command[0], o.Command[1:]...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if o.LogFile != "" {
		cmd.Env = append(os.Environ(), "TABRELAY_LOG_FILE="+o.LogFile)
	}
	detachProc(cmd)

	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}

// CompareVersions orders two dotted numeric versions: -1, 0, or 1. Segments
// that fail to parse compare as strings.
func CompareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		sa, sb := "0", "0"
		if i < len(as) {
			sa = as[i]
		}
		if i < len(bs) {
			sb = bs[i]
		}
		na, errA := strconv.Atoi(sa)
		nb, errB := strconv.Atoi(sb)
		if errA == nil && errB == nil {
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
			continue
		}
		if sa != sb {
			if sa < sb {
				return -1
			}
			return 1
		}
	}
	return 0
}
