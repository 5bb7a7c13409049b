package env

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"golang.org/x/sync/singleflight"

	"github.com/loykin/proxyfetch/internal/common"
	"github.com/loykin/proxyfetch/internal/util"
)

// Map is an environment keyed by variable name.
type Map map[string]string

// FromList builds a Map from KEY=VALUE entries. Entries without '=' are ignored.
func FromList(list []string) Map {
	m := make(Map, len(list))
	for _, kv := range list {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

// FromProcess snapshots the current process environment.
func FromProcess() Map { return FromList(os.Environ()) }

// Get returns key, falling back to its upper- and lower-case spellings.
func (m Map) Get(key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key]; ok {
		return v
	}
	if v, ok := m[strings.ToUpper(key)]; ok {
		return v
	}
	return m[strings.ToLower(key)]
}

func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Resolver computes the environment requests should observe.
type Resolver interface {
	Resolve(ctx context.Context, args []string, base Map) (Map, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, args []string, base Map) (Map, error)

func (f ResolverFunc) Resolve(ctx context.Context, args []string, base Map) (Map, error) {
	return f(ctx, args, base)
}

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// ShellResolver starts the user's login shell and captures its environment, which
// picks up proxy variables exported from profile scripts.
type ShellResolver struct {
	// Shell overrides $SHELL. It may carry arguments and is split with shell quoting rules.
	Shell   string
	Timeout time.Duration
	run     runFunc
}

func NewShellResolver() *ShellResolver {
	return &ShellResolver{Timeout: 10 * time.Second, run: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = nil
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Resolve runs `<shell> <args...> -c env`, defaulting args to -i -l. The shell's
// variables are layered over base. Windows has no login shell and returns base as is.
func (s *ShellResolver) Resolve(ctx context.Context, args []string, base Map) (Map, error) {
	if runtime.GOOS == "windows" {
		return base.Clone(), nil
	}
	shell := util.TrimWithDefault(s.Shell, util.TrimWithDefault(base.Get("SHELL"), "/bin/sh"))
	parts, err := shellquote.Split(shell)
	if err != nil || len(parts) == 0 {
		return nil, fmt.Errorf("parse shell %q: %v", shell, err)
	}
	if len(args) == 0 {
		args = []string{"-i", "-l"}
	}
	argv := append(append(parts[1:len(parts):len(parts)], args...), "-c", shellquote.Join("command", "env"))

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	run := s.run
	if run == nil {
		run = runCommand
	}
	out, err := run(ctx, parts[0], argv...)
	if err != nil {
		return nil, err
	}
	m := base.Clone()
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	found := 0
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if !ok || k == "" || strings.ContainsAny(k, " \t") {
			continue
		}
		m[k] = v
		found++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read shell environment: %w", err)
	}
	if found == 0 {
		return nil, errors.New("shell produced no environment")
	}
	return m, nil
}

// Provider caches the resolved environment for the process. Resolution failures are
// logged once and the process environment is used instead; they never fail a request.
type Provider struct {
	resolver Resolver
	args     []string
	base     func() Map

	group    singleflight.Group
	mu       sync.Mutex
	cached   Map
	gen      uint64
	failOnce sync.Once
}

func NewProvider(r Resolver, args ...string) *Provider {
	return &Provider{resolver: r, args: args, base: FromProcess}
}

// Environment returns a copy of the effective environment. Concurrent callers
// share one resolution; a caller whose ctx ends first gets the process
// environment while the resolution carries on for the others.
func (p *Provider) Environment(ctx context.Context) Map {
	p.mu.Lock()
	if p.cached != nil {
		m := p.cached.Clone()
		p.mu.Unlock()
		return m
	}
	gen := p.gen
	p.mu.Unlock()

	base := p.base()
	if p.resolver == nil {
		p.store(gen, base)
		return base.Clone()
	}
	ch := p.group.DoChan(strconv.FormatUint(gen, 10), func() (interface{}, error) {
		m, err := p.resolver.Resolve(context.WithoutCancel(ctx), p.args, base)
		if err != nil {
			p.failOnce.Do(func() {
				common.GetLogger().WithComponent("env").Warn("unable to resolve shell environment, using process environment", "error", err)
			})
			m = base
		}
		p.store(gen, m)
		return m, nil
	})
	select {
	case <-ctx.Done():
		return base
	case res := <-ch:
		return res.Val.(Map).Clone()
	}
}

func (p *Provider) store(gen uint64, m Map) {
	p.mu.Lock()
	if p.gen == gen {
		p.cached = m
	}
	p.mu.Unlock()
}

// Reset drops the cached environment so the next call resolves again.
func (p *Provider) Reset() {
	p.mu.Lock()
	p.cached = nil
	p.gen++
	p.mu.Unlock()
}
