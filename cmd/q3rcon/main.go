// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

// Command q3rcon sends remote console commands to Quake III Arena servers.
//
// Usage:
//
//	q3rcon [flags] ADDRESS PASSWORD
//	q3rcon [flags] -profile NAME[,NAME...]
//
// Without -c, q3rcon reads commands from standard input, one per line, and prints each reply.
// With -c, it runs a single command and exits; combined with several profiles the command runs
// against every server concurrently.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/schultz-is/q3rcon-go"
	"github.com/schultz-is/q3rcon-go/internal/logging"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2

	maxParallelServers = 8
)

var errUsage = errors.New("usage")

type options struct {
	port            int
	timeout         time.Duration
	fragmentTimeout time.Duration
	retries         int
	debug           bool
	raw             bool
	configPath      string
	profiles        string
	command         string

	// set records the flags given explicitly on the command line.
	set map[string]bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr, os.Getenv)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, getenv func(string) string) int {
	opts, positional, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	profile := logging.ProfileRuntime
	if opts.debug {
		profile = logging.ProfileDebug
	}
	logCfg := logging.DefaultConfig(profile)
	logging.ApplyEnv(&logCfg, getenv)
	logCfg.Out = stderr
	logger := logging.New(logCfg)

	targets, err := resolveTargets(opts, positional, getenv)
	if err != nil {
		fmt.Fprintf(stderr, "q3rcon: %s\n", err)
		if errors.Is(err, errUsage) {
			fmt.Fprintln(stderr, "usage: q3rcon [flags] ADDRESS PASSWORD | q3rcon [flags] -profile NAME")
		}
		return exitUsage
	}

	interpret := !opts.raw
	if opts.command != "" {
		err = execAll(ctx, targets, opts.command, interpret, logger, stdout)
	} else {
		if len(targets) != 1 {
			fmt.Fprintln(stderr, "q3rcon: interactive mode needs exactly one server, use -c with several profiles")
			return exitUsage
		}
		err = interactive(ctx, targets[0], stdin, stdout, interpret, logger)
	}

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, q3rcon.ErrUnauthorized):
		fmt.Fprintln(stderr, "q3rcon: incorrect password specified")
	case errors.Is(err, context.Canceled):
		return exitOK
	default:
		fmt.Fprintf(stderr, "q3rcon: %s\n", err)
	}
	return exitError
}

func parseFlags(args []string, stderr io.Writer) (options, []string, error) {
	var opts options
	fs := flag.NewFlagSet("q3rcon", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.IntVar(&opts.port, "port", q3rcon.DefaultPort, "server port, unless given in ADDRESS")
	fs.IntVar(&opts.port, "p", q3rcon.DefaultPort, "shorthand for -port")
	fs.DurationVar(&opts.timeout, "timeout", defaultTimeout, "limit on connecting and on each command round trip")
	fs.DurationVar(&opts.fragmentTimeout, "fragment-timeout", defaultFragmentTimeout, "wait for each further datagram of a reply")
	fs.IntVar(&opts.retries, "retries", defaultRetries, "attempts for each connect and send")
	fs.BoolVar(&opts.debug, "debug", false, "log protocol activity to stderr")
	fs.BoolVar(&opts.raw, "raw", false, "print replies exactly as received")
	fs.StringVar(&opts.configPath, "config", "", "profile file (default $"+envConfigPath+" or the user config dir)")
	fs.StringVar(&opts.profiles, "profile", "", "comma separated profile names from the config file")
	fs.StringVar(&opts.command, "c", "", "run a single command and exit")

	if err := fs.Parse(args); err != nil {
		return options{}, nil, err
	}

	opts.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		name := f.Name
		if name == "p" {
			name = "port"
		}
		opts.set[name] = true
	})
	return opts, fs.Args(), nil
}

// resolveTargets turns flags and positional arguments into validated targets. Flags given
// explicitly override profile settings.
func resolveTargets(opts options, positional []string, getenv func(string) string) ([]target, error) {
	var targets []target

	if opts.profiles != "" {
		if len(positional) > 0 {
			return nil, fmt.Errorf("%w: ADDRESS and PASSWORD cannot be combined with -profile", errUsage)
		}
		path := opts.configPath
		if path == "" {
			path = defaultConfigPath(getenv)
		}
		var names []string
		for _, n := range strings.Split(opts.profiles, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
		var err error
		if targets, err = loadProfiles(path, names); err != nil {
			return nil, err
		}
	} else {
		if len(positional) != 2 {
			return nil, fmt.Errorf("%w: expected ADDRESS and PASSWORD", errUsage)
		}
		host, port, hasPort, err := splitAddress(positional[0])
		if err != nil {
			return nil, err
		}
		if hasPort && opts.set["port"] {
			return nil, fmt.Errorf("port given twice, in %q and with -port", positional[0])
		}
		if !hasPort {
			port = opts.port
		}
		targets = []target{{
			Name:            host,
			Host:            host,
			Port:            port,
			Password:        positional[1],
			Timeout:         opts.timeout,
			FragmentTimeout: opts.fragmentTimeout,
			Retries:         opts.retries,
		}}
	}

	for i := range targets {
		t := &targets[i]
		if opts.profiles != "" {
			if opts.set["port"] {
				t.Port = opts.port
			}
			if opts.set["timeout"] {
				t.Timeout = opts.timeout
			}
			if opts.set["fragment-timeout"] {
				t.FragmentTimeout = opts.fragmentTimeout
			}
			if opts.set["retries"] {
				t.Retries = opts.retries
			}
		}
		if err := t.validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", t.Name, err)
		}
	}
	return targets, nil
}

func newClient(t target, logger *slog.Logger) *q3rcon.Client {
	return q3rcon.NewClient(q3rcon.ClientConfig{
		Host:            t.Host,
		Port:            t.Port,
		Password:        t.Password,
		Timeout:         t.Timeout,
		FragmentTimeout: t.FragmentTimeout,
		Retries:         t.Retries,
		Logger:          logger.With(slog.String("server", t.Name)),
	})
}

// interactive connects to t and runs one command per input line until EOF, "quit" or "exit".
// Failed commands are reported and the loop carries on, except for a rejected password.
func interactive(
	ctx context.Context,
	t target,
	stdin io.Reader,
	stdout io.Writer,
	interpret bool,
	logger *slog.Logger,
) error {
	c := newClient(t, logger)
	if err := c.Connect(ctx, true); err != nil {
		return err
	}
	defer c.Close()

	fmt.Fprintf(stdout, "Connected to Quake 3 server at %s\n", t.address())

	prompt := false
	if f, ok := stdin.(*os.File); ok {
		prompt = logging.IsTerminal(f)
	}

	sc := bufio.NewScanner(stdin)
	for {
		if prompt {
			fmt.Fprint(stdout, "> ")
		}
		if !sc.Scan() {
			return sc.Err()
		}

		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "quit", "exit":
			return nil
		}

		resp, err := c.SendCommand(ctx, line, interpret)
		switch {
		case err == nil:
			fmt.Fprintln(stdout, resp)
		case errors.Is(err, q3rcon.ErrUnauthorized), ctx.Err() != nil:
			return err
		default:
			logger.Error("command failed", slog.String("command", line), slog.Any("error", err))
		}
	}
}

type execResult struct {
	reply string
	err   error
}

// execAll runs command against every target in parallel, each over its own client, and prints the
// replies in target order. With more than one target every line is prefixed with the target name.
// The first error, in target order, is returned after all targets finish.
func execAll(
	ctx context.Context,
	targets []target,
	command string,
	interpret bool,
	logger *slog.Logger,
	stdout io.Writer,
) error {
	results := make([]execResult, len(targets))

	var g errgroup.Group
	g.SetLimit(maxParallelServers)
	for i, t := range targets {
		g.Go(func() error {
			reply, err := execOne(ctx, t, command, interpret, logger)
			results[i] = execResult{reply: reply, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var firstErr error
	for i, r := range results {
		name := targets[i].Name
		if r.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", name, r.err)
			}
			if len(targets) > 1 {
				logger.Error("command failed", slog.String("server", name), slog.Any("error", r.err))
			}
			continue
		}
		if len(targets) == 1 {
			fmt.Fprintln(stdout, r.reply)
			continue
		}
		for _, line := range strings.Split(r.reply, "\n") {
			fmt.Fprintf(stdout, "[%s] %s\n", name, line)
		}
	}
	return firstErr
}

func execOne(ctx context.Context, t target, command string, interpret bool, logger *slog.Logger) (string, error) {
	c := newClient(t, logger)
	if err := c.Connect(ctx, true); err != nil {
		return "", err
	}
	defer c.Close()

	return c.SendCommand(ctx, command, interpret)
}
