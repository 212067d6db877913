// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/schultz-is/q3rcon-go"
)

// CLI defaults. The fragment timeout is a little more forgiving than the library default since
// interactive use usually crosses the internet.
const (
	defaultTimeout         = 2 * time.Second
	defaultFragmentTimeout = 350 * time.Millisecond
	defaultRetries         = 2

	envConfigPath = "Q3RCON_CONFIG"
)

// target is one fully resolved server the command talks to.
type target struct {
	Name            string
	Host            string
	Port            int
	Password        string
	Timeout         time.Duration
	FragmentTimeout time.Duration
	Retries         int
}

func (t target) address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t target) validate() error {
	if err := validateHost(t.Host); err != nil {
		return err
	}
	if t.Port < 1 || t.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", t.Port)
	}
	if t.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", t.Timeout)
	}
	if t.FragmentTimeout <= 0 {
		return fmt.Errorf("fragment timeout must be positive, got %s", t.FragmentTimeout)
	}
	if t.Retries < 1 {
		return fmt.Errorf("retries must be at least 1, got %d", t.Retries)
	}
	return nil
}

// config.toml layout:
//
//	[defaults]
//	timeout = "2s"
//
//	[profiles.ctf]
//	address = "ctf.example.com:27961"
//	password = "hunter2"
type fileConfig struct {
	Defaults profileConfig            `toml:"defaults"`
	Profiles map[string]profileConfig `toml:"profiles"`
}

type profileConfig struct {
	Address         string   `toml:"address"`
	Port            int      `toml:"port"`
	Password        string   `toml:"password"`
	Timeout         duration `toml:"timeout"`
	FragmentTimeout duration `toml:"fragment_timeout"`
	Retries         int      `toml:"retries"`
}

// duration decodes TOML strings such as "350ms".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// defaultConfigPath returns $Q3RCON_CONFIG, or config.toml in the user config directory.
func defaultConfigPath(getenv func(string) string) string {
	if p := strings.TrimSpace(getenv(envConfigPath)); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join("q3rcon", "config.toml")
	}
	return filepath.Join(dir, "q3rcon", "config.toml")
}

// loadProfiles reads path and resolves the named profiles, in order, with the [defaults] table
// and the built-in defaults filled in for keys a profile leaves out.
func loadProfiles(path string, names []string) ([]target, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("load config %s: unknown key %q", path, undecoded[0].String())
	}

	base := target{
		Port:            q3rcon.DefaultPort,
		Timeout:         defaultTimeout,
		FragmentTimeout: defaultFragmentTimeout,
		Retries:         defaultRetries,
	}
	if err := overlay(&base, raw.Defaults, func(key string) bool {
		return meta.IsDefined("defaults", key)
	}); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}

	targets := make([]target, 0, len(names))
	for _, name := range names {
		p, ok := raw.Profiles[name]
		if !ok {
			return nil, fmt.Errorf("profile %q not found in %s", name, path)
		}

		t := base
		t.Name = name
		if err := overlay(&t, p, func(key string) bool {
			return meta.IsDefined("profiles", name, key)
		}); err != nil {
			return nil, fmt.Errorf("profile %q: %w", name, err)
		}
		if t.Host == "" {
			return nil, fmt.Errorf("profile %q: address is required", name)
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// overlay copies the keys of p that defined reports as present onto t.
func overlay(t *target, p profileConfig, defined func(key string) bool) error {
	if defined("port") {
		t.Port = p.Port
	}
	if defined("address") {
		host, port, hasPort, err := splitAddress(strings.TrimSpace(p.Address))
		if err != nil {
			return err
		}
		if hasPort && defined("port") {
			return fmt.Errorf("port given both in address %q and as port", p.Address)
		}
		t.Host = host
		if hasPort {
			t.Port = port
		}
	}
	if defined("password") {
		t.Password = p.Password
	}
	if defined("timeout") {
		t.Timeout = p.Timeout.Duration
	}
	if defined("fragment_timeout") {
		t.FragmentTimeout = p.FragmentTimeout.Duration
	}
	if defined("retries") {
		t.Retries = p.Retries
	}
	return nil
}

// splitAddress accepts "host", "host:port", "[v6]:port" and bare IPv6 addresses.
func splitAddress(addr string) (host string, port int, hasPort bool, err error) {
	if addr == "" {
		return "", 0, false, fmt.Errorf("address is empty")
	}
	if net.ParseIP(addr) != nil {
		return addr, 0, false, nil
	}
	if !strings.HasPrefix(addr, "[") && !strings.Contains(addr, ":") {
		return addr, 0, false, nil
	}

	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, false, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err = strconv.Atoi(p)
	if err != nil {
		return "", 0, false, fmt.Errorf("invalid port %q in address %q", p, addr)
	}
	return h, port, true, nil
}

var hostLabel = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// validateHost accepts IP addresses, localhost, and fully qualified domain names.
func validateHost(host string) error {
	if net.ParseIP(host) != nil || strings.EqualFold(host, "localhost") {
		return nil
	}

	name := strings.TrimSuffix(strings.ToLower(host), ".")
	labels := strings.Split(name, ".")
	if len(name) > 253 || len(labels) < 2 {
		return fmt.Errorf("address %q is neither a valid domain name nor an IP address", host)
	}
	for _, l := range labels {
		if !hostLabel.MatchString(l) {
			return fmt.Errorf("address %q is neither a valid domain name nor an IP address", host)
		}
	}
	return nil
}
