// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package discovery names the services transactions belong to. A process
// is named from its environment, its command line or its executable; a
// transaction seen on the wire without a process is named by the port it
// was served on.
package discovery

import (
	"path/filepath"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

const defaultCacheSize = 4096

// DefaultEnvVars are read, in order, for an explicit service name.
var DefaultEnvVars = []string{"OTEL_SERVICE_NAME", "SERVICE_NAME", "DD_SERVICE", "APP_NAME"}

// Source tells how a name was found.
type Source string

const (
	SourceEnvironment Source = "environment"
	SourceCmdline     Source = "cmdline"
	SourceExecutable  Source = "executable"
	SourcePort        Source = "port_mapping"
	SourceDefault     Source = "default"
)

// ServiceInfo is what is known about the service of a process.
type ServiceInfo struct {
	Name     string
	Language string
	PID      uint32
	Source   Source
}

// Options configure a Discoverer.
type Options struct {
	// Default names transactions nothing else identifies.
	Default string
	// EnvVars override DefaultEnvVars.
	EnvVars []string
	// Ports name the services listening on well-known ports.
	Ports     map[uint16]string
	CacheSize int
}

// Discoverer resolves and caches service names.
type Discoverer struct {
	opts   Options
	cache  *lru.Cache[uint32, ServiceInfo]
	logger *zap.Logger

	// inspect reads a process; replaced in tests.
	inspect func(pid uint32) (procInfo, error)

	javaPattern   *regexp.Regexp
	pythonPattern *regexp.Regexp
	nodePattern   *regexp.Regexp
}

type procInfo struct {
	environ []string
	cmdline string
	name    string
}

// NewDiscoverer returns a discoverer for opts.
func NewDiscoverer(opts Options, logger *zap.Logger) *Discoverer {
	if len(opts.EnvVars) == 0 {
		opts.EnvVars = DefaultEnvVars
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, _ := lru.New[uint32, ServiceInfo](opts.CacheSize)
	return &Discoverer{
		opts:    opts,
		cache:   cache,
		logger:  logger.Named("discovery"),
		inspect: readProcess,

		javaPattern:   regexp.MustCompile(`(?:-jar\s+|\.jar\s+)(\S+)`),
		pythonPattern: regexp.MustCompile(`python[23]?\s+(?:-m\s+)?(\S+)`),
		nodePattern:   regexp.MustCompile(`node\s+(\S+)`),
	}
}

// ServiceName names the service of a transaction: by its process when pid
// is known, then by the port it listens on, then the default.
func (d *Discoverer) ServiceName(pid uint32, listenPort uint16) string {
	if pid != 0 {
		if info, ok := d.Discover(pid); ok {
			return info.Name
		}
	}
	if name, ok := d.opts.Ports[listenPort]; ok {
		return name
	}
	return d.opts.Default
}

// Discover returns the service of pid, from the cache when possible.
func (d *Discoverer) Discover(pid uint32) (ServiceInfo, bool) {
	if info, ok := d.cache.Get(pid); ok {
		return info, info.Name != ""
	}
	p, err := d.inspect(pid)
	if err != nil {
		d.logger.Debug("cannot inspect process", zap.Uint32("pid", pid), zap.Error(err))
		// Remember the miss; the process is gone or hidden.
		d.cache.Add(pid, ServiceInfo{PID: pid})
		return ServiceInfo{}, false
	}
	info := d.identify(pid, p)
	d.cache.Add(pid, info)
	return info, info.Name != ""
}

// Forget drops the cached entry of pid.
func (d *Discoverer) Forget(pid uint32) { d.cache.Remove(pid) }

// Len returns the number of cached processes.
func (d *Discoverer) Len() int { return d.cache.Len() }

func (d *Discoverer) identify(pid uint32, p procInfo) ServiceInfo {
	info := ServiceInfo{PID: pid}
	for _, name := range d.opts.EnvVars {
		for _, env := range p.environ {
			if v, ok := strings.CutPrefix(env, name+"="); ok && v != "" {
				info.Name, info.Source = v, SourceEnvironment
				return info
			}
		}
	}
	if name := d.analyzeCommandLine(p.cmdline, &info); name != "" {
		info.Name, info.Source = name, SourceCmdline
		return info
	}
	if name := cleanExeName(p.name); name != "" {
		info.Name, info.Source = name, SourceExecutable
	}
	return info
}

func (d *Discoverer) analyzeCommandLine(cmdline string, info *ServiceInfo) string {
	if cmdline == "" {
		return ""
	}
	switch {
	case strings.Contains(cmdline, "java ") || strings.Contains(cmdline, "java."):
		info.Language = "java"
		if m := d.javaPattern.FindStringSubmatch(cmdline); len(m) > 1 {
			return strings.TrimSuffix(filepath.Base(m[1]), ".jar")
		}
	case strings.Contains(cmdline, "python"):
		info.Language = "python"
		if m := d.pythonPattern.FindStringSubmatch(cmdline); len(m) > 1 {
			return strings.TrimSuffix(filepath.Base(m[1]), ".py")
		}
	case strings.Contains(cmdline, "node "):
		info.Language = "nodejs"
		if m := d.nodePattern.FindStringSubmatch(cmdline); len(m) > 1 {
			script := strings.TrimSuffix(filepath.Base(m[1]), ".js")
			return strings.TrimSuffix(script, ".mjs")
		}
	}
	return ""
}

func cleanExeName(name string) string {
	if name == "" || isInterpreter(name) {
		return ""
	}
	name = strings.TrimSuffix(name, ".exe")
	return strings.TrimSuffix(name, ".bin")
}

func isInterpreter(name string) bool {
	switch name {
	case "python", "python2", "python3", "node", "nodejs", "ruby", "java", "php", "perl", "bash", "sh", "zsh":
		return true
	}
	return false
}

func readProcess(pid uint32) (procInfo, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return procInfo{}, err
	}
	var p procInfo
	// Each field is best effort: permissions differ per file.
	p.environ, _ = proc.Environ()
	p.cmdline, _ = proc.Cmdline()
	p.name, _ = proc.Name()
	return p, nil
}
