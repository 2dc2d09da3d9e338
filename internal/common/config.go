package common

import (
	"fmt"
	"strings"
)

// ServerConfig holds the listener configuration assembled by cmd/serve
// from flags, environment, and .env files, per spec.md §6's flag table.
type ServerConfig struct {
	// Port is the TCP port the listener binds, -p, default 11211.
	Port int
	// MegaBytes is the soft byte budget the cache enforces via its
	// collector, -m, default 64.
	MegaBytes int
	// Backlog is the -c value, default 1024. It is reported by String()
	// but not passed to the listener, whose socket uses the operating
	// system's default listen(2) backlog.
	Backlog int
	// Threads is the number of acceptor/worker goroutines, -t, default 4.
	Threads int
	// Daemonize detaches the process from its controlling terminal, -d.
	Daemonize bool
	// Verbosity is the repeat count of -v.
	Verbosity int
	// LogLevel is the named level InitLoggers configures every subsystem
	// logger to; derived from Verbosity unless set explicitly.
	LogLevel string
	// PidFile is where the daemonized process's pid is written.
	PidFile string
}

// MaxBytes returns the cache's byte budget, converted from megabytes.
func (c *ServerConfig) MaxBytes() int64 {
	return int64(c.MegaBytes) * 1024 * 1024
}

// String renders a formatted startup report, used by -v logging, in the
// same section/field layout as the teacher's ServerConfig.String().
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-14s: %s\n", name, value))
	}

	addSection("Listener")
	addField("Port", fmt.Sprintf("%d", c.Port))
	addField("Backlog", fmt.Sprintf("%d", c.Backlog))
	addField("Threads", fmt.Sprintf("%d", c.Threads))

	addSection("Cache")
	addField("Budget", fmt.Sprintf("%d MB", c.MegaBytes))

	addSection("Process")
	addField("Daemonize", fmt.Sprintf("%t", c.Daemonize))
	addField("Log Level", c.LogLevel)

	return sb.String()
}
