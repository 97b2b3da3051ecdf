package replay

import (
	"fmt"
	"regexp"
	"strings"
)

// nondetPattern flags a construct in the command line that commonly injects
// nondeterminism into otherwise reproducible executions.
type nondetPattern struct {
	name  string
	hint  string
	regex *regexp.Regexp
}

var nondetPatterns = []nondetPattern{
	{
		name:  "shell_random",
		hint:  "command references $RANDOM",
		regex: regexp.MustCompile(`\$\{?RANDOM\b`),
	},
	{
		name:  "shell_pid",
		hint:  "command references the shell PID ($$)",
		regex: regexp.MustCompile(`\$\$`),
	},
	{
		name:  "urandom",
		hint:  "command reads /dev/urandom or /dev/random",
		regex: regexp.MustCompile(`/dev/u?random`),
	},
	{
		name:  "wall_clock",
		hint:  "command invokes date/time utilities",
		regex: regexp.MustCompile(`\b(date|uptime)\b`),
	},
	{
		name:  "host_identity",
		hint:  "command reads host identity (hostname/uname)",
		regex: regexp.MustCompile(`\b(hostname|uname)\b`),
	},
	{
		name:  "tempfile",
		hint:  "command creates randomized temp names (mktemp)",
		regex: regexp.MustCompile(`\bmktemp\b`),
	},
	{
		name:  "uuid",
		hint:  "command generates UUIDs",
		regex: regexp.MustCompile(`\buuid(gen)?\b`),
	},
}

// scanNondeterminism checks the command and argv for known nondeterminism
// sources and returns one hint per matched pattern.
func scanNondeterminism(command string, argv []string) []string {
	line := joinCommand(command, argv)
	var hints []string
	for _, p := range nondetPatterns {
		if p.regex.MatchString(line) {
			hints = append(hints, fmt.Sprintf("%s: %s", p.name, p.hint))
		}
	}
	return hints
}

// joinCommand renders a command and argv as one scannable line.
func joinCommand(command string, argv []string) string {
	if len(argv) == 0 {
		return command
	}
	return command + " " + strings.Join(argv, " ")
}
