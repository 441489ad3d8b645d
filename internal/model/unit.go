package model

import (
	"errors"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

const DefaultFilterFlag = "-m"

// Unit is one independently launched test invocation. Either Command or
// Shell is set. Filter is opaque and handed to the test tool after
// FilterFlag.
type Unit struct {
	Name       string            `yaml:"name"`
	Command    []string          `yaml:"command,omitempty"`     // argv, e.g. ["pytest", "tests/"]
	Shell      string            `yaml:"shell,omitempty"`       // executed as sh -c
	Filter     string            `yaml:"filter,omitempty"`      // e.g. "not integration"
	FilterFlag string            `yaml:"filter_flag,omitempty"` // default -m
	Env        map[string]string `yaml:"env,omitempty"`
	Timeout    time.Duration     `yaml:"timeout,omitempty"`
}

// ParseUnit builds a shell unit from '[alias:]command'. The alias is trimmed
// and must not contain inner spaces; without one the unit is named unitN
// with N = index+1.
func ParseUnit(s string, index int) (Unit, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Unit{}, errors.New("empty unit command")
	}
	var name, command string
	var alias string
	idx := strings.Index(s, ":")
	if idx > 0 {
		alias = strings.TrimSpace(s[:idx])
	}
	if alias != "" && !strings.ContainsAny(alias, " \t") {
		name = alias
		command = strings.TrimSpace(s[idx+1:])
	} else {
		name = "unit" + strconv.Itoa(index+1)
		command = s
	}
	if command == "" {
		return Unit{}, errors.New("unit " + name + ": empty command")
	}
	return Unit{Name: name, Shell: command}, nil
}

// Argv returns the program and arguments to execute.
func (u Unit) Argv() []string {
	flag := u.FilterFlag
	if flag == "" {
		flag = DefaultFilterFlag
	}
	if u.Shell != "" {
		script := u.Shell
		if u.Filter != "" {
			script += " " + flag + " " + shellQuote(u.Filter)
		}
		return []string{"sh", "-c", script}
	}
	argv := slices.Clone(u.Command)
	if u.Filter != "" {
		argv = append(argv, flag, u.Filter)
	}
	return argv
}

// Environ returns base followed by the unit's own variables in key order.
// Values starting with $ are expanded from the current environment.
func (u Unit) Environ(base []string) []string {
	env := slices.Clone(base)
	for _, k := range slices.Sorted(maps.Keys(u.Env)) {
		v := u.Env[k]
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, k+"="+v)
	}
	return env
}

func (u Unit) validate(path string) problems {
	var p problems
	if u.Name == "" {
		p.add(path+".name", CodeMissingRequired, "Field name is required")
	}
	switch {
	case len(u.Command) == 0 && u.Shell == "":
		p.add(path, CodeMissingRequired, "one of command or shell is required")
	case len(u.Command) != 0 && u.Shell != "":
		p.add(path, CodeConflictingValues, "command and shell are mutually exclusive")
	case len(u.Command) != 0 && u.Command[0] == "":
		p.add(path+".command[0]", CodeInvalidValue, "program must not be empty")
	}
	if u.Timeout < 0 {
		p.add(path+".timeout", CodeInvalidValue, "must not be negative: got %s", u.Timeout)
	}
	return p
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
