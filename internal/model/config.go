package model

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SiblingsKill = "kill"
	// SiblingsLeave keeps siblings of a failed unit running unobserved. Their
	// output is not prefixed when it goes to a file or terminal, as the units
	// may outlive partest.
	SiblingsLeave = "leave"

	OutputPrefix  = "prefix"
	OutputRaw     = "raw"
	OutputDiscard = "discard"

	DefaultGrace = 5 * time.Second
)

type Config struct {
	Version    int        `yaml:"version"` // fixed 0 for now
	Supervisor Supervisor `yaml:"supervisor"`
	Units      []Unit     `yaml:"units"`
}

// Supervisor settings shared by all units of a run.
type Supervisor struct {
	Siblings string        `yaml:"siblings"` // "kill" | "leave"
	Grace    time.Duration `yaml:"grace"`    // SIGTERM to SIGKILL delay for killed units
	Verbose  bool          `yaml:"verbose"`
	Output   string        `yaml:"output"` // "prefix" | "raw" | "discard"
	Report   *Report       `yaml:"report,omitempty"`
}

// Report sinks, both optional.
type Report struct {
	Dir string `yaml:"dir,omitempty"` // directory for partest-<timestamp>.json
	URL string `yaml:"url,omitempty"` // endpoint receiving the report as a POST
}

func DefaultConfig() Config {
	return Config{
		Version: 0,
		Supervisor: Supervisor{
			Siblings: SiblingsKill,
			Grace:    DefaultGrace,
			Output:   OutputPrefix,
		},
	}
}

// LoadConfig decodes YAML from r on top of DefaultConfig and validates the
// result. Unknown fields are rejected. An empty document yields the defaults.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem found in the configuration, joined.
func (c Config) Validate() error {
	var p problems
	if c.Version != 0 {
		p.add("version", CodeInvalidValue, "config version %d is not supported, expected 0", c.Version)
	}
	p = append(p, c.Supervisor.validate("supervisor")...)

	seen := make(map[string]int, len(c.Units))
	for idx, u := range c.Units {
		path := "units[" + strconv.Itoa(idx) + "]"
		p = append(p, u.validate(path)...)
		if u.Name == "" {
			continue
		}
		if first, ok := seen[u.Name]; ok {
			p.add(path+".name", CodeDuplicate, "unit %q already defined in units[%d]", u.Name, first)
			continue
		}
		seen[u.Name] = idx
	}
	return p.err()
}

func (s Supervisor) validate(path string) problems {
	var p problems
	if d, ok := oneOf(path+".siblings", s.Siblings, SiblingsKill, SiblingsLeave); !ok {
		p = append(p, d)
	}
	if d, ok := oneOf(path+".output", s.Output, OutputPrefix, OutputRaw, OutputDiscard); !ok {
		p = append(p, d)
	}
	if s.Grace < 0 {
		p.add(path+".grace", CodeInvalidValue, "must not be negative: got %s", s.Grace)
	}
	if s.Report != nil && s.Report.URL != "" {
		u, err := url.Parse(s.Report.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			p.add(path+".report.url", CodeInvalidValue, "define the url with a scheme and a host, e.g. `http://some-url.com/path`")
		}
	}
	return p
}
