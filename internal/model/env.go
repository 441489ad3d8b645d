package model

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every supervisor override, e.g. PARTEST_SIBLINGS.
const EnvPrefix = "PARTEST"

// Overrides are supervisor settings read from the environment. They take
// precedence over the config file. Fields carry no envconfig tag, so only
// the prefixed names are looked up.
type Overrides struct {
	Siblings *string
	Grace    *time.Duration
	Verbose  *bool
	Output   *string
}

func LoadOverrides() (Overrides, error) {
	var o Overrides
	if err := envconfig.Process(EnvPrefix, &o); err != nil {
		return Overrides{}, fmt.Errorf("reading %s_* environment: %w", EnvPrefix, err)
	}
	return o, nil
}

// Apply copies every set override into s.
func (o Overrides) Apply(s *Supervisor) {
	if o.Siblings != nil {
		s.Siblings = *o.Siblings
	}
	if o.Grace != nil {
		s.Grace = *o.Grace
	}
	if o.Verbose != nil {
		s.Verbose = *o.Verbose
	}
	if o.Output != nil {
		s.Output = *o.Output
	}
}
