// Package memory implements the Unified Memory Router (§4.5): a
// single facade fronting the four storage tiers, domain isolation
// rules, and cross-tier purge by source URI.
package memory

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ovencore/ovencore/pkg/coreerrors"
	"github.com/ovencore/ovencore/pkg/orchmodels"
)

// Policy is the optional on-disk memory policy: per-domain retention
// windows and cross-read overrides. Unknown top-level keys are
// rejected so a typo doesn't silently no-op.
type Policy struct {
	Domains map[string]DomainPolicy `yaml:"domains"`
}

type DomainPolicy struct {
	// CrossRead lists domains whose content this domain may also read.
	// "*" only ever widens what THIS domain reads from; it never makes
	// two non-SHARED domains mutually readable by itself.
	CrossRead       []string `yaml:"cross_read"`
	RetentionL1     string   `yaml:"retention_l1"`
	RetentionL2Days int      `yaml:"retention_l2_days"`
}

// LoadPolicy reads and validates a policy file. An absent path returns
// an empty Policy, not an error.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return Policy{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Policy{}, nil
		}
		return Policy{}, fmt.Errorf("memory: reading policy file: %w", err)
	}

	var strict map[string]yaml.Node
	if err := yaml.Unmarshal(raw, &strict); err != nil {
		return Policy{}, fmt.Errorf("memory: parsing policy file: %w", err)
	}
	for key := range strict {
		if key != "domains" {
			return Policy{}, &coreerrors.ValidationError{Field: "policy." + key, Reason: "unknown top-level policy key"}
		}
	}

	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Policy{}, fmt.Errorf("memory: decoding policy file: %w", err)
	}
	return p, nil
}

// readable applies a Policy's cross_read overrides on top of the base
// Domain.Readable rule. cross_read never grants two non-SHARED domains
// mutual visibility from a single entry: each domain's cross_read list
// only widens what THAT domain reads, one direction at a time.
func (p Policy) readable(queryDomain, itemDomain orchmodels.Domain) bool {
	if orchmodels.Readable(queryDomain, itemDomain) {
		return true
	}
	dp, ok := p.Domains[string(queryDomain)]
	if !ok {
		return false
	}
	for _, allowed := range dp.CrossRead {
		if allowed == "*" || orchmodels.Domain(allowed) == itemDomain {
			return true
		}
	}
	return false
}
