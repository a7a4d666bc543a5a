package scheduler

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// BootstrapSpec is a static, non-authoritative list of node addresses a
// scheduler operator expects to see join at startup. It exists only to size
// how long TryJoin's caller should keep retrying before giving up and
// logging loudly — admission itself is still decided solely by
// allExactlyWorking/TryJoin, never by membership in this list (spec.md
// §4.2's admission rule is unchanged).
type BootstrapSpec struct {
	ExpectedNodes []string      `yaml:"expected_nodes"`
	JoinTimeout   time.Duration `yaml:"join_timeout"`
}

// LoadBootstrapFile reads and parses a BootstrapSpec document with the
// plain yaml.v2 API, a deliberate second YAML path alongside
// sigs.k8s.io/yaml's JSON-shaped one used by worker/config.go: this file is
// never round-tripped through JSON, so the more direct API fits.
func LoadBootstrapFile(path string) (*BootstrapSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scheduler: read bootstrap file %s: %w", path, err)
	}
	var spec BootstrapSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("scheduler: parse bootstrap file %s: %w", path, err)
	}
	if spec.JoinTimeout <= 0 {
		spec.JoinTimeout = 30 * time.Second
	}
	return &spec, nil
}

// RetryBackoff sizes a join-retry loop's total patience off the bootstrap
// file's expected node count: larger expected clusters get proportionally
// longer to let every node reach the scheduler before a caller logs a
// join-stuck warning. It never blocks and never refuses a join itself.
func (b *BootstrapSpec) RetryBackoff() time.Duration {
	if b == nil || len(b.ExpectedNodes) == 0 {
		return 30 * time.Second
	}
	return time.Duration(len(b.ExpectedNodes)) * b.JoinTimeout
}
