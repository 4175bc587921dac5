package installer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ErrIncompatibleVersion marks packages whose declared host version range
// excludes the running server. The check runs before any filesystem mutation.
var ErrIncompatibleVersion = errors.New("addon is not compatible with this server version")

// VersionGate decides whether the running host may accept a given package.
type VersionGate struct {
	host *semver.Version
}

func NewVersionGate(hostVersion string) (*VersionGate, error) {
	host, err := semver.NewVersion(hostVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid host version %q: %w", hostVersion, err)
	}
	return &VersionGate{host: host}, nil
}

// Check validates a comma-separated list of semver comparator conditions
// against the host version. All conditions must hold. An empty range accepts
// unconditionally.
func (g *VersionGate) Check(conditions string) error {
	conditions = strings.TrimSpace(conditions)
	if conditions == "" {
		return nil
	}

	// Commas separate ANDed comparators.
	constraint, err := semver.NewConstraint(conditions)
	if err != nil {
		return fmt.Errorf("%w: invalid version range %q: %v", ErrUnsupportedPackage, conditions, err)
	}

	if ok, _ := constraint.Validate(g.host); !ok {
		return fmt.Errorf("%w: server version %s does not satisfy %q",
			ErrIncompatibleVersion, g.host, conditions)
	}
	return nil
}

// Host returns the version the gate validates against.
func (g *VersionGate) Host() string {
	return g.host.String()
}
