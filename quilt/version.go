package quilt

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

// A version is (agent, seq), rendered on the wire as `agent-seq`.
// The agent id is a short opaque string assigned once per peer; seq is a
// per-agent monotonic counter. Agent ids must not contain '-' after the
// last segment boundary: the wire form splits on the last '-'.

type Version struct {
	Agent string
	Seq   uint64
}

// Root is the implicit ancestor of every first write.
// It renders as the token "ROOT" and is never a member of a graph.
var Root = Version{}

func NewVersion(agent string, seq uint64) Version {
	return Version{
		Agent: agent,
		Seq:   seq,
	}
}

func ParseVersion(versionStr string) (Version, error) {
	versionStr = strings.TrimSpace(versionStr)
	if versionStr == "" {
		return Version{}, fmt.Errorf("empty version")
	}
	if versionStr == RootToken {
		return Root, nil
	}
	i := strings.LastIndex(versionStr, "-")
	if i <= 0 || i == len(versionStr)-1 {
		return Version{}, fmt.Errorf("malformed version %q", versionStr)
	}
	seq, err := strconv.ParseUint(versionStr[i+1:], 10, 64)
	if err != nil {
		return Version{}, fmt.Errorf("malformed version seq %q", versionStr)
	}
	return Version{
		Agent: versionStr[:i],
		Seq:   seq,
	}, nil
}

const RootToken = "ROOT"

func (self Version) IsRoot() bool {
	return self.Agent == "" && self.Seq == 0
}

func (self Version) String() string {
	if self.IsRoot() {
		return RootToken
	}
	return fmt.Sprintf("%s-%d", self.Agent, self.Seq)
}

// Before orders versions for last-write-wins tiebreaks.
// Never compare rendered strings: "a-10" sorts before "a-9" as a string.
func (self Version) Before(other Version) bool {
	if self.Agent != other.Agent {
		return self.Agent < other.Agent
	}
	return self.Seq < other.Seq
}

func (self Version) MarshalText() ([]byte, error) {
	return []byte(self.String()), nil
}

func (self *Version) UnmarshalText(text []byte) error {
	version, err := ParseVersion(string(text))
	if err != nil {
		return err
	}
	*self = version
	return nil
}

// ParseVersionList parses a comma-separated `Version` or `Parents` header
// value. An empty value parses to an empty list.
func ParseVersionList(headerValue string) ([]Version, error) {
	headerValue = strings.TrimSpace(headerValue)
	if headerValue == "" {
		return []Version{}, nil
	}
	parts := strings.Split(headerValue, ",")
	versions := make([]Version, 0, len(parts))
	for _, part := range parts {
		version, err := ParseVersion(part)
		if err != nil {
			return nil, err
		}
		if version.IsRoot() {
			// ROOT in a parents list means "no parents"
			continue
		}
		versions = append(versions, version)
	}
	return versions, nil
}

func FormatVersionList(versions []Version) string {
	if len(versions) == 0 {
		return RootToken
	}
	tokens := make([]string, len(versions))
	for i, version := range versions {
		tokens[i] = version.String()
	}
	return strings.Join(tokens, ", ")
}

func sortVersions(versions []Version) []Version {
	sorted := slices.Clone(versions)
	slices.SortFunc(sorted, func(a Version, b Version) int {
		if a.Before(b) {
			return -1
		} else if b.Before(a) {
			return 1
		}
		return 0
	})
	return sorted
}

func sameVersionSet(a []Version, b []Version) bool {
	if len(a) != len(b) {
		return false
	}
	return slices.Equal(sortVersions(a), sortVersions(b))
}

func containsVersion(versions []Version, version Version) bool {
	return slices.Contains(versions, version)
}
