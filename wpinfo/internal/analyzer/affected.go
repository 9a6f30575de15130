package analyzer

import (
	"encoding/json"
	"strings"

	version "github.com/hashicorp/go-version"
)

// Affected verdicts for a detected component version.
const (
	AffectedYes     = "yes"
	AffectedNo      = "no"
	AffectedUnknown = "unknown"
)

// affectedRange is one entry of a feed affected_versions object, keyed
// upstream by a label such as "* - 4.2.1".
type affectedRange struct {
	FromVersion   string `json:"from_version"`
	FromInclusive bool   `json:"from_inclusive"`
	ToVersion     string `json:"to_version"`
	ToInclusive   bool   `json:"to_inclusive"`
}

// EvaluateAffected reports whether versionHint falls inside any range of the
// raw affected_versions JSON. A missing or unparseable version, or ranges
// that cannot be read, give AffectedUnknown.
func EvaluateAffected(versionHint, affectedJSON string) string {
	if versionHint == "" {
		return AffectedUnknown
	}
	v, err := version.NewVersion(strings.TrimSpace(versionHint))
	if err != nil {
		return AffectedUnknown
	}
	var ranges map[string]affectedRange
	if err := json.Unmarshal([]byte(affectedJSON), &ranges); err != nil || len(ranges) == 0 {
		return AffectedUnknown
	}

	verdict := AffectedNo
	for _, r := range ranges {
		in, ok := r.contains(v)
		if !ok {
			verdict = AffectedUnknown
			continue
		}
		if in {
			return AffectedYes
		}
	}
	return verdict
}

// contains reports whether v is within r. ok is false when a bound does not
// parse.
func (r affectedRange) contains(v *version.Version) (in, ok bool) {
	if from := strings.TrimSpace(r.FromVersion); from != "" && from != "*" {
		lo, err := version.NewVersion(from)
		if err != nil {
			return false, false
		}
		c := v.Compare(lo)
		if c < 0 || (c == 0 && !r.FromInclusive) {
			return false, true
		}
	}
	if to := strings.TrimSpace(r.ToVersion); to != "" && to != "*" {
		hi, err := version.NewVersion(to)
		if err != nil {
			return false, false
		}
		c := v.Compare(hi)
		if c > 0 || (c == 0 && !r.ToInclusive) {
			return false, true
		}
	}
	return true, true
}
