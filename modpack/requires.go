package modpack

import (
	"fmt"
	"strconv"
	"strings"
)

// CheckRequires verifies every bundle's declared requirements against the
// loaded set. A requirement is satisfied when a bundle with that name is
// present and its version is at least the declared minimum.
func CheckRequires(bundles []*Bundle) error {
	versions := make(map[string]string, len(bundles))
	for _, b := range bundles {
		versions[b.Manifest.Name] = b.Manifest.Version
	}
	for _, b := range bundles {
		for _, req := range b.Manifest.Requires {
			have, ok := versions[req.Name]
			if !ok {
				return fmt.Errorf("%w: %s requires %s, which is not loaded",
					ErrRequires, b.Manifest.Name, req.Name)
			}
			if req.Min != "" && CompareVersions(have, req.Min) < 0 {
				return fmt.Errorf("%w: %s requires %s >= %s, have %s",
					ErrRequires, b.Manifest.Name, req.Name, req.Min, have)
			}
		}
	}
	return nil
}

// CompareVersions compares dotted versions segment by segment, numerically
// where both segments parse as integers and lexically otherwise. Missing
// segments count as zero. Returns -1, 0, or 1.
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv string
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		an, aerr := strconv.Atoi(av)
		bn, berr := strconv.Atoi(bv)
		if av == "" {
			an, aerr = 0, nil
		}
		if bv == "" {
			bn, berr = 0, nil
		}
		switch {
		case aerr == nil && berr == nil:
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
		default:
			if c := strings.Compare(av, bv); c != 0 {
				return c
			}
		}
	}
	return 0
}
