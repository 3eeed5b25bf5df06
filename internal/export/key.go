package export

import (
	"fmt"
	"path"
	"regexp"
)

var keyComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildObjectKey places one export under exports/<kpi>/<timeRange>/. The
// digest makes the key content-addressed: the same query overwrites its
// own object instead of piling up copies.
func BuildObjectKey(kpi, timeRange, digest string) (string, error) {
	if err := validateKeyComponent(kpi, "kpi"); err != nil {
		return "", err
	}
	if timeRange == "" {
		timeRange = "all"
	}
	if err := validateKeyComponent(timeRange, "time range"); err != nil {
		return "", err
	}
	if err := validateKeyComponent(digest, "digest"); err != nil {
		return "", err
	}
	return path.Join("exports", kpi, timeRange, digest+".csv"), nil
}

func validateKeyComponent(value, field string) error {
	if !keyComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
