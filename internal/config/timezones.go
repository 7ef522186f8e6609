package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// TimezoneAliases maps deprecated zone names to their canonical IANA names.
// Some calendar backends mishandle the old North American names, so adapters
// normalize through this table before localizing.
type TimezoneAliases map[string]string

// DefaultTimezoneAliases returns the built-in alias table.
func DefaultTimezoneAliases() TimezoneAliases {
	return TimezoneAliases{
		"US/Alaska":           "America/Anchorage",
		"US/Aleutian":         "America/Adak",
		"US/Arizona":          "America/Phoenix",
		"US/Central":          "America/Chicago",
		"US/East-Indiana":     "America/Indiana/Indianapolis",
		"US/Eastern":          "America/New_York",
		"US/Hawaii":           "Pacific/Honolulu",
		"US/Indiana-Starke":   "America/Indiana/Knox",
		"US/Michigan":         "America/Detroit",
		"US/Mountain":         "America/Denver",
		"US/Pacific":          "America/Los_Angeles",
		"US/Samoa":            "Pacific/Pago_Pago",
		"Canada/Atlantic":     "America/Halifax",
		"Canada/Central":      "America/Winnipeg",
		"Canada/Eastern":      "America/Toronto",
		"Canada/Mountain":     "America/Edmonton",
		"Canada/Newfoundland": "America/St_Johns",
		"Canada/Pacific":      "America/Vancouver",
		"Canada/Saskatchewan": "America/Regina",
		"Canada/Yukon":        "America/Whitehorse",
	}
}

// Normalize returns the canonical name for tz, or tz itself when it is not an alias.
func (a TimezoneAliases) Normalize(tz string) string {
	if canonical, ok := a[tz]; ok {
		return canonical
	}
	return tz
}

// LoadTimezoneAliases returns the default table with the entries of the YAML
// file at path merged over it. An empty path or a missing file yields the
// defaults.
//
// The file is a flat mapping:
//
//	US/Eastern: America/New_York
//	Mexico/General: America/Mexico_City
func LoadTimezoneAliases(path string) (TimezoneAliases, error) {
	aliases := DefaultTimezoneAliases()
	if path == "" {
		return aliases, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return aliases, nil
		}
		return nil, err
	}

	var extra map[string]string
	if err := yaml.Unmarshal(data, &extra); err != nil {
		return nil, fmt.Errorf("invalid alias file %s: %w", path, err)
	}
	for from, to := range extra {
		if to == "" {
			return nil, fmt.Errorf("alias %q has an empty target", from)
		}
		aliases[from] = to
	}
	return aliases, nil
}
