package types

import (
	"fmt"
	"strings"
)

type Region string

// Regions served by the Southpool market.
var KnownRegions = map[Region]string{
	"HU": "Hungary",
	"RS": "Serbia",
	"SI": "Slovenia",
}

func ParseRegion(s string) (Region, error) {
	r := Region(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := KnownRegions[r]; !ok {
		return "", fmt.Errorf("unknown region %q", s)
	}
	return r, nil
}

func (r Region) Label() string {
	if label, ok := KnownRegions[r]; ok {
		return label
	}
	return string(r)
}
