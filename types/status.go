package types

import "strings"

// Status is the data quality label of a market period.
type Status string

const (
	StatusFinal       Status = "final"
	StatusPreliminary Status = "preliminary"
	StatusDeleted     Status = "deleted"
)

// ParseStatus maps an upstream status marker. The second return value is
// false when the marker is empty or not recognised.
func ParseStatus(marker string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(marker)) {
	case "final", "confirmed":
		return StatusFinal, true
	case "preliminary", "prelim":
		return StatusPreliminary, true
	case "deleted":
		return StatusDeleted, true
	}
	return "", false
}
