package utils

// Contains checks if a slice of strings contains an element.
func Contains(slice []string, item string) bool {
	for _, a := range slice {
		if a == item {
			return true
		}
	}
	return false
}

// HighestRolePosition returns the highest position among the given roles.
// Roles missing from positions are ignored; a member without roles is at 0,
// the position of @everyone.
func HighestRolePosition(roleIDs []string, positions map[string]int) int {
	highest := 0
	for _, roleID := range roleIDs {
		if pos, ok := positions[roleID]; ok && pos > highest {
			highest = pos
		}
	}
	return highest
}
