package platform

import "strings"

// Fallbacks used when a profile field is missing.
const (
	FallbackUsername      = "Deleted User"
	FallbackDiscriminator = "0000"
)

// DisplayName renders a profile as "username#discriminator", substituting the
// fallback constants for missing or empty fields.
func DisplayName(p Profile) string {
	username := FallbackUsername
	if p.Username != nil && strings.TrimSpace(*p.Username) != "" {
		username = *p.Username
	}

	discriminator := FallbackDiscriminator
	if p.Discriminator != nil && *p.Discriminator != "" {
		discriminator = *p.Discriminator
	}

	return username + "#" + discriminator
}

// UnknownProfile is the profile recorded for a user the platform cannot resolve.
func UnknownProfile(userID uint64) Profile {
	return Profile{ID: userID}
}
