package secrets

// Mask returns a display-safe version of a secret: the first and last two
// characters with the middle replaced, or a fixed mask for short values.
// Empty input stays empty so optional fields render as absent.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 4 {
		return "****"
	}
	return value[:2] + "****" + value[len(value)-2:]
}
