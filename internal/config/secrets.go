package config

// MaskSecret returns a masked version of a credential for display.
// Shows the first 3 and last 2 characters of long values.
func MaskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:3] + "..." + s[len(s)-2:]
}

// Redacted returns a copy of c with credentials masked, for `config show`.
func (c *Config) Redacted() *Config {
	out := *c
	out.Archive.MinIO.AccessKey = MaskSecret(c.Archive.MinIO.AccessKey)
	out.Archive.MinIO.SecretKey = MaskSecret(c.Archive.MinIO.SecretKey)
	return &out
}
