package config

// Backend is where non-secret settings persist between runs: the
// com.rankzen.agent defaults domain on macOS, a JSON file elsewhere.
// Getters report ok=false for keys that were never set, so the built-in
// default stays in effect.
type Backend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	GetFloat(key string) (val float64, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	SetFloat(key string, val float64) error
	// Delete drops key so the default applies again.
	Delete(key string) error
}
