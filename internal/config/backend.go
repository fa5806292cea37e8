package config

// ConfigBackend is the persistent layer between the built-in defaults and
// environment overrides: the user defaults database on macOS, a YAML file
// elsewhere. Keys are dotted names such as "pipeline.max_batch".
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
