package config

const (
	// DefaultSize caps the filesystem at 512 MiB unless overridden.
	DefaultSize = 512 << 20
)

type FSConfig struct {
	// Size is the maximum number of bytes of file data the mount may hold.
	Size uint64 `yaml:"size" env:"RAMFUSE_SIZE" env-default:"536870912"`
	// Debug enables verbose request logging.
	Debug bool `yaml:"debug" env:"RAMFUSE_DEBUG" env-default:"false"`
}
