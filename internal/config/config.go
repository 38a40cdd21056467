package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level configuration, read from the "config" key of
// configs/config.yaml.
type Config struct {
	LogLevel  string          `mapstructure:"log_level"`
	LogDir    string          `mapstructure:"log_dir"`
	ReportDir string          `mapstructure:"report_dir"`
	Rounds    int             `mapstructure:"rounds"`
	Image     ImageConfig     `mapstructure:"image"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Transport TransportConfig `mapstructure:"transport"`
	Challenge ChallengeConfig `mapstructure:"challenge"`
}

// ImageConfig controls how received gadget bytes become a loadable image.
type ImageConfig struct {
	// TemplatePath is an ELF containing a page of 0x90 bytes to be
	// replaced. Empty means a minimal ELF is generated.
	TemplatePath string `mapstructure:"template_path"`
	BaseAddr     uint64 `mapstructure:"base_addr"`
	PageSize     int    `mapstructure:"page_size"`
}

// RecoveryConfig holds the symbolic exploration bounds.
type RecoveryConfig struct {
	StackWords int    `mapstructure:"stack_words"`
	StepBound  int    `mapstructure:"step_bound"`
	MaxActive  int    `mapstructure:"max_active"`
	Solver     string `mapstructure:"solver"`
}

// ChainConfig describes the open/read/write chain the tool builds.
type ChainConfig struct {
	PathAddr     uint64 `mapstructure:"path_addr"`
	ScratchStart uint64 `mapstructure:"scratch_start"`
	ScratchEnd   uint64 `mapstructure:"scratch_end"`
	ReadFD       uint64 `mapstructure:"read_fd"`
	ReadLength   uint64 `mapstructure:"read_length"`
	WriteFD      uint64 `mapstructure:"write_fd"`
}

// TransportConfig selects how to reach the challenge service.
type TransportConfig struct {
	Mode      string   `mapstructure:"mode"` // "process" or "tcp"
	Address   string   `mapstructure:"address"`
	Command   string   `mapstructure:"command"`
	Args      []string `mapstructure:"args"`
	Timeout   int      `mapstructure:"timeout"` // seconds
	MaxLine   int      `mapstructure:"max_line"`
	Preamble  string   `mapstructure:"preamble"`
	Separator string   `mapstructure:"separator"`
}

// ChallengeConfig configures the local challenge service.
type ChallengeConfig struct {
	Listen  string `mapstructure:"listen"`
	Flag    string `mapstructure:"flag"`
	Secret  string `mapstructure:"secret"`
	Seed    int64  `mapstructure:"seed"`
	Decoys  int    `mapstructure:"decoys"`
	MaxStep int    `mapstructure:"max_step"`
}

// fileLayout mirrors the top-level "config:" object of the yaml file.
type fileLayout struct {
	Config Config `mapstructure:"config"`
}

// Load reads a configuration file from the "configs" directory into a struct.
// The configName parameter should be the base name of the file without the extension (e.g., "config").
// The result parameter should be a pointer to a struct that the configuration will be unmarshaled into.
func Load(configName string, result interface{}) error {
	v := newViper(configName)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := v.Unmarshal(result); err != nil {
		return fmt.Errorf("failed to unmarshal config data: %w", err)
	}

	return nil
}

// LoadConfig loads configs/config.yaml when present and fills every unset
// field with its default. A missing file is not an error.
func LoadConfig() (*Config, error) {
	v := newViper("config")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var file fileLayout
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config data: %w", err)
	}

	if err := file.Config.Validate(); err != nil {
		return nil, err
	}
	return &file.Config, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var file fileLayout
	// Defaults are static, unmarshal cannot fail.
	_ = v.Unmarshal(&file)
	return &file.Config
}

// Validate checks the invariants the rest of the tool relies on.
func (c *Config) Validate() error {
	if c.Rounds <= 0 {
		return fmt.Errorf("rounds must be positive, got %d", c.Rounds)
	}
	if c.Recovery.StackWords <= 0 || c.Recovery.StepBound <= 0 {
		return fmt.Errorf("recovery.stack_words and recovery.step_bound must be positive")
	}
	if c.Chain.ScratchStart >= c.Chain.ScratchEnd {
		return fmt.Errorf("scratch range [%#x, %#x] is empty", c.Chain.ScratchStart, c.Chain.ScratchEnd)
	}
	if c.Image.PageSize <= 0 {
		return fmt.Errorf("image.page_size must be positive")
	}
	switch c.Transport.Mode {
	case "process", "tcp":
	default:
		return fmt.Errorf("unknown transport mode %q", c.Transport.Mode)
	}
	if len(c.Transport.Preamble) != 6 || len(c.Transport.Separator) != 3 {
		return fmt.Errorf("transport preamble must be 6 bytes and separator 3 bytes")
	}
	return nil
}

func newViper(configName string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	v.AddConfigPath("configs")
	v.AddConfigPath("../configs")
	v.AddConfigPath("../../configs")
	v.SetEnvPrefix("ropsynth")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("config.log_level", "info")
	v.SetDefault("config.log_dir", "")
	v.SetDefault("config.report_dir", "")
	v.SetDefault("config.rounds", 5)

	v.SetDefault("config.image.template_path", "")
	v.SetDefault("config.image.base_addr", 0x400000)
	v.SetDefault("config.image.page_size", 4096)

	v.SetDefault("config.recovery.stack_words", 20)
	v.SetDefault("config.recovery.step_bound", 200)
	v.SetDefault("config.recovery.max_active", 256)
	v.SetDefault("config.recovery.solver", "invert")

	v.SetDefault("config.chain.path_addr", 0xa00000)
	v.SetDefault("config.chain.scratch_start", 0xa00100)
	v.SetDefault("config.chain.scratch_end", 0xa00f00)
	v.SetDefault("config.chain.read_fd", 3)
	v.SetDefault("config.chain.read_length", 1024)
	v.SetDefault("config.chain.write_fd", 1)

	v.SetDefault("config.transport.mode", "process")
	v.SetDefault("config.transport.address", "127.0.0.1:10000")
	v.SetDefault("config.transport.command", "./ropsynth.py")
	v.SetDefault("config.transport.args", []string{})
	v.SetDefault("config.transport.timeout", 60)
	v.SetDefault("config.transport.max_line", 1<<20)
	v.SetDefault("config.transport.preamble", "STAGE ")
	v.SetDefault("config.transport.separator", ": \n")

	v.SetDefault("config.challenge.listen", "127.0.0.1:10000")
	v.SetDefault("config.challenge.flag", "SECCON{HAHAHHAHAHAAHA}")
	v.SetDefault("config.challenge.secret", "the_secret_file_contents\n")
	v.SetDefault("config.challenge.seed", 0)
	v.SetDefault("config.challenge.decoys", 6)
	v.SetDefault("config.challenge.max_step", 4096)
}
