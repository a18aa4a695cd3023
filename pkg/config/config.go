package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/csweichel/rangefs/pkg/rangefs"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// File is the content of a configuration file.
//
//	ranges:
//	  - name: boot
//	    file: /dev/sda
//	    start: 1048576
//	    length: 268435456
//	uid: 1000
//	mode: "0440"
//	auto_unmount: true
type File struct {
	Ranges []Range `mapstructure:"ranges" validate:"dive"`

	UID  *uint32 `mapstructure:"uid"`
	GID  *uint32 `mapstructure:"gid"`
	Mode string  `mapstructure:"mode" validate:"omitempty,numeric"`

	AllowOther  bool `mapstructure:"allow_other"`
	AllowRoot   bool `mapstructure:"allow_root"`
	AutoUnmount bool `mapstructure:"auto_unmount"`

	// Timeout is the kernel cache timeout in seconds.
	Timeout *uint64 `mapstructure:"timeout"`
}

// Range is one range entry of a configuration file.
type Range struct {
	Name   string  `mapstructure:"name" validate:"excludes=/"`
	File   string  `mapstructure:"file" validate:"required"`
	Start  uint64  `mapstructure:"start"`
	Length *uint64 `mapstructure:"length"`
	UID    *uint32 `mapstructure:"uid"`
	GID    *uint32 `mapstructure:"gid"`
	Mode   string  `mapstructure:"mode" validate:"omitempty,numeric"`
}

var validate = validator.New()

// LoadFile reads a YAML, TOML or JSON configuration file. Settings can be
// overridden with RANGEFS_ environment variables, e.g. RANGEFS_UID.
func LoadFile(path string) (*File, error) {
	v := viper.New()
	v.SetEnvPrefix("RANGEFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("cannot read config file: %w", err)
	}

	var cfg File
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, formatValidationError(path, err)
	}
	return &cfg, nil
}

func formatValidationError(path string, err error) error {
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s: %s: validation failed on '%s' (value: %v)", path, e.Namespace(), e.Tag(), e.Value())
	}
	return err
}

// Specs converts the configured ranges.
func (f *File) Specs() ([]rangefs.RangeSpec, error) {
	res := make([]rangefs.RangeSpec, 0, len(f.Ranges))
	for i, r := range f.Ranges {
		mode, err := ParseMode(r.Mode)
		if err != nil {
			return nil, fmt.Errorf("ranges[%d]: %w", i, err)
		}
		res = append(res, rangefs.RangeSpec{
			Name:   r.Name,
			Source: r.File,
			Offset: r.Start,
			Length: r.Length,
			UID:    r.UID,
			GID:    r.GID,
			Mode:   mode,
		})
	}
	return res, nil
}

// ParseMode parses an octal permission string. An empty string yields nil.
func ParseMode(s string) (*uint32, error) {
	if s == "" {
		return nil, nil
	}
	m, err := strconv.ParseUint(s, 8, 32)
	if err != nil || m&^0o7777 != 0 {
		return nil, fmt.Errorf("invalid mode %q", s)
	}
	mode := uint32(m)
	return &mode, nil
}
