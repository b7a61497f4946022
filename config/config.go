package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"seglog/storage/aol"
	"seglog/storage/wal"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Dir    string    `yaml:"dir"`
	WAL    WALConfig `yaml:"wal"`
	Engine Engine    `yaml:"engine"`
}

type WALConfig struct {
	MaxSegmentSize   uint64   `yaml:"max_segment_size"`
	FileMode         FileMode `yaml:"file_mode"`
	DirMode          FileMode `yaml:"dir_mode"`
	Compression      string   `yaml:"compression"`
	CompressionLevel string   `yaml:"compression_level"`
	Extension        string   `yaml:"extension"`
}

// FileMode is an os.FileMode written as an octal string, e.g. "0644".
type FileMode os.FileMode

func (m *FileMode) UnmarshalYAML(value *yaml.Node) error {
	s := strings.TrimPrefix(strings.TrimPrefix(value.Value, "0o"), "0O")

	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return errors.Wrapf(err, "invalid file mode %q", value.Value)
	}
	if v > 0o777 {
		return errors.Errorf("file mode %q has bits outside the permission range", value.Value)
	}

	*m = FileMode(v)
	return nil
}

func (m FileMode) MarshalYAML() (interface{}, error) {
	return fmt.Sprintf("%04o", uint32(m)), nil
}

func Default() Config {
	return Config{
		Dir: "data",
		WAL: WALConfig{
			MaxSegmentSize:   wal.DefaultSegmentSize,
			FileMode:         FileMode(aol.DefaultFileMode),
			DirMode:          FileMode(wal.DefaultDirMode),
			Compression:      aol.CompressionNone.String(),
			CompressionLevel: aol.CompressionBestSpeed.String(),
		},
		Engine: DefaultEngine(),
	}
}

// Load reads a YAML file on top of the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if c.Dir == "" {
		return errors.Wrap(wal.ErrInvalidOptions, "dir must be set")
	}

	opts, err := c.WALOptions()
	if err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	return c.Engine.Validate()
}

// WALOptions converts the configuration into options for wal.Open. The
// engine options are stored in every segment header.
func (c Config) WALOptions() (wal.Options, error) {
	format, err := aol.ParseCompressionFormat(c.WAL.Compression)
	if err != nil {
		return wal.Options{}, errors.Wrap(wal.ErrInvalidOptions, err.Error())
	}

	lvl, err := aol.ParseCompressionLevel(c.WAL.CompressionLevel)
	if err != nil {
		return wal.Options{}, errors.Wrap(wal.ErrInvalidOptions, err.Error())
	}

	return wal.Options{
		MaxSegmentSize:    c.WAL.MaxSegmentSize,
		FileMode:          os.FileMode(c.WAL.FileMode),
		DirMode:           os.FileMode(c.WAL.DirMode),
		CompressionFormat: format,
		CompressionLevel:  lvl,
		Metadata:          c.ToMetadata(),
		Extension:         c.WAL.Extension,
	}, nil
}
