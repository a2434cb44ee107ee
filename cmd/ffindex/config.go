package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/goccy/go-yaml"

	"github.com/zsiec/ffindex"
	"github.com/zsiec/ffindex/indexer"
	"github.com/zsiec/ffindex/media"
	"github.com/zsiec/ffindex/seek"
)

// config is the optional YAML file given with --config. Flags override
// it and FFINDEX_* environment variables override both.
type config struct {
	// CacheDir holds index files; empty keeps them next to the source.
	CacheDir           string `yaml:"cache_dir"`
	Source             string `yaml:"source"`
	IgnoreDecodeErrors bool   `yaml:"ignore_decode_errors"`
	AudioPattern       string `yaml:"audio_pattern"`
	SeekMode           string `yaml:"seek_mode"`
	Threads            int    `yaml:"threads"`
	// Jobs is how many files the index command works on at once.
	Jobs int `yaml:"jobs"`
}

func defaultConfig() config {
	return config{
		Source:       "default",
		AudioPattern: indexer.DefaultAudioPattern,
		SeekMode:     seek.Normal.String(),
		Jobs:         runtime.NumCPU(),
	}
}

// loadConfig reads path over the defaults. A missing file is only an
// error when the path was given explicitly.
func loadConfig(path string, explicit bool) (config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist) && !explicit:
		default:
			return cfg, fmt.Errorf("config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func (c *config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("FFINDEX_CACHE_DIR"); ok {
		c.CacheDir = v
	}
	if v, ok := lookup("FFINDEX_SOURCE"); ok {
		c.Source = v
	}
	if v, ok := lookup("FFINDEX_SEEK_MODE"); ok {
		c.SeekMode = v
	}
	if v, ok := lookup("FFINDEX_AUDIO_PATTERN"); ok {
		c.AudioPattern = v
	}
	if v, ok := lookup("FFINDEX_IGNORE_DECODE_ERRORS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FFINDEX_IGNORE_DECODE_ERRORS: %w", err)
		}
		c.IgnoreDecodeErrors = b
	}
	for name, dst := range map[string]*int{"FFINDEX_THREADS": &c.Threads, "FFINDEX_JOBS": &c.Jobs} {
		v, ok := lookup(name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
	}
	return nil
}

func (c config) validate() error {
	if _, err := media.ParseSourceKind(c.Source); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := seek.ParseMode(c.SeekMode); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Jobs < 1 {
		return fmt.Errorf("config: jobs must be at least 1, got %d", c.Jobs)
	}
	if c.Threads < 0 {
		return fmt.Errorf("config: threads must not be negative, got %d", c.Threads)
	}
	return nil
}

func (c config) sourceKind() media.SourceKind {
	k, _ := media.ParseSourceKind(c.Source)
	return k
}

func (c config) seekMode() seek.Mode {
	m, _ := seek.ParseMode(c.SeekMode)
	return m
}

// cachePath is where the index of the media file at path lives.
func (c config) cachePath(path string) string {
	if c.CacheDir == "" {
		return ffindex.DefaultCachePath(path)
	}
	return filepath.Join(c.CacheDir, filepath.Base(ffindex.DefaultCachePath(path)))
}
