// Package config loads takeover settings from flags, TAKEOVER_* environment
// variables and an optional takeover.yaml.
package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
	"github.com/takeover-io/takeover/pkg/bootchain"
	"github.com/takeover-io/takeover/pkg/checksum"
	"github.com/takeover-io/takeover/pkg/security"
	"github.com/takeover-io/takeover/pkg/state"
)

// Boot loader kinds
const (
	BootLoaderGrub  = "grub"
	BootLoaderRaspi = "raspi"
	BootLoaderNone  = "none"
)

// Config holds all application configuration
type Config struct {
	// Migration plan
	TargetDevice       string   `mapstructure:"target-device"`
	ImagePath          string   `mapstructure:"image-path"`
	ImageDigest        string   `mapstructure:"image-digest"`
	BackupPaths        []string `mapstructure:"backup-paths"`
	PreservePartitions []string `mapstructure:"preserve-partitions"`
	BootChainMode      string   `mapstructure:"boot-chain-mode"`

	// Directories that must survive the rewrite
	StateDir string `mapstructure:"state-dir"`
	WorkDir  string `mapstructure:"work-dir"`

	// Boot chain
	BootLoader            string        `mapstructure:"boot-loader"`
	BootDir               string        `mapstructure:"boot-dir"`
	GrubDir               string        `mapstructure:"grub-dir"`
	Stage2Kernel          string        `mapstructure:"stage2-kernel"`
	Stage2KernelDigest    string        `mapstructure:"stage2-kernel-digest"`
	Stage2Initramfs       string        `mapstructure:"stage2-initramfs"`
	Stage2InitramfsDigest string        `mapstructure:"stage2-initramfs-digest"`
	Stage2Cmdline         string        `mapstructure:"stage2-cmdline"`
	RebootDelay           time.Duration `mapstructure:"reboot-delay"`

	// Stage 2 restore and finalize
	RestorePartitionLabel string `mapstructure:"restore-partition-label"`
	RestoreSubdir         string `mapstructure:"restore-subdir"`
	BootPartitionLabel    string `mapstructure:"boot-partition-label"`
	TargetConfig          string `mapstructure:"target-config"`
	TargetConfigDigest    string `mapstructure:"target-config-digest"`

	// S3 image source
	S3Region    string `mapstructure:"s3-region"`
	S3Anonymous bool   `mapstructure:"s3-anonymous"`
	S3Endpoint  string `mapstructure:"s3-endpoint"`

	// Security limits
	MaxFileSize         int64   `mapstructure:"max-file-size"`
	MaxTotalSize        int64   `mapstructure:"max-total-size"`
	MaxCompressionRatio float64 `mapstructure:"max-compression-ratio"`

	DigestAlgorithm string `mapstructure:"digest-algorithm"`
	FSMMaxRetries   int    `mapstructure:"fsm-max-retries"`
	LogLevel        string `mapstructure:"log-level"`
	Pretend         bool   `mapstructure:"pretend"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults; every key needs one so AutomaticEnv sees it on Unmarshal
	for _, key := range []string{
		"target-device", "image-path", "image-digest",
		"stage2-kernel", "stage2-kernel-digest", "stage2-initramfs", "stage2-initramfs-digest",
		"restore-partition-label", "boot-partition-label", "target-config", "target-config-digest",
		"s3-endpoint",
	} {
		viper.SetDefault(key, "")
	}
	viper.SetDefault("backup-paths", []string{})
	viper.SetDefault("preserve-partitions", []string{})
	viper.SetDefault("pretend", false)
	viper.SetDefault("boot-chain-mode", string(bootchain.Direct))
	viper.SetDefault("state-dir", "/var/lib/takeover")
	viper.SetDefault("work-dir", "")
	viper.SetDefault("boot-loader", BootLoaderGrub)
	viper.SetDefault("boot-dir", "/boot")
	viper.SetDefault("grub-dir", "/etc/grub.d")
	viper.SetDefault("stage2-cmdline", "console=tty1 takeover.stage=2")
	viper.SetDefault("reboot-delay", 5*time.Second)
	viper.SetDefault("restore-subdir", "")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("s3-anonymous", true)
	viper.SetDefault("max-file-size", 2*1024*1024*1024)
	viper.SetDefault("max-total-size", 20*1024*1024*1024)
	viper.SetDefault("max-compression-ratio", 100.0)
	viper.SetDefault("digest-algorithm", string(checksum.DefaultAlgorithm))
	viper.SetDefault("fsm-max-retries", 3)
	viper.SetDefault("log-level", "info")

	// Environment variables (TAKEOVER_TARGET_DEVICE, etc.)
	viper.SetEnvPrefix("TAKEOVER")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("takeover")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/takeover")
	viper.AddConfigPath(filepath.Join(xdg.ConfigHome, "takeover"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		slog.Debug("config_file_loaded", "path", viper.ConfigFileUsed())
	}

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.WorkDir == "" && cfg.StateDir != "" {
		cfg.WorkDir = filepath.Join(cfg.StateDir, "work")
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state-dir cannot be empty")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work-dir cannot be empty")
	}
	if _, err := bootchain.ParseMode(c.BootChainMode); err != nil {
		return err
	}
	if !slices.Contains([]string{BootLoaderGrub, BootLoaderRaspi, BootLoaderNone}, c.BootLoader) {
		return fmt.Errorf("boot-loader must be %s, %s or %s", BootLoaderGrub, BootLoaderRaspi, BootLoaderNone)
	}
	if _, err := checksum.Algorithm(c.DigestAlgorithm).New(); err != nil {
		return fmt.Errorf("digest-algorithm: %w", err)
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive")
	}
	if c.MaxTotalSize <= 0 {
		return fmt.Errorf("max-total-size must be positive")
	}
	if c.MaxCompressionRatio <= 0 {
		return fmt.Errorf("max-compression-ratio must be positive")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	if c.RebootDelay < 0 {
		return fmt.Errorf("reboot-delay must be non-negative")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ValidatePlan checks the settings a new migration needs on top of Validate.
func (c *Config) ValidatePlan() error {
	if c.TargetDevice == "" {
		return fmt.Errorf("target-device cannot be empty")
	}
	if c.ImagePath == "" {
		return fmt.Errorf("image-path cannot be empty")
	}
	if c.ImageDigest == "" {
		return fmt.Errorf("image-digest cannot be empty")
	}
	if len(c.BackupPaths) > 0 && c.RestorePartitionLabel == "" {
		return fmt.Errorf("restore-partition-label is required when backup-paths are set")
	}
	if c.TargetConfig != "" && c.BootPartitionLabel == "" {
		return fmt.Errorf("boot-partition-label is required when target-config is set")
	}
	if c.BootLoader != BootLoaderNone && (c.Stage2Kernel == "" || c.Stage2Initramfs == "") {
		return fmt.Errorf("stage2-kernel and stage2-initramfs are required with boot-loader %s", c.BootLoader)
	}
	for _, p := range c.BackupPaths {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("backup path %q must be absolute", p)
		}
	}
	_, err := c.Plan()
	if err == nil {
		_, err = c.EntryPoint()
	}
	return err
}

// Plan builds the request that seeds a new migration.
func (c *Config) Plan() (state.Plan, error) {
	imageDigest, err := checksum.ParseDigest(c.ImageDigest)
	if err != nil {
		return state.Plan{}, fmt.Errorf("image-digest: %w", err)
	}
	configDigest, err := optionalDigest("target-config-digest", c.TargetConfigDigest)
	if err != nil {
		return state.Plan{}, err
	}
	return state.Plan{
		TargetDevice:          c.TargetDevice,
		ImagePath:             c.ImagePath,
		ImageDigest:           imageDigest,
		BackupPaths:           c.BackupPaths,
		PreservePartitions:    c.PreservePartitions,
		BootChainMode:         c.BootChainMode,
		WorkDir:               c.WorkDir,
		RestorePartitionLabel: c.RestorePartitionLabel,
		RestoreSubdir:         c.RestoreSubdir,
		BootPartitionLabel:    c.BootPartitionLabel,
		TargetConfigPath:      c.TargetConfig,
		TargetConfigDigest:    configDigest,
	}, nil
}

// EntryPoint describes the stage 2 kernel and initramfs.
func (c *Config) EntryPoint() (bootchain.EntryPoint, error) {
	kd, err := optionalDigest("stage2-kernel-digest", c.Stage2KernelDigest)
	if err != nil {
		return bootchain.EntryPoint{}, err
	}
	id, err := optionalDigest("stage2-initramfs-digest", c.Stage2InitramfsDigest)
	if err != nil {
		return bootchain.EntryPoint{}, err
	}
	return bootchain.EntryPoint{
		Kernel:          c.Stage2Kernel,
		KernelDigest:    kd,
		Initramfs:       c.Stage2Initramfs,
		InitramfsDigest: id,
		Cmdline:         c.Stage2Cmdline,
	}, nil
}

// Limits bounds archive extraction during restore.
func (c *Config) Limits() security.Limits {
	return security.Limits{
		MaxFileSize:         c.MaxFileSize,
		MaxTotalSize:        c.MaxTotalSize,
		MaxCompressionRatio: c.MaxCompressionRatio,
	}
}

// ParseLogLevel maps debug, info, warn and error onto slog levels.
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log-level: %w", err)
	}
	return level, nil
}

func optionalDigest(key, s string) (checksum.Digest, error) {
	if s == "" {
		return checksum.Digest{}, nil
	}
	d, err := checksum.ParseDigest(s)
	if err != nil {
		return checksum.Digest{}, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
