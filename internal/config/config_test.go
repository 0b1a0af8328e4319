package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/takeover-io/takeover/pkg/checksum"
)

const sha1Digest = "sha1:2fd4e1c67a2d28fced849ee1bb76e7391b93eb12"

func loadIn(t *testing.T, dir string) *Config {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load()
	require.NoError(t, err)
	return cfg
}

func validConfig() *Config {
	return &Config{
		TargetDevice:          "/dev/sda",
		ImagePath:             "s3://images/os.img.xz",
		ImageDigest:           sha1Digest,
		BackupPaths:           []string{"/etc/hostname"},
		BootChainMode:         "direct",
		StateDir:              "/mnt/data/takeover",
		WorkDir:               "/mnt/data/takeover/work",
		BootLoader:            BootLoaderGrub,
		Stage2Kernel:          "/boot/vmlinuz",
		Stage2Initramfs:       "/boot/initrd.img",
		RestorePartitionLabel: "rootfs",
		MaxFileSize:           1 << 20,
		MaxTotalSize:          1 << 30,
		MaxCompressionRatio:   100,
		DigestAlgorithm:       "sha1",
		FSMMaxRetries:         3,
		LogLevel:              "info",
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg := loadIn(t, t.TempDir())

	assert.Equal(t, "/var/lib/takeover", cfg.StateDir)
	assert.Equal(t, "/var/lib/takeover/work", cfg.WorkDir)
	assert.Equal(t, "direct", cfg.BootChainMode)
	assert.Equal(t, BootLoaderGrub, cfg.BootLoader)
	assert.Equal(t, 5*time.Second, cfg.RebootDelay)
	assert.Equal(t, "us-east-1", cfg.S3Region)
	assert.True(t, cfg.S3Anonymous)
	assert.Equal(t, "sha1", cfg.DigestAlgorithm)
	assert.Equal(t, 3, cfg.FSMMaxRetries)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	body := `target-device: /dev/mmcblk0
image-path: /srv/os.img
image-digest: ` + sha1Digest + `
backup-paths:
  - /etc/hostname
  - /home/pi
boot-loader: raspi
state-dir: /data/state
reboot-delay: 1s
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "takeover.yaml"), []byte(body), 0o644))

	cfg := loadIn(t, dir)
	assert.Equal(t, "/dev/mmcblk0", cfg.TargetDevice)
	assert.Equal(t, []string{"/etc/hostname", "/home/pi"}, cfg.BackupPaths)
	assert.Equal(t, BootLoaderRaspi, cfg.BootLoader)
	assert.Equal(t, "/data/state/work", cfg.WorkDir)
	assert.Equal(t, time.Second, cfg.RebootDelay)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("TAKEOVER_TARGET_DEVICE", "/dev/nvme0n1")
	t.Setenv("TAKEOVER_WORK_DIR", "/scratch")

	cfg := loadIn(t, t.TempDir())
	assert.Equal(t, "/dev/nvme0n1", cfg.TargetDevice)
	assert.Equal(t, "/scratch", cfg.WorkDir)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"no state dir", func(c *Config) { c.StateDir = "" }, "state-dir"},
		{"bad mode", func(c *Config) { c.BootChainMode = "sideways" }, "sideways"},
		{"bad loader", func(c *Config) { c.BootLoader = "lilo" }, "boot-loader"},
		{"bad algorithm", func(c *Config) { c.DigestAlgorithm = "crc32" }, "digest-algorithm"},
		{"zero limit", func(c *Config) { c.MaxTotalSize = 0 }, "max-total-size"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log-level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidatePlan(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"no device", func(c *Config) { c.TargetDevice = "" }, "target-device"},
		{"no digest", func(c *Config) { c.ImageDigest = "" }, "image-digest"},
		{"malformed digest", func(c *Config) { c.ImageDigest = "sha1:xyz" }, "image-digest"},
		{"backup without label", func(c *Config) { c.RestorePartitionLabel = "" }, "restore-partition-label"},
		{"relative backup path", func(c *Config) { c.BackupPaths = []string{"etc"} }, "absolute"},
		{"config without boot label", func(c *Config) { c.TargetConfig = "/srv/cfg" }, "boot-partition-label"},
		{"no kernel", func(c *Config) { c.Stage2Kernel = "" }, "stage2-kernel"},
		{"no kernel without loader", func(c *Config) {
			c.Stage2Kernel = ""
			c.BootLoader = BootLoaderNone
		}, ""},
		{"bad kernel digest", func(c *Config) { c.Stage2KernelDigest = "md5:zz" }, "stage2-kernel-digest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.ValidatePlan()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPlan(t *testing.T) {
	cfg := validConfig()
	cfg.PreservePartitions = []string{"data"}
	cfg.BootPartitionLabel = "boot"
	cfg.TargetConfig = "/srv/config.txt"
	cfg.TargetConfigDigest = sha1Digest

	plan, err := cfg.Plan()
	require.NoError(t, err)
	assert.Equal(t, "/dev/sda", plan.TargetDevice)
	assert.Equal(t, checksum.SHA1, plan.ImageDigest.Algorithm)
	assert.Equal(t, []string{"data"}, plan.PreservePartitions)
	assert.Equal(t, "/srv/config.txt", plan.TargetConfigPath)
	assert.False(t, plan.TargetConfigDigest.IsZero())
	assert.Equal(t, cfg.WorkDir, plan.WorkDir)
}

func TestEntryPoint(t *testing.T) {
	cfg := validConfig()
	cfg.Stage2Cmdline = "console=ttyS0"
	cfg.Stage2KernelDigest = sha1Digest

	entry, err := cfg.EntryPoint()
	require.NoError(t, err)
	assert.Equal(t, "/boot/vmlinuz", entry.Kernel)
	assert.False(t, entry.KernelDigest.IsZero())
	assert.True(t, entry.InitramfsDigest.IsZero())
	assert.Equal(t, "console=ttyS0", entry.Cmdline)
}

func TestLimitsAndLogLevel(t *testing.T) {
	cfg := validConfig()
	limits := cfg.Limits()
	assert.Equal(t, int64(1<<20), limits.MaxFileSize)
	assert.Equal(t, 100.0, limits.MaxCompressionRatio)

	level, err := ParseLogLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)
}
