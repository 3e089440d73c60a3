package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for the sitekit services.
type Config struct {
	LogLevel string
	LogText  bool

	DataDir       string
	SitesDir      string
	DomainSuffix  string
	HostsFilePath string
	LoopbackIP    string

	PortRangeMin  int
	PortRangeMax  int
	ReservedPorts []int

	PHPBinary      string
	MySQLBinary    string
	PostgresBinary string
	MySQLPort      int
	PostgresPort   int
	EngineUser     string
	EnginePassword string

	DockerHost    string
	AppImage      string
	MySQLImage    string
	PostgresImage string

	ProbeAttempts     int
	ProbeInterval     time.Duration
	ProbeInitialDelay time.Duration

	DBConnectAttempts int
	DBConnectBackoff  time.Duration

	ContainerHealthAttempts int
	ContainerHealthInterval time.Duration

	StopTimeout time.Duration
	SetupPath   string
}

// Load constructs a Config from environment variables with local defaults.
func Load() Config {
	home, _ := os.UserHomeDir()
	dataDir := GetString("SITEKIT_DATA_DIR", filepath.Join(home, ".sitekit"))
	return Config{
		LogLevel: GetString("SITEKIT_LOG_LEVEL", "info"),
		LogText:  GetBool("SITEKIT_LOG_TEXT", false),

		DataDir:       dataDir,
		SitesDir:      GetString("SITEKIT_SITES_DIR", filepath.Join(dataDir, "sites")),
		DomainSuffix:  GetString("SITEKIT_DOMAIN_SUFFIX", ".local"),
		HostsFilePath: GetString("SITEKIT_HOSTS_FILE", "/etc/hosts"),
		LoopbackIP:    GetString("SITEKIT_LOOPBACK_IP", "127.0.0.1"),

		PortRangeMin:  GetInt("SITEKIT_PORT_RANGE_MIN", 8000),
		PortRangeMax:  GetInt("SITEKIT_PORT_RANGE_MAX", 8999),
		ReservedPorts: []int{8080, 8443},

		PHPBinary:      GetString("SITEKIT_PHP_BINARY", "php"),
		MySQLBinary:    GetString("SITEKIT_MYSQL_BINARY", "mysqld"),
		PostgresBinary: GetString("SITEKIT_POSTGRES_BINARY", "postgres"),
		MySQLPort:      GetInt("SITEKIT_MYSQL_PORT", 10005),
		PostgresPort:   GetInt("SITEKIT_POSTGRES_PORT", 10006),
		EngineUser:     GetString("SITEKIT_ENGINE_USER", "root"),
		EnginePassword: GetString("SITEKIT_ENGINE_PASSWORD", ""),

		DockerHost:    GetString("SITEKIT_DOCKER_HOST", ""),
		AppImage:      GetString("SITEKIT_APP_IMAGE", "wordpress:php8.2-apache"),
		MySQLImage:    GetString("SITEKIT_MYSQL_IMAGE", "mysql:8.0"),
		PostgresImage: GetString("SITEKIT_POSTGRES_IMAGE", "postgres:16"),

		ProbeAttempts:     GetInt("SITEKIT_PROBE_ATTEMPTS", 10),
		ProbeInterval:     GetDuration("SITEKIT_PROBE_INTERVAL", time.Second),
		ProbeInitialDelay: GetDuration("SITEKIT_PROBE_INITIAL_DELAY", 500*time.Millisecond),

		DBConnectAttempts: GetInt("SITEKIT_DB_CONNECT_ATTEMPTS", 5),
		DBConnectBackoff:  GetDuration("SITEKIT_DB_CONNECT_BACKOFF", 2*time.Second),

		ContainerHealthAttempts: GetInt("SITEKIT_CONTAINER_HEALTH_ATTEMPTS", 30),
		ContainerHealthInterval: GetDuration("SITEKIT_CONTAINER_HEALTH_INTERVAL", time.Second),

		StopTimeout: GetDuration("SITEKIT_STOP_TIMEOUT", 10*time.Second),
		SetupPath:   GetString("SITEKIT_SETUP_PATH", "/wp-admin/install.php?step=2"),
	}
}

// fileConfig is the YAML schema for the optional config file. Pointer fields
// distinguish "absent" from zero; durations are parsed from strings like "2s".
type fileConfig struct {
	LogLevel *string `yaml:"log_level"`
	LogText  *bool   `yaml:"log_text"`

	DataDir       *string `yaml:"data_dir"`
	SitesDir      *string `yaml:"sites_dir"`
	DomainSuffix  *string `yaml:"domain_suffix"`
	HostsFilePath *string `yaml:"hosts_file"`
	LoopbackIP    *string `yaml:"loopback_ip"`

	PortRangeMin  *int  `yaml:"port_range_min"`
	PortRangeMax  *int  `yaml:"port_range_max"`
	ReservedPorts []int `yaml:"reserved_ports"`

	PHPBinary      *string `yaml:"php_binary"`
	MySQLBinary    *string `yaml:"mysql_binary"`
	PostgresBinary *string `yaml:"postgres_binary"`
	MySQLPort      *int    `yaml:"mysql_port"`
	PostgresPort   *int    `yaml:"postgres_port"`
	EngineUser     *string `yaml:"engine_user"`
	EnginePassword *string `yaml:"engine_password"`

	DockerHost    *string `yaml:"docker_host"`
	AppImage      *string `yaml:"app_image"`
	MySQLImage    *string `yaml:"mysql_image"`
	PostgresImage *string `yaml:"postgres_image"`

	ProbeAttempts     *int    `yaml:"probe_attempts"`
	ProbeInterval     *string `yaml:"probe_interval"`
	ProbeInitialDelay *string `yaml:"probe_initial_delay"`

	DBConnectAttempts *int    `yaml:"db_connect_attempts"`
	DBConnectBackoff  *string `yaml:"db_connect_backoff"`

	ContainerHealthAttempts *int    `yaml:"container_health_attempts"`
	ContainerHealthInterval *string `yaml:"container_health_interval"`

	StopTimeout *string `yaml:"stop_timeout"`
	SetupPath   *string `yaml:"setup_path"`
}

// LoadFile overlays values from a YAML file onto cfg. Keys absent from the
// file keep their current values, so env defaults survive a sparse file.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.LogLevel, fc.LogLevel)
	if fc.LogText != nil {
		cfg.LogText = *fc.LogText
	}
	setString(&cfg.DataDir, fc.DataDir)
	setString(&cfg.SitesDir, fc.SitesDir)
	setString(&cfg.DomainSuffix, fc.DomainSuffix)
	setString(&cfg.HostsFilePath, fc.HostsFilePath)
	setString(&cfg.LoopbackIP, fc.LoopbackIP)
	setInt(&cfg.PortRangeMin, fc.PortRangeMin)
	setInt(&cfg.PortRangeMax, fc.PortRangeMax)
	if fc.ReservedPorts != nil {
		cfg.ReservedPorts = fc.ReservedPorts
	}
	setString(&cfg.PHPBinary, fc.PHPBinary)
	setString(&cfg.MySQLBinary, fc.MySQLBinary)
	setString(&cfg.PostgresBinary, fc.PostgresBinary)
	setInt(&cfg.MySQLPort, fc.MySQLPort)
	setInt(&cfg.PostgresPort, fc.PostgresPort)
	setString(&cfg.EngineUser, fc.EngineUser)
	setString(&cfg.EnginePassword, fc.EnginePassword)
	setString(&cfg.DockerHost, fc.DockerHost)
	setString(&cfg.AppImage, fc.AppImage)
	setString(&cfg.MySQLImage, fc.MySQLImage)
	setString(&cfg.PostgresImage, fc.PostgresImage)
	setInt(&cfg.ProbeAttempts, fc.ProbeAttempts)
	setInt(&cfg.DBConnectAttempts, fc.DBConnectAttempts)
	setInt(&cfg.ContainerHealthAttempts, fc.ContainerHealthAttempts)
	setString(&cfg.SetupPath, fc.SetupPath)

	for _, d := range []struct {
		dst *time.Duration
		src *string
	}{
		{&cfg.ProbeInterval, fc.ProbeInterval},
		{&cfg.ProbeInitialDelay, fc.ProbeInitialDelay},
		{&cfg.DBConnectBackoff, fc.DBConnectBackoff},
		{&cfg.ContainerHealthInterval, fc.ContainerHealthInterval},
		{&cfg.StopTimeout, fc.StopTimeout},
	} {
		if err := setDuration(d.dst, d.src); err != nil {
			return fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *string) error {
	if src == nil {
		return nil
	}
	d, err := time.ParseDuration(*src)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
