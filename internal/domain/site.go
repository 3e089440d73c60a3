package domain

import (
	"fmt"
	"time"
)

// Status is a site's lifecycle state. Transitions are written only by the
// orchestrator's transition function and persisted immediately.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// BackendKind selects the execution strategy serving a site.
type BackendKind string

const (
	BackendNative    BackendKind = "native"
	BackendContainer BackendKind = "container"
)

// EngineKind identifies the database engine backing a site.
type EngineKind string

const (
	EngineMySQL    EngineKind = "mysql"
	EnginePostgres EngineKind = "postgres"
	EngineSQLite   EngineKind = "sqlite"
)

// IsServer reports whether the engine is a server process (as opposed to the
// embedded file-based engine).
func (e EngineKind) IsServer() bool {
	return e == EngineMySQL || e == EnginePostgres
}

// DefaultPort returns the engine's canonical listening port, 0 for
// file-based engines.
func (e EngineKind) DefaultPort() int {
	switch e {
	case EngineMySQL:
		return 3306
	case EnginePostgres:
		return 5432
	}
	return 0
}

// AdminCredentials holds the installed application's admin account.
type AdminCredentials struct {
	User     string `json:"user"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

// Database describes the effective database provisioned for a site. Engine
// reflects what was actually provisioned, which may differ from the request
// when the provisioner downgraded to the file-based engine.
type Database struct {
	Engine        EngineKind `json:"engine"`
	EngineVersion string     `json:"engineVersion,omitempty"`
	Host          string     `json:"host,omitempty"`
	Port          int        `json:"port,omitempty"`
	Name          string     `json:"name"`
	User          string     `json:"user,omitempty"`
	Password      string     `json:"password,omitempty"`
	Path          string     `json:"path,omitempty"`
}

// Site is the persisted record for one provisioned environment. Exactly one
// backend instance may be associated with a running site, and its port is
// unique among all sites that are not stopped.
type Site struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Title      string           `json:"title,omitempty"`
	Domain     string           `json:"domain"`
	Root       string           `json:"root"`
	Port       int              `json:"port"`
	PHPVersion string           `json:"phpVersion,omitempty"`
	AppVersion string           `json:"appVersion,omitempty"`
	Backend    BackendKind      `json:"backend"`
	Database   Database         `json:"database"`
	Status     Status           `json:"status"`
	Admin      AdminCredentials `json:"admin"`
	Installed  bool             `json:"installed"`
	AdminURLs  bool             `json:"adminUrls,omitempty"`
	LastError  string           `json:"lastError,omitempty"`
	Notice     string           `json:"notice,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	AccessedAt time.Time        `json:"accessedAt,omitempty"`
}

// URL returns the loopback URL the site's backend listens on.
func (s *Site) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.Port)
}

// DomainURL returns the URL for the site's configured hostname.
func (s *Site) DomainURL() string {
	return "http://" + s.Domain
}

// CreateRequest is a declarative request for a new site.
type CreateRequest struct {
	Name          string
	Domain        string
	PHPVersion    string
	AppVersion    string
	Backend       BackendKind
	Engine        EngineKind
	EngineVersion string
	Title         string
	Admin         AdminCredentials
}
