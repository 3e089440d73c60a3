// Package hosts is the hostname registration collaborator. Registration is
// best-effort everywhere it is used: a failure here must never abort site
// creation or deletion.
package hosts

import (
	"fmt"
	"os"
	"strings"
)

// Registrar adds and removes hostname entries for sites. Implementations
// must be idempotent.
type Registrar interface {
	AddEntry(siteID, hostname, ip string) error
	RemoveEntriesForSite(siteID string) error
}

// Noop ignores all registrations. Used when hosts editing is disabled.
type Noop struct{}

func (Noop) AddEntry(string, string, string) error { return nil }
func (Noop) RemoveEntriesForSite(string) error     { return nil }

// File edits a hosts-format file, tagging each managed line with a marker
// comment carrying the owning site id so removal never touches foreign lines.
type File struct {
	path string
}

// NewFile returns a Registrar editing the hosts file at path.
func NewFile(path string) *File {
	return &File{path: path}
}

func marker(siteID string) string {
	return "# sitekit:" + siteID
}

// AddEntry appends "<ip> <hostname> # sitekit:<siteID>" unless an identical
// managed entry already exists.
func (f *File) AddEntry(siteID, hostname, ip string) error {
	lines, err := f.readLines()
	if err != nil {
		return err
	}
	entry := fmt.Sprintf("%s\t%s\t%s", ip, hostname, marker(siteID))
	for _, line := range lines {
		if strings.TrimSpace(line) == entry {
			return nil
		}
	}
	lines = append(lines, entry)
	return f.writeLines(lines)
}

// RemoveEntriesForSite drops every line tagged with the site's marker.
func (f *File) RemoveEntriesForSite(siteID string) error {
	lines, err := f.readLines()
	if err != nil {
		return err
	}
	tag := marker(siteID)
	kept := lines[:0]
	removed := false
	for _, line := range lines {
		if strings.HasSuffix(strings.TrimSpace(line), tag) {
			removed = true
			continue
		}
		kept = append(kept, line)
	}
	if !removed {
		return nil
	}
	return f.writeLines(kept)
}

func (f *File) readLines() ([]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("hosts: read %s: %w", f.path, err)
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n"), nil
}

func (f *File) writeLines(lines []string) error {
	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(f.path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("hosts: write %s: %w", f.path, err)
	}
	return nil
}
