package site

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mbarlow/sitekit/internal/domain"
)

// runtimeConfigName is the configuration file the backend runtime itself
// consumes, written into the site root.
const runtimeConfigName = "site-config.php"

// writeRuntimeConfig regenerates the runtime configuration from the site's
// effective state. Called whenever the provisioned engine or site URL
// changes; the engine written here is the one actually provisioned, not the
// one originally requested.
func writeRuntimeConfig(site *domain.Site) error {
	db := site.Database
	dbHost := db.Path
	if db.Engine.IsServer() {
		dbHost = fmt.Sprintf("%s:%d", db.Host, db.Port)
	}

	var b strings.Builder
	b.WriteString("<?php\n")
	b.WriteString("// Generated by sitekit. Regenerated on engine or URL changes.\n")
	fmt.Fprintf(&b, "define('DB_ENGINE', '%s');\n", db.Engine)
	fmt.Fprintf(&b, "define('DB_HOST', '%s');\n", dbHost)
	fmt.Fprintf(&b, "define('DB_NAME', '%s');\n", db.Name)
	fmt.Fprintf(&b, "define('DB_USER', '%s');\n", db.User)
	fmt.Fprintf(&b, "define('DB_PASSWORD', '%s');\n", db.Password)
	fmt.Fprintf(&b, "define('WP_HOME', '%s');\n", siteURL(site))
	fmt.Fprintf(&b, "define('WP_SITEURL', '%s');\n", siteURL(site))
	b.WriteString("define('WP_DEBUG', false);\n")

	path := filepath.Join(site.Root, runtimeConfigName)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write runtime config: %w", err)
	}
	return nil
}

// siteURL is the canonical URL for the site's current URL mode: the loopback
// address in admin mode, the registered hostname otherwise.
func siteURL(site *domain.Site) string {
	if site.AdminURLs {
		return site.URL()
	}
	return site.DomainURL()
}

// setURLMode toggles the URL mode by rewriting only the URL-bearing defines
// in place. The rest of the file is left untouched, so manual edits to other
// constants survive the toggle.
func setURLMode(site *domain.Site, admin bool) error {
	path := filepath.Join(site.Root, runtimeConfigName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config yet (site never started); nothing to substitute.
			return nil
		}
		return fmt.Errorf("read runtime config: %w", err)
	}

	url := site.DomainURL()
	if admin {
		url = site.URL()
	}
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		for _, key := range []string{"WP_HOME", "WP_SITEURL"} {
			if strings.HasPrefix(trimmed, "define('"+key+"'") {
				lines[i] = fmt.Sprintf("define('%s', '%s');", key, url)
			}
		}
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return fmt.Errorf("rewrite runtime config: %w", err)
	}
	return nil
}
