package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// DSN returns the keyword/value connection string for pgx.
func (p Postgres) DSN() string {
	parts := []string{
		"host=" + quoteDSNValue(p.Host),
		"port=" + strconv.Itoa(p.Port),
		"user=" + quoteDSNValue(p.User),
		"dbname=" + quoteDSNValue(p.DBName),
	}
	if p.Password != "" {
		parts = append(parts, "password="+quoteDSNValue(p.Password))
	}
	if p.SSLMode != "" {
		parts = append(parts, "sslmode="+p.SSLMode)
	}
	return strings.Join(parts, " ")
}

// URL returns the postgres:// connection URL. The migration runner and
// some tooling want the URL form rather than the DSN form.
func (p Postgres) URL() string {
	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:   "/" + p.DBName,
	}
	if p.Password != "" {
		u.User = url.UserPassword(p.User, p.Password)
	} else if p.User != "" {
		u.User = url.User(p.User)
	}
	if p.SSLMode != "" {
		q := url.Values{}
		q.Set("sslmode", p.SSLMode)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// quoteDSNValue quotes a keyword/value DSN value when it contains
// characters libpq would misparse.
func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// applyDatabaseURL folds a DATABASE_URL value into the Postgres section.
// An empty value is a no-op.
func (c *Config) applyDatabaseURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("parsing DATABASE_URL: unsupported scheme %q", u.Scheme)
	}

	if h := u.Hostname(); h != "" {
		c.Postgres.Host = h
	}
	if ps := u.Port(); ps != "" {
		port, err := strconv.Atoi(ps)
		if err != nil {
			return fmt.Errorf("parsing DATABASE_URL port: %w", err)
		}
		c.Postgres.Port = port
	}
	if u.User != nil {
		c.Postgres.User = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			c.Postgres.Password = pw
		}
	}
	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		c.Postgres.DBName = db
	}
	if ssl := u.Query().Get("sslmode"); ssl != "" {
		c.Postgres.SSLMode = ssl
	}
	return nil
}
