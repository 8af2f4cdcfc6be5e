package app

import "github.com/conservehq/conserve/internal/database"

// DatabaseOptions converts DatabaseConfig into connection options.
func (c DatabaseConfig) DatabaseOptions() database.Config {
	return database.Config{
		Driver:   c.Driver,
		Path:     c.Path,
		DSN:      c.DSN,
		Host:     c.Host,
		Port:     c.Port,
		User:     c.User,
		Password: c.Password,
		Name:     c.Name,
	}
}
