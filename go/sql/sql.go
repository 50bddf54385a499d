// Package sql provides helpers for connecting to the metadata database.
package sql

import "fmt"

// GetConnectionURL returns a full connection URL, e.g.
// "postgresql://root@localhost:5432/nugettrends?sslmode=disable" from a
// connection string fragment and a database name.
func GetConnectionURL(connection, dbName string) string {
	return fmt.Sprintf("%s/%s?sslmode=disable", connection, dbName)
}
