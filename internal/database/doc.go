// Package database opens PostgreSQL connection pools for the history store.
package database
