package repository

import (
	"github.com/jmoiron/sqlx"

	"github.com/taskmill/taskmill/internal/task/repository/sqlite"
)

// Provide creates the repository using separate writer and reader pools.
// The sqlite package speaks both SQLite and PostgreSQL through the dialect
// helpers; the pools decide which driver is in play.
func Provide(writer, reader *sqlx.DB) (*sqlite.Repository, func() error, error) {
	repo, err := sqlite.NewWithDB(writer, reader)
	if err != nil {
		return nil, nil, err
	}
	return repo, repo.Close, nil
}
