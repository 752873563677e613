// Command migrate runs goose migrations against the state store's Postgres
// database.
package main

import (
	"database/sql"
	"flag"
	"log"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose"

	"github.com/SirClappington/txgate/internal/config"
)

func main() {
	cmd := "up"
	dir := "migrations"
	flag.StringVar(&cmd, "cmd", "up", "goose command: up, down, status")
	flag.StringVar(&dir, "dir", "migrations", "directory containing goose SQL migrations")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := sql.Open("pgx", cfg.PostgresDSN())
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := goose.Run(cmd, db, dir); err != nil {
		log.Fatalf("goose %s: %v", cmd, err)
	}
}
