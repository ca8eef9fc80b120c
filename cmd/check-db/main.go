// Package main is a diagnostic tool for the publishing pipeline's database.
// It connects with the server's configuration and prints the migration state,
// queue depth by mode and status, due schedules, and connections that need
// attention. The binary exits non-zero on any failure so it can gate
// deployments on a reachable, migrated database.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/relaypost/relaypost/internal/config"
	"github.com/relaypost/relaypost/internal/db"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.Connect(cfg.Database.GetDSN(), 2, 1)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer database.Close()
	dbx := sqlx.NewDb(database, "postgres")

	v, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		log.Fatalf("Failed to read migration state: %v", err)
	}
	fmt.Printf("=== SCHEMA ===\nversion=%d dirty=%v\n", v, dirty)
	if dirty {
		log.Fatal("schema is dirty; inspect schema_migrations before restarting the server")
	}

	now := time.Now().UTC()

	fmt.Println("\n=== JOBS ===")
	var jobs []struct {
		Mode   string `db:"mode"`
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	if err := dbx.Select(&jobs, `SELECT mode, status, COUNT(*) AS count FROM publish_jobs GROUP BY mode, status ORDER BY mode, status`); err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found")
	}
	for _, j := range jobs {
		fmt.Printf("%-10s %-10s %d\n", j.Mode, j.Status, j.Count)
	}

	var staleLeases int
	if err := dbx.Get(&staleLeases, `SELECT COUNT(*) FROM publish_jobs WHERE status = 'leased' AND lease_expires_at < $1`, now); err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	fmt.Printf("expired leases awaiting re-lease: %d\n", staleLeases)

	fmt.Println("\n=== SCHEDULES ===")
	var due, active int
	if err := dbx.Get(&active, `SELECT COUNT(*) FROM schedules WHERE active`); err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	if err := dbx.Get(&due, `SELECT COUNT(*) FROM schedules WHERE active AND next_run_at <= $1`, now); err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	fmt.Printf("active=%d due=%d\n", active, due)

	fmt.Println("\n=== CONNECTIONS ===")
	var conns []struct {
		Platform string `db:"platform"`
		Active   int    `db:"active"`
		Inactive int    `db:"inactive"`
		Expiring int    `db:"expiring"`
	}
	err = dbx.Select(&conns, `
		SELECT platform,
		       COUNT(*) FILTER (WHERE active) AS active,
		       COUNT(*) FILTER (WHERE NOT active) AS inactive,
		       COUNT(*) FILTER (WHERE active AND expires_at < $1) AS expiring
		FROM platform_connections
		GROUP BY platform ORDER BY platform`, now.Add(24*time.Hour))
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	for _, c := range conns {
		fmt.Printf("%-10s active=%d inactive=%d expiring_24h=%d\n", c.Platform, c.Active, c.Inactive, c.Expiring)
	}
}
