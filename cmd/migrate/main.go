package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"pishop.app/internal/migrate"
	"pishop.app/internal/store/pg/migrations"
)

func main() {
	log.SetFlags(0)
	var (
		dsn     = flag.String("dsn", os.Getenv("PISHOP_PG_DSN"), "PostgreSQL DSN")
		verbose = flag.Bool("v", false, "Print each applied migration")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or PISHOP_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, migrations.FS, migrate.WithVerbose(*verbose))

	switch flag.Arg(0) {
	case "up":
		var applied []migrate.Applied
		applied, err = mgr.Up(ctx)
		for _, a := range applied {
			fmt.Printf("applied %05d %s (%s)\n", a.Version, a.Path, a.Duration)
		}
	case "down":
		var a migrate.Applied
		a, err = mgr.Down(ctx)
		if err == nil {
			fmt.Printf("rolled back %05d %s\n", a.Version, a.Path)
		}
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
