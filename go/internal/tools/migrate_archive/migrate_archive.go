package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mcdev12/scoresync/go/internal/dbconfig"
	"github.com/mcdev12/scoresync/go/internal/gateway/db"
)

// Creates the relay archive table. With an argument such as "24h" it also
// deletes archives not updated within that window.
func main() {
	ctx := context.Background()

	var retention time.Duration
	if len(os.Args) > 1 {
		d, err := time.ParseDuration(os.Args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid retention %q: %v\n", os.Args[1], err)
			os.Exit(2)
		}
		retention = d
	}

	// 1) Connect using shared dbconfig
	cfg := dbconfig.NewConfigFromEnv()
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	// 2) Apply the schema one statement at a time
	for _, stmt := range strings.Split(db.Schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			fmt.Fprintf(os.Stderr, "apply schema: %v\n", err)
			os.Exit(1)
		}
	}

	// 3) Optionally prune
	var pruned int64
	if retention > 0 {
		tag, err := pool.Exec(ctx, `DELETE FROM room_snapshots WHERE updated_at < $1`, time.Now().Add(-retention))
		if err != nil {
			fmt.Fprintf(os.Stderr, "prune archives: %v\n", err)
			os.Exit(1)
		}
		pruned = tag.RowsAffected()
	}

	var rooms int64
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM room_snapshots`).Scan(&rooms); err != nil {
		fmt.Fprintf(os.Stderr, "count archives: %v\n", err)
		os.Exit(1)
	}

	// 4) Print summary
	fmt.Printf("Archive migration complete: %d rooms archived, %d pruned\n", rooms, pruned)
}
