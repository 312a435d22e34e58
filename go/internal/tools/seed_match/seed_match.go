package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/irfan38431/nerf-showdown/go/internal/dbconfig"
	"github.com/irfan38431/nerf-showdown/go/internal/match"
	"github.com/irfan38431/nerf-showdown/go/internal/syncchan"
)

// seed_match writes a fresh match document straight into Postgres. Connected
// scoreboards pick it up through the table's notify trigger.
//
//	go run ./go/internal/tools/seed_match [2v2|3v3]
func main() {
	mode := match.ModeTwoVTwo
	if len(os.Args) > 1 {
		m, err := match.ParseMode(os.Args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(2)
		}
		mode = m
	}

	key := os.Getenv("MATCH_KEY")
	if key == "" {
		key = syncchan.DefaultKey
	}

	// 1) Build the document body
	state := match.Default()
	state = match.ModeSwitch(mode).Apply(state)
	body, err := json.Marshal(state)
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal state: %v\n", err)
		os.Exit(1)
	}

	// 2) Connect using shared dbconfig
	cfg := dbconfig.NewConfigFromEnv()
	pool, err := pgxpool.New(context.Background(), cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	// 3) Upsert, bumping the version so subscribers treat it as new
	var version int64
	err = pool.QueryRow(context.Background(), `
        INSERT INTO scoreboard_documents (key, version, body, updated_at)
        VALUES ($1, 1, $2::jsonb, now())
        ON CONFLICT (key) DO UPDATE
          SET version = scoreboard_documents.version + 1,
              body = EXCLUDED.body,
              updated_at = now()
        RETURNING version
    `, key, string(body)).Scan(&version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "upsert match %s: %v\n", key, err)
		os.Exit(1)
	}

	fmt.Printf("Match %s reset to %s at version %d\n", key, mode, version)
}
