package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"purchase-service/config"
	"purchase-service/internal/store"
)

const defaultTimeout = 30 * time.Second

func main() {
	var (
		dsn  string
		seed bool
	)

	flag.StringVar(&dsn, "dsn", "", "PostgreSQL DSN (fallback: DATABASE_URL)")
	flag.BoolVar(&seed, "seed", false, "create a demo user and catalog after applying the schema")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fail("load config: %v", err)
	}
	if strings.TrimSpace(dsn) == "" {
		dsn = cfg.Database.URL
	}

	isolation, err := store.ParseIsolation(cfg.Database.Isolation)
	if err != nil {
		fail("invalid isolation level: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	db, err := store.NewStore(dsn, isolation)
	if err != nil {
		fail("open postgres store: %v", err)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		fail("apply schema failed: %v", err)
	}
	fmt.Println("schema ok")

	if !seed {
		return
	}

	user, products, err := db.SeedDemo(ctx, cfg.Business.DefaultBalance)
	if err != nil {
		fail("seed failed: %v", err)
	}
	fmt.Printf("seeded user: id=%d balance=%s\n", user.ID, user.Balance.StringFixed(cfg.Business.CurrencyScale))
	for _, product := range products {
		fmt.Printf("seeded product: id=%d name=%q price=%s\n", product.ID, product.Name, product.Price.StringFixed(cfg.Business.CurrencyScale))
	}
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
