//go:build ignore

// Seeds a development database with unclassified bank data assets so the
// sweep and review screens have something to work on.
//
//	go run scripts/seed_assets.go -config config.yaml -count 200
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/auditconsole/classify/internal/config"
	"github.com/auditconsole/classify/internal/models"
	"github.com/auditconsole/classify/internal/store"
)

var (
	schemas = []string{"core_banking", "cards", "lending", "treasury", "crm", "reference"}
	columns = []struct {
		name  string
		basis string
	}{
		{"card_number", "4111111111111111"},
		{"cvv", "123"},
		{"account_number", "DE89370400440532013000"},
		{"iban", "GB29NWBK60161331926819"},
		{"customer_name", "Jane Smith"},
		{"customer_phone", "+44 20 7946 0958"},
		{"email_address", "j.smith@example.com"},
		{"date_of_birth", "1984-03-12"},
		{"tax_id", "123-45-6789"},
		{"api_key", "sk_live_51H8"},
		{"branch_code", "0042"},
		{"currency_code", "EUR"},
		{"transaction_amount", "1520.00"},
		{"loan_status", "OPEN"},
		{"created_at", "2024-01-01T00:00:00Z"},
	}
	tables = []string{"accounts", "customers", "transactions", "loan_applications", "card_holders", "fx_rates", "branches"}
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	count := flag.Int("count", 100, "Number of assets to create")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: 2,
		MaxIdleConns: 1,
		QueryTimeout: cfg.Database.QueryTimeout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connecting: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := st.Migrate(ctx, nil); err != nil {
		fmt.Fprintf(os.Stderr, "migrating: %v\n", err)
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	created := map[string]int{}
	for i := 0; i < *count; i++ {
		asset := randomAsset(rng, i)
		if err := st.CreateAsset(ctx, asset); err != nil {
			fmt.Fprintf(os.Stderr, "  creating %s: %v\n", asset.Name, err)
			continue
		}
		created[asset.AssetType]++
		if (i+1)%50 == 0 {
			fmt.Printf("  Created %d/%d assets...\n", i+1, *count)
		}
	}

	fmt.Println("\nSeeded assets:")
	for assetType, n := range created {
		fmt.Printf("  %-10s %d\n", assetType, n)
	}
}

func randomAsset(rng *rand.Rand, n int) *models.DataAsset {
	schema := schemas[rng.Intn(len(schemas))]
	switch {
	case schema == "reference":
		return &models.DataAsset{
			Name:      fmt.Sprintf("%s.%s_%d", schema, tables[rng.Intn(len(tables))], n),
			AssetType: "REFERENCE",
		}
	case rng.Intn(4) == 0:
		return &models.DataAsset{
			Name:      fmt.Sprintf("%s.%s_%d", schema, tables[rng.Intn(len(tables))], n),
			AssetType: "TABLE",
		}
	default:
		col := columns[rng.Intn(len(columns))]
		return &models.DataAsset{
			Name:                fmt.Sprintf("%s_%d", col.name, n),
			AssetType:           "COLUMN",
			ClassificationBasis: col.basis,
		}
	}
}
