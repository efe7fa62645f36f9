package models

import "github.com/shopspring/decimal"

// DemoProduct is a catalog entry created for local runs
type DemoProduct struct {
	Name  string
	Price decimal.Decimal
}

// DemoCatalog is seeded by cmd/migrate -seed and by the in-memory server
var DemoCatalog = []DemoProduct{
	{Name: "Sticker pack", Price: decimal.RequireFromString("4.99")},
	{Name: "Poster", Price: decimal.RequireFromString("12.50")},
	{Name: "Soundtrack", Price: decimal.RequireFromString("9.99")},
	{Name: "Art book", Price: decimal.RequireFromString("24.00")},
}
