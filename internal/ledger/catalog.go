package ledger

// DefaultCatalog is the built-in package list. The Postgres migration seeds the same rows.
func DefaultCatalog() []Package {
	return []Package{
		{ID: "coins-100", Name: "Handful of Coins", PriceUSD: 0.99, Coins: 100},
		{ID: "coins-550", Name: "Pouch of Coins", PriceUSD: 4.99, Coins: 550},
		{ID: "coins-1200", Name: "Chest of Coins", PriceUSD: 9.99, Coins: 1200},
		{ID: "coins-6500", Name: "Vault of Coins", PriceUSD: 49.99, Coins: 6500},
	}
}
