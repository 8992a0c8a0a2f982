package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/MarkoPoloResearchLab/rewards/pkg/mall"
)

func TestDefaultCatalogContents(test *testing.T) {
	test.Parallel()
	static := NewDefault()
	items, err := static.Items(context.Background())
	if err != nil {
		test.Fatalf("items failed: %v", err)
	}
	if len(items) != 6 {
		test.Fatalf("expected 6 default items, got %d", len(items))
	}
	voucher, found, err := static.Item(context.Background(), "coffee_voucher")
	if err != nil || !found {
		test.Fatalf("coffee_voucher missing: found=%v err=%v", found, err)
	}
	if voucher.PointsCost != 25 || !voucher.Available {
		test.Fatalf("unexpected coffee_voucher: %+v", voucher)
	}
	if _, found, _ := static.Item(context.Background(), "unknown"); found {
		test.Fatalf("unknown item reported as found")
	}
}

func TestLoadReadsCatalogFile(test *testing.T) {
	test.Parallel()
	path := filepath.Join(test.TempDir(), "catalog.json")
	payload := `{"items": [
		{"id": "mug", "name": "Team Mug", "points_cost": 12.5, "category": "office", "stock": 5, "available": true},
		{"id": "sticker", "name": "Sticker Pack", "points_cost": 2, "category": "office", "stock": 100, "available": false}
	]}`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		test.Fatalf("write catalog file: %v", err)
	}
	static, err := Load(path)
	if err != nil {
		test.Fatalf("load failed: %v", err)
	}
	mug, found, err := static.Item(context.Background(), "mug")
	if err != nil || !found {
		test.Fatalf("mug missing: found=%v err=%v", found, err)
	}
	if mug.PointsCost != 12.5 || mug.Stock != 5 {
		test.Fatalf("unexpected mug: %+v", mug)
	}
	sticker, _, _ := static.Item(context.Background(), "sticker")
	if sticker.Available {
		test.Fatalf("sticker should be unavailable")
	}
}

func TestLoadReadsYAMLCatalogFile(test *testing.T) {
	test.Parallel()
	path := filepath.Join(test.TempDir(), "catalog.yaml")
	payload := `items:
  - id: mug
    name: Team Mug
    points_cost: 12.5
    category: office
    stock: 5
    available: true
`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		test.Fatalf("write catalog file: %v", err)
	}
	static, err := Load(path)
	if err != nil {
		test.Fatalf("load failed: %v", err)
	}
	mug, found, err := static.Item(context.Background(), "mug")
	if err != nil || !found {
		test.Fatalf("mug missing: found=%v err=%v", found, err)
	}
	if mug.PointsCost != 12.5 || mug.Category != "office" {
		test.Fatalf("unexpected mug: %+v", mug)
	}
}

func TestLoadEmptyPathFallsBackToDefault(test *testing.T) {
	test.Parallel()
	static, err := Load("")
	if err != nil {
		test.Fatalf("load failed: %v", err)
	}
	items, err := static.Items(context.Background())
	if err != nil {
		test.Fatalf("items failed: %v", err)
	}
	if len(items) != 6 {
		test.Fatalf("expected default catalog, got %d items", len(items))
	}
}

func TestNewStaticRejectsDuplicatesAndMissingIDs(test *testing.T) {
	test.Parallel()
	defaults := defaultItems()
	if _, err := NewStatic(append(defaults, defaults[0])); err == nil {
		test.Fatalf("duplicate id accepted")
	}
	invalid := defaults[0]
	invalid.ID = ""
	if _, err := NewStatic([]mall.Item{invalid}); err == nil {
		test.Fatalf("missing id accepted")
	}
}

func TestItemsByCategoryGroupsAndSorts(test *testing.T) {
	test.Parallel()
	static := NewDefault()
	groups, categories, err := static.ItemsByCategory(context.Background())
	if err != nil {
		test.Fatalf("grouping failed: %v", err)
	}
	if len(categories) != 5 {
		test.Fatalf("expected 5 categories, got %v", categories)
	}
	if categories[0] != "equipment" {
		test.Fatalf("expected alphabetical order, got %v", categories)
	}
	if len(groups["gift_cards"]) != 2 {
		test.Fatalf("expected 2 gift cards, got %+v", groups["gift_cards"])
	}
}
