// Package catalog provides the static reward catalog served by the mall.
package catalog

import (
	"context"
	"fmt"
	"sort"

	"github.com/MarkoPoloResearchLab/rewards/pkg/mall"
	"github.com/spf13/viper"
)

// Static serves items from an in-memory table. It never mutates after
// construction, so reads need no locking.
type Static struct {
	items map[string]mall.Item
	order []string
}

// NewStatic builds a catalog from the supplied items.
func NewStatic(items []mall.Item) (*Static, error) {
	table := make(map[string]mall.Item, len(items))
	order := make([]string, 0, len(items))
	for _, item := range items {
		if item.ID == "" {
			return nil, fmt.Errorf("catalog item without id: %q", item.Name)
		}
		if _, exists := table[item.ID]; exists {
			return nil, fmt.Errorf("duplicate catalog item id: %q", item.ID)
		}
		table[item.ID] = item
		order = append(order, item.ID)
	}
	return &Static{items: table, order: order}, nil
}

// NewDefault returns the built-in catalog.
func NewDefault() *Static {
	static, err := NewStatic(defaultItems())
	if err != nil {
		panic(err)
	}
	return static
}

// Load reads the item list under the top-level "items" key of a catalog
// file (any format viper understands). An empty path yields the built-in
// catalog.
func Load(path string) (*Static, error) {
	if path == "" {
		return NewDefault(), nil
	}
	loader := viper.New()
	loader.SetConfigFile(path)
	if err := loader.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	var fileItems []fileItem
	if err := loader.UnmarshalKey("items", &fileItems); err != nil {
		return nil, fmt.Errorf("parse catalog file: %w", err)
	}
	items := make([]mall.Item, 0, len(fileItems))
	for _, entry := range fileItems {
		items = append(items, mall.Item{
			ID:          entry.ID,
			Name:        entry.Name,
			Description: entry.Description,
			PointsCost:  entry.PointsCost,
			Category:    entry.Category,
			Image:       entry.Image,
			Stock:       entry.Stock,
			Available:   entry.Available,
			Tags:        entry.Tags,
		})
	}
	return NewStatic(items)
}

// Item returns one catalog entry by id.
func (static *Static) Item(_ context.Context, itemID string) (mall.Item, bool, error) {
	item, found := static.items[itemID]
	return item, found, nil
}

// Items returns the catalog in declaration order.
func (static *Static) Items(_ context.Context) ([]mall.Item, error) {
	items := make([]mall.Item, 0, len(static.order))
	for _, id := range static.order {
		items = append(items, static.items[id])
	}
	return items, nil
}

// ItemsByCategory returns the catalog grouped by category, categories sorted
// alphabetically and items kept in declaration order within each group.
func (static *Static) ItemsByCategory(ctx context.Context) (map[string][]mall.Item, []string, error) {
	items, err := static.Items(ctx)
	if err != nil {
		return nil, nil, err
	}
	groups := make(map[string][]mall.Item)
	for _, item := range items {
		groups[item.Category] = append(groups[item.Category], item)
	}
	categories := make([]string, 0, len(groups))
	for category := range groups {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	return groups, categories, nil
}

type fileItem struct {
	ID          string   `mapstructure:"id"`
	Name        string   `mapstructure:"name"`
	Description string   `mapstructure:"description"`
	PointsCost  float64  `mapstructure:"points_cost"`
	Category    string   `mapstructure:"category"`
	Image       string   `mapstructure:"image"`
	Stock       int      `mapstructure:"stock"`
	Available   bool     `mapstructure:"available"`
	Tags        []string `mapstructure:"tags"`
}

func defaultItems() []mall.Item {
	return []mall.Item{
		{
			ID:          "gift_card_50",
			Name:        "$50 Gift Card",
			Description: "A $50 general-purpose gift card",
			PointsCost:  45,
			Category:    "gift_cards",
			Image:       "gift_card_50.png",
			Stock:       100,
			Available:   true,
			Tags:        []string{"popular", "gift"},
		},
		{
			ID:          "gift_card_100",
			Name:        "$100 Gift Card",
			Description: "A $100 general-purpose gift card",
			PointsCost:  50,
			Category:    "gift_cards",
			Image:       "gift_card_100.png",
			Stock:       50,
			Available:   true,
			Tags:        []string{"premium", "gift"},
		},
		{
			ID:          "coffee_voucher",
			Name:        "Coffee Voucher",
			Description: "One free specialty coffee",
			PointsCost:  25,
			Category:    "food_drink",
			Image:       "coffee_voucher.png",
			Stock:       200,
			Available:   true,
			Tags:        []string{"daily", "drink"},
		},
		{
			ID:          "tech_book",
			Name:        "Technical Book",
			Description: "A technical book of your choice",
			PointsCost:  35,
			Category:    "learning",
			Image:       "tech_book.png",
			Stock:       30,
			Available:   true,
			Tags:        []string{"learning", "book"},
		},
		{
			ID:          "wireless_mouse",
			Name:        "Wireless Mouse",
			Description: "An ergonomic wireless mouse",
			PointsCost:  40,
			Category:    "equipment",
			Image:       "wireless_mouse.png",
			Stock:       20,
			Available:   true,
			Tags:        []string{"office", "equipment"},
		},
		{
			ID:          "team_lunch",
			Name:        "Team Lunch",
			Description: "Lunch with your team, on the house",
			PointsCost:  50,
			Category:    "experience",
			Image:       "team_lunch.png",
			Stock:       10,
			Available:   true,
			Tags:        []string{"team", "experience"},
		},
	}
}
