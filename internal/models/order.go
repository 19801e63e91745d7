package models

// Order is the summary the order bot emits once an order is complete.
type Order struct {
	WaffleType string   `json:"waffle_type"`
	Toppings   []string `json:"toppings"`
	Drinks     []string `json:"drinks"`
	TotalPrice float64  `json:"total_price"`
}
