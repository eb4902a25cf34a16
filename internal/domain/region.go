package domain

import "time"

// Region is a market in the static price table. BasePrice is USD per credit.
type Region struct {
	Name      string
	BasePrice float64
}

// Regions is the price table shared with the dashboard.
var Regions = []Region{
	{Name: "European Union", BasePrice: 66.85},
	{Name: "UK", BasePrice: 47.39},
	{Name: "Australia (AUD)", BasePrice: 34.05},
	{Name: "New Zealand (NZD)", BasePrice: 52.0},
	{Name: "South Korea", BasePrice: 6.17},
	{Name: "China", BasePrice: 83.5},
}

// LookupRegion finds a region by its exact name.
func LookupRegion(name string) (Region, bool) {
	for _, r := range Regions {
		if r.Name == name {
			return r, true
		}
	}
	return Region{}, false
}

// RegionQuote is a perturbed price for a region at a point in time.
type RegionQuote struct {
	Region       string    `json:"region"`
	Price        float64   `json:"price"`
	EthPerCredit float64   `json:"ethPerCredit"`
	Change       float64   `json:"change"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
