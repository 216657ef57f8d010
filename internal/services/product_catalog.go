package services

// creditProducts is the known product catalog: consumable credit packs
// sold through the App Store, keyed by product id.
var creditProducts = map[string]int{
	"com.reefbuddy.credits5":  5,
	"com.reefbuddy.credits50": 50,
}

// CreditsForProduct returns the credit count for a known product id
func CreditsForProduct(productID string) (int, bool) {
	credits, ok := creditProducts[productID]
	return credits, ok
}
