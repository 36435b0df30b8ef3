package models

// Billing provider constants used across billing-related models.
const (
	BillingProviderStripe = "stripe"
)

const (
	BillingIntervalMonth = "month"
	BillingIntervalYear  = "year"
)

// NormalizeInterval maps gateway and form spellings onto month/year.
// Anything else yields an empty string.
func NormalizeInterval(interval string) string {
	switch interval {
	case "month", "monthly", "MONTH":
		return BillingIntervalMonth
	case "year", "annual", "yearly", "YEAR":
		return BillingIntervalYear
	default:
		return ""
	}
}

// Metadata keys carried on checkout sessions and subscriptions.
const (
	MetaResourceID   = "resource_id"
	MetaPosition     = "position"
	MetaLevel        = "level"
	MetaAdvertiserID = "advertiser_id"
	MetaUserID       = "user_id"
	MetaCategory     = "category"
	MetaOrganization = "organization"
	MetaInterval     = "interval"
)
