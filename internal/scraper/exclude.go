package scraper

import (
	"strings"

	"immo/scraper-service/internal/model"
)

// Excluded reports whether any keyword appears as whole words in the label,
// description or category of o. Matching ignores case and accents.
//
// Called before geocoding; excluded opportunities are dropped from the run.
func Excluded(o model.RawOpportunity, keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}
	text := o.Label + " " + o.Extra.Category + " " + o.Extra.Subcategory
	if o.Extra.Description != nil {
		text += " " + *o.Extra.Description
	}
	combined := " " + fold(text) + " "
	for _, kw := range keywords {
		kw = fold(kw)
		if kw == "" {
			continue
		}
		if strings.Contains(combined, " "+kw+" ") {
			return true
		}
	}
	return false
}
