// Package model defines shared data structures for the scraper service.
package model

import (
	"fmt"
	"time"
)

// JobNameAuctions is the only job name the worker accepts.
const JobNameAuctions = "auctions"

// OpportunityType is the type column of every row written by this service.
const OpportunityType = "AUCTION"

// Opportunity statuses, derived from the event date at persistence time.
const (
	StatusUpcoming = "UPCOMING"
	StatusPast     = "PAST"
)

// ScrapeJob is the queue message driving one pipeline run.
// PartitionID is a department number; nil means the national listing page.
type ScrapeJob struct {
	JobName     string  `json:"jobName"`
	PartitionID *int    `json:"partitionId,omitempty"`
	SinceDate   *string `json:"sinceDate,omitempty"`
}

// DepartmentCode renders the partition as a two-digit department code
// ("1" → "01"), or "" when the job has no partition.
func (j ScrapeJob) DepartmentCode() string {
	if j.PartitionID == nil {
		return ""
	}
	return fmt.Sprintf("%02d", *j.PartitionID)
}

// Since parses SinceDate. Both RFC 3339 timestamps and plain dates are
// accepted; a nil job field yields the zero time.
func (j ScrapeJob) Since() (time.Time, error) {
	if j.SinceDate == nil || *j.SinceDate == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, *j.SinceDate); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", *j.SinceDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("sinceDate %q: %w", *j.SinceDate, err)
	}
	return t.UTC(), nil
}

// Listing is a discovered candidate detail page.
type Listing struct {
	URL string `json:"url"`
}

// OpportunityExtra carries the optional auction-specific fields.
// It is stored as JSON in opportunities.extra_data.
type OpportunityExtra struct {
	SourceID      string   `json:"sourceId"`
	Category      string   `json:"category,omitempty"`
	Subcategory   string   `json:"subcategory,omitempty"`
	CurrentPrice  *float64 `json:"currentPrice,omitempty"`
	LowerEstimate *float64 `json:"lowerEstimate,omitempty"`
	UpperEstimate *float64 `json:"upperEstimate,omitempty"`
	ReservePrice  *float64 `json:"reservePrice,omitempty"`
	Description   *string  `json:"description,omitempty"`
	EnergyClass   *string  `json:"energyClass,omitempty"`
	Area          *float64 `json:"area,omitempty"`
	Rooms         *int     `json:"rooms,omitempty"`
	Venue         *string  `json:"venue,omitempty"`
	SourceURL     string   `json:"sourceUrl,omitempty"`
}

// ContactData identifies who organises the sale (law firm, auction house).
type ContactData struct {
	Name    string `json:"name,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
	Website string `json:"website,omitempty"`
}

// RawOpportunity is a normalised listing produced by the detail extractor.
// ZipCode and coordinates stay nil until geocoding resolves them.
type RawOpportunity struct {
	Label      string
	Address    string
	City       string
	Department string
	ZipCode    *string
	Latitude   *float64
	Longitude  *float64
	EventDate  time.Time
	Extra      OpportunityExtra
	Contact    *ContactData
	Images     []string
}

// HasCoordinates reports whether both coordinates are set and non-zero.
func (o RawOpportunity) HasCoordinates() bool {
	return o.Latitude != nil && o.Longitude != nil && *o.Latitude != 0 && *o.Longitude != 0
}

// Opportunity is a row of the opportunities table, keyed by (ExternalID, Type).
type Opportunity struct {
	ExternalID      string
	Type            string
	Label           string
	Address         string
	City            string
	ZipCode         *string
	Department      string
	Latitude        *float64
	Longitude       *float64
	Status          string
	OpportunityDate time.Time
	ContactData     *ContactData
	ExtraData       OpportunityExtra
	Images          []string
}

// ExternalID derives the idempotency key of a listing from the source name
// and the source-native listing id.
func ExternalID(source, sourceID string) string {
	return source + "-" + sourceID
}

// StatusAt returns the status of an opportunity whose event happens at
// eventDate, as observed at now.
func StatusAt(eventDate, now time.Time) string {
	if eventDate.After(now) {
		return StatusUpcoming
	}
	return StatusPast
}

// ToOpportunity converts an extracted (and possibly geocoded) listing into
// the row persisted by the store.
func ToOpportunity(source string, raw RawOpportunity, now time.Time) Opportunity {
	images := raw.Images
	if images == nil {
		images = []string{}
	}
	return Opportunity{
		ExternalID:      ExternalID(source, raw.Extra.SourceID),
		Type:            OpportunityType,
		Label:           raw.Label,
		Address:         raw.Address,
		City:            raw.City,
		ZipCode:         raw.ZipCode,
		Department:      raw.Department,
		Latitude:        raw.Latitude,
		Longitude:       raw.Longitude,
		Status:          StatusAt(raw.EventDate, now),
		OpportunityDate: raw.EventDate.UTC(),
		ContactData:     raw.Contact,
		ExtraData:       raw.Extra,
		Images:          images,
	}
}
