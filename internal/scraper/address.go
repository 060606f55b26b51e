package scraper

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrNoAddress is returned when no strategy yields a department.
var ErrNoAddress = errors.New("no address could be resolved")

// locatedAt matches "située à", "situé à", "sis à", "sise à", "located at"
// and their unaccented spellings.
var locatedAt = regexp.MustCompile(`(?i)(?:^|[\s\x{00a0},(])(?:situ[ée]e?s?|sise?s?|localis[ée]e?s?|located)[\s\x{00a0}]+(?:à|a|at)[\s\x{00a0}]+`)

// splitTitle cuts name at the first location marker. located is the text
// after it, "" when name has no marker.
func splitTitle(name string) (title, located string) {
	name = strings.TrimSpace(name)
	loc := locatedAt.FindStringIndex(name)
	if loc == nil {
		return name, ""
	}
	title = strings.TrimSpace(name[:loc[0]])
	located = strings.Trim(name[loc[1]:], " \u00a0.,;")
	if title == "" {
		title = name
	}
	return title, located
}

// resolvedAddress is the outcome of the address strategies.
type resolvedAddress struct {
	Address    string
	City       string
	Department string
	ZipCode    *string
	Latitude   *float64
	Longitude  *float64
	Strategy   string
}

// addressInput gathers what the strategies may look at.
type addressInput struct {
	state        apolloState
	lot          lotRecord
	located      string // text after the location marker in the lot name
	pageURL      string
	fallbackDept string // department of the job partition
}

// resolveAddress tries, in order: the structured address record, the
// location phrase of the lot name, the department segment of the URL.
func resolveAddress(in addressInput) (resolvedAddress, error) {
	if a, ok := fromStructured(in); ok {
		return a, nil
	}
	if a, ok := fromLocatedPhrase(in); ok {
		return a, nil
	}
	if a, ok := fromURL(in); ok {
		return a, nil
	}
	return resolvedAddress{}, ErrNoAddress
}

func fromStructured(in addressInput) (resolvedAddress, bool) {
	var rec addressRecord
	if !in.state.resolve(in.lot.Adresse, &rec) {
		return resolvedAddress{}, false
	}

	text := rec.Text.Value
	city := rec.Ville.Value
	if text == "" && city == "" {
		return resolvedAddress{}, false
	}
	if text == "" {
		text = city
	}
	if city == "" {
		city = text
	}

	dept := in.state.departmentCode(rec.Departement)
	if dept == "" && rec.CodePostal.Valid {
		dept = departmentFromZip(rec.CodePostal.Value)
	}
	if dept == "" {
		dept = departmentOrFallback(in)
	}
	if dept == "" {
		return resolvedAddress{}, false
	}

	a := resolvedAddress{
		Address:    text,
		City:       city,
		Department: dept,
		ZipCode:    rec.CodePostal.ptr(),
		Strategy:   "structured",
	}
	if rec.Lat.Valid && rec.Lng.Valid && rec.Lat.Value != 0 && rec.Lng.Value != 0 {
		a.Latitude, a.Longitude = rec.Lat.ptr(), rec.Lng.ptr()
	}
	return a, true
}

func fromLocatedPhrase(in addressInput) (resolvedAddress, bool) {
	place := in.located
	if place == "" {
		return resolvedAddress{}, false
	}

	dept, ok := departmentFromText(place)
	if m := parenCode.FindStringIndex(place); m != nil {
		place = strings.Trim(place[:m[0]]+place[m[1]:], " \u00a0.,;")
	}
	if !ok {
		dept = departmentOrFallback(in)
	}
	if dept == "" || place == "" {
		return resolvedAddress{}, false
	}
	return resolvedAddress{Address: place, City: place, Department: dept, Strategy: "title"}, true
}

func fromURL(in addressInput) (resolvedAddress, bool) {
	dept := departmentOrFallback(in)
	name := DepartmentName(dept)
	if name == "" {
		return resolvedAddress{}, false
	}
	return resolvedAddress{
		Address:    fmt.Sprintf("%s (%s)", name, dept),
		City:       name,
		Department: dept,
		Strategy:   "url",
	}, true
}

// departmentOrFallback reads the department from the page URL, then from the
// job partition.
func departmentOrFallback(in addressInput) string {
	if code, ok := DepartmentFromURL(in.pageURL); ok {
		return code
	}
	if _, ok := departments[normalizeCode(in.fallbackDept)]; ok {
		return normalizeCode(in.fallbackDept)
	}
	return ""
}

var deptSegment = regexp.MustCompile(`(?i)^(.+)-(\d{2}|2[ab])$`)

// DepartmentFromURL extracts the department code from a path segment shaped
// "<department-slug>-<code>", e.g. /ventes/immobilier/maisons/eure-et-loir-28/...
// A segment whose slug spells the department name wins over other matches.
func DepartmentFromURL(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}

	first := ""
	for _, seg := range strings.Split(u.Path, "/") {
		m := deptSegment.FindStringSubmatch(seg)
		if m == nil {
			continue
		}
		code := normalizeCode(m[2])
		name, ok := departments[code]
		if !ok {
			continue
		}
		if fold(m[1]) == fold(name) {
			return code, true
		}
		if first == "" {
			first = code
		}
	}
	return first, first != ""
}

// departmentFromZip maps a postal code to its department. Corsica (20xxx)
// splits on 20200.
func departmentFromZip(zip string) string {
	zip = strings.TrimSpace(zip)
	if len(zip) != 5 {
		return ""
	}
	if strings.HasPrefix(zip, "20") {
		if zip < "20200" {
			return "2A"
		}
		return "2B"
	}
	code := zip[:2]
	if _, ok := departments[code]; !ok {
		return ""
	}
	return code
}
