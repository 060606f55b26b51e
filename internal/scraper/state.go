package scraper

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// nextData is the subset of the __NEXT_DATA__ blob the extractor reads.
type nextData struct {
	Props struct {
		PageProps struct {
			ApolloState    map[string]json.RawMessage `json:"apolloState"`
			ApolloStateAlt map[string]json.RawMessage `json:"__APOLLO_STATE__"`
		} `json:"pageProps"`
	} `json:"props"`
	Query struct {
		ID optString `json:"id"`
	} `json:"query"`
}

// records returns the normalised Apollo cache, keyed "<Type>:<id>".
func (n *nextData) records() apolloState {
	if len(n.Props.PageProps.ApolloState) > 0 {
		return n.Props.PageProps.ApolloState
	}
	return n.Props.PageProps.ApolloStateAlt
}

// lotRecord is one "Lot:<id>" entry.
type lotRecord struct {
	Nom              optString       `json:"nom"`
	Adresse          json.RawMessage `json:"adresse"`
	FermetureReelle  optNumber       `json:"fermeture_reelle_date"`
	FermetureEnchere optNumber       `json:"fermeture_enchere_date"`
	Fermeture        optNumber       `json:"fermeture_date"`
	MiseAPrix        optNumber       `json:"mise_a_prix"`
	EstimationBasse  optNumber       `json:"estimation_basse"`
	EstimationHaute  optNumber       `json:"estimation_haute"`
	PrixReserve      optNumber       `json:"prix_reserve"`
	Description      optString       `json:"description"`
	DPE              optString       `json:"dpe"`
	Surface          optNumber       `json:"surface"`
	NbPieces         optNumber       `json:"nb_pieces"`
	Lieu             json.RawMessage `json:"lieu"`
	Categorie        json.RawMessage `json:"categorie"`
	SousCategorie    json.RawMessage `json:"sous_categorie"`
	Photos           json.RawMessage `json:"photos"`
	Organisateur     json.RawMessage `json:"organisateur"`
}

// addressRecord is an "Adresse:<id>" entry.
type addressRecord struct {
	Text        optString       `json:"text"`
	Ville       optString       `json:"ville"`
	CodePostal  optString       `json:"code_postal"`
	Departement json.RawMessage `json:"departement"`
	Lat         optNumber       `json:"lat"`
	Lng         optNumber       `json:"lng"`
}

// namedRecord covers the small referenced entities: venue, category,
// department, organiser, photo.
type namedRecord struct {
	Nom       optString `json:"nom"`
	Libelle   optString `json:"libelle"`
	Code      optString `json:"code"`
	Telephone optString `json:"telephone"`
	Email     optString `json:"email"`
	SiteWeb   optString `json:"site_web"`
	URL       optString `json:"url"`
}

func (r namedRecord) label() string {
	if r.Nom.Valid {
		return r.Nom.Value
	}
	return r.Libelle.Value
}

type reference struct {
	Ref string `json:"__ref"`
}

type apolloState map[string]json.RawMessage

// resolve decodes raw into out, following a {"__ref": "..."} indirection
// when present. It reports false when raw is absent, null, a dangling
// reference or not an object.
func (s apolloState) resolve(raw json.RawMessage, out any) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return false
	}
	var ref reference
	if err := json.Unmarshal(raw, &ref); err == nil && ref.Ref != "" {
		target, ok := s[ref.Ref]
		if !ok {
			return false
		}
		raw = target
	}
	return json.Unmarshal(raw, out) == nil
}

// label reads a field that is either a plain string or a reference to a
// named entity.
func (s apolloState) label(raw json.RawMessage) string {
	var str optString
	if json.Unmarshal(raw, &str) == nil && str.Valid {
		return str.Value
	}
	var rec namedRecord
	if s.resolve(raw, &rec) {
		return strings.TrimSpace(rec.label())
	}
	return ""
}

// departmentCode reads a department given as a code string, a number or a
// reference to a department entity.
func (s apolloState) departmentCode(raw json.RawMessage) string {
	var str optString
	if json.Unmarshal(raw, &str) == nil && str.Valid {
		return normalizeCode(str.Value)
	}
	var rec namedRecord
	if s.resolve(raw, &rec) && rec.Code.Valid {
		return normalizeCode(rec.Code.Value)
	}
	return ""
}

// optString is a JSON string that may be absent or null. Numbers are
// accepted and kept in their textual form.
type optString struct {
	Value string
	Valid bool
}

func (o *optString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*o = optString{}
	switch {
	case len(b) == 0 || string(b) == "null":
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		*o = optString{Value: s, Valid: s != ""}
	case b[0] == '-' || (b[0] >= '0' && b[0] <= '9'):
		*o = optString{Value: string(b), Valid: true}
	}
	return nil
}

// ptr returns nil for an absent value.
func (o optString) ptr() *string {
	if !o.Valid {
		return nil
	}
	v := o.Value
	return &v
}

// optNumber is a JSON number, or a string holding one ("1 250,50"), that
// may be absent or null. Unparseable values are treated as absent.
type optNumber struct {
	Value float64
	Valid bool
}

func (o *optNumber) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*o = optNumber{}
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if v, err := parseFrenchNumber(s); err == nil {
			*o = optNumber{Value: v, Valid: true}
		}
		return nil
	}
	if v, err := strconv.ParseFloat(string(b), 64); err == nil {
		*o = optNumber{Value: v, Valid: true}
	}
	return nil
}

func (o optNumber) ptr() *float64 {
	if !o.Valid {
		return nil
	}
	v := o.Value
	return &v
}

func (o optNumber) intPtr() *int {
	if !o.Valid {
		return nil
	}
	v := int(o.Value)
	return &v
}

var numberNoise = strings.NewReplacer(" ", "", "\u00a0", "", "\u202f", "", "€", "", "m²", "", "m2", "")

// parseFrenchNumber accepts "1 250,50", "1250.5" or "120 m²".
func parseFrenchNumber(s string) (float64, error) {
	s = numberNoise.Replace(strings.TrimSpace(s))
	if s == "" {
		return 0, errors.New("empty number")
	}
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	}
	return strconv.ParseFloat(s, 64)
}
