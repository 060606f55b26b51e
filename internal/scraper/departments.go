package scraper

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// departments maps metropolitan department codes to their names.
var departments = map[string]string{
	"01": "Ain", "02": "Aisne", "03": "Allier", "04": "Alpes-de-Haute-Provence",
	"05": "Hautes-Alpes", "06": "Alpes-Maritimes", "07": "Ardèche", "08": "Ardennes",
	"09": "Ariège", "10": "Aube", "11": "Aude", "12": "Aveyron",
	"13": "Bouches-du-Rhône", "14": "Calvados", "15": "Cantal", "16": "Charente",
	"17": "Charente-Maritime", "18": "Cher", "19": "Corrèze", "2A": "Corse-du-Sud",
	"2B": "Haute-Corse", "21": "Côte-d'Or", "22": "Côtes-d'Armor", "23": "Creuse",
	"24": "Dordogne", "25": "Doubs", "26": "Drôme", "27": "Eure",
	"28": "Eure-et-Loir", "29": "Finistère", "30": "Gard", "31": "Haute-Garonne",
	"32": "Gers", "33": "Gironde", "34": "Hérault", "35": "Ille-et-Vilaine",
	"36": "Indre", "37": "Indre-et-Loire", "38": "Isère", "39": "Jura",
	"40": "Landes", "41": "Loir-et-Cher", "42": "Loire", "43": "Haute-Loire",
	"44": "Loire-Atlantique", "45": "Loiret", "46": "Lot", "47": "Lot-et-Garonne",
	"48": "Lozère", "49": "Maine-et-Loire", "50": "Manche", "51": "Marne",
	"52": "Haute-Marne", "53": "Mayenne", "54": "Meurthe-et-Moselle", "55": "Meuse",
	"56": "Morbihan", "57": "Moselle", "58": "Nièvre", "59": "Nord",
	"60": "Oise", "61": "Orne", "62": "Pas-de-Calais", "63": "Puy-de-Dôme",
	"64": "Pyrénées-Atlantiques", "65": "Hautes-Pyrénées", "66": "Pyrénées-Orientales", "67": "Bas-Rhin",
	"68": "Haut-Rhin", "69": "Rhône", "70": "Haute-Saône", "71": "Saône-et-Loire",
	"72": "Sarthe", "73": "Savoie", "74": "Haute-Savoie", "75": "Paris",
	"76": "Seine-Maritime", "77": "Seine-et-Marne", "78": "Yvelines", "79": "Deux-Sèvres",
	"80": "Somme", "81": "Tarn", "82": "Tarn-et-Garonne", "83": "Var",
	"84": "Vaucluse", "85": "Vendée", "86": "Vienne", "87": "Haute-Vienne",
	"88": "Vosges", "89": "Yonne", "90": "Territoire de Belfort", "91": "Essonne",
	"92": "Hauts-de-Seine", "93": "Seine-Saint-Denis", "94": "Val-de-Marne", "95": "Val-d'Oise",
}

type namedDepartment struct {
	code string
	name string // folded
}

// byNameLength lists departments longest folded name first, so that
// "Haute-Loire" is tried before "Loire".
var byNameLength = func() []namedDepartment {
	out := make([]namedDepartment, 0, len(departments))
	for code, name := range departments {
		out = append(out, namedDepartment{code: code, name: fold(name)})
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].name) != len(out[j].name) {
			return len(out[i].name) > len(out[j].name)
		}
		return out[i].code < out[j].code
	})
	return out
}()

// DepartmentName returns the name of code, or "" when unknown.
func DepartmentName(code string) string {
	return departments[normalizeCode(code)]
}

// normalizeCode pads numeric codes to two digits and upper-cases Corsican ones.
func normalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) == 1 && code[0] >= '0' && code[0] <= '9' {
		return "0" + code
	}
	return code
}

var foldSpaces = regexp.MustCompile(`[\s\-'’_]+`)

// fold lower-cases s, strips accents and turns separators into single
// spaces: "Côte-d'Or" → "cote d or".
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = strings.ToLower(out)
	return strings.TrimSpace(foldSpaces.ReplaceAllString(out, " "))
}

var parenCode = regexp.MustCompile(`\((\d{2}|2[abAB])\)`)

// placeLinks are the words joining a town to a river or region in compound
// place names: Champigny-sur-Marne, Villeneuve-sur-Lot, Bar-lès-Aube.
var placeLinks = map[string]bool{
	"sur": true, "sous": true, "en": true, "les": true, "lez": true,
	"de": true, "du": true, "des": true, "d": true, "l": true,
}

// departmentFromText finds a department in free text. An explicit "(28)"
// wins; otherwise the longest department name appearing as whole words and
// not as the tail of a compound place name.
func departmentFromText(text string) (string, bool) {
	if m := parenCode.FindStringSubmatch(text); m != nil {
		code := normalizeCode(m[1])
		if _, ok := departments[code]; ok {
			return code, true
		}
	}

	folded := " " + fold(text) + " "
	for _, d := range byNameLength {
		needle := " " + d.name + " "
		for from := 0; ; {
			i := strings.Index(folded[from:], needle)
			if i < 0 {
				break
			}
			i += from
			if !placeLinks[lastWord(folded[:i])] {
				return d.code, true
			}
			from = i + 1
		}
	}
	return "", false
}

func lastWord(s string) string {
	s = strings.TrimSpace(s)
	return s[strings.LastIndexByte(s, ' ')+1:]
}
