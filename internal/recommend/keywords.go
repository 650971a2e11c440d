// Package recommend turns request free text into a concrete resource,
// warehouse, and quantity proposal. Type inference runs over an ordered
// rule list so field teams can extend matching from a yaml file without
// recompiling.
package recommend

import (
	"os"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/reliefops/relief-engine/internal/model"
)

// Rule maps a set of trigger terms to a resource type. Rules are
// evaluated in order; the first rule with any matching term wins.
type Rule struct {
	Type  model.ResourceType `yaml:"type"`
	Terms []string           `yaml:"terms"`
}

// Matcher infers a resource-type preference from free text.
type Matcher struct {
	rules []Rule
}

// DefaultRules returns the built-in ordered rule list. Medical terms are
// checked first so "injured and thirsty" resolves to medical kits.
func DefaultRules() []Rule {
	return []Rule{
		{Type: model.ResourceMedicalKits, Terms: []string{
			"medical", "injury", "injured", "wound", "bleeding", "medicine",
			"first aid", "doctor", "fracture", "sick",
		}},
		{Type: model.ResourceWater, Terms: []string{
			"water", "thirst", "thirsty", "dehydrated", "dehydration", "drinking",
		}},
		{Type: model.ResourceFood, Terms: []string{
			"food", "hungry", "hunger", "starving", "meal", "ration",
		}},
		{Type: model.ResourceBlankets, Terms: []string{
			"blanket", "cold", "freezing", "hypothermia", "warmth",
		}},
		{Type: model.ResourceFuel, Terms: []string{
			"fuel", "diesel", "petrol", "gasoline", "generator",
		}},
		{Type: model.ResourceTarpaulins, Terms: []string{
			"tarp", "tarpaulin", "shelter", "roof", "tent",
		}},
	}
}

// NewMatcher creates a Matcher over the given ordered rules. Terms are
// normalized once at construction.
func NewMatcher(rules []Rule) *Matcher {
	normalized := make([]Rule, 0, len(rules))
	for _, r := range rules {
		nr := Rule{Type: r.Type, Terms: make([]string, 0, len(r.Terms))}
		for _, t := range r.Terms {
			nr.Terms = append(nr.Terms, normalizeText(t))
		}
		normalized = append(normalized, nr)
	}
	return &Matcher{rules: normalized}
}

// LoadRules reads an ordered rule list from a yaml file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "recommend: read rules %s", path)
	}
	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, eris.Wrapf(err, "recommend: parse rules %s", path)
	}
	if len(rules) == 0 {
		return nil, eris.Errorf("recommend: no rules in %s", path)
	}
	return rules, nil
}

// Infer returns the resource type preferred by the first matching rule,
// or false when no rule matches.
func (m *Matcher) Infer(text string) (model.ResourceType, bool) {
	if text == "" {
		return "", false
	}
	folded := normalizeText(text)
	for _, r := range m.rules {
		for _, term := range r.Terms {
			if strings.Contains(folded, term) {
				return r.Type, true
			}
		}
	}
	return "", false
}

// normalizeText lowercases and strips diacritics so "Agua contaminada"
// matches an "agua" term the same as "água".
func normalizeText(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		// Fold failure leaves the raw text; matching degrades, never fails.
		out = s
	}
	return strings.ToLower(out)
}
