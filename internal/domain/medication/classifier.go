package medication

import "strings"

// DefaultCriticalKeywords are medications where a late dose carries clinical risk
var DefaultCriticalKeywords = []string{
	"insulin",
	"warfarin",
	"heparin",
	"enoxaparin",
	"apixaban",
	"rivaroxaban",
	"dabigatran",
	"clopidogrel",
	"digoxin",
	"levothyroxine",
	"phenytoin",
	"carbamazepine",
	"levetiracetam",
	"valproate",
	"lamotrigine",
	"lithium",
	"tacrolimus",
	"cyclosporine",
	"mycophenolate",
	"methotrexate",
	"nitroglycerin",
	"amiodarone",
	"levodopa",
	"carbidopa",
	"prednisone",
	"hydrocortisone",
}

// DefaultVitaminKeywords match vitamins and supplements.
// "iron" is deliberately absent: it is a substring of spironolactone.
var DefaultVitaminKeywords = []string{
	"vitamin",
	"multivitamin",
	"supplement",
	"calcium",
	"magnesium",
	"zinc",
	"ferrous",
	"folic acid",
	"fish oil",
	"omega-3",
	"omega 3",
	"biotin",
	"probiotic",
	"melatonin",
	"b12",
	"coq10",
}

// Classifier assigns a Type to a medication command using ordered keyword rules
type Classifier struct {
	critical []string
	vitamin  []string
}

// NewClassifier creates a classifier. Nil keyword lists fall back to the defaults.
func NewClassifier(critical, vitamin []string) *Classifier {
	if critical == nil {
		critical = DefaultCriticalKeywords
	}
	if vitamin == nil {
		vitamin = DefaultVitaminKeywords
	}
	return &Classifier{
		critical: lowerAll(critical),
		vitamin:  lowerAll(vitamin),
	}
}

// Classify returns the medication type. First satisfied rule wins:
// as-needed, critical keyword, vitamin keyword, standard.
func (c *Classifier) Classify(cmd Command) Type {
	if cmd.AsNeeded {
		return TypePRN
	}

	names := strings.ToLower(cmd.Name + " " + cmd.GenericName)
	if containsAny(names, c.critical) {
		return TypeCritical
	}
	if containsAny(names, c.vitamin) {
		return TypeVitamin
	}
	return TypeStandard
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if k != "" && strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(strings.TrimSpace(s)))
	}
	return out
}
