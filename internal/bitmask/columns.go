package bitmask

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Column binds a target bitmask column to the mask that decodes it.
type Column struct {
	Name string `json:"name"`
	Mask string `json:"mask"`
}

var (
	mainColumns = []Column{
		{Name: "DESI_TARGET", Mask: "desi_mask"},
		{Name: "BGS_TARGET", Mask: "bgs_mask"},
		{Name: "MWS_TARGET", Mask: "mws_mask"},
		{Name: "SCND_TARGET", Mask: "scnd_mask"},
	}
	svSurvey = regexp.MustCompile(`^sv[0-9]+$`)
)

// ValidSurvey reports whether s is "main", "cmx" or "svN".
func ValidSurvey(s string) bool {
	return s == "main" || s == "cmx" || svSurvey.MatchString(s)
}

// SurveyColumns returns the target columns a survey's files carry.
func SurveyColumns(survey string) ([]Column, error) {
	switch {
	case survey == "main":
		return append([]Column(nil), mainColumns...), nil
	case survey == "cmx":
		return []Column{{Name: "CMX_TARGET", Mask: "cmx_mask"}}, nil
	case svSurvey.MatchString(survey):
		prefix := strings.ToUpper(survey) + "_"
		out := make([]Column, len(mainColumns))
		for i, c := range mainColumns {
			out[i] = Column{Name: prefix + c.Name, Mask: c.Mask}
		}
		return out, nil
	}
	return nil, fmt.Errorf("survey must be 'main', 'cmx' or 'svX' (X=1,2..), not %q", survey)
}

// DetectSurvey decides from column names whether targets belong to the main
// survey, commissioning or an SV iteration.
func DetectSurvey(columns []string) (string, []Column, error) {
	survey := "main"
	var notMain []string
	for _, c := range columns {
		if strings.Contains(c, "SV") || strings.Contains(c, "CMX") {
			notMain = append(notMain, c)
		}
	}
	if len(notMain) > 0 {
		sort.Strings(notMain)
		survey = strings.ToLower(strings.SplitN(notMain[0], "_", 2)[0])
	}
	all, err := SurveyColumns(survey)
	if err != nil {
		return "", nil, fmt.Errorf("input target columns: %w", err)
	}
	present := make(map[string]bool, len(columns))
	for _, c := range columns {
		present[c] = true
	}
	var out []Column
	for _, c := range all {
		if present[c.Name] {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return "", nil, fmt.Errorf("no target columns found for survey %s", survey)
	}
	return survey, out, nil
}
