package bitmask

import (
	"embed"
	"fmt"
	"os"
)

//go:embed data/*.yaml
var dataFS embed.FS

// Builtin returns the bundled target-mask document for a survey.
func Builtin(survey string) ([]byte, error) {
	data, err := dataFS.ReadFile(fmt.Sprintf("data/%s_targetmask.yaml", survey))
	if err != nil {
		return nil, fmt.Errorf("no bundled target mask for survey %s", survey)
	}
	return data, nil
}

// BuiltinSurveys lists the surveys with a bundled document.
func BuiltinSurveys() []string {
	return []string{"main", "cmx", "sv1"}
}

// ReadDocument returns path's contents, or the bundled document when path is empty.
func ReadDocument(survey, path string) ([]byte, error) {
	if path == "" {
		return Builtin(survey)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mask document: %w", err)
	}
	return data, nil
}
