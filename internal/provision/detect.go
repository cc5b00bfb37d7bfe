package provision

import (
	"path"
	"strings"
)

// Confidence levels for type detection.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Detection is the outcome of inspecting an uploaded project.
type Detection struct {
	Type       string `json:"type"`
	Confidence string `json:"confidence"`
	Marker     string `json:"marker,omitempty"`
}

// DetectType infers the site type from a project file listing. Markers are
// checked in a fixed precedence: a Node project with a stray index.html is
// still a Node project.
func DetectType(files []string) Detection {
	set := make(map[string]bool, len(files))
	hasWPContent := false
	hasIndex := false
	for _, f := range files {
		f = strings.TrimPrefix(strings.ReplaceAll(f, "\\", "/"), "./")
		set[f] = true
		if strings.HasPrefix(f, "wp-content/") {
			hasWPContent = true
		}
		if path.Base(f) == "index.html" && !strings.Contains(f, "/") {
			hasIndex = true
		}
	}

	switch {
	case set["package.json"]:
		return Detection{Type: TypeNode, Confidence: ConfidenceHigh, Marker: "package.json"}
	case set["requirements.txt"]:
		return Detection{Type: TypePython, Confidence: ConfidenceHigh, Marker: "requirements.txt"}
	case set["pyproject.toml"]:
		return Detection{Type: TypePython, Confidence: ConfidenceHigh, Marker: "pyproject.toml"}
	case set["wp-config.php"]:
		return Detection{Type: TypeWordPress, Confidence: ConfidenceHigh, Marker: "wp-config.php"}
	case hasWPContent:
		return Detection{Type: TypeWordPress, Confidence: ConfidenceMedium, Marker: "wp-content/"}
	case hasIndex:
		return Detection{Type: TypeStatic, Confidence: ConfidenceMedium, Marker: "index.html"}
	}
	return Detection{Type: TypeStatic, Confidence: ConfidenceLow}
}
