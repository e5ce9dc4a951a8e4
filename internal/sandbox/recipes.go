package sandbox

import (
	"fmt"
	"sort"
	"strings"
)

// Recipe is the fixed build-and-run procedure for one language. Argument
// vectors run inside the job's work directory, where the source has been
// written to File.
type Recipe struct {
	Language string
	File     string
	Compile  []string
	Run      []string

	// Image is the container image used by the docker sandbox.
	Image string
}

// recipes maps each canonical language tag to its recipe.
var recipes = map[string]Recipe{
	"cpp": {
		Language: "cpp",
		File:     "main.cpp",
		Compile:  []string{"g++", "-O2", "-std=c++17", "-o", "main", "main.cpp"},
		Run:      []string{"./main"},
		Image:    "gcc:13",
	},
	"c": {
		Language: "c",
		File:     "main.c",
		Compile:  []string{"gcc", "-O2", "-o", "main", "main.c"},
		Run:      []string{"./main"},
		Image:    "gcc:13",
	},
	"python": {
		Language: "python",
		File:     "main.py",
		Run:      []string{"python3", "main.py"},
		Image:    "python:3.12-alpine",
	},
	"javascript": {
		Language: "javascript",
		File:     "main.js",
		Run:      []string{"node", "main.js"},
		Image:    "node:20-alpine",
	},
	"go": {
		Language: "go",
		File:     "main.go",
		Compile:  []string{"go", "build", "-o", "main", "main.go"},
		Run:      []string{"./main"},
		Image:    "golang:1.22-alpine",
	},
}

// aliases maps alternative tags to canonical ones.
var aliases = map[string]string{
	"c++":     "cpp",
	"py":      "python",
	"python3": "python",
	"js":      "javascript",
	"node":    "javascript",
	"golang":  "go",
}

// NormalizeLanguage returns the canonical tag for lang, or "" if no recipe
// exists for it.
func NormalizeLanguage(lang string) string {
	tag := strings.ToLower(strings.TrimSpace(lang))
	if canonical, ok := aliases[tag]; ok {
		tag = canonical
	}
	if _, ok := recipes[tag]; !ok {
		return ""
	}
	return tag
}

// LookupRecipe returns the recipe for lang. Tags are case-insensitive and
// aliases such as "node" resolve to their canonical language.
func LookupRecipe(lang string) (Recipe, error) {
	tag := NormalizeLanguage(lang)
	if tag == "" {
		return Recipe{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
	}
	return recipes[tag], nil
}

// Languages returns the canonical language tags, sorted.
func Languages() []string {
	langs := make([]string, 0, len(recipes))
	for lang := range recipes {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}
