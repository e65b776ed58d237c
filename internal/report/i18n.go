package report

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Language selects a report locale.
type Language string

const (
	// LangEnglish renders reports in English.
	LangEnglish Language = "en"
	// LangTurkish renders reports in Turkish.
	LangTurkish Language = "tr"
)

// ErrUnsupportedLanguage is returned for language codes without a locale.
var ErrUnsupportedLanguage = errors.New("report: unsupported language")

//go:embed en.json tr.json
var localeFS embed.FS

var locales = map[Language]map[string]string{}

func init() {
	for lang, file := range map[Language]string{
		LangEnglish: "en.json",
		LangTurkish: "tr.json",
	} {
		data, err := localeFS.ReadFile(file)
		if err != nil {
			panic(fmt.Sprintf("report: locale %s: %v", lang, err))
		}
		parsed := map[string]string{}
		if err := json.Unmarshal(data, &parsed); err != nil {
			panic(fmt.Sprintf("report: locale %s: %v", lang, err))
		}
		locales[lang] = parsed
	}
}

// Languages lists the supported locale codes.
func Languages() []Language {
	return []Language{LangEnglish, LangTurkish}
}

// Translator resolves report strings for one language, falling back to
// English for keys the locale does not carry.
type Translator struct {
	lang Language
	data map[string]string
}

// NewTranslator builds a translator for lang; unknown languages fall back
// to English.
func NewTranslator(lang Language) Translator {
	data, ok := locales[lang]
	if !ok {
		lang = LangEnglish
		data = locales[LangEnglish]
	}
	return Translator{lang: lang, data: data}
}

// Lang returns the active language.
func (t Translator) Lang() Language {
	return t.lang
}

// T returns the localized string for key, or the key itself when no locale
// defines it.
func (t Translator) T(key string) string {
	if val, ok := t.data[key]; ok {
		return val
	}
	if t.lang != LangEnglish {
		if val, ok := locales[LangEnglish][key]; ok {
			return val
		}
	}
	return key
}

// Format localizes key and applies the arguments.
func (t Translator) Format(key string, args ...interface{}) string {
	return fmt.Sprintf(t.T(key), args...)
}

// ParseLanguage converts a flag value into a supported Language.
func ParseLanguage(lang string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(lang)) {
	case "", "en", "en-us", "en-gb", "english":
		return LangEnglish, nil
	case "tr", "tr-tr", "turkish", "türkçe", "turkce":
		return LangTurkish, nil
	default:
		return LangEnglish, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, lang)
	}
}
