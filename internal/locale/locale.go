// Package locale holds the operator-facing strings: hints attached to API
// errors and the prompts printed by the CLI.
package locale

import (
	"embed"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

const Fallback = "en_US"

//go:embed lang/*.yaml
var langFS embed.FS

type Locale struct {
	translations map[string]string
	locale       string
}

var global atomic.Pointer[Locale]

// Init installs the catalog for the detected system locale, or en_US when
// that locale has no catalog.
func Init() error {
	l, err := Load(DetectSystemLocale())
	if err != nil {
		l, err = Load(Fallback)
		if err != nil {
			return fmt.Errorf("failed to load fallback locale %s: %w", Fallback, err)
		}
	}
	global.Store(l)
	return nil
}

// Set installs l as the catalog used by T.
func Set(l *Locale) {
	global.Store(l)
}

// DetectSystemLocale reads LANG, LC_ALL then LC_MESSAGES, dropping the
// encoding suffix ("es_CL.UTF-8" -> "es_CL").
func DetectSystemLocale() string {
	for _, name := range []string{"LANG", "LC_ALL", "LC_MESSAGES"} {
		value := os.Getenv(name)
		if value == "" {
			continue
		}
		if code, _, _ := strings.Cut(value, "."); code != "" && code != "C" && code != "POSIX" {
			return code
		}
	}
	return Fallback
}

func Load(locale string) (*Locale, error) {
	file := "lang/" + locale + ".yaml"
	data, err := langFS.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read locale file %s: %w", file, err)
	}

	var translations map[string]string
	if err := yaml.Unmarshal(data, &translations); err != nil {
		return nil, fmt.Errorf("failed to parse locale file %s: %w", file, err)
	}
	return &Locale{translations: translations, locale: locale}, nil
}

// T translates key with fmt-style params. Unknown keys come back unchanged.
func (l *Locale) T(key string, params ...any) string {
	if l == nil {
		return key
	}
	translation, ok := l.translations[key]
	if !ok {
		return key
	}
	if len(params) > 0 {
		return fmt.Sprintf(translation, params...)
	}
	return translation
}

func (l *Locale) Code() string {
	if l == nil {
		return Fallback
	}
	return l.locale
}

// T translates using the installed catalog.
func T(key string, params ...any) string {
	return global.Load().T(key, params...)
}

func Current() string {
	return global.Load().Code()
}
