// Package i18n holds the reply catalogs of the command bot.
package i18n

import (
	"embed"
	"fmt"
	"io/fs"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var localeFS embed.FS

// Message IDs used by the command processor.
const (
	MsgHelp           = "help"
	MsgPinNotSet      = "pin_not_set"
	MsgPinWrong       = "pin_wrong"
	MsgPinOK          = "pin_ok"
	MsgPinThrottled   = "pin_throttled"
	MsgLogoutOK       = "logout_ok"
	MsgLocked         = "locked"
	MsgListEmpty      = "list_empty"
	MsgGetUsage       = "get_usage"
	MsgFileNotFound   = "file_not_found"
	MsgLinkSingle     = "link_single"
	MsgLinkAll        = "link_all"
	MsgUnknownCommand = "unknown_command"
)

// Catalog renders reply texts in one language.
type Catalog struct {
	localizer *i18n.Localizer
}

// New loads the embedded catalogs and returns one for lang. Unknown
// languages and missing messages fall back to English.
func New(lang string) (*Catalog, error) {
	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("yaml", yaml.Unmarshal)

	files, err := fs.ReadDir(localeFS, "locales")
	if err != nil {
		return nil, fmt.Errorf("read locales: %w", err)
	}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := localeFS.ReadFile("locales/" + f.Name())
		if err != nil {
			return nil, fmt.Errorf("read locale %s: %w", f.Name(), err)
		}
		if _, err := bundle.ParseMessageFileBytes(data, f.Name()); err != nil {
			return nil, fmt.Errorf("parse locale %s: %w", f.Name(), err)
		}
	}

	return &Catalog{localizer: i18n.NewLocalizer(bundle, lang, "en")}, nil
}

// T renders messageID with optional template data. A missing message
// renders as its ID.
func (c *Catalog) T(messageID string, data map[string]any) string {
	msg, err := c.localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if err != nil {
		return messageID
	}
	return msg
}
