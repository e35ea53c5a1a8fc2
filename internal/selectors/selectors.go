// Package selectors is the single place that knows the bonus site's markup.
package selectors

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Table holds every CSS selector the workflow depends on. Hashed class names
// are matched by prefix so a rebuild of the site's CSS modules usually keeps
// working; the claim button is matched by style class, never by its label.
type Table struct {
	// Login control shown only to signed-out visitors.
	Login string `yaml:"login"`
	// Dialog is the claim dialog overlay.
	Dialog string `yaml:"dialog"`
	// TriggerSection is the header area containing the bonus trigger.
	TriggerSection string `yaml:"trigger_section"`
	// Trigger is looked up inside TriggerSection.
	Trigger string `yaml:"trigger"`
	// DialogMessage is looked up inside Dialog.
	DialogMessage string `yaml:"dialog_message"`
	// ClaimButton is looked up inside Dialog.
	ClaimButton string `yaml:"claim_button"`
}

// Default returns the built-in table.
func Default() Table {
	return Table{
		Login:          `[class*="loginButton___"]`,
		Dialog:         `div[role="dialog"][class*="modal-checkIn"]`,
		TriggerSection: `[class*="right___"]`,
		Trigger:        `div[class*="inviteReward___"] ~ div[style*="display: flex"]`,
		DialogMessage:  `div[class*="content__"]`,
		ClaimButton:    `button[class*="ant-btn-primary"]`,
	}
}

// Load returns the default table with any non-empty entries from a YAML file
// applied on top. An empty path returns the defaults.
func Load(path string) (Table, error) {
	t := Default()
	if strings.TrimSpace(path) == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("selectors config: %w", err)
	}
	var override Table
	if err := yaml.Unmarshal(data, &override); err != nil {
		return Table{}, fmt.Errorf("selectors config: %w", err)
	}
	t.merge(override)
	return t, t.Validate()
}

func (t *Table) merge(o Table) {
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&t.Login, o.Login)
	set(&t.Dialog, o.Dialog)
	set(&t.TriggerSection, o.TriggerSection)
	set(&t.Trigger, o.Trigger)
	set(&t.DialogMessage, o.DialogMessage)
	set(&t.ClaimButton, o.ClaimButton)
}

// Validate reports the first empty entry.
func (t Table) Validate() error {
	for name, v := range map[string]string{
		"login":           t.Login,
		"dialog":          t.Dialog,
		"trigger_section": t.TriggerSection,
		"trigger":         t.Trigger,
		"dialog_message":  t.DialogMessage,
		"claim_button":    t.ClaimButton,
	} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("selectors config: %s is empty", name)
		}
	}
	return nil
}
