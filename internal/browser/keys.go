package browser

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-rod/rod/lib/input"
)

var keyAliases = map[string]string{
	"ctrl": "Control", "control": "Control",
	"alt": "Alt", "option": "Alt",
	"meta": "Meta", "cmd": "Meta", "command": "Meta",
	"shift": "Shift",
	"enter": "Enter", "return": "Enter",
	"tab":    "Tab",
	"delete": "Delete", "backspace": "Backspace",
	"escape": "Escape", "esc": "Escape",
	"space": " ",
	"up":    "ArrowUp", "down": "ArrowDown", "left": "ArrowLeft", "right": "ArrowRight",
	"pageup": "PageUp", "pagedown": "PageDown",
	"home": "Home", "end": "End",
}

var specialKeys = map[string]bool{
	"Enter": true, "Tab": true, "Delete": true, "Backspace": true, "Escape": true,
	"ArrowUp": true, "ArrowDown": true, "ArrowLeft": true, "ArrowRight": true,
	"PageUp": true, "PageDown": true, "Home": true, "End": true, " ": true,
	"F1": true, "F2": true, "F3": true, "F4": true, "F5": true, "F6": true,
	"F7": true, "F8": true, "F9": true, "F10": true, "F11": true, "F12": true,
}

// KeyPlan is a parsed send-keys request. Either Key (with optional held
// Modifiers) is pressed, or Text is typed literally.
type KeyPlan struct {
	Modifiers []string
	Key       string
	Text      string
}

// WaitsForNavigation reports whether the keys submit something.
func (p KeyPlan) WaitsForNavigation() bool {
	return p.Key == "Enter"
}

// normalizeKey maps aliases such as "ctrl" or "esc" to their canonical names.
func normalizeKey(k string) string {
	if v, ok := keyAliases[strings.ToLower(k)]; ok {
		return v
	}
	if len(k) >= 2 && (k[0] == 'f' || k[0] == 'F') {
		if specialKeys["F"+k[1:]] {
			return "F" + k[1:]
		}
	}
	return k
}

// PlanKeys parses "Control+Shift+t", "Enter" or plain text.
func PlanKeys(keys string) KeyPlan {
	if strings.Contains(keys, "+") && len(strings.TrimSpace(keys)) > 1 {
		parts := strings.Split(keys, "+")
		normalized := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			normalized = append(normalized, normalizeKey(p))
		}
		if len(normalized) > 0 {
			return KeyPlan{Modifiers: normalized[:len(normalized)-1], Key: normalized[len(normalized)-1]}
		}
	}
	if n := normalizeKey(keys); specialKeys[n] {
		return KeyPlan{Key: n}
	}
	return KeyPlan{Text: keys}
}

// PlaywrightKey renders the plan as a single playwright key expression.
func (p KeyPlan) PlaywrightKey() string {
	return strings.Join(append(append([]string(nil), p.Modifiers...), p.Key), "+")
}

var rodKeys = map[string]input.Key{
	"Control": input.ControlLeft, "Alt": input.AltLeft, "Meta": input.MetaLeft, "Shift": input.ShiftLeft,
	"Enter": input.Enter, "Tab": input.Tab, "Delete": input.Delete, "Backspace": input.Backspace,
	"Escape": input.Escape, " ": input.Space,
	"ArrowUp": input.ArrowUp, "ArrowDown": input.ArrowDown, "ArrowLeft": input.ArrowLeft, "ArrowRight": input.ArrowRight,
	"PageUp": input.PageUp, "PageDown": input.PageDown, "Home": input.Home, "End": input.End,
	"F1": input.F1, "F2": input.F2, "F3": input.F3, "F4": input.F4, "F5": input.F5, "F6": input.F6,
	"F7": input.F7, "F8": input.F8, "F9": input.F9, "F10": input.F10, "F11": input.F11, "F12": input.F12,
}

// rodKey maps a canonical key name or single character to a rod key. Characters
// outside rod's US keymap are rejected; rod panics on them.
func rodKey(name string) (input.Key, error) {
	if k, ok := rodKeys[name]; ok {
		return k, nil
	}
	r := []rune(name)
	if len(r) == 1 && keyDefined(input.Key(r[0])) {
		return input.Key(r[0]), nil
	}
	return 0, fmt.Errorf("%w %q", errUnknownKey, name)
}

var errUnknownKey = errors.New("unsupported key")

func keyDefined(k input.Key) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	k.Info()
	return true
}
