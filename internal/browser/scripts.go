package browser

import (
	"fmt"
	"sort"
	"strings"
)

// inventoryScript summarizes the page for the planner: where it is, whether a
// compose form is open, and which elements can be clicked or typed into.
const inventoryScript = `(function() {
    const selectorFor = (el) => {
        if (el.id) { return '#' + CSS.escape(el.id); }
        if (el.name) { return el.tagName.toLowerCase() + '[name="' + el.name + '"]'; }
        const label = el.getAttribute('aria-label');
        if (label) { return '[aria-label="' + label.replace(/"/g, '\\"') + '"]'; }
        if (typeof el.className === 'string' && el.className.trim()) {
            return '.' + el.className.trim().split(/\s+/)[0];
        }
        return el.tagName.toLowerCase();
    };
    const visible = (el) => el.offsetParent !== null;

    const inventory = {
        url: window.location.href,
        title: document.title,
        compose_open: false,
        clickable_elements: [],
        input_fields: [],
        buttons: []
    };

    inventory.compose_open = [
        'div[role="dialog"]',
        '[aria-label*="compose" i], [aria-label*="new message" i]',
        '[data-testid*="compose"]'
    ].some(sel => document.querySelector(sel) !== null);

    document.querySelectorAll('button, [role="button"], a, [data-tooltip], [aria-label]').forEach(el => {
        const text = (el.textContent || '').trim() || el.getAttribute('aria-label') || el.getAttribute('data-tooltip') || '';
        if (text.length > 0 && text.length < 100 && inventory.clickable_elements.length < %[1]d) {
            inventory.clickable_elements.push({
                text: text,
                tag: el.tagName.toLowerCase(),
                selector: selectorFor(el),
                visible: visible(el)
            });
        }
    });

    document.querySelectorAll('input, textarea, [contenteditable="true"], [role="textbox"]').forEach(el => {
        if (inventory.input_fields.length >= %[1]d) { return; }
        inventory.input_fields.push({
            type: el.type || 'text',
            placeholder: el.placeholder || '',
            aria_label: el.getAttribute('aria-label') || '',
            name: el.name || '',
            value: (el.value || el.textContent || '').slice(0, 200),
            selector: selectorFor(el),
            visible: visible(el)
        });
    });

    ['Send', 'New message', 'Attach', 'To', 'Subject'].forEach(text => {
        const el = document.querySelector('[aria-label*="' + text + '" i], [data-tooltip*="' + text + '" i], [title*="' + text + '" i]');
        if (el) {
            inventory.buttons.push({
                text: text,
                selector: el.id ? '#' + CSS.escape(el.id) : '[aria-label*="' + text + '" i]',
                available: visible(el)
            });
        }
    });

    return inventory;
})()`

// maxInventoryItems bounds each element list in the inventory.
const maxInventoryItems = 150

func inventoryJS() string {
	return fmt.Sprintf(inventoryScript, maxInventoryItems)
}

// storageScript returns the page's localStorage as a flat object.
const storageScript = `(function() {
    let items = {};
    try {
        const s = window.localStorage;
        if (s) {
            for (let i = 0; i < s.length; i++) {
                const k = s.key(i);
                if (k) { items[k] = s.getItem(k); }
            }
        }
    } catch (e) { /* SecurityError or storage disabled */ }
    return {origin: window.location.origin, items: items};
})()`

// restoreStorageScript builds a script that seeds localStorage on every new
// document whose origin has saved entries.
func restoreStorageScript(byOrigin map[string]map[string]string) (string, error) {
	if len(byOrigin) == 0 {
		return "", nil
	}
	payload, err := json.Marshal(byOrigin)
	if err != nil {
		return "", fmt.Errorf("failed to encode local storage: %w", err)
	}
	return fmt.Sprintf(`(function() {
    const saved = %s;
    const items = saved[window.location.origin];
    if (!items) { return; }
    try {
        for (const [k, v] of Object.entries(items)) {
            if (window.localStorage.getItem(k) === null) { window.localStorage.setItem(k, v); }
        }
    } catch (e) { /* storage disabled */ }
})();`, payload), nil
}

// clearFieldScript empties an input, textarea or contenteditable element.
func clearFieldScript(selector string) (string, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`(function() {
    const el = document.querySelector(%s);
    if (!el) { return false; }
    if ('value' in el) { el.value = ''; } else { el.textContent = ''; }
    el.dispatchEvent(new Event('input', {bubbles: true}));
    return true;
})()`, sel), nil
}

// originsOf lists the origins in a saved storage map, sorted.
func originsOf(byOrigin map[string]map[string]string) []string {
	out := make([]string, 0, len(byOrigin))
	for origin := range byOrigin {
		if strings.TrimSpace(origin) != "" {
			out = append(out, origin)
		}
	}
	sort.Strings(out)
	return out
}
