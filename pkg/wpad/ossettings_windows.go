//go:build windows

package wpad

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows/registry"
)

const internetSettingsKey = `Software\Microsoft\Windows\CurrentVersion\Internet Settings`

// autoconfigURL reads AutoConfigURL, the "use automatic configuration script"
// field of the LAN settings dialog.
func autoconfigURL() (string, error) {
	k, err := registry.OpenKey(registry.CURRENT_USER, internetSettingsKey, registry.QUERY_VALUE)
	if err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("failed to open registry key %s: %w", internetSettingsKey, err)
	}
	defer k.Close()

	value, _, err := k.GetStringValue("AutoConfigURL")
	if err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read AutoConfigURL: %w", err)
	}
	return value, nil
}
