//go:build darwin

package wpad

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

const scutilTimeout = 5 * time.Second

// autoconfigURL reads the Automatic Proxy Configuration URL from the dynamic
// store via scutil.
func autoconfigURL() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), scutilTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "scutil", "--proxy").Output()
	if err != nil {
		return "", fmt.Errorf("failed to run scutil --proxy: %w", err)
	}
	return autoconfigFromProxySettings(parseScutilProxy(string(out))), nil
}
