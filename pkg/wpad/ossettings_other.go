//go:build !windows && !darwin

package wpad

func autoconfigURL() (string, error) {
	return "", ErrUnsupportedPlatform
}
