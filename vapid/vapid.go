// Package vapid provides VAPID (Voluntary Application Server Identification)
// utilities for Web Push.
package vapid

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
)

// Placeholder is the token a deployment step replaces with the application
// server key before a client script is served.
const Placeholder = "%%SERVER_KEY%%"

// ErrUnsubstitutedKey is returned when a key still holds Placeholder.
var ErrUnsubstitutedKey = errors.New("application server key placeholder was not substituted")

var urlToStd = strings.NewReplacer("-", "+", "_", "/")

// ApplicationServerKey returns the VAPID public key formatted for use with
// the JavaScript PushManager.subscribe() method.
func ApplicationServerKey(publicKey []byte) string {
	return base64.RawURLEncoding.EncodeToString(publicKey)
}

// DecodeApplicationServerKey decodes a base64url application server key.
// The key is padded with (4 - len%4)%4 '=' characters, translated to the
// standard alphabet and decoded with standard base64, so padded and
// unpadded keys decode alike.
func DecodeApplicationServerKey(key string) ([]byte, error) {
	if key == Placeholder {
		return nil, ErrUnsubstitutedKey
	}
	padding := strings.Repeat("=", (4-len(key)%4)%4)
	return base64.StdEncoding.DecodeString(urlToStd.Replace(key + padding))
}

// Render substitutes every Placeholder in script with key.
func Render(script []byte, key string) []byte {
	return bytes.ReplaceAll(script, []byte(Placeholder), []byte(key))
}
