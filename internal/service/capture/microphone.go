package capture

import (
	"context"
	"errors"
	"strings"
)

var errClientDenied = errors.New("client reported permission not granted")

// RemoteMicrophone describes the microphone of a connected browser, as reported
// by the client when it starts a recording.
type RemoteMicrophone struct {
	Granted   bool
	Encodings []string
}

// RequestPermission fails when the browser reported a denied permission.
func (m RemoteMicrophone) RequestPermission(context.Context) error {
	if !m.Granted {
		return errClientDenied
	}
	return nil
}

// Supports 判断浏览器是否声明支持该编码。未声明时默认接受 webm/opus。
func (m RemoteMicrophone) Supports(encoding string) bool {
	if len(m.Encodings) == 0 {
		return strings.HasPrefix(encoding, "audio/webm")
	}
	for _, candidate := range m.Encodings {
		if strings.EqualFold(strings.TrimSpace(candidate), encoding) {
			return true
		}
	}
	return false
}
