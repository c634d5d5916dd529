package audio

import "strings"

// PreferredEncodings lists recorder encodings in the order they are tried.
var PreferredEncodings = []string{
	"audio/webm;codecs=opus",
	"audio/webm",
	"audio/ogg;codecs=opus",
	"audio/mp4",
	"audio/wav",
}

// Artifact 一次录音结束后得到的完整音频，交给转写前不再修改。
type Artifact struct {
	Data     []byte `json:"-"`
	Encoding string `json:"encoding"`
	Chunks   int    `json:"chunks"`
}

// Empty reports whether no audio was captured.
func (a Artifact) Empty() bool {
	return len(a.Data) == 0
}

// FileName 返回转写接口需要的文件名，扩展名决定服务端的解码方式。
func (a Artifact) FileName() string {
	return "audio." + Extension(a.Encoding)
}

// Extension maps an encoding (MIME type with optional codecs) to a file extension.
func Extension(encoding string) string {
	base := strings.TrimSpace(strings.ToLower(encoding))
	if idx := strings.Index(base, ";"); idx >= 0 {
		base = base[:idx]
	}

	switch base {
	case "audio/webm":
		return "webm"
	case "audio/ogg":
		return "ogg"
	case "audio/mp4":
		return "m4a"
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	default:
		return "wav"
	}
}
