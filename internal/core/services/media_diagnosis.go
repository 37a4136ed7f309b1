package services

import (
	"strings"
)

// MediaLoadProblem is the human-facing classification of a media file
// load failure.
type MediaLoadProblem struct {
	Kind       string
	Suggestion string
}

// DiagnoseMediaLoadFailure classifies a media file load error into a
// remediation suggestion. It never retries: file loads are not
// idempotent-safe to blindly repeat, so the verdict goes straight to the
// user.
func DiagnoseMediaLoadFailure(err error) MediaLoadProblem {
	if err == nil {
		return MediaLoadProblem{Kind: "none", Suggestion: ""}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "memory", "allocation"):
		return MediaLoadProblem{
			Kind:       "memory_exhausted",
			Suggestion: "Ran out of memory while loading. Close other media and retry with a smaller file.",
		}
	case containsAny(msg, "too large", "file size", "exceeds", "oversize"):
		return MediaLoadProblem{
			Kind:       "file_too_large",
			Suggestion: "The file is too large to load. Use a smaller file or reduce its resolution/bitrate.",
		}
	case containsAny(msg, "codec", "unsupported format", "decode", "demux"):
		return MediaLoadProblem{
			Kind:       "codec_unsupported",
			Suggestion: "The file's codec is not supported on this platform. Re-encode to H.264/AAC (MP4) and try again.",
		}
	default:
		return MediaLoadProblem{
			Kind:       "unknown",
			Suggestion: "Could not load the media file. Verify the file plays locally and retry.",
		}
	}
}
