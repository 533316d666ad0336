// Package contentrouter implements the ContentRouter component: it maps a
// stored artifact to a text / image_url / file content part depending on
// the calling agent's LLM service capabilities. The name echoes the
// teacher's CapabilityRouter
// (internal/multiagent/capability_router.go), though that file routes
// conversation turns to agents by capability while this one routes one
// artifact to a content-part shape by model capability — the body is
// written fresh for that different domain.
package contentrouter

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/agentsociety/orchestrator/internal/domain"
	"github.com/agentsociety/orchestrator/internal/llmclient"
)

// PartType identifies the shape of a routed content part.
type PartType string

const (
	PartText     PartType = "text"
	PartImageURL PartType = "image_url"
	PartFile     PartType = "file"
)

// Part is one routed content part ready to hand to LlmClient.
type Part struct {
	Type     PartType
	Text     string
	ImageURL string // data:<mime>;base64,<payload>
	Filename string
}

// subtypeCapability maps a detected artifact subtype to the capability a
// service must declare to consume it directly.
var subtypeCapability = map[string]llmclient.Capability{
	"image": llmclient.CapabilityImage,
	"audio": llmclient.CapabilityAudio,
	"file":  llmclient.CapabilityFile,
	"video": llmclient.CapabilityVideo,
}

// Router routes artifacts into content parts given a service's declared
// capabilities.
type Router struct{}

// New creates a Router. It holds no state: capability sets are supplied
// per call so it can be shared across every agent's dispatch without
// locking.
func New() *Router { return &Router{} }

// subtypeOf classifies an artifact's mimeType into image/audio/file/video,
// defaulting to "file" for an unrecognized binary type.
func subtypeOf(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	default:
		return "file"
	}
}

func friendlyType(mimeType string) string {
	if mimeType == "" {
		return "unknown"
	}
	return mimeType
}

// Route converts one artifact into the content part appropriate for a
// service declaring the given capabilities. Text artifacts are always
// emitted as text; binary artifacts are emitted as a structured part when
// the service supports the detected subtype, or as a textual
// "[Cannot read]" description otherwise. The original bytes never appear
// in the textual fallback.
func Route(art *domain.ArtifactContent, ref, filename string, caps map[llmclient.Capability]bool) Part {
	if !art.IsBinary {
		return Part{Type: PartText, Text: art.Text}
	}

	subtype := subtypeOf(art.MimeType)
	needed, known := subtypeCapability[subtype]
	if known && caps[needed] {
		switch subtype {
		case "image":
			encoded := base64.StdEncoding.EncodeToString(art.Bytes)
			return Part{Type: PartImageURL, ImageURL: fmt.Sprintf("data:%s;base64,%s", art.MimeType, encoded), Filename: filename}
		default:
			encoded := base64.StdEncoding.EncodeToString(art.Bytes)
			return Part{Type: PartFile, ImageURL: fmt.Sprintf("data:%s;base64,%s", art.MimeType, encoded), Filename: filename}
		}
	}

	name := filename
	if name == "" {
		name = ref
	}
	text := fmt.Sprintf(
		"[Cannot read] %s (%s)\nType: %s\nCurrent model does not support this type. Consider an agent with that capability.",
		name, ref, friendlyType(art.MimeType),
	)
	return Part{Type: PartText, Text: text}
}
