package vision

import (
	"slices"

	"github.com/ilyasni/telegram-assistant/internal/config"
	"github.com/ilyasni/telegram-assistant/internal/events"
)

// Decision is the per-file outcome of the policy gate.
type Decision string

const (
	DecisionAnalyze Decision = "analyze"
	DecisionSkip    Decision = "skip"
	DecisionOCROnly Decision = "ocr_only"
)

// PolicyGate evaluates static admission rules before any tokens are spent.
type PolicyGate struct {
	cfg config.VisionConfig
}

// NewPolicyGate builds the gate from configuration.
func NewPolicyGate(cfg config.VisionConfig) *PolicyGate {
	return &PolicyGate{cfg: cfg}
}

// Evaluate decides what to do with one media file. reason is set for
// anything other than analyze.
func (g *PolicyGate) Evaluate(file events.MediaFile, channelID int64) (Decision, string) {
	if !g.cfg.Enabled {
		return DecisionSkip, "vision_disabled"
	}
	if slices.Contains(g.cfg.DenyChannels, channelID) {
		return DecisionSkip, "channel_denied"
	}
	if !slices.Contains(g.cfg.AllowedMIMEs, file.MIME) {
		return DecisionSkip, "mime_not_allowed"
	}
	if file.SizeBytes <= 0 {
		return DecisionSkip, "empty_file"
	}
	if file.SizeBytes > g.cfg.MaxFileBytes {
		// Too big for the provider, but the OCR sidecar handles large scans.
		return DecisionOCROnly, "file_too_large"
	}
	return DecisionAnalyze, ""
}
