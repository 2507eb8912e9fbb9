package gen

import (
	"fmt"
	"strings"
)

// ValidationError reports the first unmet structural precondition for a
// request. The message is safe to show to the user directly.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// BuildParams is the raw UI-side input to BuildRequest.
type BuildParams struct {
	Prompt          string
	NegativePrompt  string
	ModelID         string
	Mode            Mode
	Settings        Settings
	ReferenceAssets []string
	Variants        int
}

// BuildRequest normalizes UI parameters into an immutable GenerationRequest.
// Preconditions are checked in fixed priority order: unknown model, missing
// reference, missing prompt, variant count. Balance is the orchestrator's
// concern, not the builder's.
func BuildRequest(p BuildParams) (*GenerationRequest, error) {
	model, ok := Model(p.ModelID)
	if !ok {
		return nil, &ValidationError{
			Field:   "model",
			Message: fmt.Sprintf("unknown model %q", p.ModelID),
		}
	}

	refs := make([]string, 0, len(p.ReferenceAssets))
	for _, r := range p.ReferenceAssets {
		if r = strings.TrimSpace(r); r != "" {
			refs = append(refs, r)
		}
	}
	if model.RequiresReference && len(refs) == 0 {
		return nil, &ValidationError{
			Field:   "reference",
			Message: "this model needs a reference image; add one and try again",
		}
	}

	prompt := strings.TrimSpace(p.Prompt)
	if model.RequiresPrompt && prompt == "" {
		return nil, &ValidationError{
			Field:   "prompt",
			Message: "enter a prompt to generate",
		}
	}

	variants := p.Variants
	if variants < 1 {
		variants = 1
	}
	if variants > model.MaxVariants {
		return nil, &ValidationError{
			Field:   "variants",
			Message: fmt.Sprintf("%s supports at most %d outputs per request", model.ID, model.MaxVariants),
		}
	}

	mode := p.Mode
	if mode == "" {
		if model.RequiresReference {
			mode = ModeImageToAsset
		} else {
			mode = ModeTextToAsset
		}
	}

	return &GenerationRequest{
		Prompt:          prompt,
		NegativePrompt:  strings.TrimSpace(p.NegativePrompt),
		ModelID:         model.ID,
		Mode:            mode,
		Settings:        p.Settings,
		ReferenceAssets: refs,
		Variants:        variants,
	}, nil
}
