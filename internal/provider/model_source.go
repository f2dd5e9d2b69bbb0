package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/codalotl/codalotl/internal/llmmodel"
)

// ModelSpec is one model's metadata, trimmed from models.dev's schema
// (agnt-llm-registry/src/spec.rs's ModelSpec) down to what model resolution
// actually needs.
type ModelSpec struct {
	ID            string
	DisplayName   string
	TransportTag  string // overrides the registration's primary tag, if set
	ContextWindow int64
	MaxOutput     int64
	ToolCall      bool
	Reasoning     bool
}

// ModelLoader resolves a provider's model catalog dynamically (e.g. from an
// admin API), per agnt-llm-registry/src/model_source.rs's ModelLoader trait.
type ModelLoader interface {
	LoadModels(ctx context.Context, providerID llmmodel.ProviderID) ([]ModelSpec, error)
}

// ModelLoaderFunc adapts a function to a ModelLoader.
type ModelLoaderFunc func(ctx context.Context, providerID llmmodel.ProviderID) ([]ModelSpec, error)

func (f ModelLoaderFunc) LoadModels(ctx context.Context, providerID llmmodel.ProviderID) ([]ModelSpec, error) {
	return f(ctx, providerID)
}

// ModelSourceKind selects how a provider's model catalog is obtained.
type ModelSourceKind string

const (
	// ModelSourceExternalSpec fetches models.dev's published API spec.
	ModelSourceExternalSpec ModelSourceKind = "external_spec"
	// ModelSourceStaticList uses a fixed, in-process model list.
	ModelSourceStaticList ModelSourceKind = "static_list"
	// ModelSourceDynamicLoader defers to a ModelLoader callback.
	ModelSourceDynamicLoader ModelSourceKind = "dynamic_loader"
)

// ModelSource is a provider's model-catalog source, matching spec.md §4.4's
// `model_source ∈ {external_spec, static_list, dynamic_loader}`.
type ModelSource struct {
	Kind ModelSourceKind

	// StaticModels backs ModelSourceStaticList.
	StaticModels []ModelSpec
	// Loader backs ModelSourceDynamicLoader.
	Loader ModelLoader
}

// NewStaticModelSource builds a ModelSource over a fixed model list.
func NewStaticModelSource(models []ModelSpec) ModelSource {
	return ModelSource{Kind: ModelSourceStaticList, StaticModels: models}
}

// NewDynamicModelSource builds a ModelSource backed by loader.
func NewDynamicModelSource(loader ModelLoader) ModelSource {
	return ModelSource{Kind: ModelSourceDynamicLoader, Loader: loader}
}

// NewExternalSpecModelSource builds a ModelSource that resolves models from
// models.dev's published spec at resolve time.
func NewExternalSpecModelSource() ModelSource {
	return ModelSource{Kind: ModelSourceExternalSpec}
}

// StaticModelSourceFromLLMModel builds a ModelSourceStaticList from every
// model llmmodel knows about for providerID. This is how the teacher's
// package-level model catalog (internal/llmmodel) gets generalized into the
// registry's model_source model instead of being discarded: every provider
// the teacher already knows about gets an automatic static_list source.
func StaticModelSourceFromLLMModel(providerID llmmodel.ProviderID) ModelSource {
	var models []ModelSpec
	for _, id := range llmmodel.AvailableModelIDs() {
		info := llmmodel.GetModelInfo(id)
		if info.ProviderID != providerID {
			continue
		}
		models = append(models, ModelSpec{
			ID:            string(id),
			DisplayName:   string(id),
			ContextWindow: info.ContextWindow,
			MaxOutput:     info.MaxOutput,
			ToolCall:      true,
			Reasoning:     info.CanReason,
		})
	}
	return NewStaticModelSource(models)
}

func (s ModelSource) models(ctx context.Context, providerID llmmodel.ProviderID) ([]ModelSpec, error) {
	switch s.Kind {
	case ModelSourceStaticList:
		return s.StaticModels, nil
	case ModelSourceDynamicLoader:
		if s.Loader == nil {
			return nil, fmt.Errorf("provider: dynamic model source has no loader")
		}
		return s.Loader.LoadModels(ctx, providerID)
	case ModelSourceExternalSpec:
		return fetchExternalSpecModels(ctx, providerID)
	default:
		return nil, fmt.Errorf("provider: unknown model source kind %q", s.Kind)
	}
}

// externalSpecURL is models.dev's published registry, matching
// agnt-llm-registry/src/spec.rs's doc comment.
const externalSpecURL = "https://models.dev/api.json"

type externalProviderSpec struct {
	ID     string                       `json:"id"`
	Name   string                       `json:"name"`
	Models map[string]externalModelSpec `json:"models"`
}

type externalModelSpec struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ToolCall   bool   `json:"tool_call"`
	Reasoning  bool   `json:"reasoning"`
	ModelLimit struct {
		Context int64 `json:"context"`
		Output  int64 `json:"output"`
	} `json:"limit"`
}

var (
	externalSpecMu    sync.Mutex
	externalSpecCache map[string]externalProviderSpec
	externalSpecAt    time.Time
)

const externalSpecTTL = 10 * time.Minute

func fetchExternalSpecModels(ctx context.Context, providerID llmmodel.ProviderID) ([]ModelSpec, error) {
	spec, err := fetchExternalSpec(ctx)
	if err != nil {
		return nil, err
	}

	entry, ok := spec[string(providerID)]
	if !ok {
		return nil, nil
	}

	models := make([]ModelSpec, 0, len(entry.Models))
	for _, m := range entry.Models {
		models = append(models, ModelSpec{
			ID:            m.ID,
			DisplayName:   m.Name,
			ContextWindow: m.ModelLimit.Context,
			MaxOutput:     m.ModelLimit.Output,
			ToolCall:      m.ToolCall,
			Reasoning:     m.Reasoning,
		})
	}
	return models, nil
}

func fetchExternalSpec(ctx context.Context) (map[string]externalProviderSpec, error) {
	externalSpecMu.Lock()
	if externalSpecCache != nil && time.Since(externalSpecAt) < externalSpecTTL {
		cached := externalSpecCache
		externalSpecMu.Unlock()
		return cached, nil
	}
	externalSpecMu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, externalSpecURL, nil)
	if err != nil {
		return nil, fmt.Errorf("provider: build models.dev request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider: fetch models.dev spec: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider: models.dev returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("provider: read models.dev spec: %w", err)
	}

	var spec map[string]externalProviderSpec
	if err := json.Unmarshal(body, &spec); err != nil {
		return nil, fmt.Errorf("provider: parse models.dev spec: %w", err)
	}

	externalSpecMu.Lock()
	externalSpecCache = spec
	externalSpecAt = time.Now()
	externalSpecMu.Unlock()

	return spec, nil
}
