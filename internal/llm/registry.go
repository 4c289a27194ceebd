package llm

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/Bald0Wang/DeepSeek-Oracle/internal/apperr"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/config"
)

// Provider names
const (
	ProviderMock     = "mock"
	ProviderVolcano  = "volcano"
	ProviderDeepSeek = "deepseek"
	ProviderAliyun   = "aliyun"
	ProviderQwen     = "qwen"
	ProviderGLM      = "glm"
)

// Registry resolves provider names to configured backends
type Registry struct {
	vendors map[string]config.Vendor
	custom  map[string]Provider
}

// NewRegistry creates a registry over the configured vendors
func NewRegistry(vendors map[string]config.Vendor) *Registry {
	return &Registry{
		vendors: vendors,
		custom:  make(map[string]Provider),
	}
}

// Register installs a fixed provider under name, replacing any vendor entry
func (r *Registry) Register(name string, p Provider) {
	r.custom[name] = p
}

// Supported reports whether name is a known provider
func (r *Registry) Supported(name string) bool {
	if name == ProviderMock {
		return true
	}
	if _, ok := r.custom[name]; ok {
		return true
	}
	_, ok := r.vendors[name]
	return ok
}

// Names lists the known providers
func (r *Registry) Names() []string {
	names := []string{ProviderMock}
	for name := range r.vendors {
		names = append(names, name)
	}
	for name := range r.custom {
		if _, ok := r.vendors[name]; !ok && name != ProviderMock {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Get returns a provider for name serving model
func (r *Registry) Get(name, model string) (Provider, error) {
	if p, ok := r.custom[name]; ok {
		return p, nil
	}
	if name == ProviderMock {
		return NewMockProvider(model), nil
	}

	vendor, ok := r.vendors[name]
	if !ok {
		return nil, apperr.Unsupported(fmt.Sprintf("unsupported provider: %s (supported: %s)",
			name, strings.Join(r.Names(), ", ")))
	}
	if vendor.APIKey == "" {
		return nil, apperr.New(apperr.CodeLLMUpstream,
			fmt.Sprintf("provider %s has no api key configured", name), http.StatusBadGateway, true)
	}
	if vendor.Model != "" {
		model = vendor.Model
	}
	return NewOpenAIProvider(name, vendor.APIKey, vendor.BaseURL, model), nil
}
