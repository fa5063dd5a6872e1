// -----------------------------------------------------------------------
// Profile Registry - per-model summary schema and naming configuration
// -----------------------------------------------------------------------

package profiles

import (
	"fmt"
	"os"
	"sort"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/papyrus/internal/common"
	"github.com/ternarybob/papyrus/internal/interfaces"
	"github.com/ternarybob/papyrus/internal/models"
	"gopkg.in/yaml.v3"
)

// registryFile is the on-disk shape of models.yaml.
type registryFile struct {
	DefaultModel string                 `yaml:"default_model"`
	Profiles     []*models.ModelProfile `yaml:"profiles"`
}

// Registry resolves model ids to their profiles. Built-in profiles are
// always present; a models.yaml file can override or extend them.
type Registry struct {
	profiles     map[string]*models.ModelProfile
	defaultModel string
	logger       arbor.ILogger
}

// Compile-time interface assertion
var _ interfaces.ProfileRegistry = (*Registry)(nil)

// NewRegistry builds the registry from built-in defaults plus the optional
// configured YAML file.
func NewRegistry(config *common.ProfilesConfig, logger arbor.ILogger) (*Registry, error) {
	registry := &Registry{
		profiles:     make(map[string]*models.ModelProfile),
		defaultModel: DefaultModelID,
		logger:       logger,
	}

	for _, profile := range builtinProfiles() {
		registry.profiles[profile.ModelID] = profile
	}

	if config != nil && config.Path != "" {
		if err := registry.loadFile(config.Path); err != nil {
			return nil, err
		}
	}

	logger.Info().
		Int("profiles", len(registry.profiles)).
		Str("default_model", registry.defaultModel).
		Msg("Model profile registry initialized")

	return registry, nil
}

// loadFile merges profiles from a models.yaml file over the built-ins.
func (r *Registry) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read profiles file %s: %w", path, err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse profiles file %s: %w", path, err)
	}

	for _, profile := range file.Profiles {
		if err := profile.Validate(); err != nil {
			return fmt.Errorf("invalid profile %q in %s: %w", profile.ModelID, path, err)
		}
		r.profiles[profile.ModelID] = profile
	}

	if file.DefaultModel != "" {
		if _, ok := r.profiles[file.DefaultModel]; !ok {
			return fmt.Errorf("default_model %q has no profile in %s", file.DefaultModel, path)
		}
		r.defaultModel = file.DefaultModel
	}
	return nil
}

// Get resolves a model id, falling back to the default profile for unknown
// ids so extraction output always has a usable schema.
func (r *Registry) Get(modelID string) *models.ModelProfile {
	if profile, ok := r.profiles[modelID]; ok {
		return profile
	}
	return r.Default()
}

// Default returns the registry's default profile.
func (r *Registry) Default() *models.ModelProfile {
	return r.profiles[r.defaultModel]
}

// List returns all profiles sorted by model id.
func (r *Registry) List() []*models.ModelProfile {
	result := make([]*models.ModelProfile, 0, len(r.profiles))
	for _, profile := range r.profiles {
		result = append(result, profile)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ModelID < result[j].ModelID
	})
	return result
}
