package llm

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zkwaredao/gradeflow/pkg/models"
)

// registryFile is the on-disk shape of the model registry.
type registryFile struct {
	Strategy Strategy              `yaml:"strategy"`
	Models   []*models.ModelConfig `yaml:"models"`
}

const (
	defaultMaxContentSize = 100_000
	defaultMaxTokens      = 4096
)

// LoadRegistry reads a YAML model registry and resolves API keys from the
// environment. The file's strategy, if set, is returned alongside the
// models and overrides the configured default.
func LoadRegistry(path string) ([]*models.ModelConfig, Strategy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read model registry: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, "", fmt.Errorf("parse model registry: %w", err)
	}
	if len(file.Models) == 0 {
		return nil, "", fmt.Errorf("model registry %s declares no models", path)
	}

	seen := make(map[string]bool, len(file.Models))
	for _, model := range file.Models {
		if model.ID == "" {
			return nil, "", fmt.Errorf("model registry %s: model with empty id", path)
		}
		if seen[model.ID] {
			return nil, "", fmt.Errorf("model registry %s: duplicate model id %q", path, model.ID)
		}
		seen[model.ID] = true

		if model.MaxContentSize == 0 {
			model.MaxContentSize = defaultMaxContentSize
		}
		if model.MaxTokens == 0 {
			model.MaxTokens = defaultMaxTokens
		}
		if model.MaxConcurrent <= 0 {
			model.MaxConcurrent = defaultMaxConcurrent
		}
		if model.APIKeyEnv != "" {
			model.APIKey = os.Getenv(model.APIKeyEnv)
		}
	}

	return file.Models, file.Strategy, nil
}
