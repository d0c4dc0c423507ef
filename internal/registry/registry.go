// Package registry wires configuration into the runtime object graph:
// model entries backed by provider clients and the plugin pipeline.
// Registries are built once per configuration load and are read-only
// afterwards; config reload swaps in a whole new registry snapshot.
package registry

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/switchboard-ai/switchboard/internal/config"
	"github.com/switchboard-ai/switchboard/internal/pipeline"
	"github.com/switchboard-ai/switchboard/internal/plugins"
	"github.com/switchboard-ai/switchboard/internal/provider"
)

// Model is one routable model entry owning its provider client.
type Model struct {
	Name         string
	Description  string
	Provider     provider.Provider
	ProviderType string
	ModelConfig  map[string]any
	Metadata     map[string]any
	IsDefault    bool
}

// Models is the name -> model table plus the default-model slot.
type Models struct {
	byName       map[string]*Model
	defaultModel *Model
}

// BuildModels instantiates providers and models from configuration.
// When several models claim isDefault, the last registration wins and
// the demotions are logged.
func BuildModels(cfgs []config.ModelConfig, providers *provider.Registry) (*Models, error) {
	m := &Models{byName: make(map[string]*Model, len(cfgs))}
	for i, mc := range cfgs {
		prov, err := providers.Build(mc.Provider.Type, mc.Provider.Config)
		if err != nil {
			return nil, fmt.Errorf("models[%d] (%s): %w", i, mc.Name, err)
		}
		entry := &Model{
			Name:         mc.Name,
			Description:  mc.Description,
			Provider:     prov,
			ProviderType: mc.Provider.Type,
			ModelConfig:  mc.ModelConfig,
			Metadata:     mc.Metadata,
			IsDefault:    mc.IsDefault,
		}
		m.byName[mc.Name] = entry
		if mc.IsDefault {
			if m.defaultModel != nil {
				logrus.WithFields(logrus.Fields{
					"demoted": m.defaultModel.Name,
					"default": mc.Name,
				}).Warn("Multiple default models configured, last registration wins")
				m.defaultModel.IsDefault = false
			}
			m.defaultModel = entry
		}
	}
	return m, nil
}

// Lookup returns the model registered under name.
func (m *Models) Lookup(name string) (*Model, bool) {
	entry, ok := m.byName[name]
	return entry, ok
}

// Default returns the default model, nil when none is configured.
func (m *Models) Default() *Model { return m.defaultModel }

// All returns the models sorted by name for stable listings.
func (m *Models) All() []*Model {
	out := make([]*Model, 0, len(m.byName))
	for _, entry := range m.byName {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// BuildPipeline instantiates the plugin engine from configuration.
func BuildPipeline(cfgs []config.PluginConfig, reg *plugins.Registry) (*pipeline.Engine, error) {
	entries := make([]pipeline.Entry, 0, len(cfgs))
	for i, pc := range cfgs {
		plugin, err := reg.Build(pc.Type, pc.Config)
		if err != nil {
			return nil, fmt.Errorf("plugins[%d]: %w", i, err)
		}
		conditions, err := pipeline.NewConditions(pipeline.ConditionsSpec{
			Paths:      pc.Conditions.Paths,
			Methods:    pc.Conditions.Methods,
			Headers:    pc.Conditions.Headers,
			UserIDs:    pc.Conditions.UserIDs,
			Models:     pc.Conditions.Models,
			Expression: pc.Conditions.Expression,
		})
		if err != nil {
			return nil, fmt.Errorf("plugins[%d] (%s): %w", i, pc.Type, err)
		}
		entries = append(entries, pipeline.Entry{
			Plugin:     plugin,
			Priority:   pc.GetPriority(),
			Enabled:    pc.IsEnabled(),
			Conditions: conditions,
		})
	}
	return pipeline.NewEngine(entries), nil
}
