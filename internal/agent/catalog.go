// Package agent binds stage capabilities to the remote agents that execute
// them and provides the HTTP client the controller invokes.
package agent

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"agentcrew/internal/config"
	"agentcrew/internal/faults"
	"agentcrew/internal/stage"
)

// Card is the public description of an agent.
type Card struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
	Model        string   `json:"model"`
}

// Catalog maps capabilities to agents.
type Catalog struct {
	cards        []Card
	byCapability map[string]Card
	handlers     map[string]stage.Handler
}

// NewCatalog builds a catalog from configuration and an HTTP client for
// each agent. The first agent declaring a capability owns it.
func NewCatalog(cfg *config.Config, httpClient *http.Client, logger *slog.Logger) *Catalog {
	c := &Catalog{
		byCapability: make(map[string]Card),
		handlers:     make(map[string]stage.Handler),
	}
	for _, a := range cfg.Agents {
		model := a.Model
		if model == "" {
			model = cfg.Crew.DefaultModel
		}
		card := Card{
			ID:           a.ID,
			Name:         a.Name,
			Description:  a.Description,
			Capabilities: append([]string(nil), a.Capabilities...),
			Model:        model,
		}
		c.cards = append(c.cards, card)
		client := NewClient(card, a.Endpoint, cfg.Crew.Token, httpClient, logger)
		for _, capability := range a.Capabilities {
			if _, taken := c.byCapability[capability]; taken {
				continue
			}
			c.byCapability[capability] = card
			c.handlers[capability] = client
		}
	}
	return c
}

// NewStaticCatalog binds handlers directly by capability. Used by tests and
// embedded crews that do not go over HTTP.
func NewStaticCatalog(handlers map[string]stage.Handler) *Catalog {
	c := &Catalog{
		byCapability: make(map[string]Card, len(handlers)),
		handlers:     make(map[string]stage.Handler, len(handlers)),
	}
	capabilities := make([]string, 0, len(handlers))
	for capability := range handlers {
		capabilities = append(capabilities, capability)
	}
	sort.Strings(capabilities)
	for _, capability := range capabilities {
		card := Card{ID: capability, Name: capability, Capabilities: []string{capability}}
		c.cards = append(c.cards, card)
		c.byCapability[capability] = card
		c.handlers[capability] = handlers[capability]
	}
	return c
}

// Cards returns every agent card in configuration order.
func (c *Catalog) Cards() []Card {
	out := make([]Card, len(c.cards))
	copy(out, c.cards)
	return out
}

// Resolve returns the agent card and handler bound to capability.
func (c *Catalog) Resolve(capability string) (Card, stage.Handler, bool) {
	card, ok := c.byCapability[capability]
	if !ok {
		return Card{}, nil, false
	}
	return card, c.handlers[capability], true
}

// Verify checks that every stage in reg has an agent.
func (c *Catalog) Verify(reg *stage.Registry) error {
	var missing []string
	for _, def := range reg.Definitions() {
		if _, ok := c.byCapability[def.Capability]; !ok {
			missing = append(missing, fmt.Sprintf("%s (%s)", def.Name, def.Capability))
		}
	}
	if len(missing) > 0 {
		return faults.Wrap(faults.ErrConfiguration, "agent", "verify catalog",
			"no agent bound for stages: "+strings.Join(missing, ", "), nil)
	}
	return nil
}
