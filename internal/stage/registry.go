package stage

import (
	"fmt"
	"strings"

	"agentcrew/internal/config"
	"agentcrew/internal/faults"
)

// Version identifies the stage order below. Bump it whenever a stage is added,
// removed, renamed, or reordered.
const Version = 1

// Kind enumerates the stage kinds known to the engine.
type Kind int

const (
	KindHarvester Kind = iota
	KindBrainCurator
	KindScriptWriter
	KindVoiceProducer
	KindVisualDirector
	KindVideoComposer
	KindPublisher
)

var kindNames = map[Kind]string{
	KindHarvester:      "harvester",
	KindBrainCurator:   "brain-curator",
	KindScriptWriter:   "script-writer",
	KindVoiceProducer:  "voice-producer",
	KindVisualDirector: "visual-director",
	KindVideoComposer:  "video-composer",
	KindPublisher:      "publisher",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Idempotency describes whether repeating a stage is free of side effects.
type Idempotency string

const (
	Idempotent    Idempotency = "idempotent"
	NonIdempotent Idempotency = "non-idempotent"
)

// Definition describes one stage in the registry.
type Definition struct {
	Kind             Kind
	Name             string
	Capability       string
	EstimatedCostUSD float64
	Idempotency      Idempotency
	RequiredServices []string
}

// Registry is an immutable ordered list of stage definitions.
type Registry struct {
	version int
	defs    []Definition
	index   map[string]int
}

// Default returns the standard seven-stage crew registry.
func Default() *Registry {
	reg, err := New(Version,
		Definition{Kind: KindHarvester, Name: KindHarvester.String(), Capability: "harvest", EstimatedCostUSD: 0.05, Idempotency: Idempotent},
		Definition{Kind: KindBrainCurator, Name: KindBrainCurator.String(), Capability: "curate", EstimatedCostUSD: 0.20, Idempotency: Idempotent},
		Definition{Kind: KindScriptWriter, Name: KindScriptWriter.String(), Capability: "write-script", EstimatedCostUSD: 0.40, Idempotency: Idempotent},
		Definition{Kind: KindVoiceProducer, Name: KindVoiceProducer.String(), Capability: "tts", EstimatedCostUSD: 0.60, Idempotency: Idempotent},
		Definition{Kind: KindVisualDirector, Name: KindVisualDirector.String(), Capability: "direct-visuals", EstimatedCostUSD: 1.20, Idempotency: Idempotent},
		Definition{Kind: KindVideoComposer, Name: KindVideoComposer.String(), Capability: "compose-video", EstimatedCostUSD: 0.30, Idempotency: Idempotent},
		Definition{Kind: KindPublisher, Name: KindPublisher.String(), Capability: "publish", EstimatedCostUSD: 0.05, Idempotency: NonIdempotent},
	)
	if err != nil {
		panic(fmt.Sprintf("default stage registry invalid: %v", err))
	}
	return reg
}

// New validates defs and builds a registry. Names and capabilities must be
// non-empty, names unique, and kinds contiguous from zero in registry order.
func New(version int, defs ...Definition) (*Registry, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("stage registry: at least one stage is required")
	}
	reg := &Registry{
		version: version,
		defs:    make([]Definition, len(defs)),
		index:   make(map[string]int, len(defs)),
	}
	for i, def := range defs {
		def.Name = strings.TrimSpace(def.Name)
		def.Capability = strings.TrimSpace(def.Capability)
		if def.Name == "" {
			return nil, fmt.Errorf("stage registry: stage %d has no name", i)
		}
		if def.Capability == "" {
			return nil, fmt.Errorf("stage registry: stage %q has no capability", def.Name)
		}
		if _, dup := reg.index[def.Name]; dup {
			return nil, fmt.Errorf("stage registry: duplicate stage %q", def.Name)
		}
		if def.Kind != Kind(i) {
			return nil, fmt.Errorf("stage registry: stage %q at index %d has kind %d", def.Name, i, int(def.Kind))
		}
		if def.EstimatedCostUSD < 0 {
			return nil, fmt.Errorf("stage registry: stage %q has negative cost estimate", def.Name)
		}
		if def.Idempotency == "" {
			def.Idempotency = Idempotent
		}
		def.RequiredServices = append([]string(nil), def.RequiredServices...)
		reg.defs[i] = def
		reg.index[def.Name] = i
	}
	return reg, nil
}

// FromConfig returns the default registry with configuration overrides
// applied. Overrides naming an unknown stage are rejected.
func FromConfig(cfg *config.Config) (*Registry, error) {
	base := Default()
	if cfg == nil || len(cfg.Stages) == 0 {
		return base, nil
	}
	defs := base.Definitions()
	for name, override := range cfg.Stages {
		idx, ok := base.Index(name)
		if !ok {
			return nil, faults.Wrap(faults.ErrConfiguration, "stage", "apply overrides",
				fmt.Sprintf("unknown stage %q (known: %s)", name, strings.Join(base.Names(), ", ")), nil)
		}
		if override.EstimatedCostUSD != nil {
			defs[idx].EstimatedCostUSD = *override.EstimatedCostUSD
		}
		if override.RequiredServices != nil {
			defs[idx].RequiredServices = append([]string(nil), override.RequiredServices...)
		}
	}
	return New(base.version, defs...)
}

// Version returns the registry version recorded on checkpoints.
func (r *Registry) Version() int { return r.version }

// Len returns the number of stages.
func (r *Registry) Len() int { return len(r.defs) }

// At returns the definition at index i.
func (r *Registry) At(i int) (Definition, bool) {
	if i < 0 || i >= len(r.defs) {
		return Definition{}, false
	}
	return r.defs[i], true
}

// Index returns the position of the named stage.
func (r *Registry) Index(name string) (int, bool) {
	idx, ok := r.index[strings.TrimSpace(name)]
	return idx, ok
}

// Definitions returns a copy of every definition in order.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, len(r.defs))
	for i, def := range r.defs {
		def.RequiredServices = append([]string(nil), def.RequiredServices...)
		out[i] = def
	}
	return out
}

// Names returns stage names in order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.defs))
	for i, def := range r.defs {
		out[i] = def.Name
	}
	return out
}

// VerifyCheckpoint confirms that a checkpoint written at index under name
// still lines up with this registry.
func (r *Registry) VerifyCheckpoint(index int, name string) error {
	def, ok := r.At(index)
	if !ok {
		return faults.Wrap(faults.ErrCheckpointMismatch, "stage", "verify checkpoint",
			fmt.Sprintf("checkpoint index %d outside registry of %d stages", index, r.Len()), nil)
	}
	if def.Name != strings.TrimSpace(name) {
		return faults.Wrap(faults.ErrCheckpointMismatch, "stage", "verify checkpoint",
			fmt.Sprintf("checkpoint stage %q does not match registry stage %q at index %d", name, def.Name, index), nil)
	}
	return nil
}
