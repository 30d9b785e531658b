// Package service describes the components an application runs.
package service

// Layer describes where a component sits.
type Layer string

const (
	LayerBackground Layer = "background"
	LayerStorage    Layer = "storage"
	LayerUpstream   Layer = "upstream"
)

// Descriptor advertises a component's role and capabilities. It does not
// change runtime behavior; the readiness endpoint reports it.
type Descriptor struct {
	Name         string   `json:"name"`
	Domain       string   `json:"domain,omitempty"`
	Layer        Layer    `json:"layer"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// WithCapabilities returns a copy of the descriptor with additional
// capabilities appended.
func (d Descriptor) WithCapabilities(caps ...string) Descriptor {
	if len(caps) == 0 {
		return d
	}
	combined := make([]string, 0, len(d.Capabilities)+len(caps))
	combined = append(combined, d.Capabilities...)
	combined = append(combined, caps...)
	d.Capabilities = combined
	return d
}
