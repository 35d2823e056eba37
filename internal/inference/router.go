package inference

import (
	_ "embed"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/agentica/agentica-server/pkg/protocol"
)

// Endpoint identifiers referenced by the routing table.
const (
	EndpointDefault = "default"
	EndpointRouter  = "router"
)

// ModelSpec is the resolved form of a model identifier.
type ModelSpec struct {
	Provider   string
	Model      string
	EndpointID string
}

//go:embed routing.yaml
var routingYAML []byte

type routingTable struct {
	Providers map[string]string `yaml:"providers"`
}

var (
	routingOnce sync.Once
	routing     routingTable
)

func loadRouting() routingTable {
	routingOnce.Do(func() {
		if err := yaml.Unmarshal(routingYAML, &routing); err != nil {
			// The table is embedded; a parse failure is a build defect.
			panic("inference: invalid routing.yaml: " + err.Error())
		}
	})
	return routing
}

// ParseModel resolves a model identifier per the grammar:
//
//	openrouter:<provider>/<slug>  -> explicit router
//	<provider>:<model>            -> routed via the static table
//	anything containing "/"       -> router fallback
//	otherwise                     -> BadModel
func ParseModel(identifier string) (ModelSpec, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return ModelSpec{}, protocol.NewError(protocol.ErrBadModel, "empty model identifier")
	}

	if rest, ok := strings.CutPrefix(identifier, "openrouter:"); ok {
		provider, _, found := strings.Cut(rest, "/")
		if !found || provider == "" {
			return ModelSpec{}, protocol.NewError(protocol.ErrBadModel,
				"openrouter model %q must be <provider>/<slug>", identifier)
		}
		return ModelSpec{Provider: provider, Model: rest, EndpointID: EndpointRouter}, nil
	}

	if provider, model, found := strings.Cut(identifier, ":"); found {
		if endpoint, known := loadRouting().Providers[provider]; known {
			spec := ModelSpec{Provider: provider, Model: model, EndpointID: endpoint}
			if endpoint == EndpointRouter {
				spec.Model = provider + "/" + model
			}
			return spec, nil
		}
		return ModelSpec{}, protocol.NewError(protocol.ErrBadModel,
			"unknown provider %q in model %q", provider, identifier)
	}

	if strings.Contains(identifier, "/") {
		provider, _, _ := strings.Cut(identifier, "/")
		return ModelSpec{Provider: provider, Model: identifier, EndpointID: EndpointRouter}, nil
	}

	return ModelSpec{}, protocol.NewError(protocol.ErrBadModel,
		"unrecognized model identifier %q", identifier)
}
