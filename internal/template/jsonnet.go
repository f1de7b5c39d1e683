package template

import (
	"encoding/json"

	"github.com/google/go-jsonnet"

	"github.com/gocardless/rconfd/internal/rerror"
)

// Evaluator is the narrow interface the manifestation pipeline drives the
// jsonnet evaluator through, per the design note in spec.md §9: treat it
// as an external pure function from a template file + external variables
// to a multi-file output, so tests can substitute a mock.
type Evaluator interface {
	// Evaluate runs templateFile with the "secrets" external variable set
	// to the JSON encoding of secrets, returning a map from output path
	// (absolute, or relative to the template's declared dir) to file
	// content.
	Evaluate(templateFile string, secrets map[string]interface{}) (map[string]string, error)
}

// JsonnetEvaluator is the production Evaluator, backed by
// github.com/google/go-jsonnet.
type JsonnetEvaluator struct {
	// ImportPaths are extra jsonnet library search paths (jpaths).
	ImportPaths []string
}

func (e JsonnetEvaluator) Evaluate(templateFile string, secrets map[string]interface{}) (map[string]string, error) {
	data, err := json.Marshal(secrets)
	if err != nil {
		return nil, rerror.Wrapf(rerror.KindTemplate, err, "failed to encode secrets for %q", templateFile)
	}

	vm := jsonnet.MakeVM()
	vm.Importer(&jsonnet.FileImporter{JPaths: e.ImportPaths})
	vm.ExtCode("secrets", string(data))

	out, err := vm.EvaluateFileMulti(templateFile)
	if err != nil {
		return nil, rerror.Wrapf(rerror.KindTemplate, err, "failed to evaluate template %q", templateFile)
	}

	return out, nil
}
