package engine

import "encoding/json"

type (
	// Serializer converts flow parameters and results to and from their
	// stored form
	Serializer interface {
		Marshal(v any) ([]byte, error)
		Unmarshal(data []byte, v any) error
	}

	// JSONSerializer stores parameters and results as JSON
	JSONSerializer struct{}
)

func (JSONSerializer) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONSerializer) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
