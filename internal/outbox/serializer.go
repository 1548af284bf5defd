package outbox

import (
	"encoding/json"
	"fmt"

	"github.com/ksred/klear-trader/internal/trading"
)

// Serializer turns a domain event into a stored payload
type Serializer interface {
	Serialize(event trading.DomainEvent) (string, error)
	PayloadVersion() int
}

// JSONSerializer writes events as plain JSON documents
type JSONSerializer struct{}

const jsonPayloadVersion = 1

func (JSONSerializer) Serialize(event trading.DomainEvent) (string, error) {
	b, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to serialize %s: %w", event.EventType(), err)
	}
	return string(b), nil
}

func (JSONSerializer) PayloadVersion() int {
	return jsonPayloadVersion
}
