package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xuthority/identity-service/internal/infra/config"
	kafkainfra "github.com/xuthority/identity-service/internal/infra/kafka"
)

func TestNewSideEffectSinkUsesStubWithoutBrokers(t *testing.T) {
	sink, producer, err := newSideEffectSink(config.KafkaSettings{}, config.AppSettings{Name: "identity"}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, producer)
	assert.IsType(t, &kafkainfra.StubDispatcher{}, sink)
}

func TestNewSideEffectSinkFailsWhenBrokersUnreachable(t *testing.T) {
	// Nothing listens on port 1, so the metadata refresh runs out of brokers.
	sink, producer, err := newSideEffectSink(
		config.KafkaSettings{Brokers: []string{"127.0.0.1:1"}, Async: true},
		config.AppSettings{Name: "identity"},
		zap.NewNop(),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "init kafka producer")
	assert.Nil(t, sink)
	assert.Nil(t, producer)
}
