package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKafkaPublisherSendsJSON(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, "test.orders.created", msg.Topic)

		key, err := msg.Key.Encode()
		require.NoError(t, err)
		assert.Equal(t, "42", string(key))

		value, err := msg.Value.Encode()
		require.NoError(t, err)
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(value, &body))
		assert.Equal(t, "PENDING", body["status"])
		return nil
	})

	p := NewKafkaPublisherWithProducer(producer, "test.")
	err := p.Publish(context.Background(), TopicOrderCreated, 42, map[string]string{"status": "PENDING"})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestKafkaPublisherReportsSendFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewKafkaPublisherWithProducer(producer, "")
	err := p.Publish(context.Background(), TopicPaymentFailed, 1, struct{}{})
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
}
