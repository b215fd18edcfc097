package service

import (
	"encoding/json"

	"github.com/IBM/sarama"

	"github.com/bibliotecavirtual/reservation-service/internal/model"
	"github.com/bibliotecavirtual/reservation-service/pkg/kafka"
)

type Publisher interface {
	Publish(event model.HoldEvent) error
}

func NewPublisher(producer sarama.SyncProducer) Publisher {
	return &publisherImpl{
		producer: producer,
	}
}

type publisherImpl struct {
	producer sarama.SyncProducer
}

func (p *publisherImpl) Publish(event model.HoldEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{Topic: kafka.ReservationTopic, Value: sarama.StringEncoder(data)}
	if _, _, err = p.producer.SendMessage(msg); err != nil {
		return err
	}
	return nil
}

// NewNopPublisher is used when no Kafka brokers are configured.
func NewNopPublisher() Publisher {
	return nopPublisher{}
}

type nopPublisher struct{}

func (nopPublisher) Publish(model.HoldEvent) error {
	return nil
}
