package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"feedcatalog/internal/ingest"
	"feedcatalog/internal/models"
)

// Trigger asks for a run. Exactly one of its fields is expected:
//
//	{"shop_id":1}  {"shop":"ekos"}  {"all":true}
type Trigger struct {
	ShopID uint   `json:"shop_id,omitempty"`
	Shop   string `json:"shop,omitempty"`
	All    bool   `json:"all,omitempty"`
}

// Starter is the part of the scheduler triggers drive.
type Starter interface {
	Start(ctx context.Context, shopID uint) (*ingest.Run, error)
	RunAll(ctx context.Context) ([]*ingest.Run, map[string]error, error)
}

var ErrEmptyTrigger = errors.New("trigger names no shop")

// SetupConsumer creates a consumer for brokers, falling back to
// localhost:9092 when none are configured.
func SetupConsumer(brokers []string) (sarama.Consumer, error) {
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}

	config := sarama.NewConfig()
	config.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	return consumer, nil
}

// TriggerConsumer starts runs for messages on the triggers topic.
type TriggerConsumer struct {
	consumer sarama.Consumer
	topic    string
	db       *gorm.DB
	starter  Starter
}

func NewTriggerConsumer(consumer sarama.Consumer, topic string, db *gorm.DB, starter Starter) *TriggerConsumer {
	return &TriggerConsumer{consumer: consumer, topic: topic, db: db, starter: starter}
}

// Run consumes partition 0 from the newest offset until ctx ends.
func (c *TriggerConsumer) Run(ctx context.Context) error {
	pc, err := c.consumer.ConsumePartition(c.topic, 0, sarama.OffsetNewest)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.topic, err)
	}
	defer pc.Close()

	logrus.WithField("topic", c.topic).Info("Started consuming from topic")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-pc.Messages():
			if !ok {
				return nil
			}
			if err := c.Handle(ctx, msg.Value); err != nil {
				logrus.WithError(err).WithField("topic", c.topic).Warn("Trigger not applied")
			}
		case err, ok := <-pc.Errors():
			if !ok {
				return nil
			}
			logrus.WithError(err).WithField("topic", c.topic).Error("Error consuming")
		}
	}
}

// Handle applies one trigger message.
func (c *TriggerConsumer) Handle(ctx context.Context, value []byte) error {
	var t Trigger
	if err := json.Unmarshal(value, &t); err != nil {
		return fmt.Errorf("decode trigger: %w", err)
	}

	switch {
	case t.All:
		started, rejected, err := c.starter.RunAll(ctx)
		if err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{"started": len(started), "rejected": len(rejected)}).Info("Trigger started all shops")
		return nil
	case t.ShopID != 0:
		return c.start(ctx, t.ShopID)
	case t.Shop != "":
		var shop models.Shop
		if err := c.db.WithContext(ctx).Where("name = ?", t.Shop).First(&shop).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("shop %q: %w", t.Shop, ingest.ErrShopNotFound)
			}
			return err
		}
		return c.start(ctx, shop.ID)
	default:
		return ErrEmptyTrigger
	}
}

func (c *TriggerConsumer) start(ctx context.Context, shopID uint) error {
	run, err := c.starter.Start(ctx, shopID)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"shop": run.Shop, "run_id": run.ID}).Info("Trigger started run")
	return nil
}
