// Package kafka runs rekey pages on remote workers. The coordinator publishes
// page bounds to a task topic and waits for each page's result on a result
// topic; workers consume tasks, rekey the range and publish the outcome.
package kafka

import (
	"time"

	"github.com/IBM/sarama"
)

// ClientConfig contains all configuration needed for Kafka client setup.
type ClientConfig struct {
	Brokers  []string
	ClientID string
	// InitialOffset is sarama.OffsetOldest for workers, so no task published
	// before they joined is lost, and sarama.OffsetNewest for coordinators,
	// which only care about results for their own run.
	InitialOffset int64
}

// NewConfig returns the sarama configuration shared by producers and
// consumers.
func NewConfig(cfg ClientConfig) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID

	// Consumer settings
	config.Consumer.Return.Errors = true
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = cfg.InitialOffset
	if config.Consumer.Offsets.Initial == 0 {
		config.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	config.Consumer.Group.Session.Timeout = 20 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	config.Consumer.Group.Member.UserData = []byte(cfg.ClientID)
	config.Consumer.Offsets.AutoCommit.Enable = true
	config.Consumer.Offsets.AutoCommit.Interval = time.Second

	// Producer settings
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner

	config.Version = sarama.V3_6_0_0

	return config
}

// NewClient creates a Kafka client with the shared configuration.
func NewClient(cfg ClientConfig) (sarama.Client, error) {
	return sarama.NewClient(cfg.Brokers, NewConfig(cfg))
}
