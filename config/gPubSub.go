package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

const defaultSalesSyncTopic = "sales-sync"

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex

	// Topics keep their own publish goroutines; one per name per process.
	pubsubTopics   = map[string]*pubsub.Topic{}
	pubsubTopicsMu sync.Mutex
)

// GetClient returns the process Pub/Sub client, connecting with retries on
// first use. PUBSUB_CREDENTIALS_JSON overrides Application Default Credentials.
func GetClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if pubsubClient != nil {
		return pubsubClient, nil
	}

	projectID := pubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}
	var opts []option.ClientOption
	if credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON"); credJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	}

	logger := GetLogger().WithFields(logrus.Fields{"field": "GetClient", "project_id": projectID})
	for attempt := 1; ; attempt++ {
		c, err := pubsub.NewClient(ctx, projectID, opts...)
		if err == nil {
			pubsubClient = c
			logger.WithField("attempt", attempt).Info("pubsub client ready")
			return c, nil
		}
		if attempt >= 5 {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		sleep := time.Second * time.Duration(1<<attempt)
		logger.WithField("attempt", attempt).Warnf("init pubsub client failed: %v; retrying in %s", err, sleep)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func pubSubProjectID() string {
	for _, key := range []string{"PUBSUB_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCP_PROJECT"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

// SalesSyncTopic returns the topic sync runs are published to
// (SALES_SYNC_TOPIC). With SALES_SYNC_CREATE_TOPIC the topic is created when
// missing.
func SalesSyncTopic(ctx context.Context) (*pubsub.Topic, error) {
	name := strings.TrimSpace(os.Getenv("SALES_SYNC_TOPIC"))
	if name == "" {
		name = defaultSalesSyncTopic
	}

	pubsubTopicsMu.Lock()
	defer pubsubTopicsMu.Unlock()
	if t, ok := pubsubTopics[name]; ok {
		return t, nil
	}

	client, err := GetClient(ctx)
	if err != nil {
		return nil, err
	}
	t := client.Topic(name)
	if EnvBool("SALES_SYNC_CREATE_TOPIC", false) {
		if t, err = CreateTopicIfNotExists(ctx, client, name); err != nil {
			return nil, err
		}
	}
	pubsubTopics[name] = t
	return t, nil
}

func CreateTopicIfNotExists(ctx context.Context, c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	t := c.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	t, err = c.CreateTopic(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}

// ClosePubSub flushes pending publishes and closes the client.
func ClosePubSub() {
	pubsubTopicsMu.Lock()
	for name, t := range pubsubTopics {
		t.Stop()
		delete(pubsubTopics, name)
	}
	pubsubTopicsMu.Unlock()

	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if pubsubClient != nil {
		_ = pubsubClient.Close()
		pubsubClient = nil
	}
}
