package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vaultkeys/vaultkeys-backend/pkg/config"
	"github.com/vaultkeys/vaultkeys-backend/pkg/logger"
)

// Client wraps the Pub/Sub v2 client with the inventory topic layout.
type Client struct {
	client    *pubsub.Client
	projectID string
	cfg       config.PubSubConfig
}

var (
	errProjectIDRequired = errors.New("gcp project id is required")
	errTopicRequired     = errors.New("pubsub inventory topic is required")
	errNotInitialized    = errors.New("pubsub client not initialized")
)

const (
	kindTopic        = "topics"
	kindSubscription = "subscriptions"
)

// NewClient dials Pub/Sub and fails unless the inventory topic, and the
// subscription when one is configured, already exist.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.PubSubConfig, logg *logger.Logger) (*Client, error) {
	projectID := strings.TrimSpace(gcp.ProjectID)
	if projectID == "" {
		return nil, errProjectIDRequired
	}
	raw, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	c := &Client{client: raw, projectID: projectID, cfg: cfg}
	if err := c.Ping(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	if logg != nil {
		logg.Info(logg.WithField(ctx, "topic", cfg.InventoryTopic), "pubsub client initialized")
	}
	return c, nil
}

// Ping confirms the configured topic and subscription are reachable.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errNotInitialized
	}
	if strings.TrimSpace(c.cfg.InventoryTopic) == "" {
		return errTopicRequired
	}
	if err := c.exists(ctx, kindTopic, c.cfg.InventoryTopic); err != nil {
		return err
	}
	for _, name := range subscriptionNames(c.cfg) {
		if err := c.exists(ctx, kindSubscription, name); err != nil {
			return err
		}
	}
	return nil
}

func subscriptionNames(cfg config.PubSubConfig) []string {
	if name := strings.TrimSpace(cfg.InventorySubscription); name != "" {
		return []string{name}
	}
	return nil
}

func (c *Client) exists(ctx context.Context, kind, name string) error {
	full := resourceName(c.projectID, kind, name)
	if full == "" {
		return fmt.Errorf("%s name %q is empty", kind, name)
	}
	var err error
	switch kind {
	case kindTopic:
		_, err = c.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: full})
	case kindSubscription:
		_, err = c.client.SubscriptionAdminClient.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{Subscription: full})
	default:
		return fmt.Errorf("unknown pubsub resource kind %q", kind)
	}
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%s %q does not exist", strings.TrimSuffix(kind, "s"), name)
	}
	if err != nil {
		return fmt.Errorf("checking %s: %w", full, err)
	}
	return nil
}

// Publisher returns a handle for a topic id or full resource name.
func (c *Client) Publisher(name string) *pubsub.Publisher {
	if c == nil || c.client == nil {
		return nil
	}
	full := resourceName(c.projectID, kindTopic, name)
	if full == "" {
		return nil
	}
	return c.client.Publisher(full)
}

// InventoryPublisher returns the publisher for inventory lifecycle events.
func (c *Client) InventoryPublisher() *pubsub.Publisher {
	if c == nil {
		return nil
	}
	return c.Publisher(c.cfg.InventoryTopic)
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// resourceName expands a short id to projects/<p>/<kind>/<id>. Names that
// are already fully qualified pass through.
func resourceName(projectID, kind, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if strings.HasPrefix(name, "projects/") && strings.Contains(name, "/"+kind+"/") {
		return name
	}
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return ""
	}
	return "projects/" + projectID + "/" + kind + "/" + name
}
