package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vaultkeys/vaultkeys-backend/pkg/config"
)

func TestResourceName(t *testing.T) {
	cases := []struct {
		project, kind, name, want string
	}{
		{"vk-prod", kindTopic, "inventory", "projects/vk-prod/topics/inventory"},
		{"vk-prod", kindSubscription, " inv-sub ", "projects/vk-prod/subscriptions/inv-sub"},
		{"vk-prod", kindTopic, "projects/other/topics/inventory", "projects/other/topics/inventory"},
		{"vk-prod", kindSubscription, "projects/other/topics/inventory", "projects/vk-prod/subscriptions/projects/other/topics/inventory"},
		{"", kindTopic, "inventory", ""},
		{"vk-prod", kindTopic, "  ", ""},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, resourceName(tc.project, tc.kind, tc.name), "%s/%s", tc.kind, tc.name)
	}
}

func TestSubscriptionNamesSkipsBlank(t *testing.T) {
	require.Empty(t, subscriptionNames(config.PubSubConfig{InventorySubscription: "  "}))
	require.Equal(t, []string{"inv"}, subscriptionNames(config.PubSubConfig{InventorySubscription: " inv "}))
}

func TestNilClientIsSafe(t *testing.T) {
	var c *Client
	require.Nil(t, c.Publisher("inventory"))
	require.Nil(t, c.InventoryPublisher())
	require.NoError(t, c.Close())
	require.ErrorIs(t, c.Ping(context.Background()), errNotInitialized)
}

func TestNewClientRequiresProject(t *testing.T) {
	_, err := NewClient(context.Background(), config.GCPConfig{ProjectID: " "}, config.PubSubConfig{}, nil)
	require.ErrorIs(t, err, errProjectIDRequired)
}
