package main

import (
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanRunPublishesNothing(t *testing.T) {
	mockClient := NewMockSNSClient()
	notifier := &SNSNotifier{Client: mockClient, Topic: "mock-topic"}
	result := NewSyncResult()
	result.AddUploaded("a.txt", 10)
	result.AddSkipped("b.txt")

	require.NoError(t, notifier.NotifySyncResults(AppConfig{}, result))

	assert.Empty(t, mockClient.PublishRequests)
}

func TestFailuresAndConflictsArePublished(t *testing.T) {
	mockClient := NewMockSNSClient()
	notifier := &SNSNotifier{Client: mockClient, Topic: "mock-topic"}
	result := &SyncResult{
		Failed: map[string]error{
			"broken.txt": errors.New("connection reset"),
		},
		Conflicts: []string{"contested.txt"},
		lock:      new(sync.Mutex),
	}
	cfg := AppConfig{LocalPath: "/data", Bucket: "bkt", Prefix: "pfx"}

	require.NoError(t, notifier.NotifySyncResults(cfg, result))

	require.Len(t, mockClient.PublishRequests, 1)
	published := mockClient.PublishRequests[0]
	assert.Equal(t, "mock-topic", aws.ToString(published.TopicArn))
	assert.Contains(t, aws.ToString(published.Message), "broken.txt")
	assert.Contains(t, aws.ToString(published.Message), "connection reset")
	assert.Contains(t, aws.ToString(published.Message), "contested.txt")
	assert.Contains(t, aws.ToString(published.Subject), "s3://bkt/pfx")
}
