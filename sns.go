package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

func NewSNSNotifier(ctx context.Context, appConfig AppConfig) (Notifier, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if appConfig.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(appConfig.Region))
	}
	cfg, cfgErr := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if cfgErr != nil {
		return nil, cfgErr
	}
	return &SNSNotifier{
		Client: &SNSClient{Client: sns.NewFromConfig(cfg)},
		Topic:  appConfig.SNSTopic,
	}, nil
}

type SNSClientIface interface {
	PublishMessage(msg *sns.PublishInput) error
}

type SNSClient struct {
	Client *sns.Client
}

func (s *SNSClient) PublishMessage(msg *sns.PublishInput) error {
	_, publishErr := s.Client.Publish(context.TODO(), msg)
	return publishErr
}

type SNSNotifier struct {
	Client SNSClientIface
	Topic  string
}

// NotifySyncResults publishes a digest of failed and conflicted keys.
// A fully clean run publishes nothing.
func (s *SNSNotifier) NotifySyncResults(appConfig AppConfig, result *SyncResult) error {
	if len(result.Failed) == 0 && len(result.Conflicts) == 0 {
		return nil
	}

	// TODO: SNS caps messages at 256KB, truncate the digest for very large runs
	notificationBody := ""
	for key, err := range result.Failed {
		notificationBody += fmt.Sprintf("Failed: %s\nError: %s\n\n", key, err)
	}
	for _, key := range result.Conflicts {
		notificationBody += fmt.Sprintf("Conflict: %s (another synchronizer held the lock)\n\n", key)
	}

	snsPublishReq := &sns.PublishInput{
		Message:  aws.String(notificationBody),
		TopicArn: aws.String(s.Topic),
		Subject: aws.String(fmt.Sprintf("Sync issues: %s -> s3://%s/%s",
			appConfig.LocalPath, appConfig.Bucket, appConfig.Prefix)),
	}
	return s.Client.PublishMessage(snsPublishReq)
}
