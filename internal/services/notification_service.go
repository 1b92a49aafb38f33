package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	"github.com/cmorten/gatehouse/internal/models"
)

// AWSSESNotifier delivers wipe notifications over AWS SES. It also covers
// routine security notices such as new device logins.
type AWSSESNotifier struct {
	sesClient   *ses.Client
	fromAddress string
	logger      *slog.Logger
}

// NewAWSSESNotifier creates a new AWS SES backed notifier
func NewAWSSESNotifier(region, fromAddress string, logger *slog.Logger) (*AWSSESNotifier, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSSESNotifier{
		sesClient:   ses.NewFromConfig(cfg),
		fromAddress: fromAddress,
		logger:      logger,
	}, nil
}

// NotifyWipeStarted tells the account owner that their lost device picked up
// the wipe order and is erasing itself.
func (s *AWSSESNotifier) NotifyWipeStarted(ctx context.Context, user *models.User, deviceName string) error {
	subject := "Remote wipe started"
	body := fmt.Sprintf(`Hello %s,

The device "%s" has started wiping the account data stored on it. You asked
for this when you marked the device as lost.

If you did not request this, contact your administrator immediately.
`, displayName(user), deviceName)

	return s.send(ctx, user.Email, subject, body)
}

// NotifyWipeDone tells the account owner that the wipe finished and the
// device credential has been retired.
func (s *AWSSESNotifier) NotifyWipeDone(ctx context.Context, user *models.User, deviceName string) error {
	subject := "Remote wipe finished"
	body := fmt.Sprintf(`Hello %s,

The device "%s" reported that it finished wiping the account data stored on
it. Its access credential is no longer valid.
`, displayName(user), deviceName)

	return s.send(ctx, user.Email, subject, body)
}

// NotifyNewDeviceLogin sends a heads-up when a login creates a device token
// the account has not seen before.
func (s *AWSSESNotifier) NotifyNewDeviceLogin(ctx context.Context, user *models.User, deviceName, ipAddress string) error {
	subject := "New device signed in to your account"
	body := fmt.Sprintf(`Hello %s,

A new device just signed in to your account:

  Device: %s
  Address: %s

If this was you, no action is needed. If not, revoke the device from your
security settings and change your password.
`, displayName(user), deviceName, ipAddress)

	return s.send(ctx, user.Email, subject, body)
}

func (s *AWSSESNotifier) send(ctx context.Context, to, subject, textBody string) error {
	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String(subject),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data: aws.String(textBody),
				},
			},
		},
	}

	result, err := s.sesClient.SendEmail(ctx, input)
	if err != nil {
		s.logger.Error("failed to send notification via SES",
			slog.String("subject", subject),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("notification sent",
		slog.String("subject", subject),
		slog.String("message_id", *result.MessageId))
	return nil
}

func displayName(user *models.User) string {
	if user.DisplayName != "" {
		return user.DisplayName
	}
	return user.Username
}
