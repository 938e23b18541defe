package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/notekeeper/internal/db"
)

// sesAPI is the part of *ses.Client the dispatcher calls.
type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SESDispatcher struct {
	client sesAPI
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

func NewSESDispatcher(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESDispatcher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESDispatcher{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

// Send sends the reminder email via AWS SES
func (s *SESDispatcher) Send(ctx context.Context, r *db.Reminder) error {
	if s.from == "" {
		return fmt.Errorf("ses: %w", ErrNotConfigured)
	}
	if r.Email == "" {
		return fmt.Errorf("reminder %s has no recipient", r.ID)
	}

	msg := ComposeMessage(r)

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(msg.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("reminder email sent via ses",
		zap.String("reminder_id", r.ID.String()),
		zap.String("to", msg.To),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}
